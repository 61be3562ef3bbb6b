package procam

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// PlanarCalibration implements Calibration for flat boards: per-board
// homographies, Zhang's closed form for the camera matrix, pose recovery from
// the homographies refined by damped Gauss-Newton, and an optional two-term
// radial distortion estimate.
type PlanarCalibration struct {
	EstimateDistortion bool
	Iterations         int // pose refinement iterations
}

// NewPlanarCalibration returns an engine with distortion estimation enabled
func NewPlanarCalibration() *PlanarCalibration {
	return &PlanarCalibration{EstimateDistortion: true, Iterations: 20}
}

// RefitIntrinsics estimates intrinsics from every board and recomputes every pose
func (c *PlanarCalibration) RefitIntrinsics(boards []Observation, size ImageSize) (Fit, error) {
	if len(boards) == 0 {
		return Fit{}, fmt.Errorf("no boards: %w", ErrNotReady)
	}

	// --- Step 1: one homography per board ---
	hs := make([]*mat.Dense, len(boards))
	for i, b := range boards {
		if len(b.ImagePoints) != len(b.ObjectPoints) {
			return Fit{}, fmt.Errorf("board %d: %d image vs %d object points: %w",
				i, len(b.ImagePoints), len(b.ObjectPoints), ErrPointMismatch)
		}
		H, err := estimateHomography(boardPlane(b.ObjectPoints), pixelPlane(b.ImagePoints))
		if err != nil {
			return Fit{}, fmt.Errorf("board %d: %w", i, err)
		}
		hs[i] = H
	}

	// --- Step 2: camera matrix ---
	in, ok := Intrinsics{}, false
	if len(hs) >= 2 {
		in, ok = closedFormIntrinsics(hs, size)
	}
	if !ok {
		var err error
		in, err = constrainedIntrinsics(hs, size)
		if err != nil {
			return Fit{}, err
		}
	}

	// --- Step 3: poses ---
	poses := make([]Pose, len(boards))
	Kinv := mat.NewDense(3, 3, []float64{
		1 / in.Fx, 0, -in.Cx / in.Fx,
		0, 1 / in.Fy, -in.Cy / in.Fy,
		0, 0, 1,
	})
	for i, H := range hs {
		var Hn mat.Dense
		Hn.Mul(Kinv, H)
		pose, err := poseFromHomography(&Hn)
		if err != nil {
			return Fit{}, fmt.Errorf("board %d: %w", i, err)
		}
		poses[i] = c.refinePose(in, pose, boards[i].ImagePoints, boards[i].ObjectPoints)
	}
	fit := evaluateFit(in, poses, boards)

	// --- Step 4: radial distortion ---
	if c.EstimateDistortion && len(boards) >= 2 {
		if dist, ok := estimateRadialDistortion(in, poses, boards); ok {
			withDist := in
			withDist.Dist = dist
			refined := make([]Pose, len(poses))
			for i, p := range poses {
				refined[i] = c.refinePose(withDist, p, boards[i].ImagePoints, boards[i].ObjectPoints)
			}
			if candidate := evaluateFit(withDist, refined, boards); candidate.RMS < fit.RMS {
				fit = candidate
			}
		}
	}

	if math.IsNaN(fit.RMS) || math.IsInf(fit.RMS, 0) {
		return Fit{}, fmt.Errorf("non-finite reprojection error: %w", ErrDegenerateViews)
	}
	return fit, nil
}

// SolvePose recovers one board pose with the intrinsics held fixed
func (c *PlanarCalibration) SolvePose(in Intrinsics, image []Point2, object []r3.Vec) (Pose, error) {
	if !in.Valid() {
		return Pose{}, ErrNotReady
	}
	if len(image) != len(object) {
		return Pose{}, fmt.Errorf("%d image vs %d object points: %w", len(image), len(object), ErrPointMismatch)
	}

	normalized := make([][2]float64, len(image))
	for i, p := range image {
		x, y := in.Normalize(p)
		normalized[i] = [2]float64{x, y}
	}
	H, err := estimateHomography(boardPlane(object), normalized)
	if err != nil {
		return Pose{}, err
	}
	pose, err := poseFromHomography(H)
	if err != nil {
		return Pose{}, err
	}
	return c.refinePose(in, pose, image, object), nil
}

// FitStereo averages the per-board relative transforms between the two stores
func (c *PlanarCalibration) FitStereo(camera, projector *SampleStore) (Extrinsics, error) {
	if camera.Len() != projector.Len() {
		return Extrinsics{}, fmt.Errorf("camera holds %d boards, projector %d: %w",
			camera.Len(), projector.Len(), ErrPointMismatch)
	}
	_, camOK := camera.Intrinsics()
	projIn, projOK := projector.Intrinsics()
	if camera.Len() == 0 || !camOK || !projOK {
		return Extrinsics{}, ErrNotReady
	}

	cams := camera.Observations()
	projs := projector.Observations()

	sum := mat.NewDense(3, 3, nil)
	for i := range cams {
		if !cams[i].HasPose || !projs[i].HasPose {
			return Extrinsics{}, fmt.Errorf("board %d has no pose: %w", i, ErrNotReady)
		}
		var rel mat.Dense
		rel.Mul(projs[i].Pose.Rotation(), cams[i].Pose.Rotation().T())
		sum.Add(sum, &rel)
	}
	R, err := nearestRotation(sum)
	if err != nil {
		return Extrinsics{}, err
	}

	var T r3.Vec
	for i := range cams {
		T = r3.Add(T, r3.Sub(projs[i].Pose.T, rotate(R, cams[i].Pose.T)))
	}
	T = r3.Scale(1/float64(len(cams)), T)
	ext := Extrinsics{Rvec: RotationVector(R), T: T}

	// Stereo error: board points seen through the camera pose and the
	// extrinsics, compared with what the projector displayed.
	var sq float64
	var n int
	for i := range cams {
		inProjector := ComposeRT(cams[i].Pose, ext.Pose())
		sq += reprojectionSquares(projIn, inProjector, projs[i].ImagePoints, projs[i].ObjectPoints)
		n += len(projs[i].ImagePoints)
	}
	if n > 0 {
		ext.Error = math.Sqrt(sq / float64(n))
	}
	return ext, nil
}

// refinePose minimises the board's reprojection error over rvec and t
func (c *PlanarCalibration) refinePose(in Intrinsics, start Pose, image []Point2, object []r3.Vec) Pose {
	iterations := c.Iterations
	if iterations <= 0 {
		iterations = 20
	}
	n := len(image)
	toPose := func(x [6]float64) Pose {
		return Pose{Rvec: r3.Vec{X: x[0], Y: x[1], Z: x[2]}, T: r3.Vec{X: x[3], Y: x[4], Z: x[5]}}
	}
	residuals := func(x [6]float64) []float64 {
		proj := ProjectPoints(in, toPose(x), object)
		r := make([]float64, 2*n)
		for i, q := range proj {
			r[2*i] = q.X - image[i].X
			r[2*i+1] = q.Y - image[i].Y
		}
		return r
	}
	cost := func(r []float64) float64 {
		var s float64
		for _, v := range r {
			s += v * v
		}
		return s
	}

	x := [6]float64{start.Rvec.X, start.Rvec.Y, start.Rvec.Z, start.T.X, start.T.Y, start.T.Z}
	r := residuals(x)
	best := cost(r)
	damping := 1e-3
	const eps = 1e-7

	for iter := 0; iter < iterations && best > 1e-18; iter++ {
		J := mat.NewDense(2*n, 6, nil)
		for k := 0; k < 6; k++ {
			xk := x
			xk[k] += eps
			rk := residuals(xk)
			for i := range rk {
				J.Set(i, k, (rk[i]-r[i])/eps)
			}
		}

		var JtJ mat.Dense
		JtJ.Mul(J.T(), J)
		for k := 0; k < 6; k++ {
			JtJ.Set(k, k, JtJ.At(k, k)*(1+damping)+1e-12)
		}
		var g mat.VecDense
		g.MulVec(J.T(), mat.NewVecDense(2*n, r))
		g.ScaleVec(-1, &g)

		var delta mat.VecDense
		if err := delta.SolveVec(&JtJ, &g); err != nil {
			break
		}
		candidate := x
		for k := 0; k < 6; k++ {
			candidate[k] += delta.AtVec(k)
		}
		rc := residuals(candidate)
		if cc := cost(rc); cc < best {
			improvement := best - cc
			x, r, best = candidate, rc, cc
			damping /= 10
			if improvement < 1e-12*best {
				break
			}
		} else {
			damping *= 10
			if damping > 1e8 {
				break
			}
		}
	}
	return toPose(x)
}

// evaluateFit computes per-board and aggregate RMS errors
func evaluateFit(in Intrinsics, poses []Pose, boards []Observation) Fit {
	fit := Fit{
		Intrinsics: in,
		Poses:      poses,
		Errors:     make([]float64, len(boards)),
	}
	var sq float64
	var n int
	for i, b := range boards {
		s := reprojectionSquares(in, poses[i], b.ImagePoints, b.ObjectPoints)
		if len(b.ImagePoints) > 0 {
			fit.Errors[i] = math.Sqrt(s / float64(len(b.ImagePoints)))
		}
		sq += s
		n += len(b.ImagePoints)
	}
	if n > 0 {
		fit.RMS = math.Sqrt(sq / float64(n))
	}
	return fit
}

func boardPlane(object []r3.Vec) [][2]float64 {
	out := make([][2]float64, len(object))
	for i, o := range object {
		out[i] = [2]float64{o.X, o.Y}
	}
	return out
}

func pixelPlane(image []Point2) [][2]float64 {
	out := make([][2]float64, len(image))
	for i, p := range image {
		out[i] = [2]float64{p.X, p.Y}
	}
	return out
}

// similarity returns the Hartley normalisation (scale, centroid) of a point set
func similarity(pts [][2]float64) (float64, float64, float64) {
	var cx, cy float64
	for _, p := range pts {
		cx += p[0]
		cy += p[1]
	}
	n := float64(len(pts))
	cx /= n
	cy /= n
	var d float64
	for _, p := range pts {
		d += math.Hypot(p[0]-cx, p[1]-cy)
	}
	d /= n
	if d < 1e-12 {
		return 1, cx, cy
	}
	return math.Sqrt2 / d, cx, cy
}

// estimateHomography solves dst ~ H * src with the normalised DLT
func estimateHomography(src, dst [][2]float64) (*mat.Dense, error) {
	n := len(src)
	if n < 4 || len(dst) != n {
		return nil, fmt.Errorf("homography needs 4+ matched points, got %d/%d: %w", n, len(dst), ErrPointMismatch)
	}
	ss, sx, sy := similarity(src)
	ds, dx, dy := similarity(dst)

	A := mat.NewDense(2*n, 9, nil)
	for i := range src {
		X := (src[i][0] - sx) * ss
		Y := (src[i][1] - sy) * ss
		u := (dst[i][0] - dx) * ds
		v := (dst[i][1] - dy) * ds
		A.SetRow(2*i, []float64{-X, -Y, -1, 0, 0, 0, u * X, u * Y, u})
		A.SetRow(2*i+1, []float64{0, 0, 0, -X, -Y, -1, v * X, v * Y, v})
	}
	h, err := nullVector(A)
	if err != nil {
		return nil, err
	}

	Hn := mat.NewDense(3, 3, h)
	Tsrc := mat.NewDense(3, 3, []float64{ss, 0, -ss * sx, 0, ss, -ss * sy, 0, 0, 1})
	TdstInv := mat.NewDense(3, 3, []float64{1 / ds, 0, dx, 0, 1 / ds, dy, 0, 0, 1})
	var H mat.Dense
	H.Product(TdstInv, Hn, Tsrc)
	if z := H.At(2, 2); math.Abs(z) > 1e-12 {
		H.Scale(1/z, &H)
	}
	return &H, nil
}

// nullVector returns the right singular vector of the smallest singular value
func nullVector(A *mat.Dense) ([]float64, error) {
	var svd mat.SVD
	if ok := svd.Factorize(A, mat.SVDFull); !ok {
		return nil, fmt.Errorf("svd did not converge: %w", ErrDegenerateViews)
	}
	var V mat.Dense
	svd.VTo(&V)
	_, c := V.Dims()
	return mat.Col(nil, c-1, &V), nil
}

// zhangRow is v_ij from Zhang's formulation, built from columns i and j of H
func zhangRow(H mat.Matrix, i, j int) []float64 {
	a := func(k int) float64 { return H.At(k, i) }
	b := func(k int) float64 { return H.At(k, j) }
	return []float64{
		a(0) * b(0),
		a(0)*b(1) + a(1)*b(0),
		a(1) * b(1),
		a(2)*b(0) + a(0)*b(2),
		a(2)*b(1) + a(1)*b(2),
		a(2) * b(2),
	}
}

// closedFormIntrinsics solves for the image of the absolute conic with zero skew.
// Homographies are rescaled first so that B is well conditioned.
func closedFormIntrinsics(hs []*mat.Dense, size ImageSize) (Intrinsics, bool) {
	s := float64(size.Width+size.Height) / 2
	if s <= 0 {
		return Intrinsics{}, false
	}
	N := mat.NewDense(3, 3, []float64{1 / s, 0, 0, 0, 1 / s, 0, 0, 0, 1})

	rows := 2*len(hs) + 1
	V := mat.NewDense(rows, 6, nil)
	for i, H := range hs {
		var Hs mat.Dense
		Hs.Mul(N, H)
		V.SetRow(2*i, zhangRow(&Hs, 0, 1))
		v11 := zhangRow(&Hs, 0, 0)
		v22 := zhangRow(&Hs, 1, 1)
		for k := range v11 {
			v11[k] -= v22[k]
		}
		V.SetRow(2*i+1, v11)
	}
	V.SetRow(rows-1, []float64{0, 1, 0, 0, 0, 0})

	b, err := nullVector(V)
	if err != nil {
		return Intrinsics{}, false
	}
	if b[0] < 0 {
		for k := range b {
			b[k] = -b[k]
		}
	}
	B11, B12, B22, B13, B23, B33 := b[0], b[1], b[2], b[3], b[4], b[5]
	den := B11*B22 - B12*B12
	if B11 <= 0 || den <= 0 {
		return Intrinsics{}, false
	}
	v0 := (B12*B13 - B11*B23) / den
	lambda := B33 - (B13*B13+v0*(B12*B13-B11*B23))/B11
	if lambda/B11 <= 0 {
		return Intrinsics{}, false
	}
	alpha := math.Sqrt(lambda / B11)
	beta := math.Sqrt(lambda * B11 / den)
	gamma := -B12 * alpha * alpha * beta / lambda
	u0 := gamma*v0/beta - B13*alpha*alpha/lambda

	in := Intrinsics{Fx: alpha * s, Fy: beta * s, Cx: u0 * s, Cy: v0 * s, Size: size}
	if !in.Valid() || in.Cx < 0 || in.Cx > float64(size.Width) || in.Cy < 0 || in.Cy > float64(size.Height) {
		return Intrinsics{}, false
	}
	return in, true
}

// constrainedIntrinsics fixes the principal point at the image centre and
// solves for the focal lengths only; it needs a single tilted view.
func constrainedIntrinsics(hs []*mat.Dense, size ImageSize) (Intrinsics, error) {
	cx, cy := float64(size.Width)/2, float64(size.Height)/2
	s := float64(size.Width+size.Height) / 2
	if s <= 0 {
		return Intrinsics{}, fmt.Errorf("image size %dx%d: %w", size.Width, size.Height, ErrDegenerateViews)
	}
	N := mat.NewDense(3, 3, []float64{1 / s, 0, -cx / s, 0, 1 / s, -cy / s, 0, 0, 1})

	A := mat.NewDense(2*len(hs), 2, nil)
	rhs := mat.NewVecDense(2*len(hs), nil)
	for i, H := range hs {
		var Hp mat.Dense
		Hp.Mul(N, H)
		h1x, h1y, h1z := Hp.At(0, 0), Hp.At(1, 0), Hp.At(2, 0)
		h2x, h2y, h2z := Hp.At(0, 1), Hp.At(1, 1), Hp.At(2, 1)
		A.SetRow(2*i, []float64{h1x * h2x, h1y * h2y})
		rhs.SetVec(2*i, -h1z*h2z)
		A.SetRow(2*i+1, []float64{h1x*h1x - h2x*h2x, h1y*h1y - h2y*h2y})
		rhs.SetVec(2*i+1, -(h1z*h1z - h2z*h2z))
	}

	in := Intrinsics{Cx: cx, Cy: cy, Size: size}

	var qr mat.QR
	qr.Factorize(A)
	var x mat.VecDense
	if err := qr.SolveVecTo(&x, false, rhs); err == nil && x.AtVec(0) > 0 && x.AtVec(1) > 0 {
		in.Fx = s / math.Sqrt(x.AtVec(0))
		in.Fy = s / math.Sqrt(x.AtVec(1))
		if in.Valid() {
			return in, nil
		}
	}

	// Single focal length: a*(c0 + c1) = rhs
	var num, den float64
	r, _ := A.Dims()
	for i := 0; i < r; i++ {
		c := A.At(i, 0) + A.At(i, 1)
		num += c * rhs.AtVec(i)
		den += c * c
	}
	if den < 1e-18 || num/den <= 0 {
		return Intrinsics{}, fmt.Errorf("focal length unobservable from %d views: %w", len(hs), ErrDegenerateViews)
	}
	f := s / math.Sqrt(num/den)
	in.Fx, in.Fy = f, f
	if !in.Valid() {
		return Intrinsics{}, ErrDegenerateViews
	}
	return in, nil
}

// poseFromHomography decomposes a homography from the board plane to
// normalized image coordinates into a rotation and translation.
func poseFromHomography(H mat.Matrix) (Pose, error) {
	h1 := r3.Vec{X: H.At(0, 0), Y: H.At(1, 0), Z: H.At(2, 0)}
	h2 := r3.Vec{X: H.At(0, 1), Y: H.At(1, 1), Z: H.At(2, 1)}
	h3 := r3.Vec{X: H.At(0, 2), Y: H.At(1, 2), Z: H.At(2, 2)}

	norm := (r3.Norm(h1) + r3.Norm(h2)) / 2
	if norm < 1e-12 {
		return Pose{}, fmt.Errorf("vanishing homography: %w", ErrDegenerateViews)
	}
	lambda := 1 / norm
	if h3.Z < 0 {
		lambda = -lambda
	}
	r1 := r3.Scale(lambda, h1)
	r2 := r3.Scale(lambda, h2)
	t := r3.Scale(lambda, h3)
	rz := r3.Cross(r1, r2)

	M := mat.NewDense(3, 3, []float64{
		r1.X, r2.X, rz.X,
		r1.Y, r2.Y, rz.Y,
		r1.Z, r2.Z, rz.Z,
	})
	R, err := nearestRotation(M)
	if err != nil {
		return Pose{}, err
	}
	return Pose{Rvec: RotationVector(R), T: t}, nil
}

// nearestRotation projects a 3x3 matrix onto SO(3)
func nearestRotation(M mat.Matrix) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(M, mat.SVDFull); !ok {
		return nil, fmt.Errorf("svd did not converge: %w", ErrDegenerateViews)
	}
	var U, V mat.Dense
	svd.UTo(&U)
	svd.VTo(&V)

	var R mat.Dense
	R.Mul(&U, V.T())
	if mat.Det(&R) < 0 {
		for i := 0; i < 3; i++ {
			U.Set(i, 2, -U.At(i, 2))
		}
		R.Mul(&U, V.T())
	}
	return &R, nil
}

// estimateRadialDistortion fits k1, k2 by linear least squares against the
// distortion-free projections of the current model.
func estimateRadialDistortion(in Intrinsics, poses []Pose, boards []Observation) (Distortion, bool) {
	var rows int
	for _, b := range boards {
		rows += 2 * len(b.ImagePoints)
	}
	if rows < 4 {
		return Distortion{}, false
	}

	A := mat.NewDense(rows, 2, nil)
	rhs := mat.NewVecDense(rows, nil)
	row := 0
	for i, b := range boards {
		R := poses[i].Rotation()
		for j, o := range b.ObjectPoints {
			pc := r3.Add(rotate(R, o), poses[i].T)
			x, y := pc.X/pc.Z, pc.Y/pc.Z
			r2 := x*x + y*y
			u := in.Fx*x + in.Cx
			v := in.Fy*y + in.Cy
			A.SetRow(row, []float64{(u - in.Cx) * r2, (u - in.Cx) * r2 * r2})
			rhs.SetVec(row, b.ImagePoints[j].X-u)
			A.SetRow(row+1, []float64{(v - in.Cy) * r2, (v - in.Cy) * r2 * r2})
			rhs.SetVec(row+1, b.ImagePoints[j].Y-v)
			row += 2
		}
	}

	var qr mat.QR
	qr.Factorize(A)
	var k mat.VecDense
	if err := qr.SolveVecTo(&k, false, rhs); err != nil {
		return Distortion{}, false
	}
	d := Distortion{K1: k.AtVec(0), K2: k.AtVec(1)}
	if math.IsNaN(d.K1) || math.IsNaN(d.K2) {
		return Distortion{}, false
	}
	return d, true
}
