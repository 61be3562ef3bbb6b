package procam

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrRayParallel is returned when a back-projected ray never meets the board plane
var ErrRayParallel = errors.New("ray is parallel to the board plane")

// Rodrigues expands an axis-angle rotation vector into a 3x3 rotation matrix
func Rodrigues(r r3.Vec) *mat.Dense {
	theta := r3.Norm(r)
	if theta < 1e-12 {
		// First-order expansion; exact identity for the zero vector
		return mat.NewDense(3, 3, []float64{
			1, -r.Z, r.Y,
			r.Z, 1, -r.X,
			-r.Y, r.X, 1,
		})
	}

	k := r3.Scale(1/theta, r)
	c, s := math.Cos(theta), math.Sin(theta)
	v := 1 - c
	return mat.NewDense(3, 3, []float64{
		c + k.X*k.X*v, k.X*k.Y*v - k.Z*s, k.X*k.Z*v + k.Y*s,
		k.Y*k.X*v + k.Z*s, c + k.Y*k.Y*v, k.Y*k.Z*v - k.X*s,
		k.Z*k.X*v - k.Y*s, k.Z*k.Y*v + k.X*s, c + k.Z*k.Z*v,
	})
}

// RotationVector converts a 3x3 rotation matrix back to axis-angle form
func RotationVector(R mat.Matrix) r3.Vec {
	tr := R.At(0, 0) + R.At(1, 1) + R.At(2, 2)
	cosT := math.Max(-1, math.Min(1, (tr-1)/2))
	theta := math.Acos(cosT)
	w := r3.Vec{
		X: R.At(2, 1) - R.At(1, 2),
		Y: R.At(0, 2) - R.At(2, 0),
		Z: R.At(1, 0) - R.At(0, 1),
	}

	sinT := math.Sin(theta)
	if sinT > 1e-6 {
		return r3.Scale(theta/(2*sinT), w)
	}
	if cosT > 0 {
		return r3.Scale(0.5, w)
	}

	// theta close to pi: recover the axis from the symmetric part
	x := math.Sqrt(math.Max(0, (R.At(0, 0)+1)/2))
	y := math.Sqrt(math.Max(0, (R.At(1, 1)+1)/2))
	z := math.Sqrt(math.Max(0, (R.At(2, 2)+1)/2))
	switch {
	case x >= y && x >= z:
		y = math.Copysign(y, R.At(0, 1)+R.At(1, 0))
		z = math.Copysign(z, R.At(0, 2)+R.At(2, 0))
	case y >= z:
		x = math.Copysign(x, R.At(0, 1)+R.At(1, 0))
		z = math.Copysign(z, R.At(1, 2)+R.At(2, 1))
	default:
		x = math.Copysign(x, R.At(0, 2)+R.At(2, 0))
		y = math.Copysign(y, R.At(1, 2)+R.At(2, 1))
	}
	axis := r3.Unit(r3.Vec{X: x, Y: y, Z: z})
	return r3.Scale(theta, axis)
}

// rotate returns R*v
func rotate(R mat.Matrix, v r3.Vec) r3.Vec {
	return r3.Vec{
		X: R.At(0, 0)*v.X + R.At(0, 1)*v.Y + R.At(0, 2)*v.Z,
		Y: R.At(1, 0)*v.X + R.At(1, 1)*v.Y + R.At(1, 2)*v.Z,
		Z: R.At(2, 0)*v.X + R.At(2, 1)*v.Y + R.At(2, 2)*v.Z,
	}
}

// Rotation returns the pose's rotation matrix
func (p Pose) Rotation() *mat.Dense {
	return Rodrigues(p.Rvec)
}

// Apply maps a point from the source frame into the target frame
func (p Pose) Apply(v r3.Vec) r3.Vec {
	return r3.Add(rotate(p.Rotation(), v), p.T)
}

// Inverse returns the pose mapping the target frame back to the source frame
func (p Pose) Inverse() Pose {
	Rt := p.Rotation().T()
	return Pose{
		Rvec: r3.Scale(-1, p.Rvec),
		T:    r3.Scale(-1, rotate(Rt, p.T)),
	}
}

// ComposeRT applies first, then second: R = R2*R1, T = R2*T1 + T2
func ComposeRT(first, second Pose) Pose {
	R1 := first.Rotation()
	R2 := second.Rotation()
	var R mat.Dense
	R.Mul(R2, R1)
	return Pose{
		Rvec: RotationVector(&R),
		T:    r3.Add(rotate(R2, first.T), second.T),
	}
}

// OpenGLMatrix lays the pose out the way OpenGL expects a model-view matrix
// when read row by row: the upper block is R transposed and the last row
// carries the translation.
func OpenGLMatrix(p Pose) [4][4]float64 {
	R := p.Rotation()
	var m [4][4]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = R.At(j, i)
		}
	}
	m[3] = [4]float64{p.T.X, p.T.Y, p.T.Z, 1}
	return m
}

// distort applies lens distortion to normalized image coordinates
func (in Intrinsics) distort(x, y float64) (float64, float64) {
	d := in.Dist
	r2 := x*x + y*y
	radial := 1 + d.K1*r2 + d.K2*r2*r2 + d.K3*r2*r2*r2
	xd := x*radial + 2*d.P1*x*y + d.P2*(r2+2*x*x)
	yd := y*radial + d.P1*(r2+2*y*y) + 2*d.P2*x*y
	return xd, yd
}

// ToPixel maps normalized coordinates to distorted pixel coordinates
func (in Intrinsics) ToPixel(x, y float64) Point2 {
	xd, yd := in.distort(x, y)
	return Point2{X: in.Fx*xd + in.Cx, Y: in.Fy*yd + in.Cy}
}

// Normalize removes the camera matrix and lens distortion from a pixel,
// returning the ideal normalized coordinates.
func (in Intrinsics) Normalize(p Point2) (float64, float64) {
	x0 := (p.X - in.Cx) / in.Fx
	y0 := (p.Y - in.Cy) / in.Fy
	d := in.Dist
	if d == (Distortion{}) {
		return x0, y0
	}

	x, y := x0, y0
	for i := 0; i < 20; i++ {
		r2 := x*x + y*y
		icdist := 1 / (1 + d.K1*r2 + d.K2*r2*r2 + d.K3*r2*r2*r2)
		dx := 2*d.P1*x*y + d.P2*(r2+2*x*x)
		dy := d.P1*(r2+2*y*y) + 2*d.P2*x*y
		x = (x0 - dx) * icdist
		y = (y0 - dy) * icdist
	}
	return x, y
}

// ProjectPoints projects board points through a pose and intrinsics into pixels
func ProjectPoints(in Intrinsics, p Pose, object []r3.Vec) []Point2 {
	R := p.Rotation()
	out := make([]Point2, len(object))
	for i, o := range object {
		pc := r3.Add(rotate(R, o), p.T)
		z := pc.Z
		if math.Abs(z) < 1e-12 {
			z = 1e-12
		}
		out[i] = in.ToPixel(pc.X/z, pc.Y/z)
	}
	return out
}

// BackProjectToBoard intersects the viewing rays of image points with the board
// plane described by pose and returns the hits in board coordinates.
func BackProjectToBoard(in Intrinsics, p Pose, image []Point2) ([]r3.Vec, error) {
	R := p.Rotation()
	normal := r3.Vec{X: R.At(0, 2), Y: R.At(1, 2), Z: R.At(2, 2)}
	planeDist := r3.Dot(normal, p.T)
	Rt := R.T()

	out := make([]r3.Vec, len(image))
	for i, px := range image {
		x, y := in.Normalize(px)
		ray := r3.Vec{X: x, Y: y, Z: 1}
		denom := r3.Dot(normal, ray)
		if math.Abs(denom) < 1e-12 {
			return nil, ErrRayParallel
		}
		hit := r3.Scale(planeDist/denom, ray)
		b := rotate(Rt, r3.Sub(hit, p.T))
		b.Z = 0
		out[i] = b
	}
	return out, nil
}

// reprojectionSquares returns the summed squared pixel residual of one board
func reprojectionSquares(in Intrinsics, p Pose, image []Point2, object []r3.Vec) float64 {
	projected := ProjectPoints(in, p, object)
	var sum float64
	for i, q := range projected {
		dx := q.X - image[i].X
		dy := q.Y - image[i].Y
		sum += dx*dx + dy*dy
	}
	return sum
}

// ReprojectionRMS is the RMS pixel distance between observed and projected points
func ReprojectionRMS(in Intrinsics, p Pose, image []Point2, object []r3.Vec) float64 {
	if len(image) == 0 {
		return 0
	}
	return math.Sqrt(reprojectionSquares(in, p, image, object) / float64(len(image)))
}
