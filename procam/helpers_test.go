package procam

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

// Shared fixtures: a 640x480 camera looking at a 9x6 chessboard of 25mm squares.

func testIntrinsics() Intrinsics {
	return Intrinsics{Fx: 800, Fy: 800, Cx: 320, Cy: 240, Size: ImageSize{Width: 640, Height: 480}}
}

func testChessboard() *PatternShape {
	return &PatternShape{Kind: PatternChessboard, Width: 9, Height: 6, SquareSize: 25}
}

func testCircles() *PatternShape {
	return &PatternShape{Kind: PatternCircles, Width: 4, Height: 3, SquareSize: 60, OffsetX: 200, OffsetY: 150}
}

// testPoses keeps the board centred roughly on the optical axis at 600mm,
// tilted differently each time so the views constrain the camera matrix.
func testPoses() []Pose {
	t := r3.Vec{X: -100, Y: -62.5, Z: 600}
	return []Pose{
		{Rvec: r3.Vec{X: 0.3}, T: t},
		{Rvec: r3.Vec{Y: 0.3}, T: t},
		{Rvec: r3.Vec{X: -0.25, Y: 0.2, Z: 0.05}, T: r3.Add(t, r3.Vec{X: 10, Z: 40})},
		{Rvec: r3.Vec{X: 0.2, Y: -0.3, Z: -0.1}, T: r3.Add(t, r3.Vec{Y: -15, Z: -30})},
		{Rvec: r3.Vec{X: 0.1, Y: 0.15, Z: 0.3}, T: r3.Add(t, r3.Vec{X: -20, Y: 10, Z: 60})},
	}
}

// projectBoard renders the shape's points through a pose, as a perfect detector would report them
func projectBoard(in Intrinsics, pose Pose, shape *PatternShape) Observation {
	obj := shape.ObjectPoints()
	return Observation{
		ImagePoints:  ProjectPoints(in, pose, obj),
		ObjectPoints: obj,
	}
}

func assertVecNear(t *testing.T, want, got r3.Vec, tol float64, msg string) {
	t.Helper()
	if d := r3.Norm(r3.Sub(want, got)); d > tol || math.IsNaN(d) {
		t.Errorf("%s: got %+v, want %+v (|diff| %.3g > %.3g)", msg, got, want, d, tol)
	}
}

func assertPoseNear(t *testing.T, want, got Pose, rtol, ttol float64) {
	t.Helper()
	assertVecNear(t, want.Rvec, got.Rvec, rtol, "rotation")
	assertVecNear(t, want.T, got.T, ttol, "translation")
}

// storeWithErrors builds a calibrated store whose boards carry the given
// per-board errors; board i is tagged by ImagePoints[0].X == i.
func storeWithErrors(t *testing.T, device Device, errs []float64) *SampleStore {
	t.Helper()
	s := NewSampleStore(device, ImageSize{Width: 640, Height: 480})
	fit := Fit{Intrinsics: testIntrinsics(), RMS: 0.1}
	for i, e := range errs {
		s.Append(Observation{
			ImagePoints:  []Point2{{X: float64(i)}},
			ObjectPoints: []r3.Vec{{}},
		})
		fit.Poses = append(fit.Poses, Pose{T: r3.Vec{Z: 600}})
		fit.Errors = append(fit.Errors, e)
	}
	if err := s.ApplyFit(fit); err != nil {
		t.Fatalf("ApplyFit: %v", err)
	}
	return s
}

func tags(s *SampleStore) []float64 {
	var out []float64
	for _, b := range s.Observations() {
		out = append(out, b.ImagePoints[0].X)
	}
	return out
}
