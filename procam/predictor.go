package procam

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Predictor places the projected pattern so that it follows the printed board.
// It only uses same-frame pose deltas, never the stereo extrinsics.
type Predictor struct {
	Printed   *PatternShape
	Projected *PatternShape
}

// PredictProjectorPose carries the camera-frame motion from the previous board
// (prevCamera) to the current one onto the previous projector-frame pose.
func PredictProjectorPose(prevProjector, prevCamera, current Pose) Pose {
	if current == prevCamera {
		return prevProjector
	}
	delta := ComposeRT(current, prevCamera.Inverse())
	return ComposeRT(delta, prevProjector)
}

// Grid builds the synthetic board-frame points the projector should show,
// next to (inside=false) or over (inside=true) the printed pattern whose
// candidate object points are given.
func (p Predictor) Grid(candidate []r3.Vec, inside bool) ([]r3.Vec, error) {
	w := p.Printed.Width
	if len(candidate) < w+1 {
		return nil, fmt.Errorf("need at least %d printed points, got %d: %w", w+1, len(candidate), ErrPointMismatch)
	}

	axisX := r3.Sub(candidate[1], candidate[0])
	axisY := r3.Sub(candidate[w], candidate[0])

	var origin r3.Vec
	if inside {
		origin = r3.Add(candidate[0], r3.Scale(0.5, r3.Sub(axisX, axisY)))
	} else {
		origin = r3.Sub(candidate[0], r3.Scale(float64(w-2), axisY))
	}
	return p.Projected.gridFrom(origin, axisX, axisY), nil
}

// Predict returns the projector pixels at which to display the pattern for the
// current camera pose of the printed board.
func (p Predictor) Predict(projector Intrinsics, prevProjector, prevCamera, current Pose, candidate []r3.Vec, inside bool) ([]Point2, error) {
	if !projector.Valid() {
		return nil, fmt.Errorf("projector intrinsics: %w", ErrNotReady)
	}
	grid, err := p.Grid(candidate, inside)
	if err != nil {
		return nil, err
	}
	pose := PredictProjectorPose(prevProjector, prevCamera, current)
	return ProjectPoints(projector, pose, grid), nil
}
