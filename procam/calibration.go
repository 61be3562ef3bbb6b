package procam

import (
	"errors"

	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrNotReady is returned when an operation needs calibrated intrinsics or stored boards
	ErrNotReady = errors.New("calibration not ready")
	// ErrDegenerateViews is returned when the boards do not constrain the model
	ErrDegenerateViews = errors.New("degenerate board views")
	// ErrPointMismatch is returned when paired point sets differ in length
	ErrPointMismatch = errors.New("point sets do not match")
)

// Fit is the result of refitting a device's intrinsics from all of its boards
type Fit struct {
	Intrinsics Intrinsics
	Poses      []Pose    // one per board, same order as the input
	Errors     []float64 // per-board RMS reprojection error
	RMS        float64   // aggregate RMS over every point
}

// Calibration is the math engine the acquisition loop delegates to
type Calibration interface {
	// RefitIntrinsics estimates intrinsics from all boards and recomputes every board pose
	RefitIntrinsics(boards []Observation, size ImageSize) (Fit, error)
	// FitStereo estimates camera-to-projector extrinsics from two index-aligned
	// stores with their intrinsics held fixed
	FitStereo(camera, projector *SampleStore) (Extrinsics, error)
	// SolvePose finds the board pose for one detection under fixed intrinsics
	SolvePose(in Intrinsics, image []Point2, object []r3.Vec) (Pose, error)
}
