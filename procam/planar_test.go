package procam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func syntheticBoards(in Intrinsics, shape *PatternShape) []Observation {
	var boards []Observation
	for _, p := range testPoses() {
		boards = append(boards, projectBoard(in, p, shape))
	}
	return boards
}

func TestPlanarCalibration_RefitRecoversIntrinsics(t *testing.T) {
	truth := testIntrinsics()
	boards := syntheticBoards(truth, testChessboard())

	calib := NewPlanarCalibration()
	fit, err := calib.RefitIntrinsics(boards, truth.Size)
	require.NoError(t, err)

	assert.InDelta(t, truth.Fx, fit.Intrinsics.Fx, 1.0)
	assert.InDelta(t, truth.Fy, fit.Intrinsics.Fy, 1.0)
	assert.InDelta(t, truth.Cx, fit.Intrinsics.Cx, 1.0)
	assert.InDelta(t, truth.Cy, fit.Intrinsics.Cy, 1.0)
	assert.Less(t, fit.RMS, 0.01)

	require.Len(t, fit.Poses, len(boards))
	require.Len(t, fit.Errors, len(boards))
	for i, want := range testPoses() {
		assertPoseNear(t, want, fit.Poses[i], 1e-3, 0.5)
		assert.Less(t, fit.Errors[i], 0.01, "board %d", i)
	}
}

func TestPlanarCalibration_SingleBoardFallsBackToCentredModel(t *testing.T) {
	truth := testIntrinsics()
	boards := []Observation{projectBoard(truth, testPoses()[2], testChessboard())}

	fit, err := NewPlanarCalibration().RefitIntrinsics(boards, truth.Size)
	require.NoError(t, err)

	// Principal point is pinned to the image centre, which matches the truth here
	assert.Equal(t, 320.0, fit.Intrinsics.Cx)
	assert.Equal(t, 240.0, fit.Intrinsics.Cy)
	assert.InDelta(t, truth.Fx, fit.Intrinsics.Fx, 5.0)
	assert.Len(t, fit.Poses, 1)
}

func TestPlanarCalibration_RefitErrors(t *testing.T) {
	calib := NewPlanarCalibration()
	size := ImageSize{Width: 640, Height: 480}

	_, err := calib.RefitIntrinsics(nil, size)
	assert.ErrorIs(t, err, ErrNotReady)

	bad := projectBoard(testIntrinsics(), testPoses()[0], testChessboard())
	bad.ObjectPoints = bad.ObjectPoints[:10]
	_, err = calib.RefitIntrinsics([]Observation{bad}, size)
	assert.ErrorIs(t, err, ErrPointMismatch)
}

// ---

func TestPlanarCalibration_SolvePose(t *testing.T) {
	in := testIntrinsics()
	shape := testChessboard()
	calib := NewPlanarCalibration()

	for i, want := range testPoses() {
		obs := projectBoard(in, want, shape)
		got, err := calib.SolvePose(in, obs.ImagePoints, obs.ObjectPoints)
		require.NoError(t, err, "pose %d", i)
		assertPoseNear(t, want, got, 1e-6, 1e-4)
	}
}

func TestPlanarCalibration_SolvePoseNeedsIntrinsics(t *testing.T) {
	obs := projectBoard(testIntrinsics(), testPoses()[0], testChessboard())
	_, err := NewPlanarCalibration().SolvePose(Intrinsics{}, obs.ImagePoints, obs.ObjectPoints)
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = NewPlanarCalibration().SolvePose(testIntrinsics(), obs.ImagePoints[:5], obs.ObjectPoints)
	assert.ErrorIs(t, err, ErrPointMismatch)
}

// ---

func TestPlanarCalibration_FitStereo(t *testing.T) {
	camIn := testIntrinsics()
	projIn := Intrinsics{Fx: 1400, Fy: 1400, Cx: 400, Cy: 560, Size: ImageSize{Width: 800, Height: 600}}
	truth := Extrinsics{Rvec: r3.Vec{X: 0.05, Y: -0.2, Z: 0.01}, T: r3.Vec{X: 120, Y: -15, Z: 10}}
	shape := testChessboard()

	camera := NewSampleStore(DeviceCamera, camIn.Size)
	camera.SetIntrinsics(camIn, 0.1)
	projector := NewSampleStore(DeviceProjector, projIn.Size)
	projector.SetIntrinsics(projIn, 0.1)

	for _, camPose := range testPoses() {
		projPose := ComposeRT(camPose, truth.Pose())
		c := projectBoard(camIn, camPose, shape)
		c.Pose, c.HasPose = camPose, true
		p := projectBoard(projIn, projPose, shape)
		p.Pose, p.HasPose = projPose, true
		camera.Append(c)
		projector.Append(p)
	}

	ext, err := NewPlanarCalibration().FitStereo(camera, projector)
	require.NoError(t, err)
	assertVecNear(t, truth.Rvec, ext.Rvec, 1e-9, "rotation")
	assertVecNear(t, truth.T, ext.T, 1e-6, "translation")
	assert.Less(t, ext.Error, 1e-6)
}

func TestPlanarCalibration_FitStereoPreconditions(t *testing.T) {
	calib := NewPlanarCalibration()
	size := ImageSize{Width: 640, Height: 480}

	t.Run("length mismatch", func(t *testing.T) {
		camera := storeWithErrors(t, DeviceCamera, []float64{0.1, 0.1})
		projector := storeWithErrors(t, DeviceProjector, []float64{0.1})
		_, err := calib.FitStereo(camera, projector)
		assert.ErrorIs(t, err, ErrPointMismatch)
	})

	t.Run("uncalibrated", func(t *testing.T) {
		_, err := calib.FitStereo(NewSampleStore(DeviceCamera, size), NewSampleStore(DeviceProjector, size))
		assert.ErrorIs(t, err, ErrNotReady)
	})

	t.Run("board without pose", func(t *testing.T) {
		camera := NewSampleStore(DeviceCamera, size)
		camera.SetIntrinsics(testIntrinsics(), 0)
		camera.Append(Observation{})
		projector := NewSampleStore(DeviceProjector, size)
		projector.SetIntrinsics(testIntrinsics(), 0)
		projector.Append(Observation{})
		_, err := calib.FitStereo(camera, projector)
		assert.ErrorIs(t, err, ErrNotReady)
	})
}

func TestEstimateHomography_NeedsFourPoints(t *testing.T) {
	_, err := estimateHomography([][2]float64{{0, 0}, {1, 0}, {0, 1}}, [][2]float64{{0, 0}, {1, 0}, {0, 1}})
	assert.ErrorIs(t, err, ErrPointMismatch)
}
