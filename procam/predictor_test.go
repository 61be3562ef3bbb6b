package procam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestPredictProjectorPose_NoMotion(t *testing.T) {
	prevProjector := Pose{Rvec: r3.Vec{X: 0.1, Y: -0.2}, T: r3.Vec{X: 5, Y: 6, Z: 700}}
	prevCamera := testPoses()[3]

	got := PredictProjectorPose(prevProjector, prevCamera, prevCamera)
	assert.Equal(t, prevProjector, got, "an unmoved board keeps the previous projector pose exactly")
}

func TestPredictProjectorPose_FollowsRigidRig(t *testing.T) {
	ext := Pose{Rvec: r3.Vec{X: 0.05, Y: -0.2, Z: 0.01}, T: r3.Vec{X: 120, Y: -15, Z: 10}}
	poses := testPoses()

	for i := 1; i < len(poses); i++ {
		prevCamera, current := poses[i-1], poses[i]
		prevProjector := ComposeRT(prevCamera, ext)

		got := PredictProjectorPose(prevProjector, prevCamera, current)
		assertPoseNear(t, ComposeRT(current, ext), got, 1e-9, 1e-6)
	}
}

func TestPredictor_Grid(t *testing.T) {
	p := Predictor{Printed: testChessboard(), Projected: testCircles()}
	candidate := testChessboard().ObjectPoints()

	t.Run("outside", func(t *testing.T) {
		grid, err := p.Grid(candidate, false)
		require.NoError(t, err)
		require.Len(t, grid, 12)
		assert.Equal(t, r3.Vec{Y: -175}, grid[0], "starts w-2 rows above the printed board")
		assert.Equal(t, r3.Vec{X: 25, Y: -175}, grid[1])
		assert.Equal(t, r3.Vec{X: 75, Y: -125}, grid[11])
	})

	t.Run("inside", func(t *testing.T) {
		grid, err := p.Grid(candidate, true)
		require.NoError(t, err)
		assert.Equal(t, r3.Vec{X: 12.5, Y: -12.5}, grid[0])
	})

	t.Run("too few points", func(t *testing.T) {
		_, err := p.Grid(candidate[:9], false)
		assert.ErrorIs(t, err, ErrPointMismatch)
	})
}

func TestPredictor_Predict(t *testing.T) {
	p := Predictor{Printed: testChessboard(), Projected: testCircles()}
	projIn := Intrinsics{Fx: 1400, Fy: 1400, Cx: 400, Cy: 560, Size: ImageSize{Width: 800, Height: 600}}
	prevCamera := testPoses()[0]
	prevProjector := ComposeRT(prevCamera, Pose{T: r3.Vec{X: 100}})
	candidate := testChessboard().ObjectPoints()

	pts, err := p.Predict(projIn, prevProjector, prevCamera, prevCamera, candidate, true)
	require.NoError(t, err)

	grid, _ := p.Grid(candidate, true)
	assert.Equal(t, ProjectPoints(projIn, prevProjector, grid), pts)

	_, err = p.Predict(Intrinsics{}, prevProjector, prevCamera, prevCamera, candidate, true)
	assert.ErrorIs(t, err, ErrNotReady)
}
