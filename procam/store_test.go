package procam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestSampleStore_AppendCopies(t *testing.T) {
	s := NewSampleStore(DeviceCamera, ImageSize{Width: 640, Height: 480})
	pts := []Point2{{X: 1, Y: 2}}
	obj := []r3.Vec{{X: 3}}

	n := s.Append(Observation{ImagePoints: pts, ObjectPoints: obj})
	assert.Equal(t, 1, n)

	pts[0].X = 99
	obj[0].X = 99
	got := s.At(0)
	assert.Equal(t, 1.0, got.ImagePoints[0].X, "store must not alias the caller's slice")
	assert.Equal(t, 3.0, got.ObjectPoints[0].X)

	got.ImagePoints[0].X = 42
	assert.Equal(t, 1.0, s.At(0).ImagePoints[0].X, "At must return a copy")
}

func TestSampleStore_Lifecycle(t *testing.T) {
	size := ImageSize{Width: 640, Height: 480}
	s := NewSampleStore(DeviceProjector, size)

	assert.Equal(t, DeviceProjector, s.Device())
	assert.False(t, s.Calibrated())
	assert.False(t, s.Ready())
	_, ok := s.ReprojectionError()
	assert.False(t, ok, "error is undefined before calibration")
	_, ok = s.Last()
	assert.False(t, ok)

	in := testIntrinsics()
	in.Size = ImageSize{Width: 1, Height: 1}
	s.SetIntrinsics(in, 0.25)
	got, ok := s.Intrinsics()
	require.True(t, ok)
	assert.Equal(t, size, got.Size, "intrinsics take the store's resolution")
	assert.False(t, s.Ready(), "no boards yet")

	s.Append(Observation{ImagePoints: []Point2{{X: 1}}, ObjectPoints: []r3.Vec{{}}})
	assert.True(t, s.Ready())
	rms, ok := s.ReprojectionError()
	assert.True(t, ok)
	assert.Equal(t, 0.25, rms)

	s.Clear()
	assert.Equal(t, 0, s.Len())
	assert.True(t, s.Calibrated(), "Clear keeps the intrinsic estimate")
	assert.False(t, s.Ready())

	s.Reset()
	assert.False(t, s.Calibrated(), "Reset forgets the intrinsic estimate")
	got, _ = s.Intrinsics()
	assert.Equal(t, Intrinsics{Size: size}, got)
}

func TestSampleStore_ApplyFit(t *testing.T) {
	s := storeWithErrors(t, DeviceCamera, []float64{0.1, 0.2, 0.3})

	for i, b := range s.Observations() {
		assert.True(t, b.HasPose, "board %d", i)
	}
	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, 0.3, last.Error)

	err := s.ApplyFit(Fit{Intrinsics: testIntrinsics(), Poses: make([]Pose, 2), Errors: make([]float64, 2)})
	assert.ErrorIs(t, err, ErrPointMismatch)
}

func TestSampleStore_TruncateRecomputesError(t *testing.T) {
	s := storeWithErrors(t, DeviceCamera, []float64{0.1, 0.1, 5.0})

	s.Truncate(2)
	assert.Equal(t, 2, s.Len())
	rms, ok := s.ReprojectionError()
	require.True(t, ok)
	assert.InDelta(t, 0.1, rms, 1e-12)

	s.Truncate(5)
	assert.Equal(t, 2, s.Len(), "truncating past the end is a no-op")
	s.Truncate(-1)
	assert.Equal(t, 0, s.Len())
}
