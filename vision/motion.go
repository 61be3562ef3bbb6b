package vision

import (
	"math"

	"github.com/kwv/procam/procam"
	"gocv.io/x/gocv"
)

// MotionMeter measures the mean absolute gray difference between consecutive frames
type MotionMeter struct {
	prev gocv.Mat
	has  bool
}

// NewMotionMeter creates a meter with no previous frame
func NewMotionMeter() *MotionMeter {
	return &MotionMeter{prev: gocv.NewMat()}
}

// Difference returns the mean difference to the previous frame. The first
// frame, and any frame whose size changed, reports an infinite difference.
func (m *MotionMeter) Difference(frame procam.Frame) float64 {
	src, ok := matOf(frame)
	if !ok {
		return math.Inf(1)
	}
	gray := grayOf(src)

	diff := math.Inf(1)
	if m.has && m.prev.Rows() == gray.Rows() && m.prev.Cols() == gray.Cols() {
		delta := gocv.NewMat()
		gocv.AbsDiff(gray, m.prev, &delta)
		diff = delta.Mean().Val1
		delta.Close()
	}

	m.prev.Close()
	m.prev = gray
	m.has = true
	return diff
}

// Close releases the stored frame
func (m *MotionMeter) Close() error {
	return m.prev.Close()
}
