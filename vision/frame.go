// Package vision adapts OpenCV capture, detection and display to the
// acquisition loop in package procam.
package vision

import (
	"time"

	"github.com/kwv/procam/procam"
	"gocv.io/x/gocv"
)

// Frame is a captured BGR image
type Frame struct {
	Mat  gocv.Mat
	Time time.Time
}

// Size returns the image resolution
func (f *Frame) Size() procam.ImageSize {
	return procam.ImageSize{Width: f.Mat.Cols(), Height: f.Mat.Rows()}
}

// Close releases the image
func (f *Frame) Close() error {
	return f.Mat.Close()
}

// matOf returns the image behind a procam.Frame produced by this package
func matOf(frame procam.Frame) (gocv.Mat, bool) {
	f, ok := frame.(*Frame)
	if !ok || f.Mat.Empty() {
		return gocv.Mat{}, false
	}
	return f.Mat, true
}

// grayOf converts a frame to gray. The caller closes the result.
func grayOf(src gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	if src.Channels() == 1 {
		src.CopyTo(&gray)
		return gray
	}
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	return gray
}
