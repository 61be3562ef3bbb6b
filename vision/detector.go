package vision

import (
	"image"

	"github.com/kwv/procam/procam"
	"gocv.io/x/gocv"
)

// Detector finds the printed and projected patterns with OpenCV
type Detector struct {
	Printed   *procam.PatternShape
	Projected *procam.PatternShape
}

// NewDetector creates a detector for the two pattern shapes
func NewDetector(printed, projected *procam.PatternShape) *Detector {
	return &Detector{Printed: printed, Projected: projected}
}

// DetectPrinted finds the printed pattern
func (d *Detector) DetectPrinted(frame procam.Frame) ([]procam.Point2, bool) {
	src, ok := matOf(frame)
	if !ok {
		return nil, false
	}
	return detect(src, d.Printed)
}

// DetectProjected finds the projected pattern
func (d *Detector) DetectProjected(frame procam.Frame) ([]procam.Point2, bool) {
	src, ok := matOf(frame)
	if !ok {
		return nil, false
	}
	return detect(src, d.Projected)
}

func detect(src gocv.Mat, shape *procam.PatternShape) ([]procam.Point2, bool) {
	prepared := preprocess(src, shape.Preprocess)
	defer prepared.Close()

	if shape.Kind == procam.PatternChessboard {
		return detectChessboard(prepared, shape)
	}
	return detectCircles(prepared, shape)
}

// preprocess produces the single-channel image detection runs on
func preprocess(src gocv.Mat, p procam.Preprocess) gocv.Mat {
	var out gocv.Mat
	if p.UseColor {
		hsv := gocv.NewMat()
		gocv.CvtColor(src, &hsv, gocv.ColorBGRToHSV)
		out = gocv.NewMat()
		lo := gocv.NewScalar(p.HSVLow[0], p.HSVLow[1], p.HSVLow[2], 0)
		hi := gocv.NewScalar(p.HSVHigh[0], p.HSVHigh[1], p.HSVHigh[2], 0)
		gocv.InRangeWithScalar(hsv, lo, hi, &out)
		hsv.Close()
		// Blob detection looks for dark features
		gocv.BitwiseNot(out, &out)
	} else {
		out = grayOf(src)
		if p.Invert {
			gocv.BitwiseNot(out, &out)
		}
	}

	if p.Blur > 1 {
		k := p.Blur | 1
		gocv.GaussianBlur(out, &out, image.Pt(k, k), 0, 0, gocv.BorderDefault)
	}
	if p.Threshold > 0 && !p.UseColor {
		gocv.Threshold(out, &out, float32(p.Threshold), 255, gocv.ThresholdBinary)
	}
	return out
}

func detectChessboard(gray gocv.Mat, shape *procam.PatternShape) ([]procam.Point2, bool) {
	corners := gocv.NewMat()
	defer corners.Close()

	if !gocv.FindChessboardCorners(gray, image.Pt(shape.Width, shape.Height), &corners,
		gocv.CalibCBAdaptiveThresh|gocv.CalibCBNormalizeImage) {
		return nil, false
	}
	if corners.Rows() != shape.Count() {
		return nil, false
	}

	criteria := gocv.NewTermCriteria(gocv.Count|gocv.EPS, 30, 0.001)
	gocv.CornerSubPix(gray, &corners, image.Pt(11, 11), image.Pt(-1, -1), criteria)

	pts := make([]procam.Point2, corners.Rows())
	for i := range pts {
		v := corners.GetVecfAt(i, 0)
		pts[i] = procam.Point2{X: float64(v[0]), Y: float64(v[1])}
	}
	return pts, true
}

func detectCircles(gray gocv.Mat, shape *procam.PatternShape) ([]procam.Point2, bool) {
	blobs := gocv.NewSimpleBlobDetector()
	defer blobs.Close()

	keypoints := blobs.Detect(gray)
	if len(keypoints) != shape.Count() {
		return nil, false
	}
	pts := make([]procam.Point2, len(keypoints))
	for i, kp := range keypoints {
		pts[i] = procam.Point2{X: kp.X, Y: kp.Y}
	}
	return procam.OrderGrid(pts, shape)
}
