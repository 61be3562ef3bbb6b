package procam

import (
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Device names one of the two calibrated devices
type Device string

const (
	DeviceCamera    Device = "camera"
	DeviceProjector Device = "projector"
)

// Point2 is a 2D point in pixel coordinates (y grows downwards)
type Point2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ImageSize is the pixel resolution of a device
type ImageSize struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// Area returns the image area in square pixels
func (s ImageSize) Area() float64 {
	return float64(s.Width) * float64(s.Height)
}

// Distortion holds Brown-Conrady lens distortion coefficients in OpenCV order
type Distortion struct {
	K1 float64 `json:"k1"`
	K2 float64 `json:"k2"`
	P1 float64 `json:"p1"`
	P2 float64 `json:"p2"`
	K3 float64 `json:"k3"`
}

// Coefficients returns the coefficients as k1, k2, p1, p2, k3
func (d Distortion) Coefficients() []float64 {
	return []float64{d.K1, d.K2, d.P1, d.P2, d.K3}
}

// Intrinsics is the pinhole model of a camera or projector
type Intrinsics struct {
	Fx   float64    `json:"fx"`
	Fy   float64    `json:"fy"`
	Cx   float64    `json:"cx"`
	Cy   float64    `json:"cy"`
	Dist Distortion `json:"distortion"`
	Size ImageSize  `json:"size"`
}

// Valid reports whether the focal lengths are usable
func (in Intrinsics) Valid() bool {
	return in.Fx > 0 && in.Fy > 0 && !math.IsNaN(in.Fx) && !math.IsNaN(in.Fy) &&
		!math.IsInf(in.Fx, 0) && !math.IsInf(in.Fy, 0)
}

// Matrix returns the 3x3 camera matrix K
func (in Intrinsics) Matrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		in.Fx, 0, in.Cx,
		0, in.Fy, in.Cy,
		0, 0, 1,
	})
}

// FOV returns the horizontal and vertical field of view in degrees
func (in Intrinsics) FOV() (float64, float64) {
	if !in.Valid() {
		return 0, 0
	}
	fovX := 2 * math.Atan(float64(in.Size.Width)/(2*in.Fx)) * 180 / math.Pi
	fovY := 2 * math.Atan(float64(in.Size.Height)/(2*in.Fy)) * 180 / math.Pi
	return fovX, fovY
}

// Pose is a rigid transform from board (object) coordinates into a device frame.
// Rvec is an axis-angle rotation vector.
type Pose struct {
	Rvec r3.Vec `json:"rvec"`
	T    r3.Vec `json:"tvec"`
}

// Observation is one accepted detection of a calibration board
type Observation struct {
	ImagePoints  []Point2 // detected (camera) or displayed (projector) pixels
	ObjectPoints []r3.Vec // board coordinates, z = 0
	Pose         Pose     // board pose in the device frame
	HasPose      bool     // Pose has been computed
	Error        float64  // per-board RMS reprojection error, set by a fit
}

// Clone returns a deep copy of the observation
func (o Observation) Clone() Observation {
	c := o
	c.ImagePoints = append([]Point2(nil), o.ImagePoints...)
	c.ObjectPoints = append([]r3.Vec(nil), o.ObjectPoints...)
	return c
}

// Extrinsics relates the camera frame to the projector frame:
// X_projector = R(Rvec) * X_camera + T
type Extrinsics struct {
	Rvec  r3.Vec  `json:"rvec"`
	T     r3.Vec  `json:"tvec"`
	Error float64 `json:"error"` // stereo RMS reprojection error in projector pixels
}

// Pose returns the extrinsics as a camera-to-projector pose
func (e Extrinsics) Pose() Pose {
	return Pose{Rvec: e.Rvec, T: e.T}
}

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time
