package procam

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"
)

// DeviceCalibration is the content of a device calibration file
type DeviceCalibration struct {
	Device            Device
	Intrinsics        Intrinsics
	ReprojectionError float64
	Boards            []Observation // samples saved alongside the intrinsics
	Saved             time.Time
}

// matrixRecord stores a matrix as rows, cols and row-major data
type matrixRecord struct {
	Rows int     `yaml:"rows"`
	Cols int     `yaml:"cols"`
	Data flowRow `yaml:"data"`
}

type boardRecord struct {
	ImagePoints  []flowRow `yaml:"imagePoints"`
	ObjectPoints []flowRow `yaml:"objectPoints"`
}

type calibrationFile struct {
	Device            string        `yaml:"device"`
	Saved             string        `yaml:"saved,omitempty"`
	ImageWidth        int           `yaml:"imageWidth"`
	ImageHeight       int           `yaml:"imageHeight"`
	CameraMatrix      matrixRecord  `yaml:"cameraMatrix"`
	DistCoeffs        flowRow       `yaml:"distCoeffs"`
	ReprojectionError float64       `yaml:"reprojectionError"`
	Boards            []boardRecord `yaml:"boards,omitempty"`
}

type extrinsicsFile struct {
	RotationVector    flowRow   `yaml:"Rotation_Vector"`
	RotationMatrix    []flowRow `yaml:"Rotation_Matrix"`
	TranslationVector flowRow   `yaml:"Translation_Vector"`
	OpenGLMat         []flowRow `yaml:"OpenGL_Mat"`
}

// flowRow is a number sequence written on one line
type flowRow []float64

// MarshalYAML emits the row in flow style with round-trippable floats
func (r flowRow) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
	for _, v := range r {
		node.Content = append(node.Content, &yaml.Node{
			Kind:  yaml.ScalarNode,
			Value: strconv.FormatFloat(v, 'g', -1, 64),
		})
	}
	return node, nil
}

// SaveDeviceCalibration writes a store's intrinsics and boards to path
func SaveDeviceCalibration(path string, store *SampleStore) error {
	in, ok := store.Intrinsics()
	if !ok {
		return fmt.Errorf("saving %s calibration: %w", store.Device(), ErrNotReady)
	}
	rms, _ := store.ReprojectionError()

	file := calibrationFile{
		Device:      string(store.Device()),
		Saved:       time.Now().UTC().Format(time.RFC3339),
		ImageWidth:  store.Size().Width,
		ImageHeight: store.Size().Height,
		CameraMatrix: matrixRecord{
			Rows: 3,
			Cols: 3,
			Data: flowRow{in.Fx, 0, in.Cx, 0, in.Fy, in.Cy, 0, 0, 1},
		},
		DistCoeffs:        flowRow(in.Dist.Coefficients()),
		ReprojectionError: rms,
	}
	for _, b := range store.Observations() {
		rec := boardRecord{}
		for _, p := range b.ImagePoints {
			rec.ImagePoints = append(rec.ImagePoints, flowRow{p.X, p.Y})
		}
		for _, o := range b.ObjectPoints {
			rec.ObjectPoints = append(rec.ObjectPoints, flowRow{o.X, o.Y, o.Z})
		}
		file.Boards = append(file.Boards, rec)
	}

	return writeYAML(path, &file, "calibration")
}

// LoadDeviceCalibration reads a device calibration file. A missing file
// returns (nil, nil). Nothing is returned unless the whole file is valid.
func LoadDeviceCalibration(path string) (*DeviceCalibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading calibration file: %w", err)
	}

	var file calibrationFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing calibration file: %w", err)
	}

	m := file.CameraMatrix
	if m.Rows != 3 || m.Cols != 3 || len(m.Data) != 9 {
		return nil, fmt.Errorf("calibration file %s: cameraMatrix must be 3x3", path)
	}
	if len(file.DistCoeffs) != 0 && len(file.DistCoeffs) < 4 {
		return nil, fmt.Errorf("calibration file %s: distCoeffs needs 4 or 5 values", path)
	}

	size := ImageSize{Width: file.ImageWidth, Height: file.ImageHeight}
	in := Intrinsics{Fx: m.Data[0], Fy: m.Data[4], Cx: m.Data[2], Cy: m.Data[5], Size: size}
	coeffs := append([]float64(file.DistCoeffs), 0, 0, 0, 0, 0)
	if len(file.DistCoeffs) > 0 {
		in.Dist = Distortion{K1: coeffs[0], K2: coeffs[1], P1: coeffs[2], P2: coeffs[3], K3: coeffs[4]}
	}
	if !in.Valid() {
		return nil, fmt.Errorf("calibration file %s: focal lengths must be positive", path)
	}

	cal := &DeviceCalibration{
		Device:            Device(file.Device),
		Intrinsics:        in,
		ReprojectionError: file.ReprojectionError,
	}
	if file.Saved != "" {
		if t, err := time.Parse(time.RFC3339, file.Saved); err == nil {
			cal.Saved = t
		}
	}

	for i, rec := range file.Boards {
		if len(rec.ImagePoints) != len(rec.ObjectPoints) {
			return nil, fmt.Errorf("calibration file %s: board %d: %w", path, i, ErrPointMismatch)
		}
		obs := Observation{}
		for _, p := range rec.ImagePoints {
			if len(p) != 2 {
				return nil, fmt.Errorf("calibration file %s: board %d: image point needs 2 values", path, i)
			}
			obs.ImagePoints = append(obs.ImagePoints, Point2{X: p[0], Y: p[1]})
		}
		for _, o := range rec.ObjectPoints {
			if len(o) != 3 {
				return nil, fmt.Errorf("calibration file %s: board %d: object point needs 3 values", path, i)
			}
			obs.ObjectPoints = append(obs.ObjectPoints, r3.Vec{X: o[0], Y: o[1], Z: o[2]})
		}
		cal.Boards = append(cal.Boards, obs)
	}

	return cal, nil
}

// SaveExtrinsics writes the camera-to-projector transform in all four forms
func SaveExtrinsics(path string, ext Extrinsics) error {
	pose := ext.Pose()
	R := pose.Rotation()
	file := extrinsicsFile{
		RotationVector:    flowRow{ext.Rvec.X, ext.Rvec.Y, ext.Rvec.Z},
		TranslationVector: flowRow{ext.T.X, ext.T.Y, ext.T.Z},
	}
	for i := 0; i < 3; i++ {
		file.RotationMatrix = append(file.RotationMatrix, flowRow{R.At(i, 0), R.At(i, 1), R.At(i, 2)})
	}
	gl := OpenGLMatrix(pose)
	for _, row := range gl {
		file.OpenGLMat = append(file.OpenGLMat, flowRow(row[:]))
	}

	return writeYAML(path, &file, "extrinsics")
}

// LoadExtrinsics reads the rotation and translation vectors back; the matrix
// forms are derived data and are not read. A missing file returns (nil, nil).
func LoadExtrinsics(path string) (*Extrinsics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading extrinsics file: %w", err)
	}

	var file struct {
		RotationVector    []float64 `yaml:"Rotation_Vector"`
		TranslationVector []float64 `yaml:"Translation_Vector"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing extrinsics file: %w", err)
	}
	if len(file.RotationVector) != 3 || len(file.TranslationVector) != 3 {
		return nil, fmt.Errorf("extrinsics file %s: Rotation_Vector and Translation_Vector need 3 values", path)
	}
	for _, v := range append(file.RotationVector, file.TranslationVector...) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("extrinsics file %s: non-finite value", path)
		}
	}

	return &Extrinsics{
		Rvec: r3.Vec{X: file.RotationVector[0], Y: file.RotationVector[1], Z: file.RotationVector[2]},
		T:    r3.Vec{X: file.TranslationVector[0], Y: file.TranslationVector[1], Z: file.TranslationVector[2]},
	}, nil
}

func writeYAML(path string, v interface{}, what string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s directory: %w", what, err)
	}

	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", what, err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s file: %w", what, err)
	}
	return nil
}
