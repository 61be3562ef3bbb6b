package procam

import (
	"fmt"
	"os"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"
)

// PatternKind is the layout of a calibration pattern
type PatternKind string

const (
	PatternChessboard        PatternKind = "chessboard"
	PatternCircles           PatternKind = "circles"
	PatternAsymmetricCircles PatternKind = "asymmetric-circles"
)

// Preprocess holds the image segmentation settings used before detection
type Preprocess struct {
	Threshold float64    `yaml:"threshold,omitempty"` // binary threshold on gray (0 = none)
	Invert    bool       `yaml:"invert,omitempty"`    // detect bright features on dark background
	Blur      int        `yaml:"blur,omitempty"`      // gaussian kernel size, odd (0 = none)
	UseColor  bool       `yaml:"useColor,omitempty"`  // segment by HSV range instead of gray threshold
	HSVLow    [3]float64 `yaml:"hsvLow,omitempty"`
	HSVHigh   [3]float64 `yaml:"hsvHigh,omitempty"`
}

// PatternShape describes the geometry of a printed or projected pattern.
// For a projected pattern SquareSize and Offset are in projector pixels and
// describe its canonical (fixed) layout.
type PatternShape struct {
	Kind       PatternKind `yaml:"patternType"`
	Width      int         `yaml:"patternWidth"`
	Height     int         `yaml:"patternHeight"`
	SquareSize float64     `yaml:"squareSize"`
	OffsetX    float64     `yaml:"offsetX,omitempty"`
	OffsetY    float64     `yaml:"offsetY,omitempty"`
	Preprocess Preprocess  `yaml:"preprocess,omitempty"`
}

// LoadPatternShape reads a pattern-shape YAML file
func LoadPatternShape(path string) (*PatternShape, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pattern file: %w", err)
	}

	var shape PatternShape
	if err := yaml.Unmarshal(data, &shape); err != nil {
		return nil, fmt.Errorf("parsing pattern YAML: %w", err)
	}
	if shape.Kind == "" {
		shape.Kind = PatternChessboard
	}
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("pattern %s: %w", path, err)
	}
	return &shape, nil
}

// SavePatternShape writes a pattern-shape YAML file
func SavePatternShape(path string, shape *PatternShape) error {
	data, err := yaml.Marshal(shape)
	if err != nil {
		return fmt.Errorf("marshaling pattern YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing pattern file: %w", err)
	}
	return nil
}

// Validate checks that the shape can generate points
func (p *PatternShape) Validate() error {
	switch p.Kind {
	case PatternChessboard, PatternCircles, PatternAsymmetricCircles:
	default:
		return fmt.Errorf("unknown patternType %q", p.Kind)
	}
	if p.Width < 2 || p.Height < 2 {
		return fmt.Errorf("pattern must be at least 2x2, got %dx%d", p.Width, p.Height)
	}
	if p.SquareSize <= 0 {
		return fmt.Errorf("squareSize must be positive")
	}
	return nil
}

// Count returns the number of points in the pattern
func (p *PatternShape) Count() int {
	return p.Width * p.Height
}

// ObjectPoints returns the pattern points in board coordinates (z = 0), row by row
func (p *PatternShape) ObjectPoints() []r3.Vec {
	return p.gridFrom(r3.Vec{}, r3.Vec{X: p.SquareSize}, r3.Vec{Y: p.SquareSize})
}

// FixedImagePoints returns the canonical projector layout in pixels
func (p *PatternShape) FixedImagePoints() []Point2 {
	obj := p.ObjectPoints()
	out := make([]Point2, len(obj))
	for i, o := range obj {
		out[i] = Point2{X: o.X + p.OffsetX, Y: o.Y + p.OffsetY}
	}
	return out
}

// gridFrom lays the pattern out from origin along the given unit steps
func (p *PatternShape) gridFrom(origin, stepX, stepY r3.Vec) []r3.Vec {
	pts := make([]r3.Vec, 0, p.Count())
	for i := 0; i < p.Height; i++ {
		for j := 0; j < p.Width; j++ {
			col := float64(j)
			if p.Kind == PatternAsymmetricCircles {
				col = float64(2*j + i%2)
			}
			pt := r3.Add(origin, r3.Add(r3.Scale(col, stepX), r3.Scale(float64(i), stepY)))
			pts = append(pts, pt)
		}
	}
	return pts
}
