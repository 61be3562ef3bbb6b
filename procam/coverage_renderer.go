package procam

import (
	"fmt"
	"image/color"
	"image/png"
	"io"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// CoverageRenderer draws the stored boards of one device over its image frame
type CoverageRenderer struct {
	Device     Device
	Size       ImageSize
	Shape      *PatternShape
	Boards     []Observation
	Display    []Point2 // currently projected points, drawn as dots
	MaxError   float64  // boards above this error are drawn in red
	Resolution canvas.Resolution
	DotRadius  float64
}

// NewCoverageRenderer creates a renderer for one device of a snapshot
func NewCoverageRenderer(device Device, snap Snapshot, cfg *Config, shape *PatternShape) (*CoverageRenderer, error) {
	r := &CoverageRenderer{
		Device:     device,
		Shape:      shape,
		Resolution: canvas.DPMM(1), // one output pixel per image pixel
		DotRadius:  4,
	}
	switch device {
	case DeviceCamera:
		r.Size = cfg.CameraSize()
		r.Boards = snap.CameraBoards
		r.MaxError = cfg.Acquisition.MaxErrorCamera
	case DeviceProjector:
		r.Size = cfg.ProjectorSize()
		r.Boards = snap.ProjectorBoards
		r.Display = snap.Display
		r.MaxError = cfg.Acquisition.MaxErrorProjector
	default:
		return nil, fmt.Errorf("unknown device %q", device)
	}
	return r, nil
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderToSVG writes the coverage view as an SVG
func (r *CoverageRenderer) RenderToSVG(w io.Writer) error {
	width, height := float64(r.Size.Width), float64(r.Size.Height)

	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, width, height)

	if err := svgRenderer.Close(); err != nil {
		return err
	}
	return nil
}

// RenderToPNG writes the coverage view as a PNG
func (r *CoverageRenderer) RenderToPNG(w io.Writer) error {
	width, height := float64(r.Size.Width), float64(r.Size.Height)

	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, width, height)

	return png.Encode(w, rast)
}

func (r *CoverageRenderer) renderToCanvas(renderer canvasRenderer, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	// Image rows grow downwards, canvas y grows upwards
	toCanvas := func(p Point2) (float64, float64) {
		return p.X, height - p.Y
	}

	// Union bound of all boards
	if r.Shape != nil {
		cov := ComputeCoverage(r.Device, r.Boards, r.Shape, r.Size)
		if cov.Fraction > 0 {
			boundStyle := canvas.DefaultStyle
			boundStyle.Fill = canvas.Paint{Color: color.RGBA{230, 240, 255, 255}}
			boundStyle.Stroke = canvas.Paint{Color: canvas.Transparent}

			x0, y0 := toCanvas(Point2{X: cov.Bound.Min[0], Y: cov.Bound.Max[1]})
			rect := canvas.Rectangle(cov.Bound.Max[0]-cov.Bound.Min[0], cov.Bound.Max[1]-cov.Bound.Min[1])
			renderer.RenderPath(rect.Translate(x0, y0), boundStyle, canvas.Identity)
		}
	}

	// Board outlines, green within the error limit
	for _, b := range r.Boards {
		outline := r.outline(b)
		if len(outline) == 0 {
			continue
		}
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: canvas.Transparent}
		style.Stroke = canvas.Paint{Color: color.RGBA{40, 160, 60, 255}}
		if r.MaxError > 0 && b.Error > r.MaxError {
			style.Stroke = canvas.Paint{Color: color.RGBA{200, 40, 40, 255}}
		}
		style.StrokeWidth = 2.0

		cp := &canvas.Path{}
		for i, p := range outline {
			cx, cy := toCanvas(p)
			if i == 0 {
				cp.MoveTo(cx, cy)
			} else {
				cp.LineTo(cx, cy)
			}
		}
		cp.Close()
		renderer.RenderPath(cp, style, canvas.Identity)
	}

	// Projected dots
	dotStyle := canvas.DefaultStyle
	dotStyle.Fill = canvas.Paint{Color: canvas.Black}
	dotStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	for _, p := range r.Display {
		cx, cy := toCanvas(p)
		renderer.RenderPath(canvas.Circle(r.DotRadius).Translate(cx, cy), dotStyle, canvas.Identity)
	}
}

// outline returns the board's outer points, or nil when the board does not
// match the shape
func (r *CoverageRenderer) outline(b Observation) []Point2 {
	if r.Shape != nil {
		if ring := BoardOutline(b, r.Shape); ring != nil {
			pts := make([]Point2, 0, len(ring))
			for _, p := range ring[:len(ring)-1] {
				pts = append(pts, Point2{X: p[0], Y: p[1]})
			}
			return pts
		}
	}
	return nil
}
