package procam

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	cardWidth      = 420
	cardLineHeight = 18
	cardMargin     = 10
)

// StatusLines formats a status as short human-readable lines
func StatusLines(st Status) []string {
	mode := "auto"
	if st.Manual {
		mode = "manual"
	}
	pattern := "fixed"
	if st.Dynamic {
		pattern = "dynamic outside"
		if st.DynamicInside {
			pattern = "dynamic inside"
		}
	}

	lines := []string{
		fmt.Sprintf("state: %s (%s)", st.State, mode),
		fmt.Sprintf("pattern: %s  ar: %v", pattern, st.DisplayAR),
		deviceLine(st.Camera),
		deviceLine(st.Projector),
	}
	if st.Extrinsics != nil {
		lines = append(lines, fmt.Sprintf("extrinsics: T=(%.1f, %.1f, %.1f) err %.3fpx",
			st.Extrinsics.T.X, st.Extrinsics.T.Y, st.Extrinsics.T.Z, st.Extrinsics.Error))
	} else {
		lines = append(lines, "extrinsics: none")
	}
	if st.BoardVisible {
		lines = append(lines, "board: visible")
	}
	if st.NewBoardAcquired {
		lines = append(lines, "new board acquired")
	}
	return lines
}

func deviceLine(d DeviceStatus) string {
	line := fmt.Sprintf("%s: %d boards", d.Device, d.Samples)
	if d.ReprojectionError != nil {
		line += fmt.Sprintf(", err %.3fpx", *d.ReprojectionError)
	} else if d.Calibrated {
		line += ", calibrated"
	}
	if d.Intrinsics != nil {
		line += fmt.Sprintf(", fov %.1fx%.1f", d.FOVX, d.FOVY)
	}
	return line + fmt.Sprintf(", cover %.0f%%", d.Coverage*100)
}

// RenderStatusCard draws the status lines on a small image
func RenderStatusCard(st Status) *image.RGBA {
	lines := StatusLines(st)
	height := 2*cardMargin + len(lines)*cardLineHeight

	img := image.NewRGBA(image.Rect(0, 0, cardWidth, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{255, 255, 255, 255}), image.Point{}, draw.Src)

	// State colour swatch
	swatch := stateColor(st.State)
	for dy := 0; dy < 12; dy++ {
		for dx := 0; dx < 12; dx++ {
			img.Set(cardMargin+dx, cardMargin+2+dy, swatch)
		}
	}

	y := cardMargin + 13
	for i, line := range lines {
		x := cardMargin
		if i == 0 {
			x += 18
		}
		drawText(img, x, y, line, color.RGBA{0, 0, 0, 255})
		y += cardLineHeight
	}
	return img
}

// WriteStatusPNG encodes the status card as a PNG
func WriteStatusPNG(w io.Writer, st Status) error {
	return png.Encode(w, RenderStatusCard(st))
}

func stateColor(s State) color.RGBA {
	switch s {
	case StateCameraOnly:
		return color.RGBA{230, 160, 30, 255}
	case StateStereoPhase1, StateStereoPhase2:
		return color.RGBA{40, 110, 220, 255}
	case StateARDemo:
		return color.RGBA{40, 160, 60, 255}
	}
	return color.RGBA{128, 128, 128, 255}
}

// drawText renders text onto an image at the specified baseline position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
