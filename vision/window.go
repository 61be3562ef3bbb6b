package vision

import (
	"image"
	"image/color"

	"github.com/kwv/procam/procam"
	"gocv.io/x/gocv"
)

// Keys that end the session from the projector window
const (
	keyEscape = 27
	keyQuit   = 'q'
)

// ProjectorWindow shows the projected pattern full screen and reads operator keys
type ProjectorWindow struct {
	window  *gocv.Window
	preview *gocv.Window
	size    procam.ImageSize
	dot     int
	canvas  gocv.Mat
}

// NewProjectorWindow opens the projector output and a camera preview window
func NewProjectorWindow(title string, size procam.ImageSize, dot int) *ProjectorWindow {
	w := &ProjectorWindow{
		window:  gocv.NewWindow(title),
		preview: gocv.NewWindow(title + " camera"),
		size:    size,
		dot:     dot,
		canvas:  gocv.NewMatWithSize(size.Height, size.Width, gocv.MatTypeCV8UC3),
	}
	w.window.SetWindowProperty(gocv.WindowPropertyFullscreen, gocv.WindowFullscreen)
	return w
}

// Show draws the display points on black and the status over the camera frame
func (w *ProjectorWindow) Show(frame procam.Frame, snap procam.Snapshot) {
	w.canvas.SetTo(gocv.NewScalar(0, 0, 0, 0))
	for _, p := range snap.Display {
		gocv.Circle(&w.canvas, image.Pt(int(p.X+0.5), int(p.Y+0.5)), w.dot, color.RGBA{255, 255, 255, 255}, -1)
	}
	w.window.IMShow(w.canvas)

	if src, ok := matOf(frame); ok {
		view := src.Clone()
		y := 20
		for _, line := range procam.StatusLines(snap.Status) {
			gocv.PutText(&view, line, image.Pt(10, y), gocv.FontHersheyPlain, 1.2, color.RGBA{0, 255, 0, 255}, 1)
			y += 18
		}
		w.preview.IMShow(view)
		view.Close()
	}
}

// PollKey waits briefly for a key. It reports a mapped command, or quit for q and Esc.
func (w *ProjectorWindow) PollKey() (cmd procam.Command, ok bool, quit bool) {
	key := w.window.WaitKey(1)
	if key < 0 {
		return "", false, false
	}
	if key == keyEscape || key == keyQuit {
		return "", false, true
	}
	cmd, ok = procam.CommandForKey(key)
	return cmd, ok, false
}

// Close closes both windows
func (w *ProjectorWindow) Close() error {
	w.canvas.Close()
	w.preview.Close()
	return w.window.Close()
}
