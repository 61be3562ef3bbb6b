package vision

import (
	"context"
	"fmt"
	"image"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kwv/procam/procam"
	"gocv.io/x/gocv"
)

// CameraSource reads frames from a capture device
type CameraSource struct {
	capture *gocv.VideoCapture
}

// OpenCamera opens a capture device at the requested resolution
func OpenCamera(device int, size procam.ImageSize) (*CameraSource, error) {
	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("opening camera %d: %w", device, err)
	}
	capture.Set(gocv.VideoCaptureFrameWidth, float64(size.Width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(size.Height))
	log.Printf("[CAM] Opened device %d at %dx%d", device, size.Width, size.Height)
	return &CameraSource{capture: capture}, nil
}

// Next reads the next frame
func (s *CameraSource) Next(ctx context.Context) (procam.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mat := gocv.NewMat()
	if ok := s.capture.Read(&mat); !ok || mat.Empty() {
		mat.Close()
		return nil, fmt.Errorf("camera read failed")
	}
	return &Frame{Mat: mat, Time: time.Now()}, nil
}

// Close releases the device
func (s *CameraSource) Close() error {
	return s.capture.Close()
}

// ReplaySource plays back a directory of still images as a fixed-rate stream
type ReplaySource struct {
	files    []string
	size     procam.ImageSize
	interval time.Duration
	start    time.Time

	mu   sync.Mutex
	next int
	now  time.Time
}

var replayExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".bmp": true}

// OpenReplay lists the images in dir in name order
func OpenReplay(dir string, size procam.ImageSize, interval time.Duration) (*ReplaySource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading replay directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !replayExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images in %s", dir)
	}
	sort.Strings(files)

	start := time.Now()
	log.Printf("[CAM] Replaying %d images from %s", len(files), dir)
	return &ReplaySource{files: files, size: size, interval: interval, start: start, now: start}, nil
}

// Now returns the virtual time of the current frame
func (s *ReplaySource) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Next loads the next image, returning io.EOF after the last one
func (s *ReplaySource) Next(ctx context.Context) (procam.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.next >= len(s.files) {
		s.mu.Unlock()
		return nil, io.EOF
	}
	path := s.files[s.next]
	s.now = s.start.Add(time.Duration(s.next) * s.interval)
	s.next++
	now := s.now
	s.mu.Unlock()

	mat := gocv.IMRead(path, gocv.IMReadColor)
	if mat.Empty() {
		return nil, fmt.Errorf("reading image %s", path)
	}
	if mat.Cols() != s.size.Width || mat.Rows() != s.size.Height {
		resized := gocv.NewMat()
		gocv.Resize(mat, &resized, image.Pt(s.size.Width, s.size.Height), 0, 0, gocv.InterpolationLinear)
		mat.Close()
		mat = resized
	}
	return &Frame{Mat: mat, Time: now}, nil
}
