package procam

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

type fakeFrame struct {
	closed bool
}

func (f *fakeFrame) Size() ImageSize { return ImageSize{Width: 640, Height: 480} }

func (f *fakeFrame) Close() error {
	f.closed = true
	return nil
}

// scriptedDetector reports the printed and projected patterns when told to
type scriptedDetector struct {
	printed      *PatternShape
	projected    *PatternShape
	seePrinted   bool
	seeProjected bool
}

func (d *scriptedDetector) DetectPrinted(Frame) ([]Point2, bool) {
	if !d.seePrinted {
		return nil, false
	}
	return projectBoard(testIntrinsics(), testPoses()[0], d.printed).ImagePoints, true
}

func (d *scriptedDetector) DetectProjected(Frame) ([]Point2, bool) {
	if !d.seeProjected {
		return nil, false
	}
	pts := make([]Point2, d.projected.Count())
	for i := range pts {
		pts[i] = Point2{X: 300 + float64(i%4)*10, Y: 200 + float64(i/4)*10}
	}
	return pts, true
}

// fakeCalibration returns fixed results so the loop can be driven without real geometry
type fakeCalibration struct {
	refitErr  error
	boardErr  float64
	refits    int
	stereoErr error
}

func (c *fakeCalibration) RefitIntrinsics(boards []Observation, size ImageSize) (Fit, error) {
	c.refits++
	if c.refitErr != nil {
		return Fit{}, c.refitErr
	}
	fit := Fit{Intrinsics: Intrinsics{Fx: 800, Fy: 800, Cx: float64(size.Width) / 2, Cy: float64(size.Height) / 2}, RMS: c.boardErr}
	for range boards {
		fit.Poses = append(fit.Poses, Pose{T: r3.Vec{Z: 600}})
		fit.Errors = append(fit.Errors, c.boardErr)
	}
	return fit, nil
}

func (c *fakeCalibration) FitStereo(camera, projector *SampleStore) (Extrinsics, error) {
	if c.stereoErr != nil {
		return Extrinsics{}, c.stereoErr
	}
	return Extrinsics{T: r3.Vec{X: 100}, Error: 0.2}, nil
}

func (c *fakeCalibration) SolvePose(in Intrinsics, image []Point2, object []r3.Vec) (Pose, error) {
	if !in.Valid() {
		return Pose{}, ErrNotReady
	}
	return Pose{T: r3.Vec{X: -40, Y: -30, Z: 600}}, nil
}

type acquirerHarness struct {
	acq      *Acquirer
	calib    *fakeCalibration
	detector *scriptedDetector
	cfg      *Config
	now      time.Time
}

func newAcquirerHarness(t *testing.T, mode string) *acquirerHarness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Files.DataDir = t.TempDir()
	cfg.Acquisition.InitialMode = mode
	cfg.Acquisition.PreCalibrateCameraTimes = 3
	cfg.Acquisition.StartCleaningCamera = 1
	cfg.Acquisition.MinNumGoodBoards = 2
	cfg.Acquisition.StartCleaningProjector = 1
	require.NoError(t, cfg.Validate())

	printed := &PatternShape{Kind: PatternChessboard, Width: 4, Height: 3, SquareSize: 25}
	projected := testCircles()

	h := &acquirerHarness{
		calib:    &fakeCalibration{boardErr: 0.1},
		detector: &scriptedDetector{printed: printed, projected: projected, seePrinted: true, seeProjected: true},
		cfg:      cfg,
		now:      t0,
	}
	acq, err := NewAcquirer(cfg, h.calib, h.detector, printed, projected)
	require.NoError(t, err)
	acq.SetClock(func() time.Time { return h.now })
	h.acq = acq
	return h
}

// step advances the clock past the time threshold and runs one still frame
func (h *acquirerHarness) step() Status {
	h.now = h.now.Add(2 * time.Second)
	return h.acq.Step(&fakeFrame{}, 0)
}

func (h *acquirerHarness) calibrateCamera(t *testing.T) {
	t.Helper()
	for i := 0; i < h.cfg.Acquisition.PreCalibrateCameraTimes; i++ {
		h.step()
	}
	require.Equal(t, StateStereoPhase1, h.acq.Session().State)
}

// ---

func TestAcquirer_CameraOnlyCompletes(t *testing.T) {
	h := newAcquirerHarness(t, "camera-only")
	assert.Equal(t, StateCameraOnly, h.acq.Session().State)

	st := h.step()
	assert.Equal(t, 1, st.Camera.Samples)
	assert.True(t, st.Camera.Calibrated)
	assert.True(t, st.BoardVisible)

	// Same instant: the time threshold keeps the gate shut
	st = h.acq.Step(&fakeFrame{}, 0)
	assert.Equal(t, 1, st.Camera.Samples)

	// Moving camera: gate shut
	h.now = h.now.Add(2 * time.Second)
	st = h.acq.Step(&fakeFrame{}, 10)
	assert.Equal(t, 1, st.Camera.Samples)

	h.step()
	st = h.step()
	assert.Equal(t, StateStereoPhase1, st.State)
	assert.Equal(t, 0, st.Camera.Samples, "boards are cleared once saved")
	assert.True(t, st.Camera.Calibrated, "intrinsics survive the clear")

	cal, err := LoadDeviceCalibration(h.cfg.CameraFile())
	require.NoError(t, err)
	require.NotNil(t, cal)
	assert.Len(t, cal.Boards, 3)
	assert.Equal(t, 800.0, cal.Intrinsics.Fx)
}

func TestAcquirer_RefitFailureRollsBack(t *testing.T) {
	h := newAcquirerHarness(t, "camera-only")
	h.step()
	require.Equal(t, 1, h.acq.Camera().Len())
	accepted := h.acq.Session().LastAccept

	h.calib.refitErr = errors.New("singular")
	h.acq.Controls().Issue(CmdToggleManual)
	h.acq.Controls().Issue(CmdCapture)
	st := h.step()

	assert.Equal(t, 1, st.Camera.Samples, "the appended board is dropped")
	s := h.acq.Session()
	assert.Equal(t, accepted, s.LastAccept, "the session is restored")
	assert.True(t, s.Manual, "commands applied before the step stay applied")
	assert.False(t, s.CapturePulse, "the consumed pulse stays consumed")

	// Without a new pulse manual mode does not accept
	h.calib.refitErr = nil
	st = h.step()
	assert.Equal(t, 1, st.Camera.Samples)

	h.acq.Controls().Issue(CmdCapture)
	st = h.step()
	assert.Equal(t, 2, st.Camera.Samples)
}

func TestAcquirer_StereoLoopReachesARDemo(t *testing.T) {
	h := newAcquirerHarness(t, "camera-only")
	h.calibrateCamera(t)

	// Phase 1 shows the fixed pattern, phase 2 accepts the pair
	st := h.step()
	assert.Equal(t, StateStereoPhase2, st.State)
	assert.Equal(t, testCircles().FixedImagePoints(), h.acq.Display())

	st = h.step()
	assert.Equal(t, StateStereoPhase1, st.State)
	assert.True(t, st.NewBoardAcquired)
	assert.Equal(t, 1, st.Camera.Samples)
	assert.Equal(t, 1, st.Projector.Samples)
	require.NotNil(t, st.Extrinsics)

	proj, ok := h.acq.Projector().Last()
	require.True(t, ok)
	assert.Equal(t, h.acq.Display(), proj.ImagePoints, "projector board records what was displayed")
	assert.Len(t, proj.ObjectPoints, 12)
	assert.Equal(t, 0.0, proj.ObjectPoints[0].Z)

	for h.acq.Session().State != StateARDemo {
		before := h.acq.Projector().Len()
		h.step()
		require.GreaterOrEqual(t, h.acq.Projector().Len(), before, "stores only grow while collecting")
		require.Equal(t, h.acq.Camera().Len(), h.acq.Projector().Len(), "stores stay index-aligned")
		require.Less(t, h.acq.Projector().Len(), 10, "loop should terminate")
	}
	assert.Equal(t, 3, h.acq.Projector().Len())

	for _, path := range []string{h.cfg.ProjectorFile(), h.cfg.ExtrinsicsFile()} {
		_, err := os.Stat(path)
		assert.NoError(t, err, "%s should be saved", filepath.Base(path))
	}
}

func TestAcquirer_ProjectedPatternMissingReturnsToPhase1(t *testing.T) {
	h := newAcquirerHarness(t, "camera-only")
	h.calibrateCamera(t)
	h.detector.seeProjected = false

	h.step()
	st := h.step()
	assert.Equal(t, StateStereoPhase1, st.State)
	assert.Equal(t, 0, st.Projector.Samples)
	assert.False(t, st.NewBoardAcquired)
}

func TestAcquirer_DynamicPatternFollowsBoard(t *testing.T) {
	h := newAcquirerHarness(t, "camera-only")
	h.calibrateCamera(t)
	h.step()
	h.step()
	require.Equal(t, 1, h.acq.Projector().Len())

	h.acq.Controls().Issue(CmdToggleDynamic)
	st := h.step()
	assert.Equal(t, StateStereoPhase2, st.State)
	assert.True(t, st.Dynamic)
	assert.Len(t, h.acq.Display(), 12)
	assert.NotEqual(t, testCircles().FixedImagePoints(), h.acq.Display(), "pattern is placed from the board pose")
}

func TestAcquirer_FitStereoFailureKeepsPair(t *testing.T) {
	h := newAcquirerHarness(t, "camera-only")
	h.calibrateCamera(t)
	h.calib.stereoErr = errors.New("no convergence")

	h.step()
	st := h.step()
	assert.Equal(t, 1, st.Projector.Samples, "a failed stereo fit does not undo the pair")
	assert.Nil(t, st.Extrinsics)
}

// ---

func TestAcquirer_ResetLoadsPersistedFiles(t *testing.T) {
	h := newAcquirerHarness(t, "camera-only")
	h.calibrateCamera(t)
	for h.acq.Session().State != StateARDemo {
		h.step()
	}

	t.Run("stereo keeps camera intrinsics from file", func(t *testing.T) {
		h.acq.Reset(StateStereoPhase1)
		assert.Equal(t, StateStereoPhase1, h.acq.Session().State)
		assert.True(t, h.acq.Camera().Calibrated())
		assert.Equal(t, 0, h.acq.Camera().Len())
		assert.False(t, h.acq.Projector().Calibrated())
		_, ok := h.acq.Extrinsics()
		assert.False(t, ok)
	})

	t.Run("ar loads everything", func(t *testing.T) {
		h.acq.Controls().Issue(CmdResetAR)
		st := h.step()
		assert.Equal(t, StateARDemo, st.State)
		assert.True(t, h.acq.Projector().Calibrated())
		ext, ok := h.acq.Extrinsics()
		require.True(t, ok)
		assert.Equal(t, r3.Vec{X: 100}, ext.T)
	})

	t.Run("camera-only forgets everything", func(t *testing.T) {
		h.acq.Reset(StateCameraOnly)
		assert.False(t, h.acq.Camera().Calibrated())
		assert.False(t, h.acq.Projector().Calibrated())
		assert.Nil(t, h.acq.Display())
	})
}

func TestAcquirer_ResetWithoutFiles(t *testing.T) {
	h := newAcquirerHarness(t, "ar")
	assert.Equal(t, StateARDemo, h.acq.Session().State)
	assert.False(t, h.acq.Camera().Calibrated())

	// Without camera intrinsics the board pose cannot be solved
	st := h.step()
	assert.False(t, st.BoardVisible)
	assert.Empty(t, h.acq.Display())
}

func TestAcquirer_ARDemoOverlay(t *testing.T) {
	h := newAcquirerHarness(t, "camera-only")
	h.calibrateCamera(t)
	for h.acq.Session().State != StateARDemo {
		h.step()
	}

	st := h.step()
	assert.True(t, st.BoardVisible)
	assert.Empty(t, h.acq.Display(), "overlay is off until toggled")

	h.acq.Controls().Issue(CmdToggleAR)
	st = h.step()
	assert.True(t, st.DisplayAR)
	assert.Len(t, h.acq.Display(), 12)
}

func TestAcquirer_InvalidMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Acquisition.InitialMode = "sideways"
	_, err := NewAcquirer(cfg, &fakeCalibration{}, &scriptedDetector{}, testChessboard(), testCircles())
	assert.Error(t, err)
}

// ---

type sliceSource struct {
	frames []*fakeFrame
	err    error
}

func (s *sliceSource) Next(ctx context.Context) (Frame, error) {
	if len(s.frames) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

type constantMeter float64

func (m constantMeter) Difference(Frame) float64 { return float64(m) }

func TestAcquirer_Run(t *testing.T) {
	h := newAcquirerHarness(t, "camera-only")
	var observed int
	h.acq.SetObserver(func(Snapshot) { observed++ })

	frames := []*fakeFrame{{}, {}, {}}
	src := &sliceSource{frames: append([]*fakeFrame(nil), frames...)}

	var hooked []int
	err := h.acq.Run(context.Background(), src, constantMeter(0), func(f Frame, snap Snapshot) {
		hooked = append(hooked, snap.Status.Frames)
	})
	require.NoError(t, err, "end of input is not an error")

	assert.Equal(t, []int{1, 2, 3}, hooked)
	assert.Equal(t, 3, observed)
	for i, f := range frames {
		assert.True(t, f.closed, "frame %d should be released", i)
	}
	// Clock never moved: only the first frame passes the time threshold
	assert.Equal(t, 1, h.acq.Camera().Len())
}

func TestAcquirer_RunStopsOnErrors(t *testing.T) {
	h := newAcquirerHarness(t, "camera-only")

	err := h.acq.Run(context.Background(), &sliceSource{err: errors.New("unplugged")}, nil, nil)
	assert.ErrorContains(t, err, "unplugged")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = h.acq.Run(ctx, &sliceSource{frames: []*fakeFrame{{}}}, nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, h.acq.Snapshot().Status.Frames, "a cancelled run reads nothing")
}
