package procam

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// Frame is one captured camera image. Only the detector looks inside it.
type Frame interface {
	Size() ImageSize
}

// PatternDetector finds calibration patterns in frames
type PatternDetector interface {
	// DetectPrinted returns the printed pattern's points in grid order
	DetectPrinted(frame Frame) ([]Point2, bool)
	// DetectProjected returns the projected pattern's points in grid order
	DetectProjected(frame Frame) ([]Point2, bool)
}

// FrameSource yields frames until it returns io.EOF
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
}

// MotionMeter returns the mean pixel difference between a frame and the previous one
type MotionMeter interface {
	Difference(frame Frame) float64
}

// FrameHook is called after every step, before the frame is released
type FrameHook func(frame Frame, snap Snapshot)

// Paths names the persisted calibration files
type Paths struct {
	Camera     string
	Projector  string
	Extrinsics string
}

// candidate is what the current frame showed
type candidate struct {
	printed         []Point2
	pose            Pose
	found           bool
	projectedObject []r3.Vec
	projectedFound  bool
}

// Acquirer runs the acquisition state machine one frame at a time and carries
// out the effects its transitions ask for.
type Acquirer struct {
	cfg       AcquisitionConfig
	paths     Paths
	calib     Calibration
	detector  PatternDetector
	printed   *PatternShape
	projected *PatternShape
	predictor Predictor

	camera     *SampleStore
	projector  *SampleStore
	extrinsics *Extrinsics

	session  Session
	controls *Controls
	clock    Clock
	observer func(Snapshot)

	display []Point2
	cand    candidate
	frames  int
}

// NewAcquirer wires the acquisition loop. The session starts in the
// configured initial mode, loading persisted files where that mode needs them.
func NewAcquirer(cfg *Config, calib Calibration, detector PatternDetector, printed, projected *PatternShape) (*Acquirer, error) {
	initial, err := ParseEntryState(cfg.Acquisition.InitialMode)
	if err != nil {
		return nil, err
	}
	a := &Acquirer{
		cfg: cfg.Acquisition,
		paths: Paths{
			Camera:     cfg.CameraFile(),
			Projector:  cfg.ProjectorFile(),
			Extrinsics: cfg.ExtrinsicsFile(),
		},
		calib:     calib,
		detector:  detector,
		printed:   printed,
		projected: projected,
		predictor: Predictor{Printed: printed, Projected: projected},
		camera:    NewSampleStore(DeviceCamera, cfg.CameraSize()),
		projector: NewSampleStore(DeviceProjector, cfg.ProjectorSize()),
		controls:  NewControls(),
		clock:     time.Now,
	}
	a.Reset(initial)
	return a, nil
}

// SetClock replaces the time source
func (a *Acquirer) SetClock(clock Clock) { a.clock = clock }

// SetObserver registers a callback receiving a snapshot after every step
func (a *Acquirer) SetObserver(fn func(Snapshot)) { a.observer = fn }

// Controls returns the operator command mailbox
func (a *Acquirer) Controls() *Controls { return a.controls }

// Session returns a copy of the session context
func (a *Acquirer) Session() Session { return a.session }

// Camera returns the camera sample store
func (a *Acquirer) Camera() *SampleStore { return a.camera }

// Projector returns the projector sample store
func (a *Acquirer) Projector() *SampleStore { return a.projector }

// Extrinsics returns the current camera-to-projector transform, if any
func (a *Acquirer) Extrinsics() (Extrinsics, bool) {
	if a.extrinsics == nil {
		return Extrinsics{}, false
	}
	return *a.extrinsics, true
}

// Display returns the points the projector should currently show
func (a *Acquirer) Display() []Point2 {
	return append([]Point2(nil), a.display...)
}

// Reset immediately re-enters one of the entry states
func (a *Acquirer) Reset(state State) {
	var effects []Effect
	a.session, effects = Apply(a.session, Pending{Reset: &state})
	a.runQuiet(effects, a.clock())
	log.Printf("[ACQ] Reset to %s", state)
}

// Run steps through frames until the source is exhausted or ctx is done
func (a *Acquirer) Run(ctx context.Context, src FrameSource, meter MotionMeter, hook FrameHook) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		frame, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		diff := 0.0
		if meter != nil {
			diff = meter.Difference(frame)
		}
		a.Step(frame, diff)
		if hook != nil {
			hook(frame, a.Snapshot())
		}
		if c, ok := frame.(io.Closer); ok {
			c.Close()
		}
	}
}

// Step runs one state-machine step for a frame and returns the resulting status
func (a *Acquirer) Step(frame Frame, diffMean float64) Status {
	now := a.clock()
	a.frames++

	// --- Step 1: operator commands ---
	if pending := a.controls.Take(); !pending.Empty() {
		var effects []Effect
		a.session, effects = Apply(a.session, pending)
		a.runQuiet(effects, now)
		log.Printf("[ACQ] Commands applied: state=%s manual=%v dynamic=%v inside=%v ar=%v",
			a.session.State, a.session.Manual, a.session.Dynamic, a.session.DynamicInside, a.session.DisplayAR)
	}

	// --- Step 2: detection ---
	a.detect(frame, now, diffMean)

	// --- Step 3: transition and effects ---
	before := a.session
	next, effects := Next(a.session, Event{
		Now:              now,
		DiffMean:         diffMean,
		PrintedFound:     a.cand.found,
		ProjectedFound:   a.cand.projectedFound,
		CameraSamples:    a.camera.Len(),
		ProjectorSamples: a.projector.Len(),
	}, a.cfg)
	a.session = next

	if err := a.execute(effects, before, now); err != nil {
		log.Printf("[ACQ] Step denied in %s: %v", before.State, err)
	}

	snap := a.Snapshot()
	if a.observer != nil {
		a.observer(snap)
	}
	return snap.Status
}

// detect fills the frame candidate according to what the current state needs
func (a *Acquirer) detect(frame Frame, now time.Time, diffMean float64) {
	a.cand = candidate{}

	switch a.session.State {
	case StateCameraOnly:
		if !a.session.GateOpen(now, diffMean, a.cfg) {
			return
		}
		pts, ok := a.detector.DetectPrinted(frame)
		if ok && len(pts) == a.printed.Count() {
			a.cand.printed = pts
			a.cand.found = true
		}

	case StateStereoPhase1, StateARDemo:
		a.detectPrintedPose(frame)

	case StateStereoPhase2:
		if !a.session.GateOpen(now, diffMean, a.cfg) {
			return
		}
		if !a.detectPrintedPose(frame) {
			return
		}
		pts, ok := a.detector.DetectProjected(frame)
		if !ok || len(pts) != len(a.display) || len(pts) == 0 {
			return
		}
		camIn, _ := a.camera.Intrinsics()
		object, err := BackProjectToBoard(camIn, a.cand.pose, pts)
		if err != nil {
			return
		}
		a.cand.projectedObject = object
		a.cand.projectedFound = true
	}
}

// detectPrintedPose detects the printed board and solves its camera pose
func (a *Acquirer) detectPrintedPose(frame Frame) bool {
	camIn, ok := a.camera.Intrinsics()
	if !ok {
		return false
	}
	pts, found := a.detector.DetectPrinted(frame)
	if !found || len(pts) != a.printed.Count() {
		return false
	}
	pose, err := a.calib.SolvePose(camIn, pts, a.printed.ObjectPoints())
	if err != nil {
		return false
	}
	a.cand.printed = pts
	a.cand.pose = pose
	a.cand.found = true
	return true
}

// execute carries out effects in order. A failed refit rolls the step back:
// the appended boards are dropped and the session returns to its previous
// value, except that a consumed capture pulse stays consumed.
func (a *Acquirer) execute(effects []Effect, prev Session, now time.Time) error {
	camMark, projMark := a.camera.Len(), a.projector.Len()
	for _, e := range effects {
		if err := a.apply(e, now); err != nil {
			a.camera.Truncate(camMark)
			a.projector.Truncate(projMark)
			pulse := a.session.CapturePulse
			a.session = prev
			a.session.CapturePulse = pulse
			return fmt.Errorf("%s: %w", e, err)
		}
	}
	return nil
}

// runQuiet carries out effects that cannot fail the step
func (a *Acquirer) runQuiet(effects []Effect, now time.Time) {
	for _, e := range effects {
		if err := a.apply(e, now); err != nil {
			log.Printf("[ACQ] %s failed: %v", e, err)
		}
	}
}

func (a *Acquirer) apply(e Effect, now time.Time) error {
	switch e {
	case EffectAppendCamera:
		n := a.camera.Append(Observation{
			ImagePoints:  a.cand.printed,
			ObjectPoints: a.printed.ObjectPoints(),
		})
		log.Printf("[ACQ] Camera board accepted (%d stored)", n)

	case EffectRefitCamera:
		return a.refit(a.camera)

	case EffectCleanCamera:
		c := Cleaner{MaxError: a.cfg.MaxErrorCamera, MinSamples: a.cfg.StartCleaningCamera}
		if removed := c.Clean(a.camera); removed > 0 {
			log.Printf("[CAL] Cleaned %d camera boards above %.2fpx (%d left)", removed, c.MaxError, a.camera.Len())
		}

	case EffectConclude:
		prev := a.session.State
		var more []Effect
		a.session, more = Conclude(a.session, now, a.camera.Len(), a.projector.Len(), a.cfg)
		if len(more) > 0 {
			log.Printf("[ACQ] %s complete, entering %s", prev, a.session.State)
		}
		a.runQuiet(more, now)

	case EffectSaveCamera:
		return a.save(a.camera, a.paths.Camera)

	case EffectClearCamera:
		a.camera.Clear()

	case EffectShowFixedPattern:
		a.display = a.projected.FixedImagePoints()

	case EffectShowPredictedPattern:
		pts, err := a.predict()
		if err != nil {
			log.Printf("[ACQ] Prediction unavailable, showing fixed pattern: %v", err)
			a.display = a.projected.FixedImagePoints()
			return nil
		}
		a.display = pts

	case EffectAppendStereo:
		camIn, _ := a.camera.Intrinsics()
		a.camera.Append(Observation{
			ImagePoints:  a.cand.printed,
			ObjectPoints: a.printed.ObjectPoints(),
			Pose:         a.cand.pose,
			HasPose:      true,
			Error:        ReprojectionRMS(camIn, a.cand.pose, a.cand.printed, a.printed.ObjectPoints()),
		})
		n := a.projector.Append(Observation{
			ImagePoints:  append([]Point2(nil), a.display...),
			ObjectPoints: a.cand.projectedObject,
		})
		log.Printf("[ACQ] Stereo board accepted (%d stored)", n)

	case EffectRefitProjector:
		return a.refit(a.projector)

	case EffectCleanCoupled:
		c := Cleaner{MaxError: a.cfg.MaxErrorProjector, MinSamples: a.cfg.StartCleaningProjector}
		removed, err := c.CleanCoupled(a.projector, a.camera)
		if err != nil {
			return err
		}
		if removed > 0 {
			log.Printf("[CAL] Cleaned %d stereo boards above %.2fpx (%d left)", removed, c.MaxError, a.projector.Len())
		}

	case EffectFitStereo:
		ext, err := a.calib.FitStereo(a.camera, a.projector)
		if err != nil {
			log.Printf("[CAL] Stereo fit failed, keeping previous extrinsics: %v", err)
			return nil
		}
		a.extrinsics = &ext
		log.Printf("[CAL] Stereo fit over %d boards: error %.3fpx", a.projector.Len(), ext.Error)

	case EffectSaveProjector:
		return a.save(a.projector, a.paths.Projector)

	case EffectSaveExtrinsics:
		if a.extrinsics == nil {
			return fmt.Errorf("saving extrinsics: %w", ErrNotReady)
		}
		if err := SaveExtrinsics(a.paths.Extrinsics, *a.extrinsics); err != nil {
			return err
		}
		log.Printf("[CAL] Saved extrinsics to %s", a.paths.Extrinsics)

	case EffectTrackBoard:
		a.display = a.overlay()

	case EffectResetCamera:
		a.camera.Reset()

	case EffectResetProjector:
		a.projector.Reset()

	case EffectDropExtrinsics:
		a.extrinsics = nil
		a.display = nil

	case EffectLoadCamera:
		a.display = nil
		return a.load(a.camera, a.paths.Camera)

	case EffectLoadProjector:
		return a.load(a.projector, a.paths.Projector)

	case EffectLoadExtrinsics:
		ext, err := LoadExtrinsics(a.paths.Extrinsics)
		if err != nil {
			return err
		}
		if ext == nil {
			log.Printf("[CAL] No extrinsics at %s", a.paths.Extrinsics)
			return nil
		}
		a.extrinsics = ext
		log.Printf("[CAL] Loaded extrinsics from %s", a.paths.Extrinsics)

	default:
		return fmt.Errorf("unhandled effect %s", e)
	}
	return nil
}

func (a *Acquirer) refit(store *SampleStore) error {
	fit, err := a.calib.RefitIntrinsics(store.Observations(), store.Size())
	if err != nil {
		return err
	}
	if err := store.ApplyFit(fit); err != nil {
		return err
	}
	fovX, fovY := fit.Intrinsics.FOV()
	log.Printf("[CAL] %s refit over %d boards: error %.3fpx, fov %.1fx%.1f deg",
		store.Device(), store.Len(), fit.RMS, fovX, fovY)
	return nil
}

func (a *Acquirer) save(store *SampleStore, path string) error {
	if err := SaveDeviceCalibration(path, store); err != nil {
		return err
	}
	log.Printf("[CAL] Saved %s calibration (%d boards) to %s", store.Device(), store.Len(), path)
	return nil
}

// load restores intrinsics from a file and discards the boards stored with
// them. On any failure the in-memory intrinsics are left untouched.
func (a *Acquirer) load(store *SampleStore, path string) error {
	store.Clear()
	cal, err := LoadDeviceCalibration(path)
	if err != nil {
		return err
	}
	if cal == nil {
		log.Printf("[CAL] No %s calibration at %s", store.Device(), path)
		return nil
	}
	if cal.Intrinsics.Size != store.Size() {
		log.Printf("[CAL] Warning: %s calibration was made at %dx%d, running at %dx%d",
			store.Device(), cal.Intrinsics.Size.Width, cal.Intrinsics.Size.Height, store.Size().Width, store.Size().Height)
	}
	store.SetIntrinsics(cal.Intrinsics, cal.ReprojectionError)
	log.Printf("[CAL] Loaded %s calibration from %s (%d saved boards discarded)", store.Device(), path, len(cal.Boards))
	return nil
}

// predict places the dynamic pattern from the last accepted stereo pair
func (a *Acquirer) predict() ([]Point2, error) {
	lastProj, ok := a.projector.Last()
	if !ok || !lastProj.HasPose {
		return nil, fmt.Errorf("no projector board: %w", ErrNotReady)
	}
	lastCam, ok := a.camera.Last()
	if !ok || !lastCam.HasPose {
		return nil, fmt.Errorf("no camera board: %w", ErrNotReady)
	}
	projIn, ok := a.projector.Intrinsics()
	if !ok {
		return nil, fmt.Errorf("projector intrinsics: %w", ErrNotReady)
	}
	return a.predictor.Predict(projIn, lastProj.Pose, lastCam.Pose, a.cand.pose,
		a.printed.ObjectPoints(), a.session.DynamicInside)
}

// overlay maps the tracked board into projector pixels through the extrinsics
func (a *Acquirer) overlay() []Point2 {
	if !a.session.DisplayAR || a.extrinsics == nil {
		return nil
	}
	projIn, ok := a.projector.Intrinsics()
	if !ok {
		return nil
	}
	inProjector := ComposeRT(a.cand.pose, a.extrinsics.Pose())
	return ProjectPoints(projIn, inProjector, a.printed.ObjectPoints())
}

// Snapshot captures the current status and report data
func (a *Acquirer) Snapshot() Snapshot {
	s := a.session
	st := Status{
		State:            s.State,
		Manual:           s.Manual,
		Dynamic:          s.Dynamic,
		DynamicInside:    s.DynamicInside,
		DisplayAR:        s.DisplayAR,
		NewBoardAcquired: s.NewBoardAcquired,
		BoardVisible:     a.cand.found,
		Camera:           a.deviceStatus(a.camera, a.printed),
		Projector:        a.deviceStatus(a.projector, a.projected),
		Frames:           a.frames,
		Updated:          a.clock(),
	}
	if !s.LastAccept.IsZero() {
		t := s.LastAccept
		st.LastAccept = &t
	}
	if a.extrinsics != nil {
		ext := *a.extrinsics
		st.Extrinsics = &ext
	}
	return Snapshot{
		Status:          st,
		CameraBoards:    a.camera.Observations(),
		ProjectorBoards: a.projector.Observations(),
		Display:         a.Display(),
	}
}

func (a *Acquirer) deviceStatus(store *SampleStore, shape *PatternShape) DeviceStatus {
	ds := DeviceStatus{
		Device:     store.Device(),
		Samples:    store.Len(),
		Calibrated: store.Calibrated(),
	}
	if in, ok := store.Intrinsics(); ok {
		ds.Intrinsics = &in
		ds.FOVX, ds.FOVY = in.FOV()
	}
	if rms, ok := store.ReprojectionError(); ok {
		ds.ReprojectionError = &rms
	}
	ds.Coverage = ComputeCoverage(store.Device(), store.Observations(), shape, store.Size()).Fraction
	return ds
}
