package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kwv/procam/procam"
	"github.com/kwv/procam/vision"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *procam.Config
	Tracker    *procam.StatusTracker
	MQTTClient *procam.MQTTClient
	Publisher  *procam.Publisher
	Out        io.Writer

	// CLI flags
	ConfigFile     string
	DataDir        string
	Mode           string
	Replay         string
	ReplayInterval time.Duration
	Headless       bool
	HttpMode       bool
	HttpPort       int
	MqttMode       bool
	ReportPath     string
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Tracker: procam.NewStatusTracker(),
		Out:     os.Stdout,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.DataDir = opts.DataDir
	a.Mode = opts.Mode
	a.Replay = opts.Replay
	a.ReplayInterval = opts.ReplayInterval
	a.Headless = opts.Headless
	a.HttpMode = opts.HttpMode
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.ReportPath = opts.ReportPath
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist, and applies flag overrides
func (a *App) loadConfig() (*procam.Config, error) {
	path := a.ConfigFile
	if path == "" {
		path = procam.DefaultConfigPath
	}

	var cfg *procam.Config
	if _, err := os.Stat(path); os.IsNotExist(err) && path == procam.DefaultConfigPath {
		log.Printf("Warning: %s not found, using default configuration", path)
		cfg = procam.DefaultConfig()
	} else {
		loaded, err := procam.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		log.Printf("Loaded config from %s", path)
	}

	if a.DataDir != "" {
		cfg.Files.DataDir = a.DataDir
	}
	if a.Mode != "" {
		cfg.Acquisition.InitialMode = a.Mode
	}
	if a.HttpPort != 0 {
		cfg.HTTP.Port = a.HttpPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a.Config = cfg
	return cfg, nil
}

func loadShapes(cfg *procam.Config) (printed, projected *procam.PatternShape, err error) {
	printed, err = procam.LoadPatternShape(cfg.Camera.Pattern)
	if err != nil {
		return nil, nil, fmt.Errorf("printed pattern: %w", err)
	}
	projected, err = procam.LoadPatternShape(cfg.Projector.Pattern)
	if err != nil {
		return nil, nil, fmt.Errorf("projected pattern: %w", err)
	}
	return printed, projected, nil
}

// RunAcquire runs the acquisition loop until interrupted or the input ends
func (a *App) RunAcquire() error {
	// --- Step 1: configuration and patterns ---
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	printed, projected, err := loadShapes(cfg)
	if err != nil {
		return err
	}

	// --- Step 2: acquisition core ---
	acq, err := procam.NewAcquirer(cfg, procam.NewPlanarCalibration(), vision.NewDetector(printed, projected), printed, projected)
	if err != nil {
		return err
	}
	controls := acq.Controls()

	// --- Step 3: MQTT transport ---
	if a.MqttMode {
		client, err := procam.InitMQTT(cfg, controls.Issue)
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if client == nil {
			return errors.New("MQTT enabled but no broker configured")
		}
		a.MQTTClient = client
		a.Publisher = procam.NewPublisher(client.GetClient(), cfg.MQTT.TopicPrefix)
		defer client.Disconnect()
	}

	acq.SetObserver(func(snap procam.Snapshot) {
		a.Tracker.Update(snap)
		if a.Publisher != nil && a.MQTTClient.IsConnected() {
			if err := a.Publisher.PublishStatus(snap.Status); err != nil {
				log.Printf("[MQTT] %v", err)
			}
		}
	})
	a.Tracker.Update(acq.Snapshot())

	// --- Step 4: HTTP surface ---
	if a.HttpMode {
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
			Handler: newHTTPServer(a.Tracker, controls, cfg, printed, projected),
		}
		go func() {
			log.Printf("[HTTP] Listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[HTTP] Server error: %v", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	// --- Step 5: frame source ---
	var source procam.FrameSource
	if a.Replay != "" {
		replay, err := vision.OpenReplay(a.Replay, cfg.CameraSize(), a.ReplayInterval)
		if err != nil {
			return err
		}
		acq.SetClock(replay.Now)
		source = replay
	} else {
		camera, err := vision.OpenCamera(cfg.Camera.Device, cfg.CameraSize())
		if err != nil {
			return err
		}
		defer camera.Close()
		source = camera
	}

	meter := vision.NewMotionMeter()
	defer meter.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Step 6: projector window ---
	var hook procam.FrameHook
	if !a.Headless {
		window := vision.NewProjectorWindow(cfg.Projector.Window, cfg.ProjectorSize(), cfg.Projector.Dot)
		defer window.Close()
		hook = func(frame procam.Frame, snap procam.Snapshot) {
			window.Show(frame, snap)
			cmd, ok, quit := window.PollKey()
			if quit {
				stop()
				return
			}
			if ok {
				log.Printf("[ACQ] Key command %s", cmd)
				controls.Issue(cmd)
			}
		}
	}

	fmt.Fprintf(a.Out, "Acquiring in %s mode; calibration files in %s\n", acq.Session().State, cfg.Files.DataDir)
	if a.HttpMode {
		fmt.Fprintf(a.Out, "HTTP status on port %d\n", cfg.HTTP.Port)
	}
	if a.MqttMode {
		fmt.Fprintf(a.Out, "MQTT commands on %s, status on %s\n", a.MQTTClient.CommandTopic(), a.Publisher.StatusTopic())
	}

	// --- Step 7: run ---
	if err := acq.Run(ctx, source, meter, hook); err != nil {
		return err
	}

	st := acq.Snapshot().Status
	fmt.Fprintf(a.Out, "Stopped in %s after %d frames (camera %d boards, projector %d boards)\n",
		st.State, st.Frames, st.Camera.Samples, st.Projector.Samples)
	return nil
}

// RunShowExtrinsics prints the saved camera-to-projector transform
func (a *App) RunShowExtrinsics() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	path := cfg.ExtrinsicsFile()
	ext, err := procam.LoadExtrinsics(path)
	if err != nil {
		return err
	}
	if ext == nil {
		return fmt.Errorf("no extrinsics at %s", path)
	}

	pose := ext.Pose()
	R := pose.Rotation()
	fmt.Fprintf(a.Out, "Extrinsics from %s\n", path)
	fmt.Fprintf(a.Out, "Rotation vector:    [%.6f, %.6f, %.6f]\n", ext.Rvec.X, ext.Rvec.Y, ext.Rvec.Z)
	fmt.Fprintln(a.Out, "Rotation matrix:")
	for i := 0; i < 3; i++ {
		fmt.Fprintf(a.Out, "  [%.6f, %.6f, %.6f]\n", R.At(i, 0), R.At(i, 1), R.At(i, 2))
	}
	fmt.Fprintf(a.Out, "Translation vector: [%.4f, %.4f, %.4f]\n", ext.T.X, ext.T.Y, ext.T.Z)
	fmt.Fprintln(a.Out, "OpenGL matrix:")
	for _, row := range procam.OpenGLMatrix(pose) {
		fmt.Fprintf(a.Out, "  [%.6f, %.6f, %.6f, %.6f]\n", row[0], row[1], row[2], row[3])
	}
	return nil
}

// RunReport renders the coverage of both saved calibrations
func (a *App) RunReport() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	printed, projected, err := loadShapes(cfg)
	if err != nil {
		return err
	}

	snap := procam.Snapshot{}
	calib := procam.NewPlanarCalibration()
	for _, dev := range []struct {
		device procam.Device
		path   string
		boards *[]procam.Observation
	}{
		{procam.DeviceCamera, cfg.CameraFile(), &snap.CameraBoards},
		{procam.DeviceProjector, cfg.ProjectorFile(), &snap.ProjectorBoards},
	} {
		cal, err := procam.LoadDeviceCalibration(dev.path)
		if err != nil {
			return err
		}
		if cal == nil {
			log.Printf("Warning: no %s calibration at %s", dev.device, dev.path)
			continue
		}
		*dev.boards = scoreBoards(calib, cal)
	}

	for _, dev := range []struct {
		device procam.Device
		shape  *procam.PatternShape
	}{
		{procam.DeviceCamera, printed},
		{procam.DeviceProjector, projected},
	} {
		r, err := procam.NewCoverageRenderer(dev.device, snap, cfg, dev.shape)
		if err != nil {
			return err
		}
		out := reportPath(a.ReportPath, dev.device)
		if err := writeReport(out, r); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "Wrote %s coverage to %s\n", dev.device, out)
	}
	return nil
}

// scoreBoards recomputes each saved board's reprojection error under the saved intrinsics
func scoreBoards(calib procam.Calibration, cal *procam.DeviceCalibration) []procam.Observation {
	boards := make([]procam.Observation, len(cal.Boards))
	for i, b := range cal.Boards {
		boards[i] = b
		pose, err := calib.SolvePose(cal.Intrinsics, b.ImagePoints, b.ObjectPoints)
		if err != nil {
			continue
		}
		boards[i].Pose = pose
		boards[i].HasPose = true
		boards[i].Error = procam.ReprojectionRMS(cal.Intrinsics, pose, b.ImagePoints, b.ObjectPoints)
	}
	return boards
}

// reportPath inserts the device name before the extension: out.svg -> out-camera.svg
func reportPath(base string, device procam.Device) string {
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "-" + string(device) + ext
}

func writeReport(path string, r *procam.CoverageRenderer) error {
	format := strings.ToLower(filepath.Ext(path))
	if format != ".svg" && format != ".png" {
		return fmt.Errorf("report format must be .svg or .png, got %q", filepath.Ext(path))
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating report directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating report: %w", err)
	}
	defer f.Close()

	if format == ".svg" {
		return r.RenderToSVG(f)
	}
	return r.RenderToPNG(f)
}
