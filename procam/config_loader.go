package procam

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where the CLI looks for configuration
const DefaultConfigPath = "config.yaml"

// Config is the unified configuration file
type Config struct {
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Camera      CameraConfig      `yaml:"camera"`
	Projector   ProjectorConfig   `yaml:"projector"`
	Files       FilesConfig       `yaml:"files"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	HTTP        HTTPConfig        `yaml:"http"`
}

// AcquisitionConfig holds the thresholds of the acquisition loop
type AcquisitionConfig struct {
	DiffThreshold                float64       `yaml:"diffThreshold"`   // mean gray difference between frames
	TimeThreshold                time.Duration `yaml:"timeThreshold"`   // minimum time between accepted boards
	PreCalibrateCameraTimes      int           `yaml:"preCalibrateCameraTimes"`
	StartCleaningCamera          int           `yaml:"startCleaningCamera"`
	MaxErrorCamera               float64       `yaml:"maxErrorCamera"`
	MaxErrorProjector            float64       `yaml:"maxErrorProjector"`
	StartCleaningProjector       int           `yaml:"startCleaningProjector"`
	StartDynamicProjectorPattern int           `yaml:"startDynamicProjectorPattern"`
	MinNumGoodBoards             int           `yaml:"minNumGoodBoards"`
	InitialMode                  string        `yaml:"initialMode"` // camera-only, stereo or ar
}

// CameraConfig describes the capture device
type CameraConfig struct {
	Device  int    `yaml:"device"`
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	Pattern string `yaml:"pattern"` // printed pattern-shape file
}

// ProjectorConfig describes the projector output
type ProjectorConfig struct {
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	Pattern string `yaml:"pattern"` // projected pattern-shape file (pixels)
	Window  string `yaml:"window"`
	Dot     int    `yaml:"dot"` // drawn dot radius in pixels
}

// FilesConfig names the persisted calibration files, relative to DataDir
type FilesConfig struct {
	DataDir    string `yaml:"dataDir"`
	Camera     string `yaml:"camera"`
	Projector  string `yaml:"projector"`
	Extrinsics string `yaml:"extrinsics"`
}

// MQTTConfig is the optional command/status transport
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"clientId,omitempty"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	TopicPrefix string `yaml:"topicPrefix,omitempty"`
}

// HTTPConfig is the optional status server
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// DefaultConfig returns the stock configuration
func DefaultConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// LoadConfig loads the configuration from a YAML file and fills in defaults
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Pattern files are relative to the config file
	dir := filepath.Dir(path)
	config.Camera.Pattern = resolvePath(dir, config.Camera.Pattern)
	config.Projector.Pattern = resolvePath(dir, config.Projector.Pattern)

	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

func (c *Config) applyDefaults() {
	a := &c.Acquisition
	if a.DiffThreshold == 0 {
		a.DiffThreshold = 3.0
	}
	if a.TimeThreshold == 0 {
		a.TimeThreshold = 1500 * time.Millisecond
	}
	if a.PreCalibrateCameraTimes == 0 {
		a.PreCalibrateCameraTimes = 15
	}
	if a.StartCleaningCamera == 0 {
		a.StartCleaningCamera = 8
	}
	if a.MaxErrorCamera == 0 {
		a.MaxErrorCamera = 0.3
	}
	if a.MaxErrorProjector == 0 {
		a.MaxErrorProjector = 0.3
	}
	if a.StartCleaningProjector == 0 {
		a.StartCleaningProjector = 6
	}
	if a.StartDynamicProjectorPattern == 0 {
		a.StartDynamicProjectorPattern = 5
	}
	if a.MinNumGoodBoards == 0 {
		a.MinNumGoodBoards = 15
	}
	if a.InitialMode == "" {
		a.InitialMode = "camera-only"
	}

	if c.Camera.Width == 0 {
		c.Camera.Width = 640
	}
	if c.Camera.Height == 0 {
		c.Camera.Height = 480
	}
	if c.Camera.Pattern == "" {
		c.Camera.Pattern = "settingsPatternCamera.yml"
	}
	if c.Projector.Width == 0 {
		c.Projector.Width = 800
	}
	if c.Projector.Height == 0 {
		c.Projector.Height = 600
	}
	if c.Projector.Pattern == "" {
		c.Projector.Pattern = "settingsProjectionPatternPixels.yml"
	}
	if c.Projector.Window == "" {
		c.Projector.Window = "procam projector"
	}
	if c.Projector.Dot == 0 {
		c.Projector.Dot = 6
	}

	if c.Files.DataDir == "" {
		c.Files.DataDir = "data"
	}
	if c.Files.Camera == "" {
		c.Files.Camera = "calibrationCamera.yml"
	}
	if c.Files.Projector == "" {
		c.Files.Projector = "calibrationProjector.yml"
	}
	if c.Files.Extrinsics == "" {
		c.Files.Extrinsics = "CameraProjectorExtrinsics.yml"
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "procam"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 4040
	}
}

// Validate rejects configurations the acquisition loop cannot run with
func (c *Config) Validate() error {
	a := c.Acquisition
	if a.DiffThreshold < 0 {
		return fmt.Errorf("acquisition.diffThreshold must not be negative")
	}
	if a.TimeThreshold < 0 {
		return fmt.Errorf("acquisition.timeThreshold must not be negative")
	}
	if a.MaxErrorCamera <= 0 || a.MaxErrorProjector <= 0 {
		return fmt.Errorf("acquisition.maxErrorCamera and maxErrorProjector must be positive")
	}
	if a.PreCalibrateCameraTimes < 1 || a.MinNumGoodBoards < 1 {
		return fmt.Errorf("acquisition.preCalibrateCameraTimes and minNumGoodBoards must be positive")
	}
	if a.StartCleaningCamera >= a.PreCalibrateCameraTimes {
		return fmt.Errorf("acquisition.startCleaningCamera (%d) must be below preCalibrateCameraTimes (%d)",
			a.StartCleaningCamera, a.PreCalibrateCameraTimes)
	}
	if a.StartCleaningProjector > a.MinNumGoodBoards {
		return fmt.Errorf("acquisition.startCleaningProjector (%d) must not exceed minNumGoodBoards (%d)",
			a.StartCleaningProjector, a.MinNumGoodBoards)
	}
	if _, err := ParseEntryState(a.InitialMode); err != nil {
		return fmt.Errorf("acquisition.initialMode: %w", err)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("camera size must be positive, got %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Projector.Width <= 0 || c.Projector.Height <= 0 {
		return fmt.Errorf("projector size must be positive, got %dx%d", c.Projector.Width, c.Projector.Height)
	}
	return nil
}

// CameraSize returns the camera resolution
func (c *Config) CameraSize() ImageSize {
	return ImageSize{Width: c.Camera.Width, Height: c.Camera.Height}
}

// ProjectorSize returns the projector resolution
func (c *Config) ProjectorSize() ImageSize {
	return ImageSize{Width: c.Projector.Width, Height: c.Projector.Height}
}

// CameraFile returns the camera calibration path
func (c *Config) CameraFile() string {
	return resolvePath(c.Files.DataDir, c.Files.Camera)
}

// ProjectorFile returns the projector calibration path
func (c *Config) ProjectorFile() string {
	return resolvePath(c.Files.DataDir, c.Files.Projector)
}

// ExtrinsicsFile returns the extrinsics path
func (c *Config) ExtrinsicsFile() string {
	return resolvePath(c.Files.DataDir, c.Files.Extrinsics)
}

func resolvePath(dir, name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}
