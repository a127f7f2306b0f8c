package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CameraConfig describes how still images are captured.
// Type selects a concrete implementation ("command", "gpio_tether", "fake").
type CameraConfig struct {
	Type string `yaml:"type"` // e.g., "command"
	Lens string `yaml:"lens"` // initial lens: "back" (default) or "front"

	// Device is probed by the permission gate (e.g., /dev/video0). Empty = no probe.
	Device string `yaml:"device"`
	// SpoolDir receives captured files before they are saved to the library.
	SpoolDir string `yaml:"spool_dir"`

	// command camera: argv per lens; {output} and {lens} are substituted.
	BackCommand  []string `yaml:"back_command"`
	FrontCommand []string `yaml:"front_command"`

	// gpio_tether camera
	FocusPin         int `yaml:"focus_pin"`          // GPIO pin for FOCUS line
	ShutterPin       int `yaml:"shutter_pin"`        // GPIO pin for SHUTTER line
	FocusDelayMs     int `yaml:"focus_delay_ms"`     // autofocus delay (ms)
	ShutterDelayMs   int `yaml:"shutter_delay_ms"`   // shutter hold time (ms)
	CaptureTimeoutMs int `yaml:"capture_timeout_ms"` // max wait for the image file (ms)

	// fake camera
	FakeWidthPx  int `yaml:"fake_width_px"`
	FakeHeightPx int `yaml:"fake_height_px"`
}

// DetectorConfig describes the external face detector process.
type DetectorConfig struct {
	Command         []string `yaml:"command"`         // argv of the detector process
	Mode            string   `yaml:"mode"`            // "fast" or "accurate"
	Landmarks       string   `yaml:"landmarks"`       // "none" or "all"
	Classifications string   `yaml:"classifications"` // "none" or "all"
	MinIntervalMs   int      `yaml:"min_interval_ms"` // minimum delay between two delivered frames
	Tracking        *bool    `yaml:"tracking"`        // face tracking ids; default true
	MaxFrameBytes   int      `yaml:"max_frame_bytes"` // upper bound for one wire frame
	StopTimeoutMs   int      `yaml:"stop_timeout_ms"` // grace period before the process is killed
}

// TriggerConfig holds the capture decision thresholds and cooldown.
type TriggerConfig struct {
	MaxYawDeg      float64 `yaml:"max_yaw_deg"`      // |yaw| must be strictly below
	MinAspectRatio float64 `yaml:"min_aspect_ratio"` // width/height must be strictly above
	CooldownMs     int     `yaml:"cooldown_ms"`      // quiet period after a saved photo
}

// MediaConfig describes the shared photo library.
type MediaConfig struct {
	LibraryDir      string `yaml:"library_dir"`
	ThumbnailSizePx int    `yaml:"thumbnail_size_px"`
}

// TurntableConfig is optional: a stepper that turns the camera around for a lens flip.
type TurntableConfig struct {
	StepPin       int `yaml:"step_pin"`
	DirPin        int `yaml:"dir_pin"`
	EnablePin     int `yaml:"enable_pin"` // A4988 ENABLE pin (BCM). 0 = not used. Active LOW.
	StepsPerRev   int `yaml:"steps_per_rev"`
	Microstepping int `yaml:"microstepping"`
	MoveSpeedMs   int `yaml:"move_speed_ms"` // delay between motor steps
}

// IndicatorConfig drives a "processing" LED.
type IndicatorConfig struct {
	Pin       int  `yaml:"pin"` // 0 = disabled
	ActiveLow bool `yaml:"active_low"`
}

// MQTTConfig is optional: capture events are published when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // host:port
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"` // prefix, e.g. "snapdog/garden"
	QoS      int    `yaml:"qos"`
}

// WebConfig configures the status page and its API.
type WebConfig struct {
	Port           int      `yaml:"port"`            // default 8080; the -web flag overrides it
	AllowedOrigins []string `yaml:"allowed_origins"` // CORS; empty = any origin
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Camera    CameraConfig     `yaml:"camera"`
	Detector  DetectorConfig   `yaml:"detector"`
	Trigger   TriggerConfig    `yaml:"trigger"`
	Media     MediaConfig      `yaml:"media"`
	Turntable *TurntableConfig `yaml:"turntable,omitempty"` // optional
	Indicator IndicatorConfig  `yaml:"indicator"`
	MQTT      MQTTConfig       `yaml:"mqtt"`
	Web       WebConfig        `yaml:"web"`
	Defaults  DefaultsConfig   `yaml:"defaults"`
}

// ValidateConfigPath checks that path is a .yaml file inside a configs/
// directory and does not escape it.
func ValidateConfigPath(path string) error {
	if strings.Contains(filepath.ToSlash(path), "..") {
		return fmt.Errorf("config path must not contain '..': %s", path)
	}
	if filepath.Ext(path) != ".yaml" {
		return fmt.Errorf("config file must have .yaml extension: %s", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config file must live in a configs/ directory: %s", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	// Camera
	if cfg.Camera.Type == "" {
		return nil, fmt.Errorf("camera.type is required")
	}
	switch cfg.Camera.Type {
	case "command":
		if len(cfg.Camera.BackCommand) == 0 {
			return nil, fmt.Errorf("camera.back_command is required for camera type command")
		}
	case "gpio_tether":
		if cfg.Camera.FocusPin <= 0 || cfg.Camera.ShutterPin <= 0 {
			return nil, fmt.Errorf("camera.focus_pin and camera.shutter_pin are required for camera type gpio_tether")
		}
	case "fake":
	default:
		return nil, fmt.Errorf("unsupported camera type: %s", cfg.Camera.Type)
	}
	if cfg.Camera.Lens == "" {
		cfg.Camera.Lens = "back"
	}
	if cfg.Camera.Lens != "back" && cfg.Camera.Lens != "front" {
		return nil, fmt.Errorf("camera.lens must be back or front, got %q", cfg.Camera.Lens)
	}
	if cfg.Camera.SpoolDir == "" {
		cfg.Camera.SpoolDir = filepath.Join(os.TempDir(), "snapdog-spool")
	}
	if cfg.Camera.FocusDelayMs <= 0 {
		cfg.Camera.FocusDelayMs = 500 // 500ms for autofocus
	}
	if cfg.Camera.ShutterDelayMs <= 0 {
		cfg.Camera.ShutterDelayMs = 200 // 200ms shutter hold
	}
	if cfg.Camera.CaptureTimeoutMs <= 0 {
		cfg.Camera.CaptureTimeoutMs = 10000
	}
	if cfg.Camera.FakeWidthPx <= 0 {
		cfg.Camera.FakeWidthPx = 640
	}
	if cfg.Camera.FakeHeightPx <= 0 {
		cfg.Camera.FakeHeightPx = 480
	}

	// Detector
	if len(cfg.Detector.Command) == 0 {
		return nil, fmt.Errorf("detector.command is required")
	}
	if cfg.Detector.Mode == "" {
		cfg.Detector.Mode = "fast"
	}
	if cfg.Detector.Mode != "fast" && cfg.Detector.Mode != "accurate" {
		return nil, fmt.Errorf("detector.mode must be fast or accurate, got %q", cfg.Detector.Mode)
	}
	if cfg.Detector.Landmarks == "" {
		cfg.Detector.Landmarks = "none"
	}
	if cfg.Detector.Classifications == "" {
		cfg.Detector.Classifications = "none"
	}
	if cfg.Detector.MinIntervalMs < 0 {
		return nil, fmt.Errorf("detector.min_interval_ms must be >= 0, got %d", cfg.Detector.MinIntervalMs)
	}
	if cfg.Detector.MinIntervalMs == 0 {
		cfg.Detector.MinIntervalMs = 100
	}
	if cfg.Detector.Tracking == nil {
		tracking := true
		cfg.Detector.Tracking = &tracking
	}
	if cfg.Detector.MaxFrameBytes <= 0 {
		cfg.Detector.MaxFrameBytes = 1 << 20
	}
	if cfg.Detector.StopTimeoutMs <= 0 {
		cfg.Detector.StopTimeoutMs = 2000
	}

	// Trigger
	if err := checkFinite("trigger.max_yaw_deg", cfg.Trigger.MaxYawDeg); err != nil {
		return nil, err
	}
	if err := checkFinite("trigger.min_aspect_ratio", cfg.Trigger.MinAspectRatio); err != nil {
		return nil, err
	}
	if cfg.Trigger.MaxYawDeg < 0 {
		return nil, fmt.Errorf("trigger.max_yaw_deg must be >= 0, got %.2f", cfg.Trigger.MaxYawDeg)
	}
	if cfg.Trigger.MaxYawDeg == 0 {
		cfg.Trigger.MaxYawDeg = 10
	}
	if cfg.Trigger.MaxYawDeg > 90 {
		return nil, fmt.Errorf("trigger.max_yaw_deg must be <= 90, got %.2f", cfg.Trigger.MaxYawDeg)
	}
	if cfg.Trigger.MinAspectRatio < 0 {
		return nil, fmt.Errorf("trigger.min_aspect_ratio must be >= 0, got %.2f", cfg.Trigger.MinAspectRatio)
	}
	if cfg.Trigger.MinAspectRatio == 0 {
		cfg.Trigger.MinAspectRatio = 1.2
	}
	if cfg.Trigger.MinAspectRatio > 10 {
		return nil, fmt.Errorf("trigger.min_aspect_ratio must be <= 10, got %.2f", cfg.Trigger.MinAspectRatio)
	}
	if cfg.Trigger.CooldownMs < 0 {
		return nil, fmt.Errorf("trigger.cooldown_ms must be >= 0, got %d", cfg.Trigger.CooldownMs)
	}
	if cfg.Trigger.CooldownMs == 0 {
		cfg.Trigger.CooldownMs = 2000
	}

	// Media
	if cfg.Media.LibraryDir == "" {
		return nil, fmt.Errorf("media.library_dir is required")
	}
	if cfg.Media.ThumbnailSizePx <= 0 {
		cfg.Media.ThumbnailSizePx = 100
	}

	// Turntable
	if t := cfg.Turntable; t != nil {
		if t.StepPin <= 0 || t.DirPin <= 0 {
			return nil, fmt.Errorf("turntable.step_pin and turntable.dir_pin are required")
		}
		if t.StepsPerRev <= 0 {
			t.StepsPerRev = 200
		}
		if t.Microstepping <= 0 {
			t.Microstepping = 1
		}
		if t.MoveSpeedMs <= 0 {
			t.MoveSpeedMs = 2
		}
	}

	// MQTT
	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = "snapdog"
		}
		if cfg.MQTT.Topic == "" {
			cfg.MQTT.Topic = "snapdog"
		}
		if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
			return nil, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
		}
	}

	// Web
	if cfg.Web.Port == 0 {
		cfg.Web.Port = 8080
	}
	if cfg.Web.Port < 1 || cfg.Web.Port > 65535 {
		return nil, fmt.Errorf("web.port must be 1-65535, got %d", cfg.Web.Port)
	}

	if cfg.Defaults.DebugLevel < 0 || cfg.Defaults.DebugLevel > 4 {
		return nil, fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", cfg.Defaults.DebugLevel)
	}

	return &cfg, nil
}

func checkFinite(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s must be a finite number", name)
	}
	return nil
}

// FocusDelay returns the autofocus delay duration.
func (c *Config) FocusDelay() time.Duration {
	return time.Duration(c.Camera.FocusDelayMs) * time.Millisecond
}

// ShutterDelay returns the shutter hold duration.
func (c *Config) ShutterDelay() time.Duration {
	return time.Duration(c.Camera.ShutterDelayMs) * time.Millisecond
}

// CaptureTimeout returns how long a camera may take to produce a file.
func (c *Config) CaptureTimeout() time.Duration {
	return time.Duration(c.Camera.CaptureTimeoutMs) * time.Millisecond
}

// MinDetectionInterval returns the minimum delay between two delivered detector frames.
func (c *Config) MinDetectionInterval() time.Duration {
	return time.Duration(c.Detector.MinIntervalMs) * time.Millisecond
}

// DetectorStopTimeout returns the grace period before the detector is killed.
func (c *Config) DetectorStopTimeout() time.Duration {
	return time.Duration(c.Detector.StopTimeoutMs) * time.Millisecond
}

// Cooldown returns the quiet period after a saved photo.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Trigger.CooldownMs) * time.Millisecond
}

// MoveSpeed returns the duration between two turntable motor steps.
// Zero when no turntable is configured.
func (c *Config) MoveSpeed() time.Duration {
	if c.Turntable == nil {
		return 0
	}
	return time.Duration(c.Turntable.MoveSpeedMs) * time.Millisecond
}
