package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/SnapDog/internal/config"
	"github.com/cjeanneret/SnapDog/internal/debug"
	"github.com/cjeanneret/SnapDog/internal/detector"
	"github.com/cjeanneret/SnapDog/internal/emitter"
	"github.com/cjeanneret/SnapDog/internal/hw/camera"
	"github.com/cjeanneret/SnapDog/internal/hw/gpio"
	"github.com/cjeanneret/SnapDog/internal/hw/indicator"
	"github.com/cjeanneret/SnapDog/internal/hw/turntable"
	"github.com/cjeanneret/SnapDog/internal/logic/capture"
	"github.com/cjeanneret/SnapDog/internal/logic/decision"
	"github.com/cjeanneret/SnapDog/internal/media"
	"github.com/cjeanneret/SnapDog/internal/permission"
	"github.com/cjeanneret/SnapDog/internal/shell"
	"github.com/cjeanneret/SnapDog/internal/types"
	"github.com/cjeanneret/SnapDog/internal/web"
)

// detectorRestartDelay is the pause before a crashed detector is started again.
const detectorRestartDelay = 2 * time.Second

// triggerOverrides holds capture thresholds given on the command line.
// Zero values mean "use config".
type triggerOverrides struct {
	MaxYawDeg      float64
	MinAspectRatio float64
	CooldownMs     int
}

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "web server port; -web= for default 8080, -web 8980 for custom port (default: web.port from config)")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	maxYawDeg := flag.Float64("max_yaw_deg", 0, "override max |yaw| in degrees (0-90, exclusive of 0)")
	minAspectRatio := flag.Float64("min_aspect_ratio", 0, "override min face box width/height (0-10, exclusive of 0)")
	cooldownMs := flag.Int("cooldown_ms", 0, "override cooldown after a saved photo in ms (1-600000)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Validate CLI overrides (only non-zero values are applied; zero means "use config default")
	if err := validateCLIOverrides(*maxYawDeg, *minAspectRatio, *cooldownMs); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, triggerOverrides{
		MaxYawDeg:      *maxYawDeg,
		MinAspectRatio: *minAspectRatio,
		CooldownMs:     *cooldownMs,
	})
	if p := webPort.port(); p > 0 {
		cfg.Web.Port = p
	}

	debug.Init(cfg.Defaults.DebugLevel)
	defer debug.Sync()
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("snapdog: %v", err)
	}
}

// run wires the application and blocks until ctx is cancelled or a
// component fails to start.
func run(ctx context.Context, cfg *config.Config) (err error) {
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		return fmt.Errorf("init GPIO: %w", err)
	}
	defer func() { err = multierr.Append(err, gpioDriver.Close()) }()

	debug.Step(2, "Initializing camera")
	var rotator camera.Rotator
	if cfg.Turntable != nil {
		tt, err := turntable.New(gpioDriver, turntable.Config{
			StepPin:       cfg.Turntable.StepPin,
			DirPin:        cfg.Turntable.DirPin,
			EnablePin:     cfg.Turntable.EnablePin,
			StepsPerRev:   cfg.Turntable.StepsPerRev,
			Microstepping: cfg.Turntable.Microstepping,
			StepDelay:     cfg.MoveSpeed() / 2,
		})
		if err != nil {
			return fmt.Errorf("init turntable: %w", err)
		}
		debug.PrintStruct("Turntable config", cfg.Turntable)
		rotator = tt
	}
	cam, err := newCameraFromConfig(gpioDriver, cfg, rotator)
	if err != nil {
		return fmt.Errorf("init camera: %w", err)
	}
	defer func() { err = multierr.Append(err, cam.Close()) }()
	debug.Value("Camera type", cfg.Camera.Type)
	debug.Value("Lens", cam.Lens())

	debug.Step(3, "Initializing media library")
	library, err := media.NewLibrary(cfg.Media.LibraryDir)
	if err != nil {
		return fmt.Errorf("init media library: %w", err)
	}
	debug.Value("Library", library.Dir())

	debug.Step(4, "Preparing face detector")
	proc, err := detector.NewProcess(detectorConfig(cfg, cam.Lens()))
	if err != nil {
		return fmt.Errorf("init detector: %w", err)
	}
	debug.PrintStruct("Detector config", cfg.Detector)

	rule := decision.Rule{MaxYawDeg: cfg.Trigger.MaxYawDeg, MinAspectRatio: cfg.Trigger.MinAspectRatio}
	debug.Value("Max yaw", rule.MaxYawDeg)
	debug.Value("Min aspect ratio", rule.MinAspectRatio)
	debug.Value("Cooldown", cfg.Cooldown())

	sh, err := shell.New(shell.Config{
		Rule:          rule,
		Cooldown:      cfg.Cooldown(),
		Executor:      capture.NewExecutor(cam, library, cfg.CaptureTimeout()),
		Camera:        cam,
		Detector:      proc,
		DetectorStats: proc.Stats,
		Lens:          cam.Lens(),
	})
	if err != nil {
		return err
	}

	broadcaster := web.NewStatusBroadcaster()
	debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
	sh.Subscribe(broadcaster.OnEvent)

	if cfg.Indicator.Pin > 0 {
		var led *indicator.LED
		led, err = indicator.New(gpioDriver, cfg.Indicator.Pin, cfg.Indicator.ActiveLow)
		if err != nil {
			return fmt.Errorf("init indicator: %w", err)
		}
		defer func() { err = multierr.Append(err, led.Close()) }()
		sh.Subscribe(func(ev shell.Event) {
			if err := led.Set(ev.State.Processing()); err != nil {
				debug.Warn("Indicator: %v", err)
			}
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MQTT.Broker != "" {
		em := emitter.NewMQTTEmitter(cfg.MQTT)
		if err := em.Connect(gctx); err != nil {
			debug.Warn("MQTT broker unavailable, retrying in background: %v", err)
		}
		sh.Subscribe(em.OnEvent)
		g.Go(func() error { return em.Run(gctx) })
	}

	srv, err := web.NewServer(fmt.Sprintf(":%d", cfg.Web.Port), broadcaster, sh, web.Options{
		Trigger: web.TriggerConfig{
			MaxYawDeg:      cfg.Trigger.MaxYawDeg,
			MinAspectRatio: cfg.Trigger.MinAspectRatio,
			CooldownMs:     cfg.Trigger.CooldownMs,
		},
		ThumbnailSize:  cfg.Media.ThumbnailSizePx,
		AllowedOrigins: cfg.Web.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	debug.Section("Running")
	g.Go(func() error { return sh.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		gate := permission.NewGate(permissionProbes(cfg)...)
		status, permErr := gate.Resolve(gctx)
		if err := sh.SetPermission(gctx, status, permErr); err != nil {
			return nil // shutting down
		}
		if status != permission.Granted {
			debug.Info("Face detector not started: no camera access")
			return nil
		}
		return superviseDetector(gctx, proc, sh.FacesDetected, detectorRestartDelay)
	})

	return g.Wait()
}

func detectorConfig(cfg *config.Config, lens types.Lens) detector.Config {
	return detector.Config{
		Command: cfg.Detector.Command,
		Settings: detector.Settings{
			Mode:            cfg.Detector.Mode,
			Landmarks:       cfg.Detector.Landmarks,
			Classifications: cfg.Detector.Classifications,
			MinInterval:     cfg.MinDetectionInterval(),
			Tracking:        *cfg.Detector.Tracking,
		},
		Lens:          lens,
		MaxFrameBytes: cfg.Detector.MaxFrameBytes,
		StopTimeout:   cfg.DetectorStopTimeout(),
	}
}

// detectorRunner is the part of detector.Process the supervisor needs.
type detectorRunner interface {
	Run(ctx context.Context, handle detector.Handler) error
}

// superviseDetector keeps the detector running until ctx is cancelled.
// A crashed detector is restarted after delay; it never stops the application.
func superviseDetector(ctx context.Context, d detectorRunner, handle detector.Handler, delay time.Duration) error {
	for {
		err := d.Run(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}
		debug.Warn("Face detector stopped (%v), restarting in %v", err, delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// permissionProbes lists the resources checked before the detector starts:
// the camera, then the media library.
func permissionProbes(cfg *config.Config) []permission.Probe {
	var probes []permission.Probe
	switch {
	case cfg.Camera.Device != "":
		probes = append(probes, permission.DeviceProbe(cfg.Camera.Device))
	case cfg.Camera.Type == "command":
		probes = append(probes, permission.ExecutableProbe(cfg.Camera.BackCommand[0]))
	default:
		probes = append(probes, permission.DirProbe("camera spool", cfg.Camera.SpoolDir))
	}
	return append(probes, permission.DirProbe("media library", cfg.Media.LibraryDir))
}

// validateCLIOverrides checks that non-zero CLI overrides are within valid ranges.
// Zero values are ignored (they mean "use config default").
func validateCLIOverrides(maxYaw, minRatio float64, cooldownMs int) error {
	if maxYaw != 0 {
		if math.IsNaN(maxYaw) || math.IsInf(maxYaw, 0) || maxYaw <= 0 || maxYaw > 90 {
			return fmt.Errorf("max_yaw_deg must be in (0, 90], got %g", maxYaw)
		}
	}
	if minRatio != 0 {
		if math.IsNaN(minRatio) || math.IsInf(minRatio, 0) || minRatio <= 0 || minRatio > 10 {
			return fmt.Errorf("min_aspect_ratio must be in (0, 10], got %g", minRatio)
		}
	}
	if cooldownMs != 0 {
		if cooldownMs < 0 || cooldownMs > 600000 {
			return fmt.Errorf("cooldown_ms must be between 1 and 600000, got %d", cooldownMs)
		}
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-zero override values are applied.
func applyOverrides(cfg *config.Config, o triggerOverrides) {
	if o.MaxYawDeg > 0 {
		cfg.Trigger.MaxYawDeg = o.MaxYawDeg
	}
	if o.MinAspectRatio > 0 {
		cfg.Trigger.MinAspectRatio = o.MinAspectRatio
	}
	if o.CooldownMs > 0 {
		cfg.Trigger.CooldownMs = o.CooldownMs
	}
}

// webPortFlag implements flag.Value for -web: 0 = use config, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }

// newCameraFromConfig selects a camera implementation based on configuration.
// rotator may be nil.
func newCameraFromConfig(g gpio.Driver, cfg *config.Config, rotator camera.Rotator) (camera.Camera, error) {
	lens, err := types.ParseLens(cfg.Camera.Lens)
	if err != nil {
		return nil, err
	}
	switch cfg.Camera.Type {
	case "command":
		return camera.NewCommand(cfg.Camera.BackCommand, cfg.Camera.FrontCommand, cfg.Camera.SpoolDir, lens)
	case "gpio_tether":
		if lens != types.LensBack {
			return nil, fmt.Errorf("gpio_tether camera must start on the back lens")
		}
		return camera.NewGPIOTether(g, camera.TetherConfig{
			FocusPin:     cfg.Camera.FocusPin,
			ShutterPin:   cfg.Camera.ShutterPin,
			FocusDelay:   cfg.FocusDelay(),
			ShutterDelay: cfg.ShutterDelay(),
			Timeout:      cfg.CaptureTimeout(),
			DownloadDir:  cfg.Camera.SpoolDir,
		}, rotator)
	case "fake":
		return camera.NewFake(cfg.Camera.FakeWidthPx, cfg.Camera.FakeHeightPx, cfg.Camera.SpoolDir, lens)
	default:
		return nil, fmt.Errorf("unsupported camera type: %s", cfg.Camera.Type)
	}
}
