package turntable

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/cjeanneret/SnapDog/internal/debug"
	"github.com/cjeanneret/SnapDog/internal/hw/gpio"
)

// Config holds the wiring of the A4988 driver behind the turntable.
type Config struct {
	StepPin       int
	DirPin        int
	EnablePin     int // A4988 ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
	StepsPerRev   int
	Microstepping int
	StepDelay     time.Duration // delay per half-cycle of STEP pulse. Total step = 2*StepDelay.
}

// Turntable turns the camera mount around its vertical axis with a
// stepper motor. The driver is enabled only while moving, so the mount
// does not vibrate while the camera shoots.
type Turntable struct {
	gpio           gpio.Driver
	cfg            Config
	delay          time.Duration
	stepsPerDegree float64

	mu       sync.Mutex
	position int // microsteps from the start position
}

// New configures the pins and leaves the driver disabled.
// cfg.StepDelay: if 0, defaults to 1ms.
func New(g gpio.Driver, cfg Config) (*Turntable, error) {
	if cfg.StepsPerRev <= 0 || cfg.Microstepping <= 0 {
		return nil, fmt.Errorf("turntable steps_per_rev and microstepping must be > 0")
	}
	delay := cfg.StepDelay
	if delay <= 0 {
		delay = 1 * time.Millisecond
	}

	err := multierr.Combine(
		g.SetupPin(cfg.StepPin, gpio.Output),
		g.SetupPin(cfg.DirPin, gpio.Output),
	)
	if cfg.EnablePin > 0 {
		err = multierr.Append(err, g.SetupPin(cfg.EnablePin, gpio.Output))
		err = multierr.Append(err, g.WritePin(cfg.EnablePin, gpio.High))
	}
	if err != nil {
		return nil, fmt.Errorf("setup turntable pins: %w", err)
	}

	return &Turntable{
		gpio:           g,
		cfg:            cfg,
		delay:          delay,
		stepsPerDegree: float64(cfg.StepsPerRev*cfg.Microstepping) / 360.0,
	}, nil
}

// StepsFromAngle converts an angle in degrees to microsteps.
func (t *Turntable) StepsFromAngle(deg float64) int {
	return int(math.Round(deg * t.stepsPerDegree))
}

// Position returns the current offset from the start position, in microsteps.
func (t *Turntable) Position() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.position
}

// Rotate turns the mount by deg degrees (positive = clockwise).
func (t *Turntable) Rotate(deg float64) error {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return fmt.Errorf("invalid rotation angle %v", deg)
	}
	steps := t.StepsFromAngle(deg)
	if steps == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	debug.Live("Turntable: rotating %.1f° (%d steps)", deg, steps)
	if err := t.setEnabled(true); err != nil {
		return err
	}
	moveErr := t.moveSteps(steps)
	return multierr.Append(moveErr, t.setEnabled(false))
}

// moveSteps must be called with mu held.
func (t *Turntable) moveSteps(steps int) error {
	dirLevel := gpio.High
	if steps < 0 {
		dirLevel = gpio.Low
	}
	if err := t.gpio.WritePin(t.cfg.DirPin, dirLevel); err != nil {
		return err
	}

	n := steps
	if n < 0 {
		n = -n
	}
	for i := 0; i < n; i++ {
		if err := t.stepPulse(); err != nil {
			return err
		}
		if steps > 0 {
			t.position++
		} else {
			t.position--
		}
	}
	return nil
}

func (t *Turntable) stepPulse() error {
	if err := t.gpio.WritePin(t.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	time.Sleep(t.delay)
	if err := t.gpio.WritePin(t.cfg.StepPin, gpio.Low); err != nil {
		return err
	}
	time.Sleep(t.delay)
	return nil
}

// setEnabled drives the A4988 ENABLE line (LOW = enabled).
func (t *Turntable) setEnabled(on bool) error {
	if t.cfg.EnablePin <= 0 {
		return nil
	}
	level := gpio.High
	if on {
		level = gpio.Low
	}
	return t.gpio.WritePin(t.cfg.EnablePin, level)
}
