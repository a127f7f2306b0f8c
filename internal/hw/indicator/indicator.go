package indicator

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/SnapDog/internal/debug"
	"github.com/cjeanneret/SnapDog/internal/hw/gpio"
)

// LED mirrors the "Processing..." overlay on a GPIO pin.
type LED struct {
	gpio      gpio.Driver
	pin       int
	activeLow bool

	mu sync.Mutex
	on bool
}

// New configures pin as an output and turns the LED off.
func New(g gpio.Driver, pin int, activeLow bool) (*LED, error) {
	if pin <= 0 {
		return nil, fmt.Errorf("indicator pin must be > 0, got %d", pin)
	}
	l := &LED{gpio: g, pin: pin, activeLow: activeLow}
	if err := g.SetupPin(pin, gpio.Output); err != nil {
		return nil, fmt.Errorf("setup indicator pin: %w", err)
	}
	if err := g.WritePin(pin, l.level(false)); err != nil {
		return nil, fmt.Errorf("reset indicator pin: %w", err)
	}
	return l, nil
}

func (l *LED) level(on bool) gpio.Level {
	if on != l.activeLow {
		return gpio.High
	}
	return gpio.Low
}

// Set switches the LED. Repeated calls with the same value do not touch the pin.
func (l *LED) Set(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if on == l.on {
		return nil
	}
	debug.GPIO("indicator", l.pin, on)
	if err := l.gpio.WritePin(l.pin, l.level(on)); err != nil {
		return err
	}
	l.on = on
	return nil
}

// On reports the last state written to the pin.
func (l *LED) On() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

// Close turns the LED off.
func (l *LED) Close() error {
	return l.Set(false)
}
