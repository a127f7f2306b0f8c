package camera

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/cjeanneret/SnapDog/internal/debug"
	"github.com/cjeanneret/SnapDog/internal/hw/gpio"
	"github.com/cjeanneret/SnapDog/internal/types"
)

// Rotator turns the camera mount by a signed angle in degrees.
type Rotator interface {
	Rotate(deg float64) error
}

// TetherConfig holds the wiring of a GPIO-triggered camera.
type TetherConfig struct {
	FocusPin     int
	ShutterPin   int
	FocusDelay   time.Duration // time for autofocus
	ShutterDelay time.Duration // shutter hold time
	Timeout      time.Duration // max wait for the downloaded file
	DownloadDir  string        // where the tether client drops new images
}

// GPIOTether is a Camera for a DSLR (e.g. Nikon D90) triggered via the
// 3-pin remote connector while a tether client (e.g. gphoto2
// --capture-tethered) downloads each shot into DownloadDir:
// - GND: connected to Raspberry Pi ground
// - FOCUS: autofocus (activate by setting to LOW)
// - SHUTTER: trigger (activate by setting to LOW)
//
// The tether client must create files atomically (write then rename);
// the first image file that appears after the trigger, with a modification
// time not older than the trigger, is the capture.
//
// A DSLR has a single lens. With a turntable, "front" means the mount is
// turned 180° from its "back" position.
type GPIOTether struct {
	gpio      gpio.Driver
	cfg       TetherConfig
	watcher   *fsnotify.Watcher
	turntable Rotator

	mu   sync.Mutex
	lens types.Lens
}

// NewGPIOTether configures the remote pins and starts watching DownloadDir.
// turntable may be nil, in which case only the back lens is available.
func NewGPIOTether(g gpio.Driver, cfg TetherConfig, turntable Rotator) (*GPIOTether, error) {
	if err := ensureSpool(cfg.DownloadDir); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	// Configure pins as outputs; lines idle HIGH (inactive)
	if err := multierr.Combine(
		g.SetupPin(cfg.FocusPin, gpio.Output),
		g.SetupPin(cfg.ShutterPin, gpio.Output),
		g.WritePin(cfg.FocusPin, gpio.High),
		g.WritePin(cfg.ShutterPin, gpio.High),
	); err != nil {
		return nil, fmt.Errorf("setup remote pins: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(cfg.DownloadDir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", cfg.DownloadDir, err)
	}

	return &GPIOTether{
		gpio:      g,
		cfg:       cfg,
		watcher:   w,
		turntable: turntable,
		lens:      types.LensBack,
	}, nil
}

// Capture fires the shutter and waits for the tether client to deliver the file.
func (t *GPIOTether) Capture(ctx context.Context) (types.Photo, error) {
	existing, err := t.listDownloads()
	if err != nil {
		return types.Photo{}, err
	}
	// Some filesystems keep modification times to the second.
	start := time.Now().Truncate(time.Second)

	if err := t.trigger(); err != nil {
		return types.Photo{}, fmt.Errorf("trigger shutter: %w", err)
	}

	timer := time.NewTimer(t.cfg.Timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return types.Photo{}, ctx.Err()
		case <-timer.C:
			return types.Photo{}, fmt.Errorf("no image in %s after %v", t.cfg.DownloadDir, t.cfg.Timeout)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return types.Photo{}, fmt.Errorf("watcher closed")
			}
			return types.Photo{}, fmt.Errorf("watch download dir: %w", err)
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return types.Photo{}, fmt.Errorf("watcher closed")
			}
			if !t.isNewShot(ev, existing, start) {
				continue
			}
			debug.Verbose("Camera: tether delivered %s", ev.Name)
			return types.Photo{
				ID:      uuid.NewString(),
				Path:    ev.Name,
				Lens:    t.Lens(),
				TakenAt: time.Now(),
			}, nil
		}
	}
}

// listDownloads returns the names already present in DownloadDir. Events
// for these names are left over from earlier shots (e.g. the JPEG half of
// a RAW+JPEG pair) and never count as a new capture.
func (t *GPIOTether) listDownloads() (map[string]struct{}, error) {
	entries, err := os.ReadDir(t.cfg.DownloadDir)
	if err != nil {
		return nil, fmt.Errorf("list download dir: %w", err)
	}
	names := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		names[e.Name()] = struct{}{}
	}
	return names, nil
}

func (t *GPIOTether) isNewShot(ev fsnotify.Event, existing map[string]struct{}, start time.Time) bool {
	name := filepath.Base(ev.Name)
	if !ev.Has(fsnotify.Create) || !isImageFile(name) || strings.HasPrefix(name, ".") {
		return false
	}
	if _, ok := existing[name]; ok {
		return false
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		// Gone already.
		return false
	}
	return !info.ModTime().Before(start)
}

// trigger runs FOCUS -> wait for AF -> SHUTTER -> hold -> release.
func (t *GPIOTether) trigger() error {
	debug.Printf("Camera: triggering shot (focus=%d, shutter=%d)", t.cfg.FocusPin, t.cfg.ShutterPin)

	if err := t.gpio.WritePin(t.cfg.FocusPin, gpio.Low); err != nil {
		return err
	}
	time.Sleep(t.cfg.FocusDelay)

	if err := t.gpio.WritePin(t.cfg.ShutterPin, gpio.Low); err != nil {
		// Release FOCUS on error
		_ = t.gpio.WritePin(t.cfg.FocusPin, gpio.High)
		return err
	}
	time.Sleep(t.cfg.ShutterDelay)

	return multierr.Combine(
		t.gpio.WritePin(t.cfg.ShutterPin, gpio.High),
		t.gpio.WritePin(t.cfg.FocusPin, gpio.High),
	)
}

// SetLens turns the mount around when the lens changes.
func (t *GPIOTether) SetLens(lens types.Lens) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lens == t.lens {
		return nil
	}
	if t.turntable == nil {
		return fmt.Errorf("%w: %s (no turntable)", ErrLensUnsupported, lens)
	}
	// Alternate direction so the camera cable never winds up.
	deg := 180.0
	if lens == types.LensBack {
		deg = -180.0
	}
	if err := t.turntable.Rotate(deg); err != nil {
		return fmt.Errorf("rotate turntable: %w", err)
	}
	t.lens = lens
	return nil
}

func (t *GPIOTether) Lens() types.Lens {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lens
}

// Close releases the remote lines and stops watching.
func (t *GPIOTether) Close() error {
	return multierr.Combine(
		t.gpio.WritePin(t.cfg.ShutterPin, gpio.High),
		t.gpio.WritePin(t.cfg.FocusPin, gpio.High),
		t.watcher.Close(),
	)
}
