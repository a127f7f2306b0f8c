package permission

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/multierr"

	"github.com/cjeanneret/SnapDog/internal/debug"
)

// Status is the outcome of the startup permission check.
type Status int

const (
	Unknown Status = iota // not resolved yet
	Denied
	Granted
)

func (s Status) String() string {
	switch s {
	case Denied:
		return "denied"
	case Granted:
		return "granted"
	default:
		return "unknown"
	}
}

// MarshalText renders the status as its name in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Probe checks one resource the application needs.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// DeviceProbe checks that a device node (e.g. /dev/video0) can be opened for reading.
func DeviceProbe(path string) Probe {
	return Probe{
		Name: "camera device " + path,
		Check: func(context.Context) error {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			return f.Close()
		},
	}
}

// ExecutableProbe checks that a capture program is installed.
func ExecutableProbe(name string) Probe {
	return Probe{
		Name: "camera program " + name,
		Check: func(context.Context) error {
			_, err := exec.LookPath(name)
			return err
		},
	}
}

// DirProbe checks that dir exists (creating it if needed) and is writable.
func DirProbe(label, dir string) Probe {
	return Probe{
		Name: label + " " + dir,
		Check: func(context.Context) error {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			f, err := os.CreateTemp(dir, ".snapdog-probe-*")
			if err != nil {
				return err
			}
			name := f.Name()
			return multierr.Combine(f.Close(), os.Remove(name))
		},
	}
}

// Gate resolves once whether the camera and the media library are usable.
// It never re-checks: a denial is final for the session.
type Gate struct {
	probes []Probe
}

func NewGate(probes ...Probe) *Gate {
	return &Gate{probes: probes}
}

// Resolve runs every probe. The result is Granted only when all pass; the
// error then lists every failing probe. A cancelled ctx leaves the status
// Unknown.
func (g *Gate) Resolve(ctx context.Context) (Status, error) {
	var errs error
	for _, p := range g.probes {
		if err := ctx.Err(); err != nil {
			return Unknown, err
		}
		if err := p.Check(ctx); err != nil {
			debug.Info("Permission check failed: %s: %v", p.Name, err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", p.Name, err))
			continue
		}
		debug.Verbose("Permission check ok: %s", p.Name)
	}
	if errs != nil {
		return Denied, errs
	}
	return Granted, nil
}
