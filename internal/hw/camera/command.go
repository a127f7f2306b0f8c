package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/SnapDog/internal/debug"
	"github.com/cjeanneret/SnapDog/internal/types"
)

// Command captures stills by running a capture CLI such as libcamera-still
// or fswebcam. Each lens has its own argv; "{output}" and "{lens}" in any
// argument are replaced before the command runs.
type Command struct {
	argv     map[types.Lens][]string
	spoolDir string

	mu   sync.Mutex
	lens types.Lens
}

// NewCommand creates a command camera. back is required, front may be empty.
func NewCommand(back, front []string, spoolDir string, lens types.Lens) (*Command, error) {
	if len(back) == 0 {
		return nil, fmt.Errorf("back camera command is required")
	}
	if err := ensureSpool(spoolDir); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	c := &Command{
		argv:     map[types.Lens][]string{types.LensBack: back},
		spoolDir: spoolDir,
		lens:     types.LensBack,
	}
	if len(front) > 0 {
		c.argv[types.LensFront] = front
	}
	if err := c.SetLens(lens); err != nil {
		return nil, err
	}
	return c, nil
}

// Capture runs the command for the current lens and returns the file it wrote.
func (c *Command) Capture(ctx context.Context) (types.Photo, error) {
	c.mu.Lock()
	lens := c.lens
	template := c.argv[lens]
	c.mu.Unlock()

	id := uuid.NewString()
	output := filepath.Join(c.spoolDir, "capture-"+id+".jpg")
	args := expandArgs(template, output, lens)

	debug.Verbose("Camera: running %s", strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return types.Photo{}, fmt.Errorf("capture command failed: %w: %s", err, msg)
		}
		return types.Photo{}, fmt.Errorf("capture command failed: %w", err)
	}

	info, err := os.Stat(output)
	if err != nil {
		return types.Photo{}, fmt.Errorf("capture command produced no image: %w", err)
	}
	if info.Size() == 0 {
		return types.Photo{}, fmt.Errorf("capture command produced an empty image: %s", output)
	}

	return types.Photo{ID: id, Path: output, Lens: lens, TakenAt: time.Now()}, nil
}

// SetLens selects the argv used by the next capture.
func (c *Command) SetLens(lens types.Lens) error {
	if _, ok := c.argv[lens]; !ok {
		return fmt.Errorf("%w: %s", ErrLensUnsupported, lens)
	}
	c.mu.Lock()
	c.lens = lens
	c.mu.Unlock()
	return nil
}

// Lens returns the current lens.
func (c *Command) Lens() types.Lens {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lens
}

// Close is a no-op; each capture is its own process.
func (c *Command) Close() error { return nil }

func expandArgs(template []string, output string, lens types.Lens) []string {
	r := strings.NewReplacer("{output}", output, "{lens}", string(lens))
	args := make([]string, len(template))
	for i, a := range template {
		args[i] = r.Replace(a)
	}
	return args
}
