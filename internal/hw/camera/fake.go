package camera

import (
	"context"
	"fmt"
	"image/color"
	"path/filepath"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/cjeanneret/SnapDog/internal/debug"
	"github.com/cjeanneret/SnapDog/internal/types"
)

// Fake is a development camera that writes a solid-colour JPEG per capture.
// The colour tells the lenses apart.
type Fake struct {
	width, height int
	spoolDir      string

	mu   sync.Mutex
	lens types.Lens
}

// NewFake creates a fake camera writing width x height images into spoolDir.
func NewFake(width, height int, spoolDir string, lens types.Lens) (*Fake, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("fake camera size must be positive, got %dx%d", width, height)
	}
	if err := ensureSpool(spoolDir); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	if lens == "" {
		lens = types.LensBack
	}
	return &Fake{width: width, height: height, spoolDir: spoolDir, lens: lens}, nil
}

func (f *Fake) Capture(ctx context.Context) (types.Photo, error) {
	if err := ctx.Err(); err != nil {
		return types.Photo{}, err
	}
	lens := f.Lens()

	fill := color.NRGBA{R: 200, G: 140, B: 60, A: 255}
	if lens == types.LensFront {
		fill = color.NRGBA{R: 60, G: 120, B: 200, A: 255}
	}
	img := imaging.New(f.width, f.height, fill)

	id := uuid.NewString()
	path := filepath.Join(f.spoolDir, "fake-"+id+".jpg")
	if err := imaging.Save(img, path, imaging.JPEGQuality(85)); err != nil {
		return types.Photo{}, fmt.Errorf("write fake image: %w", err)
	}
	debug.Verbose("Camera: fake capture %s (%s lens)", path, lens)
	return types.Photo{ID: id, Path: path, Lens: lens, TakenAt: time.Now()}, nil
}

func (f *Fake) SetLens(lens types.Lens) error {
	f.mu.Lock()
	f.lens = lens
	f.mu.Unlock()
	return nil
}

func (f *Fake) Lens() types.Lens {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lens
}

func (f *Fake) Close() error { return nil }
