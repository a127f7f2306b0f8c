package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/SnapDog/internal/debug"
	"github.com/cjeanneret/SnapDog/internal/types"
)

var (
	// ErrCapture marks a failure to obtain a still from the camera.
	ErrCapture = errors.New("capture failed")
	// ErrPersist marks a failure to save a captured still to the library.
	ErrPersist = errors.New("persist failed")
)

// Capturer takes one still image.
type Capturer interface {
	Capture(ctx context.Context) (types.Photo, error)
}

// Persister commits a still image to the media library.
type Persister interface {
	Save(ctx context.Context, p types.Photo) (types.PhotoRef, error)
}

// Executor runs one capture: take a still, then save it.
type Executor struct {
	camera  Capturer
	library Persister
	timeout time.Duration
}

// NewExecutor returns an executor. timeout bounds the camera step; 0 = no bound.
func NewExecutor(c Capturer, l Persister, timeout time.Duration) *Executor {
	return &Executor{camera: c, library: l, timeout: timeout}
}

// Run captures and persists one photo and returns its library reference.
// Errors wrap ErrCapture or ErrPersist depending on the failing step.
func (e *Executor) Run(ctx context.Context) (types.PhotoRef, error) {
	debug.Step(1, "Capture still")
	captureCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		captureCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	photo, err := e.camera.Capture(captureCtx)
	if err != nil {
		return types.PhotoRef{}, fmt.Errorf("%w: %w", ErrCapture, err)
	}
	debug.Verbose("Captured %s (%s lens) at %s", photo.ID, photo.Lens, photo.Path)

	debug.Step(2, "Save to library")
	ref, err := e.library.Save(ctx, photo)
	if err != nil {
		return types.PhotoRef{}, fmt.Errorf("%w: %w", ErrPersist, err)
	}
	debug.Shot(ref.ID, ref.URI)
	return ref, nil
}
