package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/cjeanneret/SnapDog/internal/types"
)

// ErrLensUnsupported is returned by SetLens when the camera cannot switch to that lens.
var ErrLensUnsupported = errors.New("lens not supported by this camera")

// Camera is the high-level interface used by the rest of the application.
// It represents an abstract still camera, regardless of how it's controlled
// (capture CLI, GPIO remote, simulator, etc.).
type Camera interface {
	// Capture takes one still image and returns it as a spool file.
	Capture(ctx context.Context) (types.Photo, error)
	// SetLens selects the lens used by the next Capture.
	SetLens(lens types.Lens) error
	// Lens returns the current lens.
	Lens() types.Lens
	Close() error
}

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".nef":  true,
	".cr2":  true,
	".dng":  true,
}

func isImageFile(name string) bool {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

func ensureSpool(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
