package media

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/cjeanneret/SnapDog/internal/debug"
	"github.com/cjeanneret/SnapDog/internal/types"
)

// Library is the shared photo library: a directory that receives every
// saved capture under a timestamped name.
type Library struct {
	dir string
	now func() time.Time
}

// NewLibrary returns a library rooted at dir. The directory is created
// on first save; access is checked by the permission gate.
func NewLibrary(dir string) (*Library, error) {
	if dir == "" {
		return nil, fmt.Errorf("library dir is required")
	}
	return &Library{dir: dir, now: time.Now}, nil
}

// Dir returns the library directory.
func (l *Library) Dir() string {
	return l.dir
}

// FileName returns the library name of a photo saved at t, e.g.
// IMG_20250101_120000_1a2b3c4d.jpg. The extension of src is kept.
func FileName(id string, t time.Time, src string) string {
	ext := strings.ToLower(filepath.Ext(src))
	if ext == "" {
		ext = ".jpg"
	}
	short := strings.ReplaceAll(id, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("IMG_%s_%s%s", t.Format("20060102_150405"), short, ext)
}

// Save copies the spool file of p into the library byte for byte and
// removes the spool file once the copy is durable.
func (l *Library) Save(ctx context.Context, p types.Photo) (types.PhotoRef, error) {
	if err := ctx.Err(); err != nil {
		return types.PhotoRef{}, err
	}
	if p.Path == "" {
		return types.PhotoRef{}, fmt.Errorf("photo %s has no file", p.ID)
	}

	src, err := os.Open(p.Path)
	if err != nil {
		return types.PhotoRef{}, fmt.Errorf("open capture: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return types.PhotoRef{}, fmt.Errorf("create library dir: %w", err)
	}
	savedAt := l.now()
	dst := filepath.Join(l.dir, FileName(p.ID, savedAt, p.Path))
	// Write under a hidden name first so watchers never see a partial file.
	tmp, err := os.CreateTemp(l.dir, ".saving-*")
	if err != nil {
		return types.PhotoRef{}, fmt.Errorf("create library file: %w", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return types.PhotoRef{}, fmt.Errorf("copy capture: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return types.PhotoRef{}, fmt.Errorf("sync library file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return types.PhotoRef{}, fmt.Errorf("close library file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return types.PhotoRef{}, fmt.Errorf("commit library file: %w", err)
	}

	if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
		debug.Warn("Could not remove spool file %s: %v", p.Path, err)
	}

	abs, err := filepath.Abs(dst)
	if err != nil {
		abs = dst
	}
	ref := types.PhotoRef{
		ID:      p.ID,
		URI:     (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(),
		Path:    dst,
		SavedAt: savedAt,
	}
	debug.Verbose("Saved %s to %s", p.ID, dst)
	return ref, nil
}

// Thumbnail writes a size x size JPEG thumbnail of ref to w.
func Thumbnail(w io.Writer, ref types.PhotoRef, size int) error {
	if size <= 0 {
		return fmt.Errorf("thumbnail size must be > 0, got %d", size)
	}
	img, err := imaging.Open(ref.Path, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("open photo: %w", err)
	}
	thumb := imaging.Thumbnail(img, size, size, imaging.Lanczos)
	if err := imaging.Encode(w, thumb, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	return nil
}
