package types

import (
	"fmt"
	"time"
)

// Lens selects the front or back camera.
type Lens string

const (
	LensBack  Lens = "back"
	LensFront Lens = "front"
)

// Flip returns the opposite lens.
func (l Lens) Flip() Lens {
	if l == LensFront {
		return LensBack
	}
	return LensFront
}

// ParseLens validates a lens name. An empty string means back.
func ParseLens(s string) (Lens, error) {
	switch Lens(s) {
	case "", LensBack:
		return LensBack, nil
	case LensFront:
		return LensFront, nil
	default:
		return "", fmt.Errorf("unknown lens %q (must be back or front)", s)
	}
}

// Photo is a still image produced by a camera but not yet saved.
// Path points to a spool file owned by the camera.
type Photo struct {
	ID      string    `json:"id"`
	Path    string    `json:"path"`
	Lens    Lens      `json:"lens"`
	TakenAt time.Time `json:"taken_at"`
}

// PhotoRef is the handle of a photo committed to the media library.
type PhotoRef struct {
	ID      string    `json:"id"`
	URI     string    `json:"uri"`
	Path    string    `json:"-"`
	SavedAt time.Time `json:"saved_at"`
}
