package detector

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/cjeanneret/SnapDog/internal/types"
)

// Settings configures the external detector.
type Settings struct {
	Mode            string        // "fast" or "accurate"
	Landmarks       string        // "none" or "all"
	Classifications string        // "none" or "all"
	MinInterval     time.Duration // minimum delay between two delivered frames
	Tracking        bool          // ask the detector for stable face ids
}

// DefaultSettings returns a fast, landmark-free configuration at 10 frames per second.
func DefaultSettings() Settings {
	return Settings{
		Mode:            "fast",
		Landmarks:       "none",
		Classifications: "none",
		MinInterval:     100 * time.Millisecond,
		Tracking:        true,
	}
}

// Validate checks the settings values.
func (s Settings) Validate() error {
	if s.Mode != "fast" && s.Mode != "accurate" {
		return fmt.Errorf("detector mode must be fast or accurate, got %q", s.Mode)
	}
	if s.Landmarks != "none" && s.Landmarks != "all" {
		return fmt.Errorf("detector landmarks must be none or all, got %q", s.Landmarks)
	}
	if s.Classifications != "none" && s.Classifications != "all" {
		return fmt.Errorf("detector classifications must be none or all, got %q", s.Classifications)
	}
	if s.MinInterval < 0 {
		return fmt.Errorf("detector min interval must be >= 0, got %v", s.MinInterval)
	}
	return nil
}

func (s Settings) message(lens types.Lens) settingsMessage {
	return settingsMessage{
		Type:            "settings",
		Mode:            s.Mode,
		Landmarks:       s.Landmarks,
		Classifications: s.Classifications,
		MinIntervalMs:   s.MinInterval.Milliseconds(),
		Tracking:        s.Tracking,
		Lens:            string(lens),
	}
}

// Throttle drops frames that arrive sooner than the minimum interval after
// the previously delivered one.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle creates a throttle. A non-positive interval lets every frame through.
func NewThrottle(minInterval time.Duration) *Throttle {
	if minInterval <= 0 {
		return &Throttle{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Every(minInterval), 1)}
}

// Allow reports whether a frame arriving at now may be delivered.
func (t *Throttle) Allow(now time.Time) bool {
	return t.limiter.AllowN(now, 1)
}
