package decision

import (
	"math"

	"github.com/cjeanneret/SnapDog/internal/types"
)

const (
	// DefaultMaxYawDeg is the largest |yaw| still considered "looking at the camera".
	DefaultMaxYawDeg = 10.0
	// DefaultMinAspectRatio is the width/height ratio a box must exceed to look like an animal face.
	DefaultMinAspectRatio = 1.2
)

// Rule decides whether a detected face should trigger a capture.
// Both comparisons are strict.
type Rule struct {
	MaxYawDeg      float64
	MinAspectRatio float64
}

// DefaultRule returns the rule with the default thresholds.
func DefaultRule() Rule {
	return Rule{
		MaxYawDeg:      DefaultMaxYawDeg,
		MinAspectRatio: DefaultMinAspectRatio,
	}
}

// Qualifies reports whether a single face satisfies the rule.
// A non-positive or non-finite box height never qualifies.
func (r Rule) Qualifies(f types.Face) bool {
	if !(math.Abs(f.YawAngle) < r.MaxYawDeg) {
		return false
	}
	return AspectRatio(f.Bounds.Size) > r.MinAspectRatio
}

// Select returns the index of the first qualifying face in delivery order.
func (r Rule) Select(faces []types.Face) (int, bool) {
	for i, f := range faces {
		if r.Qualifies(f) {
			return i, true
		}
	}
	return -1, false
}

// AspectRatio returns width/height, or 0 when the ratio is undefined.
func AspectRatio(s types.Size) float64 {
	if !(s.Height > 0) || math.IsInf(s.Height, 0) {
		return 0
	}
	ratio := s.Width / s.Height
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return 0
	}
	return ratio
}
