package debounce

import "time"

// DefaultCooldown is the quiet period after a successful capture.
const DefaultCooldown = 2000 * time.Millisecond

// State is the externally visible capture state.
type State int

const (
	Idle State = iota
	Processing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Processing:
		return "processing"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Phase refines Processing into its two halves.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCapturing
	PhaseCoolingDown
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCapturing:
		return "capturing"
	case PhaseCoolingDown:
		return "cooling_down"
	default:
		return "unknown"
	}
}

// MarshalText renders the phase by name in JSON payloads.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Stats counts what the machine did with the decisions it was offered.
type Stats struct {
	Accepted   uint64 `json:"accepted"`
	Suppressed uint64 `json:"suppressed"`
	Succeeded  uint64 `json:"succeeded"`
	Failed     uint64 `json:"failed"`
}

// Machine guarantees at most one capture per cooldown window.
//
// It holds no lock and owns no timer: a single goroutine drives it and is
// responsible for calling Expire once the cooldown returned by Complete
// has elapsed.
type Machine struct {
	cooldown time.Duration
	phase    Phase
	stats    Stats
}

// New creates an idle machine. A non-positive cooldown returns to Idle
// right after a successful capture.
func New(cooldown time.Duration) *Machine {
	return &Machine{cooldown: cooldown}
}

// Cooldown returns the configured cooldown window.
func (m *Machine) Cooldown() time.Duration { return m.cooldown }

// State returns Idle or Processing.
func (m *Machine) State() State {
	if m.phase == PhaseIdle {
		return Idle
	}
	return Processing
}

// Phase returns the detailed phase.
func (m *Machine) Phase() Phase { return m.phase }

// Stats returns a copy of the counters.
func (m *Machine) Stats() Stats { return m.stats }

// Offer feeds one decision into the machine. It returns true when the
// caller must start a capture; the machine is then Processing.
// Decisions offered while Processing are dropped.
func (m *Machine) Offer(qualifies bool) bool {
	if !qualifies {
		return false
	}
	if m.phase != PhaseIdle {
		m.stats.Suppressed++
		return false
	}
	m.phase = PhaseCapturing
	m.stats.Accepted++
	return true
}

// Complete reports the outcome of the capture started by Offer.
// On failure the machine is Idle again immediately. On success it enters
// the cooldown and Complete returns its length with arm set; the caller
// must call Expire after that delay.
func (m *Machine) Complete(err error) (cooldown time.Duration, arm bool) {
	if m.phase != PhaseCapturing {
		return 0, false
	}
	if err != nil {
		m.stats.Failed++
		m.phase = PhaseIdle
		return 0, false
	}
	m.stats.Succeeded++
	if m.cooldown <= 0 {
		m.phase = PhaseIdle
		return 0, false
	}
	m.phase = PhaseCoolingDown
	return m.cooldown, true
}

// Expire ends the cooldown. It reports whether the machine changed state.
func (m *Machine) Expire() bool {
	if m.phase != PhaseCoolingDown {
		return false
	}
	m.phase = PhaseIdle
	return true
}
