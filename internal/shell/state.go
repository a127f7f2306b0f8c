package shell

import (
	"time"

	"github.com/cjeanneret/SnapDog/internal/detector"
	"github.com/cjeanneret/SnapDog/internal/logic/debounce"
	"github.com/cjeanneret/SnapDog/internal/permission"
	"github.com/cjeanneret/SnapDog/internal/types"
)

// Overlay messages shown on top of the preview.
const (
	MessageRequesting = "Requesting permissions..."
	MessageDenied     = "No access to camera"
	MessageProcessing = "Processing..."
)

// State is the application state rendered by the UI. It is only changed
// by the event loop; readers get copies.
type State struct {
	Permission permission.Status `json:"permission"`
	Capture    debounce.State    `json:"capture"`
	Phase      debounce.Phase    `json:"phase"`
	Lens       types.Lens        `json:"lens"`
	LastPhoto  *types.PhotoRef   `json:"last_photo,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
	Message    string            `json:"message"`

	Decisions     debounce.Stats `json:"decisions"`
	Detector      detector.Stats `json:"detector"`
	FramesSeen    uint64         `json:"frames_seen"`
	FramesDropped uint64         `json:"frames_dropped"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Processing reports whether a capture or its cooldown is under way.
func (s State) Processing() bool {
	return s.Capture == debounce.Processing
}

// overlay picks the message for the current state. Permission wins over
// processing.
func overlay(s State) string {
	switch s.Permission {
	case permission.Unknown:
		return MessageRequesting
	case permission.Denied:
		return MessageDenied
	}
	if s.Processing() {
		return MessageProcessing
	}
	return ""
}

// sameView reports whether two states render identically, ignoring counters.
func sameView(a, b State) bool {
	return a.Permission == b.Permission &&
		a.Capture == b.Capture &&
		a.Phase == b.Phase &&
		a.Lens == b.Lens &&
		a.LastPhoto == b.LastPhoto &&
		a.LastError == b.LastError
}

// EventType classifies notifications sent to listeners.
type EventType string

const (
	EventState         EventType = "state"
	EventCaptured      EventType = "captured"
	EventCaptureFailed EventType = "capture_failed"
)

// Event is a notification from the event loop.
type Event struct {
	Type  EventType       `json:"type"`
	Time  time.Time       `json:"time"`
	State State           `json:"state"`
	Photo *types.PhotoRef `json:"photo,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Listener receives events on the loop goroutine and must not block.
type Listener func(Event)
