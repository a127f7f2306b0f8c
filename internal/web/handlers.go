package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cjeanneret/SnapDog/internal/debug"
	"github.com/cjeanneret/SnapDog/internal/media"
	"github.com/cjeanneret/SnapDog/internal/shell"
	"github.com/cjeanneret/SnapDog/internal/types"
)

// App is what the handlers need from the running application.
type App interface {
	State() shell.State
	FlipLens(ctx context.Context) (types.Lens, error)
}

// TriggerConfig holds the active capture thresholds (from config and flags).
type TriggerConfig struct {
	MaxYawDeg      float64 `json:"max_yaw_deg"`
	MinAspectRatio float64 `json:"min_aspect_ratio"`
	CooldownMs     int     `json:"cooldown_ms"`
}

// flipInterval is the minimum delay between two accepted lens flips.
const flipInterval = time.Second

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster   *StatusBroadcaster
	App           App
	Trigger       TriggerConfig
	ThumbnailSize int
	flipMu        sync.Mutex
	flipping      bool
	flipLimit     *rate.Limiter
	staticFS      fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If app is nil, POST /lens/flip and the state routes return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, app App, trigger TriggerConfig, thumbnailSize int, staticFS fs.FS) *Handlers {
	if thumbnailSize <= 0 {
		thumbnailSize = 100
	}
	return &Handlers{
		Broadcaster:   broadcaster,
		App:           app,
		Trigger:       trigger,
		ThumbnailSize: thumbnailSize,
		flipLimit:     rate.NewLimiter(rate.Every(flipInterval), 1),
		staticFS:      staticFS,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HandleConfig returns the capture thresholds as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Trigger)
}

// HandleState returns the current application state as JSON.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	if h.App == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.App.State())
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleFlipLens handles POST /lens/flip.
func (h *Handlers) HandleFlipLens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.App == nil {
		http.Error(w, "camera not configured", http.StatusServiceUnavailable)
		return
	}

	h.flipMu.Lock()
	if h.flipping {
		h.flipMu.Unlock()
		http.Error(w, "lens flip already in progress", http.StatusConflict)
		return
	}
	if !h.flipLimit.Allow() {
		h.flipMu.Unlock()
		http.Error(w, "too many lens flips", http.StatusTooManyRequests)
		return
	}
	h.flipping = true
	h.flipMu.Unlock()
	defer func() {
		h.flipMu.Lock()
		h.flipping = false
		h.flipMu.Unlock()
	}()

	lens, err := h.App.FlipLens(r.Context())
	switch {
	case errors.Is(err, shell.ErrNotPermitted):
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	case errors.Is(err, shell.ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		debug.Info("Lens flip failed: %v", err)
		h.Broadcaster.Broadcast("error", "Lens flip failed: "+err.Error())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.Broadcaster.BroadcastMsg("Lens: "+string(lens))
	writeJSON(w, http.StatusOK, map[string]string{"lens": string(lens)})
}

func (h *Handlers) lastPhoto(w http.ResponseWriter) (types.PhotoRef, bool) {
	if h.App == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return types.PhotoRef{}, false
	}
	ref := h.App.State().LastPhoto
	if ref == nil {
		http.Error(w, "no photo yet", http.StatusNotFound)
		return types.PhotoRef{}, false
	}
	return *ref, true
}

// HandleLastPhoto serves the last saved photo as stored in the library.
func (h *Handlers) HandleLastPhoto(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.lastPhoto(w)
	if !ok {
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, ref.Path)
}

// HandleLastThumbnail serves a small JPEG preview of the last saved photo.
func (h *Handlers) HandleLastThumbnail(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.lastPhoto(w)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := media.Thumbnail(&buf, ref, h.ThumbnailSize); err != nil {
		debug.Warn("Thumbnail for %s: %v", ref.ID, err)
		http.Error(w, "thumbnail unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(buf.Bytes())
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	// then the current state, so the page renders without polling
	if h.App != nil {
		ev := shell.Event{Type: shell.EventState, Time: time.Now(), State: h.App.State()}
		if data, err := json.Marshal(ev); err == nil {
			evt := eventMessage(ev, data)
			evt.Time = ev.Time.Format(time.RFC3339)
			if msg, err := json.Marshal(evt); err == nil {
				w.Write([]byte("data: " + string(msg) + "\n\n"))
			}
		}
	}
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
