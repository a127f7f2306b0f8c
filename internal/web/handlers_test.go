package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/disintegration/imaging"

	"github.com/cjeanneret/SnapDog/internal/permission"
	"github.com/cjeanneret/SnapDog/internal/shell"
	"github.com/cjeanneret/SnapDog/internal/types"
)

// fakeApp is a canned App.
type fakeApp struct {
	mu    sync.Mutex
	state shell.State
	flip  func(ctx context.Context) (types.Lens, error)
}

func (a *fakeApp) State() shell.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *fakeApp) FlipLens(ctx context.Context) (types.Lens, error) {
	if a.flip == nil {
		return types.LensFront, nil
	}
	return a.flip(ctx)
}

// ---------- Handler helpers ----------

func newTestHandlers(app App) *Handlers {
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>test</html>")},
	}
	return NewHandlers(
		NewStatusBroadcaster(),
		app,
		TriggerConfig{
			MaxYawDeg:      10,
			MinAspectRatio: 1.2,
			CooldownMs:     2000,
		},
		100,
		staticFS,
	)
}

func grantedApp() *fakeApp {
	return &fakeApp{state: shell.State{Permission: permission.Granted, Lens: types.LensBack}}
}

func withPhoto(t *testing.T, app *fakeApp) types.PhotoRef {
	t.Helper()
	path := filepath.Join(t.TempDir(), "IMG_20250101_120000_p1.jpg")
	img := imaging.New(200, 150, color.NRGBA{R: 10, G: 200, B: 90, A: 255})
	if err := imaging.Save(img, path); err != nil {
		t.Fatal(err)
	}
	ref := types.PhotoRef{ID: "p1", URI: "file://" + path, Path: path}
	app.mu.Lock()
	app.state.LastPhoto = &ref
	app.mu.Unlock()
	return ref
}

func postFlip(h *Handlers) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/lens/flip", nil)
	w := httptest.NewRecorder()
	h.HandleFlipLens(w, req)
	return w
}

// ---------- HandleFlipLens ----------

func TestHandleFlipLens_OK(t *testing.T) {
	h := newTestHandlers(grantedApp())
	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()
	w := postFlip(h)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["lens"] != "front" {
		t.Errorf("lens = %q, want front", resp["lens"])
	}
	select {
	case msg := <-ch:
		if !strings.Contains(msg, "Lens: front") {
			t.Errorf("broadcast = %s, want the new lens", msg)
		}
	default:
		t.Error("expected a lens broadcast")
	}
}

func TestHandleFlipLens_Errors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not permitted", shell.ErrNotPermitted, http.StatusForbidden},
		{"busy", shell.ErrBusy, http.StatusConflict},
		{"camera error", fmt.Errorf("switch camera: %w", errors.New("no front camera")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := grantedApp()
			app.flip = func(context.Context) (types.Lens, error) { return types.LensBack, tc.err }
			w := postFlip(newTestHandlers(app))
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestHandleFlipLens_GetMethodNotAllowed(t *testing.T) {
	h := newTestHandlers(grantedApp())
	req := httptest.NewRequest(http.MethodGet, "/lens/flip", nil)
	w := httptest.NewRecorder()

	h.HandleFlipLens(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleFlipLens_NilApp(t *testing.T) {
	w := postFlip(newTestHandlers(nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleFlipLens_ConcurrentFlip(t *testing.T) {
	started := make(chan struct{})
	blocking := make(chan struct{})
	app := grantedApp()
	app.flip = func(context.Context) (types.Lens, error) {
		close(started)
		<-blocking
		return types.LensFront, nil
	}
	h := newTestHandlers(app)

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- postFlip(h) }()
	<-started

	// Second request while the turntable is still moving
	w2 := postFlip(h)
	if w2.Code != http.StatusConflict {
		t.Errorf("concurrent request: status = %d, want %d", w2.Code, http.StatusConflict)
	}

	close(blocking)
	if w1 := <-done; w1.Code != http.StatusOK {
		t.Errorf("first request: status = %d, want %d", w1.Code, http.StatusOK)
	}
}

func TestHandleFlipLens_RateLimiting(t *testing.T) {
	h := newTestHandlers(grantedApp())

	if w1 := postFlip(h); w1.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want %d", w1.Code, http.StatusOK)
	}
	// Second request within flipInterval should be rate-limited
	if w2 := postFlip(h); w2.Code != http.StatusTooManyRequests {
		t.Errorf("rate-limited request: status = %d, want %d", w2.Code, http.StatusTooManyRequests)
	}
}

// ---------- HandleConfig / HandleState ----------

func TestHandleConfig(t *testing.T) {
	h := newTestHandlers(grantedApp())
	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	w := httptest.NewRecorder()

	h.HandleConfig(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var tc TriggerConfig
	if err := json.NewDecoder(w.Body).Decode(&tc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tc.MaxYawDeg != 10 || tc.MinAspectRatio != 1.2 || tc.CooldownMs != 2000 {
		t.Errorf("config = %+v", tc)
	}
}

func TestHandleState(t *testing.T) {
	app := grantedApp()
	h := newTestHandlers(app)
	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	w := httptest.NewRecorder()

	h.HandleState(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var st map[string]any
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st["permission"] != "granted" || st["capture"] != "idle" || st["lens"] != "back" {
		t.Errorf("state = %v", st)
	}
	if _, ok := st["last_photo"]; ok {
		t.Error("last_photo should be omitted when there is none")
	}
	det, ok := st["detector"].(map[string]any)
	if !ok {
		t.Fatalf("detector counters missing: %v", st)
	}
	for _, k := range []string{"received", "throttled", "delivered"} {
		if _, ok := det[k]; !ok {
			t.Errorf("detector.%s missing: %v", k, det)
		}
	}
}

// ---------- Last photo ----------

func TestHandleLastPhoto_NoneYet(t *testing.T) {
	h := newTestHandlers(grantedApp())
	for _, path := range []string{"/photos/last", "/photos/last/thumbnail"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		if path == "/photos/last" {
			h.HandleLastPhoto(w, req)
		} else {
			h.HandleLastThumbnail(w, req)
		}
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want %d", path, w.Code, http.StatusNotFound)
		}
	}
}

func TestHandleLastPhoto(t *testing.T) {
	app := grantedApp()
	ref := withPhoto(t, app)
	h := newTestHandlers(app)

	req := httptest.NewRequest(http.MethodGet, "/photos/last", nil)
	w := httptest.NewRecorder()
	h.HandleLastPhoto(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	want, _ := os.ReadFile(ref.Path)
	if w.Body.Len() != len(want) {
		t.Errorf("body = %d bytes, want %d", w.Body.Len(), len(want))
	}
}

func TestHandleLastThumbnail(t *testing.T) {
	app := grantedApp()
	withPhoto(t, app)
	h := newTestHandlers(app)

	req := httptest.NewRequest(http.MethodGet, "/photos/last/thumbnail", nil)
	w := httptest.NewRecorder()
	h.HandleLastThumbnail(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q, want image/jpeg", ct)
	}
	img, _, err := image.Decode(w.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 100 || b.Dy() != 100 {
		t.Errorf("thumbnail = %dx%d, want 100x100", b.Dx(), b.Dy())
	}
}

// ---------- ServeIndex ----------

func TestServeIndex(t *testing.T) {
	h := newTestHandlers(grantedApp())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	h.ServeIndex(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("body should contain HTML content")
	}
}

// ---------- Server ----------

func TestServer_Routes(t *testing.T) {
	app := grantedApp()
	srv, err := NewServer(":0", NewStatusBroadcaster(), app, Options{ThumbnailSize: 100})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/", http.StatusOK},
		{http.MethodGet, "/state", http.StatusOK},
		{http.MethodGet, "/config", http.StatusOK},
		{http.MethodGet, "/static/app.js", http.StatusOK},
		{http.MethodGet, "/photos/last", http.StatusNotFound},
		{http.MethodGet, "/lens/flip", http.StatusMethodNotAllowed},
		{http.MethodPost, "/lens/flip", http.StatusOK},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(tc.method, ts.URL+tc.path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tc.method, tc.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%s %s: status = %d, want %d", tc.method, tc.path, resp.StatusCode, tc.want)
		}
	}
}

func TestServer_CORS(t *testing.T) {
	srv, err := NewServer(":0", NewStatusBroadcaster(), grantedApp(), Options{AllowedOrigins: []string{"http://kiosk.local"}})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	for origin, allowed := range map[string]bool{"http://kiosk.local": true, "http://evil.example": false} {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/state", nil)
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		got := resp.Header.Get("Access-Control-Allow-Origin") == origin
		if got != allowed {
			t.Errorf("origin %s allowed = %v, want %v", origin, got, allowed)
		}
	}
}

func TestHandleStatusStream_InitialState(t *testing.T) {
	app := grantedApp()
	srv, err := NewServer(":0", NewStatusBroadcaster(), app, Options{})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/status/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt StatusEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt.Type != "state" || len(evt.Data) == 0 {
			t.Errorf("first event = %+v, want state snapshot", evt)
		}
		return
	}
	t.Fatalf("no data line received: %v", scanner.Err())
}
