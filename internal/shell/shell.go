package shell

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cjeanneret/SnapDog/internal/debug"
	"github.com/cjeanneret/SnapDog/internal/detector"
	"github.com/cjeanneret/SnapDog/internal/logic/capture"
	"github.com/cjeanneret/SnapDog/internal/logic/debounce"
	"github.com/cjeanneret/SnapDog/internal/logic/decision"
	"github.com/cjeanneret/SnapDog/internal/permission"
	"github.com/cjeanneret/SnapDog/internal/types"
)

var (
	// ErrNotPermitted is returned for user actions before permission is granted.
	ErrNotPermitted = errors.New("camera access not granted")
	// ErrBusy is returned for a lens flip while a capture is running.
	ErrBusy = errors.New("capture in progress")
)

const defaultInboxSize = 16

// Executor runs one capture and returns the saved photo.
type Executor interface {
	Run(ctx context.Context) (types.PhotoRef, error)
}

// LensSwitcher is anything that must follow the selected lens.
type LensSwitcher interface {
	SetLens(types.Lens) error
}

// Config holds the shell collaborators.
type Config struct {
	Rule          decision.Rule
	Cooldown      time.Duration
	Executor      Executor
	Camera        LensSwitcher
	Detector      LensSwitcher          // optional; errors are only logged
	DetectorStats func() detector.Stats // optional; reported in State
	Lens          types.Lens            // initial lens
	Clock         clock.Clock           // nil = wall clock
	Inbox         int                   // event queue size, 0 = default
}

// Shell owns the application state. Every transition happens on the
// goroutine running Run; other goroutines post events.
type Shell struct {
	rule          decision.Rule
	machine       *debounce.Machine
	executor      Executor
	camera        LensSwitcher
	detector      LensSwitcher
	detectorStats func() detector.Stats
	clock         clock.Clock

	events    chan any
	done      chan struct{}
	listeners []Listener
	captures  sync.WaitGroup

	// Owned by the loop goroutine.
	state    State
	cooldown *clock.Timer

	snapshot atomic.Pointer[State]
	dropped  atomic.Uint64
}

type faceEvent struct{ frame types.Frame }

type captureDone struct {
	ref types.PhotoRef
	err error
}

type cooldownExpired struct{}

type permissionEvent struct {
	status permission.Status
	err    error
}

type flipResult struct {
	lens types.Lens
	err  error
}

type flipRequest struct{ reply chan flipResult }

// New creates a shell in the Unknown permission state.
func New(cfg Config) (*Shell, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("shell: executor is required")
	}
	if cfg.Camera == nil {
		return nil, fmt.Errorf("shell: camera is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Inbox <= 0 {
		cfg.Inbox = defaultInboxSize
	}
	if cfg.Lens == "" {
		cfg.Lens = types.LensBack
	}
	s := &Shell{
		rule:          cfg.Rule,
		machine:       debounce.New(cfg.Cooldown),
		executor:      cfg.Executor,
		camera:        cfg.Camera,
		detector:      cfg.Detector,
		detectorStats: cfg.DetectorStats,
		clock:         cfg.Clock,
		events:        make(chan any, cfg.Inbox),
		done:          make(chan struct{}),
		state:         State{Permission: permission.Unknown, Lens: cfg.Lens},
	}
	s.state.Message = overlay(s.state)
	s.state.UpdatedAt = s.clock.Now()
	snap := s.state
	s.snapshot.Store(&snap)
	return s, nil
}

// Subscribe registers a listener. It must be called before Run.
func (s *Shell) Subscribe(l Listener) {
	s.listeners = append(s.listeners, l)
}

// State returns a copy of the latest state.
func (s *Shell) State() State {
	st := *s.snapshot.Load()
	st.FramesDropped = s.dropped.Load()
	if s.detectorStats != nil {
		st.Detector = s.detectorStats()
	}
	return st
}

// FacesDetected posts a detector frame. It never blocks: when the inbox
// is full the frame is dropped, since the next one is only a frame away.
func (s *Shell) FacesDetected(frame types.Frame) {
	select {
	case s.events <- faceEvent{frame: frame}:
	default:
		s.dropped.Add(1)
	}
}

// SetPermission records the outcome of the permission gate.
func (s *Shell) SetPermission(ctx context.Context, status permission.Status, err error) error {
	return s.post(ctx, permissionEvent{status: status, err: err})
}

// FlipLens switches between the back and front lens and returns the new one.
func (s *Shell) FlipLens(ctx context.Context) (types.Lens, error) {
	req := flipRequest{reply: make(chan flipResult, 1)}
	if err := s.post(ctx, req); err != nil {
		return "", err
	}
	select {
	case res := <-req.reply:
		return res.lens, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.done:
		return "", fmt.Errorf("shell stopped")
	}
}

func (s *Shell) post(ctx context.Context, ev any) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("shell stopped")
	}
}

// Run processes events until ctx is cancelled. An in-flight capture is
// not cancelled: Run waits for it before returning.
func (s *Shell) Run(ctx context.Context) error {
	debug.Verbose("Shell event loop started")
	defer func() {
		if s.cooldown != nil {
			s.cooldown.Stop()
		}
		close(s.done)
		s.captures.Wait()
		debug.Verbose("Shell event loop stopped")
	}()

	s.notify(EventState, nil, "")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			s.handle(ctx, ev)
		}
	}
}

func (s *Shell) handle(ctx context.Context, ev any) {
	before := s.state
	switch e := ev.(type) {
	case faceEvent:
		s.onFaces(ctx, e.frame)
	case captureDone:
		s.onCaptureDone(e)
	case cooldownExpired:
		if s.machine.Expire() {
			debug.Live("Cooldown over, ready for the next capture")
		}
	case permissionEvent:
		s.onPermission(e)
	case flipRequest:
		lens, err := s.onFlip()
		e.reply <- flipResult{lens: lens, err: err}
	}
	s.sync()
	if !sameView(before, s.state) {
		s.notify(EventState, nil, "")
	}
}

func (s *Shell) onFaces(ctx context.Context, frame types.Frame) {
	if s.state.Permission != permission.Granted {
		return
	}
	s.state.FramesSeen++
	idx, ok := s.rule.Select(frame.Faces)
	if ok {
		f := frame.Faces[idx]
		debug.Trace("Frame %d: face %d qualifies (yaw=%.1f, ratio=%.2f)",
			frame.Seq, idx, f.YawAngle, decision.AspectRatio(f.Bounds.Size))
	}
	if !s.machine.Offer(ok) {
		return
	}
	debug.Live("Qualifying face in frame %d, capturing", frame.Seq)
	s.startCapture(ctx)
}

func (s *Shell) startCapture(ctx context.Context) {
	runCtx := context.WithoutCancel(ctx)
	s.captures.Add(1)
	go func() {
		defer s.captures.Done()
		ref, err := s.executor.Run(runCtx)
		select {
		case s.events <- captureDone{ref: ref, err: err}:
		case <-s.done:
		}
	}()
}

func (s *Shell) onCaptureDone(e captureDone) {
	wait, arm := s.machine.Complete(e.err)
	if e.err != nil {
		kind := "capture"
		if errors.Is(e.err, capture.ErrPersist) {
			kind = "save"
		}
		debug.Info("Photo %s failed: %v", kind, e.err)
		s.state.LastError = e.err.Error()
		s.sync()
		s.notify(EventCaptureFailed, nil, e.err.Error())
		return
	}

	if arm {
		s.cooldown = s.clock.AfterFunc(wait, func() {
			select {
			case s.events <- cooldownExpired{}:
			case <-s.done:
			}
		})
	}
	ref := e.ref
	s.state.LastPhoto = &ref
	s.state.LastError = ""
	s.sync()
	s.notify(EventCaptured, &ref, "")
}

func (s *Shell) onPermission(e permissionEvent) {
	if s.state.Permission != permission.Unknown {
		return
	}
	s.state.Permission = e.status
	switch e.status {
	case permission.Granted:
		debug.Info("Camera and library access granted")
	case permission.Denied:
		debug.Info("Camera access denied: %v", e.err)
		if e.err != nil {
			s.state.LastError = e.err.Error()
		}
	}
}

func (s *Shell) onFlip() (types.Lens, error) {
	if s.state.Permission != permission.Granted {
		return s.state.Lens, ErrNotPermitted
	}
	if s.machine.Phase() == debounce.PhaseCapturing {
		return s.state.Lens, ErrBusy
	}
	next := s.state.Lens.Flip()
	if err := s.camera.SetLens(next); err != nil {
		return s.state.Lens, fmt.Errorf("switch camera to %s lens: %w", next, err)
	}
	if s.detector != nil {
		if err := s.detector.SetLens(next); err != nil {
			debug.Warn("Detector did not take the lens change: %v", err)
		}
	}
	s.state.Lens = next
	debug.Live("Lens switched to %s", next)
	return next, nil
}

// sync copies the machine into the state and publishes a snapshot.
func (s *Shell) sync() {
	s.state.Capture = s.machine.State()
	s.state.Phase = s.machine.Phase()
	s.state.Decisions = s.machine.Stats()
	s.state.Message = overlay(s.state)
	s.state.UpdatedAt = s.clock.Now()
	snap := s.state
	s.snapshot.Store(&snap)
}

func (s *Shell) notify(t EventType, photo *types.PhotoRef, errMsg string) {
	ev := Event{
		Type:  t,
		Time:  s.clock.Now(),
		State: s.State(),
		Photo: photo,
		Error: errMsg,
	}
	for _, l := range s.listeners {
		l(ev)
	}
}
