package detector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/cjeanneret/SnapDog/internal/debug"
	"github.com/cjeanneret/SnapDog/internal/types"
)

// Handler receives every frame that passes the throttle, in delivery order.
type Handler func(types.Frame)

// Config describes how to start the detector process.
type Config struct {
	Command       []string // argv
	Settings      Settings
	Lens          types.Lens // initial lens, sent with the settings
	MaxFrameBytes int
	StopTimeout   time.Duration // grace period between interrupt and kill
}

// Stats counts frames seen by the consumer.
type Stats struct {
	Received  uint64 `json:"received"`
	Throttled uint64 `json:"throttled"`
	Delivered uint64 `json:"delivered"`
}

// Process runs an external face detector and streams its frames to a Handler.
//
// The detector reads length-prefixed msgpack control messages on stdin and
// writes length-prefixed msgpack frames on stdout. Its stderr is logged.
type Process struct {
	cfg Config

	mu    sync.Mutex
	stdin io.WriteCloser // nil while not running
	lens  types.Lens

	received  atomic.Uint64
	throttled atomic.Uint64
	delivered atomic.Uint64
}

// NewProcess validates cfg and returns a detector that is not yet running.
// Zero Settings mean DefaultSettings.
func NewProcess(cfg Config) (*Process, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("detector command is required")
	}
	if cfg.Settings == (Settings{}) {
		cfg.Settings = DefaultSettings()
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	if cfg.Lens == "" {
		cfg.Lens = types.LensBack
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	return &Process{cfg: cfg, lens: cfg.Lens}, nil
}

// Stats returns a snapshot of the frame counters.
func (p *Process) Stats() Stats {
	return Stats{
		Received:  p.received.Load(),
		Throttled: p.throttled.Load(),
		Delivered: p.delivered.Load(),
	}
}

// SetLens tells the detector which lens feeds it. When the detector is not
// running the lens is remembered and sent with the next settings handshake.
func (p *Process) SetLens(lens types.Lens) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lens = lens
	if p.stdin == nil {
		return nil
	}
	return WriteMessage(p.stdin, commandMessage{
		Type:    "command",
		Command: "set_lens",
		Params:  map[string]string{"lens": string(lens)},
	})
}

// Run starts the detector and blocks until it exits or ctx is cancelled.
// Cancellation is not an error.
func (p *Process) Run(ctx context.Context, handle Handler) error {
	argv := p.cfg.Command
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = p.cfg.StopTimeout

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("detector stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("detector stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("detector stderr pipe: %w", err)
	}

	debug.Info("Starting face detector: %s", strings.Join(argv, " "))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start detector: %w", err)
	}

	p.mu.Lock()
	p.stdin = stdin
	handshake := WriteMessage(stdin, p.cfg.Settings.message(p.lens))
	p.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logStderr(stderr)
	}()

	if handshake != nil {
		// Detectors that ignore stdin may exit before reading it.
		debug.Warn("Sending detector settings failed: %v", handshake)
	}
	consumeErr := p.Consume(ctx, stdout, handle)

	p.mu.Lock()
	p.stdin = nil
	closeErr := stdin.Close()
	p.mu.Unlock()

	if consumeErr != nil && cmd.Process != nil {
		// Unblock a detector stuck writing to a pipe nobody reads anymore.
		_ = cmd.Process.Kill()
	}
	waitErr := cmd.Wait()
	wg.Wait()

	if ctx.Err() != nil {
		debug.Verbose("Face detector stopped: %v", ctx.Err())
		return nil
	}
	if errors.Is(closeErr, os.ErrClosed) {
		closeErr = nil
	}
	if err := multierr.Combine(consumeErr, waitErr, closeErr); err != nil {
		return fmt.Errorf("detector exited: %w", err)
	}
	return fmt.Errorf("detector exited")
}

// Consume reads frames from r until EOF or ctx is cancelled, applying the
// minimum detection interval before calling handle.
func (p *Process) Consume(ctx context.Context, r io.Reader, handle Handler) error {
	reader := NewReader(r, p.cfg.MaxFrameBytes)
	throttle := NewThrottle(p.cfg.Settings.MinInterval)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		frame, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		p.received.Add(1)
		if !throttle.Allow(time.Now()) {
			p.throttled.Add(1)
			continue
		}
		p.delivered.Add(1)
		debug.Trace("Detector frame seq=%d faces=%d", frame.Seq, len(frame.Faces))
		handle(frame)
	}
}

// logStderr forwards detector log lines, keeping their severity where it
// can be recognized.
func logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			debug.Info("detector: %s", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			debug.Warn("detector: %s", line)
		default:
			debug.Verbose("detector: %s", line)
		}
	}
}
