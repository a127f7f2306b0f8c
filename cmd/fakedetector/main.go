// Command fakedetector simulates a face detector for development.
//
// It speaks the detector protocol: control messages arrive on stdin,
// frames are written to stdout. The frames cycle through a fixed scene so
// every branch of the capture rule is exercised, ending with a dog looking
// straight at the camera.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cjeanneret/SnapDog/internal/detector"
	"github.com/cjeanneret/SnapDog/internal/types"
)

// scene lists the faces reported frame after frame.
var scene = [][]types.Face{
	nil, // nobody in view
	{{FaceID: 1, YawAngle: 25, Bounds: box(40, 30, 120, 90)}}, // turned away
	{{FaceID: 1, YawAngle: 2, Bounds: box(40, 30, 100, 100)}}, // square box
	{{FaceID: 1, YawAngle: 3, Bounds: box(40, 30, 120, 90)}},  // dog face
}

func box(x, y, w, h float64) types.Bounds {
	return types.Bounds{Origin: types.Point{X: x, Y: y}, Size: types.Size{Width: w, Height: h}}
}

func main() {
	interval := flag.Duration("interval", 200*time.Millisecond, "delay between two frames")
	flag.Parse()

	log.SetOutput(os.Stderr)
	log.SetFlags(0)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go readControl(os.Stdin, cancel)

	out := bufio.NewWriter(os.Stdout)
	if err := emit(ctx, out, *interval); err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
}

// readControl logs every control message until stdin is closed, which
// means the parent is gone.
func readControl(r io.Reader, stop context.CancelFunc) {
	defer stop()
	for {
		var msg map[string]any
		if err := detector.ReadMessage(r, 1<<16, &msg); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("[ERROR] read control message: %v", err)
			}
			return
		}
		log.Printf("[INFO] control message: %v", msg)
	}
}

func emit(ctx context.Context, w *bufio.Writer, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			seq++
			frame := types.Frame{
				Seq:       seq,
				Timestamp: now,
				Faces:     scene[int(seq-1)%len(scene)],
			}
			if err := detector.EncodeFrame(w, frame); err != nil {
				return fmt.Errorf("write frame %d: %w", seq, err)
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("flush frame %d: %w", seq, err)
			}
		}
	}
}
