package camera

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/cjeanneret/SnapDog/internal/hw/gpio"
	"github.com/cjeanneret/SnapDog/internal/types"
)

// recordingDriver records GPIO calls for verification.
type recordingDriver struct {
	calls   []gpioCall
	onWrite func(pin int, level gpio.Level)
}

type gpioCall struct {
	op    string
	pin   int
	level gpio.Level
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin})
	return nil
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	d.calls = append(d.calls, gpioCall{op: "write", pin: pin, level: level})
	if d.onWrite != nil {
		d.onWrite(pin, level)
	}
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error) {
	return gpio.Low, nil
}

func (d *recordingDriver) Close() error { return nil }

func (d *recordingDriver) writeCalls() []gpioCall {
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" {
			result = append(result, c)
		}
	}
	return result
}

type recordingRotator struct {
	degrees []float64
	err     error
}

func (r *recordingRotator) Rotate(deg float64) error {
	if r.err != nil {
		return r.err
	}
	r.degrees = append(r.degrees, deg)
	return nil
}

func newTether(t *testing.T, drv *recordingDriver, rot Rotator) (*GPIOTether, string) {
	t.Helper()
	dir := t.TempDir()
	cam, err := NewGPIOTether(drv, TetherConfig{
		FocusPin:     24,
		ShutterPin:   25,
		FocusDelay:   time.Microsecond,
		ShutterDelay: time.Microsecond,
		Timeout:      2 * time.Second,
		DownloadDir:  dir,
	}, rot)
	if err != nil {
		t.Fatalf("NewGPIOTether: %v", err)
	}
	t.Cleanup(func() { _ = cam.Close() })
	return cam, dir
}

// ---------- GPIOTether ----------

func TestGPIOTether_PinsInitializedHigh(t *testing.T) {
	drv := &recordingDriver{}
	newTether(t, drv, nil)

	focusHigh, shutterHigh := false, false
	for _, c := range drv.writeCalls() {
		if c.pin == 24 && c.level == gpio.High {
			focusHigh = true
		}
		if c.pin == 25 && c.level == gpio.High {
			shutterHigh = true
		}
	}
	if !focusHigh {
		t.Error("focus pin should be initialized to HIGH")
	}
	if !shutterHigh {
		t.Error("shutter pin should be initialized to HIGH")
	}
}

func TestGPIOTether_CaptureSequenceAndFile(t *testing.T) {
	drv := &recordingDriver{}
	cam, dir := newTether(t, drv, nil)
	drv.calls = nil // reset after init

	shot := filepath.Join(dir, "DSC_0001.JPG")
	drv.onWrite = func(pin int, level gpio.Level) {
		if pin == 25 && level == gpio.Low {
			if err := os.WriteFile(shot, []byte("jpeg"), 0o644); err != nil {
				t.Errorf("write shot: %v", err)
			}
		}
	}

	photo, err := cam.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if photo.Path != shot {
		t.Errorf("photo.Path = %q, want %q", photo.Path, shot)
	}
	if photo.ID == "" || photo.Lens != types.LensBack {
		t.Errorf("photo = %+v", photo)
	}

	expected := []struct {
		pin   int
		level gpio.Level
		desc  string
	}{
		{24, gpio.Low, "focus LOW (activate AF)"},
		{25, gpio.Low, "shutter LOW (trigger)"},
		{25, gpio.High, "shutter HIGH (release)"},
		{24, gpio.High, "focus HIGH (release)"},
	}
	writes := drv.writeCalls()
	if len(writes) != len(expected) {
		t.Fatalf("expected %d writes, got %d: %v", len(expected), len(writes), writes)
	}
	for i, exp := range expected {
		if writes[i].pin != exp.pin || writes[i].level != exp.level {
			t.Errorf("step %d (%s): pin=%d level=%v, want pin=%d level=%v",
				i, exp.desc, writes[i].pin, writes[i].level, exp.pin, exp.level)
		}
	}
}

func TestGPIOTether_IgnoresNonImagesAndHiddenFiles(t *testing.T) {
	drv := &recordingDriver{}
	cam, dir := newTether(t, drv, nil)

	shot := filepath.Join(dir, "DSC_0002.nef")
	drv.onWrite = func(pin int, level gpio.Level) {
		if pin == 25 && level == gpio.Low {
			_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)
			_ = os.WriteFile(filepath.Join(dir, ".partial.jpg"), []byte("x"), 0o644)
			_ = os.WriteFile(shot, []byte("raw"), 0o644)
		}
	}

	photo, err := cam.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if photo.Path != shot {
		t.Errorf("photo.Path = %q, want %q", photo.Path, shot)
	}
}

func TestGPIOTether_Timeout(t *testing.T) {
	drv := &recordingDriver{}
	cam, _ := newTether(t, drv, nil)
	cam.cfg.Timeout = 20 * time.Millisecond

	if _, err := cam.Capture(context.Background()); err == nil {
		t.Error("expected timeout error when no file arrives")
	}
}

func TestGPIOTether_RawJpegPairNotReusedByNextCapture(t *testing.T) {
	drv := &recordingDriver{}
	cam, dir := newTether(t, drv, nil)

	drv.onWrite = func(pin int, level gpio.Level) {
		if pin == 25 && level == gpio.Low {
			_ = os.WriteFile(filepath.Join(dir, "DSC_0001.NEF"), []byte("raw"), 0o644)
			_ = os.WriteFile(filepath.Join(dir, "DSC_0001.JPG"), []byte("jpeg"), 0o644)
		}
	}
	first, err := cam.Capture(context.Background())
	if err != nil {
		t.Fatalf("first Capture: %v", err)
	}
	if base := filepath.Base(first.Path); base != "DSC_0001.NEF" && base != "DSC_0001.JPG" {
		t.Fatalf("first photo = %q", first.Path)
	}

	// The camera delivers nothing this time.
	drv.onWrite = nil
	cam.cfg.Timeout = 150 * time.Millisecond
	photo, err := cam.Capture(context.Background())
	if err == nil {
		t.Fatalf("second capture returned %s, want timeout", filepath.Base(photo.Path))
	}
}

func TestGPIOTether_IgnoresFileOlderThanTrigger(t *testing.T) {
	drv := &recordingDriver{}
	cam, dir := newTether(t, drv, nil)
	cam.cfg.Timeout = 150 * time.Millisecond

	drv.onWrite = func(pin int, level gpio.Level) {
		if pin == 25 && level == gpio.Low {
			old := filepath.Join(dir, "DSC_0100.JPG")
			tmp := filepath.Join(dir, ".DSC_0100.JPG")
			hourAgo := time.Now().Add(-time.Hour)
			_ = os.WriteFile(tmp, []byte("jpeg"), 0o644)
			_ = os.Chtimes(tmp, hourAgo, hourAgo)
			_ = os.Rename(tmp, old)
		}
	}
	if photo, err := cam.Capture(context.Background()); err == nil {
		t.Errorf("Capture returned %s, want timeout for a file older than the trigger", photo.Path)
	}
}

func TestGPIOTether_ContextCancelled(t *testing.T) {
	drv := &recordingDriver{}
	cam, _ := newTether(t, drv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := cam.Capture(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestGPIOTether_LensWithoutTurntable(t *testing.T) {
	cam, _ := newTether(t, &recordingDriver{}, nil)
	if err := cam.SetLens(types.LensBack); err != nil {
		t.Errorf("SetLens(back) = %v, want nil", err)
	}
	if err := cam.SetLens(types.LensFront); !errors.Is(err, ErrLensUnsupported) {
		t.Errorf("SetLens(front) = %v, want ErrLensUnsupported", err)
	}
	if cam.Lens() != types.LensBack {
		t.Errorf("lens = %q, want back", cam.Lens())
	}
}

func TestGPIOTether_LensFlipRotatesTurntable(t *testing.T) {
	rot := &recordingRotator{}
	cam, _ := newTether(t, &recordingDriver{}, rot)

	if err := cam.SetLens(types.LensFront); err != nil {
		t.Fatalf("SetLens(front): %v", err)
	}
	if err := cam.SetLens(types.LensBack); err != nil {
		t.Fatalf("SetLens(back): %v", err)
	}
	if len(rot.degrees) != 2 || rot.degrees[0] != 180 || rot.degrees[1] != -180 {
		t.Errorf("rotations = %v, want [180 -180]", rot.degrees)
	}
}

func TestGPIOTether_TurntableErrorKeepsLens(t *testing.T) {
	rot := &recordingRotator{err: errors.New("stalled")}
	cam, _ := newTether(t, &recordingDriver{}, rot)
	if err := cam.SetLens(types.LensFront); err == nil {
		t.Fatal("expected rotate error")
	}
	if cam.Lens() != types.LensBack {
		t.Errorf("lens = %q, want back after failed rotation", cam.Lens())
	}
}

func TestGPIOTether_ImplementsCamera(t *testing.T) {
	cam, _ := newTether(t, &recordingDriver{}, nil)
	var _ Camera = cam // compile-time check
}

// ---------- Command ----------

func TestCommand_Capture(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	spool := t.TempDir()
	cam, err := NewCommand(
		[]string{sh, "-c", "printf back > {output}"},
		[]string{sh, "-c", "printf {lens} > {output}"},
		spool, types.LensBack,
	)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}

	photo, err := cam.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if filepath.Dir(photo.Path) != spool {
		t.Errorf("photo written to %q, want spool %q", photo.Path, spool)
	}
	data, _ := os.ReadFile(photo.Path)
	if string(data) != "back" {
		t.Errorf("content = %q, want back", data)
	}

	if err := cam.SetLens(types.LensFront); err != nil {
		t.Fatalf("SetLens: %v", err)
	}
	photo, err = cam.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture front: %v", err)
	}
	data, _ = os.ReadFile(photo.Path)
	if string(data) != "front" || photo.Lens != types.LensFront {
		t.Errorf("front capture = %q (lens %q)", data, photo.Lens)
	}
}

func TestCommand_Failure(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	cam, err := NewCommand([]string{sh, "-c", "echo busy >&2; exit 3"}, nil, t.TempDir(), types.LensBack)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cam.Capture(context.Background()); err == nil {
		t.Error("expected error from failing command")
	}
}

func TestCommand_NoOutputFile(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	cam, err := NewCommand([]string{sh, "-c", "true"}, nil, t.TempDir(), types.LensBack)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cam.Capture(context.Background()); err == nil {
		t.Error("expected error when command writes nothing")
	}
}

func TestCommand_FrontUnsupported(t *testing.T) {
	cam, err := NewCommand([]string{"true"}, nil, t.TempDir(), types.LensBack)
	if err != nil {
		t.Fatal(err)
	}
	if err := cam.SetLens(types.LensFront); !errors.Is(err, ErrLensUnsupported) {
		t.Errorf("SetLens(front) = %v, want ErrLensUnsupported", err)
	}
	if _, err := NewCommand(nil, nil, t.TempDir(), types.LensBack); err == nil {
		t.Error("expected error without back command")
	}
}

func TestExpandArgs(t *testing.T) {
	got := expandArgs([]string{"cap", "--lens={lens}", "-o", "{output}"}, "/s/x.jpg", types.LensFront)
	want := []string{"cap", "--lens=front", "-o", "/s/x.jpg"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg %d = %q, want %q", i, got[i], want[i])
		}
	}
}

// ---------- Fake ----------

func TestFake_CaptureWritesImage(t *testing.T) {
	cam, err := NewFake(32, 24, t.TempDir(), types.LensFront)
	if err != nil {
		t.Fatal(err)
	}
	photo, err := cam.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	info, err := os.Stat(photo.Path)
	if err != nil || info.Size() == 0 {
		t.Errorf("fake image missing or empty: %v", err)
	}
	if photo.Lens != types.LensFront {
		t.Errorf("lens = %q, want front", photo.Lens)
	}
}

func TestFake_InvalidSize(t *testing.T) {
	if _, err := NewFake(0, 10, t.TempDir(), types.LensBack); err == nil {
		t.Error("expected error for zero width")
	}
}
