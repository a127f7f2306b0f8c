package permission

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func okProbe(name string) Probe {
	return Probe{Name: name, Check: func(context.Context) error { return nil }}
}

func failProbe(name string) Probe {
	return Probe{Name: name, Check: func(context.Context) error { return errors.New("nope") }}
}

func TestGate_Resolve(t *testing.T) {
	tests := []struct {
		name   string
		probes []Probe
		want   Status
		errHas []string
	}{
		{"no probes", nil, Granted, nil},
		{"all ok", []Probe{okProbe("camera"), okProbe("library")}, Granted, nil},
		{"camera denied", []Probe{failProbe("camera"), okProbe("library")}, Denied, []string{"camera"}},
		{"both denied", []Probe{failProbe("camera"), failProbe("library")}, Denied, []string{"camera", "library"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewGate(tt.probes...).Resolve(context.Background())
			if got != tt.want {
				t.Errorf("status = %v, want %v", got, tt.want)
			}
			if len(tt.errHas) == 0 && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			for _, s := range tt.errHas {
				if err == nil || !strings.Contains(err.Error(), s) {
					t.Errorf("error %v should mention %q", err, s)
				}
			}
		})
	}
}

func TestGate_CancelledIsUnknown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := NewGate(okProbe("camera")).Resolve(ctx)
	if got != Unknown || !errors.Is(err, context.Canceled) {
		t.Errorf("Resolve = %v, %v; want unknown, context.Canceled", got, err)
	}
}

func TestDirProbe(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "library", "nested")
	if err := DirProbe("library", dir).Check(context.Background()); err != nil {
		t.Fatalf("DirProbe: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("probe left %d files behind", len(entries))
	}
}

func TestDirProbe_NotADirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := DirProbe("library", file).Check(context.Background()); err == nil {
		t.Error("expected error when path is a regular file")
	}
}

func TestDeviceProbe(t *testing.T) {
	existing := filepath.Join(t.TempDir(), "video0")
	if err := os.WriteFile(existing, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := DeviceProbe(existing).Check(context.Background()); err != nil {
		t.Errorf("DeviceProbe(existing) = %v", err)
	}
	if err := DeviceProbe(filepath.Join(t.TempDir(), "video9")).Check(context.Background()); err == nil {
		t.Error("expected error for missing device")
	}
}

func TestExecutableProbe(t *testing.T) {
	if err := ExecutableProbe("snapdog-definitely-not-installed").Check(context.Background()); err == nil {
		t.Error("expected error for missing program")
	}
}

func TestStatus_JSON(t *testing.T) {
	data, err := json.Marshal(map[string]Status{"permission": Denied})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"permission":"denied"}` {
		t.Errorf("json = %s", data)
	}
}
