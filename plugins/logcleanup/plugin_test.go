package logcleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bft-labs/starpool/pkg/pool"
)

func writeLog(t *testing.T, dir, name string, size int, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.Repeat("x", size)), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	mt := time.Now().Add(-age)
	if err := os.Chtimes(path, mt, mt); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
	return path
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestCleanupOnce(t *testing.T) {
	dir := t.TempDir()

	oldest := writeLog(t, dir, "w0-0000aaaa.log", 400, 3*time.Hour)
	rotated := writeLog(t, dir, "w1-1111bbbb-2026-01-02T15-04-05.000.log.gz", 400, 2*time.Hour)
	live := writeLog(t, dir, "w2-2222cccc.log", 400, 4*time.Hour)
	recent := writeLog(t, dir, "w3-3333dddd.log", 400, time.Hour)
	other := writeLog(t, dir, "supervisor.log", 400, 5*time.Hour)

	p := New(Config{HighWatermark: 1500, LowWatermark: 1200})
	p.logDir = dir
	p.workers = func() []pool.Info { return []pool.Info{{ID: "w2-2222cccc"}} }

	freed := p.cleanupOnce(context.Background())
	if freed != 800 {
		t.Errorf("freed = %d, want 800", freed)
	}

	if exists(oldest) || exists(rotated) {
		t.Error("oldest dead worker logs should be removed")
	}
	if !exists(live) {
		t.Error("live worker log removed")
	}
	if !exists(recent) {
		t.Error("cleanup should stop at the low watermark")
	}
	if !exists(other) {
		t.Error("files not written by workers must be kept")
	}
}

func TestCleanupOnce_BelowWatermark(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "w0-0000aaaa.log", 100, time.Hour)

	p := New(Config{HighWatermark: 1000})
	p.logDir = dir

	if freed := p.cleanupOnce(context.Background()); freed != 0 {
		t.Errorf("freed = %d, want 0", freed)
	}
	if !exists(path) {
		t.Error("file removed below the high watermark")
	}
}

func TestWorkerLogName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"w0-0a1b2c3d.log", "w0-0a1b2c3d"},
		{"w12-0a1b2c3d-2026-10-19T10-00-00.000.log", "w12-0a1b2c3d"},
		{"w1-0a1b2c3d-2026-10-19T10-00-00.000.log.gz", "w1-0a1b2c3d"},
		{"worker.log", ""},
		{"w1-0a1b2c3d.txt", ""},
		{"w1-XYZ.log", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ""
			if m := workerLogName.FindStringSubmatch(tt.name); m != nil {
				got = m[1]
			}
			if got != tt.want {
				t.Errorf("worker id of %q = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestInitialize_NoLogDir(t *testing.T) {
	p := New(DefaultConfig())
	if err := p.Initialize(context.Background(), pool.PluginConfig{}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestInitialize_RunsImmediately(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "w0-0000aaaa.log", 2000, time.Hour)

	p := New(Config{HighWatermark: 1000, LowWatermark: 500})
	if err := p.Initialize(context.Background(), pool.PluginConfig{LogDir: dir}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for exists(path) {
		if time.Now().After(deadline) {
			t.Fatal("log not cleaned up")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512B"},
		{2048, "2.00KiB"},
		{3 << 20, "3.00MiB"},
		{5 << 30, "5.00GiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
