package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestSetup_WritesLogFile(t *testing.T) {
	dir := t.TempDir()
	logger, path, err := Setup("info", dir, 5, false)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if path == "" {
		t.Fatal("Setup returned empty log path")
	}

	logger.Info("session_started", "session_id", "sess_abc")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if len(data) == 0 {
		t.Error("log file is empty after writing a record")
	}
}

func TestRotateLogs_KeepsNewest(t *testing.T) {
	dir := t.TempDir()
	for i, name := range []string{"a.log", "b.log", "c.log", "d.log"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		// Spread mtimes so rotation order is deterministic
		mt := time.Now().Add(time.Duration(i-10) * time.Minute)
		if err := os.Chtimes(p, mt, mt); err != nil {
			t.Fatal(err)
		}
	}

	if err := rotateLogs(dir, 3); err != nil {
		t.Fatalf("rotateLogs: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Errorf("log files remaining = %d, want 2 (room made for a new one)", len(entries))
	}
	for _, e := range entries {
		if e.Name() == "a.log" || e.Name() == "b.log" {
			t.Errorf("old file %s survived rotation", e.Name())
		}
	}
}

func TestSetup_DisabledLogging(t *testing.T) {
	logger, path, err := Setup("info", t.TempDir(), 0, false)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if path != "" {
		t.Errorf("path = %q, want empty when logging disabled", path)
	}
	// Must still be usable
	logger.Info("discarded")
}
