package proc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/limitwatch/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type exitRecord struct {
	sessionID  string
	exitErr    error
	wasStopped bool
}

// exitCollector gathers exit callbacks so tests can wait for them
type exitCollector struct {
	mu    sync.Mutex
	exits []exitRecord
	ch    chan exitRecord
}

func newExitCollector() *exitCollector {
	return &exitCollector{ch: make(chan exitRecord, 10)}
}

func (e *exitCollector) callback(sessionID string, exitErr error, wasStopped bool) {
	rec := exitRecord{sessionID: sessionID, exitErr: exitErr, wasStopped: wasStopped}
	e.mu.Lock()
	e.exits = append(e.exits, rec)
	e.mu.Unlock()
	e.ch <- rec
}

func (e *exitCollector) wait(t *testing.T) exitRecord {
	t.Helper()
	select {
	case rec := <-e.ch:
		return rec
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit callback")
		return exitRecord{}
	}
}

func TestSupervisor_SimulatedLifecycle(t *testing.T) {
	sup := NewSupervisor(testLogger(), nil, 100, "")
	exits := newExitCollector()
	sup.SetExitCallback(exits.callback)

	p, err := sup.StartSimulated("sess_aaa")
	if err != nil {
		t.Fatalf("StartSimulated() error = %v", err)
	}
	if p.PID < simulatedPIDBase {
		t.Errorf("simulated PID = %d, want >= %d", p.PID, simulatedPIDBase)
	}
	if !p.Simulated {
		t.Error("Simulated = false, want true")
	}
	if !sup.IsRunning("sess_aaa") {
		t.Error("IsRunning() = false, want true")
	}

	if err := sup.InjectOutput("sess_aaa", "hello from child"); err != nil {
		t.Fatalf("InjectOutput() error = %v", err)
	}
	got := p.Capture().Recent(10)
	if len(got) != 1 || got[0] != "hello from child" {
		t.Errorf("Recent() = %v, want the injected line", got)
	}

	if err := sup.SendInput("sess_aaa", "continue"); err != nil {
		t.Fatalf("SendInput() error = %v", err)
	}
	if inputs := p.Inputs(); len(inputs) != 1 || inputs[0] != "continue" {
		t.Errorf("Inputs() = %v, want [continue]", inputs)
	}

	wasRunning, err := sup.Stop("sess_aaa", true, time.Second)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !wasRunning {
		t.Error("Stop() = false, want true")
	}
	rec := exits.wait(t)
	if !rec.wasStopped {
		t.Error("wasStopped = false, want true for a requested stop")
	}
	if sup.IsRunning("sess_aaa") {
		t.Error("IsRunning() = true after stop")
	}

	// A second stop finds nothing running
	wasRunning, err = sup.Stop("sess_aaa", true, time.Second)
	if err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if wasRunning {
		t.Error("second Stop() = true, want false")
	}
}

func TestSupervisor_SimulateExitIsUnplanned(t *testing.T) {
	sup := NewSupervisor(testLogger(), nil, 100, "")
	exits := newExitCollector()
	sup.SetExitCallback(exits.callback)

	p, err := sup.StartSimulated("sess_bbb")
	if err != nil {
		t.Fatalf("StartSimulated() error = %v", err)
	}

	crash := errors.New("exit status 1")
	p.SimulateExit(crash)

	rec := exits.wait(t)
	if rec.wasStopped {
		t.Error("wasStopped = true, want false for an unplanned death")
	}
	if !errors.Is(rec.exitErr, crash) {
		t.Errorf("exitErr = %v, want %v", rec.exitErr, crash)
	}
	if err := p.InjectOutput("late"); err == nil {
		t.Error("InjectOutput() after exit should fail")
	}
}

func TestSupervisor_RejectsSecondStart(t *testing.T) {
	sup := NewSupervisor(testLogger(), nil, 100, "")
	if _, err := sup.StartSimulated("sess_ccc"); err != nil {
		t.Fatalf("StartSimulated() error = %v", err)
	}
	_, err := sup.StartSimulated("sess_ccc")
	if err == nil {
		t.Fatal("second StartSimulated() for the same session should fail")
	}
	if domain.KindOf(err) != domain.ErrProcess {
		t.Errorf("KindOf() = %v, want %v", domain.KindOf(err), domain.ErrProcess)
	}
}

func TestSupervisor_RealProcessOutputAndExit(t *testing.T) {
	sup := NewSupervisor(testLogger(), &Launcher{}, 100, "")
	exits := newExitCollector()
	sup.SetExitCallback(exits.callback)

	var mu sync.Mutex
	var lines []string
	sup.SetLineCallback(func(sessionID, line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	})

	cfg := domain.NewRestartConfig("sh", []string{"-c", "echo one; echo two >&2"}, "")
	p, err := sup.Start(context.Background(), "sess_ddd", cfg)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for process exit")
	}

	rec := exits.wait(t)
	if rec.wasStopped {
		t.Error("wasStopped = true, want false for natural exit")
	}
	if rec.exitErr != nil {
		t.Errorf("exitErr = %v, want nil", rec.exitErr)
	}

	recent := p.Capture().Recent(10)
	joined := strings.Join(recent, "\n")
	if !strings.Contains(joined, "one") || !strings.Contains(joined, "two") {
		t.Errorf("captured output %v, want both stdout and stderr lines", recent)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 2 {
		t.Errorf("line callback saw %d lines, want 2", len(lines))
	}
}

func TestSupervisor_StopTerminatesRealProcess(t *testing.T) {
	sup := NewSupervisor(testLogger(), &Launcher{}, 100, "")
	exits := newExitCollector()
	sup.SetExitCallback(exits.callback)

	cfg := domain.NewRestartConfig("sh", []string{"-c", "sleep 30"}, "")
	p, err := sup.Start(context.Background(), "sess_eee", cfg)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !PIDAlive(p.PID) {
		t.Fatal("child should be alive right after start")
	}

	wasRunning, err := sup.Stop("sess_eee", true, 2*time.Second)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !wasRunning {
		t.Error("Stop() = false, want true")
	}
	rec := exits.wait(t)
	if !rec.wasStopped {
		t.Error("wasStopped = false, want true")
	}
}

func TestSupervisor_SessionLogFile(t *testing.T) {
	logDir := t.TempDir()
	sup := NewSupervisor(testLogger(), nil, 100, logDir)

	if _, err := sup.StartSimulated("sess_fff"); err != nil {
		t.Fatalf("StartSimulated() error = %v", err)
	}
	if err := sup.InjectOutput("sess_fff", "mirrored"); err != nil {
		t.Fatalf("InjectOutput() error = %v", err)
	}
	if _, err := sup.Stop("sess_fff", true, time.Second); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(logDir, "session_sess_fff.log"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "mirrored\n" {
		t.Errorf("session log = %q, want %q", string(data), "mirrored\n")
	}
}

func TestSupervisor_UnknownSession(t *testing.T) {
	sup := NewSupervisor(testLogger(), nil, 100, "")
	if _, err := sup.Stop("sess_zzz", true, time.Second); err == nil {
		t.Error("Stop() for unknown session should fail")
	}
	if err := sup.SendInput("sess_zzz", "x"); err == nil {
		t.Error("SendInput() for unknown session should fail")
	}
	if sup.IsRunning("sess_zzz") {
		t.Error("IsRunning() = true for unknown session")
	}
}

func TestPIDAlive(t *testing.T) {
	if !PIDAlive(os.Getpid()) {
		t.Error("PIDAlive() = false for our own PID")
	}
	if PIDAlive(0) || PIDAlive(-5) {
		t.Error("PIDAlive() = true for a non-positive PID")
	}
}

func TestAdopt_RequiresLivePID(t *testing.T) {
	sup := NewSupervisor(testLogger(), nil, 100, "")
	if _, err := sup.Adopt("sess_ggg", -1, time.Time{}); err == nil {
		t.Error("Adopt() with a dead PID should fail")
	}

	p, err := sup.Adopt("sess_hhh", os.Getpid(), time.Time{})
	if err != nil {
		t.Fatalf("Adopt() error = %v", err)
	}
	if !p.Running() {
		t.Error("adopted process should report running")
	}
	if err := p.InjectOutput("x"); err == nil {
		t.Error("InjectOutput() on an adopted process should fail")
	}
}

func TestReadLastLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	content := "a\nb\nc\nd\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	got, err := ReadLastLines(path, 2)
	if err != nil {
		t.Fatalf("ReadLastLines() error = %v", err)
	}
	if len(got) != 2 || got[0] != "c" || got[1] != "d" {
		t.Errorf("ReadLastLines() = %v, want [c d]", got)
	}

	all, err := ReadLastLines(path, 100)
	if err != nil {
		t.Fatalf("ReadLastLines() error = %v", err)
	}
	if len(all) != 4 {
		t.Errorf("ReadLastLines(100) returned %d lines, want 4", len(all))
	}
}

func TestTailFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grow.log")
	if err := os.WriteFile(path, []byte("old\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		TailFile(ctx, path, func(line string) {
			mu.Lock()
			seen = append(seen, line)
			mu.Unlock()
		})
	}()

	// Give the tail time to seek past the existing content
	time.Sleep(300 * time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	f.WriteString("new line\n")
	f.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "new line" {
		t.Errorf("tail saw %v, want [new line]", seen)
	}
	for _, l := range seen {
		if l == "old" {
			t.Error("tail replayed content written before it started")
		}
	}
}
