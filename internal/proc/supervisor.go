package proc

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hochfrequenz/limitwatch/internal/domain"
)

// ExitCallback runs when a supervised process ends. wasStopped is true
// when the exit was requested through Stop rather than the child dying
// on its own.
type ExitCallback func(sessionID string, exitErr error, wasStopped bool)

// LineCallback receives every captured output line for a session
type LineCallback func(sessionID, line string)

// Supervisor owns the running processes, one per session. It launches
// children, mirrors their output to per-session log files, and reports
// exits through the exit callback.
type Supervisor struct {
	logger      *slog.Logger
	launcher    *Launcher
	bufferLines int
	logDir      string

	cbMu   sync.Mutex
	onExit ExitCallback
	onLine LineCallback

	mu    sync.Mutex
	procs map[string]*Process
}

// NewSupervisor creates a supervisor. logDir may be empty to disable
// per-session output files.
func NewSupervisor(logger *slog.Logger, launcher *Launcher, bufferLines int, logDir string) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if launcher == nil {
		launcher = &Launcher{}
	}
	return &Supervisor{
		logger:      logger,
		launcher:    launcher,
		bufferLines: bufferLines,
		logDir:      logDir,
		procs:       make(map[string]*Process),
	}
}

// SetExitCallback registers the exit handler. Set it before starting
// processes; exits that happen earlier are not replayed.
func (s *Supervisor) SetExitCallback(cb ExitCallback) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onExit = cb
}

// SetLineCallback registers the per-line handler for all sessions
func (s *Supervisor) SetLineCallback(cb LineCallback) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onLine = cb
}

// Start launches the configured command for a session. Failing to open
// the session log file is logged and tolerated; failing to launch is
// not.
func (s *Supervisor) Start(ctx context.Context, sessionID string, cfg *domain.RestartConfig) (*Process, error) {
	if err := s.ensureNotRunning(sessionID); err != nil {
		return nil, err
	}

	capture := s.newCapture(sessionID)
	p, err := s.launcher.Launch(ctx, cfg, capture)
	if err != nil {
		capture.CloseLog()
		return nil, err
	}
	p.onExit = s.exitHandler(sessionID)

	s.mu.Lock()
	s.procs[sessionID] = p
	s.mu.Unlock()

	go p.reap()

	s.logger.Info("process started",
		slog.String("session_id", sessionID),
		slog.Int("pid", p.PID),
		slog.String("command", cfg.Command))
	return p, nil
}

// StartSimulated registers a simulated process for a session. Output
// arrives through InjectOutput instead of a child's pipes.
func (s *Supervisor) StartSimulated(sessionID string) (*Process, error) {
	if err := s.ensureNotRunning(sessionID); err != nil {
		return nil, err
	}

	capture := s.newCapture(sessionID)
	p := newSimulated(capture)
	p.onExit = s.exitHandler(sessionID)

	s.mu.Lock()
	s.procs[sessionID] = p
	s.mu.Unlock()

	s.logger.Info("simulated process started",
		slog.String("session_id", sessionID),
		slog.Int("pid", p.PID))
	return p, nil
}

// Adopt takes over a PID recovered from a previous run. Adopted
// processes have no pipes, so output capture and exit reaping do not
// apply; liveness is probed with signal 0.
func (s *Supervisor) Adopt(sessionID string, pid int, startTime time.Time) (*Process, error) {
	if !PIDAlive(pid) {
		return nil, domain.Errorf(domain.ErrProcess, "pid %d is not alive", pid)
	}
	if err := s.ensureNotRunning(sessionID); err != nil {
		return nil, err
	}
	if startTime.IsZero() {
		startTime = time.Now().UTC()
	}

	p := &Process{
		PID:       pid,
		StartTime: startTime,
		adopted:   true,
		capture:   NewCapture(s.bufferLines),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.procs[sessionID] = p
	s.mu.Unlock()

	s.logger.Info("process adopted",
		slog.String("session_id", sessionID),
		slog.Int("pid", pid))
	return p, nil
}

// Get returns the process for a session, if any
func (s *Supervisor) Get(sessionID string) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[sessionID]
	return p, ok
}

// IsRunning reports whether the session has a live process
func (s *Supervisor) IsRunning(sessionID string) bool {
	p, ok := s.Get(sessionID)
	return ok && p.Running()
}

// Stop terminates a session's process. The bool reports whether a
// process was actually running.
func (s *Supervisor) Stop(sessionID string, graceful bool, timeout time.Duration) (bool, error) {
	p, ok := s.Get(sessionID)
	if !ok {
		return false, domain.Errorf(domain.ErrProcess, "no process for session %s", sessionID)
	}
	wasRunning := p.Stop(graceful, timeout)
	s.logger.Info("process stopped",
		slog.String("session_id", sessionID),
		slog.Int("pid", p.PID),
		slog.Bool("was_running", wasRunning))
	return wasRunning, nil
}

// SendInput writes a line to the session's child stdin
func (s *Supervisor) SendInput(sessionID, text string) error {
	p, ok := s.Get(sessionID)
	if !ok {
		return domain.Errorf(domain.ErrProcess, "no process for session %s", sessionID)
	}
	return p.SendInput(text)
}

// InjectOutput feeds a line into a simulated session's output stream
func (s *Supervisor) InjectOutput(sessionID, line string) error {
	p, ok := s.Get(sessionID)
	if !ok {
		return domain.Errorf(domain.ErrProcess, "no process for session %s", sessionID)
	}
	return p.InjectOutput(line)
}

// Remove forgets a session's process. The process is not stopped.
func (s *Supervisor) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, sessionID)
}

// StopAll terminates every supervised process, used during shutdown
func (s *Supervisor) StopAll(graceful bool, timeout time.Duration) {
	s.mu.Lock()
	procs := make(map[string]*Process, len(s.procs))
	for id, p := range s.procs {
		procs[id] = p
	}
	s.mu.Unlock()

	for id, p := range procs {
		if p.Stop(graceful, timeout) {
			s.logger.Info("process stopped", slog.String("session_id", id), slog.Int("pid", p.PID))
		}
	}
}

func (s *Supervisor) ensureNotRunning(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[sessionID]; ok && p.Running() {
		return domain.Errorf(domain.ErrProcess, "session %s already has a running process (pid %d)", sessionID, p.PID)
	}
	return nil
}

// newCapture builds the output ring for a session and attaches the
// per-session log file when a log directory is configured.
func (s *Supervisor) newCapture(sessionID string) *Capture {
	capture := NewCapture(s.bufferLines)
	s.cbMu.Lock()
	onLine := s.onLine
	s.cbMu.Unlock()
	if onLine != nil {
		id := sessionID
		capture.Subscribe(func(line string) { onLine(id, line) })
	}
	if s.logDir == "" {
		return capture
	}
	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		s.logger.Warn("session log dir", slog.String("error", err.Error()))
		return capture
	}
	path := filepath.Join(s.logDir, "session_"+sessionID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Warn("session log file", slog.String("path", path), slog.String("error", err.Error()))
		return capture
	}
	capture.SetLogFile(f)
	return capture
}

func (s *Supervisor) exitHandler(sessionID string) func(error, bool) {
	return func(exitErr error, wasStopped bool) {
		s.cbMu.Lock()
		cb := s.onExit
		s.cbMu.Unlock()

		lvl := slog.LevelInfo
		if !wasStopped {
			lvl = slog.LevelWarn
		}
		s.logger.Log(context.Background(), lvl, "process exited",
			slog.String("session_id", sessionID),
			slog.Bool("was_stopped", wasStopped),
			slog.Any("error", exitErr))

		if cb != nil {
			cb(sessionID, exitErr, wasStopped)
		}
	}
}
