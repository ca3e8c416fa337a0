package domain

import "time"

// Session tracks one supervised child process across its restart cycles.
// The restart controller is the only writer; everything else receives
// copies or reads through the controller.
type Session struct {
	ID              string        `json:"session_id"`
	Status          SessionStatus `json:"status"`
	StartTime       time.Time     `json:"start_time"`
	LastActivity    time.Time     `json:"last_activity"`
	PID             int           `json:"pid,omitempty"`
	Command         string        `json:"command"`
	WorkDir         string        `json:"work_dir,omitempty"`
	RestartArgs     []string      `json:"restart_args,omitempty"`
	DetectionCount  int           `json:"detection_count"`
	RestartCount    int           `json:"restart_count"`
	WaitingPeriodID string        `json:"waiting_period_id,omitempty"`
	ErrorCount      int           `json:"error_count"`
	LastError       string        `json:"last_error,omitempty"`
	Simulated       bool          `json:"simulated,omitempty"`
}

// NewSession creates an inactive session for the given launch parameters
func NewSession(command string, args []string, workDir string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           NewSessionID(),
		Status:       SessionInactive,
		StartTime:    now,
		LastActivity: now,
		Command:      command,
		RestartArgs:  args,
		WorkDir:      workDir,
	}
}

// Transition moves the session to a new status, rejecting moves the
// state machine does not allow.
func (s *Session) Transition(to SessionStatus) error {
	if !CanTransition(s.Status, to) {
		return &InvalidTransitionError{SessionID: s.ID, From: s.Status, To: to}
	}
	s.Status = to
	return nil
}

// MarkActivity records output or lifecycle activity at the given time
func (s *Session) MarkActivity(t time.Time) {
	if t.After(s.LastActivity) {
		s.LastActivity = t
	}
}

// RecordError notes a non-fatal failure on the session
func (s *Session) RecordError(err error) {
	s.ErrorCount++
	if err != nil {
		s.LastError = err.Error()
	}
}

// Uptime returns how long the session has existed as of now
func (s *Session) Uptime(now time.Time) time.Duration {
	if now.Before(s.StartTime) {
		return 0
	}
	return now.Sub(s.StartTime)
}

// Clone returns a deep copy safe to hand outside the controller
func (s *Session) Clone() *Session {
	c := *s
	if s.RestartArgs != nil {
		c.RestartArgs = append([]string(nil), s.RestartArgs...)
	}
	return &c
}
