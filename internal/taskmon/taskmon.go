// Package taskmon gates restarts on what the child is doing. While a
// waiting period runs, it watches output for task start and completion
// markers so an expired cooldown does not yank the child out of the
// middle of a task. Inactivity and a hard timeout keep the gate from
// blocking a restart forever.
package taskmon

import (
	"regexp"
	"sync"
	"time"

	"github.com/hochfrequenz/limitwatch/internal/domain"
)

// Restart gate verdicts
const (
	ReasonIdle       = "no_task_in_progress"
	ReasonCompleted  = "task_completed"
	ReasonInactive   = "inactivity"
	ReasonTimeout    = "timeout"
	ReasonForced     = "forced"
	ReasonInProgress = "task_in_progress"
	ReasonGrace      = "grace_period"
)

// Status is a snapshot of the gate for status surfaces
type Status struct {
	Armed        bool      `json:"armed"`
	InProgress   bool      `json:"in_progress"`
	Completed    bool      `json:"completed"`
	LastActivity time.Time `json:"last_activity"`
	TaskStarted  time.Time `json:"task_started,omitempty"`
}

// Monitor classifies output lines against start and completion
// patterns. It only evaluates while armed; the controller arms it when
// a waiting period begins.
type Monitor struct {
	startRes   []*regexp.Regexp
	doneRes    []*regexp.Regexp
	inactivity time.Duration
	timeout    time.Duration
	grace      time.Duration

	mu           sync.Mutex
	armed        bool
	inProgress   bool
	completed    bool
	forced       bool
	taskStart    time.Time
	completedAt  time.Time
	lastActivity time.Time
}

// New compiles the pattern lists case-insensitively
func New(startPatterns, completionPatterns []string, inactivity, timeout, grace time.Duration) (*Monitor, error) {
	compile := func(patterns []string) ([]*regexp.Regexp, error) {
		res := make([]*regexp.Regexp, 0, len(patterns))
		for _, p := range patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, domain.E(domain.ErrTask, "compile pattern "+p, err)
			}
			res = append(res, re)
		}
		return res, nil
	}

	startRes, err := compile(startPatterns)
	if err != nil {
		return nil, err
	}
	doneRes, err := compile(completionPatterns)
	if err != nil {
		return nil, err
	}
	if inactivity <= 0 {
		inactivity = time.Minute
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Monitor{
		startRes:   startRes,
		doneRes:    doneRes,
		inactivity: inactivity,
		timeout:    timeout,
		grace:      grace,
	}, nil
}

// Arm starts watching. Previous task state is discarded.
func (m *Monitor) Arm(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = true
	m.inProgress = false
	m.completed = false
	m.forced = false
	m.taskStart = time.Time{}
	m.completedAt = time.Time{}
	m.lastActivity = now
}

// Disarm stops watching
func (m *Monitor) Disarm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = false
}

// Observe classifies one output line. Every line counts as activity;
// completion wins over start when a line matches both.
func (m *Monitor) Observe(line string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.armed {
		return
	}
	if at.After(m.lastActivity) {
		m.lastActivity = at
	}

	for _, re := range m.doneRes {
		if re.MatchString(line) {
			if m.inProgress {
				m.completed = true
				m.completedAt = at
			}
			return
		}
	}
	for _, re := range m.startRes {
		if re.MatchString(line) {
			if !m.inProgress || m.completed {
				m.taskStart = at
			}
			m.inProgress = true
			m.completed = false
			m.completedAt = time.Time{}
			return
		}
	}
}

// SafeToRestart decides whether a restart may proceed now and names
// the deciding rule. The gate can only delay a restart, never veto it
// outright: inactivity and the hard timeout always break through.
func (m *Monitor) SafeToRestart(now time.Time) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.forced {
		return true, ReasonForced
	}
	if !m.inProgress {
		return true, ReasonIdle
	}
	if m.completed {
		if m.grace > 0 && now.Sub(m.completedAt) < m.grace {
			return false, ReasonGrace
		}
		return true, ReasonCompleted
	}
	if now.Sub(m.lastActivity) >= m.inactivity {
		return true, ReasonInactive
	}
	if !m.taskStart.IsZero() && now.Sub(m.taskStart) >= m.timeout {
		return true, ReasonTimeout
	}
	return false, ReasonInProgress
}

// ForceComplete overrides the gate, for operator intervention
func (m *Monitor) ForceComplete() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forced = true
}

// Reset clears all task state and disarms the gate
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = false
	m.inProgress = false
	m.completed = false
	m.forced = false
	m.taskStart = time.Time{}
	m.completedAt = time.Time{}
	m.lastActivity = time.Time{}
}

// State returns a snapshot for status surfaces
func (m *Monitor) State() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Armed:        m.armed,
		InProgress:   m.inProgress,
		Completed:    m.completed,
		LastActivity: m.lastActivity,
		TaskStarted:  m.taskStart,
	}
}
