// Package domain contains the core types shared across the supervisor.
package domain

// SessionStatus represents the lifecycle state of a monitoring session
type SessionStatus string

const (
	SessionInactive SessionStatus = "inactive"
	SessionActive   SessionStatus = "active"
	SessionWaiting  SessionStatus = "waiting"
	SessionStopped  SessionStatus = "stopped"
)

// sessionTransitions maps each status to the statuses it may move to.
// Stopped is terminal.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionInactive: {SessionActive, SessionStopped},
	SessionActive:   {SessionWaiting, SessionStopped},
	SessionWaiting:  {SessionActive, SessionStopped},
	SessionStopped:  {},
}

// CanTransition reports whether a session may move from one status to another
func CanTransition(from, to SessionStatus) bool {
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PeriodStatus represents the lifecycle state of a waiting period
type PeriodStatus string

const (
	PeriodPending   PeriodStatus = "pending"
	PeriodActive    PeriodStatus = "active"
	PeriodCompleted PeriodStatus = "completed"
	PeriodCancelled PeriodStatus = "cancelled"
)

// Terminal reports whether the period can no longer change state
func (s PeriodStatus) Terminal() bool {
	return s == PeriodCompleted || s == PeriodCancelled
}

// ProcState classifies a supervised child process
type ProcState string

const (
	ProcRunning  ProcState = "running"
	ProcSleeping ProcState = "sleeping"
	ProcStopped  ProcState = "stopped"
	ProcZombie   ProcState = "zombie"
	ProcCrashed  ProcState = "crashed"
	ProcUnknown  ProcState = "unknown"
)

// Dead reports whether the state is one no live process reports
func (s ProcState) Dead() bool {
	return s == ProcCrashed || s == ProcZombie
}
