package taskmon

import (
	"testing"
	"time"
)

var (
	startPatterns = []string{`working.*on`, `implementing.*`}
	donePatterns  = []string{`task.*complete`, `finished.*task`}
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	m, err := New(startPatterns, donePatterns, 60*time.Second, 300*time.Second, 10*time.Second)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m
}

func TestMonitor_SafeWhenNoTaskSeen(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.Arm(now)

	m.Observe("just some chatter", now.Add(time.Second))

	safe, reason := m.SafeToRestart(now.Add(2 * time.Second))
	if !safe || reason != ReasonIdle {
		t.Errorf("SafeToRestart() = %v, %q, want true, %q", safe, reason, ReasonIdle)
	}
}

func TestMonitor_BlocksWhileTaskRuns(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.Arm(now)

	m.Observe("Working on the payment refactor", now.Add(time.Second))

	safe, reason := m.SafeToRestart(now.Add(10 * time.Second))
	if safe || reason != ReasonInProgress {
		t.Errorf("SafeToRestart() = %v, %q, want false, %q", safe, reason, ReasonInProgress)
	}
}

func TestMonitor_CompletionOpensGateAfterGrace(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.Arm(now)

	m.Observe("implementing the parser", now.Add(time.Second))
	m.Observe("Task complete, all tests green", now.Add(30*time.Second))

	// Inside the grace window the gate stays shut
	safe, reason := m.SafeToRestart(now.Add(35 * time.Second))
	if safe || reason != ReasonGrace {
		t.Errorf("SafeToRestart() = %v, %q, want false, %q", safe, reason, ReasonGrace)
	}

	safe, reason = m.SafeToRestart(now.Add(41 * time.Second))
	if !safe || reason != ReasonCompleted {
		t.Errorf("SafeToRestart() = %v, %q, want true, %q", safe, reason, ReasonCompleted)
	}
}

func TestMonitor_InactivityBreaksThrough(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.Arm(now)

	m.Observe("working on something big", now)

	// 70 seconds of silence beats the 60 second threshold
	safe, reason := m.SafeToRestart(now.Add(70 * time.Second))
	if !safe || reason != ReasonInactive {
		t.Errorf("SafeToRestart() = %v, %q, want true, %q", safe, reason, ReasonInactive)
	}

	// Fresh output closes the gate again
	m.Observe("still going", now.Add(71*time.Second))
	safe, _ = m.SafeToRestart(now.Add(80 * time.Second))
	if safe {
		t.Error("SafeToRestart() = true right after new activity")
	}
}

func TestMonitor_HardTimeoutBreaksThrough(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.Arm(now)

	m.Observe("working on an endless task", now)
	// Keep feeding activity so inactivity never trips
	for i := 1; i <= 301; i += 10 {
		m.Observe("progress tick", now.Add(time.Duration(i)*time.Second))
	}

	safe, reason := m.SafeToRestart(now.Add(305 * time.Second))
	if !safe || reason != ReasonTimeout {
		t.Errorf("SafeToRestart() = %v, %q, want true, %q", safe, reason, ReasonTimeout)
	}
}

func TestMonitor_ForceComplete(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.Arm(now)

	m.Observe("working on something", now)
	m.ForceComplete()

	safe, reason := m.SafeToRestart(now.Add(time.Second))
	if !safe || reason != ReasonForced {
		t.Errorf("SafeToRestart() = %v, %q, want true, %q", safe, reason, ReasonForced)
	}
}

func TestMonitor_IgnoresLinesWhileDisarmed(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	m.Observe("working on something", now)
	m.Arm(now.Add(time.Minute))

	if st := m.State(); st.InProgress {
		t.Error("lines observed before arming should not count")
	}

	m.Disarm()
	m.Observe("implementing more", now.Add(2*time.Minute))
	if st := m.State(); st.InProgress {
		t.Error("lines observed after disarming should not count")
	}
}

func TestMonitor_ArmResetsPreviousCycle(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.Arm(now)
	m.Observe("working on round one", now)
	m.ForceComplete()

	m.Arm(now.Add(time.Hour))
	safe, reason := m.SafeToRestart(now.Add(time.Hour))
	if !safe || reason != ReasonIdle {
		t.Errorf("SafeToRestart() after re-arm = %v, %q, want true, %q", safe, reason, ReasonIdle)
	}
}

func TestMonitor_CompletionWinsOverStartOnSameLine(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.Arm(now)

	m.Observe("working on the migration", now)
	// Matches both "working.*on" and "task.*complete"
	m.Observe("working on cleanup, task complete", now.Add(time.Second))

	safe, reason := m.SafeToRestart(now.Add(time.Minute))
	if !safe || reason != ReasonCompleted {
		t.Errorf("SafeToRestart() = %v, %q, want true, %q", safe, reason, ReasonCompleted)
	}
}

func TestNew_BadPattern(t *testing.T) {
	if _, err := New([]string{"("}, nil, time.Minute, time.Minute, 0); err == nil {
		t.Error("New() with a broken pattern should fail")
	}
}
