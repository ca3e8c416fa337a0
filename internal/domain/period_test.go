package domain

import (
	"testing"
	"time"
)

func TestWaitingPeriod_EndTimeFixedAtCreation(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewWaitingPeriod("sess_a", "evt_a", start, 5*time.Hour)

	want := start.Add(5 * time.Hour)
	if !p.EndTime.Equal(want) {
		t.Errorf("EndTime = %v, want %v", p.EndTime, want)
	}
	if p.Status != PeriodPending {
		t.Errorf("Status = %s, want pending", p.Status)
	}
}

func TestWaitingPeriod_RemainingInvariant(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewWaitingPeriod("sess_a", "evt_a", start, 5*time.Hour)

	// remaining(t) + t must be the same instant at every check before expiry
	t1 := start.Add(17 * time.Minute)
	t2 := start.Add(3 * time.Hour)
	at1 := t1.Add(p.Remaining(t1))
	at2 := t2.Add(p.Remaining(t2))
	if !at1.Equal(at2) {
		t.Errorf("remaining drifts: %v vs %v", at1, at2)
	}
	if !at1.Equal(p.EndTime) {
		t.Errorf("remaining points at %v, want EndTime %v", at1, p.EndTime)
	}
}

func TestWaitingPeriod_RemainingClampsAtZero(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewWaitingPeriod("sess_a", "evt_a", start, time.Hour)

	after := start.Add(90 * time.Minute)
	if got := p.Remaining(after); got != 0 {
		t.Errorf("Remaining past deadline = %v, want 0", got)
	}
	if !p.Expired(after) {
		t.Error("Expired past deadline = false, want true")
	}
	if p.Expired(start.Add(30 * time.Minute)) {
		t.Error("Expired before deadline = true, want false")
	}
}

func TestWaitingPeriod_FractionRemaining(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewWaitingPeriod("sess_a", "evt_a", start, 4*time.Hour)

	tests := []struct {
		at   time.Time
		want float64
	}{
		{start, 1.0},
		{start.Add(2 * time.Hour), 0.5},
		{start.Add(3 * time.Hour), 0.25},
		{start.Add(5 * time.Hour), 0.0},
	}
	for _, tt := range tests {
		got := p.FractionRemaining(tt.at)
		if got < tt.want-0.001 || got > tt.want+0.001 {
			t.Errorf("FractionRemaining(%v) = %.3f, want %.3f", tt.at, got, tt.want)
		}
	}
}

func TestNewWaitingPeriod_DefaultDuration(t *testing.T) {
	start := time.Now().UTC()
	p := NewWaitingPeriod("sess_a", "", start, 0)
	if p.Duration() != DefaultCooldownDuration {
		t.Errorf("Duration = %v, want default %v", p.Duration(), DefaultCooldownDuration)
	}
}

func TestPeriodStatus_Terminal(t *testing.T) {
	if PeriodPending.Terminal() || PeriodActive.Terminal() {
		t.Error("pending/active report terminal")
	}
	if !PeriodCompleted.Terminal() || !PeriodCancelled.Terminal() {
		t.Error("completed/cancelled do not report terminal")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{4*time.Hour + 59*time.Minute + 30*time.Second, "4h 59m 30s"},
		{2 * time.Hour, "2h 0m 0s"},
		{90 * time.Second, "1m 30s"},
		{45 * time.Second, "45s"},
		{0, "0s"},
		{-time.Minute, "0s"},
		{1500 * time.Millisecond, "2s"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
