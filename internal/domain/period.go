package domain

import (
	"fmt"
	"strings"
	"time"
)

// DefaultCooldownDuration is the wait applied when the child does not
// state an explicit one.
const DefaultCooldownDuration = 5 * time.Hour

// MaxCooldownDuration bounds any single waiting period
const MaxCooldownDuration = 24 * time.Hour

// WaitingPeriod is one cooldown countdown. EndTime is fixed when the
// period starts and is never recomputed; remaining time is always
// derived from it, so a supervisor restart mid-wait changes nothing.
type WaitingPeriod struct {
	ID         string       `json:"period_id"`
	SessionID  string       `json:"session_id"`
	EventID    string       `json:"associated_event_id,omitempty"`
	Status     PeriodStatus `json:"status"`
	StartTime  time.Time    `json:"start_time"`
	EndTime    time.Time    `json:"end_time"`
	DurationMs int64        `json:"duration_ms"`
}

// NewWaitingPeriod creates a pending period whose deadline is start+d
func NewWaitingPeriod(sessionID, eventID string, start time.Time, d time.Duration) *WaitingPeriod {
	if d <= 0 {
		d = DefaultCooldownDuration
	}
	return &WaitingPeriod{
		ID:         NewPeriodID(),
		SessionID:  sessionID,
		EventID:    eventID,
		Status:     PeriodPending,
		StartTime:  start,
		EndTime:    start.Add(d),
		DurationMs: d.Milliseconds(),
	}
}

// Duration returns the planned length of the period
func (p *WaitingPeriod) Duration() time.Duration {
	return time.Duration(p.DurationMs) * time.Millisecond
}

// Remaining returns EndTime minus now, clamped at zero
func (p *WaitingPeriod) Remaining(now time.Time) time.Duration {
	if !now.Before(p.EndTime) {
		return 0
	}
	return p.EndTime.Sub(now)
}

// Expired reports whether the deadline has passed
func (p *WaitingPeriod) Expired(now time.Time) bool {
	return !now.Before(p.EndTime)
}

// FractionRemaining returns the share of the period still ahead, in [0,1]
func (p *WaitingPeriod) FractionRemaining(now time.Time) float64 {
	d := p.Duration()
	if d <= 0 {
		return 0
	}
	f := float64(p.Remaining(now)) / float64(d)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// FormatDuration renders a duration as "4h 59m 30s", dropping leading
// zero units. Sub-second remainders round to the nearest second.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)

	var b strings.Builder
	if h > 0 {
		fmt.Fprintf(&b, "%dh ", h)
	}
	if m > 0 || h > 0 {
		fmt.Fprintf(&b, "%dm ", m)
	}
	fmt.Fprintf(&b, "%ds", s)
	return b.String()
}
