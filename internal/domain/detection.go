package domain

import (
	"fmt"
	"time"
)

// DetectionEvent records one qualifying usage-limit match in the child's
// output. Events are immutable once created and insertion-ordered per
// session by detection time.
type DetectionEvent struct {
	ID            string    `json:"event_id"`
	SessionID     string    `json:"session_id"`
	DetectedAt    time.Time `json:"detection_time"`
	Pattern       string    `json:"matched_pattern"`
	MatchedText   string    `json:"matched_text"`
	Confidence    float64   `json:"confidence"`
	LineNumber    int       `json:"line_number"`
	ContextBefore []string  `json:"context_before,omitempty"`
	ContextAfter  []string  `json:"context_after,omitempty"`
	CooldownStart time.Time `json:"cooldown_start"`
	CooldownEnd   time.Time `json:"cooldown_end"`
}

// Validate checks the fields a stored event must carry
func (e *DetectionEvent) Validate() error {
	if e.ID == "" {
		return Errorf(ErrDetection, "event has no id")
	}
	if e.SessionID == "" {
		return Errorf(ErrDetection, "event %s has no session", e.ID)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return Errorf(ErrDetection, "event %s confidence %.3f outside [0,1]", e.ID, e.Confidence)
	}
	if e.Pattern == "" {
		return Errorf(ErrDetection, "event %s has no pattern", e.ID)
	}
	return nil
}

// CooldownDuration returns the window length the event implies
func (e *DetectionEvent) CooldownDuration() time.Duration {
	if e.CooldownEnd.Before(e.CooldownStart) {
		return 0
	}
	return e.CooldownEnd.Sub(e.CooldownStart)
}

// Summary renders a one-line description for logs and listings
func (e *DetectionEvent) Summary() string {
	return fmt.Sprintf("%s pattern=%q confidence=%.2f line=%d", e.ID, e.Pattern, e.Confidence, e.LineNumber)
}
