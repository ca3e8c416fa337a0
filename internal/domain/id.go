package domain

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// newID builds a prefixed short identifier like "sess_3f2a9c81d04e".
// Twelve hex characters keep IDs readable in logs while staying unique
// enough for a single-host supervisor.
func newID(prefix string) string {
	u := uuid.New()
	return prefix + "_" + hex.EncodeToString(u[:6])
}

// NewSessionID returns a fresh monitoring session identifier
func NewSessionID() string { return newID("sess") }

// NewEventID returns a fresh detection event identifier
func NewEventID() string { return newID("evt") }

// NewPeriodID returns a fresh waiting period identifier
func NewPeriodID() string { return newID("wait") }

// NewConfigID returns a fresh restart configuration identifier
func NewConfigID() string { return newID("cfg") }

// NewQueueID returns a fresh queued task identifier
func NewQueueID() string { return newID("queue") }
