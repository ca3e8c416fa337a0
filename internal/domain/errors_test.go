package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_KindOf(t *testing.T) {
	err := Errorf(ErrState, "snapshot corrupt at byte %d", 17)
	if KindOf(err) != ErrState {
		t.Errorf("KindOf = %s, want state", KindOf(err))
	}

	wrapped := fmt.Errorf("loading: %w", err)
	if !IsKind(wrapped, ErrState) {
		t.Error("kind lost through fmt.Errorf wrapping")
	}
	if IsKind(wrapped, ErrProcess) {
		t.Error("wrong kind matched")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("untagged error reports a kind")
	}
}

func TestError_Unwrap(t *testing.T) {
	inner := errors.New("no such file")
	err := E(ErrProcess, "launch claude", inner)

	if !errors.Is(err, inner) {
		t.Error("inner error lost through E")
	}
	want := "process: launch claude: no such file"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestRetriesExhaustedError(t *testing.T) {
	last := errors.New("executable vanished")
	err := E(ErrRestart, "relaunch", &RetriesExhaustedError{SessionID: "sess_a", Attempts: 3, LastErr: last})

	var ree *RetriesExhaustedError
	if !errors.As(err, &ree) {
		t.Fatal("RetriesExhaustedError not reachable through chain")
	}
	if ree.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", ree.Attempts)
	}
	if !errors.Is(err, last) {
		t.Error("last launch error lost through chain")
	}
	if !IsKind(err, ErrRestart) {
		t.Error("restart kind lost")
	}
}
