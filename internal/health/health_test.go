package health

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/hochfrequenz/limitwatch/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// A PID far above the kernel's default pid_max, so it can never exist
const bogusPID = 999999999

func TestParseStat(t *testing.T) {
	tests := []struct {
		name        string
		line        string
		wantState   byte
		wantUtime   uint64
		wantStime   uint64
		wantThreads int
		wantErr     bool
	}{
		{
			name:        "plain comm",
			line:        "1234 (bash) S 1 1234 1234 34816 1234 4194304 1000 0 0 0 50 25 0 0 20 0 3",
			wantState:   'S',
			wantUtime:   50,
			wantStime:   25,
			wantThreads: 3,
		},
		{
			name:        "comm with spaces and parens",
			line:        "99 (tmux: server (1)) R 1 99 99 0 -1 4194304 0 0 0 0 7 2 0 0 20 0 1",
			wantState:   'R',
			wantUtime:   7,
			wantStime:   2,
			wantThreads: 1,
		},
		{
			name:    "no closing paren",
			line:    "1234 bash S 1",
			wantErr: true,
		},
		{
			name:    "too few fields",
			line:    "1234 (bash) S 1 2",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := parseStat(tt.line)
			if tt.wantErr {
				if err == nil {
					t.Fatal("parseStat() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseStat() error = %v", err)
			}
			if st.state != tt.wantState {
				t.Errorf("state = %c, want %c", st.state, tt.wantState)
			}
			if st.utime != tt.wantUtime || st.stime != tt.wantStime {
				t.Errorf("utime/stime = %d/%d, want %d/%d", st.utime, st.stime, tt.wantUtime, tt.wantStime)
			}
			if st.threads != tt.wantThreads {
				t.Errorf("threads = %d, want %d", st.threads, tt.wantThreads)
			}
		})
	}
}

func TestStateFromChar(t *testing.T) {
	tests := []struct {
		in   byte
		want domain.ProcState
	}{
		{'R', domain.ProcRunning},
		{'S', domain.ProcSleeping},
		{'D', domain.ProcSleeping},
		{'I', domain.ProcSleeping},
		{'T', domain.ProcStopped},
		{'t', domain.ProcStopped},
		{'Z', domain.ProcZombie},
		{'X', domain.ProcUnknown},
	}
	for _, tt := range tests {
		if got := stateFromChar(tt.in); got != tt.want {
			t.Errorf("stateFromChar(%c) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReadProcSelf(t *testing.T) {
	pid := os.Getpid()

	st, err := readStat(pid)
	if err != nil {
		t.Fatalf("readStat(self) error = %v", err)
	}
	if st.threads < 1 {
		t.Errorf("threads = %d, want >= 1", st.threads)
	}
	if s := stateFromChar(st.state); s.Dead() || s == domain.ProcUnknown {
		t.Errorf("own state = %v, want a live state", s)
	}

	rss, err := readRSSBytes(pid)
	if err != nil {
		t.Fatalf("readRSSBytes(self) error = %v", err)
	}
	if rss <= 0 {
		t.Errorf("rss = %d, want > 0", rss)
	}

	if n := countOpenFiles(pid); n < 1 {
		t.Errorf("open files = %d, want >= 1", n)
	}
}

func TestChecker_SelfMetrics(t *testing.T) {
	c := New(testLogger(), time.Second, 0, 0)
	c.Register("sess_self", os.Getpid(), false, nil)

	c.CheckNow()
	m, ok := c.Metrics("sess_self")
	if !ok {
		t.Fatal("Metrics() ok = false, want true")
	}
	if m.State.Dead() {
		t.Errorf("State = %v, want a live state", m.State)
	}
	if m.MemoryMB <= 0 {
		t.Errorf("MemoryMB = %f, want > 0", m.MemoryMB)
	}
	if m.Threads < 1 {
		t.Errorf("Threads = %d, want >= 1", m.Threads)
	}

	// A second sample computes CPU from the tick delta
	c.CheckNow()
	m, _ = c.Metrics("sess_self")
	if m.CPUPercent < 0 {
		t.Errorf("CPUPercent = %f, want >= 0", m.CPUPercent)
	}
}

func TestChecker_CrashCallbackFiresOnce(t *testing.T) {
	c := New(testLogger(), time.Second, 0, 0)

	var calls int
	c.Register("sess_dead", bogusPID, false, func(sessionID string, pid int) {
		calls++
		if sessionID != "sess_dead" || pid != bogusPID {
			t.Errorf("callback got (%s, %d), want (sess_dead, %d)", sessionID, pid, bogusPID)
		}
	})

	c.CheckNow()
	c.CheckNow()
	if calls != 1 {
		t.Errorf("crash callback ran %d times, want 1", calls)
	}

	m, _ := c.Metrics("sess_dead")
	if m.State != domain.ProcCrashed {
		t.Errorf("State = %v, want %v", m.State, domain.ProcCrashed)
	}
}

func TestChecker_ReRegisterResetsDebounce(t *testing.T) {
	c := New(testLogger(), time.Second, 0, 0)

	var calls int
	cb := func(string, int) { calls++ }

	c.Register("sess_x", bogusPID, false, cb)
	c.CheckNow()
	c.Register("sess_x", bogusPID, false, cb)
	c.CheckNow()

	if calls != 2 {
		t.Errorf("crash callback ran %d times across registrations, want 2", calls)
	}
}

func TestChecker_UnregisterSuppressesCallback(t *testing.T) {
	c := New(testLogger(), time.Second, 0, 0)

	var calls int
	c.Register("sess_y", bogusPID, false, func(string, int) { calls++ })
	c.Unregister("sess_y")
	c.CheckNow()

	if calls != 0 {
		t.Errorf("crash callback ran %d times after unregister, want 0", calls)
	}
	if _, ok := c.Metrics("sess_y"); ok {
		t.Error("Metrics() ok = true after unregister")
	}
}

func TestChecker_SimulatedAlwaysRunning(t *testing.T) {
	c := New(testLogger(), time.Second, 0, 0)

	var calls int
	c.Register("sess_sim", 50001, true, func(string, int) { calls++ })
	c.CheckNow()

	m, ok := c.Metrics("sess_sim")
	if !ok {
		t.Fatal("Metrics() ok = false, want true")
	}
	if m.State != domain.ProcRunning {
		t.Errorf("State = %v, want %v", m.State, domain.ProcRunning)
	}
	if calls != 0 {
		t.Errorf("crash callback ran %d times for a simulated session, want 0", calls)
	}
}

func TestChecker_Snapshot(t *testing.T) {
	c := New(testLogger(), time.Second, 0, 0)
	c.Register("sess_a", os.Getpid(), false, nil)
	c.Register("sess_b", 50001, true, nil)
	c.CheckNow()

	snap := c.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() has %d entries, want 2", len(snap))
	}
	if snap["sess_b"].State != domain.ProcRunning {
		t.Errorf("simulated snapshot state = %v, want running", snap["sess_b"].State)
	}
}
