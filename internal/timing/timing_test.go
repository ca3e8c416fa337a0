package timing

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/limitwatch/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingStore collects every persisted period status in order
type recordingStore struct {
	mu    sync.Mutex
	saved []domain.WaitingPeriod
	fail  bool
}

func (r *recordingStore) persist(p *domain.WaitingPeriod) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("disk full")
	}
	r.saved = append(r.saved, *p)
	return nil
}

func (r *recordingStore) statuses() []domain.PeriodStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.PeriodStatus, len(r.saved))
	for i, p := range r.saved {
		out[i] = p.Status
	}
	return out
}

func newTestManager(store *recordingStore) (*Manager, *time.Time) {
	m := NewManager(testLogger(), time.Minute, 30*time.Second, []float64{0.5, 0.25, 0.1}, store.persist)
	current := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }
	return m, &current
}

func TestManager_StartPersistsBeforeReturn(t *testing.T) {
	store := &recordingStore{}
	m, clock := newTestManager(store)

	p, err := m.Start("sess_a", "evt_a", 2*time.Hour)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if p.Status != domain.PeriodActive {
		t.Errorf("Status = %v, want %v", p.Status, domain.PeriodActive)
	}
	wantEnd := clock.Add(2 * time.Hour)
	if !p.EndTime.Equal(wantEnd) {
		t.Errorf("EndTime = %v, want %v", p.EndTime, wantEnd)
	}
	if len(store.saved) != 1 {
		t.Fatalf("persisted %d periods before return, want 1", len(store.saved))
	}
	if store.saved[0].Status != domain.PeriodActive {
		t.Errorf("persisted status = %v, want %v", store.saved[0].Status, domain.PeriodActive)
	}
	if _, ok := m.Get(p.ID); !ok {
		t.Error("Get() after Start should find the period")
	}
}

func TestManager_StartFailsWhenPersistFails(t *testing.T) {
	store := &recordingStore{fail: true}
	m, _ := newTestManager(store)

	p, err := m.Start("sess_a", "evt_a", time.Hour)
	if err == nil {
		t.Fatal("Start() error = nil, want persist failure")
	}
	if domain.KindOf(err) != domain.ErrTiming {
		t.Errorf("KindOf() = %v, want %v", domain.KindOf(err), domain.ErrTiming)
	}
	if p != nil {
		t.Error("Start() returned a period despite persist failure")
	}
}

func TestManager_ClampsToMaxCooldown(t *testing.T) {
	store := &recordingStore{}
	m, clock := newTestManager(store)

	p, err := m.Start("sess_a", "evt_a", 48*time.Hour)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	wantEnd := clock.Add(domain.MaxCooldownDuration)
	if !p.EndTime.Equal(wantEnd) {
		t.Errorf("EndTime = %v, want clamp at %v", p.EndTime, wantEnd)
	}
}

func TestManager_TickCompletesExpiredPeriod(t *testing.T) {
	store := &recordingStore{}
	m, clock := newTestManager(store)

	var mu sync.Mutex
	var completed []*domain.WaitingPeriod
	m.SetCallbacks(func(p *domain.WaitingPeriod) {
		mu.Lock()
		completed = append(completed, p)
		mu.Unlock()
	}, nil)

	p, err := m.Start("sess_a", "evt_a", 2*time.Hour)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	*clock = clock.Add(time.Hour)
	m.Tick()
	mu.Lock()
	n := len(completed)
	mu.Unlock()
	if n != 0 {
		t.Fatalf("period completed %d times before its deadline", n)
	}

	*clock = clock.Add(90 * time.Minute)
	m.Tick()
	mu.Lock()
	defer mu.Unlock()
	if len(completed) != 1 {
		t.Fatalf("expiry callback ran %d times, want 1", len(completed))
	}
	if completed[0].ID != p.ID {
		t.Errorf("completed period = %s, want %s", completed[0].ID, p.ID)
	}
	if completed[0].Status != domain.PeriodCompleted {
		t.Errorf("Status = %v, want %v", completed[0].Status, domain.PeriodCompleted)
	}
	if _, ok := m.Get(p.ID); ok {
		t.Error("Get() after completion should not find the period")
	}

	got := store.statuses()
	if len(got) != 2 || got[1] != domain.PeriodCompleted {
		t.Errorf("persisted statuses = %v, want [active completed]", got)
	}
}

func TestManager_EndTimeNeverMoves(t *testing.T) {
	store := &recordingStore{}
	m, clock := newTestManager(store)

	p, err := m.Start("sess_a", "evt_a", 5*time.Hour)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	originalEnd := p.EndTime

	// Ticks with heavy skew must count drift without touching deadlines
	m.Tick()
	*clock = clock.Add(10 * time.Minute)
	m.Tick()

	if m.DriftEvents() != 1 {
		t.Errorf("DriftEvents() = %d, want 1", m.DriftEvents())
	}
	got, ok := m.Get(p.ID)
	if !ok {
		t.Fatal("Get() should still find the period")
	}
	if !got.EndTime.Equal(originalEnd) {
		t.Errorf("EndTime = %v, want unchanged %v", got.EndTime, originalEnd)
	}
}

func TestManager_ProgressFractionsFireOnce(t *testing.T) {
	store := &recordingStore{}
	m, clock := newTestManager(store)

	var mu sync.Mutex
	var fired []float64
	m.SetCallbacks(nil, func(p *domain.WaitingPeriod, fraction float64, remaining time.Duration) {
		mu.Lock()
		fired = append(fired, fraction)
		mu.Unlock()
	})

	if _, err := m.Start("sess_a", "evt_a", 100*time.Minute); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// 45% remaining crosses only the 0.5 threshold
	*clock = clock.Add(55 * time.Minute)
	m.Tick()
	m.Tick()
	mu.Lock()
	got := append([]float64(nil), fired...)
	mu.Unlock()
	if len(got) != 1 || got[0] != 0.5 {
		t.Fatalf("fired = %v, want [0.5]", got)
	}

	// 5% remaining crosses 0.25 and 0.1 in one tick
	*clock = clock.Add(40 * time.Minute)
	m.Tick()
	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 3 || fired[1] != 0.25 || fired[2] != 0.1 {
		t.Errorf("fired = %v, want [0.5 0.25 0.1]", fired)
	}
}

func TestManager_Cancel(t *testing.T) {
	store := &recordingStore{}
	m, _ := newTestManager(store)

	p, err := m.Start("sess_a", "evt_a", time.Hour)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Cancel(p.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if _, ok := m.Get(p.ID); ok {
		t.Error("Get() after cancel should not find the period")
	}
	got := store.statuses()
	if len(got) != 2 || got[1] != domain.PeriodCancelled {
		t.Errorf("persisted statuses = %v, want [active cancelled]", got)
	}

	if err := m.Cancel(p.ID); err == nil {
		t.Error("Cancel() of an untracked period should fail")
	}
}

func TestManager_RestoreExpiredCompletesOnFirstTick(t *testing.T) {
	store := &recordingStore{}
	m, clock := newTestManager(store)

	var completed int
	m.SetCallbacks(func(*domain.WaitingPeriod) { completed++ }, nil)

	// Ended an hour before the manager came back up
	p := domain.NewWaitingPeriod("sess_a", "evt_a", clock.Add(-3*time.Hour), 2*time.Hour)
	p.Status = domain.PeriodActive
	m.Restore(p)

	m.Tick()
	if completed != 1 {
		t.Errorf("expiry callback ran %d times, want 1", completed)
	}
}

func TestManager_RestoreIgnoresTerminalPeriods(t *testing.T) {
	store := &recordingStore{}
	m, clock := newTestManager(store)

	p := domain.NewWaitingPeriod("sess_a", "evt_a", *clock, time.Hour)
	p.Status = domain.PeriodCompleted
	m.Restore(p)

	if _, ok := m.Get(p.ID); ok {
		t.Error("Restore() should ignore terminal periods")
	}
}

func TestManager_ForSession(t *testing.T) {
	store := &recordingStore{}
	m, _ := newTestManager(store)

	p, err := m.Start("sess_a", "evt_a", time.Hour)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	got, ok := m.ForSession("sess_a")
	if !ok || got.ID != p.ID {
		t.Errorf("ForSession(sess_a) = %v, %v, want period %s", got, ok, p.ID)
	}
	if _, ok := m.ForSession("sess_other"); ok {
		t.Error("ForSession() for an unknown session should report false")
	}
}

func TestManager_Remaining(t *testing.T) {
	store := &recordingStore{}
	m, clock := newTestManager(store)

	p, err := m.Start("sess_a", "evt_a", 2*time.Hour)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	*clock = clock.Add(30 * time.Minute)
	rem, ok := m.Remaining(p.ID)
	if !ok {
		t.Fatal("Remaining() ok = false, want true")
	}
	if rem != 90*time.Minute {
		t.Errorf("Remaining() = %v, want 90m", rem)
	}
}
