// Package timing runs waiting-period countdowns. Deadlines are
// absolute: EndTime is fixed when a period starts and expiry is a
// comparison against the wall clock, so neither supervisor restarts
// nor clock drift ever stretch a wait.
package timing

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/limitwatch/internal/domain"
)

// ExpiredCallback runs when a period's deadline passes
type ExpiredCallback func(period *domain.WaitingPeriod)

// ProgressCallback runs when the remaining share of a period first
// drops to a notification fraction.
type ProgressCallback func(period *domain.WaitingPeriod, fraction float64, remaining time.Duration)

// PersistFunc saves a period. It runs before any status change
// becomes visible to callers.
type PersistFunc func(period *domain.WaitingPeriod) error

type tracked struct {
	period *domain.WaitingPeriod
	fired  map[float64]bool
}

// Manager tracks active waiting periods and polls them for expiry
type Manager struct {
	logger         *slog.Logger
	frequency      time.Duration
	driftTolerance time.Duration
	fractions      []float64
	persist        PersistFunc
	now            func() time.Time

	cbMu       sync.Mutex
	onExpired  ExpiredCallback
	onProgress ProgressCallback

	mu          sync.Mutex
	periods     map[string]*tracked
	lastTick    time.Time
	driftEvents int
}

// NewManager creates a manager. fractions are remaining-time shares
// (for example 0.5, 0.25, 0.1) at which progress notifications fire,
// each at most once per period.
func NewManager(logger *slog.Logger, frequency, driftTolerance time.Duration, fractions []float64, persist PersistFunc) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if frequency <= 0 {
		frequency = time.Minute
	}
	sorted := append([]float64(nil), fractions...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	return &Manager{
		logger:         logger,
		frequency:      frequency,
		driftTolerance: driftTolerance,
		fractions:      sorted,
		persist:        persist,
		now:            time.Now,
		periods:        make(map[string]*tracked),
	}
}

// SetCallbacks registers the expiry and progress handlers
func (m *Manager) SetCallbacks(onExpired ExpiredCallback, onProgress ProgressCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onExpired = onExpired
	m.onProgress = onProgress
}

// Start opens a waiting period of duration d for a session. The period
// is persisted before it is returned; a persist failure means no
// period exists.
func (m *Manager) Start(sessionID, eventID string, d time.Duration) (*domain.WaitingPeriod, error) {
	if d > domain.MaxCooldownDuration {
		d = domain.MaxCooldownDuration
	}
	p := domain.NewWaitingPeriod(sessionID, eventID, m.now().UTC(), d)
	p.Status = domain.PeriodActive

	if err := m.persistPeriod(p); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.periods[p.ID] = &tracked{period: p, fired: make(map[float64]bool)}
	m.mu.Unlock()

	m.logger.Info("waiting started",
		slog.String("period_id", p.ID),
		slog.String("session_id", sessionID),
		slog.Duration("duration", d),
		slog.Time("end_time", p.EndTime))
	return p, nil
}

// Restore re-tracks a period loaded from a state snapshot. Periods
// that expired while we were down complete on the first tick.
func (m *Manager) Restore(p *domain.WaitingPeriod) {
	if p == nil || p.Status.Terminal() {
		return
	}
	cp := *p
	cp.Status = domain.PeriodActive

	m.mu.Lock()
	m.periods[cp.ID] = &tracked{period: &cp, fired: make(map[float64]bool)}
	m.mu.Unlock()

	m.logger.Info("waiting restored",
		slog.String("period_id", cp.ID),
		slog.String("session_id", cp.SessionID),
		slog.Time("end_time", cp.EndTime))
}

// Cancel ends a period early, for forced stops. The cancelled status
// is persisted before the period is dropped from tracking.
func (m *Manager) Cancel(periodID string) error {
	m.mu.Lock()
	tr, ok := m.periods[periodID]
	m.mu.Unlock()
	if !ok {
		return domain.Errorf(domain.ErrTiming, "no active period %s", periodID)
	}

	tr.period.Status = domain.PeriodCancelled
	if err := m.persistPeriod(tr.period); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.periods, periodID)
	m.mu.Unlock()

	m.logger.Info("waiting cancelled", slog.String("period_id", periodID))
	return nil
}

// Get returns a tracked period by ID
func (m *Manager) Get(periodID string) (*domain.WaitingPeriod, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.periods[periodID]
	if !ok {
		return nil, false
	}
	cp := *tr.period
	return &cp, true
}

// ForSession returns the session's tracked period, if any
func (m *Manager) ForSession(sessionID string) (*domain.WaitingPeriod, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tr := range m.periods {
		if tr.period.SessionID == sessionID {
			cp := *tr.period
			return &cp, true
		}
	}
	return nil, false
}

// Remaining returns the time left on a tracked period
func (m *Manager) Remaining(periodID string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.periods[periodID]
	if !ok {
		return 0, false
	}
	return tr.period.Remaining(m.now()), true
}

// DriftEvents returns how many tick-skew excursions were observed
func (m *Manager) DriftEvents() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.driftEvents
}

// Run polls tracked periods until ctx is cancelled
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.frequency)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

// Tick checks every tracked period once: notes clock drift, fires due
// progress notifications, and completes expired periods. Expiry
// callbacks run outside the lock.
func (m *Manager) Tick() {
	now := m.now().UTC()

	m.cbMu.Lock()
	onExpired := m.onExpired
	onProgress := m.onProgress
	m.cbMu.Unlock()

	type progressEvent struct {
		period    *domain.WaitingPeriod
		fraction  float64
		remaining time.Duration
	}
	var expired []*domain.WaitingPeriod
	var progress []progressEvent

	m.mu.Lock()
	m.noteDrift(now)
	for id, tr := range m.periods {
		p := tr.period
		if p.Expired(now) {
			p.Status = domain.PeriodCompleted
			delete(m.periods, id)
			expired = append(expired, p)
			continue
		}
		frac := p.FractionRemaining(now)
		for _, f := range m.fractions {
			if frac <= f && !tr.fired[f] {
				tr.fired[f] = true
				progress = append(progress, progressEvent{period: p, fraction: f, remaining: p.Remaining(now)})
			}
		}
	}
	m.mu.Unlock()

	for _, ev := range progress {
		m.logger.Info("waiting progress",
			slog.String("period_id", ev.period.ID),
			slog.Float64("fraction_remaining", ev.fraction),
			slog.Duration("remaining", ev.remaining))
		if onProgress != nil {
			onProgress(ev.period, ev.fraction, ev.remaining)
		}
	}
	for _, p := range expired {
		if err := m.persistPeriod(p); err != nil {
			m.logger.Error("persist completed period",
				slog.String("period_id", p.ID),
				slog.String("error", err.Error()))
		}
		m.logger.Info("waiting completed",
			slog.String("period_id", p.ID),
			slog.String("session_id", p.SessionID))
		if onExpired != nil {
			onExpired(p)
		}
	}
}

// noteDrift compares the actual tick time against the expected one.
// Drift is observed and counted only; deadlines stay untouched, so a
// forward jump simply expires periods at this tick and a backward jump
// lengthens nothing.
func (m *Manager) noteDrift(now time.Time) {
	if !m.lastTick.IsZero() {
		skew := now.Sub(m.lastTick) - m.frequency
		if skew < 0 {
			skew = -skew
		}
		if m.driftTolerance > 0 && skew > m.driftTolerance {
			m.driftEvents++
			m.logger.Warn("clock drift detected",
				slog.Duration("skew", skew),
				slog.Duration("tolerance", m.driftTolerance))
		}
	}
	m.lastTick = now
}

func (m *Manager) persistPeriod(p *domain.WaitingPeriod) error {
	if m.persist == nil {
		return nil
	}
	if err := m.persist(p); err != nil {
		return domain.E(domain.ErrTiming, "persist period "+p.ID, err)
	}
	return nil
}
