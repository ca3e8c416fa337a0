// Package health classifies supervised processes by polling /proc and
// raises a crash callback when a watched PID disappears. Simulated
// sessions are tracked as always-healthy entries so status surfaces
// treat them uniformly.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hochfrequenz/limitwatch/internal/domain"
	"github.com/hochfrequenz/limitwatch/internal/proc"
)

// userHZ is the kernel's clock tick rate for utime/stime accounting.
// Linux fixes USER_HZ at 100 regardless of the scheduler tick.
const userHZ = 100

// Metrics is one health sample for a supervised process
type Metrics struct {
	State      domain.ProcState `json:"state"`
	CPUPercent float64          `json:"cpu_percent"`
	MemoryMB   float64          `json:"memory_mb"`
	Threads    int              `json:"threads"`
	OpenFiles  int              `json:"open_files"`
	CheckedAt  time.Time        `json:"checked_at"`
}

// CrashCallback fires when a watched process is found dead. It fires
// at most once per registration.
type CrashCallback func(sessionID string, pid int)

type watch struct {
	pid           int
	simulated     bool
	onCrash       CrashCallback
	crashNotified bool
	memWarned     bool
	cpuWarned     bool
	lastTicks     uint64
	lastSample    time.Time
	haveTicks     bool
	metrics       Metrics
}

// Checker polls registered processes on an interval and keeps the most
// recent sample per session.
type Checker struct {
	logger        *slog.Logger
	interval      time.Duration
	maxMemoryMB   float64
	maxCPUPercent float64

	mu      sync.Mutex
	watches map[string]*watch
}

// New creates a checker. Thresholds of zero disable the corresponding
// resource warnings.
func New(logger *slog.Logger, interval time.Duration, maxMemoryMB, maxCPUPercent float64) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Checker{
		logger:        logger,
		interval:      interval,
		maxMemoryMB:   maxMemoryMB,
		maxCPUPercent: maxCPUPercent,
		watches:       make(map[string]*watch),
	}
}

// Register starts watching a PID for a session. Re-registering the
// same session resets the crash debounce, so a relaunched child gets a
// fresh callback.
func (c *Checker) Register(sessionID string, pid int, simulated bool, onCrash CrashCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watches[sessionID] = &watch{
		pid:       pid,
		simulated: simulated,
		onCrash:   onCrash,
		metrics:   Metrics{State: domain.ProcUnknown, CheckedAt: time.Now().UTC()},
	}
}

// Unregister stops watching a session. Call it before a planned stop
// so the crash callback does not fire for a requested termination.
func (c *Checker) Unregister(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.watches, sessionID)
}

// Metrics returns the latest sample for a session
func (c *Checker) Metrics(sessionID string) (Metrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.watches[sessionID]
	if !ok {
		return Metrics{}, false
	}
	return w.metrics, true
}

// Snapshot returns the latest sample for every watched session
func (c *Checker) Snapshot() map[string]Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Metrics, len(c.watches))
	for id, w := range c.watches {
		out[id] = w.metrics
	}
	return out
}

// Run polls until ctx is cancelled
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckNow()
		}
	}
}

// CheckNow samples every watched process once. Crash callbacks run
// outside the checker lock.
func (c *Checker) CheckNow() {
	type crashed struct {
		sessionID string
		pid       int
		cb        CrashCallback
	}
	var fired []crashed

	c.mu.Lock()
	now := time.Now().UTC()
	for id, w := range c.watches {
		m := c.sample(w, now)
		w.metrics = m
		if m.State == domain.ProcCrashed && !w.crashNotified {
			w.crashNotified = true
			if w.onCrash != nil {
				fired = append(fired, crashed{sessionID: id, pid: w.pid, cb: w.onCrash})
			}
		}
		c.warnThresholds(id, w, m)
	}
	c.mu.Unlock()

	for _, f := range fired {
		c.logger.Warn("process crashed",
			slog.String("session_id", f.sessionID),
			slog.Int("pid", f.pid))
		f.cb(f.sessionID, f.pid)
	}
}

// sample reads one process's /proc entries. Called with the lock held.
func (c *Checker) sample(w *watch, now time.Time) Metrics {
	if w.simulated {
		return Metrics{State: domain.ProcRunning, CheckedAt: now}
	}

	st, err := readStat(w.pid)
	if err != nil {
		if proc.PIDAlive(w.pid) {
			// Transient read failure on a live process
			return Metrics{State: domain.ProcUnknown, CheckedAt: now}
		}
		return Metrics{State: domain.ProcCrashed, CheckedAt: now}
	}

	m := Metrics{
		State:     stateFromChar(st.state),
		Threads:   st.threads,
		OpenFiles: countOpenFiles(w.pid),
		CheckedAt: now,
	}
	if rss, err := readRSSBytes(w.pid); err == nil {
		m.MemoryMB = float64(rss) / (1024 * 1024)
	}

	ticks := st.totalTicks()
	if w.haveTicks {
		wall := now.Sub(w.lastSample).Seconds()
		if wall > 0 && ticks >= w.lastTicks {
			m.CPUPercent = float64(ticks-w.lastTicks) / userHZ / wall * 100
		}
	}
	w.lastTicks = ticks
	w.lastSample = now
	w.haveTicks = true
	return m
}

// warnThresholds logs when a resource crosses its limit, once per
// excursion. Called with the lock held.
func (c *Checker) warnThresholds(sessionID string, w *watch, m Metrics) {
	if m.State.Dead() || m.State == domain.ProcUnknown {
		return
	}
	if c.maxMemoryMB > 0 {
		over := m.MemoryMB > c.maxMemoryMB
		if over && !w.memWarned {
			c.logger.Warn("memory threshold exceeded",
				slog.String("session_id", sessionID),
				slog.Float64("memory_mb", m.MemoryMB),
				slog.Float64("threshold_mb", c.maxMemoryMB))
		}
		w.memWarned = over
	}
	if c.maxCPUPercent > 0 {
		over := m.CPUPercent > c.maxCPUPercent
		if over && !w.cpuWarned {
			c.logger.Warn("cpu threshold exceeded",
				slog.String("session_id", sessionID),
				slog.Float64("cpu_percent", m.CPUPercent),
				slog.Float64("threshold_percent", c.maxCPUPercent))
		}
		w.cpuWarned = over
	}
}
