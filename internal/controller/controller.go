// Package controller wires the supervisor together. It owns the
// sessions, feeds child output through usage-limit detection and the
// task completion gate, runs waiting periods to their deadline, and
// relaunches the child when a cooldown ends or the process dies.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/limitwatch/internal/config"
	"github.com/hochfrequenz/limitwatch/internal/detector"
	"github.com/hochfrequenz/limitwatch/internal/domain"
	"github.com/hochfrequenz/limitwatch/internal/health"
	"github.com/hochfrequenz/limitwatch/internal/history"
	"github.com/hochfrequenz/limitwatch/internal/notify"
	"github.com/hochfrequenz/limitwatch/internal/proc"
	"github.com/hochfrequenz/limitwatch/internal/state"
	"github.com/hochfrequenz/limitwatch/internal/taskmon"
	"github.com/hochfrequenz/limitwatch/internal/taskqueue"
	"github.com/hochfrequenz/limitwatch/internal/timing"
)

// Event kinds published on the controller's event stream
const (
	EventSessionStarted   = "session_started"
	EventDetection        = "detection"
	EventWaitingStarted   = "waiting_started"
	EventWaitingProgress  = "waiting_progress"
	EventRestartAttempt   = "restart_attempt"
	EventRestartSucceeded = "restart_succeeded"
	EventProcessDied      = "process_died"
	EventSessionStopped   = "session_stopped"
	EventRetriesExhausted = "retries_exhausted"
	EventStateCorrupted   = "state_corrupted"
	EventTaskDispatched   = "task_dispatched"
	EventConfigReloaded   = "config_reloaded"
)

// Event is one entry on the controller's activity stream
type Event struct {
	Kind      string    `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// EventSink receives every controller event, for the live stream
type EventSink func(ev Event)

const (
	recentEventCap   = 100
	snapshotEventCap = 500
	intentPollPeriod = time.Second
)

// sessionRuntime bundles the per-session machinery. det, gate, and
// rcfg are set at creation and never replaced; lock guards sess.
type sessionRuntime struct {
	lock sync.Mutex
	sess *domain.Session
	det  *detector.Detector
	gate *taskmon.Monitor
	rcfg *domain.RestartConfig
}

// restartIntent is a relaunch the run loop still has to perform.
// attempt counts failed tries so far.
type restartIntent struct {
	sessionID string
	reason    string
	periodID  string
	attempt   int
	nextTry   time.Time
	lastErr   error
}

// Controller coordinates every subsystem. Lock order is runtime lock,
// then saveMu, then mu; persist is never called with mu held.
type Controller struct {
	logger *slog.Logger
	cfg    *config.Config

	sup    *proc.Supervisor
	hc     *health.Checker
	tim    *timing.Manager
	states *state.Store
	hist   *history.Store
	queue  *taskqueue.Queue
	notif  notify.Notifier

	clock     func() time.Time
	startedAt time.Time

	mu        sync.Mutex
	runtimes  map[string]*sessionRuntime
	sessions  map[string]*domain.Session       // published clones for readers
	periods   map[string]*domain.WaitingPeriod // published copies for readers
	detEvents []*domain.DetectionEvent
	pending   map[string]*restartIntent
	recent    []Event
	launchCtx context.Context

	sinkMu sync.Mutex
	sink   EventSink

	saveMu sync.Mutex
}

// Options configures a controller. Config is required; everything else
// has a working default.
type Options struct {
	Config   *config.Config
	Logger   *slog.Logger
	Notifier notify.Notifier
}

// New builds a controller and its subsystems. The history database is
// opened here; call Close to release it.
func New(opts Options) (*Controller, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.FromConfig(cfg.Notifications.Desktop, cfg.Notifications.SlackWebhook)
	}

	hist, err := history.New(logger, cfg.General.DatabasePath)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		logger:    logger,
		cfg:       cfg,
		hist:      hist,
		queue:     taskqueue.New(),
		notif:     notifier,
		clock:     time.Now,
		startedAt: time.Now().UTC(),
		runtimes:  make(map[string]*sessionRuntime),
		sessions:  make(map[string]*domain.Session),
		periods:   make(map[string]*domain.WaitingPeriod),
		pending:   make(map[string]*restartIntent),
		launchCtx: context.Background(),
	}

	c.sup = proc.NewSupervisor(logger, nil, cfg.Monitor.OutputBufferLines, cfg.LogDir())
	c.sup.SetExitCallback(c.onExit)
	c.sup.SetLineCallback(c.onLine)

	c.hc = health.New(logger, cfg.Monitor.CheckInterval(),
		float64(cfg.Monitor.MaxMemoryMB), cfg.Monitor.MaxCPUPercent)

	c.tim = timing.NewManager(logger, cfg.Timing.CheckFrequency(), cfg.Timing.DriftTolerance(),
		cfg.Timing.NotificationFractions, c.persistPeriod)
	c.tim.SetCallbacks(c.onExpired, c.onProgress)

	c.states = state.NewStore(logger, cfg.StateFilePath(), cfg.BackupDir(), cfg.State.BackupCount)

	return c, nil
}

// SetEventSink registers the live event receiver. Events emitted
// earlier are kept in the recent ring but not replayed.
func (c *Controller) SetEventSink(sink EventSink) {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	c.sink = sink
}

// ApplyConfig propagates the live-reloadable parts of a changed
// configuration to running sessions: detector patterns and the
// confidence threshold. Everything else takes effect on the next
// supervisor start.
func (c *Controller) ApplyConfig(cfg *config.Config) {
	c.mu.Lock()
	rts := make([]*sessionRuntime, 0, len(c.runtimes))
	for _, rt := range c.runtimes {
		rts = append(rts, rt)
	}
	c.mu.Unlock()

	for _, rt := range rts {
		if err := rt.det.SetPatterns(cfg.Detector.Patterns); err != nil {
			c.logger.Error("pattern reload rejected", slog.String("error", err.Error()))
			return
		}
		rt.det.SetMinConfidence(cfg.Detector.MinConfidence)
	}
	c.emit(EventConfigReloaded, "", fmt.Sprintf("%d detection patterns active", len(cfg.Detector.Patterns)))
	c.logger.Info("configuration reloaded",
		slog.Int("patterns", len(cfg.Detector.Patterns)),
		slog.Float64("min_confidence", cfg.Detector.MinConfidence))
}

// Run drives the background machinery until ctx is cancelled: waiting
// period ticks, health polling, the restart loop, and scheduled
// maintenance. A final snapshot is written on the way out. Children
// are left running so a later start can adopt them.
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.tim.Run(ctx)
		return nil
	})
	g.Go(func() error {
		c.hc.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return c.loop(ctx)
	})
	if c.cfg.Maintenance.Enabled {
		g.Go(func() error {
			return c.maintenanceLoop(ctx)
		})
	}
	err := g.Wait()

	if perr := c.persist(); perr != nil {
		c.logger.Error("final state save", slog.String("error", perr.Error()))
	}
	c.hist.Flush()
	if err == context.Canceled {
		return nil
	}
	return err
}

// Close flushes and closes the history database. Call after Run has
// returned.
func (c *Controller) Close() error {
	return c.hist.Close()
}

// loop processes due restart intents once a second and drives the
// periodic state auto-save.
func (c *Controller) loop(ctx context.Context) error {
	ticker := time.NewTicker(intentPollPeriod)
	defer ticker.Stop()

	lastSave := c.clock()
	autoSave := c.cfg.State.AutoSaveInterval()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := c.clock().UTC()
			c.processPending(now)
			if autoSave > 0 && now.Sub(lastSave) >= autoSave {
				lastSave = now
				if err := c.persist(); err != nil {
					c.logger.Error("auto-save", slog.String("error", err.Error()))
				}
			}
		}
	}
}

// runtime returns the machinery for a session, if it exists
func (c *Controller) runtime(sessionID string) (*sessionRuntime, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rt, ok := c.runtimes[sessionID]
	return rt, ok
}

// publish stores a read-only clone of the session for status readers.
// The caller holds the runtime lock.
func (c *Controller) publish(sess *domain.Session) {
	cp := sess.Clone()
	c.mu.Lock()
	c.sessions[cp.ID] = cp
	c.mu.Unlock()
}

// persist writes the full working set to the state file. saveMu keeps
// snapshot assembly and save atomic relative to other persists.
func (c *Controller) persist() error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	snap := state.NewSnapshot()
	c.mu.Lock()
	for id, s := range c.sessions {
		snap.Sessions[id] = s.Clone()
	}
	for id, p := range c.periods {
		cp := *p
		snap.WaitingPeriods[id] = &cp
	}
	snap.DetectionEvents = append([]*domain.DetectionEvent(nil), c.detEvents...)
	c.mu.Unlock()
	snap.QueuedTasks = c.queue.List()

	return c.states.Save(snap)
}

// persistPeriod is the timing manager's persist hook: the period copy
// becomes visible to readers, then the whole snapshot is saved.
func (c *Controller) persistPeriod(p *domain.WaitingPeriod) error {
	cp := *p
	c.mu.Lock()
	c.periods[cp.ID] = &cp
	c.mu.Unlock()
	return c.persist()
}

// recordDetection keeps the event for snapshots, newest last
func (c *Controller) recordDetection(ev *domain.DetectionEvent) {
	c.mu.Lock()
	c.detEvents = append(c.detEvents, ev)
	if len(c.detEvents) > snapshotEventCap {
		c.detEvents = c.detEvents[len(c.detEvents)-snapshotEventCap:]
	}
	c.mu.Unlock()
}

// emit records an event in the recent ring and forwards it to the sink
func (c *Controller) emit(kind, sessionID, message string) {
	ev := Event{Kind: kind, SessionID: sessionID, Message: message, At: c.clock().UTC()}

	c.mu.Lock()
	c.recent = append(c.recent, ev)
	if len(c.recent) > recentEventCap {
		c.recent = c.recent[len(c.recent)-recentEventCap:]
	}
	c.mu.Unlock()

	c.sinkMu.Lock()
	sink := c.sink
	c.sinkMu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

// send pushes a notification without blocking the calling path
func (c *Controller) send(n notify.Notification) {
	go func() {
		if err := c.notif.Send(n); err != nil {
			c.logger.Warn("notification failed",
				slog.String("title", n.Title),
				slog.String("error", err.Error()))
		}
	}()
}

// RecentEvents returns the newest controller events, oldest first
func (c *Controller) RecentEvents() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.recent...)
}

// DriftEvents reports how many clock skew excursions the timing
// manager has observed.
func (c *Controller) DriftEvents() int {
	return c.tim.DriftEvents()
}
