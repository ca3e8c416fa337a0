package controller

import (
	"sort"
	"time"

	"github.com/hochfrequenz/limitwatch/internal/domain"
	"github.com/hochfrequenz/limitwatch/internal/health"
	"github.com/hochfrequenz/limitwatch/internal/history"
	"github.com/hochfrequenz/limitwatch/internal/taskmon"
	"github.com/hochfrequenz/limitwatch/internal/taskqueue"
)

// SessionView is the status surface for one session
type SessionView struct {
	Session      *domain.Session       `json:"session"`
	Health       *health.Metrics       `json:"health,omitempty"`
	Period       *domain.WaitingPeriod `json:"waiting_period,omitempty"`
	RemainingMs  int64                 `json:"remaining_ms,omitempty"`
	Gate         *taskmon.Status       `json:"task_gate,omitempty"`
	RecentOutput []string              `json:"recent_output,omitempty"`
}

// Overview is the whole-supervisor status surface
type Overview struct {
	StartedAt    time.Time      `json:"started_at"`
	Sessions     []*SessionView `json:"sessions"`
	QueueLength  int            `json:"queue_length"`
	DriftEvents  int            `json:"drift_events"`
	RecentEvents []Event        `json:"recent_events,omitempty"`
}

// view assembles the status for one published session clone
func (c *Controller) view(sess *domain.Session, withOutput bool) *SessionView {
	v := &SessionView{Session: sess}

	if m, ok := c.hc.Metrics(sess.ID); ok {
		v.Health = &m
	}
	if sess.WaitingPeriodID != "" {
		c.mu.Lock()
		p := c.periods[sess.WaitingPeriodID]
		c.mu.Unlock()
		if p != nil {
			cp := *p
			v.Period = &cp
			v.RemainingMs = cp.Remaining(c.clock().UTC()).Milliseconds()
		}
	}
	if rt, ok := c.runtime(sess.ID); ok {
		st := rt.gate.State()
		if st.Armed {
			v.Gate = &st
		}
	}
	if withOutput {
		if p, ok := c.sup.Get(sess.ID); ok {
			v.RecentOutput = p.Capture().Recent(10)
		}
	}
	return v
}

// Session returns the status of one session
func (c *Controller) Session(sessionID string) (*SessionView, bool) {
	c.mu.Lock()
	sess := c.sessions[sessionID]
	c.mu.Unlock()
	if sess == nil {
		return nil, false
	}
	return c.view(sess.Clone(), true), true
}

// Sessions returns every session's status, oldest first
func (c *Controller) Sessions() []*SessionView {
	c.mu.Lock()
	clones := make([]*domain.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		clones = append(clones, s.Clone())
	}
	c.mu.Unlock()

	sort.Slice(clones, func(i, j int) bool {
		if clones[i].StartTime.Equal(clones[j].StartTime) {
			return clones[i].ID < clones[j].ID
		}
		return clones[i].StartTime.Before(clones[j].StartTime)
	})

	views := make([]*SessionView, len(clones))
	for i, s := range clones {
		views[i] = c.view(s, false)
	}
	return views
}

// Overview returns the whole-supervisor status
func (c *Controller) Overview() *Overview {
	return &Overview{
		StartedAt:    c.startedAt,
		Sessions:     c.Sessions(),
		QueueLength:  c.queue.Len(),
		DriftEvents:  c.tim.DriftEvents(),
		RecentEvents: c.RecentEvents(),
	}
}

// QueueAdd queues a task, optionally expanded from a template. The
// queue is persisted with the next snapshot immediately.
func (c *Controller) QueueAdd(description, templateID string) (*domain.QueuedTask, error) {
	var task *domain.QueuedTask
	if templateID != "" {
		tpl, ok := taskqueue.FindTemplate(templateID)
		if !ok {
			return nil, domain.Errorf(domain.ErrTask, "unknown template %q", templateID)
		}
		task = tpl.Apply(description)
		if err := c.queue.AddTask(task); err != nil {
			return nil, err
		}
	} else {
		t, err := c.queue.Add(description)
		if err != nil {
			return nil, err
		}
		task = t
	}
	c.persistQueue()
	c.logger.Info("task queued",
		"task_id", task.ID,
		"template", templateID,
		"queue_length", c.queue.Len())
	return task, nil
}

// QueueList returns the queued tasks in dispatch order
func (c *Controller) QueueList() []*domain.QueuedTask {
	return c.queue.List()
}

// QueueRemove deletes tasks by their 1-based list positions
func (c *Controller) QueueRemove(indices []int) ([]*domain.QueuedTask, error) {
	removed, err := c.queue.Remove(indices)
	if err != nil {
		return nil, err
	}
	c.persistQueue()
	return removed, nil
}

// QueueClear drops all queued tasks and returns how many were dropped
func (c *Controller) QueueClear() int {
	n := c.queue.Clear()
	c.persistQueue()
	return n
}

// persistQueue saves after a queue mutation. Failures are logged, not
// surfaced; the auto-save retries shortly.
func (c *Controller) persistQueue() {
	if err := c.persist(); err != nil {
		c.logger.Warn("persist queue", "error", err.Error())
	}
}

// Events lists recorded detection events, pending writes included
func (c *Controller) Events(opts history.EventListOptions) ([]*domain.DetectionEvent, error) {
	c.hist.Flush()
	return c.hist.ListEvents(opts)
}

// Restarts lists recorded relaunch attempts, pending writes included
func (c *Controller) Restarts(opts history.RestartListOptions) ([]*history.RestartAttempt, error) {
	c.hist.Flush()
	return c.hist.ListRestarts(opts)
}
