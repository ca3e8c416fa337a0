package controller

import (
	"log/slog"

	"github.com/hochfrequenz/limitwatch/internal/domain"
	"github.com/hochfrequenz/limitwatch/internal/history"
	"github.com/hochfrequenz/limitwatch/internal/notify"
	"github.com/hochfrequenz/limitwatch/internal/proc"
)

// Recover rebuilds the working set from the last snapshot. Children
// still alive are adopted, actives found dead are queued for a crash
// relaunch, and waits resume against their original deadlines. Call
// before Run.
func (c *Controller) Recover() error {
	snap, source, err := c.states.Load()
	if err != nil {
		return err
	}
	if source != "" {
		c.emit(EventStateCorrupted, "", "state file corrupt, recovered from "+source)
		c.send(notify.Notification{
			Title:   "State recovered from backup",
			Message: "The state file was corrupt; continuing from " + source,
			Type:    notify.NotifyWarning,
		})
	}

	now := c.clock().UTC()
	adopted, relaunch, resumed := 0, 0, 0

	for _, stored := range snap.Sessions {
		sess := stored.Clone()
		rt, rerr := c.newRuntime(sess)
		if rerr != nil {
			return rerr
		}

		switch sess.Status {
		case domain.SessionStopped:
			// History only

		case domain.SessionInactive:
			// Persisted mid-start; the child never ran
			if terr := sess.Transition(domain.SessionStopped); terr != nil {
				c.logger.Error("retire inactive session", slog.String("error", terr.Error()))
			}

		case domain.SessionActive:
			switch {
			case sess.Simulated:
				// A simulated child cannot outlive the supervisor
				sess.Status = domain.SessionStopped
				sess.PID = 0
				c.logger.Info("simulated session retired on restore",
					slog.String("session_id", sess.ID))
			case sess.PID > 0 && proc.PIDAlive(sess.PID):
				if _, aerr := c.sup.Adopt(sess.ID, sess.PID, sess.StartTime); aerr != nil {
					c.logger.Warn("adopt failed",
						slog.String("session_id", sess.ID),
						slog.Int("pid", sess.PID),
						slog.String("error", aerr.Error()))
					sess.PID = 0
					c.scheduleRestart(sess.ID, history.ReasonCrash, "", 0)
					relaunch++
				} else {
					c.hc.Register(sess.ID, sess.PID, false, c.onCrash)
					adopted++
				}
			default:
				sess.PID = 0
				c.scheduleRestart(sess.ID, history.ReasonCrash, "", 0)
				c.emit(EventProcessDied, sess.ID, "process gone after supervisor downtime")
				relaunch++
			}

		case domain.SessionWaiting:
			period := snap.WaitingPeriods[sess.WaitingPeriodID]
			if period != nil && !period.Status.Terminal() {
				cp := *period
				c.tim.Restore(&cp)
				c.mu.Lock()
				c.periods[cp.ID] = &cp
				c.mu.Unlock()
				rt.gate.Arm(now)
				resumed++
			} else {
				// The wait ended while we were down
				c.scheduleRestart(sess.ID, history.ReasonCooldownExpired, sess.WaitingPeriodID, 0)
				rt.gate.Arm(now)
				relaunch++
			}
			if !sess.Simulated && sess.PID > 0 && proc.PIDAlive(sess.PID) {
				if _, aerr := c.sup.Adopt(sess.ID, sess.PID, sess.StartTime); aerr == nil {
					c.hc.Register(sess.ID, sess.PID, false, c.onCrash)
					adopted++
				}
			}
		}

		rt.sess = sess
		c.mu.Lock()
		c.runtimes[sess.ID] = rt
		c.sessions[sess.ID] = sess.Clone()
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.detEvents = append([]*domain.DetectionEvent(nil), snap.DetectionEvents...)
	if len(c.detEvents) > snapshotEventCap {
		c.detEvents = c.detEvents[len(c.detEvents)-snapshotEventCap:]
	}
	c.mu.Unlock()
	c.queue.Replace(snap.QueuedTasks)

	if len(snap.Sessions) > 0 {
		if err := c.persist(); err != nil {
			c.logger.Error("persist after recovery", slog.String("error", err.Error()))
		}
		c.logger.Info("state recovered",
			slog.Int("sessions", len(snap.Sessions)),
			slog.Int("adopted", adopted),
			slog.Int("relaunch_queued", relaunch),
			slog.Int("waits_resumed", resumed),
			slog.Int("queued_tasks", c.queue.Len()))
	}
	return nil
}
