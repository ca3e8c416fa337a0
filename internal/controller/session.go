package controller

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/limitwatch/internal/detector"
	"github.com/hochfrequenz/limitwatch/internal/domain"
	"github.com/hochfrequenz/limitwatch/internal/history"
	"github.com/hochfrequenz/limitwatch/internal/notify"
	"github.com/hochfrequenz/limitwatch/internal/proc"
	"github.com/hochfrequenz/limitwatch/internal/taskmon"
)

// StartOptions describes a session launch. Empty fields fall back to
// the configured restart command.
type StartOptions struct {
	Command  string
	Args     []string
	WorkDir  string
	Simulate bool
}

// newRuntime builds the per-session machinery from the configuration
func (c *Controller) newRuntime(sess *domain.Session) (*sessionRuntime, error) {
	det, err := detector.New(c.cfg.Detector.Patterns, c.cfg.Detector.MinConfidence,
		c.cfg.Detector.ContextLines, c.logger)
	if err != nil {
		return nil, err
	}
	gate, err := taskmon.New(c.cfg.Completion.StartPatterns, c.cfg.Completion.CompletionPatterns,
		c.cfg.Completion.InactivityThreshold(), c.cfg.Completion.Timeout(), c.cfg.Completion.GracePeriod())
	if err != nil {
		return nil, err
	}

	rcfg := domain.NewRestartConfig(sess.Command, sess.RestartArgs, sess.WorkDir)
	rcfg.RetryCount = c.cfg.Restart.RetryCount
	rcfg.RetryDelaySeconds = c.cfg.Restart.RetryDelaySeconds
	if err := rcfg.Validate(); err != nil {
		return nil, err
	}

	return &sessionRuntime{sess: sess, det: det, gate: gate, rcfg: rcfg}, nil
}

// StartSession launches a new supervised session. The session becomes
// visible only after its first snapshot is on disk; a persist failure
// tears the child down again.
func (c *Controller) StartSession(opts StartOptions) (*domain.Session, error) {
	command := opts.Command
	args := opts.Args
	workDir := opts.WorkDir
	if command == "" {
		command = c.cfg.Restart.Command
		if len(args) == 0 {
			args = c.cfg.Restart.Args
		}
		if workDir == "" {
			workDir = c.cfg.Restart.WorkDir
		}
	}
	if opts.Simulate && !c.cfg.Monitor.AllowSimulation {
		return nil, domain.Errorf(domain.ErrProcess, "simulated sessions are disabled")
	}

	c.mu.Lock()
	active := 0
	for _, s := range c.sessions {
		if s.Status != domain.SessionStopped {
			active++
		}
	}
	c.mu.Unlock()
	if max := c.cfg.Monitor.MaxSessions; max > 0 && active >= max {
		return nil, domain.Errorf(domain.ErrProcess, "session limit %d reached", max)
	}

	sess := domain.NewSession(command, args, workDir)
	sess.Simulated = opts.Simulate
	rt, err := c.newRuntime(sess)
	if err != nil {
		return nil, err
	}

	rt.lock.Lock()
	defer rt.lock.Unlock()

	// Visible before launch so output callbacks find the runtime
	c.mu.Lock()
	c.runtimes[sess.ID] = rt
	c.sessions[sess.ID] = sess.Clone()
	c.mu.Unlock()

	var p *proc.Process
	if opts.Simulate {
		p, err = c.sup.StartSimulated(sess.ID)
	} else {
		// Children outlive requests and the daemon itself, so the
		// launch context is never a caller's.
		p, err = c.sup.Start(c.launchCtx, sess.ID, rt.rcfg)
	}
	if err != nil {
		c.forget(sess.ID)
		return nil, err
	}

	sess.PID = p.PID
	if terr := sess.Transition(domain.SessionActive); terr != nil {
		c.logger.Error("session transition", slog.String("error", terr.Error()))
	}
	c.hc.Register(sess.ID, p.PID, opts.Simulate, c.onCrash)
	c.publish(sess)

	if err := c.persist(); err != nil {
		c.hc.Unregister(sess.ID)
		c.sup.Stop(sess.ID, false, time.Second)
		c.sup.Remove(sess.ID)
		c.forget(sess.ID)
		return nil, err
	}

	c.emit(EventSessionStarted, sess.ID, fmt.Sprintf("started %s (pid %d)", sess.Command, sess.PID))
	c.logger.Info("session started",
		slog.String("session_id", sess.ID),
		slog.String("command", sess.Command),
		slog.Int("pid", sess.PID),
		slog.Bool("simulated", sess.Simulated))
	return sess.Clone(), nil
}

// forget removes every trace of a session that failed to start
func (c *Controller) forget(sessionID string) {
	c.mu.Lock()
	delete(c.runtimes, sessionID)
	delete(c.sessions, sessionID)
	delete(c.pending, sessionID)
	c.mu.Unlock()
}

// StopSession ends a session. killChild also terminates the child;
// otherwise the child is released and keeps running unsupervised. A
// session in a waiting period refuses a plain stop; force cancels the
// period and stops anyway.
func (c *Controller) StopSession(sessionID string, force, killChild bool) error {
	rt, ok := c.runtime(sessionID)
	if !ok {
		return domain.Errorf(domain.ErrProcess, "unknown session %s", sessionID)
	}

	rt.lock.Lock()
	defer rt.lock.Unlock()

	switch rt.sess.Status {
	case domain.SessionStopped:
		return nil
	case domain.SessionWaiting:
		if !force {
			return &domain.InvalidTransitionError{
				SessionID: sessionID,
				From:      domain.SessionWaiting,
				To:        domain.SessionStopped,
			}
		}
		if pid := rt.sess.WaitingPeriodID; pid != "" {
			if err := c.tim.Cancel(pid); err != nil {
				c.logger.Warn("cancel waiting period",
					slog.String("period_id", pid),
					slog.String("error", err.Error()))
			}
		}
		rt.gate.Reset()
	}

	c.mu.Lock()
	delete(c.pending, sessionID)
	c.mu.Unlock()

	c.hc.Unregister(sessionID)
	detail := "the child process was terminated"
	if killChild || rt.sess.Simulated || rt.sess.PID == 0 {
		if p, ok := c.sup.Get(sessionID); ok && p.Running() {
			c.sup.Stop(sessionID, true, c.cfg.Monitor.StopTimeout())
		}
		rt.sess.PID = 0
	} else {
		// Release the handle; the child stays alive on its own.
		c.sup.Remove(sessionID)
		detail = fmt.Sprintf("pid %d was left running", rt.sess.PID)
	}

	if err := rt.sess.Transition(domain.SessionStopped); err != nil {
		return err
	}
	rt.sess.WaitingPeriodID = ""
	c.publish(rt.sess)
	c.dropTerminalPeriods(sessionID)

	if err := c.persist(); err != nil {
		c.logger.Error("persist after stop", slog.String("error", err.Error()))
	}
	c.emit(EventSessionStopped, sessionID, "session stopped, "+detail)
	c.send(notify.Notification{
		Title:     "Session stopped",
		Message:   "Monitoring ended, " + detail,
		Type:      notify.NotifyInfo,
		SessionID: sessionID,
	})
	c.logger.Info("session stopped",
		slog.String("session_id", sessionID),
		slog.Bool("force", force),
		slog.Bool("kill_child", killChild))
	return nil
}

// onLine receives every captured output line. It updates activity,
// feeds the completion gate, and runs detection.
func (c *Controller) onLine(sessionID, line string) {
	rt, ok := c.runtime(sessionID)
	if !ok {
		return
	}
	now := c.clock().UTC()

	rt.lock.Lock()
	rt.sess.MarkActivity(now)
	c.publish(rt.sess)
	rt.lock.Unlock()

	rt.gate.Observe(line, now)

	res, hit := rt.det.Detect(line)
	if !hit {
		return
	}
	c.handleDetection(rt, res, now)
}

// handleDetection reacts to a qualifying usage-limit match. On an
// active session it opens a waiting period; during an existing wait it
// only counts the event.
func (c *Controller) handleDetection(rt *sessionRuntime, res detector.Result, now time.Time) {
	rt.lock.Lock()
	defer rt.lock.Unlock()

	sess := rt.sess
	sess.DetectionCount++

	wait := c.cfg.Timing.DefaultCooldown()
	if c.cfg.Timing.HonorWaitHints && res.WaitHint > 0 {
		wait = res.WaitHint
	}
	if wait > domain.MaxCooldownDuration {
		wait = domain.MaxCooldownDuration
	}

	before, after := rt.det.ContextAround(res.LineNumber)
	ev := &domain.DetectionEvent{
		ID:            domain.NewEventID(),
		SessionID:     sess.ID,
		DetectedAt:    res.DetectedAt,
		Pattern:       res.Pattern,
		MatchedText:   res.MatchedText,
		Confidence:    res.Confidence,
		LineNumber:    res.LineNumber,
		ContextBefore: before,
		ContextAfter:  after,
		CooldownStart: res.DetectedAt,
		CooldownEnd:   res.DetectedAt.Add(wait),
	}
	c.hist.RecordEvent(ev)
	c.recordDetection(ev)
	c.emit(EventDetection, sess.ID, ev.Summary())

	if sess.Status == domain.SessionWaiting {
		// Already waiting; the running period stands
		c.publish(sess)
		c.logger.Info("detection during wait",
			slog.String("session_id", sess.ID),
			slog.String("event_id", ev.ID))
		return
	}
	if sess.Status != domain.SessionActive {
		c.publish(sess)
		c.logger.Warn("detection on inactive session",
			slog.String("session_id", sess.ID),
			slog.String("status", string(sess.Status)))
		return
	}

	if err := sess.Transition(domain.SessionWaiting); err != nil {
		c.logger.Error("enter waiting", slog.String("error", err.Error()))
		return
	}
	c.publish(sess)

	period, err := c.tim.Start(sess.ID, ev.ID, wait)
	if err != nil {
		// No period means no wait; fall back to active
		if terr := sess.Transition(domain.SessionActive); terr != nil {
			c.logger.Error("leave waiting", slog.String("error", terr.Error()))
		}
		sess.RecordError(err)
		c.publish(sess)
		c.logger.Error("start waiting period",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()))
		return
	}

	sess.WaitingPeriodID = period.ID
	c.publish(sess)
	rt.gate.Arm(now)

	if err := c.persist(); err != nil {
		c.logger.Error("persist after detection", slog.String("error", err.Error()))
	}

	c.emit(EventWaitingStarted, sess.ID,
		fmt.Sprintf("waiting %s, restart %s", period.Duration().Round(time.Second), humanize.Time(period.EndTime)))
	c.send(notify.Notification{
		Title:     "Usage limit hit",
		Message:   fmt.Sprintf("Restart scheduled %s", humanize.Time(period.EndTime)),
		Type:      notify.NotifyWarning,
		SessionID: sess.ID,
	})
	c.logger.Info("usage limit detected",
		slog.String("session_id", sess.ID),
		slog.String("event_id", ev.ID),
		slog.Float64("confidence", ev.Confidence),
		slog.Duration("wait", wait),
		slog.Time("restart_at", period.EndTime))
}

// onExit is the supervisor's exit callback. Planned stops are already
// handled by their initiator; everything else is an unplanned death.
func (c *Controller) onExit(sessionID string, exitErr error, wasStopped bool) {
	if wasStopped {
		return
	}
	c.handleUnplannedExit(sessionID, exitErr)
}

// onCrash is the health checker's dead-process callback, the only exit
// signal for adopted children.
func (c *Controller) onCrash(sessionID string, pid int) {
	c.handleUnplannedExit(sessionID, fmt.Errorf("process %d found dead", pid))
}

// handleUnplannedExit reacts to a child dying on its own. An active
// session gets a crash relaunch; a waiting session just records the
// death, since the period expiry relaunches anyway.
func (c *Controller) handleUnplannedExit(sessionID string, exitErr error) {
	rt, ok := c.runtime(sessionID)
	if !ok {
		return
	}

	rt.lock.Lock()
	defer rt.lock.Unlock()

	sess := rt.sess
	if sess.Status == domain.SessionStopped {
		return
	}
	// A live process means this report is for an already-replaced child
	if c.sup.IsRunning(sessionID) {
		return
	}

	c.hc.Unregister(sessionID)
	sess.PID = 0
	if exitErr != nil {
		sess.RecordError(exitErr)
	}

	msg := "process exited unexpectedly"
	if exitErr != nil {
		msg = fmt.Sprintf("process exited unexpectedly: %v", exitErr)
	}

	if sess.Status == domain.SessionActive {
		c.scheduleRestart(sessionID, history.ReasonCrash, "", 0)
	} else {
		msg += "; relaunch follows when the wait ends"
	}

	c.publish(sess)
	if err := c.persist(); err != nil {
		c.logger.Error("persist after crash", slog.String("error", err.Error()))
	}
	c.emit(EventProcessDied, sessionID, msg)
	c.send(notify.Notification{
		Title:     "Process died",
		Message:   msg,
		Type:      notify.NotifyWarning,
		SessionID: sessionID,
	})
}

// onExpired is the timing manager's deadline callback
func (c *Controller) onExpired(period *domain.WaitingPeriod) {
	if _, ok := c.runtime(period.SessionID); !ok {
		c.logger.Warn("expired period for unknown session",
			slog.String("period_id", period.ID),
			slog.String("session_id", period.SessionID))
		return
	}
	c.scheduleRestart(period.SessionID, history.ReasonCooldownExpired, period.ID, 0)
}

// onProgress is the timing manager's milestone callback
func (c *Controller) onProgress(period *domain.WaitingPeriod, fraction float64, remaining time.Duration) {
	msg := fmt.Sprintf("%.0f%% of wait remaining (%s)", fraction*100, domain.FormatDuration(remaining))
	c.emit(EventWaitingProgress, period.SessionID, msg)
	c.send(notify.Notification{
		Title:     "Still waiting",
		Message:   fmt.Sprintf("Restart %s", humanize.Time(period.EndTime)),
		Type:      notify.NotifyInfo,
		SessionID: period.SessionID,
	})
}

// scheduleRestart queues a relaunch intent for the run loop. An intent
// already pending for the session stands.
func (c *Controller) scheduleRestart(sessionID, reason, periodID string, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[sessionID]; exists {
		return
	}
	c.pending[sessionID] = &restartIntent{
		sessionID: sessionID,
		reason:    reason,
		periodID:  periodID,
		nextTry:   c.clock().UTC().Add(delay),
	}
}

// processPending performs due restart intents. Cooldown restarts ask
// the completion gate first and are pushed back while a task is still
// running; crash restarts go straight through.
func (c *Controller) processPending(now time.Time) {
	c.mu.Lock()
	var due []*restartIntent
	for _, in := range c.pending {
		if !in.nextTry.After(now) {
			due = append(due, in)
		}
	}
	c.mu.Unlock()

	for _, in := range due {
		rt, ok := c.runtime(in.sessionID)
		if !ok {
			c.mu.Lock()
			delete(c.pending, in.sessionID)
			c.mu.Unlock()
			continue
		}

		if in.reason == history.ReasonCooldownExpired {
			if safe, why := rt.gate.SafeToRestart(now); !safe {
				c.mu.Lock()
				in.nextTry = now.Add(c.cfg.Completion.CheckInterval())
				c.mu.Unlock()
				c.logger.Debug("restart deferred",
					slog.String("session_id", in.sessionID),
					slog.String("reason", why))
				continue
			}
		}

		c.mu.Lock()
		if c.pending[in.sessionID] != in {
			c.mu.Unlock()
			continue
		}
		delete(c.pending, in.sessionID)
		c.mu.Unlock()

		c.tryRestart(rt, in, now)
	}
}

// tryRestart performs one relaunch attempt. Failures requeue the
// intent after the retry delay until the budget is spent, then the
// session stops for good.
func (c *Controller) tryRestart(rt *sessionRuntime, intent *restartIntent, now time.Time) {
	rt.lock.Lock()
	defer rt.lock.Unlock()

	sess := rt.sess
	if sess.Status == domain.SessionStopped {
		return
	}
	if intent.reason == history.ReasonCrash && c.sup.IsRunning(sess.ID) {
		c.logger.Info("crash relaunch skipped, process already running",
			slog.String("session_id", sess.ID))
		return
	}

	attempt := intent.attempt + 1
	retryCount := rt.rcfg.RetryCount
	if retryCount < 1 {
		retryCount = 1
	}
	c.emit(EventRestartAttempt, sess.ID,
		fmt.Sprintf("relaunch attempt %d/%d (%s)", attempt, retryCount, intent.reason))

	// Retire whatever is left of the old child
	c.hc.Unregister(sess.ID)
	if p, ok := c.sup.Get(sess.ID); ok && p.Running() {
		c.sup.Stop(sess.ID, true, c.cfg.Monitor.StopTimeout())
	}

	var p *proc.Process
	var err error
	if sess.Simulated {
		p, err = c.sup.StartSimulated(sess.ID)
	} else {
		p, err = c.sup.Start(c.launchCtx, sess.ID, rt.rcfg)
	}

	att := &history.RestartAttempt{
		SessionID:   sess.ID,
		AttemptedAt: now,
		Attempt:     attempt,
		Reason:      intent.reason,
		Success:     err == nil,
	}
	if err != nil {
		att.Error = err.Error()
	} else {
		att.PID = p.PID
	}
	c.hist.RecordRestart(att)

	if err != nil {
		sess.RecordError(err)
		c.publish(sess)
		c.logger.Warn("relaunch failed",
			slog.String("session_id", sess.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		if attempt >= retryCount {
			c.exhausted(rt, intent, attempt, err)
			return
		}
		c.mu.Lock()
		c.pending[sess.ID] = &restartIntent{
			sessionID: sess.ID,
			reason:    intent.reason,
			periodID:  intent.periodID,
			attempt:   attempt,
			nextTry:   now.Add(time.Duration(rt.rcfg.RetryDelaySeconds) * time.Second),
			lastErr:   err,
		}
		c.mu.Unlock()
		return
	}

	sess.PID = p.PID
	sess.RestartCount++
	sess.WaitingPeriodID = ""
	if sess.Status == domain.SessionWaiting {
		if terr := sess.Transition(domain.SessionActive); terr != nil {
			c.logger.Error("resume session", slog.String("error", terr.Error()))
		}
	}
	rt.gate.Reset()
	c.hc.Register(sess.ID, p.PID, sess.Simulated, c.onCrash)
	c.publish(sess)
	c.dropTerminalPeriods(sess.ID)

	c.emit(EventRestartSucceeded, sess.ID, fmt.Sprintf("relaunched as pid %d", p.PID))
	c.send(notify.Notification{
		Title:     "Session restarted",
		Message:   fmt.Sprintf("Child relaunched on attempt %d", attempt),
		Type:      notify.NotifySuccess,
		SessionID: sess.ID,
	})
	c.logger.Info("session restarted",
		slog.String("session_id", sess.ID),
		slog.Int("pid", p.PID),
		slog.Int("attempt", attempt),
		slog.String("reason", intent.reason))

	c.dispatchQueue(rt)

	if perr := c.persist(); perr != nil {
		c.logger.Error("persist after restart", slog.String("error", perr.Error()))
	}
}

// exhausted stops a session whose retry budget is spent. The caller
// holds the runtime lock.
func (c *Controller) exhausted(rt *sessionRuntime, intent *restartIntent, attempts int, lastErr error) {
	sess := rt.sess
	rerr := &domain.RetriesExhaustedError{SessionID: sess.ID, Attempts: attempts, LastErr: lastErr}

	if terr := sess.Transition(domain.SessionStopped); terr != nil {
		c.logger.Error("stop exhausted session", slog.String("error", terr.Error()))
	}
	sess.PID = 0
	sess.WaitingPeriodID = ""
	rt.gate.Reset()
	c.publish(sess)
	c.dropTerminalPeriods(sess.ID)

	if perr := c.persist(); perr != nil {
		c.logger.Error("persist after exhaustion", slog.String("error", perr.Error()))
	}
	c.emit(EventRetriesExhausted, sess.ID, rerr.Error())
	c.send(notify.Notification{
		Title:     "Restart failed",
		Message:   rerr.Error(),
		Type:      notify.NotifyError,
		SessionID: sess.ID,
	})
	c.logger.Error("restart retries exhausted",
		slog.String("session_id", sess.ID),
		slog.Int("attempts", attempts),
		slog.String("error", lastErr.Error()))
}

// dispatchQueue hands every queued task to the fresh child. A failed
// send puts the unsent remainder back at the front of the queue. The
// caller holds the runtime lock.
func (c *Controller) dispatchQueue(rt *sessionRuntime) {
	tasks := c.queue.PopAll()
	if len(tasks) == 0 {
		return
	}
	for i, task := range tasks {
		if err := c.sup.SendInput(rt.sess.ID, task.Prompt()); err != nil {
			c.queue.Prepend(tasks[i:])
			c.logger.Warn("task dispatch failed",
				slog.String("session_id", rt.sess.ID),
				slog.String("task_id", task.ID),
				slog.Int("requeued", len(tasks)-i),
				slog.String("error", err.Error()))
			return
		}
		c.emit(EventTaskDispatched, rt.sess.ID, fmt.Sprintf("%s: %s", task.ID, task.Description))
		c.logger.Info("task dispatched",
			slog.String("session_id", rt.sess.ID),
			slog.String("task_id", task.ID))
	}
}

// dropTerminalPeriods removes finished periods of a session from the
// published set so snapshots do not accumulate them.
func (c *Controller) dropTerminalPeriods(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.periods {
		if p.SessionID == sessionID && p.Status.Terminal() {
			delete(c.periods, id)
		}
	}
}

// ForceComplete overrides the completion gate so a deferred restart
// proceeds on the next loop pass.
func (c *Controller) ForceComplete(sessionID string) error {
	rt, ok := c.runtime(sessionID)
	if !ok {
		return domain.Errorf(domain.ErrProcess, "unknown session %s", sessionID)
	}
	rt.gate.ForceComplete()
	c.logger.Info("completion gate overridden", slog.String("session_id", sessionID))
	return nil
}

// SendInput writes a line to a session's child stdin
func (c *Controller) SendInput(sessionID, text string) error {
	return c.sup.SendInput(sessionID, text)
}

// InjectOutput feeds a line into a simulated session's output stream
func (c *Controller) InjectOutput(sessionID, line string) error {
	return c.sup.InjectOutput(sessionID, line)
}
