package controller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// maintenanceLoop fires the scheduled cleanup at its cron schedule
func (c *Controller) maintenanceLoop(ctx context.Context) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(c.cfg.Maintenance.Schedule)
	if err != nil {
		return fmt.Errorf("maintenance schedule %q: %w", c.cfg.Maintenance.Schedule, err)
	}

	for {
		next := sched.Next(c.clock())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			c.RunMaintenance(c.clock().UTC())
		}
	}
}

// RunMaintenance prunes history rows and sweeps stale session logs
// older than the configured retention.
func (c *Controller) RunMaintenance(now time.Time) {
	retention := c.cfg.Maintenance.HistoryRetention()
	if retention <= 0 {
		return
	}
	cutoff := now.Add(-retention)

	events, restarts, err := c.hist.Prune(cutoff)
	if err != nil {
		c.logger.Error("history prune", slog.String("error", err.Error()))
	} else if events > 0 || restarts > 0 {
		c.logger.Info("history pruned",
			slog.Int64("events", events),
			slog.Int64("restarts", restarts),
			slog.Time("cutoff", cutoff))
	}

	c.sweepSessionLogs(cutoff)
}

// sweepSessionLogs removes per-session output logs not written to
// since the cutoff.
func (c *Controller) sweepSessionLogs(cutoff time.Time) {
	dir := c.cfg.LogDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "session_") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		c.logger.Info("session logs swept", slog.Int("removed", removed))
	}
}
