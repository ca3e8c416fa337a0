package config

import (
	"fmt"
	"regexp"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks every field an invalid value of which would only
// surface mid-flight. Called before any process is launched.
func (c *Config) Validate() error {
	switch c.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("general.log_level %q is not one of debug, info, warn, error", c.General.LogLevel)
	}
	if c.General.LogFileCount < 1 {
		return fmt.Errorf("general.log_file_count %d must be at least 1", c.General.LogFileCount)
	}

	if c.Monitor.CheckIntervalSeconds < 0.1 || c.Monitor.CheckIntervalSeconds > 60 {
		return fmt.Errorf("monitor.check_interval_seconds %.2f outside [0.1,60]", c.Monitor.CheckIntervalSeconds)
	}
	if c.Monitor.OutputBufferLines < 10 {
		return fmt.Errorf("monitor.output_buffer_lines %d must be at least 10", c.Monitor.OutputBufferLines)
	}
	if c.Monitor.MaxSessions < 1 {
		return fmt.Errorf("monitor.max_sessions %d must be at least 1", c.Monitor.MaxSessions)
	}

	if len(c.Detector.Patterns) == 0 {
		return fmt.Errorf("detector.patterns must not be empty")
	}
	for _, p := range c.Detector.Patterns {
		if _, err := regexp.Compile("(?i)" + p); err != nil {
			return fmt.Errorf("detector pattern %q: %w", p, err)
		}
	}
	if c.Detector.MinConfidence < 0 || c.Detector.MinConfidence > 1 {
		return fmt.Errorf("detector.min_confidence %.2f outside [0,1]", c.Detector.MinConfidence)
	}
	if c.Detector.ContextLines < 0 || c.Detector.ContextLines > 20 {
		return fmt.Errorf("detector.context_lines %d outside [0,20]", c.Detector.ContextLines)
	}

	for _, p := range c.Completion.StartPatterns {
		if _, err := regexp.Compile("(?i)" + p); err != nil {
			return fmt.Errorf("completion start pattern %q: %w", p, err)
		}
	}
	for _, p := range c.Completion.CompletionPatterns {
		if _, err := regexp.Compile("(?i)" + p); err != nil {
			return fmt.Errorf("completion pattern %q: %w", p, err)
		}
	}
	if c.Completion.TimeoutSeconds < 60 || c.Completion.TimeoutSeconds > 3600 {
		return fmt.Errorf("completion.timeout_seconds %d outside [60,3600]", c.Completion.TimeoutSeconds)
	}
	if c.Completion.CheckIntervalSeconds < 0.1 || c.Completion.CheckIntervalSeconds > 60 {
		return fmt.Errorf("completion.check_interval_seconds %.2f outside [0.1,60]", c.Completion.CheckIntervalSeconds)
	}
	if c.Completion.GracePeriodSeconds < 0 || c.Completion.GracePeriodSeconds > 300 {
		return fmt.Errorf("completion.grace_period_seconds %d outside [0,300]", c.Completion.GracePeriodSeconds)
	}

	if c.Timing.DefaultCooldownHours <= 0 || c.Timing.DefaultCooldownHours > 24 {
		return fmt.Errorf("timing.default_cooldown_hours %.2f outside (0,24]", c.Timing.DefaultCooldownHours)
	}
	if c.Timing.CheckFrequencySeconds < 1 || c.Timing.CheckFrequencySeconds > 3600 {
		return fmt.Errorf("timing.check_frequency_seconds %d outside [1,3600]", c.Timing.CheckFrequencySeconds)
	}
	for _, f := range c.Timing.NotificationFractions {
		if f <= 0 || f >= 1 {
			return fmt.Errorf("timing.notification_fractions entry %.2f outside (0,1)", f)
		}
	}

	if c.State.BackupCount < 0 || c.State.BackupCount > 10 {
		return fmt.Errorf("state.backup_count %d outside [0,10]", c.State.BackupCount)
	}
	if c.State.AutoSaveSeconds < 10 {
		return fmt.Errorf("state.auto_save_seconds %d must be at least 10", c.State.AutoSaveSeconds)
	}

	if c.Restart.Command == "" {
		return fmt.Errorf("restart.command must not be empty")
	}
	if c.Restart.RetryCount < 0 || c.Restart.RetryCount > 10 {
		return fmt.Errorf("restart.retry_count %d outside [0,10]", c.Restart.RetryCount)
	}
	if c.Restart.RetryDelaySeconds < 1 || c.Restart.RetryDelaySeconds > 300 {
		return fmt.Errorf("restart.retry_delay_seconds %d outside [1,300]", c.Restart.RetryDelaySeconds)
	}

	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port %d outside [1,65535]", c.Web.Port)
	}

	if c.Maintenance.Enabled {
		if _, err := cronParser.Parse(c.Maintenance.Schedule); err != nil {
			return fmt.Errorf("maintenance.schedule %q: %w", c.Maintenance.Schedule, err)
		}
		if c.Maintenance.HistoryRetentionDays < 1 {
			return fmt.Errorf("maintenance.history_retention_days %d must be at least 1", c.Maintenance.HistoryRetentionDays)
		}
	}

	return nil
}
