package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Monitor       MonitorConfig       `toml:"monitor"`
	Detector      DetectorConfig      `toml:"detector"`
	Completion    CompletionConfig    `toml:"completion"`
	Timing        TimingConfig        `toml:"timing"`
	State         StateConfig         `toml:"state"`
	Restart       RestartConfig       `toml:"restart"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Maintenance   MaintenanceConfig   `toml:"maintenance"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	StateDir     string `toml:"state_dir"`
	DatabasePath string `toml:"database_path"`
	LogLevel     string `toml:"log_level"`
	LogFileCount int    `toml:"log_file_count"`
}

// MonitorConfig holds process supervision settings
type MonitorConfig struct {
	CheckIntervalSeconds float64 `toml:"check_interval_seconds"`
	OutputBufferLines    int     `toml:"output_buffer_lines"`
	MaxMemoryMB          int     `toml:"max_memory_mb"`
	MaxCPUPercent        float64 `toml:"max_cpu_percent"`
	StopTimeoutSeconds   int     `toml:"stop_timeout_seconds"`
	MaxSessions          int     `toml:"max_sessions"`
	AllowSimulation      bool    `toml:"allow_simulation"`
}

// DetectorConfig holds usage-limit detection settings.
// Patterns are evaluated in order, most specific first.
type DetectorConfig struct {
	Patterns      []string `toml:"patterns"`
	MinConfidence float64  `toml:"min_confidence"`
	ContextLines  int      `toml:"context_lines"`
}

// CompletionConfig holds task-completion gate settings
type CompletionConfig struct {
	StartPatterns        []string `toml:"start_patterns"`
	CompletionPatterns   []string `toml:"completion_patterns"`
	TimeoutSeconds       int      `toml:"timeout_seconds"`
	CheckIntervalSeconds float64  `toml:"check_interval_seconds"`
	InactivitySeconds    int      `toml:"inactivity_seconds"`
	GracePeriodSeconds   int      `toml:"grace_period_seconds"`
}

// TimingConfig holds waiting period settings
type TimingConfig struct {
	DefaultCooldownHours       float64   `toml:"default_cooldown_hours"`
	CheckFrequencySeconds      int       `toml:"check_frequency_seconds"`
	ClockDriftToleranceSeconds int       `toml:"clock_drift_tolerance_seconds"`
	NotificationFractions      []float64 `toml:"notification_fractions"`
	HonorWaitHints             bool      `toml:"honor_wait_hints"`
}

// StateConfig holds persistence settings
type StateConfig struct {
	BackupCount     int `toml:"backup_count"`
	AutoSaveSeconds int `toml:"auto_save_seconds"`
}

// RestartConfig holds the relaunch command and retry policy
type RestartConfig struct {
	Command           string   `toml:"command"`
	Args              []string `toml:"args"`
	WorkDir           string   `toml:"work_dir"`
	RetryCount        int      `toml:"retry_count"`
	RetryDelaySeconds int      `toml:"retry_delay_seconds"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds status API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// MaintenanceConfig holds the scheduled cleanup settings
type MaintenanceConfig struct {
	Enabled              bool   `toml:"enabled"`
	Schedule             string `toml:"schedule"`
	HistoryRetentionDays int    `toml:"history_retention_days"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	stateDir := filepath.Join(home, ".limitwatch")
	return &Config{
		General: GeneralConfig{
			StateDir:     stateDir,
			DatabasePath: filepath.Join(stateDir, "history.db"),
			LogLevel:     "info",
			LogFileCount: 5,
		},
		Monitor: MonitorConfig{
			CheckIntervalSeconds: 1.0,
			OutputBufferLines:    1000,
			MaxMemoryMB:          500,
			MaxCPUPercent:        20.0,
			StopTimeoutSeconds:   5,
			MaxSessions:          5,
			AllowSimulation:      true,
		},
		Detector: DetectorConfig{
			Patterns: []string{
				"usage limit exceeded",
				"5-hour limit",
				"please wait",
				`rate.*limit.*\d+.*hours?`,
				"quota exceeded",
			},
			MinConfidence: 0.7,
			ContextLines:  3,
		},
		Completion: CompletionConfig{
			StartPatterns: []string{
				`generating.*response`,
				`processing.*request`,
				`analyzing.*code`,
				`working.*on`,
				`thinking.*about`,
				`creating.*file`,
				`implementing.*`,
				`writing.*code`,
			},
			CompletionPatterns: []string{
				`completed.*successfully`,
				`finished.*task`,
				`done.*processing`,
				`ready.*for.*next`,
				`task.*complete`,
				`✓.*complete`,
				`generation.*finished`,
				`operation.*successful`,
			},
			TimeoutSeconds:       300,
			CheckIntervalSeconds: 1.0,
			InactivitySeconds:    60,
			GracePeriodSeconds:   10,
		},
		Timing: TimingConfig{
			DefaultCooldownHours:       5.0,
			CheckFrequencySeconds:      60,
			ClockDriftToleranceSeconds: 30,
			NotificationFractions:      []float64{0.5, 0.25, 0.1},
			HonorWaitHints:             true,
		},
		State: StateConfig{
			BackupCount:     3,
			AutoSaveSeconds: 300,
		},
		Restart: RestartConfig{
			Command:           "claude",
			Args:              []string{"--continue"},
			RetryCount:        3,
			RetryDelaySeconds: 5,
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Maintenance: MaintenanceConfig{
			Enabled:              true,
			Schedule:             "30 3 * * *",
			HistoryRetentionDays: 30,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults.
// Environment overrides are applied after the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	// Expand paths
	cfg.General.StateDir = ExpandPath(cfg.General.StateDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.Restart.WorkDir = ExpandPath(cfg.Restart.WorkDir)

	return cfg, nil
}

// Save writes the configuration as TOML, creating parent directories
func Save(cfg *Config, path string) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnv overrides a small set of fields from the environment
func applyEnv(cfg *Config) {
	if v := os.Getenv("LIMITWATCH_LOG_LEVEL"); v != "" {
		cfg.General.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LIMITWATCH_STATE_DIR"); v != "" {
		cfg.General.StateDir = v
	}
	if v := os.Getenv("LIMITWATCH_CHECK_INTERVAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Monitor.CheckIntervalSeconds = f
		}
	}
	if v := os.Getenv("LIMITWATCH_COOLDOWN_HOURS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Timing.DefaultCooldownHours = f
		}
	}
	if v := os.Getenv("LIMITWATCH_TASK_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Completion.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("LIMITWATCH_BACKUP_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.State.BackupCount = n
		}
	}
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "limitwatch", "config.toml")
}

// LocalConfigName is the per-project config file discovered by walking
// up from the working directory.
const LocalConfigName = ".limitwatch.toml"

// FindLocalConfig walks up from the current directory looking for a
// local config file. Returns "" when none exists.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadWithLocalFallback loads an explicit path when given, otherwise a
// discovered local config, otherwise the default location.
func LoadWithLocalFallback(explicit string) (*Config, error) {
	if explicit != "" {
		return Load(explicit)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// StateFilePath returns the location of the persisted state snapshot
func (c *Config) StateFilePath() string {
	return filepath.Join(c.General.StateDir, "state.json")
}

// BackupDir returns the directory state backups rotate through
func (c *Config) BackupDir() string {
	return filepath.Join(c.General.StateDir, "backups")
}

// LogDir returns the directory session log files are written to
func (c *Config) LogDir() string {
	return filepath.Join(c.General.StateDir, "logs")
}

// CheckInterval returns the health poll interval as a duration
func (m MonitorConfig) CheckInterval() time.Duration {
	return time.Duration(m.CheckIntervalSeconds * float64(time.Second))
}

// StopTimeout returns the graceful stop window as a duration
func (m MonitorConfig) StopTimeout() time.Duration {
	return time.Duration(m.StopTimeoutSeconds) * time.Second
}

// Timeout returns the completion gate fail-safe as a duration
func (c CompletionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CheckInterval returns the completion poll interval as a duration
func (c CompletionConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds * float64(time.Second))
}

// InactivityThreshold returns the idle window treated as task completion
func (c CompletionConfig) InactivityThreshold() time.Duration {
	return time.Duration(c.InactivitySeconds) * time.Second
}

// GracePeriod returns the settle delay applied after completion
func (c CompletionConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// DefaultCooldown returns the wait applied when no explicit hint exists
func (t TimingConfig) DefaultCooldown() time.Duration {
	return time.Duration(t.DefaultCooldownHours * float64(time.Hour))
}

// CheckFrequency returns the waiting period poll interval as a duration
func (t TimingConfig) CheckFrequency() time.Duration {
	return time.Duration(t.CheckFrequencySeconds) * time.Second
}

// DriftTolerance returns the accepted clock deviation per poll
func (t TimingConfig) DriftTolerance() time.Duration {
	return time.Duration(t.ClockDriftToleranceSeconds) * time.Second
}

// AutoSaveInterval returns the periodic snapshot interval
func (s StateConfig) AutoSaveInterval() time.Duration {
	return time.Duration(s.AutoSaveSeconds) * time.Second
}

// RetryDelay returns the pause between relaunch attempts
func (r RestartConfig) RetryDelay() time.Duration {
	return time.Duration(r.RetryDelaySeconds) * time.Second
}

// HistoryRetention returns the maintenance pruning window
func (m MaintenanceConfig) HistoryRetention() time.Duration {
	return time.Duration(m.HistoryRetentionDays) * 24 * time.Hour
}
