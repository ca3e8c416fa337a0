package domain

import "fmt"

// Retry policy bounds
const (
	MaxRetryCount        = 10
	MinRetryDelaySeconds = 1
	MaxRetryDelaySeconds = 300
)

// RestartConfig describes how to relaunch the child after a cooldown or
// crash. The core treats it as read-only.
type RestartConfig struct {
	ID                string            `json:"config_id,omitempty"`
	Command           string            `json:"command"`
	Args              []string          `json:"args,omitempty"`
	WorkDir           string            `json:"work_dir,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	RetryCount        int               `json:"retry_count"`
	RetryDelaySeconds int               `json:"retry_delay_seconds"`
}

// NewRestartConfig returns a config with the default retry policy
func NewRestartConfig(command string, args []string, workDir string) *RestartConfig {
	return &RestartConfig{
		ID:                NewConfigID(),
		Command:           command,
		Args:              args,
		WorkDir:           workDir,
		RetryCount:        3,
		RetryDelaySeconds: 5,
	}
}

// Validate bounds-checks the retry policy and requires a command
func (c *RestartConfig) Validate() error {
	if c.Command == "" {
		return Errorf(ErrRestart, "restart config has no command")
	}
	if c.RetryCount < 0 || c.RetryCount > MaxRetryCount {
		return Errorf(ErrRestart, "retry count %d outside [0,%d]", c.RetryCount, MaxRetryCount)
	}
	if c.RetryDelaySeconds < MinRetryDelaySeconds || c.RetryDelaySeconds > MaxRetryDelaySeconds {
		return Errorf(ErrRestart, "retry delay %ds outside [%d,%d]",
			c.RetryDelaySeconds, MinRetryDelaySeconds, MaxRetryDelaySeconds)
	}
	return nil
}

// CommandLine renders the full launch command for logs
func (c *RestartConfig) CommandLine() string {
	line := c.Command
	for _, a := range c.Args {
		line += fmt.Sprintf(" %s", a)
	}
	return line
}
