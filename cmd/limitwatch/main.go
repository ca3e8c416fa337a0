package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/hochfrequenz/limitwatch/internal/domain"
	"github.com/spf13/cobra"
)

const version = "0.3.1"

var (
	configPath string
	verbose    bool

	rootCmd = &cobra.Command{
		Use:   "limitwatch",
		Short: "Usage limit supervisor for Claude Code sessions",
		Long: `Limitwatch keeps a long-running Claude Code session alive across usage
limit cooldowns. It watches the child's output for limit messages,
waits the stated cooldown out, and relaunches the child when the
window ends, feeding it any tasks queued in the meantime.`,
		Version: version,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

// exitError carries an explicit exit code chosen by a command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// Exit codes: 1 configuration and client errors, 2 launch failures,
// 3 state persistence problems, 4 a stop rejected during a wait.
func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	var ite *domain.InvalidTransitionError
	if errors.As(err, &ite) {
		return 4
	}
	switch domain.KindOf(err) {
	case domain.ErrProcess, domain.ErrRestart:
		return 2
	case domain.ErrState:
		return 3
	default:
		return 1
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}
