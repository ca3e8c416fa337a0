package proc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hochfrequenz/limitwatch/internal/domain"
)

// Launcher validates launch parameters and starts real child processes.
// The child never runs under a shell; command strings are tokenized
// directly and executed with its own process group.
type Launcher struct {
	// AllowedRoot confines work directories when non-empty. Symlinks
	// are resolved before the check so a link cannot escape it.
	AllowedRoot string
}

// SplitCommand tokenizes a command line without invoking a shell.
// Single and double quotes group words; backslash escapes the next
// character outside single quotes.
func SplitCommand(s string) ([]string, error) {
	var args []string
	var cur strings.Builder
	var quote rune
	escaped := false
	inWord := false

	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inWord = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t':
			if inWord {
				args = append(args, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if escaped || quote != 0 {
		return nil, domain.Errorf(domain.ErrProcess, "unterminated quote in command %q", s)
	}
	if inWord {
		args = append(args, cur.String())
	}
	if len(args) == 0 {
		return nil, domain.Errorf(domain.ErrProcess, "empty command")
	}
	return args, nil
}

// resolveCommand finds the executable for a command name or path
func resolveCommand(command string) (string, error) {
	if strings.ContainsRune(command, '/') {
		info, err := os.Stat(command)
		if err != nil {
			return "", domain.E(domain.ErrProcess, fmt.Sprintf("command %q", command), err)
		}
		if info.IsDir() || info.Mode()&0o111 == 0 {
			return "", domain.Errorf(domain.ErrProcess, "command %q is not executable", command)
		}
		return command, nil
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return "", domain.E(domain.ErrProcess, fmt.Sprintf("command %q not found", command), err)
	}
	return path, nil
}

// validateWorkDir resolves and checks the working directory
func (l *Launcher) validateWorkDir(workDir string) (string, error) {
	if workDir == "" {
		return "", nil
	}
	resolved, err := filepath.EvalSymlinks(workDir)
	if err != nil {
		return "", domain.E(domain.ErrProcess, fmt.Sprintf("work dir %q", workDir), err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", domain.E(domain.ErrProcess, fmt.Sprintf("work dir %q", workDir), err)
	}
	if !info.IsDir() {
		return "", domain.Errorf(domain.ErrProcess, "work dir %q is not a directory", workDir)
	}
	if l.AllowedRoot != "" {
		root, err := filepath.EvalSymlinks(l.AllowedRoot)
		if err != nil {
			return "", domain.E(domain.ErrProcess, "allowed root", err)
		}
		rel, err := filepath.Rel(root, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
			return "", domain.Errorf(domain.ErrProcess, "work dir %q escapes %q", workDir, l.AllowedRoot)
		}
	}
	return resolved, nil
}

// Launch validates the config and starts the child with piped stdin,
// stdout, and stderr in its own process group. Output streams into the
// given capture until the process exits.
func (l *Launcher) Launch(ctx context.Context, cfg *domain.RestartConfig, capture *Capture) (*Process, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	path, err := resolveCommand(cfg.Command)
	if err != nil {
		return nil, err
	}
	workDir, err := l.validateWorkDir(cfg.WorkDir)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, path, cfg.Args...)
	cmd.Dir = workDir
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, domain.E(domain.ErrProcess, "stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, domain.E(domain.ErrProcess, "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, domain.E(domain.ErrProcess, "stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, domain.E(domain.ErrProcess, fmt.Sprintf("starting %s", cfg.Command), err)
	}

	p := &Process{
		PID:       cmd.Process.Pid,
		StartTime: time.Now().UTC(),
		cmd:       cmd,
		stdin:     stdin,
		capture:   capture,
		done:      make(chan struct{}),
	}
	p.streamOutput(stdout, stderr)
	return p, nil
}

// mergeEnv appends overrides to the base environment. Later entries win
// in exec, so overrides replace inherited values.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	env := append([]string(nil), base...)
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}
