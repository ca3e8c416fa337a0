package proc

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/hochfrequenz/limitwatch/internal/domain"
)

// Process is one supervised child. Real processes carry an exec.Cmd
// and piped streams; adopted processes (recovered from a previous
// supervisor run) have only a PID; simulated processes have neither.
type Process struct {
	PID       int
	StartTime time.Time
	Simulated bool
	adopted   bool

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	capture *Capture
	wg      sync.WaitGroup

	mu       sync.Mutex
	stopping bool
	exited   bool
	exitErr  error
	inputs   []string
	onExit   func(exitErr error, wasStopped bool)
	done     chan struct{}
}

// Capture returns the output ring attached to this process
func (p *Process) Capture() *Capture {
	return p.capture
}

// Done is closed once the process has exited and its output drained
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the error cmd.Wait reported, once exited
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// streamOutput drains both pipes into the capture ring, then reaps the
// child. Runs until EOF on both streams.
func (p *Process) streamOutput(stdout, stderr io.ReadCloser) {
	p.wg.Add(2)

	readLines := func(r io.Reader) {
		defer p.wg.Done()
		scanner := bufio.NewScanner(r)
		// Increase buffer size for long lines
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			p.capture.Push(scanner.Text())
		}
	}

	go readLines(stdout)
	go readLines(stderr)
}

// reap waits for the streams and the child, then signals completion.
// The exit callback runs outside the lock; wasStopped distinguishes a
// requested stop from an unplanned death.
func (p *Process) reap() {
	p.wg.Wait()
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	p.exitErr = err
	stopped := p.stopping
	onExit := p.onExit
	p.mu.Unlock()

	p.capture.CloseLog()
	close(p.done)

	if onExit != nil {
		onExit(err, stopped)
	}
}

// Running reports whether the process is still alive
func (p *Process) Running() bool {
	if p.adopted {
		return PIDAlive(p.PID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

// SendInput writes a line to the child's stdin. Simulated processes
// record the input instead.
func (p *Process) SendInput(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited {
		return domain.Errorf(domain.ErrProcess, "process %d has exited", p.PID)
	}
	if p.Simulated {
		p.inputs = append(p.inputs, text)
		return nil
	}
	if p.stdin == nil {
		return domain.Errorf(domain.ErrProcess, "process %d has no stdin", p.PID)
	}
	if _, err := io.WriteString(p.stdin, text+"\n"); err != nil {
		return domain.E(domain.ErrProcess, "writing stdin", err)
	}
	return nil
}

// Inputs returns everything sent to a simulated process's stdin
func (p *Process) Inputs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.inputs...)
}

// Stop terminates the process. Graceful sends SIGTERM to the process
// group and waits up to timeout before escalating to SIGKILL; graceful
// false kills immediately. Returns whether the process was running.
func (p *Process) Stop(graceful bool, timeout time.Duration) bool {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return false
	}
	p.stopping = true
	simulated := p.Simulated
	p.mu.Unlock()

	if simulated {
		p.finishSimulated(nil)
		return true
	}

	if p.adopted {
		return stopByPID(p.PID, graceful, timeout)
	}

	if graceful {
		syscall.Kill(-p.PID, syscall.SIGTERM)
		select {
		case <-p.done:
			return true
		case <-time.After(timeout):
		}
	}

	syscall.Kill(-p.PID, syscall.SIGKILL)
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		// Pipes should close once the group is killed; give up waiting
		// rather than wedge the caller.
	}
	return true
}

// stopByPID handles adopted processes where no exec.Cmd exists
func stopByPID(pid int, graceful bool, timeout time.Duration) bool {
	if !PIDAlive(pid) {
		return false
	}
	if graceful {
		syscall.Kill(-pid, syscall.SIGTERM)
		deadline := time.Now().Add(timeout)
		for time.Now().Before(deadline) {
			if !PIDAlive(pid) {
				return true
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
	syscall.Kill(-pid, syscall.SIGKILL)
	return true
}

// PIDAlive probes a PID with signal 0
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
