package proc

import (
	"sync/atomic"
	"time"

	"github.com/hochfrequenz/limitwatch/internal/domain"
)

// Simulated processes occupy a PID range no real process uses, so a
// stale state file cannot make us signal an unrelated OS process.
const simulatedPIDBase = 50000

var simulatedPIDSeq atomic.Int64

func nextSimulatedPID() int {
	return simulatedPIDBase + int(simulatedPIDSeq.Add(1))
}

// newSimulated builds a process with no OS child behind it. Output is
// injected with InjectOutput and inputs are recorded instead of being
// written anywhere.
func newSimulated(capture *Capture) *Process {
	return &Process{
		PID:       nextSimulatedPID(),
		StartTime: time.Now().UTC(),
		Simulated: true,
		capture:   capture,
		done:      make(chan struct{}),
	}
}

// InjectOutput feeds a line through the same capture path real child
// output takes. Only simulated processes accept injected output.
func (p *Process) InjectOutput(line string) error {
	if !p.Simulated {
		return domain.Errorf(domain.ErrProcess, "process %d is not simulated", p.PID)
	}
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if exited {
		return domain.Errorf(domain.ErrProcess, "process %d has exited", p.PID)
	}
	p.capture.Push(line)
	return nil
}

// SimulateExit ends a simulated process as if the child died on its
// own. A non-nil err plays the role of cmd.Wait's error.
func (p *Process) SimulateExit(err error) {
	if !p.Simulated {
		return
	}
	p.finishSimulated(err)
}

// finishSimulated is the simulated counterpart of reap
func (p *Process) finishSimulated(err error) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
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
