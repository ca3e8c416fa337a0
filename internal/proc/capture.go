// Package proc launches and supervises the child process: output
// capture, lifecycle control, and an explicit simulation mode whose
// synthetic output flows through the same pipeline as real capture.
package proc

import (
	"os"
	"sync"
)

// Capture buffers the most recent output lines of one child process in
// a bounded ring and fans each line out to subscribers. Producers never
// block: when the ring is full the oldest line is dropped.
type Capture struct {
	mu      sync.Mutex
	ring    []string
	start   int
	count   int
	total   int
	subs    []func(line string)
	logFile *os.File
}

// NewCapture creates a capture ring holding up to capacity lines
func NewCapture(capacity int) *Capture {
	if capacity < 1 {
		capacity = 1
	}
	return &Capture{ring: make([]string, capacity)}
}

// Subscribe registers a per-line callback. Callbacks run on the reader
// goroutine in arrival order, so they must return quickly.
func (c *Capture) Subscribe(fn func(line string)) {
	c.mu.Lock()
	c.subs = append(c.subs, fn)
	c.mu.Unlock()
}

// SetLogFile mirrors every captured line into the given file
func (c *Capture) SetLogFile(f *os.File) {
	c.mu.Lock()
	c.logFile = f
	c.mu.Unlock()
}

// CloseLog detaches and closes the mirror file, if any
func (c *Capture) CloseLog() {
	c.mu.Lock()
	f := c.logFile
	c.logFile = nil
	c.mu.Unlock()
	if f != nil {
		f.Close()
	}
}

// Push records one line and notifies subscribers. Injected synthetic
// lines use this same path, so detection behaves identically for both.
func (c *Capture) Push(line string) {
	c.mu.Lock()
	if c.count == len(c.ring) {
		c.ring[c.start] = line
		c.start = (c.start + 1) % len(c.ring)
	} else {
		c.ring[(c.start+c.count)%len(c.ring)] = line
		c.count++
	}
	c.total++
	if c.logFile != nil {
		c.logFile.WriteString(line + "\n")
		c.logFile.Sync() // Flush to disk for tail -f
	}
	subs := c.subs
	c.mu.Unlock()

	for _, fn := range subs {
		fn(line)
	}
}

// Recent returns up to n of the most recent lines, oldest first
func (c *Capture) Recent(n int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n > c.count {
		n = c.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = c.ring[(c.start+c.count-n+i)%len(c.ring)]
	}
	return out
}

// Total returns the number of lines ever captured, including dropped
func (c *Capture) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}
