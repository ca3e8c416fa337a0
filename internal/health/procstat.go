package health

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hochfrequenz/limitwatch/internal/domain"
)

// procStat holds the fields of /proc/<pid>/stat the checker uses
type procStat struct {
	state   byte
	utime   uint64
	stime   uint64
	threads int
}

// totalTicks is the process's accumulated CPU time in clock ticks
func (s procStat) totalTicks() uint64 {
	return s.utime + s.stime
}

// parseStat extracts the state, CPU tick counters, and thread count
// from a stat line. The comm field may itself contain spaces and
// parentheses, so parsing resumes after the last ')'.
func parseStat(content string) (procStat, error) {
	idx := strings.LastIndexByte(content, ')')
	if idx < 0 || idx+2 >= len(content) {
		return procStat{}, domain.Errorf(domain.ErrProcess, "malformed stat line %q", content)
	}
	fields := strings.Fields(content[idx+1:])
	if len(fields) < 18 {
		return procStat{}, domain.Errorf(domain.ErrProcess, "stat line has %d fields, want >= 18", len(fields))
	}

	st := procStat{state: fields[0][0]}
	var err error
	if st.utime, err = strconv.ParseUint(fields[11], 10, 64); err != nil {
		return procStat{}, domain.E(domain.ErrProcess, "stat utime", err)
	}
	if st.stime, err = strconv.ParseUint(fields[12], 10, 64); err != nil {
		return procStat{}, domain.E(domain.ErrProcess, "stat stime", err)
	}
	if st.threads, err = strconv.Atoi(fields[17]); err != nil {
		return procStat{}, domain.E(domain.ErrProcess, "stat threads", err)
	}
	return st, nil
}

func readStat(pid int) (procStat, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return procStat{}, err
	}
	return parseStat(string(data))
}

// readRSSBytes returns the resident set size from /proc/<pid>/statm
func readRSSBytes(pid int) (int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, domain.Errorf(domain.ErrProcess, "statm has %d fields, want >= 2", len(fields))
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, domain.E(domain.ErrProcess, "statm resident", err)
	}
	return pages * int64(os.Getpagesize()), nil
}

// countOpenFiles counts entries in /proc/<pid>/fd, 0 when unreadable
func countOpenFiles(pid int) int {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/fd", pid))
	if err != nil {
		return 0
	}
	return len(entries)
}

// stateFromChar maps the kernel's one-letter state to our coarser set.
// Uninterruptible sleep and idle both count as sleeping.
func stateFromChar(c byte) domain.ProcState {
	switch c {
	case 'R':
		return domain.ProcRunning
	case 'S', 'D', 'I':
		return domain.ProcSleeping
	case 'T', 't':
		return domain.ProcStopped
	case 'Z':
		return domain.ProcZombie
	default:
		return domain.ProcUnknown
	}
}
