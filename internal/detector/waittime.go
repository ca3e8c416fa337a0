package detector

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Explicit hints are clamped to this window before they override the
// default cooldown.
const (
	minWaitHint = time.Minute
	maxWaitHint = 24 * time.Hour
)

type waitPattern struct {
	re         *regexp.Regexp
	multiplier time.Duration // duration per captured unit
}

var waitTimePatterns = []waitPattern{
	{regexp.MustCompile(`(?i)retry[- ]after[:=]?\s*(\d+)\s*(?:hours?|hrs?)\b`), time.Hour},
	{regexp.MustCompile(`(?i)retry[- ]after[:=]?\s*(\d+)\s*(?:minutes?|mins?)\b`), time.Minute},
	{regexp.MustCompile(`(?i)retry[- ]after[:=]?\s*(\d+)\s*(?:seconds?|secs?|s)?\b`), time.Second},
	{regexp.MustCompile(`(?i)try\s+again\s+in\s+(\d+)\s*(?:hours?|hrs?)\b`), time.Hour},
	{regexp.MustCompile(`(?i)try\s+again\s+in\s+(\d+)\s*(?:minutes?|mins?)\b`), time.Minute},
	{regexp.MustCompile(`(?i)try\s+again\s+in\s+(\d+)\s*(?:seconds?|secs?|s)\b`), time.Second},
	{regexp.MustCompile(`(?i)wait\s+(?:for\s+)?(\d+)\s*(?:hours?|hrs?)\b`), time.Hour},
	{regexp.MustCompile(`(?i)wait\s+(?:for\s+)?(\d+)\s*(?:minutes?|mins?)\b`), time.Minute},
	{regexp.MustCompile(`(?i)wait\s+(?:for\s+)?(\d+)\s*(?:seconds?|secs?)\b`), time.Second},
	{regexp.MustCompile(`(?i)limit\s+resets?\s+in\s+(\d+)\s*(?:hours?|hrs?)\b`), time.Hour},
	{regexp.MustCompile(`(?i)limit\s+resets?\s+in\s+(\d+)\s*(?:minutes?|mins?)\b`), time.Minute},
	{regexp.MustCompile(`(?i)locked\s+for\s+(\d+)\s*(?:hours?|hrs?)\b`), time.Hour},
	{regexp.MustCompile(`(?i)locked\s+for\s+(\d+)\s*(?:minutes?|mins?)\b`), time.Minute},
}

var resetAtRegex = regexp.MustCompile(`(?i)resets?\s+at\s+(\d{1,2})\s*(am|pm)\b`)

// WaitHint extracts an explicit wait duration from a line, such as
// "please wait 5 hours" or "your limit resets at 3am". The boolean is
// false when the line states no usable duration.
func WaitHint(line string) (time.Duration, bool) {
	return WaitHintAt(line, time.Now())
}

// WaitHintAt is WaitHint with an injectable clock for the reset-at form
func WaitHintAt(line string, now time.Time) (time.Duration, bool) {
	lower := strings.ToLower(StripANSI(line))
	if d, ok := waitHintIn(lower); ok {
		return d, true
	}
	if m := resetAtRegex.FindStringSubmatch(lower); m != nil {
		hour, err := strconv.Atoi(m[1])
		if err != nil || hour < 1 || hour > 12 {
			return 0, false
		}
		if hour == 12 {
			hour = 0
		}
		if m[2] == "pm" {
			hour += 12
		}
		target := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
		if !target.After(now) {
			target = target.Add(24 * time.Hour)
		}
		return clampHint(target.Sub(now)), true
	}
	return 0, false
}

// waitHintIn scans the relative-duration patterns only. The input must
// already be lowercased and ANSI-free.
func waitHintIn(lower string) (time.Duration, bool) {
	for _, p := range waitTimePatterns {
		m := p.re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			continue
		}
		return clampHint(time.Duration(n) * p.multiplier), true
	}
	return 0, false
}

func clampHint(d time.Duration) time.Duration {
	if d < minWaitHint {
		return minWaitHint
	}
	if d > maxWaitHint {
		return maxWaitHint
	}
	return d
}
