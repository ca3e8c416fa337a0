// Package detector scores child process output lines for usage-limit
// announcements. Detection is text-only: a priority-ordered pattern
// list plus a keyword heuristic produce a confidence in [0,1], and only
// matches at or above the configured minimum qualify.
package detector

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/limitwatch/internal/domain"
)

const contextRingSize = 100

// Result describes one qualifying (or candidate) match
type Result struct {
	Pattern       string
	MatchedText   string
	Confidence    float64
	Line          string
	LineNumber    int
	ContextBefore []string
	DetectedAt    time.Time
	WaitHint      time.Duration // 0 when the line states no explicit wait
}

type compiledPattern struct {
	raw string
	re  *regexp.Regexp
}

// fastPhrases score 0.95 immediately, skipping the scoring pipeline
var fastPhrases = []string{
	"usage limit exceeded",
	"quota exceeded",
	"rate limit",
	"limit exceeded",
}

// systemMarkers identify supervisor and tooling chatter that must never
// trigger a detection, however limit-like it reads.
var systemMarkers = []string{
	"[debug]", "[info]", "[warn]", "[error]", "[trace]",
	"claude-code:", "system:", "debug:", "log:",
	"timestamp:", "process id:", "thread:", "memory:",
	"loading", "initializing", "connecting",
}

var (
	ansiRegex     = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	hourRefRegex  = regexp.MustCompile(`\b\d+\s*hours?\b`)
	shortRefRegex = regexp.MustCompile(`\b\d+\s*(?:minutes?|mins?|seconds?|secs?)\b`)
	numberRegex   = regexp.MustCompile(`\b\d+\b`)
)

var strongKeywords = []string{
	"usage limit exceeded", "rate limit", "limit exceeded", "please wait",
	"quota exceeded", "cooldown", "temporarily disabled", "locked for",
}

var supportingKeywords = []string{"wait", "hours", "exceeded", "quota", "limit"}

var errorIndicators = []string{"error", "warning", "alert", "failed", "denied"}

var neutralTerms = []string{"configuration", "setting", "updated", "requested"}

// Detector evaluates output lines one at a time. Safe for concurrent
// use; the line ring and counters sit behind one mutex.
type Detector struct {
	logger *slog.Logger

	mu            sync.Mutex
	patterns      []compiledPattern
	minConfidence float64
	contextLines  int

	ring     [contextRingSize]string
	total    int // lines ever seen, ring index derives from it
	hits     map[string]int
	rejected int // candidate matches below the confidence bar
}

// New compiles the pattern list and returns a ready detector
func New(patterns []string, minConfidence float64, contextLines int, logger *slog.Logger) (*Detector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	compiled, err := compile(patterns)
	if err != nil {
		return nil, err
	}
	return &Detector{
		logger:        logger,
		patterns:      compiled,
		minConfidence: minConfidence,
		contextLines:  contextLines,
		hits:          make(map[string]int),
	}, nil
}

func compile(patterns []string) ([]compiledPattern, error) {
	out := make([]compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, domain.Errorf(domain.ErrDetection, "pattern %q: %v", p, err)
		}
		out = append(out, compiledPattern{raw: p, re: re})
	}
	return out, nil
}

// SetPatterns replaces the pattern list, e.g. after a config reload.
// The old list stays in place when any new pattern fails to compile.
func (d *Detector) SetPatterns(patterns []string) error {
	compiled, err := compile(patterns)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.patterns = compiled
	d.mu.Unlock()
	return nil
}

// SetMinConfidence adjusts the qualifying threshold
func (d *Detector) SetMinConfidence(min float64) {
	d.mu.Lock()
	d.minConfidence = min
	d.mu.Unlock()
}

// Detect scores one output line. The boolean is true only for matches
// at or above the qualifying threshold; everything else is counted and
// dropped.
func (d *Detector) Detect(line string) (Result, bool) {
	line = strings.TrimSpace(StripANSI(line))

	d.mu.Lock()
	defer d.mu.Unlock()

	if line == "" {
		return Result{}, false
	}

	d.total++
	d.ring[(d.total-1)%contextRingSize] = line
	lineNo := d.total

	lower := strings.ToLower(line)
	if isSystemMessage(lower) {
		return Result{}, false
	}

	best, found := d.match(line, lower)
	if !found {
		return Result{}, false
	}

	best.Line = line
	best.LineNumber = lineNo
	best.DetectedAt = time.Now().UTC()
	best.ContextBefore = d.contextBeforeLocked(lineNo)
	// Local clock here: reset-at hints name wall clock hours
	if hint, ok := WaitHintAt(line, time.Now()); ok {
		best.WaitHint = hint
	}

	if best.Confidence < d.minConfidence {
		d.rejected++
		d.logger.Debug("detection below threshold",
			"pattern", best.Pattern,
			"confidence", best.Confidence,
			"line_number", lineNo)
		return Result{}, false
	}

	d.hits[best.Pattern]++
	return best, true
}

// match runs the fast phrases, the configured patterns with early exit,
// and finally the keyword heuristic. Caller holds the lock.
func (d *Detector) match(line, lower string) (Result, bool) {
	for _, phrase := range fastPhrases {
		if strings.Contains(lower, phrase) {
			return Result{Pattern: phrase, MatchedText: phrase, Confidence: 0.95}, true
		}
	}

	var best Result
	found := false
	for _, p := range d.patterns {
		loc := p.re.FindStringIndex(line)
		if loc == nil {
			continue
		}
		matched := line[loc[0]:loc[1]]
		conf := scoreMatch(p.raw, matched, lower)
		if !found || conf > best.Confidence ||
			(conf == best.Confidence && len(matched) > len(best.MatchedText)) {
			best = Result{Pattern: p.raw, MatchedText: matched, Confidence: conf}
			found = true
		}
		// A near-certain match ends the search
		if best.Confidence > 0.9 {
			break
		}
	}
	if found {
		return best, true
	}

	if conf, ok := heuristicScore(lower); ok {
		return Result{Pattern: "heuristic", MatchedText: line, Confidence: conf}, true
	}
	return Result{}, false
}

// scoreMatch computes match confidence from pattern specificity and the
// surrounding line text.
func scoreMatch(pattern, matched, lower string) float64 {
	conf := 0.3

	// Longer patterns are more specific
	switch {
	case len(pattern) >= 25:
		conf += 0.25
	case len(pattern) >= 15:
		conf += 0.15
	case len(pattern) >= 8:
		conf += 0.05
	}

	for _, kw := range strongKeywords {
		if strings.Contains(lower, kw) {
			conf += 0.4
			break
		}
	}

	support := 0.0
	for _, kw := range supportingKeywords {
		if strings.Contains(lower, kw) {
			support += 0.05
		}
	}
	if support > 0.2 {
		support = 0.2
	}
	conf += support

	if hourRefRegex.MatchString(lower) {
		conf += 0.2
	} else if numberRegex.MatchString(lower) {
		conf += 0.1
	}

	for _, ind := range errorIndicators {
		if strings.Contains(lower, ind) {
			conf += 0.1
			break
		}
	}

	matchedLower := strings.ToLower(matched)
	generic := matchedLower == "limit" || matchedLower == "usage limit" || matchedLower == "wait"
	reached := strings.Contains(lower, "reached") || strings.Contains(lower, "exceeded") || strings.Contains(lower, "hit")
	if generic {
		conf -= 0.2
		if reached {
			conf += 0.3
		}
	} else if conf < 0.6 {
		conf = 0.6
	}
	if strings.Contains(lower, "limit") && reached && conf < 0.6 {
		conf = 0.6
	}

	for _, term := range neutralTerms {
		if strings.Contains(lower, term) {
			conf -= 0.1
			break
		}
	}

	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}

// heuristicScore catches limit wording no configured pattern covers.
// Tiers are ordered most to least specific; the first hit wins.
func heuristicScore(lower string) (float64, bool) {
	timeRef := hourRefRegex.MatchString(lower) || shortRefRegex.MatchString(lower)
	has := func(s string) bool { return strings.Contains(lower, s) }

	switch {
	case has("quota") && has("exceeded"):
		return 0.85, true
	case has("usage") && has("limit") && (has("exceeded") || has("reached")):
		return 0.9, true
	case has("usage") && has("limit") && has("wait") && timeRef:
		return 0.85, true
	case has("rate limit") && (timeRef || has("exceeded")):
		return 0.8, true
	case has("wait") && timeRef:
		return 0.75, true
	}
	return 0, false
}

func isSystemMessage(lower string) bool {
	for _, marker := range systemMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// contextBeforeLocked returns up to contextLines lines preceding the
// given line number. Caller holds the lock.
func (d *Detector) contextBeforeLocked(lineNo int) []string {
	lo := lineNo - d.contextLines
	if floor := d.total - contextRingSize + 1; lo < floor {
		lo = floor
	}
	if lo < 1 {
		lo = 1
	}
	var out []string
	for n := lo; n < lineNo; n++ {
		out = append(out, d.ring[(n-1)%contextRingSize])
	}
	return out
}

// ContextAround returns the ring lines before and after a line number.
// Used when persisting an event, by which time trailing lines exist.
func (d *Detector) ContextAround(lineNo int) (before, after []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	before = d.contextBeforeLocked(lineNo)

	hi := lineNo + d.contextLines
	if hi > d.total {
		hi = d.total
	}
	for n := lineNo + 1; n <= hi; n++ {
		if n <= d.total-contextRingSize {
			continue
		}
		after = append(after, d.ring[(n-1)%contextRingSize])
	}
	return before, after
}

// Stats reports per-pattern hit counts plus rejected candidates
func (d *Detector) Stats() (hits map[string]int, linesSeen, rejected int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hits = make(map[string]int, len(d.hits))
	for k, v := range d.hits {
		hits[k] = v
	}
	return hits, d.total, d.rejected
}

// TestPattern compiles a single pattern and scores it against a sample
// line. Used by configuration validation and the selftest command.
func TestPattern(pattern, line string) (float64, bool, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return 0, false, domain.Errorf(domain.ErrDetection, "pattern %q: %v", pattern, err)
	}
	clean := strings.TrimSpace(StripANSI(line))
	loc := re.FindStringIndex(clean)
	if loc == nil {
		return 0, false, nil
	}
	conf := scoreMatch(pattern, clean[loc[0]:loc[1]], strings.ToLower(clean))
	return conf, true, nil
}

// StripANSI removes terminal escape sequences from a line
func StripANSI(s string) string {
	if !strings.ContainsRune(s, '\x1b') {
		return s
	}
	return ansiRegex.ReplaceAllString(s, "")
}
