// Package waits implements the wait/assert evaluator shared by every lane.
// Predicates are sampled against a rolling snapshot of terminal content at a
// bounded cadence on a monotonic clock. The evaluator only signals: it never
// retries, extends deadlines, or recovers.
package waits

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"time"

	"github.com/tomallicino/terminal-demo-studio/pkg/schema"
)

const (
	// DefaultInterval is the sampling cadence.
	DefaultInterval = 50 * time.Millisecond
	// DefaultTimeout bounds a wait when neither the action nor the scenario
	// declares one. There is no silent extension.
	DefaultTimeout = 15 * time.Second
	// TailLimit bounds the stream tail surface.
	TailLimit = 32 * 1024
)

// Snapshot is one observation of the terminal surfaces.
type Snapshot struct {
	// Screen is the visible grid rendered to text, line boundaries kept,
	// trailing whitespace preserved.
	Screen string
	// Tail is the last TailLimit bytes of raw output.
	Tail string
	// Closed reports that the underlying stream has ended; one final
	// evaluation is performed before a wait declares timeout.
	Closed bool
}

// Source produces snapshots. The active lane owns the single reader behind
// it; consumers are synchronous to preserve ordering guarantees.
type Source interface {
	Snapshot() Snapshot
}

// TickFunc runs on every sampling tick before predicate evaluation. The
// visual lane hooks its policy engine here. A non-nil error stops the wait.
type TickFunc func(snap Snapshot) error

// TimeoutError signals an exceeded wait deadline.
type TimeoutError struct {
	Target  string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed_out waiting for %s after %s", e.Target, e.Elapsed.Round(time.Millisecond))
}

// MatchText reports whether the literal target appears on the given surface.
// wait_mode=line requires the target on the final non-empty line; screen
// matches the visible grid; default matches the stream tail.
func MatchText(snap Snapshot, target string, mode schema.WaitMode) bool {
	switch mode {
	case schema.WaitScreen:
		return strings.Contains(snap.Screen, target)
	case schema.WaitLine:
		return strings.Contains(finalNonEmptyLine(snap.Screen), target)
	default:
		return strings.Contains(snap.Tail, target)
	}
}

func finalNonEmptyLine(screen string) string {
	lines := strings.Split(screen, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}

// CompileScreenRegex compiles a screen/line predicate pattern with multiline
// semantics. Go's RE2 dialect is non-backtracking by construction.
func CompileScreenRegex(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?m)" + pattern)
}

// MatchScreenRegex evaluates a compiled pattern against the screen surface.
func MatchScreenRegex(snap Snapshot, re *regexp.Regexp) bool {
	return re.MatchString(snap.Screen)
}

// MatchLineRegex evaluates a compiled pattern line by line.
func MatchLineRegex(snap Snapshot, re *regexp.Regexp) bool {
	for _, line := range strings.Split(snap.Screen, "\n") {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// Assert evaluates a point-in-time screen assertion. negate inverts the
// match for assert_not_screen_regex.
func Assert(snap Snapshot, pattern string, negate bool) error {
	re, err := CompileScreenRegex(pattern)
	if err != nil {
		return fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	matched := MatchScreenRegex(snap, re)
	if negate && matched {
		return fmt.Errorf("assert_not_screen_regex failed: %s", pattern)
	}
	if !negate && !matched {
		return fmt.Errorf("assert_screen_regex failed: %s", pattern)
	}
	return nil
}

// ScreenHash fingerprints the screen for wait_stable change detection.
func ScreenHash(screen string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(screen))
	return h.Sum64()
}

// Sampler drives predicates against a Source. The sampling tick is the
// lane's single suspension point.
type Sampler struct {
	Source   Source
	Interval time.Duration
	OnTick   TickFunc

	// now returns elapsed monotonic time; replaceable in tests.
	now   func() time.Duration
	sleep func(time.Duration)
}

// NewSampler builds a sampler with the default cadence.
func NewSampler(source Source) *Sampler {
	start := time.Now()
	return &Sampler{
		Source:   source,
		Interval: DefaultInterval,
		now:      func() time.Duration { return time.Since(start) },
		sleep:    time.Sleep,
	}
}

// effectiveTimeout applies the no-silent-extension rule: the action's
// timeout if set, otherwise the default.
func effectiveTimeout(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	return DefaultTimeout
}

// WaitFor samples until predicate(snapshot) is true or the deadline passes.
// target names the predicate in the timeout error. If the stream closes, one
// final evaluation runs before timeout is declared.
func (s *Sampler) WaitFor(ctx context.Context, target string, timeout time.Duration, predicate func(Snapshot) bool) error {
	limit := effectiveTimeout(timeout)
	start := s.now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		snap := s.Source.Snapshot()
		if s.OnTick != nil {
			if err := s.OnTick(snap); err != nil {
				return err
			}
		}
		if predicate(snap) {
			return nil
		}
		elapsed := s.now() - start
		if snap.Closed || elapsed >= limit {
			// Final look after close; the clock never runs backward, so a
			// match observed here still wins over the deadline.
			final := s.Source.Snapshot()
			if predicate(final) {
				return nil
			}
			return &TimeoutError{Target: target, Elapsed: elapsed}
		}
		s.sleep(s.Interval)
	}
}

// WaitStable samples until the screen hash is unchanged for the given
// duration. An explicit timeout binds strictly, even one shorter than the
// stability window; without one, the default deadline is padded by the
// window so a quiet screen can always pass.
func (s *Sampler) WaitStable(ctx context.Context, stableFor, timeout time.Duration) error {
	limit := timeout
	if limit == 0 {
		limit = stableFor + DefaultTimeout
	}
	start := s.now()
	lastHash := ScreenHash(s.Source.Snapshot().Screen)
	stableSince := s.now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.sleep(s.Interval)
		snap := s.Source.Snapshot()
		if s.OnTick != nil {
			if err := s.OnTick(snap); err != nil {
				return err
			}
		}
		h := ScreenHash(snap.Screen)
		now := s.now()
		if h != lastHash {
			lastHash = h
			stableSince = now
		}
		if now-stableSince >= stableFor {
			return nil
		}
		if now-start >= limit {
			return &TimeoutError{Target: "stable screen", Elapsed: now - start}
		}
	}
}
