package waits

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomallicino/terminal-demo-studio/pkg/schema"
)

// fakeSource replays a scripted sequence of snapshots, one per call.
type fakeSource struct {
	mu    sync.Mutex
	snaps []Snapshot
	calls int
}

func (f *fakeSource) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.snaps) {
		i = len(f.snaps) - 1
	}
	f.calls++
	return f.snaps[i]
}

// fakeClock advances a fixed amount per sleep, keeping tests deterministic.
type fakeClock struct {
	now  time.Duration
	step time.Duration
}

func (c *fakeClock) Now() time.Duration { return c.now }
func (c *fakeClock) Sleep(time.Duration) {
	c.now += c.step
}

func newTestSampler(source Source, step time.Duration) (*Sampler, *fakeClock) {
	clock := &fakeClock{step: step}
	s := NewSampler(source)
	s.now = clock.Now
	s.sleep = clock.Sleep
	return s, clock
}

func TestMatchTextSurfaces(t *testing.T) {
	snap := Snapshot{
		Screen: "first line\nsecond line\n   \n",
		Tail:   "raw tail content",
	}
	if !MatchText(snap, "tail", schema.WaitDefault) {
		t.Error("default mode should match the tail")
	}
	if MatchText(snap, "tail", schema.WaitScreen) {
		t.Error("screen mode must not match the tail")
	}
	if !MatchText(snap, "second", schema.WaitScreen) {
		t.Error("screen mode should match the grid")
	}
	if !MatchText(snap, "second line", schema.WaitLine) {
		t.Error("line mode should match the final non-empty line")
	}
	if MatchText(snap, "first", schema.WaitLine) {
		t.Error("line mode must only see the final non-empty line")
	}
}

func TestTrailingWhitespaceKept(t *testing.T) {
	snap := Snapshot{Screen: "prompt>   "}
	if !MatchText(snap, "prompt>   ", schema.WaitScreen) {
		t.Error("trailing whitespace must not be stripped before matching")
	}
}

func TestWaitForSucceedsOnFirstMatch(t *testing.T) {
	source := &fakeSource{snaps: []Snapshot{
		{Screen: ""},
		{Screen: ""},
		{Screen: "hello"},
	}}
	s, _ := newTestSampler(source, 10*time.Millisecond)
	err := s.WaitFor(context.Background(), "hello", time.Second, func(snap Snapshot) bool {
		return MatchText(snap, "hello", schema.WaitScreen)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if source.calls != 3 {
		t.Errorf("expected success on third sample, got %d calls", source.calls)
	}
}

func TestWaitForTimeout(t *testing.T) {
	source := &fakeSource{snaps: []Snapshot{{Screen: "never matches"}}}
	s, _ := newTestSampler(source, 100*time.Millisecond)
	err := s.WaitFor(context.Background(), "missing text", 500*time.Millisecond, func(Snapshot) bool {
		return false
	})
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if timeoutErr.Elapsed < 500*time.Millisecond {
		t.Errorf("timeout fired early: %v", timeoutErr.Elapsed)
	}
}

func TestWaitForClosedStreamFinalEvaluation(t *testing.T) {
	// The stream closes, but the final look still sees the match.
	source := &fakeSource{snaps: []Snapshot{
		{Screen: "", Closed: true},
		{Screen: "late arrival", Closed: true},
	}}
	s, _ := newTestSampler(source, 10*time.Millisecond)
	err := s.WaitFor(context.Background(), "late arrival", time.Second, func(snap Snapshot) bool {
		return MatchText(snap, "late arrival", schema.WaitScreen)
	})
	if err != nil {
		t.Fatalf("final evaluation after close should pass: %v", err)
	}
}

func TestWaitForClosedStreamTimesOut(t *testing.T) {
	source := &fakeSource{snaps: []Snapshot{{Screen: "x", Closed: true}}}
	s, _ := newTestSampler(source, 10*time.Millisecond)
	err := s.WaitFor(context.Background(), "absent", time.Second, func(Snapshot) bool { return false })
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestWaitForDefaultTimeoutApplied(t *testing.T) {
	source := &fakeSource{snaps: []Snapshot{{Screen: ""}}}
	s, clock := newTestSampler(source, time.Second)
	err := s.WaitFor(context.Background(), "absent", 0, func(Snapshot) bool { return false })
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if clock.now < DefaultTimeout {
		t.Errorf("default timeout not honored: elapsed %v", clock.now)
	}
}

func TestWaitForCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	source := &fakeSource{snaps: []Snapshot{{Screen: ""}}}
	s, _ := newTestSampler(source, 10*time.Millisecond)
	err := s.WaitFor(ctx, "anything", time.Second, func(Snapshot) bool { return true })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOnTickRunsBeforePredicate(t *testing.T) {
	source := &fakeSource{snaps: []Snapshot{{Screen: "hit"}}}
	s, _ := newTestSampler(source, 10*time.Millisecond)
	order := []string{}
	s.OnTick = func(Snapshot) error {
		order = append(order, "tick")
		return nil
	}
	_ = s.WaitFor(context.Background(), "hit", time.Second, func(Snapshot) bool {
		order = append(order, "predicate")
		return true
	})
	if len(order) < 2 || order[0] != "tick" || order[1] != "predicate" {
		t.Errorf("tick must run before predicate evaluation: %v", order)
	}
}

func TestOnTickErrorStopsWait(t *testing.T) {
	source := &fakeSource{snaps: []Snapshot{{Screen: ""}}}
	s, _ := newTestSampler(source, 10*time.Millisecond)
	sentinel := errors.New("policy abort")
	s.OnTick = func(Snapshot) error { return sentinel }
	err := s.WaitFor(context.Background(), "x", time.Second, func(Snapshot) bool { return false })
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected the tick error, got %v", err)
	}
}

func TestWaitStablePassesAfterDuration(t *testing.T) {
	source := &fakeSource{snaps: []Snapshot{{Screen: "steady"}}}
	s, clock := newTestSampler(source, 50*time.Millisecond)
	if err := s.WaitStable(context.Background(), 300*time.Millisecond, time.Second); err != nil {
		t.Fatalf("stable screen should pass: %v", err)
	}
	if clock.now < 300*time.Millisecond {
		t.Errorf("passed before the stability window elapsed: %v", clock.now)
	}
}

func TestWaitStableTimesOutOnChurn(t *testing.T) {
	// Every sample differs, so stability is never reached.
	snaps := make([]Snapshot, 64)
	for i := range snaps {
		snaps[i] = Snapshot{Screen: string(rune('a' + i%26))}
	}
	// Cycle through distinct screens.
	source := &fakeSource{snaps: snaps}
	s, _ := newTestSampler(source, 100*time.Millisecond)
	err := s.WaitStable(context.Background(), 10*time.Second, 2*time.Second)
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestAssert(t *testing.T) {
	snap := Snapshot{Screen: "build ok\ndone"}
	if err := Assert(snap, "build ok", false); err != nil {
		t.Errorf("positive assert failed: %v", err)
	}
	if err := Assert(snap, "ERROR", false); err == nil {
		t.Error("positive assert should fail on absent pattern")
	}
	if err := Assert(snap, "ERROR", true); err != nil {
		t.Errorf("negative assert failed: %v", err)
	}
	if err := Assert(snap, "done", true); err == nil {
		t.Error("negative assert should fail on present pattern")
	}
	if err := Assert(snap, "(", false); err == nil {
		t.Error("invalid regex should error")
	}
}

func TestAssertMultiline(t *testing.T) {
	snap := Snapshot{Screen: "line one\nline two"}
	if err := Assert(snap, "^line two$", false); err != nil {
		t.Errorf("multiline anchor should match a line after the first: %v", err)
	}
}

func TestScreenHashChanges(t *testing.T) {
	if ScreenHash("a") == ScreenHash("b") {
		t.Error("distinct screens should hash differently")
	}
	if ScreenHash("same") != ScreenHash("same") {
		t.Error("hash must be stable")
	}
}
