package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomallicino/terminal-demo-studio/pkg/artifacts"
	"github.com/tomallicino/terminal-demo-studio/pkg/failure"
	"github.com/tomallicino/terminal-demo-studio/pkg/redaction"
	"github.com/tomallicino/terminal-demo-studio/pkg/schema"
	"github.com/tomallicino/terminal-demo-studio/pkg/waits"
)

// Config is the immutable per-run configuration handed down by the
// dispatcher. Lanes never read the environment themselves.
type Config struct {
	WorkDir      string
	SetupTimeout time.Duration
}

// Run executes every scenario on the interactive lane and writes the run's
// summary. No media is produced; events.jsonl and summary.json are the sole
// outputs besides the failure bundle.
func Run(ctx context.Context, sp *schema.Screenplay, layout *artifacts.RunLayout, red *redaction.Redactor, cfg Config) (*artifacts.Summary, *failure.Error) {
	events, err := artifacts.NewEventWriter(layout.EventsPath())
	if err != nil {
		return finish(layout, red, nil, "", failure.New(failure.KindInternal, "open events log: %v", err))
	}
	defer events.Close()

	var results []artifacts.ScenarioResult

	if ferr := runPreinstall(ctx, sp, events, red, cfg); ferr != nil {
		return finish(layout, red, results, "", ferr)
	}

	for si := range sp.Scenarios {
		scenario := &sp.Scenarios[si]
		started := time.Now()
		screenText, ferr := runScenario(ctx, si, scenario, sp.Settings, events, red, cfg)
		results = append(results, artifacts.ScenarioResult{
			Label:      scenario.Label,
			Status:     statusOf(ferr),
			DurationMS: time.Since(started).Milliseconds(),
		})
		if ferr != nil {
			return finish(layout, red, results, screenText, ferr)
		}
	}
	return finish(layout, red, results, "", nil)
}

func statusOf(ferr *failure.Error) string {
	if ferr == nil {
		return "passed"
	}
	return "failed"
}

// runPreinstall executes the screenplay's preinstall commands; a failure
// aborts before any scenario executes.
func runPreinstall(ctx context.Context, sp *schema.Screenplay, events *artifacts.EventWriter, red *redaction.Redactor, cfg Config) *failure.Error {
	for _, command := range sp.Preinstall {
		output, code, err := RunSetupCommand(ctx, command, "auto", cfg.WorkDir, cfg.SetupTimeout)
		if err != nil {
			return failure.New(failure.KindSetup, "preinstall command failed: %s: %v", red.Redact(command), err)
		}
		kind := artifacts.EventPassed
		if code != 0 {
			kind = artifacts.EventFailed
		}
		_ = events.Append(-1, -1, kind, map[string]any{
			"phase":     "preinstall",
			"command":   red.Redact(command),
			"exit_code": code,
		})
		if code != 0 {
			return failure.New(failure.KindSetup, "preinstall command failed: %s\n%s",
				red.Redact(command), red.Redact(output))
		}
	}
	return nil
}

// runScenario drives one scenario through a persistent PTY shell. It returns
// the final screen snapshot for the failure bundle.
func runScenario(ctx context.Context, index int, scenario *schema.Scenario, settings schema.Settings, events *artifacts.EventWriter, red *redaction.Redactor, cfg Config) (string, *failure.Error) {
	for _, command := range scenario.Setup {
		output, code, err := RunSetupCommand(ctx, command, scenarioShell(scenario), cfg.WorkDir, cfg.SetupTimeout)
		if err != nil || code != 0 {
			reason := fmt.Sprintf("setup command failed: %s", red.Redact(command))
			if output != "" {
				reason += "\n" + red.Redact(output)
			}
			return "", failure.New(failure.KindSetup, "%s", reason).AtStep(scenario.Label, -1, "setup")
		}
	}

	session, err := StartSession(ctx, scenario.Shell, cfg.WorkDir, gridWidth(settings), gridHeight(settings))
	if err != nil {
		return "", failure.New(failure.KindInternal, "start pty session: %v", err).AtStep(scenario.Label, -1, "session")
	}
	defer session.Close()

	lastExit := -1
	for _, op := range scenario.Ops {
		ferr := runOp(ctx, index, scenario, op, session, events, red, &lastExit)
		if ferr != nil {
			return session.Snapshot().Screen, ferr
		}
	}
	return session.Snapshot().Screen, nil
}

func scenarioShell(s *schema.Scenario) string {
	if s.Shell == "" {
		return "auto"
	}
	return s.Shell
}

func gridWidth(settings schema.Settings) int {
	// Approximate columns from pixel width and font size; the screen model
	// only needs to be proportionate for predicate matching. Tiny font
	// sizes round the cell estimate down to zero, so floor the denominator.
	cell := settings.FontSize * 6 / 10
	if cell < 1 {
		cell = 1
	}
	return clamp(settings.Width/cell, 40, 400)
}

func gridHeight(settings schema.Settings) int {
	cell := settings.FontSize * 14 / 10
	if cell < 1 {
		cell = 1
	}
	return clamp(settings.Height/cell, 10, 200)
}

// runOp advances the per-action state machine:
// pending → dispatched → waiting → asserting → (passed | failed | timed_out).
func runOp(ctx context.Context, scenarioIndex int, scenario *schema.Scenario, op schema.Action, session *Session, events *artifacts.EventWriter, red *redaction.Redactor, lastExit *int) *failure.Error {
	emit := func(kind artifacts.EventKind, payload map[string]any) {
		_ = events.Append(scenarioIndex, op.Step, kind, payload)
	}

	switch op.Kind {
	case schema.KindCommand:
		emit(artifacts.EventDispatched, map[string]any{"command": red.Redact(op.Text)})
		code, err := session.RunCommand(ctx, op.Text, op.Timeout)
		if err != nil {
			ferr := wrapWaitError(err, scenario, op, red)
			emit(terminalEventKind(ferr), map[string]any{"reason": red.Redact(ferr.Reason)})
			return ferr
		}
		*lastExit = code
		emit(artifacts.EventPassed, map[string]any{"exit_code": code})
		return nil

	case schema.KindInput, schema.KindKey, schema.KindHotkey:
		reason := "interactive primitive unsupported in pty lane"
		emit(artifacts.EventFailed, map[string]any{"reason": reason})
		return failure.New(failure.KindStep, "%s", reason).
			AtStep(scenario.Label, op.Step, string(op.Kind))

	case schema.KindSleep:
		emit(artifacts.EventDispatched, map[string]any{"sleep_ms": op.Duration.Milliseconds()})
		select {
		case <-ctx.Done():
			return cancelled(scenario, op)
		case <-time.After(op.Duration):
		}
		emit(artifacts.EventPassed, nil)
		return nil

	case schema.KindWaitStable:
		emit(artifacts.EventWaiting, map[string]any{"stable_ms": op.Duration.Milliseconds()})
		sampler := waits.NewSampler(session)
		if err := sampler.WaitStable(ctx, op.Duration, op.Timeout); err != nil {
			ferr := wrapWaitError(err, scenario, op, red)
			emit(terminalEventKind(ferr), map[string]any{"reason": red.Redact(ferr.Reason)})
			return ferr
		}
		emit(artifacts.EventPassed, nil)
		return nil

	case schema.KindWaitFor, schema.KindWaitScreenRegex, schema.KindWaitLineRegex:
		return runWait(ctx, scenarioIndex, scenario, op, session, events, red)

	case schema.KindAssertScreenRegex, schema.KindAssertNotScreenRegex:
		emit(artifacts.EventAsserting, map[string]any{"regex": op.Text})
		snap := session.Snapshot()
		if err := waits.Assert(snap, op.Text, op.Kind == schema.KindAssertNotScreenRegex); err != nil {
			emit(artifacts.EventFailed, map[string]any{"reason": red.Redact(err.Error())})
			return failure.New(failure.KindStep, "%s", red.Redact(err.Error())).
				AtStep(scenario.Label, op.Step, string(op.Kind))
		}
		emit(artifacts.EventPassed, nil)
		return nil

	case schema.KindExpectExitCode:
		emit(artifacts.EventAsserting, map[string]any{"expect_exit_code": op.ExitCode})
		if *lastExit != op.ExitCode {
			reason := fmt.Sprintf("expected exit_code=%d, got %d", op.ExitCode, *lastExit)
			emit(artifacts.EventFailed, map[string]any{"reason": reason})
			return failure.New(failure.KindStep, "%s", reason).
				AtStep(scenario.Label, op.Step, string(op.Kind))
		}
		emit(artifacts.EventPassed, map[string]any{"exit_code": *lastExit})
		return nil
	}
	return failure.New(failure.KindInternal, "unhandled action kind %q", op.Kind).
		AtStep(scenario.Label, op.Step, string(op.Kind))
}

// runWait samples the wait predicate, honoring explicit per-step retries
// (each attempt bounded by the step's own timeout).
func runWait(ctx context.Context, scenarioIndex int, scenario *schema.Scenario, op schema.Action, session *Session, events *artifacts.EventWriter, red *redaction.Redactor) *failure.Error {
	predicate, target, err := buildWaitPredicate(op)
	if err != nil {
		return failure.New(failure.KindStep, "%v", err).
			AtStep(scenario.Label, op.Step, string(op.Kind))
	}
	_ = events.Append(scenarioIndex, op.Step, artifacts.EventWaiting, map[string]any{"target": red.Redact(target)})

	timeout := op.Timeout
	if timeout == 0 && op.Duration > 0 {
		timeout = op.Duration // wait_timeout from the document
	}

	attempts := op.Retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		sampler := waits.NewSampler(session)
		lastErr = sampler.WaitFor(ctx, target, timeout, predicate)
		if lastErr == nil {
			_ = events.Append(scenarioIndex, op.Step, artifacts.EventPassed, nil)
			return nil
		}
		var timeoutErr *waits.TimeoutError
		if !errors.As(lastErr, &timeoutErr) {
			break
		}
	}
	ferr := wrapWaitError(lastErr, scenario, op, red)
	_ = events.Append(scenarioIndex, op.Step, terminalEventKind(ferr), map[string]any{"reason": red.Redact(ferr.Reason)})
	return ferr
}

func buildWaitPredicate(op schema.Action) (func(waits.Snapshot) bool, string, error) {
	switch op.Kind {
	case schema.KindWaitFor:
		mode := op.WaitMode
		return func(snap waits.Snapshot) bool {
			return waits.MatchText(snap, op.Text, mode)
		}, fmt.Sprintf("text %q (%s)", op.Text, mode), nil
	case schema.KindWaitScreenRegex:
		re, err := waits.CompileScreenRegex(op.Text)
		if err != nil {
			return nil, "", fmt.Errorf("wait_screen_regex: %w", err)
		}
		return func(snap waits.Snapshot) bool {
			return waits.MatchScreenRegex(snap, re)
		}, fmt.Sprintf("screen regex /%s/", op.Text), nil
	case schema.KindWaitLineRegex:
		re, err := waits.CompileScreenRegex(op.Text)
		if err != nil {
			return nil, "", fmt.Errorf("wait_line_regex: %w", err)
		}
		return func(snap waits.Snapshot) bool {
			return waits.MatchLineRegex(snap, re)
		}, fmt.Sprintf("line regex /%s/", op.Text), nil
	}
	return nil, "", fmt.Errorf("not a wait kind: %s", op.Kind)
}

// wrapWaitError classifies evaluator signals into the failure taxonomy and
// records the terminal event.
func wrapWaitError(err error, scenario *schema.Scenario, op schema.Action, red *redaction.Redactor) *failure.Error {
	var timeoutErr *waits.TimeoutError
	if errors.As(err, &timeoutErr) {
		return failure.New(failure.KindTimeout, "%s", red.Redact(timeoutErr.Error())).
			AtStep(scenario.Label, op.Step, string(op.Kind))
	}
	if errors.Is(err, context.Canceled) {
		return cancelled(scenario, op)
	}
	return failure.New(failure.KindStep, "%s", red.Redact(err.Error())).
		AtStep(scenario.Label, op.Step, string(op.Kind))
}

func cancelled(scenario *schema.Scenario, op schema.Action) *failure.Error {
	return failure.New(failure.KindCancelled, "cancelled").
		AtStep(scenario.Label, op.Step, string(op.Kind))
}

// finish writes the failure bundle (when failing), the summary, and returns
// both for the dispatcher.
func finish(layout *artifacts.RunLayout, red *redaction.Redactor, results []artifacts.ScenarioResult, screenText string, ferr *failure.Error) (*artifacts.Summary, *failure.Error) {
	summary := &artifacts.Summary{
		RunID:      layout.RunID,
		Lane:       layout.Lane,
		Status:     "success",
		Events:     layout.EventsPath(),
		Scenarios:  results,
		StartedAt:  layout.CreatedAt.UTC().Format(time.RFC3339),
		FinishedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if ferr != nil {
		summary.Status = "failed"
		summary.Reason = red.Redact(ferr.Reason)
		summary.FailedScenario = ferr.Scenario
		if ferr.Step >= 0 {
			step := ferr.Step
			summary.FailedStep = &step
		}
		summary.FailedAction = ferr.Action
		summary.FailureDir = layout.FailureDir
		_ = layout.WriteFailureBundle(ferr, screenText, red, nil)
	}
	if err := layout.WriteSummary(summary); err != nil && ferr == nil {
		ferr = failure.New(failure.KindInternal, "write summary: %v", err)
	}
	return summary, ferr
}

// terminalEventKind maps a failure kind to its terminal event.
func terminalEventKind(ferr *failure.Error) artifacts.EventKind {
	if ferr.Kind == failure.KindTimeout {
		return artifacts.EventTimedOut
	}
	return artifacts.EventFailed
}
