package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/tomallicino/terminal-demo-studio/pkg/artifacts"
	"github.com/tomallicino/terminal-demo-studio/pkg/compose"
	"github.com/tomallicino/terminal-demo-studio/pkg/failure"
	"github.com/tomallicino/terminal-demo-studio/pkg/policy"
	"github.com/tomallicino/terminal-demo-studio/pkg/redaction"
	"github.com/tomallicino/terminal-demo-studio/pkg/runtime"
	"github.com/tomallicino/terminal-demo-studio/pkg/schema"
	"github.com/tomallicino/terminal-demo-studio/pkg/waits"
)

// Config is the immutable per-run configuration for the visual lane.
type Config struct {
	WorkDir         string
	SetupTimeout    time.Duration
	AgentPromptMode string // --agent-prompts override, "auto" to inherit
	EnvPromptMode   string // TDS_AGENT_PROMPTS, resolved once at dispatch
	Playback        compose.PlaybackMode
	ProduceMP4      bool
	ProduceGIF      bool
	MediaRedaction  redaction.MediaMode
}

// requiredTools are the external binaries the visual lane drives.
var requiredTools = []string{"kitty", "kitten", "Xvfb", "ffmpeg", "ffprobe"}

// MissingDependencies lists required tools absent from PATH.
func MissingDependencies() []string {
	var missing []string
	for _, tool := range requiredTools {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	return missing
}

// screenSource adapts the emulator's text buffer to the evaluator. The
// visual lane has no raw byte stream; the screen doubles as the tail.
type screenSource struct {
	ctx    context.Context
	remote *Remote
	last   string
}

func (s *screenSource) Snapshot() waits.Snapshot {
	text, err := s.remote.GetText(s.ctx)
	if err != nil {
		// Keep the last good snapshot; a dead emulator surfaces through the
		// wait deadline rather than a mid-tick error.
		text = s.last
	} else {
		s.last = text
	}
	return waits.Snapshot{Screen: text, Tail: text}
}

// Run executes every scenario on the visual lane: virtual display, emulator,
// recorder, policy loop, then composition into final media.
func Run(ctx context.Context, sp *schema.Screenplay, layout *artifacts.RunLayout, red *redaction.Redactor, cfg Config) (*artifacts.Summary, *failure.Error) {
	if missing := MissingDependencies(); len(missing) > 0 {
		return finishVideo(layout, red, nil, nil, nil, "", cfg,
			failure.New(failure.KindToolUnavailable, "missing visual lane tools: %v", missing))
	}

	events, err := artifacts.NewEventWriter(layout.EventsPath())
	if err != nil {
		return finishVideo(layout, red, nil, nil, nil, "", cfg,
			failure.New(failure.KindInternal, "open events log: %v", err))
	}
	defer events.Close()

	var results []artifacts.ScenarioResult
	var sceneVideos []string
	var sceneLabels []string

	for _, command := range sp.Preinstall {
		output, code, rerr := runtime.RunSetupCommand(ctx, command, "auto", cfg.WorkDir, cfg.SetupTimeout)
		if rerr != nil || code != 0 {
			reason := fmt.Sprintf("preinstall command failed: %s", red.Redact(command))
			if output != "" {
				reason += "\n" + red.Redact(output)
			}
			return finishVideo(layout, red, results, nil, nil, "", cfg, failure.New(failure.KindSetup, "%s", reason))
		}
	}

	for si := range sp.Scenarios {
		scenario := &sp.Scenarios[si]
		started := time.Now()
		screenText, ferr := runScene(ctx, si, scenario, sp, layout, events, red, cfg)
		results = append(results, artifacts.ScenarioResult{
			Label:      scenario.Label,
			Status:     sceneStatus(ferr),
			DurationMS: time.Since(started).Milliseconds(),
		})
		if ferr != nil {
			return finishVideo(layout, red, results, nil, sceneVideos, screenText, cfg, ferr)
		}
		sceneVideos = append(sceneVideos, layout.ScenePath(si))
		sceneLabels = append(sceneLabels, scenario.Label)
	}

	media, ferr := composeMedia(sp, layout, sceneVideos, sceneLabels, cfg)
	if ferr != nil {
		return finishVideo(layout, red, results, nil, sceneVideos, "", cfg, ferr)
	}
	return finishVideo(layout, red, results, media, sceneVideos, "", cfg, nil)
}

func sceneStatus(ferr *failure.Error) string {
	if ferr == nil {
		return "passed"
	}
	return "failed"
}

// runScene boots the display/emulator/recorder stack for one scenario, runs
// its ops, and tears everything down on every exit path.
func runScene(ctx context.Context, index int, scenario *schema.Scenario, sp *schema.Screenplay, layout *artifacts.RunLayout, events *artifacts.EventWriter, red *redaction.Redactor, cfg Config) (screenText string, ferr *failure.Error) {
	merged, err := policy.Resolve(sp.AgentPrompts, scenario.AgentPrompts, cfg.EnvPromptMode, cfg.AgentPromptMode)
	if err != nil {
		return "", failure.New(failure.KindValidation, "%v", err).AtStep(scenario.Label, -1, "policy")
	}

	for _, command := range scenario.Setup {
		output, code, rerr := runtime.RunSetupCommand(ctx, command, scenarioShell(scenario), cfg.WorkDir, cfg.SetupTimeout)
		if rerr != nil || code != 0 {
			reason := fmt.Sprintf("setup command failed: %s", red.Redact(command))
			if output != "" {
				reason += "\n" + red.Redact(output)
			}
			return "", failure.New(failure.KindSetup, "%s", reason).AtStep(scenario.Label, -1, "setup")
		}
	}

	logFile, err := os.OpenFile(filepath.Join(layout.RuntimeDir, "video_runner.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", failure.New(failure.KindInternal, "open runner log: %v", err).AtStep(scenario.Label, -1, "scenario_bootstrap")
	}
	defer logFile.Close()

	// The control socket lives in a private per-scenario directory so it is
	// never exposed in a shared /tmp namespace.
	socketDir, err := os.MkdirTemp(layout.TmpDir, "kitty-")
	if err != nil {
		return "", failure.New(failure.KindInternal, "create socket dir: %v", err).AtStep(scenario.Label, -1, "scenario_bootstrap")
	}
	socketTarget := "unix:" + filepath.Join(socketDir, "kitty.sock")

	display := displayID(index)
	env := append(os.Environ(), "DISPLAY="+display)

	settings := sp.Settings
	xvfb, err := startXvfb(display, settings.Width, settings.Height, logFile)
	var kitty *exec.Cmd
	var recorder *exec.Cmd
	var recorderStdin io.WriteCloser

	// Teardown is mandatory and order-preserving: encoder flush, emulator,
	// display, socket directory. Each step runs regardless of the previous
	// step's outcome.
	defer func() {
		stopRecorder(recorder, recorderStdin)
		stopProcess(kitty, 5*time.Second)
		stopProcess(xvfb, 5*time.Second)
		os.RemoveAll(socketDir)
	}()

	if err != nil {
		return "", failure.New(failure.KindInternal, "%v", err).AtStep(scenario.Label, -1, "scenario_bootstrap")
	}
	time.Sleep(300 * time.Millisecond)

	kitty, err = startKitty(socketTarget, cfg.WorkDir, env, logFile)
	if err != nil {
		return "", failure.New(failure.KindInternal, "%v", err).AtStep(scenario.Label, -1, "scenario_bootstrap")
	}
	remote := NewRemote(socketTarget, env)
	if err := remote.WaitReady(ctx, 10*time.Second); err != nil {
		return "", failure.New(failure.KindInternal, "kitty remote control: %v", err).AtStep(scenario.Label, -1, "scenario_bootstrap")
	}

	rec, stdin, err := startRecorder(display, settings.Width, settings.Height, settings.Framerate, layout.ScenePath(index), env, logFile)
	if err != nil {
		return "", failure.New(failure.KindInternal, "%v", err).AtStep(scenario.Label, -1, "scenario_bootstrap")
	}
	recorder = rec
	recorderStdin = stdin
	time.Sleep(250 * time.Millisecond)

	scene := &sceneState{
		ctx:      ctx,
		index:    index,
		scenario: scenario,
		remote:   remote,
		source:   &screenSource{ctx: ctx, remote: remote},
		events:   events,
		red:      red,
		policy:   merged,
	}

	for _, op := range scenario.Ops {
		if ferr := scene.runOp(op); ferr != nil {
			return scene.source.last, ferr
		}
	}
	time.Sleep(200 * time.Millisecond)
	return scene.source.last, nil
}

func scenarioShell(s *schema.Scenario) string {
	if s.Shell == "" {
		return "auto"
	}
	return s.Shell
}

// sceneState carries per-scenario runtime state: the policy round counter,
// the re-arm tracker, and the last dispatched command for prefix checks.
type sceneState struct {
	ctx      context.Context
	index    int
	scenario *schema.Scenario
	remote   *Remote
	source   *screenSource
	events   *artifacts.EventWriter
	red      *redaction.Redactor
	policy   *policy.Merged

	tracker     policy.Tracker
	rounds      int
	lastCommand string
}

func (s *sceneState) emit(step int, kind artifacts.EventKind, payload map[string]any) {
	_ = s.events.Append(s.index, step, kind, payload)
}

// policyTick runs on every sampling tick. It consults the pure decision
// function and dispatches approval keys; abort verdicts stop the wait.
func (s *sceneState) policyTick(step int) waits.TickFunc {
	return func(snap waits.Snapshot) error {
		if !s.tracker.ShouldConsult(snap.Screen, s.policy) {
			return nil
		}
		decision := policy.Decide(snap.Screen, s.lastCommand, s.policy, s.rounds)
		switch decision.Verdict {
		case policy.VerdictSkip:
			return nil
		case policy.VerdictApprove:
			if err := s.remote.SendKey(s.ctx, decision.Key); err != nil {
				return fmt.Errorf("send approve key: %w", err)
			}
			s.rounds++
			s.tracker.MarkActed(snap.Screen)
			s.emit(step, artifacts.EventApproved, map[string]any{"round": s.rounds, "key": decision.Key})
			return nil
		case policy.VerdictDeny:
			if err := s.remote.SendKey(s.ctx, decision.Key); err != nil {
				return fmt.Errorf("send deny key: %w", err)
			}
			s.rounds++
			s.tracker.MarkActed(snap.Screen)
			s.emit(step, artifacts.EventDenied, map[string]any{"round": s.rounds, "key": decision.Key})
			return nil
		default:
			return &policyAbort{reason: decision.Reason}
		}
	}
}

// policyAbort is the sentinel the tick hook raises for abort verdicts.
type policyAbort struct{ reason string }

func (e *policyAbort) Error() string { return e.reason }

// drainPrompts gives the policy engine a bounded window to settle prompts
// raised by an interaction that has no following wait.
func (s *sceneState) drainPrompts(step int) error {
	tick := s.policyTick(step)
	for i := 0; i <= s.policy.MaxRounds; i++ {
		snap := s.source.Snapshot()
		if err := tick(snap); err != nil {
			return err
		}
		if !s.policy.PromptRegex.MatchString(snap.Screen) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return nil
}

// runOp advances one normalized action through the shared state machine.
func (s *sceneState) runOp(op schema.Action) *failure.Error {
	switch op.Kind {
	case schema.KindCommand:
		s.emit(op.Step, artifacts.EventDispatched, map[string]any{"command": s.red.Redact(op.Text)})
		if err := s.remote.SendText(s.ctx, op.Text); err != nil {
			return s.stepFailure(op, err)
		}
		if err := s.remote.SendKey(s.ctx, "enter"); err != nil {
			return s.stepFailure(op, err)
		}
		s.lastCommand = op.Text
		if err := s.drainPrompts(op.Step); err != nil {
			return s.classify(op, err)
		}
		s.emit(op.Step, artifacts.EventPassed, nil)
		return nil

	case schema.KindInput:
		s.emit(op.Step, artifacts.EventDispatched, map[string]any{"input": s.red.Redact(op.Text)})
		if err := s.remote.SendText(s.ctx, op.Text); err != nil {
			return s.stepFailure(op, err)
		}
		if err := s.drainPrompts(op.Step); err != nil {
			return s.classify(op, err)
		}
		s.emit(op.Step, artifacts.EventPassed, nil)
		return nil

	case schema.KindKey, schema.KindHotkey:
		s.emit(op.Step, artifacts.EventDispatched, map[string]any{"key": op.Key})
		if err := s.remote.SendKey(s.ctx, op.Key); err != nil {
			return s.stepFailure(op, err)
		}
		if err := s.drainPrompts(op.Step); err != nil {
			return s.classify(op, err)
		}
		s.emit(op.Step, artifacts.EventPassed, nil)
		return nil

	case schema.KindSleep:
		s.emit(op.Step, artifacts.EventDispatched, map[string]any{"sleep_ms": op.Duration.Milliseconds()})
		select {
		case <-s.ctx.Done():
			return failure.New(failure.KindCancelled, "cancelled").AtStep(s.scenario.Label, op.Step, string(op.Kind))
		case <-time.After(op.Duration):
		}
		s.emit(op.Step, artifacts.EventPassed, nil)
		return nil

	case schema.KindWaitStable:
		s.emit(op.Step, artifacts.EventWaiting, map[string]any{"stable_ms": op.Duration.Milliseconds()})
		sampler := waits.NewSampler(s.source)
		sampler.Interval = 120 * time.Millisecond
		sampler.OnTick = s.policyTick(op.Step)
		if err := sampler.WaitStable(s.ctx, op.Duration, op.Timeout); err != nil {
			return s.classify(op, err)
		}
		s.emit(op.Step, artifacts.EventPassed, nil)
		return nil

	case schema.KindWaitFor, schema.KindWaitScreenRegex, schema.KindWaitLineRegex:
		return s.runWait(op)

	case schema.KindAssertScreenRegex, schema.KindAssertNotScreenRegex:
		s.emit(op.Step, artifacts.EventAsserting, map[string]any{"regex": op.Text})
		snap := s.source.Snapshot()
		if err := waits.Assert(snap, op.Text, op.Kind == schema.KindAssertNotScreenRegex); err != nil {
			return s.stepFailure(op, err)
		}
		s.emit(op.Step, artifacts.EventPassed, nil)
		return nil

	case schema.KindExpectExitCode:
		// Rejected at validation; reaching here is an invariant violation.
		return failure.New(failure.KindInternal, "expect_exit_code reached the visual lane").
			AtStep(s.scenario.Label, op.Step, string(op.Kind))
	}
	return failure.New(failure.KindInternal, "unhandled action kind %q", op.Kind).
		AtStep(s.scenario.Label, op.Step, string(op.Kind))
}

func (s *sceneState) runWait(op schema.Action) *failure.Error {
	var predicate func(waits.Snapshot) bool
	var target string
	switch op.Kind {
	case schema.KindWaitFor:
		mode := op.WaitMode
		predicate = func(snap waits.Snapshot) bool { return waits.MatchText(snap, op.Text, mode) }
		target = fmt.Sprintf("text %q (%s)", op.Text, mode)
	case schema.KindWaitScreenRegex:
		re, err := waits.CompileScreenRegex(op.Text)
		if err != nil {
			return s.stepFailure(op, err)
		}
		predicate = func(snap waits.Snapshot) bool { return waits.MatchScreenRegex(snap, re) }
		target = fmt.Sprintf("screen regex /%s/", op.Text)
	case schema.KindWaitLineRegex:
		re, err := waits.CompileScreenRegex(op.Text)
		if err != nil {
			return s.stepFailure(op, err)
		}
		predicate = func(snap waits.Snapshot) bool { return waits.MatchLineRegex(snap, re) }
		target = fmt.Sprintf("line regex /%s/", op.Text)
	}
	s.emit(op.Step, artifacts.EventWaiting, map[string]any{"target": s.red.Redact(target)})

	timeout := op.Timeout
	if timeout == 0 && op.Duration > 0 {
		timeout = op.Duration
	}
	attempts := op.Retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		sampler := waits.NewSampler(s.source)
		sampler.Interval = 120 * time.Millisecond
		sampler.OnTick = s.policyTick(op.Step)
		lastErr = sampler.WaitFor(s.ctx, target, timeout, predicate)
		if lastErr == nil {
			s.emit(op.Step, artifacts.EventPassed, nil)
			return nil
		}
		var timeoutErr *waits.TimeoutError
		if !errors.As(lastErr, &timeoutErr) {
			break
		}
	}
	return s.classify(op, lastErr)
}

// classify maps evaluator and policy signals to the failure taxonomy, with
// the terminal event.
func (s *sceneState) classify(op schema.Action, err error) *failure.Error {
	var timeoutErr *waits.TimeoutError
	var abort *policyAbort
	switch {
	case errors.As(err, &timeoutErr):
		s.emit(op.Step, artifacts.EventTimedOut, map[string]any{"reason": s.red.Redact(err.Error())})
		return failure.New(failure.KindTimeout, "%s", s.red.Redact(err.Error())).
			AtStep(s.scenario.Label, op.Step, string(op.Kind))
	case errors.As(err, &abort):
		s.emit(op.Step, artifacts.EventFailed, map[string]any{"reason": abort.reason})
		return failure.New(failure.KindPolicyAbort, "%s", abort.reason).
			AtStep(s.scenario.Label, op.Step, string(op.Kind))
	case errors.Is(err, context.Canceled):
		return failure.New(failure.KindCancelled, "cancelled").
			AtStep(s.scenario.Label, op.Step, string(op.Kind))
	default:
		return s.stepFailure(op, err)
	}
}

func (s *sceneState) stepFailure(op schema.Action, err error) *failure.Error {
	reason := s.red.Redact(err.Error())
	s.emit(op.Step, artifacts.EventFailed, map[string]any{"reason": reason})
	return failure.New(failure.KindStep, "%s", reason).
		AtStep(s.scenario.Label, op.Step, string(op.Kind))
}

// composeMedia renders the final outputs from the recorded scenes.
func composeMedia(sp *schema.Screenplay, layout *artifacts.RunLayout, scenes, labels []string, cfg Config) (map[string]string, *failure.Error) {
	for _, scene := range scenes {
		if _, err := os.Stat(scene); err != nil {
			return nil, failure.New(failure.KindStep, "missing scene artifact: %s", scene)
		}
	}
	stem := outputStem(sp.Output)
	media := map[string]string{}
	opts := compose.Options{
		Inputs:     scenes,
		Labels:     labels,
		Playback:   cfg.Playback,
		Redaction:  cfg.MediaRedaction,
		ScratchDir: layout.TmpDir,
	}
	if cfg.ProduceMP4 {
		opts.OutputMP4 = filepath.Join(layout.MediaDir, stem+".mp4")
		media["mp4"] = opts.OutputMP4
	} else {
		opts.OutputMP4 = filepath.Join(layout.TmpDir, stem+".discard.mp4")
	}
	if cfg.ProduceGIF {
		opts.OutputGIF = filepath.Join(layout.MediaDir, stem+".gif")
		media["gif"] = opts.OutputGIF
	}
	if err := compose.NewComposer().Compose(opts); err != nil {
		return nil, failure.New(failure.KindStep, "compose: %v", err)
	}
	return media, nil
}

func outputStem(output string) string {
	base := filepath.Base(output)
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)]
}

func finishVideo(layout *artifacts.RunLayout, red *redaction.Redactor, results []artifacts.ScenarioResult, media map[string]string, scenes []string, screenText string, cfg Config, ferr *failure.Error) (*artifacts.Summary, *failure.Error) {
	summary := &artifacts.Summary{
		RunID:          layout.RunID,
		Lane:           layout.Lane,
		Status:         "success",
		Playback:       string(cfg.Playback),
		MediaRedaction: string(cfg.MediaRedaction),
		Media:          media,
		Scenes:         scenes,
		Events:         layout.EventsPath(),
		Scenarios:      results,
		StartedAt:      layout.CreatedAt.UTC().Format(time.RFC3339),
		FinishedAt:     time.Now().UTC().Format(time.RFC3339),
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
		summary.Media = nil
		_ = layout.WriteFailureBundle(ferr, screenText, red, map[string]string{
			"video_runner.log": filepath.Join(layout.RuntimeDir, "video_runner.log"),
		})
	}
	if err := layout.WriteSummary(summary); err != nil && ferr == nil {
		ferr = failure.New(failure.KindInternal, "write summary: %v", err)
	}
	return summary, ferr
}
