package director

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/tomallicino/terminal-demo-studio/pkg/artifacts"
	"github.com/tomallicino/terminal-demo-studio/pkg/compose"
	"github.com/tomallicino/terminal-demo-studio/pkg/failure"
	"github.com/tomallicino/terminal-demo-studio/pkg/redaction"
	"github.com/tomallicino/terminal-demo-studio/pkg/runtime"
	"github.com/tomallicino/terminal-demo-studio/pkg/schema"
	"github.com/tomallicino/terminal-demo-studio/pkg/tape"
	"github.com/tomallicino/terminal-demo-studio/pkg/waits"
)

// scriptedTools are the external binaries the scripted lane drives.
var scriptedTools = []string{"vhs", "ffmpeg", "ffprobe"}

// MissingScriptedDependencies lists required scripted-lane tools absent from
// PATH.
func MissingScriptedDependencies() []string {
	var missing []string
	for _, tool := range scriptedTools {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	return missing
}

// runScripted compiles each scenario to a tape, renders it with the external
// recorder, verifies post-recording predicates against the text capture, and
// composes the final media.
func runScripted(ctx context.Context, sp *schema.Screenplay, layout *artifacts.RunLayout, red *redaction.Redactor, cfg *Config) (*artifacts.Summary, *failure.Error) {
	if missing := MissingScriptedDependencies(); len(missing) > 0 {
		return finishScripted(layout, red, nil, nil, nil, "", cfg,
			failure.New(failure.KindToolUnavailable, "missing scripted lane tools: %v", missing))
	}

	for _, command := range sp.Preinstall {
		output, code, err := runtime.RunSetupCommand(ctx, command, "auto", cfg.WorkDir, cfg.SetupTimeout)
		if err != nil || code != 0 {
			reason := fmt.Sprintf("preinstall command failed: %s", red.Redact(command))
			if output != "" {
				reason += "\n" + red.Redact(output)
			}
			return finishScripted(layout, red, nil, nil, nil, "", cfg, failure.New(failure.KindSetup, "%s", reason))
		}
	}

	var results []artifacts.ScenarioResult
	var sceneVideos []string
	var sceneLabels []string

	for si := range sp.Scenarios {
		scenario := &sp.Scenarios[si]
		started := time.Now()
		captureText, ferr := renderScene(ctx, si, scenario, sp, layout, cfg)
		results = append(results, artifacts.ScenarioResult{
			Label:      scenario.Label,
			Status:     sceneStatus(ferr),
			DurationMS: time.Since(started).Milliseconds(),
		})
		if ferr != nil {
			return finishScripted(layout, red, results, nil, sceneVideos, captureText, cfg, ferr)
		}
		sceneVideos = append(sceneVideos, layout.ScenePath(si))
		sceneLabels = append(sceneLabels, scenario.Label)
	}

	media, ferr := composeScriptedMedia(sp, layout, sceneVideos, sceneLabels, cfg)
	if ferr != nil {
		return finishScripted(layout, red, results, nil, sceneVideos, "", cfg, ferr)
	}
	return finishScripted(layout, red, results, media, sceneVideos, "", cfg, nil)
}

func sceneStatus(ferr *failure.Error) string {
	if ferr == nil {
		return "passed"
	}
	return "failed"
}

// renderScene compiles and renders one scenario, then evaluates the
// post-recording predicates. Returns the text capture for failure context.
func renderScene(ctx context.Context, index int, scenario *schema.Scenario, sp *schema.Screenplay, layout *artifacts.RunLayout, cfg *Config) (string, *failure.Error) {
	scenePath := layout.ScenePath(index)
	capturePath := filepath.Join(layout.TmpDir, fmt.Sprintf("scene_%d.txt", index))
	program, postchecks := tape.Compile(scenario, sp.Settings, []string{scenePath, capturePath})

	tapePath := layout.TapePath(index)
	if err := os.WriteFile(tapePath, []byte(program), 0o644); err != nil {
		return "", failure.New(failure.KindInternal, "write tape: %v", err).AtStep(scenario.Label, -1, "tape")
	}

	cmd := exec.CommandContext(ctx, "vhs", tapePath)
	cmd.Dir = cfg.WorkDir
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return "", failure.New(failure.KindCancelled, "cancelled").AtStep(scenario.Label, -1, "record")
	}
	if err != nil {
		return "", failure.New(failure.KindStep, "recorder failed: %v\n%s", err, out).
			AtStep(scenario.Label, -1, "record")
	}
	if _, err := os.Stat(scenePath); err != nil {
		return "", failure.New(failure.KindStep, "missing scene artifact: %s", scenePath).
			AtStep(scenario.Label, -1, "record")
	}

	captureBytes, err := os.ReadFile(capturePath)
	if err != nil && len(postchecks) > 0 {
		return "", failure.New(failure.KindStep, "missing recorder text capture: %v", err).
			AtStep(scenario.Label, -1, "record")
	}
	capture := string(captureBytes)
	snap := waits.Snapshot{Screen: capture, Tail: capture}
	for _, check := range postchecks {
		if err := waits.Assert(snap, check.Pattern, check.Negate); err != nil {
			kind := schema.KindAssertScreenRegex
			if check.Negate {
				kind = schema.KindAssertNotScreenRegex
			}
			return capture, failure.New(failure.KindStep, "%v", err).
				AtStep(scenario.Label, check.Step, string(kind))
		}
	}
	return capture, nil
}

func composeScriptedMedia(sp *schema.Screenplay, layout *artifacts.RunLayout, scenes, labels []string, cfg *Config) (map[string]string, *failure.Error) {
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
	return base[:len(base)-len(filepath.Ext(base))]
}

func finishScripted(layout *artifacts.RunLayout, red *redaction.Redactor, results []artifacts.ScenarioResult, media map[string]string, scenes []string, captureText string, cfg *Config, ferr *failure.Error) (*artifacts.Summary, *failure.Error) {
	summary := &artifacts.Summary{
		RunID:          layout.RunID,
		Lane:           layout.Lane,
		Status:         "success",
		Playback:       string(cfg.Playback),
		MediaRedaction: string(cfg.MediaRedaction),
		Media:          media,
		Scenes:         scenes,
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
		_ = layout.WriteFailureBundle(ferr, captureText, red, nil)
	}
	if err := layout.WriteSummary(summary); err != nil && ferr == nil {
		ferr = failure.New(failure.KindInternal, "write summary: %v", err)
	}
	return summary, ferr
}
