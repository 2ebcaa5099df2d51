// Package director is the dispatcher: it resolves the effective lane and
// execution location, freezes environment configuration into an immutable
// record, hands control to a lane runtime, and translates the outcome to a
// process exit code.
package director

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tomallicino/terminal-demo-studio/pkg/artifacts"
	"github.com/tomallicino/terminal-demo-studio/pkg/compose"
	"github.com/tomallicino/terminal-demo-studio/pkg/failure"
	"github.com/tomallicino/terminal-demo-studio/pkg/redaction"
	"github.com/tomallicino/terminal-demo-studio/pkg/runtime"
	"github.com/tomallicino/terminal-demo-studio/pkg/schema"
	"github.com/tomallicino/terminal-demo-studio/pkg/video"
)

// Mode is the caller's lane request.
type Mode string

const (
	ModeAuto        Mode = "auto"
	ModeScripted    Mode = "scripted"
	ModeInteractive Mode = "interactive"
	ModeVisual      Mode = "visual"
)

// Location is the caller's execution-location request.
type Location string

const (
	LocationAuto   Location = "auto"
	LocationLocal  Location = "local"
	LocationDocker Location = "docker"
)

// Config is the one-time snapshot of environment and flags. It is resolved
// at dispatcher entry and passed through unchanged; lanes never read the
// environment.
type Config struct {
	WorkDir   string
	OutputDir string // empty = screenplay directory

	SetupTimeout time.Duration

	DockerHardening      bool
	DockerPidsLimit      int
	DockerNetwork        string
	DockerReadOnly       bool
	DockerImageRetention int
	InContainer          bool

	EnvPromptMode   string // TDS_AGENT_PROMPTS
	AgentPromptMode string // --agent-prompts

	Playback       compose.PlaybackMode
	ProduceMP4     bool
	ProduceGIF     bool
	MediaRedaction redaction.MediaMode // resolved per run, request in MediaRequest
	MediaRequest   redaction.MediaMode
	KeepTemp       bool
}

// ConfigFromEnv freezes the TDS_* environment into a Config with defaults.
func ConfigFromEnv() *Config {
	return &Config{
		SetupTimeout:         envSeconds("TDS_SETUP_TIMEOUT_SECONDS", 120),
		DockerHardening:      envBool("TDS_DOCKER_HARDENING", true),
		DockerPidsLimit:      envInt("TDS_DOCKER_PIDS_LIMIT", 512),
		DockerNetwork:        os.Getenv("TDS_DOCKER_NETWORK"),
		DockerReadOnly:       envBool("TDS_DOCKER_READ_ONLY", false),
		DockerImageRetention: envInt("TDS_DOCKER_IMAGE_RETENTION", 3),
		InContainer:          os.Getenv("TERMINAL_DEMO_STUDIO_IN_CONTAINER") == "1",
		EnvPromptMode:        strings.ToLower(strings.TrimSpace(os.Getenv("TDS_AGENT_PROMPTS"))),
		Playback:             compose.PlaybackSequential,
		ProduceMP4:           true,
		ProduceGIF:           true,
		MediaRequest:         redaction.MediaAuto,
	}
}

func envSeconds(name string, def int) time.Duration {
	return time.Duration(envInt(name, def)) * time.Second
}

func envInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envBool(name string, def bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if raw == "" {
		return def
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

// ResolveLane picks the effective lane from the screenplay and the caller's
// request. An explicit request conflicts with any scenario that declares a
// different mode.
func ResolveLane(sp *schema.Screenplay, requested Mode) (schema.ExecutionMode, error) {
	if requested != "" && requested != ModeAuto {
		lane := schema.ExecutionMode(requested)
		for i := range sp.Scenarios {
			declared := sp.Scenarios[i].ExecutionMode
			if declared != "" && declared != lane {
				return "", fmt.Errorf(
					"requested lane %q is incompatible with scenario %q (declares %q)",
					requested, sp.Scenarios[i].Label, declared)
			}
		}
		return lane, nil
	}
	hasInteractive := false
	for i := range sp.Scenarios {
		switch sp.Scenarios[i].Mode() {
		case schema.ModeVisual:
			return schema.ModeVisual, nil
		case schema.ModeInteractive:
			hasInteractive = true
		}
	}
	if hasInteractive {
		return schema.ModeInteractive, nil
	}
	return schema.ModeScripted, nil
}

// missingToolsFor probes local tool availability for a lane.
func missingToolsFor(lane schema.ExecutionMode) []string {
	switch lane {
	case schema.ModeScripted:
		return MissingScriptedDependencies()
	case schema.ModeVisual:
		return video.MissingDependencies()
	default:
		return nil // the interactive lane only needs a shell
	}
}

// ResolveLocation applies the lane-aware fallback policy. Fallback triggers
// only on tool availability, never on execution failures.
func ResolveLocation(lane schema.ExecutionMode, requested Location, cfg *Config) (Location, *failure.Error) {
	switch requested {
	case LocationLocal:
		if missing := missingToolsFor(lane); len(missing) > 0 {
			return "", failure.New(failure.KindToolUnavailable,
				"--local requires %v on PATH for the %s lane", missing, lane)
		}
		return LocationLocal, nil
	case LocationDocker:
		if lane == schema.ModeInteractive {
			return "", failure.New(failure.KindToolUnavailable, "the interactive lane runs locally only")
		}
		if err := DockerReachable(); err != nil {
			return "", failure.New(failure.KindToolUnavailable, "--docker requires a container runtime: %v", err)
		}
		return LocationDocker, nil
	}

	// Lane-aware default.
	if lane == schema.ModeInteractive || cfg.InContainer {
		return LocationLocal, nil
	}
	if len(missingToolsFor(lane)) == 0 {
		return LocationLocal, nil
	}
	if err := DockerReachable(); err == nil {
		return LocationDocker, nil
	}
	return "", failure.New(failure.KindToolUnavailable,
		"neither local tools (%v missing) nor a container runtime are available for the %s lane",
		missingToolsFor(lane), lane)
}

// Result is what the dispatcher reports back to the CLI.
type Result struct {
	Summary  *artifacts.Summary
	Layout   *artifacts.RunLayout
	Failure  *failure.Error
	ExitCode int
}

// ExitCode maps a failure kind to the process exit contract.
func ExitCode(ferr *failure.Error) int {
	switch {
	case ferr == nil:
		return 0
	case ferr.Kind == failure.KindValidation:
		return 2
	case ferr.Kind == failure.KindToolUnavailable:
		return 3
	default:
		return 1
	}
}

// Run loads, validates, and executes a screenplay end to end.
func Run(ctx context.Context, screenplayPath string, requestedMode Mode, requestedLocation Location, cfg *Config) (*Result, error) {
	absPath, err := filepath.Abs(screenplayPath)
	if err != nil {
		return nil, err
	}
	cfg.WorkDir = filepath.Dir(absPath)

	// The {tmp_dir} target lives outside the run directory because
	// validation is total and runs before any run directory exists. It is
	// still run-scoped: fresh per invocation, removed on teardown.
	tmpDir, err := os.MkdirTemp("", "terminal-demo-studio-")
	if err != nil {
		return nil, err
	}
	if !cfg.KeepTemp {
		defer os.RemoveAll(tmpDir)
	}

	sp, verrs := schema.ValidateFile(absPath, schema.LoadOptions{TmpDir: tmpDir})
	if len(verrs) > 0 {
		ferr := failure.New(failure.KindValidation, "%s", formatValidationErrors(verrs))
		return &Result{Failure: ferr, ExitCode: ExitCode(ferr)}, nil
	}

	lane, err := ResolveLane(sp, requestedMode)
	if err != nil {
		ferr := failure.New(failure.KindValidation, "%v", err)
		return &Result{Failure: ferr, ExitCode: ExitCode(ferr)}, nil
	}

	location, ferr := ResolveLocation(lane, requestedLocation, cfg)
	if ferr != nil {
		return &Result{Failure: ferr, ExitCode: ExitCode(ferr)}, nil
	}

	if location == LocationDocker {
		exitCode, derr := RunInDocker(ctx, absPath, requestedMode, cfg)
		if derr != nil {
			ferr := failure.New(failure.KindToolUnavailable, "%v", derr)
			return &Result{Failure: ferr, ExitCode: ExitCode(ferr)}, nil
		}
		result := &Result{ExitCode: exitCode}
		if exitCode != 0 {
			result.Failure = failure.New(failure.KindStep, "containerized run failed")
		}
		return result, nil
	}

	return runLocal(ctx, sp, absPath, lane, cfg)
}

// runLocal creates the run directory and dispatches the lane runtime.
func runLocal(ctx context.Context, sp *schema.Screenplay, screenplayPath string, lane schema.ExecutionMode, cfg *Config) (*Result, error) {
	root := cfg.OutputDir
	if root == "" {
		root = filepath.Dir(screenplayPath)
	}
	layout, err := artifacts.NewRunLayout(root, artifacts.Lane(lane))
	if err != nil {
		return nil, err
	}

	tools := []string{"vhs", "ffmpeg", "ffprobe"}
	if lane == schema.ModeVisual {
		tools = []string{"kitty", "ffmpeg", "ffprobe"}
	}
	if err := layout.WriteManifest(screenplayPath, "tds run", sp.Settings, tools); err != nil {
		return nil, err
	}

	red := redaction.New(sp.Variables)
	cfg.MediaRedaction = red.ResolveMediaMode(sp, cfg.MediaRequest)

	var summary *artifacts.Summary
	var ferr *failure.Error
	switch lane {
	case schema.ModeInteractive:
		summary, ferr = runtime.Run(ctx, sp, layout, red, runtime.Config{
			WorkDir:      cfg.WorkDir,
			SetupTimeout: cfg.SetupTimeout,
		})
	case schema.ModeVisual:
		summary, ferr = video.Run(ctx, sp, layout, red, video.Config{
			WorkDir:         cfg.WorkDir,
			SetupTimeout:    cfg.SetupTimeout,
			AgentPromptMode: cfg.AgentPromptMode,
			EnvPromptMode:   cfg.EnvPromptMode,
			Playback:        cfg.Playback,
			ProduceMP4:      cfg.ProduceMP4,
			ProduceGIF:      cfg.ProduceGIF,
			MediaRedaction:  cfg.MediaRedaction,
		})
	default:
		summary, ferr = runScripted(ctx, sp, layout, red, cfg)
	}

	// Scratch space under the run dir (text captures, palettes, badges) is
	// removed on teardown regardless of outcome unless asked to keep it.
	if !cfg.KeepTemp {
		os.RemoveAll(layout.TmpDir)
	}

	result := &Result{
		Summary:  summary,
		Layout:   layout,
		Failure:  ferr,
		ExitCode: ExitCode(ferr),
	}
	if summary != nil {
		artifacts.EmitStdout(os.Stdout, summary, layout)
	}
	return result, nil
}

func formatValidationErrors(errs []*schema.ValidationError) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "\n")
}
