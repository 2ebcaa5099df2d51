package runtime

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tomallicino/terminal-demo-studio/pkg/artifacts"
	"github.com/tomallicino/terminal-demo-studio/pkg/failure"
	"github.com/tomallicino/terminal-demo-studio/pkg/redaction"
	"github.com/tomallicino/terminal-demo-studio/pkg/schema"
)

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

func loadScreenplay(t *testing.T, doc string) *schema.Screenplay {
	t.Helper()
	sp, err := schema.Load([]byte(doc), schema.LoadOptions{TmpDir: t.TempDir()})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if errs := schema.Build(sp); len(errs) > 0 {
		t.Fatalf("build: %v", errs)
	}
	return sp
}

func runInteractive(t *testing.T, doc string) (*artifacts.Summary, *failure.Error, *artifacts.RunLayout) {
	t.Helper()
	sp := loadScreenplay(t, doc)
	layout, err := artifacts.NewRunLayout(t.TempDir(), artifacts.LaneInteractive)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	red := redaction.New(sp.Variables, redaction.WithEnvLookup(func(string) string { return "" }))
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	summary, ferr := Run(ctx, sp, layout, red, Config{
		WorkDir:      t.TempDir(),
		SetupTimeout: 30 * time.Second,
	})
	return summary, ferr, layout
}

func TestRunSetupCommandTimeout(t *testing.T) {
	requireBash(t)
	output, code, err := RunSetupCommand(context.Background(), "sleep 5", "bash", t.TempDir(), 200*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 124 {
		t.Errorf("timeout should report 124, got %d", code)
	}
	if !strings.Contains(output, "timed out") {
		t.Errorf("output: %q", output)
	}
}

func TestRunSetupCommandExitCode(t *testing.T) {
	requireBash(t)
	_, code, err := RunSetupCommand(context.Background(), "exit 3", "bash", t.TempDir(), 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 3 {
		t.Errorf("got %d", code)
	}
}

func TestInteractiveExitCodeGate(t *testing.T) {
	requireBash(t)
	summary, ferr, layout := runInteractive(t, `
title: d
output: d
scenarios:
  - label: gate
    execution_mode: interactive
    shell: bash
    actions:
      - command: "false"
        expect_exit_code: 1
`)
	if ferr != nil {
		t.Fatalf("run failed: %v", ferr)
	}
	if summary.Status != "success" {
		t.Errorf("status: %s", summary.Status)
	}
	if layout.HasFailureBundle() {
		t.Error("no failure bundle expected")
	}
}

func TestInteractiveExitCodeMismatch(t *testing.T) {
	requireBash(t)
	summary, ferr, layout := runInteractive(t, `
title: d
output: d
scenarios:
  - label: gate
    execution_mode: interactive
    shell: bash
    actions:
      - command: "false"
        expect_exit_code: 0
`)
	if ferr == nil || ferr.Kind != failure.KindStep {
		t.Fatalf("expected step failure, got %v", ferr)
	}
	if summary.Status != "failed" {
		t.Errorf("status: %s", summary.Status)
	}
	if !layout.HasFailureBundle() {
		t.Fatal("failure bundle expected")
	}
	data, err := os.ReadFile(filepath.Join(layout.FailureDir, "step.json"))
	if err != nil {
		t.Fatalf("step.json: %v", err)
	}
	if !strings.Contains(string(data), "expect_exit_code") {
		t.Errorf("step.json should reference the expect step: %s", data)
	}
}

func TestInteractiveWaitTimeout(t *testing.T) {
	requireBash(t)
	start := time.Now()
	summary, ferr, layout := runInteractive(t, `
title: d
output: d
scenarios:
  - label: waiting
    execution_mode: interactive
    shell: bash
    actions:
      - command: "echo started"
      - wait_for: "never going to appear"
        wait_timeout: 500ms
`)
	if ferr == nil || ferr.Kind != failure.KindTimeout {
		t.Fatalf("expected timeout, got %v", ferr)
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Errorf("timed out early: %v", elapsed)
	}
	if summary.Status != "failed" {
		t.Errorf("status: %s", summary.Status)
	}
	data, err := os.ReadFile(filepath.Join(layout.FailureDir, "reason.txt"))
	if err != nil {
		t.Fatalf("reason.txt: %v", err)
	}
	if !strings.Contains(string(data), "timed_out") {
		t.Errorf("reason.txt: %q", data)
	}

	events, err := artifacts.ReadEvents(layout.EventsPath())
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	sawTimeout := false
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Errorf("seq not monotonic")
		}
		if events[i].Kind == artifacts.EventTimedOut {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Error("timed_out event missing")
	}
}

func TestInteractiveWaitForStream(t *testing.T) {
	requireBash(t)
	summary, ferr, _ := runInteractive(t, `
title: d
output: d
scenarios:
  - label: stream
    execution_mode: interactive
    shell: bash
    actions:
      - command: "echo marker-text-42"
      - wait_for: "marker-text-42"
        wait_timeout: 5s
`)
	if ferr != nil {
		t.Fatalf("run failed: %v", ferr)
	}
	if summary.Status != "success" {
		t.Errorf("status: %s", summary.Status)
	}
}

func TestPreinstallFailureAbortsBeforeScenarios(t *testing.T) {
	requireBash(t)
	summary, ferr, _ := runInteractive(t, `
title: d
output: d
preinstall:
  - "exit 7"
scenarios:
  - label: never-runs
    execution_mode: interactive
    shell: bash
    actions:
      - command: "echo hi"
`)
	if ferr == nil || ferr.Kind != failure.KindSetup {
		t.Fatalf("expected setup failure, got %v", ferr)
	}
	if summary.Status != "failed" {
		t.Errorf("status: %s", summary.Status)
	}
	if len(summary.Scenarios) != 0 {
		t.Errorf("no scenario should have run: %+v", summary.Scenarios)
	}
}

func TestGridGeometryToleratesTinyFontSize(t *testing.T) {
	settings := schema.DefaultSettings()
	settings.FontSize = 1
	if cols := gridWidth(settings); cols < 40 || cols > 400 {
		t.Errorf("cols out of range: %d", cols)
	}
	if rows := gridHeight(settings); rows < 10 || rows > 200 {
		t.Errorf("rows out of range: %d", rows)
	}

	settings = schema.DefaultSettings()
	if cols := gridWidth(settings); cols < 40 || cols > 400 {
		t.Errorf("default cols out of range: %d", cols)
	}
}

func TestBuildShellCommandExplicit(t *testing.T) {
	argv, err := BuildShellCommand("echo hi", "bash")
	if err != nil {
		t.Fatalf("bash: %v", err)
	}
	if argv[0] != "bash" || argv[1] != "-lc" {
		t.Errorf("argv: %v", argv)
	}
	if _, err := InteractiveShellArgv("powershell"); err == nil {
		t.Error("unsupported interactive shell should error")
	}
}
