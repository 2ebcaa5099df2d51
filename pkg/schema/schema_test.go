package schema

import (
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

const minimalDoc = `
title: Demo
output: demo
scenarios:
  - label: First
    actions:
      - command: echo hello
        wait_for: hello
        wait_mode: screen
        wait_timeout: 5s
`

func loadAndBuild(t *testing.T, doc string) (*Screenplay, []*ValidationError) {
	t.Helper()
	sp, err := Load([]byte(doc), LoadOptions{TmpDir: t.TempDir()})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return sp, Build(sp)
}

func TestLoadMinimalScreenplay(t *testing.T) {
	sp, errs := loadAndBuild(t, minimalDoc)
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if sp.Title != "Demo" || sp.Output != "demo" {
		t.Errorf("unexpected header: %q %q", sp.Title, sp.Output)
	}
	if len(sp.Scenarios) != 1 {
		t.Fatalf("expected 1 scenario, got %d", len(sp.Scenarios))
	}
	ops := sp.Scenarios[0].Ops
	if len(ops) != 2 {
		t.Fatalf("expected 2 normalized ops, got %d", len(ops))
	}
	if ops[0].Kind != KindCommand || ops[0].Text != "echo hello" {
		t.Errorf("op 0: %+v", ops[0])
	}
	if ops[1].Kind != KindWaitFor || ops[1].WaitMode != WaitScreen || ops[1].Duration != 5*time.Second {
		t.Errorf("op 1: %+v", ops[1])
	}
	if ops[0].Step != 0 || ops[1].Step != 0 {
		t.Errorf("ops should reference source step 0: %d %d", ops[0].Step, ops[1].Step)
	}
}

func TestBareStringActionIsCommand(t *testing.T) {
	doc := `
title: Demo
output: demo
scenarios:
  - label: s
    actions:
      - echo hi
`
	sp, errs := loadAndBuild(t, doc)
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	op := sp.Scenarios[0].Ops[0]
	if op.Kind != KindCommand || op.Text != "echo hi" {
		t.Errorf("got %+v", op)
	}
}

func TestUnknownActionFieldRejected(t *testing.T) {
	doc := `
title: Demo
output: demo
scenarios:
  - label: s
    actions:
      - comand: echo typo
`
	_, err := Load([]byte(doc), LoadOptions{TmpDir: t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), `"comand"`) {
		t.Fatalf("expected unknown field error naming the key, got: %v", err)
	}
}

func TestSettingsDefaultsApplied(t *testing.T) {
	sp, errs := loadAndBuild(t, minimalDoc)
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if sp.Settings.Width != 1440 || sp.Settings.Theme != "Catppuccin Mocha" {
		t.Errorf("defaults not applied: %+v", sp.Settings)
	}
}

func TestPartialSettingsKeepOtherDefaults(t *testing.T) {
	doc := `
title: Demo
output: demo
settings:
  width: 800
scenarios:
  - label: s
    actions: [echo hi]
`
	sp, errs := loadAndBuild(t, doc)
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if sp.Settings.Width != 800 {
		t.Errorf("explicit width lost: %d", sp.Settings.Width)
	}
	if sp.Settings.Height != 900 || sp.Settings.Framerate != 60 {
		t.Errorf("defaults lost: %+v", sp.Settings)
	}
}

func expectDomainError(t *testing.T, doc, wantPath, wantSubstring string) {
	t.Helper()
	_, errs := loadAndBuild(t, doc)
	for _, e := range errs {
		if strings.Contains(e.Path, wantPath) && strings.Contains(e.Message, wantSubstring) {
			return
		}
	}
	t.Fatalf("expected error at %q containing %q, got %v", wantPath, wantSubstring, errs)
}

func TestConflictingWaitFields(t *testing.T) {
	expectDomainError(t, `
title: d
output: d
scenarios:
  - label: s
    actions:
      - wait_for: hi
        wait_screen_regex: hi
`, "scenarios[0].actions[0]", "conflicting wait fields")
}

func TestWaitModeRequiresWaitFor(t *testing.T) {
	expectDomainError(t, `
title: d
output: d
scenarios:
  - label: s
    actions:
      - command: echo
        wait_mode: screen
`, "scenarios[0].actions[0]", "wait_mode/wait_timeout require wait_for")
}

func TestRetriesRequireTimeout(t *testing.T) {
	expectDomainError(t, `
title: d
output: d
scenarios:
  - label: s
    actions:
      - wait_for: hi
        retries: 2
`, "retries", "explicit timeout")
}

func TestMalformedDurationRejected(t *testing.T) {
	expectDomainError(t, `
title: d
output: d
scenarios:
  - label: s
    actions:
      - sleep: 2m
`, "sleep", "must match")
}

func TestExpectExitCodeOnlyInteractive(t *testing.T) {
	expectDomainError(t, `
title: d
output: d
scenarios:
  - label: s
    actions:
      - command: "false"
        expect_exit_code: 1
`, "expect_exit_code", "interactive lane")
}

func TestInteractivePrimitivesRejectedInPTYLane(t *testing.T) {
	expectDomainError(t, `
title: d
output: d
scenarios:
  - label: s
    execution_mode: interactive
    actions:
      - key: enter
`, "scenarios[0].actions[0]", "interactive primitive unsupported in pty lane")
}

func TestMultipleInputPrimitivesRejected(t *testing.T) {
	expectDomainError(t, `
title: d
output: d
scenarios:
  - label: s
    actions:
      - command: echo hi
        input: abc
`, "scenarios[0].actions[0]", "multiple input primitives")
}

func TestEmptyActionRejected(t *testing.T) {
	expectDomainError(t, `
title: d
output: d
scenarios:
  - label: s
    actions:
      - id: only-an-id
`, "scenarios[0].actions[0]", "at least one")
}

func TestOutputSlugValidation(t *testing.T) {
	expectDomainError(t, `
title: d
output: "../escape"
scenarios:
  - label: s
    actions: [echo hi]
`, "output", "filesystem-safe")
}

func TestUnsupportedSurface(t *testing.T) {
	expectDomainError(t, `
title: d
output: d
scenarios:
  - label: s
    surface: browser
    actions: [echo hi]
`, "surface", "unsupported surface")
}

func TestPolicyMaxRoundsBounds(t *testing.T) {
	expectDomainError(t, `
title: d
output: d
agent_prompts:
  mode: approve
  max_rounds: 9
scenarios:
  - label: s
    execution_mode: visual
    actions: [echo hi]
`, "agent_prompts.max_rounds", "between 1 and 6")
}

func TestDurationGrammar(t *testing.T) {
	cases := map[string]time.Duration{
		"500ms": 500 * time.Millisecond,
		"5s":    5 * time.Second,
		"0ms":   0,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		if err != nil {
			t.Errorf("%q: unexpected error %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("%q: got %v want %v", in, got, want)
		}
	}
	for _, bad := range []string{"-5s", "5", "5m", "ms", "1.5s", "5 s", ""} {
		if _, err := ParseDuration(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestLegacyTypeAlias(t *testing.T) {
	doc := `
title: d
output: d
scenarios:
  - label: s
    actions:
      - type: echo legacy
`
	sp, errs := loadAndBuild(t, doc)
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	op := sp.Scenarios[0].Ops[0]
	if op.Kind != KindCommand || op.Text != "echo legacy" {
		t.Errorf("legacy alias not honored: %+v", op)
	}
}

func TestNormalizationExpandsCombinedAction(t *testing.T) {
	doc := `
title: d
output: d
scenarios:
  - label: s
    actions:
      - command: echo hi
        sleep: 100ms
        assert_screen_regex: hi
`
	sp, errs := loadAndBuild(t, doc)
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	ops := sp.Scenarios[0].Ops
	kinds := make([]ActionKind, len(ops))
	for i, op := range ops {
		kinds[i] = op.Kind
	}
	want := []ActionKind{KindCommand, KindSleep, KindAssertScreenRegex}
	if len(kinds) != len(want) {
		t.Fatalf("got kinds %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("got kinds %v, want %v", kinds, want)
		}
	}
}

func TestGenerateJSONSchema(t *testing.T) {
	data, err := GenerateJSONSchema()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	for _, want := range []string{"screenplay-v0.json", "scenarios"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("schema missing %q", want)
		}
	}
}

func TestRoundTripKeepsSemantics(t *testing.T) {
	sp, errs := loadAndBuild(t, minimalDoc)
	if len(errs) > 0 {
		t.Fatalf("build: %v", errs)
	}
	data, err := yaml.Marshal(sp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again, err := Load(data, LoadOptions{TmpDir: t.TempDir()})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if errs := Build(again); len(errs) > 0 {
		t.Fatalf("rebuild: %v", errs)
	}
	if len(again.Scenarios) != len(sp.Scenarios) {
		t.Fatalf("scenario count changed")
	}
	want := sp.Scenarios[0].Ops
	got := again.Scenarios[0].Ops
	if len(got) != len(want) {
		t.Fatalf("op count changed: %d vs %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Kind != want[i].Kind || got[i].Text != want[i].Text || got[i].WaitMode != want[i].WaitMode || got[i].Duration != want[i].Duration {
			t.Errorf("op %d diverged: %+v vs %+v", i, got[i], want[i])
		}
	}
}

func TestTmpDirVariableInterpolates(t *testing.T) {
	tmp := t.TempDir()
	doc := `
title: d
output: d
scenarios:
  - label: s
    actions:
      - command: "ls {tmp_dir}"
`
	sp, err := Load([]byte(doc), LoadOptions{TmpDir: tmp})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if errs := Build(sp); len(errs) > 0 {
		t.Fatalf("build: %v", errs)
	}
	if got := sp.Scenarios[0].Ops[0].Text; got != "ls "+tmp {
		t.Errorf("tmp_dir not interpolated: %q", got)
	}
}
