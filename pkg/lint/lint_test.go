package lint

import (
	"strings"
	"testing"

	"github.com/tomallicino/terminal-demo-studio/pkg/schema"
)

func load(t *testing.T, doc string) *schema.Screenplay {
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

func findingWith(findings []Finding, code, substring string) *Finding {
	for i := range findings {
		if findings[i].Code == code && strings.Contains(findings[i].Message, substring) {
			return &findings[i]
		}
	}
	return nil
}

func TestUnscopedAllowRegexIsError(t *testing.T) {
	sp := load(t, `
title: d
output: d
agent_prompts:
  mode: approve
  prompt_regex: "Proceed\\?"
  allow_regex: ".*"
scenarios:
  - label: s
    execution_mode: visual
    actions: [echo hi]
`)
	result := Screenplay(sp, false)
	f := findingWith(result.Findings, "agent-policy", "too broad")
	if f == nil || f.Severity != SeverityError {
		t.Fatalf("expected unscoped allow_regex error, got %+v", result.Findings)
	}
	if result.Status() != "fail" {
		t.Errorf("status: %s", result.Status())
	}
}

func TestMissingAllowRegexWarnsThenStrictFails(t *testing.T) {
	doc := `
title: d
output: d
agent_prompts:
  mode: approve
  prompt_regex: "Proceed\\?"
scenarios:
  - label: s
    execution_mode: visual
    actions: [echo hi]
`
	relaxed := Screenplay(load(t, doc), false)
	f := findingWith(relaxed.Findings, "agent-policy", "no allow_regex")
	if f == nil || f.Severity != SeverityWarning {
		t.Fatalf("expected warning, got %+v", relaxed.Findings)
	}
	if relaxed.Status() != "pass" {
		t.Errorf("relaxed status: %s", relaxed.Status())
	}

	strict := Screenplay(load(t, doc), true)
	if strict.Status() != "fail" {
		t.Errorf("strict must promote warnings: %s", strict.Status())
	}
}

func TestAgentPromptsIgnoredOutsideVisual(t *testing.T) {
	sp := load(t, `
title: d
output: d
scenarios:
  - label: s
    execution_mode: interactive
    agent_prompts:
      mode: deny
    actions: [echo hi]
`)
	result := Screenplay(sp, false)
	if findingWith(result.Findings, "agent-prompts-ignored", "not visual") == nil {
		t.Errorf("expected ignored-policy warning, got %+v", result.Findings)
	}
}

func TestScreenplayPolicyWithoutVisualScenarios(t *testing.T) {
	sp := load(t, `
title: d
output: d
agent_prompts:
  mode: deny
scenarios:
  - label: s
    actions: [echo hi]
`)
	result := Screenplay(sp, false)
	if findingWith(result.Findings, "screenplay-agent-prompts-ignored", "without visual") == nil {
		t.Errorf("expected warning, got %+v", result.Findings)
	}
}

func TestDefaultWaitModeWarning(t *testing.T) {
	sp := load(t, `
title: d
output: d
scenarios:
  - label: s
    actions:
      - command: echo hi
        wait_for: hi
`)
	result := Screenplay(sp, false)
	f := findingWith(result.Findings, "wait-mode-default", "more robust")
	if f == nil {
		t.Fatalf("expected wait-mode warning, got %+v", result.Findings)
	}
	if f.StepIndex == nil || *f.StepIndex != 0 {
		t.Errorf("step index missing: %+v", f)
	}
}

func TestCleanScreenplayPasses(t *testing.T) {
	sp := load(t, `
title: d
output: d
scenarios:
  - label: s
    actions:
      - command: echo hi
        wait_for: hi
        wait_mode: screen
`)
	result := Screenplay(sp, true)
	if len(result.Findings) != 0 {
		t.Errorf("expected no findings: %+v", result.Findings)
	}
	if result.Status() != "pass" {
		t.Errorf("status: %s", result.Status())
	}
}

func TestToJSONShape(t *testing.T) {
	sp := load(t, `
title: d
output: d
scenarios:
  - label: s
    actions: [echo hi]
`)
	payload := Screenplay(sp, false).ToJSON()
	if payload["status"] != "pass" {
		t.Errorf("status: %v", payload["status"])
	}
	if _, ok := payload["findings"].([]Finding); !ok {
		t.Errorf("findings shape: %T", payload["findings"])
	}
}
