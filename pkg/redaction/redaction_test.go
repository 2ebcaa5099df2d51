package redaction

import (
	"strings"
	"testing"

	"github.com/tomallicino/terminal-demo-studio/pkg/schema"
)

func noEnv(string) string { return "" }

func TestRedactDeclaredTokenVariables(t *testing.T) {
	r := New(map[string]any{
		"GITHUB_TOKEN": "ghp_abcdefghijklmnopqrstuv",
		"plain":        "not-sensitive-value",
	}, WithEnvLookup(noEnv))

	out := r.Redact("pushing with ghp_abcdefghijklmnopqrstuv now")
	if strings.Contains(out, "ghp_abcdefghijklmnopqrstuv") {
		t.Errorf("token survived: %q", out)
	}
	if !strings.Contains(out, Placeholder) {
		t.Errorf("placeholder missing: %q", out)
	}
	if got := r.Redact("not-sensitive-value"); got != "not-sensitive-value" {
		t.Errorf("non-token variable redacted: %q", got)
	}
}

func TestRedactIdempotent(t *testing.T) {
	r := New(map[string]any{"MY_SECRET": "hunter2secret"}, WithEnvLookup(noEnv))
	input := "the value hunter2secret leaked twice: hunter2secret"
	once := r.Redact(input)
	twice := r.Redact(once)
	if once != twice {
		t.Errorf("redaction not idempotent:\nonce:  %q\ntwice: %q", once, twice)
	}
}

func TestRedactTokenShapes(t *testing.T) {
	r := New(nil, WithEnvLookup(noEnv))
	out := r.Redact("key sk-abcdefghijklmnop1234 in output")
	if strings.Contains(out, "sk-abcdefghijklmnop1234") {
		t.Errorf("token shape survived: %q", out)
	}
}

func TestRedactEnvValues(t *testing.T) {
	env := func(name string) string {
		if name == "OPENAI_API_KEY" {
			return "supersecretvalue"
		}
		return ""
	}
	r := New(nil, WithEnvLookup(env))
	if out := r.Redact("using supersecretvalue here"); strings.Contains(out, "supersecretvalue") {
		t.Errorf("env value survived: %q", out)
	}
}

func TestShortValuesNotRedacted(t *testing.T) {
	r := New(map[string]any{"X_TOKEN": "abc"}, WithEnvLookup(noEnv))
	if out := r.Redact("abcdef abc"); out != "abcdef abc" {
		t.Errorf("short value redacted: %q", out)
	}
}

func buildScreenplay(t *testing.T, command string) *schema.Screenplay {
	t.Helper()
	sp := &schema.Screenplay{
		Title:  "d",
		Output: "d",
		Scenarios: []schema.Scenario{{
			Label:   "s",
			Actions: []schema.ActionNode{{Raw: schema.RawAction{Command: command}}},
		}},
	}
	if errs := schema.Build(sp); len(errs) > 0 {
		t.Fatalf("build: %v", errs)
	}
	return sp
}

func TestResolveMediaModeAuto(t *testing.T) {
	r := New(nil, WithEnvLookup(noEnv))

	benign := buildScreenplay(t, "echo hello")
	if mode := r.ResolveMediaMode(benign, MediaAuto); mode != MediaOff {
		t.Errorf("benign screenplay: got %q", mode)
	}

	sensitive := buildScreenplay(t, "export STRIPE_API_KEY=sk-abcdefghijklmnop1234")
	if mode := r.ResolveMediaMode(sensitive, MediaAuto); mode != MediaInputLine {
		t.Errorf("sensitive screenplay: got %q", mode)
	}

	if mode := r.ResolveMediaMode(sensitive, MediaOff); mode != MediaOff {
		t.Errorf("explicit off overridden: %q", mode)
	}
}

func TestCustomNameSuffixes(t *testing.T) {
	r := New(map[string]any{"DEPLOY_PASSWORD": "topsecretpw"},
		WithEnvLookup(noEnv),
		WithNameSuffixes([]string{"_PASSWORD"}))
	if out := r.Redact("topsecretpw"); out != Placeholder {
		t.Errorf("custom suffix ignored: %q", out)
	}
}
