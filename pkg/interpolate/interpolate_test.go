package interpolate

import (
	"strings"
	"testing"
)

func TestResolveVariablesNested(t *testing.T) {
	vars := map[string]any{
		"base":  "/srv",
		"path":  "{base}/app",
		"count": 3,
	}
	resolved, err := ResolveVariables(vars)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved["path"] != "/srv/app" {
		t.Errorf("path: %v", resolved["path"])
	}
	if resolved["count"] != 3 {
		t.Errorf("non-string value changed: %v", resolved["count"])
	}
}

func TestResolveVariablesFullTokenKeepsType(t *testing.T) {
	vars := map[string]any{
		"limit": 42,
		"alias": "{limit}",
	}
	resolved, err := ResolveVariables(vars)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved["alias"] != 42 {
		t.Errorf("full-token alias should keep the typed value, got %T %v", resolved["alias"], resolved["alias"])
	}
}

func TestResolveVariablesCycle(t *testing.T) {
	vars := map[string]any{
		"a": "{b}",
		"b": "{a}",
	}
	if _, err := ResolveVariables(vars); err == nil || !strings.Contains(err.Error(), "cyclic") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestResolveVariablesUndeclared(t *testing.T) {
	vars := map[string]any{"a": "{missing}"}
	if _, err := ResolveVariables(vars); err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("expected unresolved error, got %v", err)
	}
}

func TestApplySubstitutesThroughStructure(t *testing.T) {
	doc := map[string]any{
		"title": "Demo of {name}",
		"scenarios": []any{
			map[string]any{"label": "{name}", "count": 1},
		},
	}
	out, err := Apply(doc, map[string]any{"name": "widget"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	m := out.(map[string]any)
	if m["title"] != "Demo of widget" {
		t.Errorf("title: %v", m["title"])
	}
	scenario := m["scenarios"].([]any)[0].(map[string]any)
	if scenario["label"] != "widget" {
		t.Errorf("label: %v", scenario["label"])
	}
}

func TestApplyReportsPath(t *testing.T) {
	doc := map[string]any{
		"scenarios": []any{
			map[string]any{"label": "{missing}"},
		},
	}
	_, err := Apply(doc, map[string]any{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "$.scenarios[0].label") {
		t.Errorf("error should carry the document path: %v", err)
	}
}

func TestApplyIdempotentUnderIdentity(t *testing.T) {
	vars := map[string]any{"x": "value"}
	doc := map[string]any{"a": "{x}", "b": "plain"}
	once, err := Apply(doc, vars)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	twice, err := Apply(once, vars)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if twice.(map[string]any)["a"] != "value" || twice.(map[string]any)["b"] != "plain" {
		t.Errorf("idempotency violated: %v", twice)
	}
}
