// Package lint detects screenplay constructs that validate but are unsafe to
// run unattended: unscoped approval policies, missing prompt detection, and
// fragile wait targets. Lint never mutates the model.
package lint

import (
	"fmt"

	"github.com/tomallicino/terminal-demo-studio/pkg/policy"
	"github.com/tomallicino/terminal-demo-studio/pkg/schema"
)

// Severity classifies a finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is one lint outcome tied to a scenario and optionally a step.
type Finding struct {
	Severity  Severity `json:"severity"`
	Code      string   `json:"code"`
	Message   string   `json:"message"`
	Scenario  string   `json:"scenario,omitempty"`
	StepIndex *int     `json:"step_index,omitempty"`
}

// Result is the outcome of a lint pass.
type Result struct {
	Findings []Finding
	Strict   bool
}

// Errors returns findings that fail the pass. Strict mode promotes warnings.
func (r *Result) Errors() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == SeverityError || (r.Strict && f.Severity == SeverityWarning) {
			out = append(out, f)
		}
	}
	return out
}

// Warnings returns the non-failing findings under the current strictness.
func (r *Result) Warnings() []Finding {
	if r.Strict {
		return nil
	}
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == SeverityWarning {
			out = append(out, f)
		}
	}
	return out
}

// Status is "pass" or "fail".
func (r *Result) Status() string {
	if len(r.Errors()) > 0 {
		return "fail"
	}
	return "pass"
}

// ToJSON shapes the result for --json consumers.
func (r *Result) ToJSON() map[string]any {
	findings := r.Findings
	if findings == nil {
		findings = []Finding{}
	}
	return map[string]any{
		"status":   r.Status(),
		"errors":   len(r.Errors()),
		"warnings": len(r.Warnings()),
		"findings": findings,
	}
}

// Screenplay lints a validated screenplay.
func Screenplay(sp *schema.Screenplay, strict bool) *Result {
	res := &Result{Strict: strict}
	hasVisual := false

	for si := range sp.Scenarios {
		scenario := &sp.Scenarios[si]
		if scenario.Mode() != schema.ModeVisual {
			if scenario.AgentPrompts != nil {
				res.add(Finding{
					Severity: SeverityWarning,
					Code:     "agent-prompts-ignored",
					Scenario: scenario.Label,
					Message:  "agent_prompts is set but this scenario is not visual; the policy is ignored",
				})
			}
		} else {
			hasVisual = true
			res.lintPolicy(policy.MergeDeclared(sp.AgentPrompts, scenario.AgentPrompts), scenario.Label)
		}

		for _, op := range scenario.Ops {
			op := op
			if op.Kind == schema.KindWaitFor && op.WaitMode == schema.WaitDefault {
				res.add(Finding{
					Severity:  SeverityWarning,
					Code:      "wait-mode-default",
					Scenario:  scenario.Label,
					StepIndex: &op.Step,
					Message:   "wait_for without wait_mode matches the stream tail; wait_mode: screen is the more robust choice",
				})
			}
		}
	}

	if sp.AgentPrompts != nil && !hasVisual {
		res.add(Finding{
			Severity: SeverityWarning,
			Code:     "screenplay-agent-prompts-ignored",
			Message:  "screenplay-level agent_prompts is ignored without visual scenarios",
		})
	}
	return res
}

// lintPolicy applies the policy safety rules to the declared (not defaulted)
// merge for one visual scenario.
func (r *Result) lintPolicy(p schema.PromptPolicy, scenario string) {
	if p.Mode == "approve" {
		switch {
		case p.AllowRegex == "":
			r.add(Finding{
				Severity: SeverityWarning,
				Code:     "agent-policy",
				Scenario: scenario,
				Message:  "approve mode has no allow_regex; the runtime will abort at the first prompt",
			})
		case policy.LooksUnboundedAllowRegex(p.AllowRegex):
			r.add(Finding{
				Severity: SeverityError,
				Code:     "agent-policy",
				Scenario: scenario,
				Message:  fmt.Sprintf("approve mode allow_regex %q is too broad; use a scoped pattern", p.AllowRegex),
			})
		}
		if len(p.AllowedCommandPrefixes) == 0 {
			r.add(Finding{
				Severity: SeverityWarning,
				Code:     "agent-policy",
				Scenario: scenario,
				Message:  "approve mode has no allowed_command_prefixes; approvals rely only on regex matching",
			})
		}
	} else if p.AllowRegex != "" {
		r.add(Finding{
			Severity: SeverityWarning,
			Code:     "agent-policy",
			Scenario: scenario,
			Message:  "allow_regex is ignored unless mode=approve",
		})
	}

	if (p.Mode == "approve" || p.Mode == "deny") && p.PromptRegex == "" {
		r.add(Finding{
			Severity: SeverityWarning,
			Code:     "agent-policy",
			Scenario: scenario,
			Message:  "no prompt_regex declared; the built-in default only detects standard confirm prompts",
		})
	}
	if (p.Mode == "approve" || p.Mode == "deny") && p.MaxRounds == 0 {
		r.add(Finding{
			Severity: SeverityWarning,
			Code:     "agent-policy",
			Scenario: scenario,
			Message:  "max_rounds is not set; the runtime bound defaults to 3",
		})
	}
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
}
