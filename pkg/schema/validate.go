package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError represents a single validation error with location context.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // JSON-path-like location (e.g., "scenarios[0].actions[2].wait_mode")
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

func errorf(phase, path, format string, args ...any) *ValidationError {
	return &ValidationError{
		Phase:    phase,
		Path:     path,
		Message:  fmt.Sprintf(format, args...),
		Severity: "error",
	}
}

// outputSlugPattern constrains the output slug to a filesystem-safe token.
var outputSlugPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateFile performs the full validation pipeline on a screenplay file.
// Phase 1: Structural (strict YAML decode + interpolation)
// Phase 2: Semantic (JSON Schema validation)
// Phase 3: Domain (custom Go rules + action normalization)
// On success the returned screenplay carries normalized Ops per scenario.
func ValidateFile(path string, opts LoadOptions) (*Screenplay, []*ValidationError) {
	sp, err := LoadFile(path, opts)
	if err != nil {
		return nil, []*ValidationError{{
			Phase:    "structural",
			Message:  err.Error(),
			Severity: "error",
		}}
	}
	return sp, Validate(sp)
}

// Validate runs the semantic and domain phases on a loaded screenplay and
// fills the normalized Ops on success. Validation is total: a screenplay
// with any error is never executed.
func Validate(sp *Screenplay) []*ValidationError {
	var all []*ValidationError
	all = append(all, validateSemantic(sp)...)
	all = append(all, Build(sp)...)
	if len(all) > 0 {
		return all
	}
	return nil
}

// validateSemantic validates the screenplay against the generated JSON Schema.
func validateSemantic(sp *Screenplay) []*ValidationError {
	data, err := json.Marshal(sp)
	if err != nil {
		return []*ValidationError{errorf("semantic", "", "marshal for schema validation: %v", err)}
	}
	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return []*ValidationError{errorf("semantic", "", "generate schema: %v", err)}
	}

	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return []*ValidationError{errorf("semantic", "", "unmarshal schema: %v", err)}
	}
	c := sjsonschema.NewCompiler()
	if err := c.AddResource("screenplay-v0.json", schemaDoc); err != nil {
		return []*ValidationError{errorf("semantic", "", "add schema resource: %v", err)}
	}
	sch, err := c.Compile("screenplay-v0.json")
	if err != nil {
		return []*ValidationError{errorf("semantic", "", "compile schema: %v", err)}
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return []*ValidationError{errorf("semantic", "", "unmarshal document: %v", err)}
	}

	if err := sch.Validate(doc); err != nil {
		var errs []*ValidationError
		if ve, ok := err.(*sjsonschema.ValidationError); ok {
			for _, cause := range flattenValidationErrors(ve) {
				errs = append(errs, errorf(
					"semantic",
					strings.Join(cause.InstanceLocation, "/"),
					"%v", cause.ErrorKind,
				))
			}
		} else {
			errs = append(errs, errorf("semantic", "", "%v", err))
		}
		return errs
	}
	return nil
}

func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var out []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		out = append(out, flattenValidationErrors(cause)...)
	}
	return out
}

// Build runs the domain rules and normalizes every scenario's raw actions
// into the tagged Op program. Errors leave Ops untouched.
func Build(sp *Screenplay) []*ValidationError {
	var errs []*ValidationError

	if sp.Title == "" {
		errs = append(errs, errorf("domain", "title", "title is required"))
	}
	if sp.Output == "" {
		errs = append(errs, errorf("domain", "output", "output slug is required"))
	} else if !outputSlugPattern.MatchString(sp.Output) {
		errs = append(errs, errorf("domain", "output", "output slug %q is not filesystem-safe", sp.Output))
	}
	if len(sp.Scenarios) == 0 {
		errs = append(errs, errorf("domain", "scenarios", "at least one scenario is required"))
	}

	errs = append(errs, validatePolicy(sp.AgentPrompts, "agent_prompts")...)

	type built struct {
		index int
		ops   []Action
	}
	var builds []built
	for i := range sp.Scenarios {
		scenario := &sp.Scenarios[i]
		path := fmt.Sprintf("scenarios[%d]", i)

		if scenario.Label == "" {
			errs = append(errs, errorf("domain", path+".label", "label is required"))
		}
		if scenario.Surface != "" && scenario.Surface != "terminal" {
			errs = append(errs, errorf("domain", path+".surface", "unsupported surface %q (only terminal)", scenario.Surface))
		}
		switch scenario.Mode() {
		case ModeScripted, ModeInteractive, ModeVisual:
		default:
			errs = append(errs, errorf("domain", path+".execution_mode", "unknown execution mode %q", scenario.ExecutionMode))
		}
		if len(scenario.Actions) == 0 {
			errs = append(errs, errorf("domain", path+".actions", "scenario must declare at least one action"))
		}
		errs = append(errs, validatePolicy(scenario.AgentPrompts, path+".agent_prompts")...)

		ops, actionErrs := normalizeActions(scenario, path)
		errs = append(errs, actionErrs...)
		builds = append(builds, built{index: i, ops: ops})
	}

	if len(errs) > 0 {
		return errs
	}
	for _, b := range builds {
		sp.Scenarios[b.index].Ops = b.ops
	}
	return nil
}

// normalizeActions expands each raw action into its tagged variants in
// evaluation order: input primitive, sleep, wait_stable, wait, asserts,
// exit-code expectation.
func normalizeActions(scenario *Scenario, scenarioPath string) ([]Action, []*ValidationError) {
	var (
		ops  []Action
		errs []*ValidationError
	)
	mode := scenario.Mode()

	for j := range scenario.Actions {
		raw := &scenario.Actions[j].Raw
		path := fmt.Sprintf("%s.actions[%d]", scenarioPath, j)

		primitives := 0
		for _, v := range []string{raw.Command, raw.Type, raw.Input, raw.Key, raw.Hotkey} {
			if v != "" {
				primitives++
			}
		}
		if raw.Command != "" && raw.Type != "" {
			// The alias pair counts once.
			primitives--
			errs = append(errs, errorf("domain", path, "command and its legacy alias type must not both be set"))
		}
		if primitives > 1 {
			errs = append(errs, errorf("domain", path, "action must not define multiple input primitives"))
		}

		waitFields := 0
		for _, v := range []string{raw.WaitFor, raw.WaitScreenRegex, raw.WaitLineRegex} {
			if v != "" {
				waitFields++
			}
		}
		if waitFields > 1 {
			errs = append(errs, errorf("domain", path, "conflicting wait fields: at most one of wait_for, wait_screen_regex, wait_line_regex"))
		}

		if primitives == 0 && waitFields == 0 && raw.Sleep == "" && raw.WaitStable == "" &&
			raw.AssertScreenRegex == "" && raw.AssertNotScreenRegex == "" && raw.ExpectExitCode == nil {
			errs = append(errs, errorf("domain", path, "action must contain at least one command, key, wait, assert, or sleep field"))
		}

		if (raw.WaitMode != "" || raw.WaitTimeout != "") && raw.WaitFor == "" {
			errs = append(errs, errorf("domain", path, "wait_mode/wait_timeout require wait_for"))
		}
		waitMode := WaitDefault
		if raw.WaitMode != "" {
			switch WaitMode(raw.WaitMode) {
			case WaitDefault, WaitScreen, WaitLine:
				waitMode = WaitMode(raw.WaitMode)
			default:
				errs = append(errs, errorf("domain", path+".wait_mode", "unknown wait mode %q", raw.WaitMode))
			}
		}

		parseDur := func(field, value string) time.Duration {
			if value == "" {
				return 0
			}
			d, err := ParseDuration(value)
			if err != nil {
				errs = append(errs, errorf("domain", path+"."+field, "%v", err))
				return 0
			}
			return d
		}
		sleep := parseDur("sleep", raw.Sleep)
		stable := parseDur("wait_stable", raw.WaitStable)
		waitTimeout := parseDur("wait_timeout", raw.WaitTimeout)
		stepTimeout := parseDur("timeout", raw.Timeout)

		if raw.Retries < 0 {
			errs = append(errs, errorf("domain", path+".retries", "retries must not be negative"))
		}
		if raw.Retries > 0 && raw.Timeout == "" {
			errs = append(errs, errorf("domain", path+".retries", "retries require an explicit timeout"))
		}

		compileRe := func(field, pattern string) {
			if pattern == "" {
				return
			}
			if _, err := regexp.Compile(pattern); err != nil {
				errs = append(errs, errorf("domain", path+"."+field, "invalid regex: %v", err))
			}
		}
		compileRe("wait_screen_regex", raw.WaitScreenRegex)
		compileRe("wait_line_regex", raw.WaitLineRegex)
		compileRe("assert_screen_regex", raw.AssertScreenRegex)
		compileRe("assert_not_screen_regex", raw.AssertNotScreenRegex)

		if raw.ExpectExitCode != nil && mode != ModeInteractive {
			errs = append(errs, errorf("domain", path+".expect_exit_code", "expect_exit_code is only supported in the interactive lane"))
		}
		if mode == ModeInteractive && (raw.Input != "" || raw.Key != "" || raw.Hotkey != "") {
			errs = append(errs, errorf("domain", path, "interactive primitive unsupported in pty lane"))
		}

		emit := func(op Action) {
			op.Step = j
			op.ID = raw.ID
			op.Timeout = stepTimeout
			op.Retries = raw.Retries
			ops = append(ops, op)
		}

		if cmd := raw.CommandText(); cmd != "" {
			emit(Action{Kind: KindCommand, Text: cmd})
		}
		if raw.Input != "" {
			emit(Action{Kind: KindInput, Text: raw.Input})
		}
		if raw.Key != "" {
			emit(Action{Kind: KindKey, Key: raw.Key})
		}
		if raw.Hotkey != "" {
			emit(Action{Kind: KindHotkey, Key: raw.Hotkey})
		}
		if raw.Sleep != "" {
			emit(Action{Kind: KindSleep, Duration: sleep})
		}
		if raw.WaitStable != "" {
			emit(Action{Kind: KindWaitStable, Duration: stable})
		}
		if raw.WaitFor != "" {
			emit(Action{Kind: KindWaitFor, Text: raw.WaitFor, WaitMode: waitMode, Duration: waitTimeout})
		}
		if raw.WaitScreenRegex != "" {
			emit(Action{Kind: KindWaitScreenRegex, Text: raw.WaitScreenRegex, Duration: waitTimeout})
		}
		if raw.WaitLineRegex != "" {
			emit(Action{Kind: KindWaitLineRegex, Text: raw.WaitLineRegex, Duration: waitTimeout})
		}
		if raw.AssertScreenRegex != "" {
			emit(Action{Kind: KindAssertScreenRegex, Text: raw.AssertScreenRegex})
		}
		if raw.AssertNotScreenRegex != "" {
			emit(Action{Kind: KindAssertNotScreenRegex, Text: raw.AssertNotScreenRegex})
		}
		if raw.ExpectExitCode != nil {
			emit(Action{Kind: KindExpectExitCode, ExitCode: *raw.ExpectExitCode})
		}
	}
	return ops, errs
}

// validatePolicy checks structural policy bounds. Safety classification of a
// legal policy (unscoped allow_regex and friends) belongs to the lint pass.
func validatePolicy(p *PromptPolicy, path string) []*ValidationError {
	if p == nil {
		return nil
	}
	var errs []*ValidationError
	switch p.Mode {
	case "", "manual", "approve", "deny":
	default:
		errs = append(errs, errorf("domain", path+".mode", "unknown prompt policy mode %q", p.Mode))
	}
	if p.MaxRounds < 0 || p.MaxRounds > 6 {
		errs = append(errs, errorf("domain", path+".max_rounds", "max_rounds must be between 1 and 6"))
	}
	for field, pattern := range map[string]string{
		"prompt_regex": p.PromptRegex,
		"allow_regex":  p.AllowRegex,
	} {
		if pattern == "" {
			continue
		}
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, errorf("domain", path+"."+field, "invalid regex: %v", err))
		}
	}
	return errs
}
