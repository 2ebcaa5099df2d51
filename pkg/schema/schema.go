// Package schema defines the Go struct types for the screenplay YAML schema,
// strict parsing, and the normalized action variant consumed by the lanes.
package schema

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// ExecutionMode selects which lane runtime renders a scenario.
type ExecutionMode string

const (
	ModeScripted    ExecutionMode = "scripted"
	ModeInteractive ExecutionMode = "interactive"
	ModeVisual      ExecutionMode = "visual"
)

// WaitMode selects the snapshot surface a wait_for target is matched against.
type WaitMode string

const (
	WaitDefault WaitMode = "default" // stream tail
	WaitScreen  WaitMode = "screen"  // visible grid
	WaitLine    WaitMode = "line"    // final non-empty line
)

// Screenplay is the top-level document describing a demo run.
type Screenplay struct {
	Title        string         `yaml:"title"                  json:"title"                  jsonschema:"required"`
	Output       string         `yaml:"output"                 json:"output"                 jsonschema:"required"`
	Settings     Settings       `yaml:"settings,omitempty"     json:"settings,omitempty"`
	Scenarios    []Scenario     `yaml:"scenarios"              json:"scenarios"              jsonschema:"required,minItems=1"`
	Variables    map[string]any `yaml:"variables,omitempty"    json:"variables,omitempty"`
	Preinstall   []string       `yaml:"preinstall,omitempty"   json:"preinstall,omitempty"`
	AgentPrompts *PromptPolicy  `yaml:"agent_prompts,omitempty" json:"agent_prompts,omitempty"`
}

// Settings holds the visual configuration shared by every scene.
type Settings struct {
	Width         int     `yaml:"width,omitempty"          json:"width,omitempty"`
	Height        int     `yaml:"height,omitempty"         json:"height,omitempty"`
	FontSize      int     `yaml:"font_size,omitempty"      json:"font_size,omitempty"`
	Theme         string  `yaml:"theme,omitempty"          json:"theme,omitempty"`
	Padding       int     `yaml:"padding,omitempty"        json:"padding,omitempty"`
	Margin        int     `yaml:"margin,omitempty"         json:"margin,omitempty"`
	MarginFill    string  `yaml:"margin_fill,omitempty"    json:"margin_fill,omitempty"`
	BorderRadius  int     `yaml:"border_radius,omitempty"  json:"border_radius,omitempty"`
	WindowBar     string  `yaml:"window_bar,omitempty"     json:"window_bar,omitempty"`
	FontFamily    string  `yaml:"font_family,omitempty"    json:"font_family,omitempty"`
	Framerate     int     `yaml:"framerate,omitempty"      json:"framerate,omitempty"`
	LineHeight    float64 `yaml:"line_height,omitempty"    json:"line_height,omitempty"`
	LetterSpacing int     `yaml:"letter_spacing,omitempty" json:"letter_spacing,omitempty"`
	CursorBlink   bool    `yaml:"cursor_blink,omitempty"   json:"cursor_blink,omitempty"`
}

// DefaultSettings returns the visual defaults applied when the document
// omits a settings block or individual keys.
func DefaultSettings() Settings {
	return Settings{
		Width:        1440,
		Height:       900,
		FontSize:     22,
		Theme:        "Catppuccin Mocha",
		Padding:      24,
		Margin:       12,
		MarginFill:   "#0F172A",
		BorderRadius: 10,
		WindowBar:    "Colorful",
		Framerate:    60,
		LineHeight:   1.15,
	}
}

// PromptSettings styles the shell prompt for scripted scenes.
type PromptSettings struct {
	Style  string `yaml:"style,omitempty"  json:"style,omitempty"  jsonschema:"enum=macos,enum=venv"`
	Env    string `yaml:"env,omitempty"    json:"env,omitempty"`
	User   string `yaml:"user,omitempty"   json:"user,omitempty"`
	Host   string `yaml:"host,omitempty"   json:"host,omitempty"`
	Path   string `yaml:"path,omitempty"   json:"path,omitempty"   jsonschema:"enum=basename,enum=full"`
	Symbol string `yaml:"symbol,omitempty" json:"symbol,omitempty"`
}

// Scenario is one ordered sequence of actions rendered as one scene.
type Scenario struct {
	Label         string          `yaml:"label"                    json:"label"          jsonschema:"required"`
	Surface       string          `yaml:"surface,omitempty"        json:"surface,omitempty" jsonschema:"enum=terminal"`
	ExecutionMode ExecutionMode   `yaml:"execution_mode,omitempty" json:"execution_mode,omitempty" jsonschema:"enum=scripted,enum=interactive,enum=visual"`
	Shell         string          `yaml:"shell,omitempty"          json:"shell,omitempty" jsonschema:"enum=auto,enum=bash,enum=zsh,enum=fish,enum=pwsh,enum=cmd"`
	Prompt        *PromptSettings `yaml:"prompt,omitempty"         json:"prompt,omitempty"`
	Setup         []string        `yaml:"setup,omitempty"          json:"setup,omitempty"`
	Actions       []ActionNode    `yaml:"actions"                  json:"actions"        jsonschema:"required,minItems=1"`
	AgentPrompts  *PromptPolicy   `yaml:"agent_prompts,omitempty"  json:"agent_prompts,omitempty"`

	// Ops is the normalized action program, populated by Build after
	// validation. Never serialized back to YAML.
	Ops []Action `yaml:"-" json:"-"`
}

// Mode returns the scenario's execution mode, defaulting to scripted.
func (s *Scenario) Mode() ExecutionMode {
	if s.ExecutionMode == "" {
		return ModeScripted
	}
	return s.ExecutionMode
}

// PromptPolicy declares how interactive approval prompts are mediated during
// autonomous capture. A scenario-level policy merges over the screenplay-level
// one field by field.
type PromptPolicy struct {
	Mode                   string   `yaml:"mode,omitempty"                     json:"mode,omitempty" jsonschema:"enum=manual,enum=approve,enum=deny"`
	PromptRegex            string   `yaml:"prompt_regex,omitempty"             json:"prompt_regex,omitempty"`
	AllowRegex             string   `yaml:"allow_regex,omitempty"              json:"allow_regex,omitempty"`
	AllowedCommandPrefixes []string `yaml:"allowed_command_prefixes,omitempty" json:"allowed_command_prefixes,omitempty"`
	MaxRounds              int      `yaml:"max_rounds,omitempty"               json:"max_rounds,omitempty" jsonschema:"minimum=1,maximum=6"`
	ApproveKey             string   `yaml:"approve_key,omitempty"              json:"approve_key,omitempty"`
	DenyKey                string   `yaml:"deny_key,omitempty"                 json:"deny_key,omitempty"`
}

// RawAction mirrors the loose document shape of an action mapping. A raw
// action may combine an input primitive with waits and asserts; Build
// normalizes it into one or more tagged Action variants.
type RawAction struct {
	Command              string `yaml:"command,omitempty"                 json:"command,omitempty"`
	Type                 string `yaml:"type,omitempty"                    json:"type,omitempty"` // legacy alias of command
	Input                string `yaml:"input,omitempty"                   json:"input,omitempty"`
	Key                  string `yaml:"key,omitempty"                     json:"key,omitempty"`
	Hotkey               string `yaml:"hotkey,omitempty"                  json:"hotkey,omitempty"`
	Sleep                string `yaml:"sleep,omitempty"                   json:"sleep,omitempty"`
	WaitFor              string `yaml:"wait_for,omitempty"                json:"wait_for,omitempty"`
	WaitMode             string `yaml:"wait_mode,omitempty"               json:"wait_mode,omitempty" jsonschema:"enum=default,enum=screen,enum=line"`
	WaitTimeout          string `yaml:"wait_timeout,omitempty"            json:"wait_timeout,omitempty"`
	WaitScreenRegex      string `yaml:"wait_screen_regex,omitempty"       json:"wait_screen_regex,omitempty"`
	WaitLineRegex        string `yaml:"wait_line_regex,omitempty"         json:"wait_line_regex,omitempty"`
	WaitStable           string `yaml:"wait_stable,omitempty"             json:"wait_stable,omitempty"`
	AssertScreenRegex    string `yaml:"assert_screen_regex,omitempty"     json:"assert_screen_regex,omitempty"`
	AssertNotScreenRegex string `yaml:"assert_not_screen_regex,omitempty" json:"assert_not_screen_regex,omitempty"`
	ExpectExitCode       *int   `yaml:"expect_exit_code,omitempty"        json:"expect_exit_code,omitempty"`
	ID                   string `yaml:"id,omitempty"                      json:"id,omitempty"`
	Timeout              string `yaml:"timeout,omitempty"                 json:"timeout,omitempty"`
	Retries              int    `yaml:"retries,omitempty"                 json:"retries,omitempty"`
}

// CommandText returns the command string, honoring the legacy "type" alias.
func (r *RawAction) CommandText() string {
	if r.Command != "" {
		return r.Command
	}
	return r.Type
}

// rawActionKeys is the closed set of keys an action mapping may carry.
var rawActionKeys = map[string]bool{
	"command": true, "type": true, "input": true, "key": true, "hotkey": true,
	"sleep": true, "wait_for": true, "wait_mode": true, "wait_timeout": true,
	"wait_screen_regex": true, "wait_line_regex": true, "wait_stable": true,
	"assert_screen_regex": true, "assert_not_screen_regex": true,
	"expect_exit_code": true, "id": true, "timeout": true, "retries": true,
}

// ActionNode accepts either a bare string (treated as a command) or an action
// mapping. Unknown mapping keys are rejected at decode time so typos surface
// with the offending key name.
type ActionNode struct {
	Raw RawAction
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *ActionNode) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var cmd string
		if err := node.Decode(&cmd); err != nil {
			return err
		}
		a.Raw = RawAction{Command: cmd}
		return nil
	case yaml.MappingNode:
		for i := 0; i < len(node.Content); i += 2 {
			key := node.Content[i].Value
			if !rawActionKeys[key] {
				return fmt.Errorf("unknown action field %q", key)
			}
		}
		return node.Decode(&a.Raw)
	default:
		return fmt.Errorf("action must be a string or a mapping (line %d)", node.Line)
	}
}

// MarshalYAML round-trips the raw form.
func (a ActionNode) MarshalYAML() (any, error) {
	return a.Raw, nil
}

// ActionKind discriminates the normalized action variant.
type ActionKind string

const (
	KindCommand              ActionKind = "command"
	KindInput                ActionKind = "input"
	KindKey                  ActionKind = "key"
	KindHotkey               ActionKind = "hotkey"
	KindSleep                ActionKind = "sleep"
	KindWaitStable           ActionKind = "wait_stable"
	KindWaitFor              ActionKind = "wait_for"
	KindWaitScreenRegex      ActionKind = "wait_screen_regex"
	KindWaitLineRegex        ActionKind = "wait_line_regex"
	KindAssertScreenRegex    ActionKind = "assert_screen_regex"
	KindAssertNotScreenRegex ActionKind = "assert_not_screen_regex"
	KindExpectExitCode       ActionKind = "expect_exit_code"
)

// Action is the normalized, closed-sum representation of a single step
// operation. Exactly one payload group is meaningful per Kind.
type Action struct {
	Kind ActionKind

	// Step is the index of the source document action this op expanded from.
	// Events reference steps by this index.
	Step int

	Text     string        // command/input text, wait_for target, regex pattern
	Key      string        // key/hotkey token
	Duration time.Duration // sleep, wait_stable
	WaitMode WaitMode      // wait_for only
	ExitCode int           // expect_exit_code only

	ID      string
	Timeout time.Duration // 0 = no per-step override
	Retries int
}

// IsWait reports whether the op blocks on a sampled predicate.
func (a Action) IsWait() bool {
	switch a.Kind {
	case KindWaitFor, KindWaitScreenRegex, KindWaitLineRegex, KindWaitStable:
		return true
	}
	return false
}

// IsAssert reports whether the op is a point-in-time assertion.
func (a Action) IsAssert() bool {
	return a.Kind == KindAssertScreenRegex || a.Kind == KindAssertNotScreenRegex
}
