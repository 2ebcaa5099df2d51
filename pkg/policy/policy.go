// Package policy mediates interactive approval prompts during autonomous
// capture. The decision function is pure: it owns no timers and no I/O — the
// lane runtime samples the screen and dispatches keys.
package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tomallicino/terminal-demo-studio/pkg/schema"
)

// DefaultPromptRegex detects the stock confirm prompt used by the bundled
// mock TUIs when a screenplay declares no prompt_regex of its own.
const DefaultPromptRegex = "Press enter to confirm or esc to cancel"

// DefaultMaxRounds bounds the approval loop when the document leaves
// max_rounds unset.
const DefaultMaxRounds = 3

// Verdict is the outcome of one policy decision.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictDeny    Verdict = "deny"
	VerdictSkip    Verdict = "skip"
	VerdictAbort   Verdict = "abort"
)

// Decision carries the verdict, the key to dispatch for approve/deny, and
// the abort reason when the run must fail.
type Decision struct {
	Verdict Verdict
	Key     string
	Reason  string
}

// Merged is the effective prompt policy for one scenario: declared layers
// merged, defaults applied, regexes compiled.
type Merged struct {
	Mode                   string
	PromptRegex            *regexp.Regexp
	AllowRegex             *regexp.Regexp
	AllowedCommandPrefixes []string
	MaxRounds              int
	ApproveKey             string
	DenyKey                string
}

// MergeDeclared overlays the scenario policy over the screenplay policy
// field by field, without applying runtime defaults. Lint works on this
// shape so it reports what the document actually says.
func MergeDeclared(base, override *schema.PromptPolicy) schema.PromptPolicy {
	var merged schema.PromptPolicy
	for _, layer := range []*schema.PromptPolicy{base, override} {
		if layer == nil {
			continue
		}
		if layer.Mode != "" {
			merged.Mode = layer.Mode
		}
		if layer.PromptRegex != "" {
			merged.PromptRegex = layer.PromptRegex
		}
		if layer.AllowRegex != "" {
			merged.AllowRegex = layer.AllowRegex
		}
		if len(layer.AllowedCommandPrefixes) > 0 {
			merged.AllowedCommandPrefixes = layer.AllowedCommandPrefixes
		}
		if layer.MaxRounds != 0 {
			merged.MaxRounds = layer.MaxRounds
		}
		if layer.ApproveKey != "" {
			merged.ApproveKey = layer.ApproveKey
		}
		if layer.DenyKey != "" {
			merged.DenyKey = layer.DenyKey
		}
	}
	return merged
}

// Resolve produces the effective runtime policy for a scenario. Precedence,
// lowest to highest: defaults, screenplay policy, scenario policy, envMode
// (TDS_AGENT_PROMPTS), overrideMode (--agent-prompts). "auto" for either
// override means inherit.
func Resolve(base, override *schema.PromptPolicy, envMode, overrideMode string) (*Merged, error) {
	declared := MergeDeclared(base, override)

	mode := declared.Mode
	if mode == "" {
		mode = "manual"
	}
	if envMode != "" && envMode != "auto" {
		mode = envMode
	}
	if overrideMode != "" && overrideMode != "auto" {
		mode = overrideMode
	}
	switch mode {
	case "manual", "approve", "deny":
	default:
		return nil, fmt.Errorf("unknown agent prompt mode %q", mode)
	}

	promptPattern := declared.PromptRegex
	if promptPattern == "" {
		promptPattern = DefaultPromptRegex
	}
	promptRe, err := regexp.Compile("(?m)" + promptPattern)
	if err != nil {
		return nil, fmt.Errorf("prompt_regex: %w", err)
	}

	var allowRe *regexp.Regexp
	if declared.AllowRegex != "" {
		allowRe, err = regexp.Compile("(?m)" + declared.AllowRegex)
		if err != nil {
			return nil, fmt.Errorf("allow_regex: %w", err)
		}
	}

	maxRounds := declared.MaxRounds
	if maxRounds == 0 {
		maxRounds = DefaultMaxRounds
	}
	approveKey := declared.ApproveKey
	if approveKey == "" {
		approveKey = "enter"
	}
	denyKey := declared.DenyKey
	if denyKey == "" {
		denyKey = "escape"
	}

	return &Merged{
		Mode:                   mode,
		PromptRegex:            promptRe,
		AllowRegex:             allowRe,
		AllowedCommandPrefixes: declared.AllowedCommandPrefixes,
		MaxRounds:              maxRounds,
		ApproveKey:             approveKey,
		DenyKey:                denyKey,
	}, nil
}

// Decide evaluates one sampling tick. Inputs are the current screen
// snapshot, the text of the last dispatched Command action (empty if none),
// the merged policy, and the number of approve/deny rounds already spent.
func Decide(screen, lastCommand string, m *Merged, round int) Decision {
	if m == nil || m.PromptRegex == nil {
		return Decision{Verdict: VerdictSkip}
	}
	if !m.PromptRegex.MatchString(screen) {
		return Decision{Verdict: VerdictSkip}
	}
	if round >= m.MaxRounds {
		return Decision{Verdict: VerdictAbort, Reason: "prompt loop exceeded max_rounds"}
	}
	switch m.Mode {
	case "manual":
		return Decision{Verdict: VerdictAbort, Reason: "manual mode cannot auto-confirm prompt"}
	case "deny":
		return Decision{Verdict: VerdictDeny, Key: m.DenyKey}
	case "approve":
		if m.AllowRegex == nil || !m.AllowRegex.MatchString(screen) {
			return Decision{Verdict: VerdictAbort, Reason: "approve policy did not match allow_regex"}
		}
		if len(m.AllowedCommandPrefixes) > 0 {
			if !hasAllowedPrefix(lastCommand, m.AllowedCommandPrefixes) {
				return Decision{Verdict: VerdictAbort, Reason: "last command did not match allowed_command_prefixes"}
			}
		}
		return Decision{Verdict: VerdictApprove, Key: m.ApproveKey}
	}
	return Decision{Verdict: VerdictSkip}
}

func hasAllowedPrefix(command string, prefixes []string) bool {
	if command == "" {
		return false
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(command, prefix) {
			return true
		}
	}
	return false
}

// Tracker implements the re-arm contract: after a dispatched key the policy
// stays quiet until the prompt regex stops matching or the screen content
// changes on a later tick.
type Tracker struct {
	actedScreen string
	acted       bool
}

// ShouldConsult reports whether Decide may fire for this screen.
func (t *Tracker) ShouldConsult(screen string, m *Merged) bool {
	if !t.acted {
		return true
	}
	if m == nil || m.PromptRegex == nil || !m.PromptRegex.MatchString(screen) {
		t.acted = false
		return true
	}
	if screen != t.actedScreen {
		t.acted = false
		return true
	}
	return false
}

// MarkActed records that a key was dispatched against this screen.
func (t *Tracker) MarkActed(screen string) {
	t.acted = true
	t.actedScreen = screen
}

// unboundedAllowPatterns are literal spellings of a match-anything regex.
var unboundedAllowPatterns = map[string]bool{
	".*": true, "^.*$": true, "(?s).*": true,
	".+": true, "^.+$": true,
	`[\s\S]*`: true, `[\s\S]+`: true,
}

// LooksUnboundedAllowRegex reports whether the pattern is equivalent to
// match-all and therefore approves anything.
func LooksUnboundedAllowRegex(pattern string) bool {
	return unboundedAllowPatterns[strings.TrimSpace(pattern)]
}
