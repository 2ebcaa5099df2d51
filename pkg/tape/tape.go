// Package tape compiles a scenario into a directive program for the external
// headless terminal recorder (vhs). One tape per scenario; regex assertions
// that the recorder cannot express are returned as post-recording predicates
// evaluated against the recorder's text capture.
package tape

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tomallicino/terminal-demo-studio/pkg/schema"
)

// Postcheck is a predicate the scripted lane evaluates against the
// recorder's text capture after the scene renders.
type Postcheck struct {
	Step    int
	Pattern string
	Negate  bool
}

func escapeTypeText(text string) string {
	return strings.ReplaceAll(strings.ReplaceAll(text, `\`, `\\`), `"`, `\"`)
}

// formatType works around recorder parser edge cases with $ inside escaped
// double-quoted strings.
func formatType(text string) string {
	if strings.Contains(text, `"`) && strings.Contains(text, "$") && !strings.Contains(text, "'") {
		return fmt.Sprintf("Type '%s'", text)
	}
	return fmt.Sprintf(`Type "%s"`, escapeTypeText(text))
}

// escapeRegex turns literal target text into a recorder wait pattern. The
// recorder delimits patterns with slashes, so path separators become
// wildcards rather than terminators.
func escapeRegex(text string) string {
	parts := strings.Split(text, "/")
	escaped := make([]string, len(parts))
	for i, part := range parts {
		escaped[i] = regexp.QuoteMeta(part)
	}
	return strings.Join(escaped, ".*")
}

func regexWaitDirective(pattern string, line bool, timeout string) string {
	prefix := "Wait+Screen"
	if line {
		prefix = "Wait+Line"
	}
	if timeout != "" {
		prefix = fmt.Sprintf("%s@%s", prefix, timeout)
	}
	return fmt.Sprintf("%s /%s/", prefix, pattern)
}

// keyDirective maps normalized key tokens to recorder key words.
func keyDirective(token string) string {
	if strings.Contains(token, "+") {
		parts := strings.Split(token, "+")
		for i, part := range parts {
			parts[i] = titleToken(strings.TrimSpace(part))
		}
		return strings.Join(parts, "+")
	}
	return titleToken(strings.TrimSpace(token))
}

func titleToken(token string) string {
	lowered := strings.ToLower(token)
	switch lowered {
	case "esc", "escape":
		return "Escape"
	case "return", "enter":
		return "Enter"
	}
	if lowered == "" {
		return token
	}
	return strings.ToUpper(lowered[:1]) + lowered[1:]
}

func appendTyped(lines *[]string, text string, pressEnter bool) {
	chunks := strings.Split(text, "\n")
	if len(chunks) == 0 {
		chunks = []string{text}
	}
	for _, chunk := range chunks {
		*lines = append(*lines, formatType(chunk))
		if pressEnter {
			*lines = append(*lines, "Enter")
		}
	}
}

// promptSetupCommand builds the PS1 export for a styled shell prompt.
func promptSetupCommand(p *schema.PromptSettings) string {
	user := p.User
	if user == "" {
		user = "dev"
	}
	host := p.Host
	if host == "" {
		host = "workstation"
	}
	symbol := p.Symbol
	if symbol == "" {
		symbol = "%"
	}
	pathToken := "${PWD##*/}"
	if p.Path == "full" {
		pathToken = "${PWD}"
	}
	var ps1 string
	if p.Style == "venv" {
		env := p.Env
		if env == "" {
			env = ".venv"
		}
		ps1 = fmt.Sprintf("\\n(%s) %s@%s %s %s ", env, user, host, pathToken, symbol)
	} else {
		ps1 = fmt.Sprintf("\\n%s@%s %s %s ", user, host, pathToken, symbol)
	}
	escaped := strings.ReplaceAll(ps1, "'", `'"'"'`)
	return fmt.Sprintf("export PS1='%s'", escaped)
}

// Compile emits the directive program for one scenario. outputs lists the
// recorder output targets (the scene video, plus a .txt capture used for
// post-recording assertion checks). The returned postchecks cover regex
// assertions the recorder has no directive for.
func Compile(scenario *schema.Scenario, settings schema.Settings, outputs []string) (string, []Postcheck) {
	var lines []string
	for _, output := range outputs {
		lines = append(lines, fmt.Sprintf(`Output "%s"`, escapeTypeText(output)))
	}
	lines = append(lines,
		fmt.Sprintf("Set FontSize %d", settings.FontSize),
		fmt.Sprintf("Set Framerate %d", settings.Framerate),
		fmt.Sprintf("Set LineHeight %g", settings.LineHeight),
		fmt.Sprintf("Set LetterSpacing %d", settings.LetterSpacing),
		fmt.Sprintf("Set Width %d", settings.Width),
		fmt.Sprintf("Set Height %d", settings.Height),
		fmt.Sprintf(`Set Theme "%s"`, escapeTypeText(settings.Theme)),
		fmt.Sprintf("Set Padding %d", settings.Padding),
		fmt.Sprintf("Set Margin %d", settings.Margin),
		fmt.Sprintf(`Set MarginFill "%s"`, escapeTypeText(settings.MarginFill)),
		fmt.Sprintf("Set BorderRadius %d", settings.BorderRadius),
		fmt.Sprintf("Set CursorBlink %t", settings.CursorBlink),
		fmt.Sprintf("Set WindowBar %s", settings.WindowBar),
	)
	if settings.FontFamily != "" {
		lines = append(lines, fmt.Sprintf(`Set FontFamily "%s"`, escapeTypeText(settings.FontFamily)))
	}

	var setup []string
	if scenario.Prompt != nil {
		setup = append(setup, promptSetupCommand(scenario.Prompt))
	}
	setup = append(setup, scenario.Setup...)
	if len(setup) > 0 {
		lines = append(lines, "Hide")
		for _, command := range setup {
			appendTyped(&lines, command, true)
		}
		appendTyped(&lines, "clear", true)
		lines = append(lines, "Show")
	}

	var postchecks []Postcheck
	for _, op := range scenario.Ops {
		switch op.Kind {
		case schema.KindCommand:
			appendTyped(&lines, op.Text, true)
		case schema.KindInput:
			appendTyped(&lines, op.Text, false)
		case schema.KindKey, schema.KindHotkey:
			lines = append(lines, keyDirective(op.Key))
		case schema.KindSleep, schema.KindWaitStable:
			lines = append(lines, fmt.Sprintf("Sleep %s", durationLiteral(op.Duration)))
		case schema.KindWaitFor:
			lines = append(lines, waitForDirective(op))
		case schema.KindWaitScreenRegex:
			lines = append(lines, regexWaitDirective(op.Text, false, timeoutLiteral(op)))
		case schema.KindWaitLineRegex:
			lines = append(lines, regexWaitDirective(op.Text, true, timeoutLiteral(op)))
		case schema.KindAssertScreenRegex:
			// The recorder blocks on the pattern; the postcheck re-verifies
			// against the text capture so a rendered-then-scrolled match
			// still counts.
			lines = append(lines, regexWaitDirective(op.Text, false, ""))
			postchecks = append(postchecks, Postcheck{Step: op.Step, Pattern: op.Text})
		case schema.KindAssertNotScreenRegex:
			postchecks = append(postchecks, Postcheck{Step: op.Step, Pattern: op.Text, Negate: true})
		}
	}
	return strings.Join(lines, "\n") + "\n", postchecks
}

func waitForDirective(op schema.Action) string {
	prefix := map[schema.WaitMode]string{
		schema.WaitDefault: "Wait",
		schema.WaitScreen:  "Wait+Screen",
		schema.WaitLine:    "Wait+Line",
	}[op.WaitMode]
	if d := waitDeadline(op); d > 0 {
		prefix = fmt.Sprintf("%s@%s", prefix, durationLiteral(d))
	}
	return fmt.Sprintf("%s /%s/", prefix, escapeRegex(op.Text))
}

// waitDeadline is the effective wait deadline: the step-level timeout when
// set, else wait_timeout. Matches the precedence the other lanes apply.
func waitDeadline(op schema.Action) time.Duration {
	if op.Timeout > 0 {
		return op.Timeout
	}
	return op.Duration
}

// durationLiteral renders a duration in the recorder's grammar, preferring
// whole seconds.
func durationLiteral(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int64(d/time.Second))
	}
	return fmt.Sprintf("%dms", int64(d/time.Millisecond))
}

func timeoutLiteral(op schema.Action) string {
	if d := waitDeadline(op); d > 0 {
		return durationLiteral(d)
	}
	return ""
}
