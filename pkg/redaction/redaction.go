// Package redaction prevents sensitive values from appearing in recorded
// media and in failure artifacts. Failure-artifact redaction is always on
// regardless of the media mode.
package redaction

import (
	"os"
	"regexp"
	"strings"

	"github.com/tomallicino/terminal-demo-studio/pkg/schema"
)

// Placeholder replaces every sensitive span. Replacement is full-span and
// idempotent: redacting twice equals redacting once.
const Placeholder = "[REDACTED]"

// MediaMode selects how recorded media is masked.
type MediaMode string

const (
	MediaAuto      MediaMode = "auto"
	MediaOff       MediaMode = "off"
	MediaInputLine MediaMode = "input_line"
)

// sensitiveEnvNames are well-known credential-bearing variables whose values
// feed the redaction set when present in the environment.
var sensitiveEnvNames = []string{
	"OPENAI_API_KEY",
	"OPENAI_ORGANIZATION",
	"OPENAI_BASE_URL",
	"ANTHROPIC_API_KEY",
	"GOOGLE_API_KEY",
	"GITHUB_TOKEN",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
}

// sensitivePatterns match common token shapes regardless of origin.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`),
}

// sensitiveHintTerms flag action text that handles credentials.
var sensitiveHintTerms = []string{
	"api_key", "apikey", "token", "secret", "password", "passwd",
}

// DefaultNameSuffixes is the conservative set of token-like variable name
// suffixes whose values are auto-redacted.
var DefaultNameSuffixes = []string{"_API_KEY", "_TOKEN", "_SECRET"}

// Redactor holds the value set and token patterns for one run.
type Redactor struct {
	values   []string
	patterns []*regexp.Regexp
}

// Option adjusts Redactor construction.
type Option func(*options)

type options struct {
	nameSuffixes []string
	env          func(string) string
}

// WithNameSuffixes overrides the token-like variable name suffix set.
func WithNameSuffixes(suffixes []string) Option {
	return func(o *options) { o.nameSuffixes = suffixes }
}

// WithEnvLookup overrides environment access, for tests.
func WithEnvLookup(fn func(string) string) Option {
	return func(o *options) { o.env = fn }
}

// New builds a redactor from the screenplay's declared variables plus the
// well-known environment names. Short values (<6 bytes) are skipped: they
// would mask ordinary words.
func New(variables map[string]any, opts ...Option) *Redactor {
	o := options{nameSuffixes: DefaultNameSuffixes, env: os.Getenv}
	for _, opt := range opts {
		opt(&o)
	}

	var values []string
	for name, value := range variables {
		if !nameLooksSensitive(name, o.nameSuffixes) {
			continue
		}
		if s, ok := value.(string); ok && len(s) >= 6 {
			values = append(values, s)
		}
	}
	for _, name := range sensitiveEnvNames {
		if v := o.env(name); len(v) >= 6 {
			values = append(values, v)
		}
	}
	return &Redactor{values: values, patterns: sensitivePatterns}
}

func nameLooksSensitive(name string, suffixes []string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range suffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

// Redact replaces every occurrence of a sensitive value or token shape with
// the placeholder.
func (r *Redactor) Redact(text string) string {
	out := text
	for _, value := range r.values {
		out = strings.ReplaceAll(out, value, Placeholder)
	}
	for _, pattern := range r.patterns {
		out = pattern.ReplaceAllString(out, Placeholder)
	}
	return out
}

// TextContainsSensitive reports whether action text handles credentials,
// either by hint term, by containing a known value, or by token shape.
func (r *Redactor) TextContainsSensitive(text string) bool {
	lowered := strings.ToLower(text)
	for _, term := range sensitiveHintTerms {
		if strings.Contains(lowered, term) {
			return true
		}
	}
	for _, value := range r.values {
		if strings.Contains(text, value) {
			return true
		}
	}
	for _, pattern := range r.patterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// ScreenplayHasSensitiveActions scans command and input text across all
// scenarios.
func (r *Redactor) ScreenplayHasSensitiveActions(sp *schema.Screenplay) bool {
	for i := range sp.Scenarios {
		for _, op := range sp.Scenarios[i].Ops {
			switch op.Kind {
			case schema.KindCommand, schema.KindInput:
				if r.TextContainsSensitive(op.Text) {
					return true
				}
			}
		}
	}
	return false
}

// ResolveMediaMode turns a requested mode into an effective one. "auto"
// enables input-line masking only when the screenplay handles something
// sensitive.
func (r *Redactor) ResolveMediaMode(sp *schema.Screenplay, requested MediaMode) MediaMode {
	switch requested {
	case MediaOff, MediaInputLine:
		return requested
	}
	if r.ScreenplayHasSensitiveActions(sp) {
		return MediaInputLine
	}
	return MediaOff
}
