package schema

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tomallicino/terminal-demo-studio/pkg/interpolate"
)

// LoadOptions controls document loading.
type LoadOptions struct {
	// TmpDir is the directory substituted for the system-provided {tmp_dir}
	// variable. When empty a fresh directory is created under the OS temp
	// root; the dispatcher passes a run-scoped directory instead.
	TmpDir string
}

// Load decodes a screenplay document, resolves the declared variables (plus
// the system-provided tmp_dir), and interpolates {name} tokens. The returned
// screenplay is structurally decoded but not yet validated or normalized.
func Load(data []byte, opts LoadOptions) (*Screenplay, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse screenplay: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("screenplay must be a YAML mapping")
	}

	variables, _ := raw["variables"].(map[string]any)
	if raw["variables"] != nil && variables == nil {
		return nil, fmt.Errorf("variables: must be a mapping of name to value")
	}
	merged := make(map[string]any, len(variables)+1)
	for k, v := range variables {
		merged[k] = v
	}
	if _, ok := merged["tmp_dir"]; !ok {
		tmpDir := opts.TmpDir
		if tmpDir == "" {
			dir, err := os.MkdirTemp("", "terminal-demo-studio-")
			if err != nil {
				return nil, fmt.Errorf("create tmp_dir: %w", err)
			}
			tmpDir = dir
		}
		merged["tmp_dir"] = tmpDir
	}

	resolved, err := interpolate.ResolveVariables(merged)
	if err != nil {
		return nil, err
	}
	raw["variables"] = resolved

	interpolated, err := interpolate.Apply(raw, resolved)
	if err != nil {
		return nil, err
	}

	// Round-trip through YAML so the strict decoder sees the interpolated
	// document and rejects unknown keys with their names.
	buf, err := yaml.Marshal(interpolated)
	if err != nil {
		return nil, fmt.Errorf("re-encode screenplay: %w", err)
	}
	sp := &Screenplay{Settings: DefaultSettings()}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(sp); err != nil {
		return nil, fmt.Errorf("decode screenplay: %w", err)
	}
	applySettingsDefaults(&sp.Settings)
	return sp, nil
}

// LoadFile reads and loads a screenplay from disk.
func LoadFile(path string, opts LoadOptions) (*Screenplay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read screenplay: %w", err)
	}
	return Load(data, opts)
}

// applySettingsDefaults fills zero-valued visual settings so a partial
// settings block inherits the defaults key by key.
func applySettingsDefaults(s *Settings) {
	d := DefaultSettings()
	if s.Width == 0 {
		s.Width = d.Width
	}
	if s.Height == 0 {
		s.Height = d.Height
	}
	if s.FontSize == 0 {
		s.FontSize = d.FontSize
	}
	if s.Theme == "" {
		s.Theme = d.Theme
	}
	if s.Padding == 0 {
		s.Padding = d.Padding
	}
	if s.Margin == 0 {
		s.Margin = d.Margin
	}
	if s.MarginFill == "" {
		s.MarginFill = d.MarginFill
	}
	if s.BorderRadius == 0 {
		s.BorderRadius = d.BorderRadius
	}
	if s.WindowBar == "" {
		s.WindowBar = d.WindowBar
	}
	if s.Framerate == 0 {
		s.Framerate = d.Framerate
	}
	if s.LineHeight == 0 {
		s.LineHeight = d.LineHeight
	}
}
