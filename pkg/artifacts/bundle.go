package artifacts

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tomallicino/terminal-demo-studio/pkg/failure"
	"github.com/tomallicino/terminal-demo-studio/pkg/redaction"
)

// WriteFailureBundle materializes the failure/ directory: redacted reason,
// redacted final screen snapshot, the offending step payload, and any extra
// process logs (redacted). Value redaction is unconditional here — the media
// mode never weakens failure artifacts.
func (l *RunLayout) WriteFailureBundle(ferr *failure.Error, screenText string, red *redaction.Redactor, extraLogs map[string]string) error {
	if err := os.MkdirAll(l.FailureDir, 0o755); err != nil {
		return fmt.Errorf("create failure dir: %w", err)
	}

	reason := ferr.Reason
	if ferr.Kind == failure.KindTimeout {
		reason = "timed_out: " + reason
	}
	reason = red.Redact(reason)
	if err := os.WriteFile(filepath.Join(l.FailureDir, "reason.txt"), []byte(reason+"\n"), 0o644); err != nil {
		return fmt.Errorf("write reason: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.FailureDir, "screen.txt"), []byte(red.Redact(screenText)), 0o644); err != nil {
		return fmt.Errorf("write screen: %w", err)
	}

	if ferr.Step >= 0 || ferr.Scenario != "" {
		payload := map[string]any{
			"scenario":   ferr.Scenario,
			"step_index": ferr.Step,
			"action":     ferr.Action,
			"kind":       string(ferr.Kind),
			"reason":     reason,
		}
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal step payload: %w", err)
		}
		if err := os.WriteFile(filepath.Join(l.FailureDir, "step.json"), data, 0o644); err != nil {
			return fmt.Errorf("write step payload: %w", err)
		}
	}

	for name, path := range extraLogs {
		if err := copyRedacted(path, filepath.Join(l.FailureDir, name), red); err != nil {
			// Missing process logs are not themselves a failure.
			continue
		}
	}
	return nil
}

func copyRedacted(src, dst string, red *redaction.Redactor) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, 4*1024*1024))
	if err != nil {
		return err
	}
	return os.WriteFile(dst, []byte(red.Redact(string(data))), 0o644)
}

// HasFailureBundle reports whether the failure directory was written.
func (l *RunLayout) HasFailureBundle() bool {
	info, err := os.Stat(l.FailureDir)
	return err == nil && info.IsDir()
}
