package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Triage is a diagnosis assembled purely from run artifacts, for `tds debug`.
type Triage struct {
	RunDir         string   `json:"run_dir"`
	Status         string   `json:"status"`
	Lane           string   `json:"lane"`
	FailedScenario string   `json:"failed_scenario,omitempty"`
	FailedStep     *int     `json:"failed_step_index,omitempty"`
	FailedAction   string   `json:"failed_action,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	FailureFiles   []string          `json:"failure_files,omitempty"`
	LastEvents     []Event           `json:"last_events,omitempty"`
	Media          map[string]string `json:"media,omitempty"`
}

// TriageRun reads a run directory and assembles a triage summary. It fails
// only when the directory has no readable summary.
func TriageRun(runDir string) (*Triage, error) {
	summaryPath := filepath.Join(runDir, "summary.json")
	data, err := os.ReadFile(summaryPath)
	if err != nil {
		return nil, fmt.Errorf("read summary: %w", err)
	}
	var summary Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("parse summary: %w", err)
	}

	tr := &Triage{
		RunDir:         runDir,
		Status:         summary.Status,
		Lane:           string(summary.Lane),
		FailedScenario: summary.FailedScenario,
		FailedStep:     summary.FailedStep,
		FailedAction:   summary.FailedAction,
		Reason:         summary.Reason,
		Media:          summary.Media,
	}

	failureDir := filepath.Join(runDir, "failure")
	if entries, err := os.ReadDir(failureDir); err == nil {
		for _, entry := range entries {
			tr.FailureFiles = append(tr.FailureFiles, filepath.Join(failureDir, entry.Name()))
		}
		if tr.Reason == "" {
			if data, err := os.ReadFile(filepath.Join(failureDir, "reason.txt")); err == nil {
				tr.Reason = strings.TrimSpace(string(data))
			}
		}
	}

	eventsPath := filepath.Join(runDir, "runtime", "events.jsonl")
	if events, err := ReadEvents(eventsPath); err == nil && len(events) > 0 {
		tail := 10
		if len(events) < tail {
			tail = len(events)
		}
		tr.LastEvents = events[len(events)-tail:]
	}
	return tr, nil
}

// Render formats the triage for operators.
func (t *Triage) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run: %s\n", t.RunDir)
	fmt.Fprintf(&b, "Status: %s (lane %s)\n", t.Status, t.Lane)
	if t.Status != "success" {
		if t.FailedScenario != "" {
			step := "-"
			if t.FailedStep != nil {
				step = fmt.Sprintf("%d", *t.FailedStep)
			}
			fmt.Fprintf(&b, "Failed: scenario %q step %s (%s)\n", t.FailedScenario, step, t.FailedAction)
		}
		if t.Reason != "" {
			fmt.Fprintf(&b, "Reason: %s\n", t.Reason)
		}
		for _, f := range t.FailureFiles {
			fmt.Fprintf(&b, "  bundle: %s\n", f)
		}
	}
	for kind, path := range t.Media {
		fmt.Fprintf(&b, "Media (%s): %s\n", kind, path)
	}
	if len(t.LastEvents) > 0 {
		fmt.Fprintf(&b, "Last events:\n")
		for _, e := range t.LastEvents {
			fmt.Fprintf(&b, "  #%d scenario=%d step=%d %s\n", e.Seq, e.Scenario, e.Step, e.Kind)
		}
	}
	return b.String()
}
