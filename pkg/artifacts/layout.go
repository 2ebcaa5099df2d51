// Package artifacts creates and maintains the canonical run directory:
// manifest, summary, per-step event log, media locations, and the failure
// bundle. The run directory is the unit of isolation; nothing outside this
// package mutates it.
package artifacts

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tomallicino/terminal-demo-studio/pkg/schema"
)

// RunsDirName is the stable directory under the run root that collects runs.
const RunsDirName = ".terminal_demo_studio_runs"

// Lane identifies the executing lane in artifacts.
type Lane string

const (
	LaneScripted    Lane = "scripted"
	LaneInteractive Lane = "interactive"
	LaneVisual      Lane = "visual"
)

// RunLayout is the canonical per-run directory tree, identical across lanes.
type RunLayout struct {
	RunID        string
	Lane         Lane
	CreatedAt    time.Time
	RunDir       string
	ManifestPath string
	SummaryPath  string
	MediaDir     string
	ScenesDir    string
	TapesDir     string
	RuntimeDir   string
	FailureDir   string
	TmpDir       string
}

// NewRunID returns a URL-safe run identifier of at least 12 characters.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewRunLayout creates the run directory tree under root (the screenplay's
// directory unless an output dir was requested). The failure directory is
// created lazily, only on failure.
func NewRunLayout(root string, lane Lane) (*RunLayout, error) {
	runID := NewRunID()
	runDir := filepath.Join(root, RunsDirName, "run-"+runID)
	layout := &RunLayout{
		RunID:        runID,
		Lane:         lane,
		CreatedAt:    time.Now(),
		RunDir:       runDir,
		ManifestPath: filepath.Join(runDir, "manifest.json"),
		SummaryPath:  filepath.Join(runDir, "summary.json"),
		MediaDir:     filepath.Join(runDir, "media"),
		ScenesDir:    filepath.Join(runDir, "scenes"),
		TapesDir:     filepath.Join(runDir, "tapes"),
		RuntimeDir:   filepath.Join(runDir, "runtime"),
		FailureDir:   filepath.Join(runDir, "failure"),
		TmpDir:       filepath.Join(runDir, "tmp"),
	}
	for _, dir := range []string{layout.MediaDir, layout.ScenesDir, layout.TapesDir, layout.RuntimeDir, layout.TmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create run directory: %w", err)
		}
	}
	return layout, nil
}

// EventsPath is the JSONL event log location (interactive and visual lanes).
func (l *RunLayout) EventsPath() string {
	return filepath.Join(l.RuntimeDir, "events.jsonl")
}

// ScenePath returns the per-scene video path.
func (l *RunLayout) ScenePath(index int) string {
	return filepath.Join(l.ScenesDir, fmt.Sprintf("scene_%d.mp4", index))
}

// TapePath returns the per-scene tape path (scripted lane only).
func (l *RunLayout) TapePath(index int) string {
	return filepath.Join(l.TapesDir, fmt.Sprintf("scene_%d.tape", index))
}

// writeFileAtomic writes data to path via write-then-rename.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Manifest records what produced this run.
type Manifest struct {
	RunID        string            `json:"run_id"`
	Lane         Lane              `json:"lane"`
	Screenplay   string            `json:"screenplay"`
	InputDigest  string            `json:"input_digest"`
	Command      string            `json:"command"`
	Settings     schema.Settings   `json:"settings"`
	ToolVersions map[string]string `json:"tool_versions"`
	CreatedAt    string            `json:"created_at"`
}

// WriteManifest hashes the input document and writes the manifest atomically.
func (l *RunLayout) WriteManifest(screenplayPath, command string, settings schema.Settings, tools []string) error {
	digest, err := fileDigest(screenplayPath)
	if err != nil {
		return fmt.Errorf("digest screenplay: %w", err)
	}
	m := Manifest{
		RunID:        l.RunID,
		Lane:         l.Lane,
		Screenplay:   screenplayPath,
		InputDigest:  digest,
		Command:      command,
		Settings:     settings,
		ToolVersions: probeToolVersions(tools),
		CreatedAt:    time.Now().UTC().Format("20060102T150405Z"),
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return writeFileAtomic(l.ManifestPath, data)
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

// probeToolVersions asks each tool for --version, recording "unavailable"
// when the binary is missing or unresponsive.
func probeToolVersions(tools []string) map[string]string {
	versions := make(map[string]string, len(tools))
	for _, tool := range tools {
		out, err := exec.Command(tool, "--version").Output()
		if err != nil {
			versions[tool] = "unavailable"
			continue
		}
		line := strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)[0]
		versions[tool] = line
	}
	return versions
}

// Summary is the terminal record of a run.
type Summary struct {
	RunID          string            `json:"run_id"`
	Lane           Lane              `json:"lane"`
	Status         string            `json:"status"` // success | failed
	Screenplay     string            `json:"screenplay"`
	Playback       string            `json:"playback,omitempty"`
	MediaRedaction string            `json:"media_redaction,omitempty"`
	Media          map[string]string `json:"media,omitempty"` // gif/mp4 → path
	Scenes         []string          `json:"scenes,omitempty"`
	Events         string            `json:"events,omitempty"`
	Scenarios      []ScenarioResult  `json:"scenarios,omitempty"`
	StartedAt      string            `json:"started_at"`
	FinishedAt     string            `json:"finished_at"`
	FailedScenario string            `json:"failed_scenario,omitempty"`
	FailedStep     *int              `json:"failed_step_index,omitempty"`
	FailedAction   string            `json:"failed_action,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	FailureDir     string            `json:"failure_dir,omitempty"`
}

// ScenarioResult is one scenario's terminal state and timing.
type ScenarioResult struct {
	Label      string `json:"label"`
	Status     string `json:"status"` // passed | failed
	DurationMS int64  `json:"duration_ms"`
}

// WriteSummary writes the summary atomically.
func (l *RunLayout) WriteSummary(s *Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	return writeFileAtomic(l.SummaryPath, data)
}
