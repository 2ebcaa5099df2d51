package compose

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tomallicino/terminal-demo-studio/pkg/redaction"
)

// captureComposer records ffmpeg invocations instead of running them.
func captureComposer(drawtext bool) (*Composer, *[][]string) {
	var calls [][]string
	c := &Composer{
		RunCommand: func(argv []string) error {
			calls = append(calls, argv)
			return nil
		},
		ProbeDuration: func(string) (float64, error) { return 3.0, nil },
		HasDrawtext:   func() bool { return drawtext },
	}
	return c, &calls
}

func findFilter(t *testing.T, argv []string) string {
	t.Helper()
	for i, arg := range argv {
		if arg == "-filter_complex" && i+1 < len(argv) {
			return argv[i+1]
		}
	}
	t.Fatalf("no -filter_complex in %v", argv)
	return ""
}

func TestComposeSequential(t *testing.T) {
	c, calls := captureComposer(true)
	scratch := t.TempDir()
	err := c.Compose(Options{
		Inputs:     []string{"a.mp4", "b.mp4"},
		Labels:     []string{"Before", "After"},
		OutputMP4:  filepath.Join(scratch, "out.mp4"),
		Playback:   PlaybackSequential,
		Redaction:  redaction.MediaOff,
		ScratchDir: scratch,
	})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(*calls) != 1 {
		t.Fatalf("expected 1 ffmpeg call, got %d", len(*calls))
	}
	filter := findFilter(t, (*calls)[0])
	if !strings.Contains(filter, "concat=n=2:v=1:a=0[vout]") {
		t.Errorf("concat stage missing: %s", filter)
	}
	if !strings.Contains(filter, "fade=t=in:st=0:d=0.3") {
		t.Errorf("deterministic transition missing: %s", filter)
	}
	if strings.Count(filter, "fade=") != 1 {
		t.Errorf("only scenes after the first fade in: %s", filter)
	}
	if !strings.Contains(filter, "drawtext=text='Before'") {
		t.Errorf("label band missing: %s", filter)
	}
}

func TestComposeSimultaneousAlignment(t *testing.T) {
	c, calls := captureComposer(true)
	scratch := t.TempDir()
	err := c.Compose(Options{
		Inputs:     []string{"a.mp4", "b.mp4"},
		Labels:     []string{"L", "R"},
		OutputMP4:  filepath.Join(scratch, "out.mp4"),
		Playback:   PlaybackSimultaneous,
		Redaction:  redaction.MediaOff,
		ScratchDir: scratch,
	})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	filter := findFilter(t, (*calls)[0])
	if !strings.Contains(filter, "color=c="+backgroundColor) {
		t.Errorf("canvas missing: %s", filter)
	}
	// Panes freeze their last frame; the probed maximum bounds the canvas.
	if !strings.Contains(filter, "eof_action=repeat") {
		t.Errorf("pane freeze missing: %s", filter)
	}
	if !strings.Contains(filter, ":d=3.000") {
		t.Errorf("longest-input canvas bound missing: %s", filter)
	}
}

func TestComposeGIFTwoPass(t *testing.T) {
	c, calls := captureComposer(true)
	scratch := t.TempDir()
	err := c.Compose(Options{
		Inputs:     []string{"a.mp4"},
		Labels:     []string{""},
		OutputMP4:  filepath.Join(scratch, "out.mp4"),
		OutputGIF:  filepath.Join(scratch, "out.gif"),
		Playback:   PlaybackSequential,
		ScratchDir: scratch,
	})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(*calls) != 3 {
		t.Fatalf("expected mp4 + palettegen + paletteuse, got %d calls", len(*calls))
	}
	if !strings.Contains(strings.Join((*calls)[1], " "), "palettegen") {
		t.Errorf("palette pass missing: %v", (*calls)[1])
	}
	if !strings.Contains(strings.Join((*calls)[2], " "), "paletteuse") {
		t.Errorf("gif pass missing: %v", (*calls)[2])
	}
}

func TestHeaderOmittedWithoutRenderer(t *testing.T) {
	c, calls := captureComposer(false)
	scratch := t.TempDir()
	// Badge rendering works in pure Go, so force the no-renderer path by
	// having no labels at all.
	err := c.Compose(Options{
		Inputs:     []string{"a.mp4"},
		Labels:     []string{"  "},
		OutputMP4:  filepath.Join(scratch, "out.mp4"),
		Playback:   PlaybackSequential,
		ScratchDir: scratch,
	})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	filter := findFilter(t, (*calls)[0])
	if strings.Contains(filter, "drawtext") || strings.Contains(filter, "pad=") {
		t.Errorf("blank labels must omit the header band: %s", filter)
	}
}

func TestOverlayFallbackUsesBadges(t *testing.T) {
	c, calls := captureComposer(false)
	scratch := t.TempDir()
	err := c.Compose(Options{
		Inputs:     []string{"a.mp4"},
		Labels:     []string{"Scene"},
		OutputMP4:  filepath.Join(scratch, "out.mp4"),
		Playback:   PlaybackSequential,
		ScratchDir: scratch,
	})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if _, err := os.Stat(filepath.Join(scratch, "label_0.png")); err != nil {
		t.Errorf("badge not rendered: %v", err)
	}
	filter := findFilter(t, (*calls)[0])
	if !strings.Contains(filter, "overlay=") {
		t.Errorf("badge overlay missing: %s", filter)
	}
	if strings.Contains(filter, "drawtext") {
		t.Errorf("drawtext must not appear without support: %s", filter)
	}
}

func TestInputLineRedactionMask(t *testing.T) {
	c, calls := captureComposer(true)
	scratch := t.TempDir()
	err := c.Compose(Options{
		Inputs:     []string{"a.mp4"},
		Labels:     []string{""},
		OutputMP4:  filepath.Join(scratch, "out.mp4"),
		Playback:   PlaybackSequential,
		Redaction:  redaction.MediaInputLine,
		ScratchDir: scratch,
	})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	filter := findFilter(t, (*calls)[0])
	if !strings.Contains(filter, "drawbox=x=0:y=ih-64") {
		t.Errorf("input-line mask missing: %s", filter)
	}
}

func TestComposeRequiresInputs(t *testing.T) {
	c, _ := captureComposer(true)
	if err := c.Compose(Options{OutputMP4: "x.mp4"}); err == nil {
		t.Error("empty inputs must error")
	}
	if err := c.Compose(Options{Inputs: []string{"a.mp4"}}); err == nil {
		t.Error("missing mp4 output must error")
	}
}

func TestRenderLabelBadge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "badge.png")
	if err := RenderLabelBadge("Deploy to production", path, 500); err != nil {
		t.Fatalf("render: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		t.Fatalf("badge file: %v", err)
	}
}

func TestTruncateLabel(t *testing.T) {
	long := strings.Repeat("scenario ", 20)
	got := truncateLabel(long, 3)
	if len(got) >= len(long) {
		t.Errorf("long label not truncated: %q", got)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("truncation marker missing: %q", got)
	}
	if truncateLabel("short", 1) != "short" {
		t.Error("short label must pass through")
	}
}
