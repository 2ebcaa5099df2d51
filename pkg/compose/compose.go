// Package compose produces final media from per-scene videos via ffmpeg:
// sequential concatenation with a deterministic fade, or simultaneous
// side-by-side playback aligned to the longest scene. A header band carries
// scene labels when a renderer is available.
package compose

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tomallicino/terminal-demo-studio/pkg/redaction"
)

// PlaybackMode selects the final timeline shape.
type PlaybackMode string

const (
	PlaybackSequential   PlaybackMode = "sequential"
	PlaybackSimultaneous PlaybackMode = "simultaneous"
)

// Canvas constants shared by both layouts.
const (
	targetHeight    = 840
	frameRate       = 30
	canvasMargin    = 36
	headerHeight    = 92
	paneGap         = 56
	backgroundColor = "0x11111B"
	headerColor     = "0x181825@0.96"
	headerRuleColor = "0x313244@0.9"
	labelTextColor  = "0xCDD6F4"
	labelBoxColor   = "0x0F172A@0.88"
)

// LabelRenderer names how labels reach the header band.
type LabelRenderer string

const (
	RendererDrawtext LabelRenderer = "drawtext"
	RendererOverlay  LabelRenderer = "image_overlay"
	RendererNone     LabelRenderer = "none"
)

// Composer drives ffmpeg/ffprobe. The exec hooks are replaceable in tests.
type Composer struct {
	RunCommand    func(argv []string) error
	ProbeDuration func(path string) (float64, error)
	HasDrawtext   func() bool
}

// NewComposer wires the default process runners.
func NewComposer() *Composer {
	return &Composer{
		RunCommand:    runCommand,
		ProbeDuration: probeDuration,
		HasDrawtext:   detectDrawtext,
	}
}

func runCommand(argv []string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w\n%s", argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

func probeDuration(path string) (float64, error) {
	out, err := exec.Command(
		"ffprobe", "-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: parse duration: %w", path, err)
	}
	return value, nil
}

func detectDrawtext() bool {
	out, err := exec.Command("ffmpeg", "-hide_banner", "-filters").CombinedOutput()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), "drawtext")
}

// Options describes one composition job.
type Options struct {
	Inputs    []string
	Labels    []string
	OutputMP4 string
	OutputGIF string // empty = no gif
	Playback  PlaybackMode
	Redaction redaction.MediaMode
	// ScratchDir holds palette and badge intermediates; caller owns cleanup.
	ScratchDir string
}

// resolveLabelRenderer picks drawtext when ffmpeg supports it, the PNG badge
// overlay otherwise, and no band at all when badge rendering fails too.
func (c *Composer) resolveLabelRenderer(labels []string) LabelRenderer {
	hasLabel := false
	for _, label := range labels {
		if strings.TrimSpace(label) != "" {
			hasLabel = true
			break
		}
	}
	if !hasLabel {
		return RendererNone
	}
	if c.HasDrawtext() {
		return RendererDrawtext
	}
	return RendererOverlay
}

// Compose renders the final MP4 (and optionally GIF) from scene videos.
func (c *Composer) Compose(opts Options) error {
	if len(opts.Inputs) == 0 {
		return fmt.Errorf("compose: no scene inputs")
	}
	if opts.OutputMP4 == "" {
		return fmt.Errorf("compose: mp4 output path required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.OutputMP4), 0o755); err != nil {
		return err
	}

	renderer := c.resolveLabelRenderer(opts.Labels)
	badges, err := c.renderBadges(renderer, opts)
	if err != nil {
		// Badge rendering is best-effort: fall back to an unlabeled band.
		renderer = RendererNone
		badges = nil
	}

	argv, err := c.buildFFmpegInvocation(opts, renderer, badges)
	if err != nil {
		return err
	}
	if err := c.RunCommand(argv); err != nil {
		return fmt.Errorf("compose media: %w", err)
	}

	if opts.OutputGIF != "" {
		if err := c.convertGIF(opts.OutputMP4, opts.OutputGIF, opts.ScratchDir); err != nil {
			return err
		}
	}
	return nil
}

// renderBadges pre-renders PNG label badges for the overlay renderer.
func (c *Composer) renderBadges(renderer LabelRenderer, opts Options) ([]string, error) {
	if renderer != RendererOverlay {
		return nil, nil
	}
	maxWidth := maxBadgeWidth(len(opts.Inputs))
	badges := make([]string, len(opts.Inputs))
	for i := range opts.Inputs {
		label := labelAt(opts.Labels, i)
		if strings.TrimSpace(label) == "" {
			continue
		}
		path := filepath.Join(opts.ScratchDir, fmt.Sprintf("label_%d.png", i))
		if err := RenderLabelBadge(label, path, maxWidth); err != nil {
			return nil, err
		}
		badges[i] = path
	}
	return badges, nil
}

func labelAt(labels []string, i int) string {
	if i < len(labels) {
		return labels[i]
	}
	return ""
}

func maxBadgeWidth(inputCount int) int {
	switch {
	case inputCount <= 1:
		return 760
	case inputCount == 2:
		return 500
	default:
		return 320
	}
}

// buildFFmpegInvocation assembles the full ffmpeg command for the selected
// playback mode.
func (c *Composer) buildFFmpegInvocation(opts Options, renderer LabelRenderer, badges []string) ([]string, error) {
	argv := []string{"ffmpeg", "-y", "-hide_banner", "-loglevel", "error"}
	for _, input := range opts.Inputs {
		argv = append(argv, "-i", input)
	}
	for _, badge := range badges {
		if badge != "" {
			argv = append(argv, "-i", badge)
		}
	}

	var filter string
	var err error
	switch opts.Playback {
	case PlaybackSimultaneous:
		filter, err = c.simultaneousFilter(opts, renderer, badges)
	default:
		filter, err = c.sequentialFilter(opts, renderer, badges)
	}
	if err != nil {
		return nil, err
	}

	argv = append(argv,
		"-filter_complex", filter,
		"-map", "[vout]",
		"-r", strconv.Itoa(frameRate),
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		opts.OutputMP4,
	)
	return argv, nil
}

// sequentialFilter concatenates scenes with a deterministic fade-in on every
// scene after the first.
func (c *Composer) sequentialFilter(opts Options, renderer LabelRenderer, badges []string) (string, error) {
	n := len(opts.Inputs)
	var parts []string
	for i := 0; i < n; i++ {
		fade := ""
		if i > 0 {
			fade = ",fade=t=in:st=0:d=0.3"
		}
		parts = append(parts, fmt.Sprintf(
			"[%d:v]scale=-2:%d,fps=%d,format=yuv420p%s%s[p%d]",
			i, targetHeight, frameRate, fade, redactionFilter(opts.Redaction), i,
		))
	}
	var labels []string
	for i := 0; i < n; i++ {
		stage, err := c.labelStage(renderer, badges, opts, i, fmt.Sprintf("p%d", i), fmt.Sprintf("l%d", i), n)
		if err != nil {
			return "", err
		}
		parts = append(parts, stage)
		labels = append(labels, fmt.Sprintf("[l%d]", i))
	}
	parts = append(parts, fmt.Sprintf("%sconcat=n=%d:v=1:a=0[vout]", strings.Join(labels, ""), n))
	return strings.Join(parts, ";"), nil
}

// simultaneousFilter lays scenes side by side over a canvas bounded to the
// longest scene's duration; shorter panes hold their final frame.
func (c *Composer) simultaneousFilter(opts Options, renderer LabelRenderer, badges []string) (string, error) {
	n := len(opts.Inputs)
	paneWidth, canvasWidth, canvasHeight := simultaneousGeometry(n)

	// The color source is endless; the probed maximum bounds the timeline.
	var longest float64
	for _, input := range opts.Inputs {
		d, err := c.ProbeDuration(input)
		if err != nil {
			return "", err
		}
		if d > longest {
			longest = d
		}
	}

	var parts []string
	parts = append(parts, fmt.Sprintf(
		"color=c=%s:s=%dx%d:r=%d:d=%.3f[canvas0]",
		backgroundColor, canvasWidth, canvasHeight, frameRate, longest,
	))
	for i := 0; i < n; i++ {
		parts = append(parts, fmt.Sprintf(
			"[%d:v]scale=%d:-2,fps=%d,format=yuv420p%s[p%d]",
			i, paneWidth, frameRate, redactionFilter(opts.Redaction), i,
		))
		stage, err := c.labelStage(renderer, badges, opts, i, fmt.Sprintf("p%d", i), fmt.Sprintf("l%d", i), n)
		if err != nil {
			return "", err
		}
		parts = append(parts, stage)
		x := canvasMargin + i*(paneWidth+paneGap)
		y := canvasMargin
		if renderer != RendererNone {
			y += headerHeight
		}
		last := fmt.Sprintf("[canvas%d]", i+1)
		if i == n-1 {
			last = "[vout]"
		}
		parts = append(parts, fmt.Sprintf(
			"[canvas%d][l%d]overlay=x=%d:y=%d:eof_action=repeat%s",
			i, i, x, y, last,
		))
	}
	return strings.Join(parts, ";"), nil
}

func simultaneousGeometry(n int) (paneWidth, canvasWidth, canvasHeight int) {
	paneWidth = 1344
	if n == 2 {
		paneWidth = 880
	} else if n > 2 {
		paneWidth = 560
	}
	canvasWidth = 2*canvasMargin + n*paneWidth + (n-1)*paneGap
	canvasHeight = 2*canvasMargin + headerHeight + targetHeight
	return paneWidth, canvasWidth, canvasHeight
}

// labelStage attaches the header band to one pane stream.
func (c *Composer) labelStage(renderer LabelRenderer, badges []string, opts Options, index int, in, out string, inputCount int) (string, error) {
	label := labelAt(opts.Labels, index)
	switch renderer {
	case RendererDrawtext:
		return fmt.Sprintf(
			"[%s]pad=iw:ih+%d:0:%d:color=%s,drawbox=x=0:y=0:w=iw:h=%d:color=%s:t=fill,drawbox=x=0:y=%d:w=iw:h=2:color=%s:t=fill,drawtext=text='%s':x=(w-text_w)/2:y=%d:fontsize=34:fontcolor=%s:box=1:boxcolor=%s:boxborderw=14[%s]",
			in, headerHeight, headerHeight, backgroundColor,
			headerHeight, headerColor,
			headerHeight-2, headerRuleColor,
			escapeDrawtext(truncateLabel(label, inputCount)),
			(headerHeight-34)/2, labelTextColor, labelBoxColor,
			out,
		), nil
	case RendererOverlay:
		badgeInput := len(opts.Inputs) + badgeOrdinal(badges, index)
		if badges[index] == "" {
			return fmt.Sprintf("[%s]copy[%s]", in, out), nil
		}
		return fmt.Sprintf(
			"[%s]pad=iw:ih+%d:0:%d:color=%s[%sband];[%sband][%d:v]overlay=x=(W-w)/2:y=%d[%s]",
			in, headerHeight, headerHeight, backgroundColor, in, in,
			badgeInput, (headerHeight-62)/2, out,
		), nil
	default:
		// No renderer available: the header band is omitted, not blank.
		return fmt.Sprintf("[%s]copy[%s]", in, out), nil
	}
}

// badgeOrdinal maps a pane index to its badge's position among the extra
// ffmpeg inputs (panes without labels render no badge).
func badgeOrdinal(badges []string, index int) int {
	ordinal := 0
	for i := 0; i < index; i++ {
		if badges[i] != "" {
			ordinal++
		}
	}
	return ordinal
}

// redactionFilter masks the input-line band when media redaction is on. The
// masked region is a fixed 64-pixel band at the bottom of the pane and is
// drawn on every frame; it is not limited to the time a typed command is
// visible.
func redactionFilter(mode redaction.MediaMode) string {
	if mode != redaction.MediaInputLine {
		return ""
	}
	return fmt.Sprintf(",drawbox=x=0:y=ih-64:w=iw:h=64:color=%s:t=fill", backgroundColor)
}

func escapeDrawtext(text string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`, `%`, `\%`)
	return replacer.Replace(text)
}

// convertGIF derives the GIF via a two-pass palette for stable colors.
func (c *Composer) convertGIF(mp4, gif, scratchDir string) error {
	palette := filepath.Join(scratchDir, "palette.png")
	if err := c.RunCommand([]string{
		"ffmpeg", "-y", "-hide_banner", "-loglevel", "error",
		"-i", mp4,
		"-vf", "fps=12,scale=iw/2:-2:flags=lanczos,palettegen=stats_mode=diff",
		palette,
	}); err != nil {
		return fmt.Errorf("gif palette: %w", err)
	}
	if err := c.RunCommand([]string{
		"ffmpeg", "-y", "-hide_banner", "-loglevel", "error",
		"-i", mp4, "-i", palette,
		"-lavfi", "fps=12,scale=iw/2:-2:flags=lanczos[v];[v][1:v]paletteuse=dither=bayer:bayer_scale=4",
		gif,
	}); err != nil {
		return fmt.Errorf("gif render: %w", err)
	}
	return nil
}
