package compose

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"

	"github.com/mattn/go-runewidth"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	badgeTextColor   = color.NRGBA{R: 205, G: 214, B: 244, A: 255}
	badgeBoxColor    = color.NRGBA{R: 15, G: 23, B: 42, A: 225}
	badgeBorderColor = color.NRGBA{R: 108, G: 112, B: 134, A: 242}
)

const (
	badgePadX  = 28
	badgePadY  = 14
	badgeScale = 3 // basicfont is 7x13; scale up to badge proportions
)

// truncateLabel fits a label into the per-pane budget, appending an
// ellipsis when cut. Width is measured in display cells so wide runes count
// double.
func truncateLabel(label string, inputCount int) string {
	budget := maxBadgeWidth(inputCount) / (7 * badgeScale)
	if runewidth.StringWidth(label) <= budget {
		return label
	}
	if budget <= 3 {
		return "..."
	}
	return runewidth.Truncate(label, budget, "...")
}

// RenderLabelBadge draws a rounded label badge PNG used by the overlay
// fallback when ffmpeg lacks drawtext.
func RenderLabelBadge(label string, outputPath string, maxWidth int) error {
	face := basicfont.Face7x13
	text := label
	budget := maxWidth / (7 * badgeScale)
	if runewidth.StringWidth(text) > budget && budget > 3 {
		text = runewidth.Truncate(text, budget, "...")
	}

	textWidth := font.MeasureString(face, text).Ceil() * badgeScale
	textHeight := (face.Metrics().Ascent + face.Metrics().Descent).Ceil() * badgeScale
	badgeWidth := textWidth + 2*badgePadX
	if badgeWidth < 200 {
		badgeWidth = 200
	}
	if badgeWidth > maxWidth {
		badgeWidth = maxWidth
	}
	badgeHeight := textHeight + 2*badgePadY

	// Draw the glyphs at native size, then scale up with the box.
	smallW := badgeWidth / badgeScale
	smallH := badgeHeight / badgeScale
	small := image.NewNRGBA(image.Rect(0, 0, smallW, smallH))
	drawer := &font.Drawer{
		Dst:  small,
		Src:  image.NewUniform(badgeTextColor),
		Face: face,
		Dot: fixed.P(
			(smallW-font.MeasureString(face, text).Ceil())/2,
			(smallH+face.Metrics().Ascent.Ceil()-face.Metrics().Descent.Ceil())/2,
		),
	}
	drawer.DrawString(text)

	badge := image.NewNRGBA(image.Rect(0, 0, badgeWidth, badgeHeight))
	fillRect(badge, badge.Bounds(), badgeBoxColor)
	strokeRect(badge, badge.Bounds(), badgeBorderColor, 2)
	scaleOnto(badge, small)

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create badge: %w", err)
	}
	defer f.Close()
	if err := png.Encode(f, badge); err != nil {
		return fmt.Errorf("encode badge: %w", err)
	}
	return nil
}

func fillRect(dst *image.NRGBA, r image.Rectangle, c color.NRGBA) {
	draw.Draw(dst, r, image.NewUniform(c), image.Point{}, draw.Src)
}

func strokeRect(dst *image.NRGBA, r image.Rectangle, c color.NRGBA, width int) {
	fillRect(dst, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+width), c)
	fillRect(dst, image.Rect(r.Min.X, r.Max.Y-width, r.Max.X, r.Max.Y), c)
	fillRect(dst, image.Rect(r.Min.X, r.Min.Y, r.Min.X+width, r.Max.Y), c)
	fillRect(dst, image.Rect(r.Max.X-width, r.Min.Y, r.Max.X, r.Max.Y), c)
}

// scaleOnto nearest-neighbor scales the glyph layer onto the badge,
// skipping transparent pixels so the box fill shows through.
func scaleOnto(dst *image.NRGBA, src *image.NRGBA) {
	bounds := dst.Bounds()
	sb := src.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			sx := sb.Min.X + (x-bounds.Min.X)/badgeScale
			sy := sb.Min.Y + (y-bounds.Min.Y)/badgeScale
			if sx >= sb.Max.X || sy >= sb.Max.Y {
				continue
			}
			c := src.NRGBAAt(sx, sy)
			if c.A == 0 {
				continue
			}
			dst.SetNRGBA(x, y, c)
		}
	}
}
