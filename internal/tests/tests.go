// Package tests draws bring-up patterns into the framebuffer, one frame per
// Step, for checking wiring, board order and flip reliability.
package tests

import (
	"image"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/devices/v3/ssd1306/image1bit"

	"github.com/coreman2200/funtimes-flipdot/internal/framebuffer"
	"github.com/coreman2200/funtimes-flipdot/internal/layout"
	"github.com/coreman2200/funtimes-flipdot/internal/panel"
)

type Kind string

const (
	None         Kind = ""
	ElementSweep Kind = "element_sweep" // one element at a time, same spot on every board
	Checkerboard Kind = "checkerboard"  // 4x4 squares crawling diagonally
	BoardFill    Kind = "board_fill"    // each board lit in chain order
	Text         Kind = "text"          // scrolling text
)

// Kinds lists the patterns a Runner can play.
var Kinds = []Kind{ElementSweep, Checkerboard, BoardFill, Text}

func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return None, false
}

type Plan struct {
	Kind   Kind
	Text   string // Text only; defaults to DefaultText
	Frames int    // Checkerboard only; defaults to 16
}

const DefaultText = "Scrolling Test!"

type Runner struct {
	plan Plan
	step int
	face font.Face
}

func NewRunner(plan Plan) *Runner {
	if plan.Text == "" {
		plan.Text = DefaultText
	}
	if plan.Frames <= 0 {
		plan.Frames = 16
	}
	return &Runner{plan: plan, face: basicfont.Face7x13}
}

func (r *Runner) Kind() Kind { return r.plan.Kind }

// Step draws the next frame into buf; returns false when complete.
func (r *Runner) Step(buf *framebuffer.Buffer, l layout.Layout) bool {
	buf.Clear()

	switch r.plan.Kind {
	case ElementSweep:
		if r.step >= panel.Elements {
			return false
		}
		col, row := panel.Position(r.step)
		physical(buf, func() {
			for b := 0; b < l.Count(); b++ {
				ox, oy := l.Origin(b)
				buf.SetPixel(ox+col, oy+row, framebuffer.Light)
			}
		})
	case Checkerboard:
		if r.step >= r.plan.Frames {
			return false
		}
		// Offset keeps the division away from negative numbers.
		const off = 10
		stage := r.step % 4
		for y := 0; y < buf.Height(); y++ {
			for x := 0; x < buf.Width(); x++ {
				on := ((x+off-stage)/4)%2 != ((y+off-stage)/4)%2
				buf.SetPixel(x, y, framebuffer.ColorOf(on))
			}
		}
	case BoardFill:
		if r.step >= l.Count() {
			return false
		}
		ox, oy := l.Origin(r.step)
		physical(buf, func() {
			for x := 0; x < panel.Width; x++ {
				buf.SetRun(ox+x, oy, panel.Height, framebuffer.Light, false)
			}
		})
	case Text:
		width := font.MeasureString(r.face, r.plan.Text).Ceil()
		x := buf.Width() - r.step
		if x < -width {
			return false
		}
		m := r.face.Metrics()
		baseline := (buf.Height() + m.Ascent.Ceil() - m.Descent.Ceil()) / 2
		d := font.Drawer{
			Dst:  buf,
			Src:  image.NewUniform(image1bit.On),
			Face: r.face,
			Dot:  fixed.P(x, baseline),
		}
		d.DrawString(r.plan.Text)
	default:
		return false
	}
	r.step++
	return true
}

// physical runs draw with the rotation removed so coordinates address the
// panels directly.
func physical(buf *framebuffer.Buffer, draw func()) {
	rot := buf.Rotation()
	buf.SetRotation(framebuffer.Rotate0)
	defer buf.SetRotation(rot)
	draw()
}
