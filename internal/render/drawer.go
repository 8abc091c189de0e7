package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"periph.io/x/conn/v3/display"
	"periph.io/x/devices/v3/ssd1306/image1bit"
)

var _ display.Drawer = (*Engine)(nil)

func (e *Engine) String() string {
	return fmt.Sprintf("flipdot.Engine{%dx%d boards, %s, %dx%d}",
		e.lay.Dim.H, e.lay.Dim.V, e.lay.Order, e.buf.Width(), e.buf.Height())
}

// Halt releases the pulse lines. The panels keep their state unpowered.
func (e *Engine) Halt() error {
	if err := e.idle(); err != nil {
		return fmt.Errorf("render: halt: %w", err)
	}
	return nil
}

func (e *Engine) ColorModel() color.Model { return image1bit.BitModel }

// Bounds is the logical, rotated frame.
func (e *Engine) Bounds() image.Rectangle { return e.buf.Bounds() }

// Draw copies src into the current frame and renders the difference.
func (e *Engine) Draw(r image.Rectangle, src image.Image, sp image.Point) error {
	if src == nil {
		return errors.New("render: nil source image")
	}
	draw.Draw(e.buf, r, src, sp, draw.Src)
	return e.Render(false)
}
