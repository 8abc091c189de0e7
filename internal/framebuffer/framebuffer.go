// Package framebuffer holds the two bit planes of a flip-dot display: the
// frame being drawn and the frame last pulsed onto the hardware.
//
// Planes are stored as image1bit.VerticalLSB, the same column-major layout
// the panels are scanned in: byte (y/8)*width+x holds rows y&^7 through
// y|7 of column x, least significant bit first.
//
// All drawing coordinates are in the rotated, logical frame. Coordinates
// that fall outside the display are dropped on write and read back as dark.
package framebuffer

import (
	"bytes"
	"errors"
	"image"
	"image/color"

	"periph.io/x/devices/v3/ssd1306/image1bit"
)

// Color selects how a drawing operation changes a pixel.
type Color uint8

const (
	Dark    Color = iota // element shows its dark face
	Light                // element shows its light face
	Inverse              // flip whatever is there
)

// ColorOf maps a boolean pixel value to Light or Dark.
func ColorOf(on bool) Color {
	if on {
		return Light
	}
	return Dark
}

// Buffer is a pair of equally sized planes plus the rotation used to map
// logical coordinates onto them.
type Buffer struct {
	cur  *image1bit.VerticalLSB
	prev *image1bit.VerticalLSB
	w, h int
	rot  Rotation
}

// New allocates both planes for a display of width x height elements.
func New(width, height int) (*Buffer, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.New("framebuffer: width and height must be positive")
	}
	r := image.Rect(0, 0, width, height)
	return &Buffer{
		cur:  image1bit.NewVerticalLSB(r),
		prev: image1bit.NewVerticalLSB(r),
		w:    width,
		h:    height,
	}, nil
}

// Width is the logical width after rotation.
func (b *Buffer) Width() int {
	if b.rot.swaps() {
		return b.h
	}
	return b.w
}

// Height is the logical height after rotation.
func (b *Buffer) Height() int {
	if b.rot.swaps() {
		return b.w
	}
	return b.h
}

// PhysicalSize is the unrotated size of the planes.
func (b *Buffer) PhysicalSize() (w, h int) { return b.w, b.h }

func (b *Buffer) Rotation() Rotation { return b.rot }

// SetRotation changes how later pixel operations are mapped. Buffer
// contents are left untouched.
func (b *Buffer) SetRotation(r Rotation) { b.rot = r & 3 }

// SetPixel changes one pixel.
func (b *Buffer) SetPixel(x, y int, c Color) {
	x, y = b.rot.Map(x, y, b.w, b.h)
	if !b.in(x, y) {
		return
	}
	i, mask := b.offset(x, y)
	apply(&b.cur.Pix[i], mask, c)
}

// Pixel reports whether the pixel is light.
func (b *Buffer) Pixel(x, y int) bool {
	x, y = b.rot.Map(x, y, b.w, b.h)
	if !b.in(x, y) {
		return false
	}
	return b.Lit(x, y)
}

// Clear darkens the whole current plane.
func (b *Buffer) Clear() {
	for i := range b.cur.Pix {
		b.cur.Pix[i] = 0
	}
}

// Fill applies c to every pixel of the current plane.
func (b *Buffer) Fill(c Color) {
	for i := range b.cur.Pix {
		apply(&b.cur.Pix[i], 0xFF, c)
	}
}

// SetRun changes n consecutive pixels starting at x, y, going right when
// horizontal is true and down otherwise.
func (b *Buffer) SetRun(x, y, n int, c Color, horizontal bool) {
	if n <= 0 {
		return
	}
	switch b.rot {
	case Rotate90:
		if horizontal {
			b.vline(b.w-1-y, x, n, c)
		} else {
			b.hline(b.w-1-y-(n-1), x, n, c)
		}
	case Rotate180:
		if horizontal {
			b.hline(b.w-1-x-(n-1), b.h-1-y, n, c)
		} else {
			b.vline(b.w-1-x, b.h-1-y-(n-1), n, c)
		}
	case Rotate270:
		if horizontal {
			b.vline(y, b.h-1-x-(n-1), n, c)
		} else {
			b.hline(y, b.h-1-x, n, c)
		}
	default:
		if horizontal {
			b.hline(x, y, n, c)
		} else {
			b.vline(x, y, n, c)
		}
	}
}

// Lit reports the current plane at physical coordinates.
func (b *Buffer) Lit(x, y int) bool {
	i, mask := b.offset(x, y)
	return b.cur.Pix[i]&mask != 0
}

// Changed reports whether the physical element at x, y differs between the
// current and previous planes.
func (b *Buffer) Changed(x, y int) bool {
	i, mask := b.offset(x, y)
	return (b.cur.Pix[i]^b.prev.Pix[i])&mask != 0
}

// Commit records the current plane as physically realised.
func (b *Buffer) Commit() { copy(b.prev.Pix, b.cur.Pix) }

// Synced reports whether both planes hold the same frame.
func (b *Buffer) Synced() bool { return bytes.Equal(b.cur.Pix, b.prev.Pix) }

// Bytes exposes the packed current plane.
func (b *Buffer) Bytes() []byte { return b.cur.Pix }

// ColorModel, Bounds, At and Set make the buffer a draw.Image in the
// logical frame, so image/draw and font rendering can target it directly.
func (b *Buffer) ColorModel() color.Model { return image1bit.BitModel }

func (b *Buffer) Bounds() image.Rectangle { return image.Rect(0, 0, b.Width(), b.Height()) }

func (b *Buffer) At(x, y int) color.Color { return image1bit.Bit(b.Pixel(x, y)) }

func (b *Buffer) Set(x, y int, c color.Color) {
	bit := image1bit.BitModel.Convert(c).(image1bit.Bit)
	b.SetPixel(x, y, ColorOf(bool(bit)))
}

func (b *Buffer) in(x, y int) bool {
	return x >= 0 && x < b.w && y >= 0 && y < b.h
}

func (b *Buffer) offset(x, y int) (int, byte) {
	return (y/8)*b.w + x, byte(1) << (y & 7)
}

func (b *Buffer) hline(x, y, n int, c Color) {
	if y < 0 || y >= b.h {
		return
	}
	if x < 0 {
		n += x
		x = 0
	}
	if x+n > b.w {
		n = b.w - x
	}
	if n <= 0 {
		return
	}
	i, mask := b.offset(x, y)
	for pix := b.cur.Pix[i : i+n]; len(pix) > 0; pix = pix[1:] {
		apply(&pix[0], mask, c)
	}
}

// vline works a byte at a time: a partial head byte, whole bytes of eight
// rows, then a partial tail byte.
func (b *Buffer) vline(x, y, n int, c Color) {
	if x < 0 || x >= b.w {
		return
	}
	if y < 0 {
		n += y
		y = 0
	}
	if y+n > b.h {
		n = b.h - y
	}
	if n <= 0 {
		return
	}
	i, _ := b.offset(x, y)
	if mod := y & 7; mod != 0 {
		mask := byte(0xFF) << mod
		if rem := 8 - mod; n < rem {
			mask &= byte(0xFF) >> (rem - n)
		}
		apply(&b.cur.Pix[i], mask, c)
		n -= 8 - mod
		i += b.w
	}
	for ; n >= 8; n -= 8 {
		apply(&b.cur.Pix[i], 0xFF, c)
		i += b.w
	}
	if n > 0 {
		apply(&b.cur.Pix[i], byte(0xFF)>>(8-n), c)
	}
}

func apply(p *byte, mask byte, c Color) {
	switch c {
	case Light:
		*p |= mask
	case Dark:
		*p &^= mask
	case Inverse:
		*p ^= mask
	}
}
