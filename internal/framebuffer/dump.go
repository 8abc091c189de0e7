package framebuffer

import (
	"bufio"
	"io"
	"strings"

	"github.com/coreman2200/funtimes-flipdot/internal/panel"
)

// Dump writes the current plane as text, unrotated: "()" for a light
// element, two spaces for a dark one, swapped when invert is set. Each tile
// gets its own border.
func (b *Buffer) Dump(w io.Writer, invert bool) error {
	out := bufio.NewWriter(w)
	tiles := (b.w + panel.Width - 1) / panel.Width
	edge := "+" + strings.Repeat("-", 2*panel.Width) + "+"
	border := func() {
		for t := 0; t < tiles; t++ {
			out.WriteString(edge)
		}
		out.WriteByte('\n')
	}

	for y := 0; y < b.h; y++ {
		if y%panel.Height == 0 {
			border()
		}
		for x := 0; x < b.w; x++ {
			if x%panel.Width == 0 {
				out.WriteByte('|')
			}
			if b.Lit(x, y) != invert {
				out.WriteString("()")
			} else {
				out.WriteString("  ")
			}
			if (x+1)%panel.Width == 0 || x == b.w-1 {
				out.WriteByte('|')
			}
		}
		out.WriteByte('\n')
		if (y+1)%panel.Height == 0 || y == b.h-1 {
			border()
		}
	}
	out.WriteByte('\n')
	return out.Flush()
}

// String renders the dump without inversion.
func (b *Buffer) String() string {
	var sb strings.Builder
	_ = b.Dump(&sb, false)
	return sb.String()
}
