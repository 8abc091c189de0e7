package layout

import (
	"errors"
	"fmt"

	"github.com/coreman2200/funtimes-flipdot/internal/panel"
)

// Order is the way boards are daisy-chained on the data line.
type Order uint8

const (
	RowMajor       Order = iota // boards wired in rows
	RowMajorBounce              // rows, every other row wired backwards
	ColMajor                    // boards wired in columns
	ColMajorBounce              // columns, every other column wired backwards
)

var orderNames = map[Order]string{
	RowMajor:       "row_major",
	RowMajorBounce: "row_major_bounce",
	ColMajor:       "col_major",
	ColMajorBounce: "col_major_bounce",
}

func (o Order) String() string {
	if s, ok := orderNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Order(%d)", uint8(o))
}

// ParseOrder accepts the names used in config files.
func ParseOrder(s string) (Order, error) {
	if s == "" {
		return RowMajor, nil
	}
	for o, name := range orderNames {
		if name == s {
			return o, nil
		}
	}
	return 0, fmt.Errorf("layout: unknown board order %q", s)
}

// Dim counts boards along each axis.
type Dim struct{ H, V int }

type Layout struct {
	Dim   Dim
	Order Order
}

// ForSize rounds a display of width x height elements up to whole tiles.
func ForSize(width, height int, order Order) (Layout, error) {
	if width <= 0 || height <= 0 {
		return Layout{}, errors.New("layout: width and height must be positive")
	}
	if _, ok := orderNames[order]; !ok {
		return Layout{}, fmt.Errorf("layout: unknown board order %d", order)
	}
	return Layout{
		Dim: Dim{
			H: (width + panel.Width - 1) / panel.Width,
			V: (height + panel.Height - 1) / panel.Height,
		},
		Order: order,
	}, nil
}

// Count is the number of boards in the chain.
func (l Layout) Count() int {
	return l.Dim.H * l.Dim.V
}

// Width in elements.
func (l Layout) Width() int { return l.Dim.H * panel.Width }

// Height in elements.
func (l Layout) Height() int { return l.Dim.V * panel.Height }

// Tile maps a chain index to the tile's column and row in the display grid.
func (l Layout) Tile(board int) (bx, by int) {
	switch l.Order {
	case RowMajorBounce:
		bx, by = board%l.Dim.H, board/l.Dim.H
		if by%2 == 1 {
			bx = l.Dim.H - 1 - bx
		}
	case ColMajor:
		bx, by = board/l.Dim.V, board%l.Dim.V
	case ColMajorBounce:
		bx, by = board/l.Dim.V, board%l.Dim.V
		if bx%2 == 1 {
			by = l.Dim.V - 1 - by
		}
	default:
		bx, by = board%l.Dim.H, board/l.Dim.H
	}
	return bx, by
}

// Index maps a tile position back to its chain index.
func (l Layout) Index(bx, by int) int {
	switch l.Order {
	case RowMajorBounce:
		if by%2 == 1 {
			bx = l.Dim.H - 1 - bx
		}
		return by*l.Dim.H + bx
	case ColMajor:
		return bx*l.Dim.V + by
	case ColMajorBounce:
		if bx%2 == 1 {
			by = l.Dim.V - 1 - by
		}
		return bx*l.Dim.V + by
	default:
		return by*l.Dim.H + bx
	}
}

// Origin returns the display coordinates of the top-left element of a board.
func (l Layout) Origin(board int) (x, y int) {
	bx, by := l.Tile(board)
	return bx * panel.Width, by * panel.Height
}
