package framebuffer

import "fmt"

// Rotation is a clockwise quarter turn count.
type Rotation uint8

const (
	Rotate0 Rotation = iota
	Rotate90
	Rotate180
	Rotate270
)

// RotationFromDegrees accepts 0, 90, 180 or 270.
func RotationFromDegrees(deg int) (Rotation, error) {
	switch deg {
	case 0:
		return Rotate0, nil
	case 90:
		return Rotate90, nil
	case 180:
		return Rotate180, nil
	case 270:
		return Rotate270, nil
	}
	return 0, fmt.Errorf("framebuffer: rotation must be 0, 90, 180 or 270, got %d", deg)
}

func (r Rotation) Degrees() int { return int(r&3) * 90 }

func (r Rotation) swaps() bool { return r&1 == 1 }

// Map converts logical x, y into plane coordinates for a plane of w x h.
func (r Rotation) Map(x, y, w, h int) (int, int) {
	switch r & 3 {
	case Rotate90:
		x, y = y, x
		x = w - x - 1
	case Rotate180:
		x = w - x - 1
		y = h - y - 1
	case Rotate270:
		x, y = y, x
		y = h - y - 1
	}
	return x, y
}
