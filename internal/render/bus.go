package render

import "fmt"

// Line is one of the control lines shared by every board in the chain.
type Line uint8

const (
	Latch       Line = iota // copies shifted words to the decoder outputs
	PulseEnable             // global pulse enable
	RowEnable               // ROW_ENABLE_N, active low on the wire
	ColEnable               // COL_ENABLE_N, active low on the wire
)

func (l Line) String() string {
	switch l {
	case Latch:
		return "latch"
	case PulseEnable:
		return "pulse"
	case RowEnable:
		return "row"
	case ColEnable:
		return "col"
	}
	return fmt.Sprintf("Line(%d)", uint8(l))
}

// Bus moves command words and control line changes to the hardware.
// Set takes the logical state; the bus owns the electrical polarity.
type Bus interface {
	// ShiftWord clocks one 16-bit word out most significant bit first.
	ShiftWord(w uint16) error
	Set(l Line, active bool) error
}

// Resetter is implemented by buses wired to the driver reset pin.
type Resetter interface {
	SetReset(high bool) error
}
