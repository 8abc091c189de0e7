// Package panel describes a single MAX3000 flip-dot tile: its fixed geometry,
// the decoder wiring tables and the 16-bit shift register word every driver
// board latches before a pulse.
package panel

const (
	Width    = 28 // columns per tile
	Height   = 16 // rows per tile
	Elements = Width * Height
)

// Word is the command word shifted into one board's shift register.
type Word uint16

// Shift register bit assignments on each driver board.
const (
	ColA2    Word = 1 << 0
	ColA1    Word = 1 << 1
	ColA0    Word = 1 << 2
	RowA0    Word = 1 << 3
	RowA1    Word = 1 << 4
	RowA2    Word = 1 << 5
	RowBank  Word = 1 << 6
	ColBank0 Word = 1 << 7
	// ColSource drives the column line; clear pulses need it.
	ColSource Word = 1 << 8
	// RowSource drives the row line; set pulses need it.
	RowSource Word = 1 << 10
	ColBank1  Word = 1 << 11
	UserLED   Word = 1 << 13

	addressMask = ColA2 | ColA1 | ColA0 | RowA0 | RowA1 | RowA2 | RowBank | ColBank0 | ColBank1
)

// Physical wiring of the decoders. These are board facts, not a formula.
var (
	colToCode = [Width]uint8{1, 0, 3, 2, 5, 4, 7, 6, 9, 8, 11, 10, 13, 12,
		15, 14, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27}
	rowToCode = [Height]uint8{14, 1, 15, 0, 12, 3, 13, 2, 10, 5, 11, 4, 8, 7, 9, 6}
)

// Address is the decoder selection for one element of a tile.
type Address struct {
	RowSub  uint8 // 3 bits
	RowBank uint8 // 1 bit
	ColSub  uint8 // 3 bits
	ColBank uint8 // 2 bits
}

// Translate returns the decoder address for the element at row, col of a
// tile. Rows are mounted upside down, so the row index is inverted before
// lookup. The caller guarantees row < Height and col < Width.
func Translate(row, col int) Address {
	r := rowToCode[Height-1-row]
	c := colToCode[col]
	return Address{
		RowSub:  r % 8,
		RowBank: r / 8,
		ColSub:  c % 8,
		ColBank: c / 8,
	}
}

var byAddress = func() map[Address][2]int {
	m := make(map[Address][2]int, Elements)
	for row := 0; row < Height; row++ {
		for col := 0; col < Width; col++ {
			m[Translate(row, col)] = [2]int{row, col}
		}
	}
	return m
}()

// Locate is the inverse of Translate.
func Locate(a Address) (row, col int, ok bool) {
	rc, ok := byAddress[a]
	return rc[0], rc[1], ok
}

// Word packs the address into its shift register bits. Direction and LED
// bits are left clear.
func (a Address) Word() Word {
	var w Word
	w = w.with(ColA2, a.ColSub&0x4 != 0)
	w = w.with(ColA1, a.ColSub&0x2 != 0)
	w = w.with(ColA0, a.ColSub&0x1 != 0)
	w = w.with(RowA2, a.RowSub&0x4 != 0)
	w = w.with(RowA1, a.RowSub&0x2 != 0)
	w = w.with(RowA0, a.RowSub&0x1 != 0)
	w = w.with(RowBank, a.RowBank&0x1 != 0)
	w = w.with(ColBank1, a.ColBank&0x2 != 0)
	w = w.with(ColBank0, a.ColBank&0x1 != 0)
	return w
}

// Address decodes the address bits of w.
func (w Word) Address() Address {
	var a Address
	if w&ColA2 != 0 {
		a.ColSub |= 0x4
	}
	if w&ColA1 != 0 {
		a.ColSub |= 0x2
	}
	if w&ColA0 != 0 {
		a.ColSub |= 0x1
	}
	if w&RowA2 != 0 {
		a.RowSub |= 0x4
	}
	if w&RowA1 != 0 {
		a.RowSub |= 0x2
	}
	if w&RowA0 != 0 {
		a.RowSub |= 0x1
	}
	if w&RowBank != 0 {
		a.RowBank = 1
	}
	if w&ColBank1 != 0 {
		a.ColBank |= 0x2
	}
	if w&ColBank0 != 0 {
		a.ColBank |= 0x1
	}
	return a
}

// HasAddress reports whether any decoder bit is set.
func (w Word) HasAddress() bool { return w&addressMask != 0 }

func (w Word) with(bit Word, on bool) Word {
	if on {
		return w | bit
	}
	return w &^ bit
}

// Position decodes a sequential element index into its column and row within
// a tile. Indices walk down each column before moving right.
func Position(index int) (col, row int) {
	return index / Height, index % Height
}
