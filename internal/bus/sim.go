package bus

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/display"
	"periph.io/x/devices/v3/ssd1306/image1bit"

	"github.com/coreman2200/funtimes-flipdot/internal/layout"
	"github.com/coreman2200/funtimes-flipdot/internal/panel"
	"github.com/coreman2200/funtimes-flipdot/internal/render"
)

// SimStats counts bus activity since the last reset.
type SimStats struct {
	Words   uint64
	Latches uint64
	Pulses  uint64
	Flips   uint64
	// Faults counts pulses where a board was told to source both lines,
	// or where a line was switched outside an enabled pulse.
	Faults uint64
}

// Sim is a bus with virtual panels behind it. It decodes latched words and
// pulses exactly as the driver boards would and keeps the resulting element
// states.
type Sim struct {
	mu      sync.Mutex
	lay     layout.Layout
	chain   []panel.Word // shift register contents, board 0 first
	latched []panel.Word
	active  [4]bool
	dots    *image1bit.VerticalLSB
	leds    []bool
	stats   SimStats

	indicator display.Drawer
}

// NewSim builds virtual panels for lay. When indicator is not nil, the user
// LEDs of every board are mirrored to it after each latch that changes them.
func NewSim(lay layout.Layout, indicator display.Drawer) *Sim {
	return &Sim{
		lay:       lay,
		chain:     make([]panel.Word, lay.Count()),
		latched:   make([]panel.Word, lay.Count()),
		dots:      image1bit.NewVerticalLSB(image.Rect(0, 0, lay.Width(), lay.Height())),
		leds:      make([]bool, lay.Count()),
		indicator: indicator,
	}
}

func (s *Sim) String() string {
	return fmt.Sprintf("bus.Sim{%dx%d boards}", s.lay.Dim.H, s.lay.Dim.V)
}

func (s *Sim) ShiftWord(w uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Each word pushes the chain one board further along.
	copy(s.chain[1:], s.chain)
	s.chain[0] = panel.Word(w)
	s.stats.Words++
	return nil
}

func (s *Sim) Set(l render.Line, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(l) >= len(s.active) {
		return fmt.Errorf("bus: unknown line %s", l)
	}
	was := s.active[l]
	s.active[l] = active
	switch l {
	case render.Latch:
		if active && !was {
			s.latch()
		}
	case render.RowEnable, render.ColEnable:
		if active && !was {
			if !s.active[render.PulseEnable] {
				s.stats.Faults++
				return nil
			}
			if s.active[render.RowEnable] && s.active[render.ColEnable] {
				s.flip()
			}
		}
	}
	return nil
}

func (s *Sim) SetReset(high bool) error {
	if high {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.latched {
		s.chain[i], s.latched[i] = 0, 0
	}
	return nil
}

// latch copies the shift registers to the decoder outputs. The first word
// shifted in a batch ends up in the last board of the chain.
func (s *Sim) latch() {
	s.stats.Latches++
	copy(s.latched, s.chain)

	changed := false
	for b, w := range s.latched {
		on := w&panel.UserLED != 0
		if on != s.leds[b] {
			s.leds[b] = on
			changed = true
		}
	}
	if changed && s.indicator != nil {
		if err := s.indicator.Draw(s.indicator.Bounds(), s.ledImage(), image.Point{}); err != nil {
			log.Warn().Err(err).Msg("sim indicator draw")
		}
	}
}

// flip applies one pulse to every board according to its latched word.
func (s *Sim) flip() {
	s.stats.Pulses++
	for b, w := range s.latched {
		row, col, ok := panel.Locate(w.Address())
		set, unset := w&panel.RowSource != 0, w&panel.ColSource != 0
		switch {
		case set && unset:
			s.stats.Faults++
			continue
		case !set && !unset:
			continue
		case !ok:
			s.stats.Faults++
			continue
		}
		ox, oy := s.lay.Origin(b)
		s.dots.SetBit(ox+col, oy+row, image1bit.Bit(set))
		s.stats.Flips++
	}
}

func (s *Sim) ledImage() image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, len(s.leds), 1))
	for b, on := range s.leds {
		c := color.NRGBA{A: 0xFF}
		if on {
			c = color.NRGBA{R: 0xFF, G: 0xB0, A: 0xFF}
		}
		img.SetNRGBA(b, 0, c)
	}
	return img
}

// Lit reports the physical state of the element at display coordinates.
func (s *Sim) Lit(x, y int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bool(s.dots.BitAt(x, y))
}

// Frame returns a copy of the element states, packed like the framebuffer.
func (s *Sim) Frame() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.dots.Pix...)
}

func (s *Sim) UserLED(board int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return board >= 0 && board < len(s.leds) && s.leds[board]
}

func (s *Sim) Stats() SimStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
