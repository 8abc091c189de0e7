// Package shuffle orders the element positions of a tile for a render pass.
// Every tile in the chain shares the one order so each sub-step addresses
// the same position on all boards.
package shuffle

import "math/rand/v2"

type Sequencer struct {
	order   []int
	enabled bool
	rng     *rand.Rand
}

// New returns a sequencer over n positions using the given random source,
// or a time-seeded PCG when src is nil.
func New(n int, src rand.Source) *Sequencer {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	s := &Sequencer{
		order: make([]int, n),
		rng:   rand.New(src),
	}
	for i := range s.order {
		s.order[i] = i
	}
	return s
}

// Len is the number of positions in a pass.
func (s *Sequencer) Len() int { return len(s.order) }

func (s *Sequencer) Enabled() bool { return s.enabled }

// SetEnabled switches between shuffled and identity order.
func (s *Sequencer) SetEnabled(on bool) { s.enabled = on }

// Reshuffle performs an in-place Fisher-Yates shuffle of the order.
func (s *Sequencer) Reshuffle() {
	for i := len(s.order) - 1; i > 0; i-- {
		j := s.rng.IntN(i + 1)
		s.order[i], s.order[j] = s.order[j], s.order[i]
	}
}

// At returns the position to process at step i of the pass.
func (s *Sequencer) At(i int) int {
	if !s.enabled {
		return i
	}
	return s.order[i]
}
