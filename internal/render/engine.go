// Package render turns framebuffer changes into decoder addresses and
// pulses on a flip-dot board chain.
//
// A pass walks every element position of a tile once. All boards share the
// pulse lines, so at each position the boards that need the element set are
// pulsed together, then the boards that need it cleared. Only boards whose
// element changed carry an address and a direction bit.
package render

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/coreman2200/funtimes-flipdot/internal/framebuffer"
	"github.com/coreman2200/funtimes-flipdot/internal/layout"
	"github.com/coreman2200/funtimes-flipdot/internal/panel"
	"github.com/coreman2200/funtimes-flipdot/internal/shuffle"
)

const (
	DefaultPulse = 250 * time.Microsecond

	settleDelay = 5 * time.Microsecond
	// Fixed cost per element on top of the pulse in constant rate mode:
	// both settle delays plus shifting and latching.
	elementOverhead = 300 * time.Microsecond
)

var ErrNotStarted = errors.New("render: Begin has not been called")

// Options configures an Engine. Zero values pick the defaults.
type Options struct {
	Width, Height int
	Order         layout.Order
	Rotation      framebuffer.Rotation

	// PulseDuration is how long an element coil is driven, DefaultPulse
	// when zero.
	PulseDuration time.Duration
	Dissolve      bool
	ConstantRate  bool

	Rand   rand.Source
	Logger *zerolog.Logger

	// Now and Sleep default to the wall clock and a spinning delay.
	Now   func() time.Time
	Sleep func(time.Duration)
}

// Stats describes the last render pass.
type Stats struct {
	Positions int // positions that needed at least one pulse
	Set       int // elements flipped to the set direction
	Clear     int
	Pulses    int // electrical pulse events
	Forced    bool
	Elapsed   time.Duration
}

type direction uint8

const (
	none direction = iota
	dirSet
	dirClear
)

// Engine owns the framebuffer and drives a Bus. It is not safe for
// concurrent use; callers serialize access.
type Engine struct {
	bus Bus
	buf *framebuffer.Buffer
	lay layout.Layout
	seq *shuffle.Sequencer
	log zerolog.Logger

	now   func() time.Time
	sleep func(time.Duration)

	words []panel.Word
	dirs  []direction
	led   []bool

	pulse        time.Duration
	constantRate bool
	invert       bool
	firstRender  bool
	started      bool

	Frames uint64
	Last   Stats
}

// New sizes the display to whole tiles and allocates the engine state.
// Nothing touches the bus until Begin.
func New(bus Bus, opts Options) (*Engine, error) {
	if bus == nil {
		return nil, errors.New("render: nil bus")
	}
	lay, err := layout.ForSize(opts.Width, opts.Height, opts.Order)
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	buf, err := framebuffer.New(lay.Width(), lay.Height())
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	buf.SetRotation(opts.Rotation)

	e := &Engine{
		bus:          bus,
		buf:          buf,
		lay:          lay,
		seq:          shuffle.New(panel.Elements, opts.Rand),
		log:          zerolog.Nop(),
		now:          time.Now,
		sleep:        spin,
		words:        make([]panel.Word, lay.Count()),
		dirs:         make([]direction, lay.Count()),
		led:          make([]bool, lay.Count()),
		pulse:        DefaultPulse,
		constantRate: opts.ConstantRate,
		firstRender:  true,
	}
	e.seq.SetEnabled(opts.Dissolve)
	if opts.PulseDuration > 0 {
		e.pulse = opts.PulseDuration
	}
	if opts.Logger != nil {
		e.log = *opts.Logger
	}
	if opts.Now != nil {
		e.now = opts.Now
	}
	if opts.Sleep != nil {
		e.sleep = opts.Sleep
	}
	return e, nil
}

// Begin puts the control lines in their idle state, optionally pulsing the
// driver reset pin first when the bus has one.
func (e *Engine) Begin(reset bool) error {
	if reset {
		if r, ok := e.bus.(Resetter); ok {
			if err := e.reset(r); err != nil {
				return fmt.Errorf("render: reset: %w", err)
			}
		} else {
			e.log.Warn().Msg("reset requested but bus has no reset line")
		}
	}
	if err := e.idle(); err != nil {
		return fmt.Errorf("render: idle lines: %w", err)
	}
	e.started = true
	e.log.Info().
		Int("boards", e.lay.Count()).
		Str("order", e.lay.Order.String()).
		Dur("pulse", e.pulse).
		Msg("flipdot engine started")
	return nil
}

func (e *Engine) reset(r Resetter) error {
	steps := []struct {
		high bool
		wait time.Duration
	}{
		{true, time.Millisecond},
		{false, 10 * time.Millisecond},
		{true, 5 * time.Millisecond},
	}
	for _, s := range steps {
		if err := r.SetReset(s.high); err != nil {
			return err
		}
		e.sleep(s.wait)
	}
	return nil
}

func (e *Engine) idle() error {
	return errors.Join(
		e.bus.Set(PulseEnable, false),
		e.bus.Set(RowEnable, false),
		e.bus.Set(ColEnable, false),
		e.bus.Set(Latch, false),
	)
}

// Buffer is the drawing surface. Pixel writes land in the current plane
// and reach the panels on the next Render.
func (e *Engine) Buffer() *framebuffer.Buffer { return e.buf }

func (e *Engine) Layout() layout.Layout { return e.lay }

// Render pulses every element whose state differs from what was last
// written, or every element when force is set or the physical state is
// unknown. The pass always runs to the end; the first bus error is
// returned and leaves the next pass forced.
func (e *Engine) Render(force bool) error {
	if !e.started {
		return ErrNotStarted
	}
	start := e.now()
	all := force || e.firstRender
	if e.seq.Enabled() {
		e.seq.Reshuffle()
	}

	var (
		st    = Stats{Forced: all}
		first error
	)
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	for i := 0; i < e.seq.Len(); i++ {
		col, row := panel.Position(e.seq.At(i))
		nset, nclear := e.plan(col, row, all)
		if nset+nclear == 0 {
			continue
		}
		st.Positions++
		addr := panel.Translate(row, col).Word()
		if nset > 0 {
			keep(e.phase(addr, dirSet))
			st.Set += nset
			st.Pulses++
		}
		if nclear > 0 {
			keep(e.phase(addr, dirClear))
			st.Clear += nclear
			st.Pulses++
		}
	}

	e.buf.Commit()
	e.firstRender = first != nil
	e.Frames++

	if e.constantRate {
		if rest := e.FrameBudget() - e.now().Sub(start); rest > 0 {
			e.sleep(rest)
		}
	}
	st.Elapsed = e.now().Sub(start)
	e.Last = st

	if first != nil {
		e.log.Warn().Err(first).Msg("bus error during render, next pass is forced")
		return fmt.Errorf("render: %w", first)
	}
	e.log.Debug().
		Int("positions", st.Positions).
		Int("set", st.Set).
		Int("clear", st.Clear).
		Bool("forced", all).
		Dur("elapsed", st.Elapsed).
		Msg("render pass")
	return nil
}

// plan decides the direction for each board at one element position.
func (e *Engine) plan(col, row int, all bool) (nset, nclear int) {
	for b := range e.dirs {
		ox, oy := e.lay.Origin(b)
		x, y := ox+col, oy+row
		if !all && !e.buf.Changed(x, y) {
			e.dirs[b] = none
			continue
		}
		if e.buf.Lit(x, y) != e.invert {
			e.dirs[b] = dirSet
			nset++
		} else {
			e.dirs[b] = dirClear
			nclear++
		}
	}
	return nset, nclear
}

// phase loads the words for one direction and fires one pulse.
func (e *Engine) phase(addr panel.Word, d direction) error {
	for b := range e.words {
		w := e.ledBit(b)
		if e.dirs[b] != none {
			w |= addr
		}
		if e.dirs[b] == d {
			if d == dirSet {
				w |= panel.RowSource
			} else {
				w |= panel.ColSource
			}
		}
		e.words[b] = w
	}
	if err := e.shift(); err != nil {
		return err
	}
	if d == dirSet {
		return e.fire(RowEnable, ColEnable)
	}
	return e.fire(ColEnable, RowEnable)
}

// shift sends the words last board first, then latches them.
func (e *Engine) shift() error {
	for b := len(e.words) - 1; b >= 0; b-- {
		if err := e.bus.ShiftWord(uint16(e.words[b])); err != nil {
			return err
		}
	}
	if err := e.bus.Set(Latch, true); err != nil {
		return err
	}
	return e.bus.Set(Latch, false)
}

// fire runs one pulse: source on, settle, sink on, hold, sink off, settle,
// source off. Lines are released even after a failure.
func (e *Engine) fire(source, sink Line) error {
	var errs []error
	set := func(l Line, on bool) {
		if err := e.bus.Set(l, on); err != nil {
			errs = append(errs, err)
		}
	}
	set(PulseEnable, true)
	set(source, true)
	e.sleep(settleDelay)
	set(sink, true)
	e.sleep(e.pulse)
	set(sink, false)
	e.sleep(settleDelay)
	set(source, false)
	set(PulseEnable, false)
	return errors.Join(errs...)
}

func (e *Engine) ledBit(board int) panel.Word {
	if e.led[board] {
		return panel.UserLED
	}
	return 0
}

// SetUserLED switches the indicator LED of one board and latches it
// straight away. The LED state is carried in every later command word.
func (e *Engine) SetUserLED(board int, on bool) error {
	if !e.started {
		return ErrNotStarted
	}
	if board < 0 || board >= len(e.led) {
		return fmt.Errorf("render: board %d out of range [0,%d)", board, len(e.led))
	}
	e.led[board] = on
	for b := range e.words {
		e.words[b] = e.ledBit(b)
	}
	if err := e.shift(); err != nil {
		return fmt.Errorf("render: user led: %w", err)
	}
	return nil
}

func (e *Engine) UserLED(board int) bool {
	return board >= 0 && board < len(e.led) && e.led[board]
}

// Invert flips the meaning of light and dark and immediately re-pulses
// every element. The buffer is left as drawn.
func (e *Engine) Invert(on bool) error {
	e.invert = on
	return e.Render(true)
}

func (e *Engine) Inverted() bool { return e.invert }

func (e *Engine) SetDissolve(on bool) { e.seq.SetEnabled(on) }

func (e *Engine) Dissolve() bool { return e.seq.Enabled() }

// SetPulseDuration changes the coil drive time. Non-positive values
// restore the default.
func (e *Engine) SetPulseDuration(d time.Duration) {
	if d <= 0 {
		d = DefaultPulse
	}
	e.pulse = d
}

func (e *Engine) PulseDuration() time.Duration { return e.pulse }

// SetConstantFrameRate pads every pass to FrameBudget.
func (e *Engine) SetConstantFrameRate(on bool) { e.constantRate = on }

func (e *Engine) ConstantFrameRate() bool { return e.constantRate }

// FrameBudget is the time a pass takes when every element is pulsed.
func (e *Engine) FrameBudget() time.Duration {
	return time.Duration(panel.Elements) * (e.pulse + elementOverhead)
}

// Dump writes the current frame as text, honouring invert mode.
func (e *Engine) Dump(w io.Writer) error { return e.buf.Dump(w, e.invert) }

// spin blocks for d. Delays under a millisecond busy-wait.
func spin(d time.Duration) {
	if d >= time.Millisecond {
		time.Sleep(d)
		return
	}
	for end := time.Now().Add(d); time.Now().Before(end); {
	}
}
