package render

import (
	"errors"
	"image"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/devices/v3/ssd1306/image1bit"

	"github.com/coreman2200/funtimes-flipdot/internal/framebuffer"
	"github.com/coreman2200/funtimes-flipdot/internal/layout"
	"github.com/coreman2200/funtimes-flipdot/internal/panel"
)

type event struct {
	kind string // shift, set, sleep, reset
	line Line
	on   bool
	word uint16
	wait time.Duration
}

// pulse is one electrical pulse with the words latched at the time, in
// chain order.
type pulse struct {
	set   bool
	words []uint16
}

// recBus records everything the engine does to the bus.
type recBus struct {
	events    []event
	pending   []uint16
	latched   []uint16
	active    [4]bool
	pulses    []pulse
	failShift error
}

func (r *recBus) ShiftWord(w uint16) error {
	if r.failShift != nil {
		return r.failShift
	}
	r.events = append(r.events, event{kind: "shift", word: w})
	r.pending = append(r.pending, w)
	return nil
}

func (r *recBus) Set(l Line, on bool) error {
	r.events = append(r.events, event{kind: "set", line: l, on: on})
	if l == Latch && on {
		r.latched = make([]uint16, len(r.pending))
		for i, w := range r.pending {
			r.latched[len(r.pending)-1-i] = w
		}
		r.pending = r.pending[:0]
	}
	if on && r.active[PulseEnable] && (l == RowEnable || l == ColEnable) {
		other := ColEnable
		if l == ColEnable {
			other = RowEnable
		}
		if !r.active[other] {
			r.pulses = append(r.pulses, pulse{set: l == RowEnable, words: append([]uint16(nil), r.latched...)})
		}
	}
	r.active[l] = on
	return nil
}

func (r *recBus) forget() {
	r.events = nil
	r.pulses = nil
}

func (r *recBus) shifts() int {
	n := 0
	for _, ev := range r.events {
		if ev.kind == "shift" {
			n++
		}
	}
	return n
}

// elements counts element flips per direction over all recorded pulses.
func (r *recBus) elements() (set, clear int) {
	for _, p := range r.pulses {
		for _, w := range p.words {
			if p.set && panel.Word(w)&panel.RowSource != 0 {
				set++
			}
			if !p.set && panel.Word(w)&panel.ColSource != 0 {
				clear++
			}
		}
	}
	return set, clear
}

type resetBus struct{ *recBus }

func (r resetBus) SetReset(high bool) error {
	r.events = append(r.events, event{kind: "reset", on: high})
	return nil
}

// clock only moves when the engine sleeps.
type clock struct {
	t   time.Time
	bus *recBus
}

func (c *clock) now() time.Time { return c.t }

func (c *clock) sleep(d time.Duration) {
	c.t = c.t.Add(d)
	c.bus.events = append(c.bus.events, event{kind: "sleep", wait: d})
}

func (c *clock) sleeps() []time.Duration {
	var out []time.Duration
	for _, ev := range c.bus.events {
		if ev.kind == "sleep" {
			out = append(out, ev.wait)
		}
	}
	return out
}

func newEngine(t *testing.T, opts Options) (*Engine, *recBus, *clock) {
	t.Helper()
	bus := &recBus{}
	return newEngineOn(t, bus, bus, opts)
}

func newEngineOn(t *testing.T, b Bus, rec *recBus, opts Options) (*Engine, *recBus, *clock) {
	t.Helper()
	if opts.Width == 0 {
		opts.Width, opts.Height = panel.Width, panel.Height
	}
	clk := &clock{t: time.Unix(0, 0), bus: rec}
	opts.Now, opts.Sleep = clk.now, clk.sleep
	e, err := New(b, opts)
	require.NoError(t, err)
	require.NoError(t, e.Begin(false))
	rec.forget()
	return e, rec, clk
}

// settled returns an engine whose first full pass is already done.
func settled(t *testing.T, opts Options) (*Engine, *recBus, *clock) {
	t.Helper()
	e, bus, clk := newEngine(t, opts)
	require.NoError(t, e.Render(false))
	bus.forget()
	return e, bus, clk
}

func setWord(row, col int) uint16 {
	return uint16(panel.Translate(row, col).Word() | panel.RowSource)
}

func clearWord(row, col int) uint16 {
	return uint16(panel.Translate(row, col).Word() | panel.ColSource)
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Options{Width: 28, Height: 16})
	assert.Error(t, err)
	_, err = New(&recBus{}, Options{Width: 0, Height: 16})
	assert.Error(t, err)
	_, err = New(&recBus{}, Options{Width: 28, Height: 16, Order: layout.Order(9)})
	assert.Error(t, err)
}

func TestGeometryRoundsUpToTiles(t *testing.T) {
	e, err := New(&recBus{}, Options{Width: 30, Height: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, e.Layout().Count())
	assert.Equal(t, 56, e.Buffer().Width())
	assert.Equal(t, 16, e.Buffer().Height())
}

func TestRenderBeforeBegin(t *testing.T) {
	e, err := New(&recBus{}, Options{Width: 28, Height: 16})
	require.NoError(t, err)
	assert.ErrorIs(t, e.Render(false), ErrNotStarted)
	assert.ErrorIs(t, e.SetUserLED(0, true), ErrNotStarted)
}

func TestFirstRenderPulsesEveryElement(t *testing.T) {
	e, bus, _ := newEngine(t, Options{})
	require.NoError(t, e.Render(false))

	assert.Len(t, bus.pulses, panel.Elements)
	set, clear := bus.elements()
	assert.Equal(t, 0, set)
	assert.Equal(t, panel.Elements, clear)
	assert.Equal(t, Stats{Positions: panel.Elements, Clear: panel.Elements, Pulses: panel.Elements, Forced: true, Elapsed: e.Last.Elapsed}, e.Last)
	assert.True(t, e.Buffer().Synced())
}

func TestSingleSetPulse(t *testing.T) {
	e, bus, _ := newEngine(t, Options{})
	e.Buffer().SetPixel(0, 0, framebuffer.Light)
	require.NoError(t, e.Render(false))

	var sets []pulse
	for _, p := range bus.pulses {
		if p.set {
			sets = append(sets, p)
		}
	}
	require.Len(t, sets, 1)
	assert.Equal(t, []uint16{0x0434}, sets[0].words)
	assert.Equal(t, setWord(0, 0), sets[0].words[0])

	bus.forget()
	require.NoError(t, e.Render(false))
	assert.Empty(t, bus.pulses)
	assert.Zero(t, bus.shifts())
	assert.Zero(t, e.Last.Positions)
}

func TestOnlyChangedElementsArePulsed(t *testing.T) {
	e, bus, _ := settled(t, Options{})
	e.Buffer().SetPixel(5, 3, framebuffer.Light)
	e.Buffer().SetPixel(6, 3, framebuffer.Light)
	require.NoError(t, e.Render(false))

	require.Len(t, bus.pulses, 2)
	got := []uint16{bus.pulses[0].words[0], bus.pulses[1].words[0]}
	assert.ElementsMatch(t, []uint16{setWord(3, 5), setWord(3, 6)}, got)

	bus.forget()
	e.Buffer().SetPixel(5, 3, framebuffer.Dark)
	require.NoError(t, e.Render(false))
	require.Len(t, bus.pulses, 1)
	assert.False(t, bus.pulses[0].set)
	assert.Equal(t, []uint16{clearWord(3, 5)}, bus.pulses[0].words)
}

func TestForcedRenderPulsesEverything(t *testing.T) {
	e, bus, _ := settled(t, Options{})
	e.Buffer().SetPixel(1, 1, framebuffer.Light)
	e.Buffer().Commit()
	require.NoError(t, e.Render(true))
	set, clear := bus.elements()
	assert.Equal(t, 1, set)
	assert.Equal(t, panel.Elements-1, clear)
	assert.True(t, e.Last.Forced)
}

func TestPulseSequence(t *testing.T) {
	tests := []struct {
		name           string
		light          bool
		source, sink   Line
		word           uint16
	}{
		{"set", true, RowEnable, ColEnable, setWord(7, 9)},
		{"clear", false, ColEnable, RowEnable, clearWord(7, 9)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, bus, _ := settled(t, Options{})
			if !tt.light {
				e.Buffer().SetPixel(9, 7, framebuffer.Light)
				require.NoError(t, e.Render(false))
				bus.forget()
			}
			e.Buffer().SetPixel(9, 7, framebuffer.ColorOf(tt.light))
			require.NoError(t, e.Render(false))

			want := []event{
				{kind: "shift", word: tt.word},
				{kind: "set", line: Latch, on: true},
				{kind: "set", line: Latch, on: false},
				{kind: "set", line: PulseEnable, on: true},
				{kind: "set", line: tt.source, on: true},
				{kind: "sleep", wait: 5 * time.Microsecond},
				{kind: "set", line: tt.sink, on: true},
				{kind: "sleep", wait: DefaultPulse},
				{kind: "set", line: tt.sink, on: false},
				{kind: "sleep", wait: 5 * time.Microsecond},
				{kind: "set", line: tt.source, on: false},
				{kind: "set", line: PulseEnable, on: false},
			}
			assert.Equal(t, want, bus.events)
		})
	}
}

func TestInvertFlipsEveryElement(t *testing.T) {
	e, bus, _ := newEngine(t, Options{})
	e.Buffer().SetPixel(3, 4, framebuffer.Light)
	require.NoError(t, e.Render(false))
	bus.forget()

	require.NoError(t, e.Invert(true))
	assert.True(t, e.Inverted())
	assert.True(t, e.Buffer().Pixel(3, 4))

	set, clear := bus.elements()
	assert.Equal(t, panel.Elements-1, set)
	assert.Equal(t, 1, clear)
	for _, p := range bus.pulses {
		if !p.set {
			assert.Equal(t, []uint16{clearWord(4, 3)}, p.words)
		}
	}

	// Nothing changed in the buffer, so the next pass is quiet.
	bus.forget()
	require.NoError(t, e.Render(false))
	assert.Empty(t, bus.pulses)
}

func TestRotatedPixelAddressing(t *testing.T) {
	e, bus, _ := settled(t, Options{Rotation: framebuffer.Rotate90})
	assert.Equal(t, 16, e.Buffer().Width())
	e.Buffer().SetPixel(0, 0, framebuffer.Light)
	assert.True(t, e.Buffer().Lit(27, 0))

	require.NoError(t, e.Render(false))
	require.Len(t, bus.pulses, 1)
	assert.Equal(t, []uint16{setWord(0, 27)}, bus.pulses[0].words)
}

func TestMultiBoardAddressing(t *testing.T) {
	tests := []struct {
		order layout.Order
		board int
	}{
		{layout.RowMajor, 3},
		{layout.RowMajorBounce, 2},
		{layout.ColMajor, 3},
		{layout.ColMajorBounce, 2},
	}
	for _, tt := range tests {
		t.Run(tt.order.String(), func(t *testing.T) {
			e, bus, _ := settled(t, Options{Width: 56, Height: 32, Order: tt.order})
			e.Buffer().SetPixel(28+3, 16+5, framebuffer.Light)
			require.NoError(t, e.Render(false))

			require.Len(t, bus.pulses, 1)
			want := make([]uint16, 4)
			want[tt.board] = setWord(5, 3)
			assert.Equal(t, want, bus.pulses[0].words)
			// Last board goes out first.
			assert.Equal(t, event{kind: "shift", word: want[3]}, bus.events[0])
		})
	}
}

func TestSetAndClearAreSeparatePulses(t *testing.T) {
	e, bus, _ := settled(t, Options{Width: 56, Height: 16})
	e.Buffer().SetPixel(28+3, 5, framebuffer.Light)
	require.NoError(t, e.Render(false))
	bus.forget()

	e.Buffer().SetPixel(3, 5, framebuffer.Light)
	e.Buffer().SetPixel(28+3, 5, framebuffer.Dark)
	require.NoError(t, e.Render(false))

	addr := uint16(panel.Translate(5, 3).Word())
	require.Len(t, bus.pulses, 2)
	assert.Equal(t, pulse{set: true, words: []uint16{setWord(5, 3), addr}}, bus.pulses[0])
	assert.Equal(t, pulse{set: false, words: []uint16{addr, clearWord(5, 3)}}, bus.pulses[1])

	// The first pulse is fully released before the second starts.
	var on int
	for _, ev := range bus.events {
		if ev.kind == "set" && ev.line == PulseEnable {
			if ev.on {
				on++
			} else {
				on--
			}
			require.LessOrEqual(t, on, 1)
		}
	}
	assert.Equal(t, 1, e.Last.Positions)
	assert.Equal(t, 2, e.Last.Pulses)
}

func TestPreviousMatchesCurrentAfterRender(t *testing.T) {
	e, _, _ := settled(t, Options{Width: 56, Height: 32})
	rng := rand.New(rand.NewPCG(7, 7))
	for i := 0; i < 200; i++ {
		e.Buffer().SetPixel(rng.IntN(56), rng.IntN(32), framebuffer.Inverse)
	}
	assert.False(t, e.Buffer().Synced())
	require.NoError(t, e.Render(false))
	assert.True(t, e.Buffer().Synced())
}

func TestConstantFrameRate(t *testing.T) {
	e, _, clk := newEngine(t, Options{ConstantRate: true})
	budget := time.Duration(panel.Elements) * 550 * time.Microsecond
	assert.Equal(t, budget, e.FrameBudget())

	require.NoError(t, e.Render(false))
	sl := clk.sleeps()
	perPulse := 2*5*time.Microsecond + DefaultPulse
	assert.Equal(t, budget-time.Duration(panel.Elements)*perPulse, sl[len(sl)-1])
	assert.Equal(t, budget, e.Last.Elapsed)

	clk.bus.forget()
	require.NoError(t, e.Render(false))
	assert.Equal(t, []time.Duration{budget}, clk.sleeps())

	e.SetConstantFrameRate(false)
	assert.False(t, e.ConstantFrameRate())
	clk.bus.forget()
	require.NoError(t, e.Render(false))
	assert.Empty(t, clk.sleeps())
}

func TestPulseDuration(t *testing.T) {
	e, _, clk := settled(t, Options{PulseDuration: 100 * time.Microsecond})
	assert.Equal(t, 100*time.Microsecond, e.PulseDuration())
	e.Buffer().SetPixel(0, 0, framebuffer.Light)
	require.NoError(t, e.Render(false))
	assert.Contains(t, clk.sleeps(), 100*time.Microsecond)

	e.SetPulseDuration(0)
	assert.Equal(t, DefaultPulse, e.PulseDuration())
}

func addresses(bus *recBus) []uint16 {
	var out []uint16
	for _, p := range bus.pulses {
		out = append(out, uint16(panel.Word(p.words[0]).Address().Word()))
	}
	return out
}

func TestDissolveVisitsEveryPositionOnce(t *testing.T) {
	plain, pbus, _ := newEngine(t, Options{})
	require.NoError(t, plain.Render(true))
	identity := addresses(pbus)

	e, bus, _ := newEngine(t, Options{Dissolve: true, Rand: rand.NewPCG(1, 2)})
	assert.True(t, e.Dissolve())
	var previous []uint16
	for pass := 0; pass < 3; pass++ {
		bus.forget()
		require.NoError(t, e.Render(true))
		got := addresses(bus)
		require.Len(t, got, panel.Elements)
		assert.ElementsMatch(t, identity, got)
		assert.NotEqual(t, identity, got)
		assert.NotEqual(t, previous, got)
		previous = got
	}

	e.SetDissolve(false)
	bus.forget()
	require.NoError(t, e.Render(true))
	assert.Equal(t, identity, addresses(bus))
}

func TestBusErrorForcesNextPass(t *testing.T) {
	e, bus, _ := settled(t, Options{})
	boom := errors.New("boom")
	bus.failShift = boom
	e.Buffer().SetPixel(2, 2, framebuffer.Light)

	err := e.Render(false)
	assert.ErrorIs(t, err, boom)
	assert.True(t, e.Buffer().Synced())

	bus.failShift = nil
	bus.forget()
	require.NoError(t, e.Render(false))
	assert.Len(t, bus.pulses, panel.Elements)
	assert.True(t, e.Last.Forced)
}

func TestUserLED(t *testing.T) {
	e, bus, _ := newEngine(t, Options{Width: 56, Height: 16})
	require.NoError(t, e.SetUserLED(1, true))
	assert.True(t, e.UserLED(1))
	assert.False(t, e.UserLED(0))
	assert.Equal(t, []event{
		{kind: "shift", word: uint16(panel.UserLED)},
		{kind: "shift", word: 0},
		{kind: "set", line: Latch, on: true},
		{kind: "set", line: Latch, on: false},
	}, bus.events)

	bus.forget()
	require.NoError(t, e.Render(false))
	for _, p := range bus.pulses {
		assert.Zero(t, panel.Word(p.words[0])&panel.UserLED)
		assert.NotZero(t, panel.Word(p.words[1])&panel.UserLED)
	}

	assert.Error(t, e.SetUserLED(2, true))
	assert.Error(t, e.SetUserLED(-1, true))
}

func TestBeginResetsWhenAsked(t *testing.T) {
	rec := &recBus{}
	clk := &clock{t: time.Unix(0, 0), bus: rec}
	e, err := New(resetBus{rec}, Options{Width: 28, Height: 16, Now: clk.now, Sleep: clk.sleep})
	require.NoError(t, err)
	require.NoError(t, e.Begin(true))

	assert.Equal(t, []event{
		{kind: "reset", on: true},
		{kind: "sleep", wait: time.Millisecond},
		{kind: "reset", on: false},
		{kind: "sleep", wait: 10 * time.Millisecond},
		{kind: "reset", on: true},
		{kind: "sleep", wait: 5 * time.Millisecond},
		{kind: "set", line: PulseEnable, on: false},
		{kind: "set", line: RowEnable, on: false},
		{kind: "set", line: ColEnable, on: false},
		{kind: "set", line: Latch, on: false},
	}, rec.events)
}

func TestBeginWithoutResetLine(t *testing.T) {
	rec := &recBus{}
	e, err := New(rec, Options{Width: 28, Height: 16})
	require.NoError(t, err)
	require.NoError(t, e.Begin(true))
	assert.Len(t, rec.events, 4)
}

func TestDrawer(t *testing.T) {
	e, bus, _ := settled(t, Options{Rotation: framebuffer.Rotate90})
	assert.Equal(t, image.Rect(0, 0, 16, 28), e.Bounds())
	assert.Equal(t, image1bit.BitModel, e.ColorModel())
	assert.Contains(t, e.String(), "1x1 boards")

	src := image1bit.NewVerticalLSB(image.Rect(0, 0, 16, 28))
	src.SetBit(0, 0, image1bit.On)
	require.NoError(t, e.Draw(e.Bounds(), src, image.Point{}))
	require.Len(t, bus.pulses, 1)
	assert.Equal(t, []uint16{setWord(0, 27)}, bus.pulses[0].words)
	assert.Error(t, e.Draw(e.Bounds(), nil, image.Point{}))

	bus.forget()
	require.NoError(t, e.Halt())
	assert.Len(t, bus.events, 4)
	for _, ev := range bus.events {
		assert.False(t, ev.on)
	}
}

func TestDumpFollowsInvert(t *testing.T) {
	e, _, _ := settled(t, Options{})
	e.Buffer().SetPixel(0, 0, framebuffer.Light)

	var sb strings.Builder
	require.NoError(t, e.Dump(&sb))
	assert.True(t, strings.HasPrefix(strings.Split(sb.String(), "\n")[1], "|()  "))

	require.NoError(t, e.Invert(true))
	sb.Reset()
	require.NoError(t, e.Dump(&sb))
	assert.True(t, strings.HasPrefix(strings.Split(sb.String(), "\n")[1], "|  ()"))
}
