// Package bus carries command words and control line changes to MAX3000
// driver boards, over periph.io GPIO and SPI or as an in-memory simulation.
package bus

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/coreman2200/funtimes-flipdot/internal/render"
)

const (
	DefaultSPIHz  = 1 * physic.MegaHertz
	IllumPWMFreq  = 1 * physic.KiloHertz
	bitBangSettle = 5 * time.Microsecond
)

var ErrNoReset = errors.New("bus: no reset pin configured")

// Pins are the driver board inputs. Reset and Illum are optional; MOSI and
// SCLK are only used when bit-banging.
type Pins struct {
	Latch gpio.PinOut
	Pulse gpio.PinOut // PULSE_ENABLE
	Row   gpio.PinOut // ROW_ENABLE_N
	Col   gpio.PinOut // COL_ENABLE_N
	Reset gpio.PinOut
	Illum gpio.PinOut // LED_ILLUM

	MOSI gpio.PinOut
	SCLK gpio.PinOut
}

func (p Pins) check(bitbang bool) error {
	var missing []string
	need := map[string]gpio.PinOut{"lat": p.Latch, "pulse": p.Pulse, "row": p.Row, "col": p.Col}
	if bitbang {
		need["mosi"] = p.MOSI
		need["sclk"] = p.SCLK
	}
	for _, name := range []string{"lat", "pulse", "row", "col", "mosi", "sclk"} {
		if pin, ok := need[name]; ok && pin == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("bus: missing pins: %s", strings.Join(missing, ", "))
	}
	return nil
}

// PinNames names pins in the gpioreg registry. Empty names are skipped.
type PinNames struct {
	Latch, Pulse, Row, Col, Reset, Illum, MOSI, SCLK string
}

// Lookup resolves every named pin through gpioreg.
func (n PinNames) Lookup() (Pins, error) {
	var p Pins
	var errs []error
	get := func(name string) gpio.PinOut {
		if name == "" {
			return nil
		}
		pin := gpioreg.ByName(name)
		if pin == nil {
			errs = append(errs, fmt.Errorf("bus: unknown gpio %q", name))
			return nil
		}
		return pin
	}
	p.Latch = get(n.Latch)
	p.Pulse = get(n.Pulse)
	p.Row = get(n.Row)
	p.Col = get(n.Col)
	p.Reset = get(n.Reset)
	p.Illum = get(n.Illum)
	p.MOSI = get(n.MOSI)
	p.SCLK = get(n.SCLK)
	return p, errors.Join(errs...)
}

// GPIO drives the boards from host pins, shifting words either through an
// SPI port or by toggling MOSI and SCLK directly.
type GPIO struct {
	pins  Pins
	conn  spi.Conn
	delay func(time.Duration)
	w     [2]byte
}

// NewSPI shifts words through p in mode 0, most significant bit first.
func NewSPI(p spi.Port, f physic.Frequency, pins Pins) (*GPIO, error) {
	if err := pins.check(false); err != nil {
		return nil, err
	}
	if f == 0 {
		f = DefaultSPIHz
	}
	c, err := p.Connect(f, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("bus: spi connect: %w", err)
	}
	return &GPIO{pins: pins, conn: c, delay: time.Sleep}, nil
}

// NewBitBang shifts words on the MOSI and SCLK pins.
func NewBitBang(pins Pins) (*GPIO, error) {
	if err := pins.check(true); err != nil {
		return nil, err
	}
	if err := pins.SCLK.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("bus: sclk: %w", err)
	}
	return &GPIO{pins: pins, delay: spinDelay}, nil
}

func (g *GPIO) String() string {
	if g.conn != nil {
		return fmt.Sprintf("bus.GPIO{spi: %s}", g.conn)
	}
	return fmt.Sprintf("bus.GPIO{bitbang: %s/%s}", g.pins.MOSI, g.pins.SCLK)
}

func (g *GPIO) ShiftWord(w uint16) error {
	if g.conn != nil {
		g.w[0], g.w[1] = byte(w>>8), byte(w)
		return g.conn.Tx(g.w[:], nil)
	}
	for bit := uint16(0x8000); bit != 0; bit >>= 1 {
		if err := g.pins.MOSI.Out(gpio.Level(w&bit != 0)); err != nil {
			return err
		}
		g.delay(bitBangSettle)
		if err := g.pins.SCLK.Out(gpio.High); err != nil {
			return err
		}
		g.delay(bitBangSettle)
		if err := g.pins.SCLK.Out(gpio.Low); err != nil {
			return err
		}
		g.delay(bitBangSettle)
	}
	return nil
}

// Set applies the wiring polarity: row and column enables are active low.
func (g *GPIO) Set(l render.Line, active bool) error {
	switch l {
	case render.Latch:
		return g.pins.Latch.Out(gpio.Level(active))
	case render.PulseEnable:
		return g.pins.Pulse.Out(gpio.Level(active))
	case render.RowEnable:
		return g.pins.Row.Out(gpio.Level(!active))
	case render.ColEnable:
		return g.pins.Col.Out(gpio.Level(!active))
	}
	return fmt.Errorf("bus: unknown line %s", l)
}

func (g *GPIO) SetReset(high bool) error {
	if g.pins.Reset == nil {
		return ErrNoReset
	}
	return g.pins.Reset.Out(gpio.Level(high))
}

func (g *GPIO) HasReset() bool { return g.pins.Reset != nil }

// SetIllumination sets the backlight duty cycle, clamped to [0, 1]. It is a
// no-op without an illumination pin.
func (g *GPIO) SetIllumination(duty float64) error {
	if g.pins.Illum == nil {
		return nil
	}
	switch {
	case duty <= 0:
		return g.pins.Illum.Out(gpio.Low)
	case duty >= 1:
		return g.pins.Illum.Out(gpio.High)
	}
	d := gpio.Duty(duty * float64(gpio.DutyMax))
	if err := g.pins.Illum.PWM(d, IllumPWMFreq); err != nil {
		return fmt.Errorf("bus: illumination pwm: %w", err)
	}
	return nil
}

// Close turns the illumination off and halts every pin.
func (g *GPIO) Close() error {
	var errs []error
	if g.pins.Illum != nil {
		errs = append(errs, g.pins.Illum.Out(gpio.Low))
	}
	for _, p := range []gpio.PinOut{g.pins.Latch, g.pins.Pulse, g.pins.Row, g.pins.Col, g.pins.Reset, g.pins.Illum, g.pins.MOSI, g.pins.SCLK} {
		if p != nil {
			errs = append(errs, p.Halt())
		}
	}
	return errors.Join(errs...)
}

func spinDelay(d time.Duration) {
	for end := time.Now().Add(d); time.Now().Before(end); {
	}
}
