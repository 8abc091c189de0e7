package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coreman2200/funtimes-flipdot/internal/framebuffer"
	"github.com/coreman2200/funtimes-flipdot/internal/layout"
)

var ErrInvalid = errors.New("config: invalid")

// Pins are gpioreg names. Reset and illum may be left empty; mosi and sclk
// are only read by the bitbang driver.
type Pins struct {
	MOSI  string `yaml:"mosi,omitempty"`
	SCLK  string `yaml:"sclk,omitempty"`
	Latch string `yaml:"lat"`
	Reset string `yaml:"rst,omitempty"`
	Pulse string `yaml:"pulse"`
	Col   string `yaml:"col"`
	Row   string `yaml:"row"`
	Illum string `yaml:"illum,omitempty"`
}

type SPI struct {
	Port string `yaml:"port"` // spireg name, empty for the first port
	Hz   int    `yaml:"hz"`
}

type Config struct {
	Driver string `yaml:"driver"` // "sim" | "spi" | "bitbang"

	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	BoardOrder string `yaml:"board_order"`
	Rotation   int    `yaml:"rotation"` // degrees

	PulseUs      int     `yaml:"pulse_us"`
	Dissolve     bool    `yaml:"dissolve"`
	ConstantRate bool    `yaml:"constant_rate"`
	Invert       bool    `yaml:"invert"`
	Reset        bool    `yaml:"reset"`
	Illumination float64 `yaml:"illumination"`

	Listen string `yaml:"listen"`

	Pins Pins `yaml:"pins"`
	SPI  SPI  `yaml:"spi,omitempty"`
}

// Default is a single panel on a Raspberry Pi header, simulated.
func Default() *Config {
	return &Config{
		Driver:       "sim",
		Width:        28,
		Height:       16,
		BoardOrder:   layout.RowMajor.String(),
		PulseUs:      250,
		Reset:        true,
		Illumination: 0.25,
		Listen:       ":8080",
		Pins: Pins{
			MOSI:  "GPIO10",
			SCLK:  "GPIO11",
			Latch: "GPIO25",
			Reset: "GPIO24",
			Pulse: "GPIO23",
			Col:   "GPIO22",
			Row:   "GPIO27",
			Illum: "GPIO18",
		},
		SPI: SPI{Hz: 1000000},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := Default()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func Save(path string, c *Config) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	switch c.Driver {
	case "sim", "spi", "bitbang":
	default:
		bad("driver %q, want sim, spi or bitbang", c.Driver)
	}
	if c.Width <= 0 || c.Height <= 0 {
		bad("size %dx%d", c.Width, c.Height)
	}
	if _, err := c.Order(); err != nil {
		bad("%v", err)
	}
	if _, err := c.Rot(); err != nil {
		bad("%v", err)
	}
	if c.PulseUs <= 0 {
		bad("pulse_us %d", c.PulseUs)
	}
	if c.Illumination < 0 || c.Illumination > 1 {
		bad("illumination %g outside [0,1]", c.Illumination)
	}
	if c.Driver != "sim" && (c.Pins.Latch == "" || c.Pins.Pulse == "" || c.Pins.Col == "" || c.Pins.Row == "") {
		bad("lat, pulse, col and row pins are required")
	}
	if c.Driver == "bitbang" && (c.Pins.MOSI == "" || c.Pins.SCLK == "") {
		bad("bitbang needs mosi and sclk pins")
	}
	return errors.Join(errs...)
}

func (c *Config) Order() (layout.Order, error) { return layout.ParseOrder(c.BoardOrder) }

func (c *Config) Rot() (framebuffer.Rotation, error) {
	return framebuffer.RotationFromDegrees(c.Rotation)
}

func (c *Config) Pulse() time.Duration { return time.Duration(c.PulseUs) * time.Microsecond }
