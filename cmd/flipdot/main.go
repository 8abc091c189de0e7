package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
	"periph.io/x/conn/v3/display"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/extra/devices/screen"
	"periph.io/x/host/v3"

	"github.com/coreman2200/funtimes-flipdot/internal/bus"
	"github.com/coreman2200/funtimes-flipdot/internal/config"
	"github.com/coreman2200/funtimes-flipdot/internal/layout"
	"github.com/coreman2200/funtimes-flipdot/internal/render"
	"github.com/coreman2200/funtimes-flipdot/internal/ws"
)

func main() {
	// ---- Flags (override config.yaml when given) ----
	var (
		configPath = flag.String("config", "flipdot.yaml", "path to flipdot.yaml")
		driver     = flag.String("driver", "", "driver: sim | spi | bitbang")
		width      = flag.Int("width", 0, "display width in elements (rounded up to whole panels)")
		height     = flag.Int("height", 0, "display height in elements (rounded up to whole panels)")
		order      = flag.String("order", "", "board order: row_major | row_major_bounce | col_major | col_major_bounce")
		rotation   = flag.Int("rotation", -1, "rotation in degrees: 0 | 90 | 180 | 270")
		pulseUs    = flag.Int("pulse-us", 0, "coil pulse duration (µs)")
		dissolve   = flag.Bool("dissolve", false, "update elements in random order")
		addr       = flag.String("addr", "", "HTTP listen address")
		fps        = flag.Int("fps", 10, "render loop ticks per second")
		simOnly    = flag.Bool("sim-only", false, "force simulation (no hardware output)")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	// ---- Logging ----
	console := term.IsTerminal(int(os.Stdout.Fd()))
	zerolog.TimeFieldFormat = time.RFC3339
	if console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// ---- Load config.yaml (optional) ----
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Warn().Err(err).Str("path", *configPath).Msg("config load failed; using defaults")
		cfg = config.Default()
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "driver":
			cfg.Driver = *driver
		case "width":
			cfg.Width = *width
		case "height":
			cfg.Height = *height
		case "order":
			cfg.BoardOrder = *order
		case "rotation":
			cfg.Rotation = *rotation
		case "pulse-us":
			cfg.PulseUs = *pulseUs
		case "dissolve":
			cfg.Dissolve = *dissolve
		case "addr":
			cfg.Listen = *addr
		}
	})
	if *simOnly {
		cfg.Driver = "sim"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	ord, _ := cfg.Order()
	rot, _ := cfg.Rot()

	lay, err := layout.ForSize(cfg.Width, cfg.Height, ord)
	if err != nil {
		log.Fatal().Err(err).Msg("layout")
	}

	// ---- Bus selection: hardware when it opens, SIM otherwise ----
	b, hw, selected := openBus(cfg, lay, console)

	lg := log.With().Str("component", "render").Logger()
	eng, err := render.New(b, render.Options{
		Width:         cfg.Width,
		Height:        cfg.Height,
		Order:         ord,
		Rotation:      rot,
		PulseDuration: cfg.Pulse(),
		Dissolve:      cfg.Dissolve,
		ConstantRate:  cfg.ConstantRate,
		Logger:        &lg,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("engine")
	}

	reset := cfg.Reset
	if hw != nil {
		reset = reset && hw.HasReset()
		if err := hw.SetIllumination(cfg.Illumination); err != nil {
			log.Warn().Err(err).Msg("illumination")
		}
	}
	if err := eng.Begin(reset); err != nil {
		log.Fatal().Err(err).Str("driver", selected).Msg("begin")
	}
	// Physical state is unknown until every element has been pulsed once.
	if err := eng.Invert(cfg.Invert); err != nil {
		log.Warn().Err(err).Msg("initial render")
	}
	log.Info().
		Str("driver", selected).
		Int("boards", lay.Count()).
		Int("width", eng.Buffer().Width()).
		Int("height", eng.Buffer().Height()).
		Str("order", lay.Order.String()).
		Dur("frame_budget", eng.FrameBudget()).
		Msg("display ready")

	// ---- State ----
	state := ws.NewState(eng, *fps, selected == "sim")
	state.ConfigPath = *configPath
	state.Config = cfg
	state.CurrentDriver = selected

	// ---- HTTP routes ----
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", state.HandleFramesWS)
	mux.HandleFunc("/diag", state.HandleDiagWS)
	mux.HandleFunc("/control", state.HandleControlWS)
	mux.HandleFunc("/health", state.HandleHealth)

	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      withCORS(mux),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ---- Run render loop & server ----
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		state.RunRenderLoop(ctx)
		close(done)
	}()
	go func() {
		log.Info().Str("addr", cfg.Listen).Str("driver", selected).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server crashed")
		}
	}()

	// ---- Graceful shutdown ----
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	<-done

	if err := eng.Halt(); err != nil {
		log.Warn().Err(err).Msg("halt")
	}
	if hw != nil {
		if err := hw.Close(); err != nil {
			log.Warn().Err(err).Msg("close bus")
		}
	}
}

// openBus returns the bus for cfg.Driver and, for hardware drivers, the
// GPIO handle. Any hardware failure falls back to the simulator.
func openBus(cfg *config.Config, lay layout.Layout, console bool) (render.Bus, *bus.GPIO, string) {
	sim := func() (render.Bus, *bus.GPIO, string) {
		var indicator display.Drawer
		if console {
			indicator = screen.New(lay.Count())
		}
		return bus.NewSim(lay, indicator), nil, "sim"
	}

	switch cfg.Driver {
	case "sim":
		return sim()
	case "spi", "bitbang":
	default:
		log.Warn().Str("driver", cfg.Driver).Msg("unknown driver; using SIM")
		return sim()
	}

	if _, err := host.Init(); err != nil {
		log.Warn().Err(err).Msg("host init failed; falling back to SIM")
		return sim()
	}
	pins, err := bus.PinNames{
		Latch: cfg.Pins.Latch,
		Pulse: cfg.Pins.Pulse,
		Row:   cfg.Pins.Row,
		Col:   cfg.Pins.Col,
		Reset: cfg.Pins.Reset,
		Illum: cfg.Pins.Illum,
		MOSI:  cfg.Pins.MOSI,
		SCLK:  cfg.Pins.SCLK,
	}.Lookup()
	if err != nil {
		log.Warn().Err(err).Msg("gpio lookup failed; falling back to SIM")
		return sim()
	}

	var g *bus.GPIO
	if cfg.Driver == "spi" {
		port, perr := spireg.Open(cfg.SPI.Port)
		if perr != nil {
			log.Warn().Err(perr).Str("port", cfg.SPI.Port).Msg("SPI open failed; falling back to SIM")
			return sim()
		}
		g, err = bus.NewSPI(port, physic.Frequency(cfg.SPI.Hz)*physic.Hertz, pins)
		if err != nil {
			_ = port.Close()
		}
	} else {
		g, err = bus.NewBitBang(pins)
	}
	if err != nil {
		log.Warn().Err(err).Str("driver", cfg.Driver).Msg("bus init failed; falling back to SIM")
		return sim()
	}
	log.Info().Stringer("bus", g).Msg("hardware bus ready")
	return g, g, cfg.Driver
}

func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		h.ServeHTTP(w, r)
	})
}
