package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/coreman2200/funtimes-flipdot/internal/config"
	diag "github.com/coreman2200/funtimes-flipdot/internal/diagnostics"
	"github.com/coreman2200/funtimes-flipdot/internal/framebuffer"
	"github.com/coreman2200/funtimes-flipdot/internal/render"
	"github.com/coreman2200/funtimes-flipdot/internal/tests"
)

// State serializes every use of the engine: the render loop, control
// messages and previews all take mu.
type State struct {
	mu      sync.RWMutex
	Engine  *render.Engine
	FPS     int
	SimOnly bool

	ConfigPath    string
	Config        *config.Config
	CurrentDriver string

	frameID     uint64
	force       bool
	startTime   time.Time
	clients     map[*websocket.Conn]bool
	diagClients map[*websocket.Conn]bool

	testRunner *tests.Runner
}

func NewState(e *render.Engine, fps int, simOnly bool) *State {
	return &State{
		Engine:      e,
		FPS:         fps,
		SimOnly:     simOnly,
		startTime:   time.Now(),
		clients:     map[*websocket.Conn]bool{},
		diagClients: map[*websocket.Conn]bool{},
	}
}

// RunRenderLoop ticks at FPS until ctx is done.
func (s *State) RunRenderLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(max(1, s.FPS)))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick advances a running test pattern and renders when the frame changed
// or a forced pass was requested. It reports whether a pass ran.
func (s *State) Tick() bool {
	s.mu.Lock()
	e := s.Engine
	stepped := false
	if s.testRunner != nil {
		if s.testRunner.Step(e.Buffer(), e.Layout()) {
			stepped = true
		} else {
			s.pushDiag(diag.Diagnostic{Severity: diag.Info, Code: "TEST.DONE", Summary: "Test complete", Detail: string(s.testRunner.Kind())})
			s.testRunner = nil
		}
	}
	if !stepped && !s.force && e.Buffer().Synced() {
		s.mu.Unlock()
		return false
	}

	s.renderLocked(s.force)
	s.force = false
	s.frameID++
	f := s.frameLocked()
	s.mu.Unlock()

	s.broadcastFrame(f)
	return true
}

func (s *State) renderLocked(force bool) {
	e := s.Engine
	if err := e.Render(force); err != nil {
		log.Warn().Err(err).Msg("render")
		s.pushDiag(diag.RenderFailed(err, e.Last))
		return
	}
	if budget := e.FrameBudget(); e.ConstantFrameRate() && e.Last.Elapsed > budget {
		s.pushDiag(diag.SlowPass(e.Last, float64(budget.Microseconds())/1000.0))
	}
}

type frame struct {
	T       int64  `json:"t"`
	FrameID uint64 `json:"frame_id"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Bits    []byte `json:"bits"` // packed like the framebuffer, unrotated
	Dump    string `json:"dump"`
}

func (s *State) frameLocked() frame {
	var sb strings.Builder
	_ = s.Engine.Dump(&sb)
	w, h := s.Engine.Buffer().PhysicalSize()
	return frame{
		T:       time.Now().UnixNano(),
		FrameID: s.frameID,
		Width:   w,
		Height:  h,
		Bits:    append([]byte{}, s.Engine.Buffer().Bytes()...),
		Dump:    sb.String(),
	}
}

func (s *State) HandleFramesWS(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()
	s.sendTopology(conn)

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *State) HandleDiagWS(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.diagClients[conn] = true
	s.mu.Unlock()
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.diagClients, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// HandleControlWS applies JSON control messages and answers each with the
// current topology.
func (s *State) HandleControlWS(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Msg("control message")
			continue
		}
		s.applyControl(msg)
		s.sendTopology(conn)
	}
}

func (s *State) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.Engine
	last := e.Last
	resp := map[string]any{
		"frame_id": s.frameID,
		"uptime_s": time.Since(s.startTime).Seconds(),
		"boards":   e.Layout().Count(),
		"width":    e.Buffer().Width(),
		"height":   e.Buffer().Height(),
		"fps":      s.FPS,
		"driver":   s.CurrentDriver,
		"passes":   e.Frames,
		"invert":   e.Inverted(),
		"dissolve": e.Dissolve(),
		"testing":  s.testRunner != nil,
		"last": map[string]any{
			"positions":  last.Positions,
			"set":        last.Set,
			"clear":      last.Clear,
			"pulses":     last.Pulses,
			"forced":     last.Forced,
			"elapsed_ms": float64(last.Elapsed.Microseconds()) / 1000.0,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *State) applyControl(msg map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.Engine
	buf := e.Buffer()

	if v, ok := msg["pixel"].(map[string]any); ok {
		x, _ := v["x"].(float64)
		y, _ := v["y"].(float64)
		on, _ := v["on"].(bool)
		buf.SetPixel(int(x), int(y), framebuffer.ColorOf(on))
	}
	if v, ok := msg["clear"].(bool); ok && v {
		buf.Clear()
	}
	if v, ok := msg["fill"].(bool); ok && v {
		buf.Fill(framebuffer.Light)
	}
	if v, ok := msg["rotation"].(float64); ok {
		if r, err := framebuffer.RotationFromDegrees(int(v)); err == nil {
			buf.SetRotation(r)
		} else {
			s.pushDiag(diag.Diagnostic{Severity: diag.Warn, Code: "CONTROL.ROTATION", Summary: err.Error()})
		}
	}
	if v, ok := msg["dissolve"].(bool); ok {
		e.SetDissolve(v)
	}
	if v, ok := msg["constantRate"].(bool); ok {
		e.SetConstantFrameRate(v)
	}
	if v, ok := msg["pulseUs"].(float64); ok {
		e.SetPulseDuration(time.Duration(v) * time.Microsecond)
	}
	if v, ok := msg["userLED"].(map[string]any); ok {
		board, _ := v["board"].(float64)
		on, _ := v["on"].(bool)
		if err := e.SetUserLED(int(board), on); err != nil {
			s.pushDiag(diag.Diagnostic{Severity: diag.Warn, Code: "CONTROL.LED", Summary: err.Error()})
		}
	}
	if v, ok := msg["invert"].(bool); ok {
		if err := e.Invert(v); err != nil {
			log.Warn().Err(err).Msg("invert")
			s.pushDiag(diag.RenderFailed(err, e.Last))
		}
	}
	if v, ok := msg["render"].(bool); ok && v {
		s.force = true
	}
	if v, ok := msg["runTest"].(string); ok {
		if k, known := tests.ParseKind(v); known {
			text, _ := msg["text"].(string)
			s.testRunner = tests.NewRunner(tests.Plan{Kind: k, Text: text})
			s.pushDiag(diag.Diagnostic{Severity: diag.Info, Code: "TEST.RUNNING", Summary: "Running test", Detail: v})
		} else {
			s.pushDiag(diag.Diagnostic{
				Severity: diag.Warn, Code: "TEST.UNKNOWN", Summary: "Unknown test name",
				Evidence: map[string]any{"name": v},
			})
		}
	}
	if v, ok := msg["stopTest"].(bool); ok && v {
		s.testRunner = nil
	}

	// Persist config after any change
	s.saveConfig()
}

func (s *State) saveConfig() {
	if s.ConfigPath == "" || s.Config == nil {
		return
	}
	e := s.Engine
	s.Config.Rotation = e.Buffer().Rotation().Degrees()
	s.Config.Invert = e.Inverted()
	s.Config.Dissolve = e.Dissolve()
	s.Config.ConstantRate = e.ConstantFrameRate()
	s.Config.PulseUs = int(e.PulseDuration() / time.Microsecond)
	if err := config.Save(s.ConfigPath, s.Config); err != nil {
		log.Warn().Err(err).Str("path", s.ConfigPath).Msg("save config")
	}
}

func (s *State) sendTopology(conn *websocket.Conn) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.Engine
	lay := e.Layout()
	top := map[string]any{
		"boards":       map[string]int{"h": lay.Dim.H, "v": lay.Dim.V},
		"order":        lay.Order.String(),
		"width":        e.Buffer().Width(),
		"height":       e.Buffer().Height(),
		"rotation":     e.Buffer().Rotation().Degrees(),
		"invert":       e.Inverted(),
		"dissolve":     e.Dissolve(),
		"constantRate": e.ConstantFrameRate(),
		"pulseUs":      e.PulseDuration().Microseconds(),
		"driver":       s.CurrentDriver,
	}
	b, _ := json.Marshal(top)
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

func (s *State) broadcastFrame(f frame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, _ := json.Marshal(f)
	for c := range s.clients {
		c.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
		if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Debug().Err(err).Msg("write frame")
		}
	}
}

// pushDiag is called with mu held.
func (s *State) pushDiag(d diag.Diagnostic) {
	b, _ := json.Marshal(d)
	for c := range s.diagClients {
		c.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
		_ = c.WriteMessage(websocket.TextMessage, b)
	}
}
