package diagnostics

import "github.com/coreman2200/funtimes-flipdot/internal/render"

type Severity string

const (
	Info Severity = "info"
	Warn Severity = "warning"
	Err  Severity = "error"
)

type Diagnostic struct {
	Severity       Severity       `json:"severity"`
	Code           string         `json:"code"`
	Summary        string         `json:"summary"`
	Detail         string         `json:"detail,omitempty"`
	LikelyCauses   []string       `json:"likely_causes,omitempty"`
	SuggestedFixes []string       `json:"suggested_fixes,omitempty"`
	Evidence       map[string]any `json:"evidence,omitempty"`
}

// RenderFailed describes a pass that hit a bus error.
func RenderFailed(err error, st render.Stats) Diagnostic {
	return Diagnostic{
		Severity: Err,
		Code:     "RENDER.BUS",
		Summary:  "Bus error during render; the next pass re-pulses every element",
		Detail:   err.Error(),
		LikelyCauses: []string{
			"SPI port or GPIO pin released by another process",
			"driver board power lost",
		},
		SuggestedFixes: []string{"check wiring and board power, then render again"},
		Evidence: map[string]any{
			"positions": st.Positions,
			"pulses":    st.Pulses,
		},
	}
}

// SlowPass flags a pass that overran the constant frame rate budget.
func SlowPass(st render.Stats, budgetMS float64) Diagnostic {
	return Diagnostic{
		Severity: Warn,
		Code:     "RENDER.SLOW",
		Summary:  "Render pass took longer than the frame budget",
		LikelyCauses: []string{
			"host preempted during pulse delays",
			"pulse duration raised without lowering the frame rate",
		},
		Evidence: map[string]any{
			"elapsed_ms": float64(st.Elapsed.Microseconds()) / 1000.0,
			"budget_ms":  budgetMS,
		},
	}
}
