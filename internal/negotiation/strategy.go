// Package negotiation infers working line parameters for an unknown
// device. Strategies run in descending priority order on short-lived
// handles; they never touch the port service state.
package negotiation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/david-t-martel/serial-mcp-server/internal/port"
)

// ErrNotApplicable signals that a strategy cannot contribute for this
// device (e.g. no VID hint for the manufacturer table). The
// negotiator moves on silently.
var ErrNotApplicable = errors.New("strategy not applicable")

// StrategyError wraps a failure of one named strategy.
type StrategyError struct {
	Strategy string
	Err      error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("strategy %s: %v", e.Strategy, e.Err)
}

func (e *StrategyError) Unwrap() error { return e.Err }

// AllFailedError aggregates the per-strategy failures when no
// strategy produced parameters.
type AllFailedError struct {
	Errors []*StrategyError
}

func (e *AllFailedError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, se := range e.Errors {
		parts = append(parts, se.Error())
	}
	return "all strategies failed: " + strings.Join(parts, "; ")
}

// Hints guide the detection. Zero values mean "not provided".
type Hints struct {
	VID                 uint16        `json:"vid,omitempty"`
	PID                 uint16        `json:"pid,omitempty"`
	Manufacturer        string        `json:"manufacturer,omitempty"`
	SuggestedBauds      []int         `json:"suggested_baud_rates,omitempty"`
	Timeout             time.Duration `json:"-"`
	RestrictToSuggested bool          `json:"restrict_to_suggested,omitempty"`
}

// AttemptTimeout returns the per-attempt budget, defaulting to 500ms.
func (h Hints) AttemptTimeout() time.Duration {
	if h.Timeout > 0 {
		return h.Timeout
	}
	return 500 * time.Millisecond
}

// Params is a successfully negotiated parameter set. All strategies
// fix the frame at 8-N-1 with no flow control; only the baud rate is
// detected.
type Params struct {
	BaudRate    int              `json:"baud_rate"`
	DataBits    port.DataBits    `json:"data_bits"`
	Parity      port.Parity      `json:"parity"`
	StopBits    port.StopBits    `json:"stop_bits"`
	FlowControl port.FlowControl `json:"flow_control"`
	Strategy    string           `json:"strategy_used"`
	Confidence  float64          `json:"confidence"`
}

// NewParams builds an 8-N-1-none parameter set for the given strategy.
func NewParams(baud int, strategy string) Params {
	return Params{
		BaudRate:    baud,
		DataBits:    port.DataBitsEight,
		Parity:      port.ParityNone,
		StopBits:    port.StopBitsOne,
		FlowControl: port.FlowControlNone,
		Strategy:    strategy,
		Confidence:  1.0,
	}
}

// WithConfidence clamps to [0, 1].
func (p Params) WithConfidence(c float64) Params {
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	p.Confidence = c
	return p
}

// Strategy is one interchangeable detector.
type Strategy interface {
	Name() string
	// Priority orders execution; higher runs first.
	Priority() int
	Detect(portName string, hints Hints) (Params, error)
}

func sortByPriority(strategies []Strategy) {
	sort.SliceStable(strategies, func(i, j int) bool {
		return strategies[i].Priority() > strategies[j].Priority()
	})
}

func probeConfig(baud int, timeout time.Duration) port.Config {
	cfg := port.DefaultConfig(baud)
	cfg.Timeout = timeout
	return cfg
}
