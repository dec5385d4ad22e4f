package negotiation

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/david-t-martel/serial-mcp-server/internal/port"
)

// standardBauds is ordered by how common each rate is in the field.
var standardBauds = []int{
	9600, 115200, 19200, 38400, 57600, 230400, 460800, 921600, 4800, 2400, 1200,
}

// StandardBaudsStrategy is the brute-force fallback: open at each
// standard rate. A bare successful open scores 0.3; a verification
// probe that yields any data raises it to 0.6.
type StandardBaudsStrategy struct {
	verify bool
	opener port.Opener
	logger *zap.Logger
}

func NewStandardBaudsStrategy(opener port.Opener, logger *zap.Logger) *StandardBaudsStrategy {
	return &StandardBaudsStrategy{verify: true, opener: opener, logger: logger}
}

// WithVerification toggles the probe step.
func (s *StandardBaudsStrategy) WithVerification(v bool) *StandardBaudsStrategy {
	s.verify = v
	return s
}

func (s *StandardBaudsStrategy) Name() string  { return "standard_bauds" }
func (s *StandardBaudsStrategy) Priority() int { return 30 }

func (s *StandardBaudsStrategy) candidateBauds(hints Hints) []int {
	var rates []int
	seen := map[int]bool{}
	for _, b := range hints.SuggestedBauds {
		if !seen[b] {
			seen[b] = true
			rates = append(rates, b)
		}
	}
	if hints.RestrictToSuggested && len(rates) > 0 {
		return rates
	}
	for _, b := range standardBauds {
		if !seen[b] {
			seen[b] = true
			rates = append(rates, b)
		}
	}
	return rates
}

func (s *StandardBaudsStrategy) Detect(portName string, hints Hints) (Params, error) {
	timeout := hints.AttemptTimeout()

	for _, baud := range s.candidateBauds(hints) {
		confidence, ok := s.tryBaud(portName, baud, timeout)
		if ok {
			return NewParams(baud, s.Name()).WithConfidence(confidence), nil
		}
	}
	return Params{}, &StrategyError{
		Strategy: s.Name(),
		Err:      fmt.Errorf("no standard baud rate accepted by %s", portName),
	}
}

func (s *StandardBaudsStrategy) tryBaud(portName string, baud int, timeout time.Duration) (float64, bool) {
	handle, err := s.opener(portName, probeConfig(baud, timeout))
	if err != nil {
		s.logger.Debug("open failed during baud sweep",
			zap.Int("baud", baud), zap.Error(err))
		return 0, false
	}
	defer handle.Close()

	if !s.verify {
		return 0.3, true
	}

	if _, err := handle.Write([]byte("\r\n")); err != nil {
		return 0, false
	}
	buf := make([]byte, 256)
	n, err := handle.Read(buf)
	if err == nil && n > 0 {
		return 0.6, true
	}
	return 0.3, true
}
