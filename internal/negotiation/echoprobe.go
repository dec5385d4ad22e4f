package negotiation

import (
	"bytes"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/david-t-martel/serial-mcp-server/internal/port"
)

// Probe is one command/expected-response pair sent during echo
// detection.
type Probe struct {
	Command     []byte
	Expected    [][]byte
	Description string
}

// Matches reports whether the response contains any expected pattern.
func (p Probe) Matches(response []byte) bool {
	for _, want := range p.Expected {
		if bytes.Contains(response, want) {
			return true
		}
	}
	return false
}

func defaultProbes() []Probe {
	return []Probe{
		{
			Command:     []byte("AT\r\n"),
			Expected:    [][]byte{[]byte("OK"), []byte("ok"), []byte("AT")},
			Description: "AT command",
		},
		{
			Command:     []byte("\r\n"),
			Expected:    [][]byte{[]byte("\r\n"), []byte(">"), []byte("$"), []byte("#")},
			Description: "newline echo",
		},
		{
			Command:     []byte("ATI\r\n"),
			Expected:    [][]byte{[]byte("OK"), []byte("Modem"), []byte("Hayes")},
			Description: "Hayes identify",
		},
		{
			Command:     []byte("$PMTK000*32\r\n"),
			Expected:    [][]byte{[]byte("$GP"), []byte("$GN"), []byte("$GL"), []byte("$PMTK")},
			Description: "NMEA GPS",
		},
	}
}

// echoProbeBauds is the candidate set for interactive devices.
var echoProbeBauds = []int{9600, 115200, 19200, 38400, 57600}

// EchoProbeStrategy sends short probes and scores responses: an
// expected pattern yields 0.95, any non-empty response 0.6.
type EchoProbeStrategy struct {
	probes []Probe
	bauds  []int
	opener port.Opener
	logger *zap.Logger
}

func NewEchoProbeStrategy(opener port.Opener, logger *zap.Logger) *EchoProbeStrategy {
	return &EchoProbeStrategy{
		probes: defaultProbes(),
		bauds:  echoProbeBauds,
		opener: opener,
		logger: logger,
	}
}

// WithProbes replaces the probe set.
func (e *EchoProbeStrategy) WithProbes(probes []Probe) *EchoProbeStrategy {
	e.probes = probes
	return e
}

func (e *EchoProbeStrategy) Name() string  { return "echo_probe" }
func (e *EchoProbeStrategy) Priority() int { return 60 }

func (e *EchoProbeStrategy) candidateBauds(hints Hints) []int {
	if len(hints.SuggestedBauds) == 0 {
		return e.bauds
	}
	if hints.RestrictToSuggested {
		// Schnittmenge, Reihenfolge der Vorschläge bleibt erhalten
		allowed := map[int]bool{}
		for _, b := range e.bauds {
			allowed[b] = true
		}
		var out []int
		for _, b := range hints.SuggestedBauds {
			if allowed[b] {
				out = append(out, b)
			}
		}
		if len(out) > 0 {
			return out
		}
		return hints.SuggestedBauds
	}
	return hints.SuggestedBauds
}

func (e *EchoProbeStrategy) Detect(portName string, hints Hints) (Params, error) {
	timeout := hints.AttemptTimeout()
	bauds := e.candidateBauds(hints)

	var bestBaud int
	bestConfidence := 0.0

	for _, baud := range bauds {
		for _, probe := range e.probes {
			confidence, ok := e.tryProbe(portName, baud, probe, timeout)
			if !ok {
				continue
			}
			if confidence >= 0.9 {
				return NewParams(baud, e.Name()).WithConfidence(confidence), nil
			}
			if confidence > bestConfidence {
				bestConfidence = confidence
				bestBaud = baud
			}
		}
	}

	if bestConfidence > 0 {
		return NewParams(bestBaud, e.Name()).WithConfidence(bestConfidence), nil
	}
	return Params{}, &StrategyError{
		Strategy: e.Name(),
		Err:      fmt.Errorf("no probe received a response on %s", portName),
	}
}

// tryProbe returns (confidence, true) when any bytes came back.
func (e *EchoProbeStrategy) tryProbe(portName string, baud int, probe Probe, timeout time.Duration) (float64, bool) {
	handle, err := e.opener(portName, probeConfig(baud, timeout))
	if err != nil {
		e.logger.Debug("open failed during echo probe",
			zap.Int("baud", baud), zap.Error(err))
		return 0, false
	}
	defer handle.Close()

	if _, err := handle.Write(probe.Command); err != nil {
		e.logger.Debug("probe write failed",
			zap.String("probe", probe.Description), zap.Error(err))
		return 0, false
	}

	buf := make([]byte, 1024)
	n, err := handle.Read(buf)
	if err != nil || n == 0 {
		return 0, false
	}

	response := buf[:n]
	if probe.Matches(response) {
		e.logger.Debug("probe matched",
			zap.String("probe", probe.Description), zap.Int("baud", baud))
		return 0.95, true
	}
	return 0.6, true
}
