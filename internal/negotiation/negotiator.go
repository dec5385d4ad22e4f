package negotiation

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/david-t-martel/serial-mcp-server/internal/port"
)

// Negotiator runs its strategies in descending priority order and
// returns the first confident result.
type Negotiator struct {
	strategies []Strategy
	logger     *zap.Logger
}

// New builds a negotiator with the three default strategies over the
// real serial opener.
func New(logger *zap.Logger) *Negotiator {
	return NewWithOpener(port.OpenSerial, logger)
}

// NewWithOpener injects the handle factory used by every strategy.
func NewWithOpener(opener port.Opener, logger *zap.Logger) *Negotiator {
	return NewWithStrategies(logger,
		NewManufacturerStrategy(opener, logger),
		NewEchoProbeStrategy(opener, logger),
		NewStandardBaudsStrategy(opener, logger),
	)
}

// NewWithStrategies sorts once at construction.
func NewWithStrategies(logger *zap.Logger, strategies ...Strategy) *Negotiator {
	sorted := append([]Strategy(nil), strategies...)
	sortByPriority(sorted)
	return &Negotiator{strategies: sorted, logger: logger}
}

// Strategies returns the priority-ordered strategy list.
func (n *Negotiator) Strategies() []Strategy { return n.strategies }

// Detect tries each strategy in order. NotApplicable results are
// skipped silently; other failures are recorded and reported together
// when nothing succeeds.
func (n *Negotiator) Detect(portName string, hints Hints) (Params, error) {
	n.logger.Info("starting auto-negotiation",
		zap.String("port", portName),
		zap.Int("strategies", len(n.strategies)))

	var failures []*StrategyError
	for _, strat := range n.strategies {
		params, err := strat.Detect(portName, hints)
		if err == nil {
			n.logger.Info("strategy succeeded",
				zap.String("strategy", strat.Name()),
				zap.Int("baud", params.BaudRate),
				zap.Float64("confidence", params.Confidence))
			return params, nil
		}
		if errors.Is(err, ErrNotApplicable) {
			n.logger.Debug("strategy not applicable", zap.String("strategy", strat.Name()))
			continue
		}
		var se *StrategyError
		if !errors.As(err, &se) {
			se = &StrategyError{Strategy: strat.Name(), Err: err}
		}
		n.logger.Debug("strategy failed", zap.String("strategy", strat.Name()), zap.Error(err))
		failures = append(failures, se)
	}

	n.logger.Warn("all strategies failed", zap.String("port", portName))
	return Params{}, &AllFailedError{Errors: failures}
}

// DetectPreferred jumps directly to a named strategy, then falls back
// to the normal order.
func (n *Negotiator) DetectPreferred(strategyName, portName string, hints Hints) (Params, error) {
	for _, strat := range n.strategies {
		if strat.Name() != strategyName {
			continue
		}
		params, err := strat.Detect(portName, hints)
		if err == nil {
			return params, nil
		}
		n.logger.Debug("preferred strategy failed, falling back",
			zap.String("strategy", strategyName), zap.Error(err))
		return n.Detect(portName, hints)
	}
	return Params{}, fmt.Errorf("unknown strategy: %s", strategyName)
}

// PortResult is one entry of a parallel multi-port detection.
type PortResult struct {
	PortName string
	Params   Params
	Err      error
}

// DetectMultiple runs an independent detection per port. Strategies
// share nothing; each opens its own short-lived handles.
func (n *Negotiator) DetectMultiple(ports []string, hints Hints) []PortResult {
	results := make([]PortResult, len(ports))
	var wg sync.WaitGroup
	for i, name := range ports {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			params, err := n.Detect(name, hints)
			results[i] = PortResult{PortName: name, Params: params, Err: err}
		}(i, name)
	}
	wg.Wait()
	return results
}

// ManufacturerProfiles exposes the active profile table of the
// manufacturer strategy, if present.
func (n *Negotiator) ManufacturerProfiles() []Profile {
	for _, strat := range n.strategies {
		if m, ok := strat.(*ManufacturerStrategy); ok {
			return m.Profiles()
		}
	}
	return nil
}
