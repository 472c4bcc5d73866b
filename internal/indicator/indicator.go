// Package indicator derives the Ichimoku lines, exponential moving averages
// and a directional score from a full OHLCV series.
//
// Compute is a pure function: no I/O, no shared state, and identical input
// always produces an identical DerivedSeries.
package indicator

import (
	"errors"
	"fmt"
)

// Params configures Compute. All periods are counted in bars.
type Params struct {
	ConversionPeriod  int    // Tenkan window
	BasePeriod        int    // Kijun window
	LaggingSpanPeriod int    // Senkou B window
	Displacement      int    // forward shift of Senkou A/B, backward shift of Chikou
	EMASpans          []int  // one EMA column per span, in this order
	Strategy          string // scoring strategy name, see Strategies
}

// DefaultParams returns {20, 60, 120, 30, [55 99 222], "kijun"}.
func DefaultParams() Params {
	return Params{
		ConversionPeriod:  20,
		BasePeriod:        60,
		LaggingSpanPeriod: 120,
		Displacement:      30,
		EMASpans:          []int{55, 99, 222},
		Strategy:          StrategyKijun,
	}
}

// ErrInvalidParams is returned by Validate.
var ErrInvalidParams = errors.New("invalid indicator params")

// Validate checks that every period and span is a positive integer and the
// strategy is registered.
func (p Params) Validate() error {
	for _, f := range []struct {
		name string
		v    int
	}{
		{"conversion period", p.ConversionPeriod},
		{"base period", p.BasePeriod},
		{"lagging span period", p.LaggingSpanPeriod},
		{"displacement", p.Displacement},
	} {
		if f.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidParams, f.name, f.v)
		}
	}
	seen := make(map[int]bool, len(p.EMASpans))
	for _, span := range p.EMASpans {
		if span <= 0 {
			return fmt.Errorf("%w: ema span must be positive, got %d", ErrInvalidParams, span)
		}
		if seen[span] {
			return fmt.Errorf("%w: duplicate ema span %d", ErrInvalidParams, span)
		}
		seen[span] = true
	}
	if _, err := LookupStrategy(p.Strategy); err != nil {
		return err
	}
	return nil
}
