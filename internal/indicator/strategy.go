package indicator

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"cryptoview/internal/model"
)

// Built-in scoring strategies.
const (
	// StrategyKijun scores sign(Close - Kijun).
	StrategyKijun = "kijun"
	// StrategyKijunTenkan scores sign(Kijun - Tenkan).
	StrategyKijunTenkan = "kijun_tenkan"
)

// Strategy classifies one row into -1 (bearish), 0 (neutral) or 1 (bullish).
// It sees every column except Score.
type Strategy func(row model.IndicatorRow) int

var (
	strategiesMu sync.RWMutex
	strategies   = map[string]Strategy{
		StrategyKijun:       func(r model.IndicatorRow) int { return sign(r.Close - r.Kijun) },
		StrategyKijunTenkan: func(r model.IndicatorRow) int { return sign(r.Kijun - r.Tenkan) },
	}
)

// ErrUnknownStrategy is returned for an unregistered strategy name.
var ErrUnknownStrategy = fmt.Errorf("%w: unknown strategy", ErrInvalidParams)

// RegisterStrategy adds or replaces a named strategy.
func RegisterStrategy(name string, s Strategy) {
	strategiesMu.Lock()
	strategies[name] = s
	strategiesMu.Unlock()
}

// LookupStrategy returns the strategy registered under name.
func LookupStrategy(name string) (Strategy, error) {
	strategiesMu.RLock()
	s, ok := strategies[name]
	strategiesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownStrategy, name)
	}
	return s, nil
}

// Strategies lists the registered names in sorted order.
func Strategies() []string {
	strategiesMu.RLock()
	defer strategiesMu.RUnlock()
	names := make([]string, 0, len(strategies))
	for n := range strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// sign maps d to {-1, 0, 1}; ties and undefined values are neutral.
func sign(d float64) int {
	switch {
	case math.IsNaN(d) || d == 0:
		return 0
	case d > 0:
		return 1
	default:
		return -1
	}
}

// clampScore keeps custom strategies inside {-1, 0, 1}.
func clampScore(s int) int {
	switch {
	case s > 0:
		return 1
	case s < 0:
		return -1
	}
	return 0
}
