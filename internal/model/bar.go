package model

import (
	"fmt"
	"math"
	"time"
)

// Bar is one OHLCV record for a fixed interval.
// TS is the interval start in UTC and is the unique key of a bar within a Series.
type Bar struct {
	TS     time.Time `json:"ts"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Validate rejects bars that cannot be merged into a Series.
func (b Bar) Validate() error {
	if b.TS.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrMalformedMessage)
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"open", b.Open}, {"high", b.High}, {"low", b.Low}, {"close", b.Close}, {"volume", b.Volume},
	} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrMalformedMessage, f.name)
		}
	}
	return nil
}
