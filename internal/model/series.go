package model

import (
	"fmt"
	"time"
)

// Series is an ordered sequence of bars, strictly increasing by timestamp.
type Series []Bar

// Len returns the number of bars.
func (s Series) Len() int { return len(s) }

// Last returns the most recent bar. ok is false for an empty series.
func (s Series) Last() (Bar, bool) {
	if len(s) == 0 {
		return Bar{}, false
	}
	return s[len(s)-1], true
}

// Clone returns a copy that shares no backing array with s.
func (s Series) Clone() Series {
	if s == nil {
		return nil
	}
	out := make(Series, len(s))
	copy(out, s)
	return out
}

// Timestamps returns the bar timestamps in order.
func (s Series) Timestamps() []time.Time {
	out := make([]time.Time, len(s))
	for i, b := range s {
		out[i] = b.TS
	}
	return out
}

// Gap describes a hole between two adjacent bars.
type Gap struct {
	After  time.Time
	Before time.Time
}

// Validate checks that every bar is finite and that timestamps strictly
// increase, and returns the gaps found for the given interval. Gaps are
// reported, never repaired. An interval of "" skips the gap scan.
func (s Series) Validate(iv Interval) ([]Gap, error) {
	var gaps []Gap
	step := iv.Duration()
	for i, b := range s {
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrMalformedSeries, i+1, err)
		}
	}
	for i := 1; i < len(s); i++ {
		prev, cur := s[i-1].TS, s[i].TS
		if !cur.After(prev) {
			return nil, fmt.Errorf("%w: row %d ts %s not after %s", ErrMalformedSeries, i, cur.Format(time.RFC3339), prev.Format(time.RFC3339))
		}
		if step > 0 && cur.Sub(prev) != step {
			gaps = append(gaps, Gap{After: prev, Before: cur})
		}
	}
	return gaps, nil
}
