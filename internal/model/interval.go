package model

import (
	"fmt"
	"time"
)

// Interval is a bar width in exchange notation ("1m", "1h", "1d", ...).
type Interval string

var intervalDurations = map[Interval]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"3d":  72 * time.Hour,
	"1w":  7 * 24 * time.Hour,
}

// ParseInterval validates s against the supported exchange intervals.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if _, ok := intervalDurations[iv]; !ok {
		return "", fmt.Errorf("unsupported interval %q", s)
	}
	return iv, nil
}

// Duration returns the bar width. Unknown intervals return 0.
func (iv Interval) Duration() time.Duration {
	return intervalDurations[iv]
}

// Truncate aligns t to the start of its interval bucket (UTC).
// Weekly bars are aligned the way the exchange does it: epoch-based, so Monday 00:00 UTC.
func (iv Interval) Truncate(t time.Time) time.Time {
	d := iv.Duration()
	if d == 0 {
		return t.UTC()
	}
	ms := t.UnixMilli()
	if iv == "1w" {
		// 1970-01-01 was a Thursday; shift by 4 days to align buckets on Monday.
		const shift = 4 * 24 * int64(time.Hour/time.Millisecond)
		ms = ms + shift
		ms -= ms % d.Milliseconds()
		return time.UnixMilli(ms - shift).UTC()
	}
	ms -= ms % d.Milliseconds()
	return time.UnixMilli(ms).UTC()
}

func (iv Interval) String() string { return string(iv) }
