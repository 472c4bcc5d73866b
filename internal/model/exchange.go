package model

import "time"

// KlineRequest asks the exchange for historical bars.
// Zero StartTime/EndTime leave the bound to the exchange ("most recent").
type KlineRequest struct {
	Symbol    string
	Interval  Interval
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// StreamEvent is one decoded message from a live kline stream.
// Err is set (wrapping ErrMalformedMessage) when the payload was unusable;
// Bar is then the zero value.
type StreamEvent struct {
	Bar    Bar
	Closed bool // the exchange marked the interval as final
	Err    error
}
