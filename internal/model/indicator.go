package model

import (
	"encoding/json"
	"math"
	"strconv"
)

// IndicatorRow is a Bar augmented with the derived indicator columns.
// Undefined values (lookahead/lookback outside the series) are NaN.
type IndicatorRow struct {
	Bar
	Tenkan  float64
	Kijun   float64
	SenkouA float64
	SenkouB float64
	Chikou  float64
	EMA     []float64 // aligned with DerivedSeries.EMASpans
	Score   int
}

// DerivedSeries is the indicator view of a Series at the moment of computation.
type DerivedSeries struct {
	EMASpans []int
	Rows     []IndicatorRow
}

// Len returns the number of rows.
func (d DerivedSeries) Len() int { return len(d.Rows) }

// Last returns the most recent row. ok is false when the series is empty.
func (d DerivedSeries) Last() (IndicatorRow, bool) {
	if len(d.Rows) == 0 {
		return IndicatorRow{}, false
	}
	return d.Rows[len(d.Rows)-1], true
}

// RawColumns is the header of a persisted raw Series.
var RawColumns = []string{"Date", "Open", "High", "Low", "Close", "Volume"}

// Columns returns the header of the persisted DerivedSeries, in file order.
func (d DerivedSeries) Columns() []string {
	cols := append([]string{}, RawColumns...)
	cols = append(cols, "Tenkan", "Kijun", "Senkou_A", "Senkou_B", "Chikou")
	for _, span := range d.EMASpans {
		cols = append(cols, EMAColumn(span))
	}
	return append(cols, "Score")
}

// EMAColumn returns the column name for an EMA span, e.g. "EMA_55".
func EMAColumn(span int) string {
	return "EMA_" + strconv.Itoa(span)
}

// signalJSON is the wire form of a row published to downstream consumers.
// NaN is not valid JSON, so undefined values are emitted as null.
type signalJSON struct {
	TS      string              `json:"ts"`
	Close   float64             `json:"close"`
	Tenkan  *float64            `json:"tenkan"`
	Kijun   *float64            `json:"kijun"`
	SenkouA *float64            `json:"senkou_a"`
	SenkouB *float64            `json:"senkou_b"`
	Chikou  *float64            `json:"chikou"`
	EMA     map[string]*float64 `json:"ema"`
	Score   int                 `json:"score"`
}

// SignalJSON encodes the row for pub/sub consumers.
func (r IndicatorRow) SignalJSON(spans []int) []byte {
	s := signalJSON{
		TS:      r.TS.UTC().Format(TimeLayout),
		Close:   r.Close,
		Tenkan:  nullable(r.Tenkan),
		Kijun:   nullable(r.Kijun),
		SenkouA: nullable(r.SenkouA),
		SenkouB: nullable(r.SenkouB),
		Chikou:  nullable(r.Chikou),
		EMA:     make(map[string]*float64, len(spans)),
		Score:   r.Score,
	}
	for i, span := range spans {
		if i < len(r.EMA) {
			s.EMA[strconv.Itoa(span)] = nullable(r.EMA[i])
		}
	}
	b, _ := json.Marshal(s)
	return b
}

func nullable(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// TimeLayout is the sortable absolute date-time format of the persisted Date column.
const TimeLayout = "2006-01-02 15:04:05"
