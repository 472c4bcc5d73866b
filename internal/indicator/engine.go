package indicator

import (
	"math"

	"cryptoview/internal/model"
)

// Compute derives the indicator columns and the score for every bar of s.
// The result has exactly the timestamps of s, in the same order.
//
//	Tenkan[i]  = midpoint(High, Low) over ConversionPeriod bars ending at i
//	Kijun[i]   = midpoint(High, Low) over BasePeriod bars ending at i
//	SenkouA[i] = (Tenkan[i-D] + Kijun[i-D]) / 2, NaN when i < D
//	SenkouB[i] = midpoint(High, Low) over LaggingSpanPeriod bars ending at i-D, NaN when i < D
//	Chikou[i]  = Close[i+D], NaN for the last D bars
//	EMA_k[i]   = EMA(Close, k)[i]
//	Score[i]   = strategy(row i)
func Compute(s model.Series, p Params) (model.DerivedSeries, error) {
	if err := p.Validate(); err != nil {
		return model.DerivedSeries{}, err
	}
	strategy, err := LookupStrategy(p.Strategy)
	if err != nil {
		return model.DerivedSeries{}, err
	}

	n := len(s)
	spans := append([]int(nil), p.EMASpans...)
	out := model.DerivedSeries{EMASpans: spans, Rows: make([]model.IndicatorRow, n)}
	if n == 0 {
		return out, nil
	}

	high := make([]float64, n)
	low := make([]float64, n)
	closes := make([]float64, n)
	for i, b := range s {
		high[i], low[i], closes[i] = b.High, b.Low, b.Close
	}

	tenkan := midpoint(high, low, p.ConversionPeriod)
	kijun := midpoint(high, low, p.BasePeriod)
	lagging := midpoint(high, low, p.LaggingSpanPeriod)
	emas := make([][]float64, len(spans))
	for k, span := range spans {
		emas[k] = EMASeries(closes, span)
	}

	d := p.Displacement
	nan := math.NaN()
	for i, b := range s {
		row := model.IndicatorRow{
			Bar:     b,
			Tenkan:  tenkan[i],
			Kijun:   kijun[i],
			SenkouA: nan,
			SenkouB: nan,
			Chikou:  nan,
			EMA:     make([]float64, len(spans)),
		}
		if j := i - d; j >= 0 {
			row.SenkouA = (tenkan[j] + kijun[j]) / 2
			row.SenkouB = lagging[j]
		}
		if j := i + d; j < n {
			row.Chikou = closes[j]
		}
		for k := range spans {
			row.EMA[k] = emas[k][i]
		}
		row.Score = clampScore(strategy(row))
		out.Rows[i] = row
	}
	return out, nil
}
