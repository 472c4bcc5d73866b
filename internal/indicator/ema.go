package indicator

// EMA is a recursive exponential moving average with smoothing factor
// alpha = 2/(span+1), seeded with the first value and without bias
// correction (the "adjust=false" convention).
// O(1) per update.
type EMA struct {
	alpha   float64
	current float64
	count   int
}

// NewEMA creates an EMA for the given span.
func NewEMA(span int) *EMA {
	return &EMA{alpha: 2.0 / float64(span+1)}
}

// Update feeds the next value and returns the new average.
func (e *EMA) Update(v float64) float64 {
	e.count++
	if e.count == 1 {
		e.current = v
		return e.current
	}
	e.current = e.alpha*v + (1-e.alpha)*e.current
	return e.current
}

// EMASeries applies an EMA of the given span over values.
func EMASeries(values []float64, span int) []float64 {
	e := NewEMA(span)
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = e.Update(v)
	}
	return out
}
