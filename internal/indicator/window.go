package indicator

// rollingExtreme returns, for every index i, the extreme of values over the
// trailing window [i-period+1, i] clipped at 0. Windows at the head of the
// series are partial (minimum periods of zero).
//
// A monotonic deque of indices keeps this O(n): better(a, b) reports whether a
// should evict b from the back of the deque.
func rollingExtreme(values []float64, period int, better func(a, b float64) bool) []float64 {
	out := make([]float64, len(values))
	dq := make([]int, 0, period)
	for i, v := range values {
		for len(dq) > 0 && !better(values[dq[len(dq)-1]], v) {
			dq = dq[:len(dq)-1]
		}
		dq = append(dq, i)
		if dq[0] <= i-period {
			dq = dq[1:]
		}
		out[i] = values[dq[0]]
	}
	return out
}

// RollingMax is the trailing-window maximum with partial head windows.
func RollingMax(values []float64, period int) []float64 {
	return rollingExtreme(values, period, func(kept, incoming float64) bool { return kept > incoming })
}

// RollingMin is the trailing-window minimum with partial head windows.
func RollingMin(values []float64, period int) []float64 {
	return rollingExtreme(values, period, func(kept, incoming float64) bool { return kept < incoming })
}

// midpoint returns (max(high) + min(low)) / 2 over the trailing window.
func midpoint(high, low []float64, period int) []float64 {
	hi := RollingMax(high, period)
	lo := RollingMin(low, period)
	out := make([]float64, len(high))
	for i := range out {
		out[i] = (hi[i] + lo[i]) / 2
	}
	return out
}
