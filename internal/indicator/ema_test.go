package indicator

import (
	"math"
	"testing"
)

func TestEMA_SeededWithFirstValue(t *testing.T) {
	// span 3 => alpha 0.5
	got := EMASeries([]float64{10, 11, 12}, 3)
	want := []float64{10, 10.5, 11.25}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Fatalf("ema[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestEMA_SpanOneFollowsInput(t *testing.T) {
	in := []float64{3, 9, 1, 4}
	for i, v := range EMASeries(in, 1) {
		if v != in[i] {
			t.Fatalf("ema[%d] = %v, want %v", i, v, in[i])
		}
	}
}

func TestEMA_ConstantInput(t *testing.T) {
	for i, v := range EMASeries([]float64{5, 5, 5, 5, 5, 5}, 55) {
		if v != 5 {
			t.Fatalf("ema[%d] = %v, want 5", i, v)
		}
	}
}
