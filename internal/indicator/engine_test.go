package indicator

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"cryptoview/internal/model"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func makeSeries(closes []float64, step time.Duration) model.Series {
	s := make(model.Series, len(closes))
	for i, c := range closes {
		s[i] = model.Bar{
			TS:     t0.Add(time.Duration(i) * step),
			Open:   c,
			High:   c + 1,
			Low:    c - 1,
			Close:  c,
			Volume: 10,
		}
	}
	return s
}

func randomSeries(n int, seed int64) model.Series {
	r := rand.New(rand.NewSource(seed))
	closes := make([]float64, n)
	p := 100.0
	for i := range closes {
		p += r.NormFloat64()
		closes[i] = p
	}
	return makeSeries(closes, time.Minute)
}

func approx(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return math.Abs(a-b) < 1e-9
}

func bruteMidpoint(s model.Series, i, period int) float64 {
	lo := i - period + 1
	if lo < 0 {
		lo = 0
	}
	hi, low := math.Inf(-1), math.Inf(1)
	for j := lo; j <= i; j++ {
		hi = math.Max(hi, s[j].High)
		low = math.Min(low, s[j].Low)
	}
	return (hi + low) / 2
}

func TestCompute_MatchesReference(t *testing.T) {
	s := randomSeries(400, 7)
	p := DefaultParams()
	d, err := Compute(s, p)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if d.Len() != len(s) {
		t.Fatalf("rows = %d, want %d", d.Len(), len(s))
	}
	if !reflect.DeepEqual(d.EMASpans, p.EMASpans) {
		t.Fatalf("spans = %v, want %v", d.EMASpans, p.EMASpans)
	}
	for i, row := range d.Rows {
		if !approx(row.Tenkan, bruteMidpoint(s, i, p.ConversionPeriod)) {
			t.Fatalf("row %d: tenkan %v", i, row.Tenkan)
		}
		if !approx(row.Kijun, bruteMidpoint(s, i, p.BasePeriod)) {
			t.Fatalf("row %d: kijun %v", i, row.Kijun)
		}
		wantA, wantB, wantC := math.NaN(), math.NaN(), math.NaN()
		if j := i - p.Displacement; j >= 0 {
			wantA = (bruteMidpoint(s, j, p.ConversionPeriod) + bruteMidpoint(s, j, p.BasePeriod)) / 2
			wantB = bruteMidpoint(s, j, p.LaggingSpanPeriod)
		}
		if j := i + p.Displacement; j < len(s) {
			wantC = s[j].Close
		}
		if !approx(row.SenkouA, wantA) || !approx(row.SenkouB, wantB) || !approx(row.Chikou, wantC) {
			t.Fatalf("row %d: senkou/chikou = %v %v %v, want %v %v %v",
				i, row.SenkouA, row.SenkouB, row.Chikou, wantA, wantB, wantC)
		}
	}
}

func TestCompute_TimestampsPreserved(t *testing.T) {
	s := randomSeries(150, 1)
	d, err := Compute(s, DefaultParams())
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for i := range s {
		if !d.Rows[i].TS.Equal(s[i].TS) {
			t.Fatalf("row %d: ts %v, want %v", i, d.Rows[i].TS, s[i].TS)
		}
		if d.Rows[i].Bar != s[i] {
			t.Fatalf("row %d: raw columns changed", i)
		}
	}
}

func TestCompute_Deterministic(t *testing.T) {
	s := randomSeries(300, 42)
	a, err := Compute(s, DefaultParams())
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	b, err := Compute(s.Clone(), DefaultParams())
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for i := range a.Rows {
		ra, rb := a.Rows[i], b.Rows[i]
		if ra.Score != rb.Score || !approx(ra.Kijun, rb.Kijun) || !approx(ra.SenkouB, rb.SenkouB) ||
			!approx(ra.Chikou, rb.Chikou) || !reflect.DeepEqual(ra.EMA, rb.EMA) {
			t.Fatalf("row %d differs between runs", i)
		}
	}
}

func TestCompute_ScoreRange(t *testing.T) {
	for _, strategy := range Strategies() {
		p := DefaultParams()
		p.Strategy = strategy
		d, err := Compute(randomSeries(250, 3), p)
		if err != nil {
			t.Fatalf("%s: %v", strategy, err)
		}
		for i, row := range d.Rows {
			if row.Score < -1 || row.Score > 1 {
				t.Fatalf("%s row %d: score %d", strategy, i, row.Score)
			}
		}
	}
}

// 200 hourly bars: flat for the first 100 (Close == Kijun), strictly rising
// afterwards (Close > Kijun).
func TestCompute_KijunScoreTransition(t *testing.T) {
	s := make(model.Series, 200)
	for i := range s {
		c := 100.0
		if i >= 100 {
			c = 100 + float64(i-99)
		}
		s[i] = model.Bar{TS: t0.Add(time.Duration(i) * time.Hour), Open: c, High: c, Low: c, Close: c, Volume: 1}
	}
	d, err := Compute(s, DefaultParams())
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for i, row := range d.Rows {
		want := 0
		if i >= 100 {
			want = 1
		}
		if row.Score != want {
			t.Fatalf("row %d: score %d, want %d (close %v kijun %v)", i, row.Score, want, row.Close, row.Kijun)
		}
	}
}

func TestCompute_KijunTenkanStrategy(t *testing.T) {
	// Falling prices: the short window sits below the long one, so Kijun > Tenkan.
	closes := make([]float64, 120)
	for i := range closes {
		closes[i] = 500 - float64(i)
	}
	p := DefaultParams()
	p.Strategy = StrategyKijunTenkan
	d, err := Compute(makeSeries(closes, time.Hour), p)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	last, _ := d.Last()
	if last.Score != 1 {
		t.Fatalf("score = %d, want 1 (kijun %v tenkan %v)", last.Score, last.Kijun, last.Tenkan)
	}
	if first := d.Rows[0]; first.Score != 0 {
		t.Fatalf("first row score = %d, want 0", first.Score)
	}
}

func TestCompute_ShortSeries(t *testing.T) {
	d, err := Compute(makeSeries([]float64{10, 11, 12}, time.Minute), DefaultParams())
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for i, row := range d.Rows {
		if !math.IsNaN(row.SenkouA) || !math.IsNaN(row.SenkouB) || !math.IsNaN(row.Chikou) {
			t.Fatalf("row %d: shifted columns should be undefined", i)
		}
		if math.IsNaN(row.Tenkan) || math.IsNaN(row.Kijun) {
			t.Fatalf("row %d: partial windows should be defined", i)
		}
	}
}

func TestCompute_Empty(t *testing.T) {
	d, err := Compute(nil, DefaultParams())
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if d.Len() != 0 {
		t.Fatalf("rows = %d, want 0", d.Len())
	}
}

func TestCompute_InvalidParams(t *testing.T) {
	cases := map[string]func(*Params){
		"zero conversion": func(p *Params) { p.ConversionPeriod = 0 },
		"negative shift":  func(p *Params) { p.Displacement = -1 },
		"bad span":        func(p *Params) { p.EMASpans = []int{10, 0} },
		"dup span":        func(p *Params) { p.EMASpans = []int{10, 10} },
	}
	for name, mutate := range cases {
		p := DefaultParams()
		mutate(&p)
		if _, err := Compute(randomSeries(10, 1), p); !errors.Is(err, ErrInvalidParams) {
			t.Errorf("%s: err = %v, want ErrInvalidParams", name, err)
		}
	}

	p := DefaultParams()
	p.Strategy = "nope"
	if _, err := Compute(randomSeries(10, 1), p); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("unknown strategy: err = %v", err)
	}
}

func TestRegisterStrategy(t *testing.T) {
	RegisterStrategy("always_up_test", func(model.IndicatorRow) int { return 5 })
	p := DefaultParams()
	p.Strategy = "always_up_test"
	d, err := Compute(randomSeries(20, 2), p)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for _, row := range d.Rows {
		if row.Score != 1 {
			t.Fatalf("score = %d, want clamped 1", row.Score)
		}
	}
}
