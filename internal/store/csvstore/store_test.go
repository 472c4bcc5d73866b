package csvstore

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoview/internal/model"
)

func makeSeries(n int, start time.Time, step time.Duration) model.Series {
	s := make(model.Series, n)
	for i := range s {
		p := 100 + float64(i)*0.25
		s[i] = model.Bar{
			TS:     start.Add(time.Duration(i) * step),
			Open:   p,
			High:   p + 1.5,
			Low:    p - 1.125,
			Close:  p + 0.1,
			Volume: 1234.5678 + float64(i),
		}
	}
	return s
}

func newStore(t *testing.T, name string) *Store {
	t.Helper()
	st, err := New(Config{Path: filepath.Join(t.TempDir(), name), LockTimeout: 2 * time.Second})
	require.NoError(t, err)
	return st
}

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func TestStore_LoadMissing_NotFound(t *testing.T) {
	st := newStore(t, "raw.csv")
	_, err := st.Load(context.Background())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_HeaderOnly_NotFound(t *testing.T) {
	st := newStore(t, "raw.csv")
	require.NoError(t, os.WriteFile(st.Path(), []byte("Date,Open,High,Low,Close,Volume\n"), 0o644))
	_, err := st.Load(context.Background())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_SaveLoad_RoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "raw.csv")
	in := makeSeries(50, t0, time.Hour)
	in[3].Close = 0.1 + 0.2 // not exactly representable in short decimal

	require.NoError(t, st.Save(ctx, in))
	out, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// Saving what was loaded yields identical bytes.
	before, err := os.ReadFile(st.Path())
	require.NoError(t, err)
	require.NoError(t, st.Save(ctx, out))
	after, err := os.ReadFile(st.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)

	first := strings.SplitN(string(before), "\n", 3)
	assert.Equal(t, "Date,Open,High,Low,Close,Volume", first[0])
	assert.True(t, strings.HasPrefix(first[1], "2024-03-01 00:00:00,"))
}

func TestStore_SaveOverwrites(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "raw.csv")
	require.NoError(t, st.Save(ctx, makeSeries(10, t0, time.Minute)))
	require.NoError(t, st.Save(ctx, makeSeries(3, t0, time.Minute)))
	out, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, out, 3)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(st.Path()))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestStore_Malformed(t *testing.T) {
	cases := map[string]string{
		"bad header":   "Time,Open,High,Low,Close,Volume\n2024-03-01 00:00:00,1,2,0.5,1,10\n",
		"bad number":   "Date,Open,High,Low,Close,Volume\n2024-03-01 00:00:00,x,2,0.5,1,10\n",
		"bad date":     "Date,Open,High,Low,Close,Volume\nyesterday,1,2,0.5,1,10\n",
		"short row":    "Date,Open,High,Low,Close,Volume\n2024-03-01 00:00:00,1,2\n",
		"not ordered":  "Date,Open,High,Low,Close,Volume\n2024-03-01 01:00:00,1,2,0.5,1,10\n2024-03-01 00:00:00,1,2,0.5,1,10\n",
		"duplicate ts": "Date,Open,High,Low,Close,Volume\n2024-03-01 00:00:00,1,2,0.5,1,10\n2024-03-01 00:00:00,1,2,0.5,1,10\n",
		"nan price":    "Date,Open,High,Low,Close,Volume\n2024-03-01 00:00:00,1,2,0.5,NaN,3\n",
		"inf price":    "Date,Open,High,Low,Close,Volume\n2024-03-01 00:00:00,1,+Inf,0.5,1,3\n",
		"inf volume":   "Date,Open,High,Low,Close,Volume\n2024-03-01 00:00:00,1,2,0.5,1,-Inf\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			st := newStore(t, "raw.csv")
			require.NoError(t, os.WriteFile(st.Path(), []byte(body), 0o644))
			_, err := st.Load(context.Background())
			assert.ErrorIs(t, err, model.ErrMalformedSeries)
		})
	}
}

func TestStore_LockTimeout(t *testing.T) {
	st, err := New(Config{Path: filepath.Join(t.TempDir(), "raw.csv"), LockTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	// Another handle (as another process would) holds the lock.
	other := flock.New(LockPath(st.Path()))
	require.NoError(t, other.Lock())
	defer other.Unlock()

	err = st.Save(context.Background(), makeSeries(1, t0, time.Minute))
	assert.ErrorIs(t, err, model.ErrLockTimeout)
	_, statErr := os.Stat(st.Path())
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "save must not proceed without the lock")
}

func TestStore_LockReleasedOnError(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "raw.csv")
	require.NoError(t, os.WriteFile(st.Path(), []byte("garbage\n"), 0o644))
	_, err := st.Load(ctx)
	require.Error(t, err)

	// A second call must not block on a leaked lock.
	require.NoError(t, st.Save(ctx, makeSeries(2, t0, time.Minute)))
}

func TestStore_ConcurrentWritersNeverTorn(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "raw.csv")

	// Independent stores on one path contend on the file lock, not just the semaphore.
	open := func() *Store {
		st, err := New(Config{Path: path, LockTimeout: 30 * time.Second})
		require.NoError(t, err)
		return st
	}
	a, b, reader := open(), open(), open()

	small := makeSeries(5, t0, time.Minute)
	large := makeSeries(300, t0, time.Minute)
	require.NoError(t, a.Save(ctx, small))

	const saves = 8
	errs := make(chan error, 2*saves)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < saves; i++ {
			errs <- a.Save(ctx, large)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < saves; i++ {
			errs <- b.Save(ctx, small)
		}
	}()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	for reading := true; reading; {
		select {
		case <-done:
			reading = false
		default:
		}
		s, err := reader.Load(ctx)
		require.NoError(t, err)
		require.True(t, len(s) == len(small) || len(s) == len(large), "torn read: %d bars", len(s))
		time.Sleep(time.Millisecond)
	}

	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestStore_SaveReplacesWholeFile(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "raw.csv")
	require.NoError(t, st.Save(ctx, makeSeries(300, t0, time.Minute)))
	require.NoError(t, st.Save(ctx, makeSeries(3, t0, time.Minute)))

	got, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, makeSeries(3, t0, time.Minute), got, "no tail of the longer series survives")

	entries, err := os.ReadDir(filepath.Dir(st.Path()))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "temporary files are renamed or removed")
	}
}

func TestDerived_RoundTripWithUndefined(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "derived.csv")
	nan := math.NaN()
	bars := makeSeries(3, t0, time.Hour)
	d := model.DerivedSeries{
		EMASpans: []int{55, 99, 222},
		Rows: []model.IndicatorRow{
			{Bar: bars[0], Tenkan: 101, Kijun: 100.5, SenkouA: nan, SenkouB: nan, Chikou: 103, EMA: []float64{100.1, 100.1, 100.1}, Score: 1},
			{Bar: bars[1], Tenkan: 101, Kijun: 101, SenkouA: nan, SenkouB: nan, Chikou: nan, EMA: []float64{100.2, 100.15, 100.11}, Score: 0},
			{Bar: bars[2], Tenkan: 102, Kijun: 103, SenkouA: 100.75, SenkouB: 100.5, Chikou: nan, EMA: []float64{100.3, 100.2, 100.12}, Score: -1},
		},
	}
	require.NoError(t, st.SaveDerived(ctx, d))

	raw, err := os.ReadFile(st.Path())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw),
		"Date,Open,High,Low,Close,Volume,Tenkan,Kijun,Senkou_A,Senkou_B,Chikou,EMA_55,EMA_99,EMA_222,Score\n"))

	got, err := st.LoadDerived(ctx)
	require.NoError(t, err)
	assert.Equal(t, d.EMASpans, got.EMASpans)
	require.Len(t, got.Rows, 3)
	assert.True(t, math.IsNaN(got.Rows[0].SenkouA))
	assert.True(t, math.IsNaN(got.Rows[1].Chikou))
	assert.Equal(t, -1, got.Rows[2].Score)
	assert.Equal(t, 100.75, got.Rows[2].SenkouA)

	var buf bytes.Buffer
	require.NoError(t, EncodeDerived(&buf, got))
	assert.Equal(t, string(raw), buf.String())
}
