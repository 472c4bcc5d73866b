package replay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoview/internal/model"
)

type memStore struct{ s model.Series }

func (m *memStore) ID() string { return "mem" }
func (m *memStore) Load(context.Context) (model.Series, error) {
	if m.s == nil {
		return nil, model.ErrNotFound
	}
	return m.s.Clone(), nil
}
func (m *memStore) Save(_ context.Context, s model.Series) error { m.s = s.Clone(); return nil }

func series(n int) model.Series {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := make(model.Series, n)
	for i := range s {
		s[i] = model.Bar{TS: t0.Add(time.Duration(i) * time.Minute), Open: 1, High: 2, Low: 0.5, Close: float64(i), Volume: 1}
	}
	return s
}

func TestReplayer_SplitsHistoryAndLive(t *testing.T) {
	src := &memStore{s: series(10)}
	r := New(src, Config{HistoryBars: 6})

	hist, err := r.Klines(context.Background(), model.KlineRequest{Limit: 4})
	require.NoError(t, err)
	require.Len(t, hist, 4)
	assert.Equal(t, 2.0, hist[0].Close, "limit keeps the most recent bars")

	var got []model.StreamEvent
	require.NoError(t, r.StreamKlines(context.Background(), "btcusdt", "1m", func(ev model.StreamEvent) {
		got = append(got, ev)
	}))
	require.Len(t, got, 4)
	assert.Equal(t, 6.0, got[0].Bar.Close)
	assert.True(t, got[3].Closed)
}

func TestReplayer_TimeWindow(t *testing.T) {
	s := series(10)
	r := New(&memStore{s: s}, Config{HistoryBars: 10})
	hist, err := r.Klines(context.Background(), model.KlineRequest{StartTime: s[2].TS, EndTime: s[7].TS, Limit: 3})
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, s[2].TS, hist[0].TS, "a start time keeps the oldest bars")
}

func TestReplayer_MissingSource(t *testing.T) {
	_, err := New(&memStore{}, Config{}).Klines(context.Background(), model.KlineRequest{})
	assert.ErrorIs(t, err, model.ErrUpstream)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestReplayer_CancelStopsPacedStream(t *testing.T) {
	s := series(5)
	for i := range s {
		s[i].TS = s[0].TS.Add(time.Duration(i) * time.Hour)
	}
	r := New(&memStore{s: s}, Config{HistoryBars: 1, Speed: 1})
	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	done := make(chan error, 1)
	go func() {
		done <- r.StreamKlines(ctx, "x", "1h", func(model.StreamEvent) { count++; cancel() })
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
		assert.Equal(t, 1, count)
	case <-time.After(3 * time.Second):
		t.Fatal("replay did not stop")
	}
}
