// Package feed owns the raw series of one symbol/interval: it backfills
// history from the exchange, subscribes to live klines and merges every
// update into the persisted series with at most one row per timestamp.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"cryptoview/internal/model"
)

// Exchange is the market data capability the feed needs.
type Exchange interface {
	Klines(ctx context.Context, req model.KlineRequest) ([]model.Bar, error)
	StreamKlines(ctx context.Context, symbol string, iv model.Interval, fn func(model.StreamEvent)) error
}

const (
	DefaultLimit = 500
	MaxLimit     = 1500
)

// Config describes the tracked market and optional hooks.
type Config struct {
	Symbol    string
	Interval  model.Interval
	StartTime time.Time // optional backfill start
	Limit     int       // backfill size, default 500, max 1500
	Logger    *slog.Logger

	// Hooks, all optional and called synchronously.
	OnMerge     func(MergeResult)
	OnMalformed func(error)
	OnPersist   func(took time.Duration, err error)
}

// BackfillRequest overrides the configured backfill window.
// Zero fields fall back to Config.
type BackfillRequest struct {
	Symbol    string
	Interval  model.Interval
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// Feed merges exchange bars into a SeriesStore.
//
// Merges are serialised; the in-memory series always equals the last
// successfully persisted state.
type Feed struct {
	cfg   Config
	ex    Exchange
	store model.SeriesStore
	log   *slog.Logger

	mu     sync.Mutex
	series model.Series
	loaded bool

	runMu   sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// New creates a Feed. Symbol and Interval are required.
func New(cfg Config, ex Exchange, store model.SeriesStore) (*Feed, error) {
	if cfg.Symbol == "" {
		return nil, errors.New("feed: symbol is required")
	}
	if cfg.Interval.Duration() == 0 {
		return nil, fmt.Errorf("feed: unsupported interval %q", cfg.Interval)
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Feed{
		cfg:   cfg,
		ex:    ex,
		store: store,
		log: cfg.Logger.With(
			slog.String("component", "feed"),
			slog.String("symbol", cfg.Symbol),
			slog.String("interval", cfg.Interval.String()),
		),
	}, nil
}

// Series returns a copy of the last persisted series.
func (f *Feed) Series() model.Series {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.series.Clone()
}

// Backfill fetches up to Limit historical bars ending now (or at EndTime),
// normalises them into a Series, persists it and returns it.
// Exchange failures are returned as *model.UpstreamError.
func (f *Feed) Backfill(ctx context.Context, req BackfillRequest) (model.Series, error) {
	req = f.withDefaults(req)

	bars, err := f.ex.Klines(ctx, model.KlineRequest{
		Symbol:    req.Symbol,
		Interval:  req.Interval,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Limit:     req.Limit,
	})
	if err != nil {
		if !errors.Is(err, model.ErrUpstream) {
			err = &model.UpstreamError{Op: "backfill", Err: err}
		}
		return nil, err
	}

	series, err := normalise(bars)
	if err != nil {
		return nil, err
	}
	gaps, err := series.Validate(req.Interval)
	if err != nil {
		return nil, err
	}
	for _, g := range gaps {
		f.log.Warn("gap in backfilled series", slog.Time("after", g.After), slog.Time("before", g.Before))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.persist(ctx, series); err != nil {
		return nil, fmt.Errorf("backfill: %w", err)
	}
	f.series = series
	f.loaded = true
	f.log.Info("backfill complete", slog.Int("bars", len(series)))
	return series.Clone(), nil
}

func (f *Feed) withDefaults(req BackfillRequest) BackfillRequest {
	if req.Symbol == "" {
		req.Symbol = f.cfg.Symbol
	}
	if req.Interval == "" {
		req.Interval = f.cfg.Interval
	}
	if req.StartTime.IsZero() {
		req.StartTime = f.cfg.StartTime
	}
	if req.Limit <= 0 {
		req.Limit = f.cfg.Limit
	}
	if req.Limit > MaxLimit {
		req.Limit = MaxLimit
	}
	return req
}

// normalise validates bars and orders them by timestamp. A repeated
// timestamp keeps the later bar, mirroring the replace-last merge rule.
func normalise(bars []model.Bar) (model.Series, error) {
	out := make(model.Series, 0, len(bars))
	for i, b := range bars {
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("backfill bar %d: %w", i, err)
		}
		b.TS = b.TS.UTC()
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })

	dedup := out[:0]
	for _, b := range out {
		if n := len(dedup); n > 0 && dedup[n-1].TS.Equal(b.TS) {
			dedup[n-1] = b
			continue
		}
		dedup = append(dedup, b)
	}
	return dedup, nil
}

func (f *Feed) persist(ctx context.Context, s model.Series) error {
	start := time.Now()
	err := f.store.Save(ctx, s)
	if f.cfg.OnPersist != nil {
		f.cfg.OnPersist(time.Since(start), err)
	}
	return err
}
