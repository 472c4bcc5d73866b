package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cryptoview/internal/model"
)

// maxCatchUpRounds bounds one catch-up at 30 exchange pages (45000 bars).
const maxCatchUpRounds = 30

// CatchUp fills the hole between the last stored bar and upTo from exchange
// history, so that a live bar at upTo becomes the next append. Fetched bars
// go through the same merge rules as live ones and are persisted once per
// page. It returns the number of bars appended. The store lock is never
// held while the exchange is called.
func (f *Feed) CatchUp(ctx context.Context, upTo time.Time) (int, error) {
	return f.catchUp(ctx, ctx, upTo)
}

func (f *Feed) catchUp(fetchCtx, ctx context.Context, upTo time.Time) (int, error) {
	step := f.cfg.Interval.Duration()
	upTo = upTo.UTC()
	total := 0
	for round := 0; round < maxCatchUpRounds; round++ {
		f.mu.Lock()
		err := f.ensureLoaded(ctx)
		last, ok := f.series.Last()
		f.mu.Unlock()
		if err != nil {
			return total, err
		}
		if !ok || !last.TS.Add(step).Before(upTo) {
			return total, nil
		}

		bars, err := f.ex.Klines(fetchCtx, model.KlineRequest{
			Symbol:    f.cfg.Symbol,
			Interval:  f.cfg.Interval,
			StartTime: last.TS,
			EndTime:   upTo.Add(-time.Millisecond),
			Limit:     MaxLimit,
		})
		if err != nil {
			if !errors.Is(err, model.ErrUpstream) {
				err = &model.UpstreamError{Op: "catch-up", Err: err}
			}
			return total, err
		}
		page, err := normalise(bars)
		if err != nil {
			return total, err
		}

		n, err := f.mergePage(ctx, page)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("%w: exchange has no bar after %s",
				model.ErrStale, last.TS.Format(model.TimeLayout))
		}
	}
	return total, fmt.Errorf("%w: gap before %s exceeds %d pages",
		model.ErrStale, upTo.Format(model.TimeLayout), maxCatchUpRounds)
}

// mergePage applies an ordered page of history on top of the series: bars
// before the last stored one are skipped, the last one may be replaced and
// successors are appended. The page stops at its first hole.
func (f *Feed) mergePage(ctx context.Context, page model.Series) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.series) == 0 {
		return 0, nil
	}
	step := f.cfg.Interval.Duration()
	next := f.series.Clone()
	var results []MergeResult
	appended := 0
	for _, b := range page {
		last := next[len(next)-1]
		switch {
		case b.TS.Before(last.TS):
			continue
		case b.TS.Equal(last.TS):
			next[len(next)-1] = b
			results = append(results, MergeResult{Action: Replaced, Bar: b, Len: len(next)})
			continue
		case b.TS.Equal(last.TS.Add(step)):
			next = append(next, b)
			appended++
			results = append(results, MergeResult{Action: Appended, Bar: b, Len: len(next)})
			continue
		}
		f.log.Warn("hole in exchange history", slog.Time("after", last.TS), slog.Time("next", b.TS))
		break
	}
	if appended == 0 {
		return 0, nil
	}

	if err := f.persist(ctx, next); err != nil {
		return 0, fmt.Errorf("persist: %w", err)
	}
	f.series = next
	if f.cfg.OnMerge != nil {
		for _, r := range results {
			f.cfg.OnMerge(r)
		}
	}
	return appended, nil
}
