package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cryptoview/internal/model"
)

// Action is the outcome of merging one bar.
type Action int

const (
	Rejected Action = iota
	Replaced
	Appended
)

func (a Action) String() string {
	switch a {
	case Replaced:
		return "replaced"
	case Appended:
		return "appended"
	default:
		return "rejected"
	}
}

// MergeResult reports what OnBar did with a bar.
type MergeResult struct {
	Action Action
	Bar    model.Bar
	Len    int   // series length after the merge
	Err    error // set when Action is Rejected
}

// OnBar merges bar into the series against the last stored bar:
//
//   - same timestamp: the open interval was refined, replace the last bar
//   - exactly one interval later: append, finalising the previous bar
//   - later but not the successor: reject with model.ErrStale
//   - earlier: reject with model.ErrOutOfOrder, history is never rewritten
//
// Every accepted merge is persisted before it becomes visible. If the save
// fails the series stays at its last persisted state.
func (f *Feed) OnBar(ctx context.Context, bar model.Bar) (MergeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	res := f.merge(ctx, bar)
	if f.cfg.OnMerge != nil {
		f.cfg.OnMerge(res)
	}
	return res, res.Err
}

func (f *Feed) merge(ctx context.Context, bar model.Bar) MergeResult {
	reject := func(err error) MergeResult {
		return MergeResult{Action: Rejected, Bar: bar, Len: len(f.series), Err: err}
	}

	if err := f.ensureLoaded(ctx); err != nil {
		return reject(err)
	}
	if err := bar.Validate(); err != nil {
		return reject(err)
	}
	bar.TS = bar.TS.UTC()

	next, action, err := apply(f.series, bar, f.cfg.Interval)
	if err != nil {
		return reject(err)
	}

	if err := f.persist(ctx, next); err != nil {
		f.log.Error("persist failed, keeping last persisted series",
			slog.Time("bar", bar.TS), slog.Any("err", err))
		return reject(fmt.Errorf("persist: %w", err))
	}
	f.series = next
	return MergeResult{Action: action, Bar: bar, Len: len(next)}
}

// apply merges one validated bar into s without mutating it.
func apply(s model.Series, bar model.Bar, iv model.Interval) (model.Series, Action, error) {
	last, ok := s.Last()
	switch {
	case !ok:
		return model.Series{bar}, Appended, nil
	case bar.TS.Equal(last.TS):
		next := s.Clone()
		next[len(next)-1] = bar
		return next, Replaced, nil
	case bar.TS.After(last.TS):
		if want := last.TS.Add(iv.Duration()); !bar.TS.Equal(want) {
			return nil, Rejected, fmt.Errorf("%w: bar %s, expected %s",
				model.ErrStale, bar.TS.Format(model.TimeLayout), want.Format(model.TimeLayout))
		}
		return append(s[:len(s):len(s)], bar), Appended, nil
	default:
		return nil, Rejected, fmt.Errorf("%w: bar %s precedes last %s",
			model.ErrOutOfOrder, bar.TS.Format(model.TimeLayout), last.TS.Format(model.TimeLayout))
	}
}

// ensureLoaded reads the persisted series once. A feed that was never
// backfilled surfaces model.ErrNotFound.
func (f *Feed) ensureLoaded(ctx context.Context) error {
	if f.loaded {
		return nil
	}
	s, err := f.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load series: %w", err)
	}
	f.series = s
	f.loaded = true
	return nil
}

// handleEvent is the stream callback: malformed frames and rejected bars
// are logged and dropped, the subscription carries on.
// Catch-up fetches run on fetchCtx so Stop can abort them; merges use ctx.
func (f *Feed) handleEvent(fetchCtx, ctx context.Context, ev model.StreamEvent) {
	if ev.Err != nil {
		f.log.Warn("dropping malformed message", slog.Any("err", ev.Err))
		if f.cfg.OnMalformed != nil {
			f.cfg.OnMalformed(ev.Err)
		}
		return
	}

	res, err := f.OnBar(ctx, ev.Bar)
	if errors.Is(err, model.ErrStale) {
		// The stream moved on while we were disconnected: refill the hole
		// from history, then retry the live bar.
		if n, cerr := f.catchUp(fetchCtx, ctx, ev.Bar.TS); cerr != nil {
			f.log.Error("catch-up failed", slog.Time("upto", ev.Bar.TS), slog.Any("err", cerr))
		} else {
			f.log.Info("caught up after gap", slog.Int("bars", n), slog.Time("upto", ev.Bar.TS))
			res, err = f.OnBar(ctx, ev.Bar)
		}
	}
	switch {
	case err == nil:
		f.log.Debug("bar merged",
			slog.String("action", res.Action.String()),
			slog.Time("ts", res.Bar.TS),
			slog.Float64("close", res.Bar.Close),
			slog.Bool("closed", ev.Closed),
			slog.Int("len", res.Len),
		)
	case errors.Is(err, model.ErrStale), errors.Is(err, model.ErrOutOfOrder):
		f.log.Warn("bar rejected", slog.Time("ts", ev.Bar.TS), slog.Any("err", err))
	default:
		f.log.Error("bar not merged", slog.Time("ts", ev.Bar.TS), slog.Any("err", err))
	}
}
