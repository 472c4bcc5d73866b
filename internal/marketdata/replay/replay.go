// Package replay serves a recorded series as if it were an exchange, so the
// feed and the recompute pipeline can run offline against archived bars.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cryptoview/internal/model"
)

// Replayer implements the feed's Exchange over a SeriesStore. The first
// HistoryBars bars answer Klines; the rest are streamed.
type Replayer struct {
	src         model.SeriesStore
	historyBars int
	speed       float64
	log         *slog.Logger
}

// Config configures a Replayer.
type Config struct {
	// HistoryBars is how many leading bars count as history. Default: half.
	HistoryBars int
	// Speed controls playback: 1.0 = real time, 10.0 = 10x, 0 = as fast as possible.
	Speed  float64
	Logger *slog.Logger
}

// New creates a Replayer reading from src.
func New(src model.SeriesStore, cfg Config) *Replayer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Replayer{
		src:         src,
		historyBars: cfg.HistoryBars,
		speed:       cfg.Speed,
		log:         cfg.Logger.With(slog.String("component", "replay"), slog.String("source", src.ID())),
	}
}

// split loads the source and divides it into history and live parts.
func (r *Replayer) split(ctx context.Context) (history, live model.Series, err error) {
	all, err := r.src.Load(ctx)
	if err != nil {
		return nil, nil, &model.UpstreamError{Op: "replay load", Err: err}
	}
	n := r.historyBars
	if n <= 0 {
		n = len(all) / 2
	}
	if n > len(all) {
		n = len(all)
	}
	return all[:n], all[n:], nil
}

// Klines returns the most recent req.Limit history bars inside the
// requested time window.
func (r *Replayer) Klines(ctx context.Context, req model.KlineRequest) ([]model.Bar, error) {
	history, _, err := r.split(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Bar, 0, len(history))
	for _, b := range history {
		if !req.StartTime.IsZero() && b.TS.Before(req.StartTime) {
			continue
		}
		if !req.EndTime.IsZero() && b.TS.After(req.EndTime) {
			continue
		}
		out = append(out, b)
	}
	if req.Limit > 0 && len(out) > req.Limit {
		if req.StartTime.IsZero() {
			out = out[len(out)-req.Limit:]
		} else {
			out = out[:req.Limit]
		}
	}
	return out, nil
}

// StreamKlines emits the live part of the source as closed bars, paced by
// the original bar spacing divided by Speed, and returns when it runs out.
func (r *Replayer) StreamKlines(ctx context.Context, symbol string, iv model.Interval, fn func(model.StreamEvent)) error {
	_, live, err := r.split(ctx)
	if err != nil {
		return err
	}
	if len(live) == 0 {
		r.log.Info("nothing to replay")
		return nil
	}
	r.log.Info("replaying", slog.String("symbol", symbol), slog.String("interval", iv.String()),
		slog.Int("bars", len(live)), slog.String("speed", fmt.Sprintf("%.1fx", r.speed)))

	var prevTS time.Time
	emitted := 0
	for _, b := range live {
		if ctx.Err() != nil {
			r.log.Info("replay cancelled", slog.Int("emitted", emitted))
			return nil
		}

		// Simulate time gaps between bars
		if r.speed > 0 && !prevTS.IsZero() {
			if gap := b.TS.Sub(prevTS); gap > 0 {
				scaled := time.Duration(float64(gap) / r.speed)
				// Cap max sleep to avoid very long waits
				if scaled > 5*time.Second {
					scaled = 5 * time.Second
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(scaled):
				}
			}
		}
		prevTS = b.TS

		fn(model.StreamEvent{Bar: b, Closed: true})
		emitted++
	}

	r.log.Info("replay completed", slog.Int("emitted", emitted))
	return nil
}
