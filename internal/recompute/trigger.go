// Package recompute keeps the derived series in step with the raw series:
// every change notification leads to a full reload, recompute and save.
package recompute

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cryptoview/internal/indicator"
	"cryptoview/internal/logger"
	"cryptoview/internal/model"
)

// State of the trigger.
type State int32

const (
	Idle State = iota
	Recomputing
)

func (s State) String() string {
	if s == Recomputing {
		return "recomputing"
	}
	return "idle"
}

// Publisher receives the newest row after every successful save.
type Publisher interface {
	PublishSignal(ctx context.Context, row model.IndicatorRow, spans []int) error
}

// Result describes one recompute run.
type Result struct {
	RunID    string        `json:"run_id"`
	Started  time.Time     `json:"started"`
	Took     time.Duration `json:"took_ns"`
	Rows     int           `json:"rows"`
	LastTS   time.Time     `json:"last_ts"`
	Score    int           `json:"score"`
	Err      error         `json:"-"`
	ErrorMsg string        `json:"error,omitempty"`
}

// Config for a Trigger.
type Config struct {
	Params         indicator.Params
	Publisher      Publisher // optional
	Logger         *slog.Logger
	OnResult       func(Result) // optional, called after every run
	OnPublishError func(error)  // optional
}

// Trigger is the Idle/Recomputing state machine. Runs never overlap, and
// notifications that arrive during a run collapse into a single follow-up.
type Trigger struct {
	cfg Config
	src model.SeriesStore
	dst model.DerivedStore
	log *slog.Logger

	state   atomic.Int32
	pending chan struct{}

	mu   sync.Mutex
	last *Result
}

// New validates the indicator params and creates a Trigger reading src and
// writing dst.
func New(cfg Config, src model.SeriesStore, dst model.DerivedStore) (*Trigger, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("recompute: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Trigger{
		cfg:     cfg,
		src:     src,
		dst:     dst,
		log:     cfg.Logger.With(slog.String("component", "recompute"), slog.String("source", src.ID())),
		pending: make(chan struct{}, 1),
	}, nil
}

// State reports whether a run is in progress.
func (t *Trigger) State() State { return State(t.state.Load()) }

// Last returns the most recent run, if any.
func (t *Trigger) Last() (Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return Result{}, false
	}
	return *t.last, true
}

// Notify queues a recompute. It never blocks; with one already queued the
// call is absorbed.
func (t *Trigger) Notify() {
	select {
	case t.pending <- struct{}{}:
	default:
	}
}

// Run recomputes once at start-up, then once per (coalesced) notification
// from changes, until ctx is cancelled.
func (t *Trigger) Run(ctx context.Context, changes <-chan struct{}) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				t.Notify()
			}
		}
	}()

	t.Notify()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.pending:
			t.RunOnce(ctx)
		}
	}
}

// RunOnce performs one load, compute, save cycle. On any failure the derived
// store is left as it was.
func (t *Trigger) RunOnce(ctx context.Context) Result {
	t.state.Store(int32(Recomputing))
	defer t.state.Store(int32(Idle))

	res := Result{RunID: logger.NewRunID(), Started: time.Now()}
	ctx = logger.WithRunID(ctx, res.RunID)
	log := logger.FromContext(ctx, t.log)

	err := t.recompute(ctx, log, &res)
	res.Took = time.Since(res.Started)
	if err != nil {
		res.Err = err
		res.ErrorMsg = err.Error()
		log.Error("recompute failed, derived series left untouched", slog.Any("err", err), slog.Duration("took", res.Took))
	} else {
		log.Info("recompute complete",
			slog.Int("rows", res.Rows),
			slog.Time("last_ts", res.LastTS),
			slog.Int("score", res.Score),
			slog.Duration("took", res.Took),
		)
	}

	t.mu.Lock()
	t.last = &res
	t.mu.Unlock()
	if t.cfg.OnResult != nil {
		t.cfg.OnResult(res)
	}
	return res
}

func (t *Trigger) recompute(ctx context.Context, log *slog.Logger, res *Result) error {
	series, err := t.src.Load(ctx)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if _, err := series.Validate(""); err != nil {
		return err
	}

	derived, err := indicator.Compute(series, t.cfg.Params)
	if err != nil {
		return fmt.Errorf("compute: %w", err)
	}
	if err := t.dst.SaveDerived(ctx, derived); err != nil {
		return fmt.Errorf("save derived: %w", err)
	}

	res.Rows = derived.Len()
	last, ok := derived.Last()
	if !ok {
		return nil
	}
	res.LastTS = last.TS
	res.Score = last.Score

	if t.cfg.Publisher != nil {
		if err := t.cfg.Publisher.PublishSignal(ctx, last, derived.EMASpans); err != nil {
			log.Warn("publish signal failed", slog.Any("err", err))
			if t.cfg.OnPublishError != nil {
				t.cfg.OnPublishError(err)
			}
		}
	}
	return nil
}
