package feed

import (
	"context"
	"fmt"

	"cryptoview/internal/model"
)

// Subscribe streams live bars into OnBar until Stop is called or ctx is
// cancelled. Bars are merged one at a time in receipt order.
// Reconnection is the Exchange's concern; Subscribe returns its terminal error.
func (f *Feed) Subscribe(ctx context.Context) error {
	f.runMu.Lock()
	if f.stopped {
		f.runMu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.runMu.Unlock()
	defer cancel()

	// A merge that started before Stop runs to completion, persist included.
	mergeCtx := context.WithoutCancel(ctx)

	f.log.Info("subscribing")
	err := f.ex.StreamKlines(ctx, f.cfg.Symbol, f.cfg.Interval, func(ev model.StreamEvent) {
		f.handleEvent(ctx, mergeCtx, ev)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.log.Info("subscription ended")
	return nil
}

// Start backfills with the configured window, then subscribes.
func (f *Feed) Start(ctx context.Context) error {
	if _, err := f.Backfill(ctx, BackfillRequest{}); err != nil {
		return err
	}
	return f.Subscribe(ctx)
}

// Stop ends the subscription after the message being processed.
// It is safe to call more than once, and before Subscribe.
func (f *Feed) Stop() {
	f.runMu.Lock()
	defer f.runMu.Unlock()
	if f.stopped {
		return
	}
	f.stopped = true
	if f.cancel != nil {
		f.cancel()
	}
	f.log.Info("stop requested")
}
