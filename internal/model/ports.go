package model

import "context"

// ── Storage Port Interfaces ──
// These decouple the feed, the trigger and the engine from the concrete
// store (CSV file or SQLite).

// SeriesStore persists one raw OHLCV series.
type SeriesStore interface {
	// Load returns the persisted series, or ErrNotFound if nothing was saved yet.
	Load(ctx context.Context) (Series, error)

	// Save atomically replaces the persisted series.
	Save(ctx context.Context, s Series) error

	// ID identifies the store for change notifications (its path or table).
	ID() string
}

// DerivedStore persists one DerivedSeries.
type DerivedStore interface {
	LoadDerived(ctx context.Context) (DerivedSeries, error)
	SaveDerived(ctx context.Context, d DerivedSeries) error
	ID() string
}

// ChangeNotifier delivers a signal every time the store identified by id changes.
// The returned channel is closed when ctx is cancelled.
type ChangeNotifier interface {
	Subscribe(ctx context.Context, id string) (<-chan struct{}, error)
}
