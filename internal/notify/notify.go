// Package notify implements model.ChangeNotifier over the filesystem
// (fsnotify), over stat polling, and glues stores to an Announcer so that
// remote subscribers (Redis pub/sub) learn about saves.
//
// Every notifier coalesces bursts: the returned channel has capacity one and
// a signal is dropped when one is already pending.
package notify

import (
	"context"
	"log/slog"

	"cryptoview/internal/model"
)

// signal performs a non-blocking send into a capacity-one channel.
func signal(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Announcer publishes "store id changed" to other processes.
type Announcer interface {
	Announce(ctx context.Context, id string) error
}

// AnnouncingStore wraps a SeriesStore and announces every successful Save.
type AnnouncingStore struct {
	model.SeriesStore
	announcer Announcer
	log       *slog.Logger
}

// WithAnnounce returns store wrapped so that each Save is followed by an announcement.
// Announcement failures are logged; the save itself already succeeded.
func WithAnnounce(store model.SeriesStore, a Announcer, log *slog.Logger) *AnnouncingStore {
	if log == nil {
		log = slog.Default()
	}
	return &AnnouncingStore{SeriesStore: store, announcer: a, log: log.With(slog.String("component", "notify"))}
}

// Save persists s and then announces the change.
func (s *AnnouncingStore) Save(ctx context.Context, series model.Series) error {
	if err := s.SeriesStore.Save(ctx, series); err != nil {
		return err
	}
	if err := s.announcer.Announce(ctx, s.ID()); err != nil {
		s.log.Warn("announce failed", slog.String("store", s.ID()), slog.Any("err", err))
	}
	return nil
}
