package notify

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"
)

// Poller signals when a file's size or modification time changes.
// Useful on filesystems without inotify (network mounts, some containers).
type Poller struct {
	interval time.Duration
	log      *slog.Logger
}

// NewPoller returns a stat-polling ChangeNotifier.
func NewPoller(interval time.Duration, log *slog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{interval: interval, log: log.With(slog.String("component", "poller"))}
}

type fileStamp struct {
	size    int64
	modTime time.Time
	exists  bool
}

func stamp(path string) (fileStamp, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return fileStamp{}, nil
	}
	if err != nil {
		return fileStamp{}, err
	}
	return fileStamp{size: fi.Size(), modTime: fi.ModTime(), exists: true}, nil
}

// Subscribe polls path until ctx is cancelled.
func (p *Poller) Subscribe(ctx context.Context, path string) (<-chan struct{}, error) {
	last, err := stamp(path)
	if err != nil {
		return nil, err
	}
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cur, err := stamp(path)
				if err != nil {
					p.log.Warn("stat failed", slog.String("path", path), slog.Any("err", err))
					continue
				}
				if cur != last {
					last = cur
					if cur.exists {
						signal(out)
					}
				}
			}
		}
	}()
	return out, nil
}
