package notify

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher signals when a file is written or replaced.
// It watches the parent directory because stores replace the file by rename,
// which detaches a watch placed on the file itself.
type FileWatcher struct {
	log *slog.Logger
}

// NewFileWatcher returns a fsnotify-backed ChangeNotifier.
func NewFileWatcher(log *slog.Logger) *FileWatcher {
	if log == nil {
		log = slog.Default()
	}
	return &FileWatcher{log: log.With(slog.String("component", "filewatch"))}
}

// Subscribe watches path until ctx is cancelled.
func (w *FileWatcher) Subscribe(ctx context.Context, path string) (<-chan struct{}, error) {
	target, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filewatch: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("filewatch: add %s: %w", filepath.Dir(target), err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					signal(out)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.log.Warn("watch error", slog.String("path", target), slog.Any("err", err))
			}
		}
	}()
	return out, nil
}
