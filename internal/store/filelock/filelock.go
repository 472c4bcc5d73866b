// Package filelock provides the named advisory lock every store takes
// around its reads and writes.
package filelock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"

	"cryptoview/internal/model"
)

// defaultRetryDelay is short so a waiting writer gets a turn between the
// back-to-back loads of a polling reader.
const defaultRetryDelay = 5 * time.Millisecond

// Locker serialises access to one store across goroutines and processes.
type Locker struct {
	fl         *flock.Flock
	timeout    time.Duration
	retryDelay time.Duration
	log        *slog.Logger

	// sem serialises goroutines of this process; flock is re-entrant per handle.
	sem chan struct{}
}

// New returns a Locker for the lock file at path.
// timeout bounds each acquisition; zero waits until the caller's ctx is done.
func New(path string, timeout, retryDelay time.Duration, log *slog.Logger) *Locker {
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	if log == nil {
		log = slog.Default()
	}
	return &Locker{
		fl:         flock.New(path),
		timeout:    timeout,
		retryDelay: retryDelay,
		log:        log,
		sem:        make(chan struct{}, 1),
	}
}

// Path returns the lock file path.
func (l *Locker) Path() string { return l.fl.Path() }

// Do runs fn while holding the lock. The lock is released on every exit path.
// Failing to acquire it within the timeout yields model.ErrLockTimeout.
func (l *Locker) Do(ctx context.Context, fn func() error) error {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return timeoutErr(ctx.Err())
	}
	defer func() { <-l.sem }()

	locked, err := l.fl.TryLockContext(ctx, l.retryDelay)
	if err != nil {
		if ctx.Err() != nil {
			return timeoutErr(ctx.Err())
		}
		return fmt.Errorf("lock %s: %w", l.fl.Path(), err)
	}
	if !locked {
		return model.ErrLockTimeout
	}
	defer func() {
		if err := l.fl.Unlock(); err != nil {
			l.log.Warn("unlock failed", slog.String("lock", l.fl.Path()), slog.Any("err", err))
		}
	}()

	return fn()
}

func timeoutErr(err error) error {
	return fmt.Errorf("%w: %v", model.ErrLockTimeout, err)
}
