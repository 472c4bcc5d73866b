// Package csvstore persists a Series or DerivedSeries as a CSV file guarded by
// a sibling advisory lock file (<path>.lock).
//
// Every Load and Save holds the lock for the duration of the file access.
// Save writes a temporary file in the same directory and renames it over the
// target, so a reader never observes a partially written series.
package csvstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cryptoview/internal/model"
	"cryptoview/internal/store/filelock"
)

// Config configures a Store.
type Config struct {
	// Path of the CSV file, e.g. "data/btcusdt_5m.csv".
	Path string

	// LockTimeout bounds how long Load/Save wait for the lock.
	// Zero means wait until ctx is done.
	LockTimeout time.Duration

	// RetryDelay is the polling interval while the lock is held elsewhere.
	RetryDelay time.Duration

	Logger *slog.Logger
}

// Store is a lock-protected CSV file holding one series.
type Store struct {
	cfg  Config
	lock *filelock.Locker
}

// New creates a Store for cfg.Path. The directory is created if missing.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("csvstore: empty path")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("csvstore: mkdir: %w", err)
	}
	log := cfg.Logger.With(slog.String("component", "csvstore"), slog.String("path", cfg.Path))
	return &Store{
		cfg:  cfg,
		lock: filelock.New(LockPath(cfg.Path), cfg.LockTimeout, cfg.RetryDelay, log),
	}, nil
}

// LockPath returns the advisory lock file used for path.
func LockPath(path string) string { return path + ".lock" }

// ID returns the store path.
func (s *Store) ID() string { return s.cfg.Path }

// Path returns the CSV file path.
func (s *Store) Path() string { return s.cfg.Path }

// Load reads the persisted raw series.
func (s *Store) Load(ctx context.Context) (model.Series, error) {
	var out model.Series
	err := s.withLock(ctx, func() error {
		f, err := os.Open(s.cfg.Path)
		if errors.Is(err, os.ErrNotExist) {
			return model.ErrNotFound
		}
		if err != nil {
			return err
		}
		defer f.Close()
		out, err = DecodeSeries(f)
		return err
	})
	return out, err
}

// Save replaces the persisted raw series.
func (s *Store) Save(ctx context.Context, series model.Series) error {
	return s.withLock(ctx, func() error {
		return s.replace(func(w io.Writer) error { return EncodeSeries(w, series) })
	})
}

// LoadDerived reads the persisted derived series.
func (s *Store) LoadDerived(ctx context.Context) (model.DerivedSeries, error) {
	var out model.DerivedSeries
	err := s.withLock(ctx, func() error {
		f, err := os.Open(s.cfg.Path)
		if errors.Is(err, os.ErrNotExist) {
			return model.ErrNotFound
		}
		if err != nil {
			return err
		}
		defer f.Close()
		out, err = DecodeDerived(f)
		return err
	})
	return out, err
}

// SaveDerived replaces the persisted derived series.
func (s *Store) SaveDerived(ctx context.Context, d model.DerivedSeries) error {
	return s.withLock(ctx, func() error {
		return s.replace(func(w io.Writer) error { return EncodeDerived(w, d) })
	})
}

func (s *Store) withLock(ctx context.Context, fn func() error) error {
	return s.lock.Do(ctx, fn)
}

// replace encodes into memory, writes a temp file next to the target, fsyncs
// and renames it into place.
func (s *Store) replace(encode func(io.Writer) error) error {
	var buf bytes.Buffer
	if err := encode(&buf); err != nil {
		return fmt.Errorf("csvstore: encode: %w", err)
	}

	dir, base := filepath.Split(s.cfg.Path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return fmt.Errorf("csvstore: create temp: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("csvstore: chmod: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("csvstore: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("csvstore: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("csvstore: close: %w", err)
	}
	if err := os.Rename(tmpName, s.cfg.Path); err != nil {
		return fmt.Errorf("csvstore: rename: %w", err)
	}
	committed = true
	return nil
}
