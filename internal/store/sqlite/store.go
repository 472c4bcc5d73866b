// Package sqlite is a SeriesStore backed by a SQLite database in WAL mode.
// Each logical store (raw or derived) is a name inside the database; Save
// replaces that name's rows in a single transaction.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"cryptoview/internal/model"
	"cryptoview/internal/store/filelock"
)

// Config configures the SQLite store.
type Config struct {
	DBPath      string // path to SQLite database file, e.g. "data/cryptoview.db"
	Name        string // logical store name, e.g. "btcusdt_5m" or "btcusdt_5m_signal"
	LockTimeout time.Duration
	Logger      *slog.Logger
}

// LockPath is the advisory lock guarding one named store in the database.
// Stores sharing a file lock independently, as separate CSV files would.
func LockPath(dbPath, name string) string { return dbPath + "." + name + ".lock" }

// Store persists one series under cfg.Name.
type Store struct {
	db   *sql.DB
	name string
	path string
	lock *filelock.Locker
	log  *slog.Logger
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database with WAL mode and creates the schema.
func New(cfg Config) (*Store, error) {
	if cfg.Name == "" {
		return nil, errors.New("sqlite: empty store name")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log := cfg.Logger.With(slog.String("component", "sqlite"), slog.String("store", cfg.Name))
	log.Info("opened database", slog.String("path", cfg.DBPath))
	return &Store{
		db:   db,
		name: cfg.Name,
		path: cfg.DBPath,
		lock: filelock.New(LockPath(cfg.DBPath, cfg.Name), cfg.LockTimeout, 0, log),
		log:  log,
	}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bars (
			store  TEXT    NOT NULL,
			ts     INTEGER NOT NULL,
			open   REAL    NOT NULL,
			high   REAL    NOT NULL,
			low    REAL    NOT NULL,
			close  REAL    NOT NULL,
			volume REAL    NOT NULL,
			PRIMARY KEY (store, ts)
		);

		CREATE TABLE IF NOT EXISTS derived_rows (
			store    TEXT    NOT NULL,
			ts       INTEGER NOT NULL,
			open     REAL    NOT NULL,
			high     REAL    NOT NULL,
			low      REAL    NOT NULL,
			close    REAL    NOT NULL,
			volume   REAL    NOT NULL,
			tenkan   REAL,
			kijun    REAL,
			senkou_a REAL,
			senkou_b REAL,
			chikou   REAL,
			ema      TEXT    NOT NULL,
			score    INTEGER NOT NULL,
			PRIMARY KEY (store, ts)
		);

		CREATE TABLE IF NOT EXISTS derived_meta (
			store     TEXT PRIMARY KEY,
			ema_spans TEXT NOT NULL
		);
	`)
	return err
}

// ID returns "<dbpath>#<name>".
func (s *Store) ID() string { return s.path + "#" + s.name }

// Load reads the raw series ordered by timestamp.
func (s *Store) Load(ctx context.Context) (model.Series, error) {
	var out model.Series
	err := s.lock.Do(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT ts, open, high, low, close, volume
			FROM bars WHERE store = ? ORDER BY ts ASC
		`, s.name)
		if err != nil {
			return fmt.Errorf("sqlite query bars: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var b model.Bar
			var ts int64
			if err := rows.Scan(&ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
				return fmt.Errorf("%w: sqlite scan bars: %v", model.ErrMalformedSeries, err)
			}
			b.TS = time.UnixMilli(ts).UTC()
			out = append(out, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, model.ErrNotFound
	}
	if _, err := out.Validate(""); err != nil {
		return nil, err
	}
	return out, nil
}

// Save replaces the raw series in one transaction.
func (s *Store) Save(ctx context.Context, series model.Series) error {
	return s.lock.Do(ctx, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM bars WHERE store = ?`, s.name); err != nil {
				return err
			}
			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO bars (store, ts, open, high, low, close, volume)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`)
			if err != nil {
				return err
			}
			defer stmt.Close()
			for _, b := range series {
				if _, err := stmt.ExecContext(ctx, s.name, b.TS.UnixMilli(), b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// LoadDerived reads the derived series ordered by timestamp.
func (s *Store) LoadDerived(ctx context.Context) (model.DerivedSeries, error) {
	var out model.DerivedSeries
	err := s.lock.Do(ctx, func() error {
		var spans string
		err := s.db.QueryRowContext(ctx, `SELECT ema_spans FROM derived_meta WHERE store = ?`, s.name).Scan(&spans)
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("sqlite read meta: %w", err)
		}
		if out.EMASpans, err = decodeSpans(spans); err != nil {
			return err
		}

		rows, err := s.db.QueryContext(ctx, `
			SELECT ts, open, high, low, close, volume, tenkan, kijun, senkou_a, senkou_b, chikou, ema, score
			FROM derived_rows WHERE store = ? ORDER BY ts ASC
		`, s.name)
		if err != nil {
			return fmt.Errorf("sqlite query derived_rows: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				r                                       model.IndicatorRow
				ts                                      int64
				tenkan, kijun, senkouA, senkouB, chikou sql.NullFloat64
				ema                                     string
			)
			if err := rows.Scan(&ts, &r.Open, &r.High, &r.Low, &r.Close, &r.Volume,
				&tenkan, &kijun, &senkouA, &senkouB, &chikou, &ema, &r.Score); err != nil {
				return fmt.Errorf("%w: sqlite scan derived_rows: %v", model.ErrMalformedSeries, err)
			}
			r.TS = time.UnixMilli(ts).UTC()
			r.Tenkan, r.Kijun = fromNull(tenkan), fromNull(kijun)
			r.SenkouA, r.SenkouB, r.Chikou = fromNull(senkouA), fromNull(senkouB), fromNull(chikou)
			if r.EMA, err = decodeFloats(ema, len(out.EMASpans)); err != nil {
				return err
			}
			out.Rows = append(out.Rows, r)
		}
		return rows.Err()
	})
	if err != nil {
		return model.DerivedSeries{}, err
	}
	if len(out.Rows) == 0 {
		return model.DerivedSeries{}, model.ErrNotFound
	}
	return out, nil
}

// SaveDerived replaces the derived series in one transaction.
func (s *Store) SaveDerived(ctx context.Context, d model.DerivedSeries) error {
	return s.lock.Do(ctx, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM derived_rows WHERE store = ?`, s.name); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO derived_meta (store, ema_spans) VALUES (?, ?)`,
				s.name, encodeSpans(d.EMASpans)); err != nil {
				return err
			}
			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO derived_rows (store, ts, open, high, low, close, volume,
					tenkan, kijun, senkou_a, senkou_b, chikou, ema, score)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`)
			if err != nil {
				return err
			}
			defer stmt.Close()
			for _, r := range d.Rows {
				if len(r.EMA) != len(d.EMASpans) {
					return fmt.Errorf("row %d: %d ema values for %d spans", r.TS.UnixMilli(), len(r.EMA), len(d.EMASpans))
				}
				if _, err := stmt.ExecContext(ctx, s.name, r.TS.UnixMilli(), r.Open, r.High, r.Low, r.Close, r.Volume,
					toNull(r.Tenkan), toNull(r.Kijun), toNull(r.SenkouA), toNull(r.SenkouB), toNull(r.Chikou),
					encodeFloats(r.EMA), r.Score); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite write: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	s.log.Debug("committed", slog.Duration("took", time.Since(start)))
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func toNull(v float64) sql.NullFloat64 {
	if math.IsNaN(v) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func fromNull(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

func encodeSpans(spans []int) string {
	parts := make([]string, len(spans))
	for i, n := range spans {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

func decodeSpans(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%w: ema spans %q", model.ErrMalformedSeries, s)
		}
		out[i] = n
	}
	return out, nil
}

// encodeFloats stores EMA values as a comma list; NaN becomes an empty element.
func encodeFloats(vs []float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		if !math.IsNaN(v) {
			parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
	}
	return strings.Join(parts, ",")
}

func decodeFloats(s string, n int) ([]float64, error) {
	out := make([]float64, n)
	if n == 0 {
		return out, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("%w: %d ema values, want %d", model.ErrMalformedSeries, len(parts), n)
	}
	for i, p := range parts {
		if p == "" {
			out[i] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: ema value %q", model.ErrMalformedSeries, p)
		}
		out[i] = v
	}
	return out, nil
}
