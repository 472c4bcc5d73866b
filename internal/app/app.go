// Package app wires configuration, stores, the exchange, change notification
// and metrics into the feed and signal services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"cryptoview/config"
	"cryptoview/internal/exchange/binance"
	"cryptoview/internal/marketdata/feed"
	"cryptoview/internal/marketdata/replay"
	"cryptoview/internal/metrics"
	"cryptoview/internal/model"
	"cryptoview/internal/notify"
	"cryptoview/internal/recompute"
	"cryptoview/internal/store/csvstore"
	redisstore "cryptoview/internal/store/redis"
	sqlitestore "cryptoview/internal/store/sqlite"
)

// App owns every long-lived dependency of one process.
type App struct {
	cfg *config.Config
	log *slog.Logger

	raw      model.SeriesStore
	derived  model.DerivedStore
	exchange feed.Exchange
	notifier model.ChangeNotifier
	redis    *redisstore.Client // nil when Redis is disabled
	sqlite   []*sqlitestore.Store

	metrics *metrics.Metrics
	health  *metrics.HealthStatus
	server  *metrics.Server
}

// New builds an App for the given role (metrics.RoleFeed, RoleSignal or RoleAll).
func New(cfg *config.Config, role string, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{
		cfg:     cfg,
		log:     log,
		metrics: metrics.NewMetrics(),
		health:  metrics.NewHealthStatus(role),
	}
	a.server = metrics.NewServer(cfg.MetricsAddr, a.metrics, a.health, log)

	if cfg.RedisAddr != "" {
		rc, err := redisstore.New(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Topic:    cfg.SignalTopic,
			Logger:   log,
		})
		if err != nil {
			return nil, err
		}
		rc.OnBreakerChange = func(_, to redisstore.State) { a.metrics.SetBreakerState(int(to)) }
		a.redis = rc
	}

	err := a.openStores()
	if err == nil {
		err = a.openNotifier()
	}
	if err != nil {
		a.Close()
		return nil, err
	}
	if a.exchange, err = a.openExchange(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStores() error {
	cfg := a.cfg
	switch cfg.StoreBackend {
	case config.BackendCSV:
		raw, err := csvstore.New(csvstore.Config{Path: cfg.RawPath(), LockTimeout: cfg.LockTimeout, Logger: a.log})
		if err != nil {
			return err
		}
		derived, err := csvstore.New(csvstore.Config{Path: cfg.DerivedPath(), LockTimeout: cfg.LockTimeout, Logger: a.log})
		if err != nil {
			return err
		}
		a.raw, a.derived = raw, derived

	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		base := cfg.Symbol + "_" + cfg.Interval.String()
		raw, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath, Name: base, LockTimeout: cfg.LockTimeout, Logger: a.log})
		if err != nil {
			return err
		}
		a.sqlite = append(a.sqlite, raw)
		derived, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath, Name: base + "_signal", LockTimeout: cfg.LockTimeout, Logger: a.log})
		if err != nil {
			return err
		}
		a.sqlite = append(a.sqlite, derived)
		a.raw, a.derived = raw, derived

	default:
		return fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	return nil
}

func (a *App) openNotifier() error {
	switch a.cfg.Notifier {
	case config.NotifierFSNotify:
		a.notifier = notify.NewFileWatcher(a.log)
	case config.NotifierPoll:
		a.notifier = notify.NewPoller(a.cfg.PollInterval, a.log)
	case config.NotifierRedis:
		if a.redis == nil {
			return errors.New("redis notifier requires redis_addr")
		}
		a.notifier = a.redis
		// Writers announce their saves; the file itself carries no signal.
		a.raw = notify.WithAnnounce(a.raw, a.redis, a.log)
	default:
		return fmt.Errorf("unknown notifier %q", a.cfg.Notifier)
	}
	return nil
}

func (a *App) openExchange() (feed.Exchange, error) {
	if a.cfg.ReplayFile != "" {
		src, err := csvstore.New(csvstore.Config{Path: a.cfg.ReplayFile, LockTimeout: a.cfg.LockTimeout, Logger: a.log})
		if err != nil {
			return nil, fmt.Errorf("replay source: %w", err)
		}
		return replay.New(src, replay.Config{Speed: a.cfg.ReplaySpeed, Logger: a.log}), nil
	}
	return binance.New(binance.Config{
		RESTBaseURL:   a.cfg.RESTBaseURL,
		StreamBaseURL: a.cfg.StreamBaseURL,
		APIKey:        a.cfg.APIKey,
		Logger:        a.log,
		OnReconnect: func() {
			a.metrics.StreamReconnects.Inc()
			a.health.SetStreamConnected(false)
		},
	}), nil
}

// Metrics exposes the process metrics.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// RawStore and DerivedStore expose the configured stores.
func (a *App) RawStore() model.SeriesStore      { return a.raw }
func (a *App) DerivedStore() model.DerivedStore { return a.derived }

// NewFeed builds the market data feed with its metrics hooks attached.
func (a *App) NewFeed() (*feed.Feed, error) {
	return feed.New(feed.Config{
		Symbol:    a.cfg.Symbol,
		Interval:  a.cfg.Interval,
		StartTime: a.cfg.StartTime,
		Limit:     a.cfg.Limit,
		Logger:    a.log,
		OnMerge: func(r feed.MergeResult) {
			a.metrics.ObserveMerge(r.Action.String(), r.Bar.TS, r.Len, r.Err)
			if r.Err == nil {
				a.health.SetStreamConnected(true)
				a.health.SetLastBarTime(r.Bar.TS)
			}
		},
		OnMalformed: func(error) { a.metrics.MalformedTotal.Inc() },
		OnPersist:   a.metrics.ObservePersist,
	}, a.exchange, a.raw)
}

// NewTrigger builds the recompute trigger with its metrics hooks attached.
func (a *App) NewTrigger() (*recompute.Trigger, error) {
	cfg := recompute.Config{
		Params: a.cfg.Params(),
		Logger: a.log,
		OnResult: func(r recompute.Result) {
			a.metrics.ObserveRecompute(r.Took, r.Rows, r.Score, r.Err)
			a.health.SetRecompute(r.Started, r.Err == nil)
		},
		OnPublishError: func(error) { a.metrics.SignalPublishErrs.Inc() },
	}
	if a.redis != nil {
		cfg.Publisher = a.redis
	}
	return recompute.New(cfg, a.raw, a.derived)
}

// Backfill runs a one-shot historical load into the raw store.
func (a *App) Backfill(ctx context.Context) (model.Series, error) {
	f, err := a.NewFeed()
	if err != nil {
		return nil, err
	}
	return f.Backfill(ctx, feed.BackfillRequest{})
}

// Compute runs a single recompute of the derived store.
func (a *App) Compute(ctx context.Context) (recompute.Result, error) {
	tr, err := a.NewTrigger()
	if err != nil {
		return recompute.Result{}, err
	}
	res := tr.RunOnce(ctx)
	return res, res.Err
}

// RunFeed backfills, then follows the live stream until ctx is cancelled.
func (a *App) RunFeed(ctx context.Context) error {
	f, err := a.NewFeed()
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, f.Stop)
	defer stop()
	return f.Start(ctx)
}

// RunSignal recomputes the derived store on every raw store change until
// ctx is cancelled.
func (a *App) RunSignal(ctx context.Context) error {
	tr, err := a.NewTrigger()
	if err != nil {
		return err
	}
	api := tr.Handler()
	a.server.Handle("/status", api)
	a.server.Handle("/recompute", api)

	changes, err := a.notifier.Subscribe(ctx, a.raw.ID())
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", a.raw.ID(), err)
	}
	return tr.Run(ctx, a.countNotifications(ctx, changes))
}

func (a *App) countNotifications(ctx context.Context, in <-chan struct{}) <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-in:
				if !ok {
					return
				}
				a.metrics.NotificationsTotal.Inc()
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}

// Run runs the feed and the signal service side by side. The first to fail
// cancels the other.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.RunFeed(ctx) })
	g.Go(func() error { return a.RunSignal(ctx) })
	return g.Wait()
}

// Serve exposes /metrics and /healthz until ctx is cancelled, and probes
// Redis and SQLite periodically.
func (a *App) Serve(ctx context.Context) {
	if a.cfg.MetricsAddr == "" {
		return
	}
	a.server.Start()

	if rdb, db := a.redisConn(), a.sqliteDB(); rdb != nil || db != nil {
		a.health.StartLivenessChecker(ctx, rdb, db, 15*time.Second)
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := a.server.Stop(shutCtx); err != nil {
			a.log.Warn("metrics server shutdown", slog.Any("err", err))
		}
	}()
}

// Close releases Redis and SQLite handles.
func (a *App) Close() error {
	var errs []error
	for _, s := range a.sqlite {
		errs = append(errs, s.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}
