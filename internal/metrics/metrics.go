// Package metrics exposes Prometheus metrics and a /healthz probe for the
// feed and signal processes.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cryptoview/internal/model"
)

// Metrics holds all Prometheus metrics for cryptoview.
type Metrics struct {
	// Feed
	BarsMerged       *prometheus.CounterVec // labels: action=replaced|appended|rejected
	BarsRejected     *prometheus.CounterVec // labels: reason=stale|out_of_order|malformed|not_found|persist|other
	MalformedTotal   prometheus.Counter
	StreamReconnects prometheus.Counter
	PersistDur       prometheus.Histogram
	PersistFailures  prometheus.Counter
	SeriesLen        prometheus.Gauge
	LastBarTS        prometheus.Gauge

	// Recompute
	RecomputeDur       prometheus.Histogram
	RecomputesTotal    *prometheus.CounterVec // labels: result=ok|error
	DerivedRows        prometheus.Gauge
	LastScore          prometheus.Gauge
	NotificationsTotal prometheus.Counter
	SignalPublishErrs  prometheus.Counter

	// Redis circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates the metrics on a private registry, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		BarsMerged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptoview_feed_bars_total",
			Help: "Bars processed by the feed merge, by outcome",
		}, []string{"action"}),
		BarsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptoview_feed_bars_rejected_total",
			Help: "Bars rejected by the feed merge, by reason",
		}, []string{"reason"}),
		MalformedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptoview_feed_malformed_messages_total",
			Help: "Stream messages dropped as malformed",
		}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptoview_feed_stream_reconnects_total",
			Help: "Kline stream reconnection attempts",
		}),
		PersistDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cryptoview_feed_persist_duration_seconds",
			Help:    "Raw series save latency, lock wait included",
			Buckets: prometheus.DefBuckets,
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptoview_feed_persist_failures_total",
			Help: "Raw series saves that failed",
		}),
		SeriesLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cryptoview_feed_series_length",
			Help: "Number of bars in the raw series",
		}),
		LastBarTS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cryptoview_feed_last_bar_timestamp_seconds",
			Help: "Open time of the most recent merged bar",
		}),

		RecomputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cryptoview_recompute_duration_seconds",
			Help:    "Load, compute and save latency of one recompute",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		RecomputesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptoview_recomputes_total",
			Help: "Recompute runs, by result",
		}, []string{"result"}),
		DerivedRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cryptoview_derived_rows",
			Help: "Rows in the last derived series written",
		}),
		LastScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cryptoview_signal_score",
			Help: "Score of the most recent derived row (-1, 0, 1)",
		}),
		NotificationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptoview_recompute_notifications_total",
			Help: "Change notifications received by the recompute trigger",
		}),
		SignalPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptoview_signal_publish_errors_total",
			Help: "Failed signal publications",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cryptoview_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptoview_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),

		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.BarsMerged,
		m.BarsRejected,
		m.MalformedTotal,
		m.StreamReconnects,
		m.PersistDur,
		m.PersistFailures,
		m.SeriesLen,
		m.LastBarTS,
		m.RecomputeDur,
		m.RecomputesTotal,
		m.DerivedRows,
		m.LastScore,
		m.NotificationsTotal,
		m.SignalPublishErrs,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
	)
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveMerge records one feed merge outcome.
func (m *Metrics) ObserveMerge(action string, ts time.Time, seriesLen int, err error) {
	m.BarsMerged.WithLabelValues(action).Inc()
	if err != nil {
		m.BarsRejected.WithLabelValues(RejectReason(err)).Inc()
		return
	}
	m.SeriesLen.Set(float64(seriesLen))
	m.LastBarTS.Set(float64(ts.Unix()))
}

// ObserveRecompute records one recompute run.
func (m *Metrics) ObserveRecompute(took time.Duration, rows, score int, err error) {
	m.RecomputeDur.Observe(took.Seconds())
	if err != nil {
		m.RecomputesTotal.WithLabelValues("error").Inc()
		return
	}
	m.RecomputesTotal.WithLabelValues("ok").Inc()
	m.DerivedRows.Set(float64(rows))
	m.LastScore.Set(float64(score))
}

// ObservePersist records the latency and outcome of a raw series save.
func (m *Metrics) ObservePersist(took time.Duration, err error) {
	m.PersistDur.Observe(took.Seconds())
	if err != nil {
		m.PersistFailures.Inc()
	}
}

// SetBreakerState mirrors the Redis circuit breaker; a move to open counts as a trip.
func (m *Metrics) SetBreakerState(state int) {
	m.RedisCircuitBreakerState.Set(float64(state))
	if state == 1 {
		m.RedisCircuitBreakerTrips.Inc()
	}
}

// RejectReason maps a merge error to a low-cardinality label.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, model.ErrStale):
		return "stale"
	case errors.Is(err, model.ErrOutOfOrder):
		return "out_of_order"
	case errors.Is(err, model.ErrMalformedMessage):
		return "malformed"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrLockTimeout):
		return "lock_timeout"
	default:
		return "other"
	}
}

// HealthStatus represents the process health.
type HealthStatus struct {
	mu sync.RWMutex

	Role            string    `json:"role"`
	StreamConnected bool      `json:"stream_connected"`
	LastBarTime     time.Time `json:"last_bar_time"`
	LastRecomputeAt time.Time `json:"last_recompute_at"`
	LastRecomputeOK bool      `json:"last_recompute_ok"`

	// Optional dependencies; only checked when enabled.
	RedisEnabled    bool    `json:"redis_enabled"`
	RedisConnected  bool    `json:"redis_connected"`
	RedisLatencyMs  float64 `json:"redis_latency_ms"`
	SQLiteEnabled   bool    `json:"sqlite_enabled"`
	SQLiteOK        bool    `json:"sqlite_ok"`
	SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`

	LastCheckAt time.Time `json:"last_check_at"`
	StartedAt   time.Time `json:"started_at"`
}

// Roles a process can run. A "run" process is both.
const (
	RoleFeed   = "feed"
	RoleSignal = "signal"
	RoleAll    = "all"
)

// NewHealthStatus returns a default health status for role.
func NewHealthStatus(role string) *HealthStatus {
	return &HealthStatus{
		Role:      role,
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetStreamConnected(v bool) {
	h.mu.Lock()
	h.StreamConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastBarTime(t time.Time) {
	h.mu.Lock()
	h.LastBarTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRecompute(at time.Time, ok bool) {
	h.mu.Lock()
	h.LastRecomputeAt = at
	h.LastRecomputeOK = ok
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteEnabled = true
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Nil dependencies are skipped.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if sqlDB != nil {
			h.CheckSQLite(probeCtx, sqlDB)
		}
	}
	go func() {
		check()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				check()
			}
		}
	}()
}

// status evaluates the overall state. Caller holds h.mu.
func (h *HealthStatus) status() string {
	var degraded []bool
	if h.Role == RoleFeed || h.Role == RoleAll {
		degraded = append(degraded, !h.StreamConnected)
	}
	if h.Role == RoleSignal || h.Role == RoleAll {
		degraded = append(degraded, !h.LastRecomputeAt.IsZero() && !h.LastRecomputeOK)
	}
	if h.RedisEnabled {
		degraded = append(degraded, !h.RedisConnected)
	}
	if h.SQLiteEnabled {
		degraded = append(degraded, !h.SQLiteOK)
	}
	bad := 0
	for _, d := range degraded {
		if d {
			bad++
		}
	}
	switch {
	case bad == 0:
		return "healthy"
	case bad == len(degraded):
		return "unhealthy"
	default:
		return "degraded"
	}
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := h.status()

	barAge := ""
	if !h.LastBarTime.IsZero() {
		barAge = time.Since(h.LastBarTime).Round(time.Second).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Role            string  `json:"role"`
		Uptime          string  `json:"uptime"`
		StreamConnected bool    `json:"stream_connected"`
		LastBarTime     string  `json:"last_bar_time"`
		BarAge          string  `json:"bar_age"`
		LastRecomputeAt string  `json:"last_recompute_at"`
		LastRecomputeOK bool    `json:"last_recompute_ok"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Role:            h.Role,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		StreamConnected: h.StreamConnected,
		LastBarTime:     h.LastBarTime.Format(time.RFC3339),
		BarAge:          barAge,
		LastRecomputeAt: h.LastRecomputeAt.Format(time.RFC3339),
		LastRecomputeOK: h.LastRecomputeOK,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if overallStatus != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics, /healthz and any extra handlers.
type Server struct {
	addr string
	mux  *http.ServeMux
	srv  *http.Server
	log  *slog.Logger
}

// NewServer creates a metrics and health server.
func NewServer(addr string, m *Metrics, health *HealthStatus, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		mux:  mux,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log.With(slog.String("component", "metrics")),
	}
}

// Handle mounts an extra handler, e.g. the recompute status API.
func (s *Server) Handle(pattern string, h http.Handler) { s.mux.Handle(pattern, h) }

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler { return s.mux }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("server listening", slog.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server error", slog.Any("err", err))
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
