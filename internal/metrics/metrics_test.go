package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoview/internal/model"
)

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.MalformedTotal.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.MalformedTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.MalformedTotal))
}

func TestObserveMerge(t *testing.T) {
	m := NewMetrics()
	ts := time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)

	m.ObserveMerge("appended", ts, 501, nil)
	m.ObserveMerge("rejected", ts, 501, fmt.Errorf("merge: %w", model.ErrStale))
	m.ObserveMerge("rejected", ts, 501, model.ErrOutOfOrder)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BarsMerged.WithLabelValues("appended")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BarsMerged.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BarsRejected.WithLabelValues("stale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BarsRejected.WithLabelValues("out_of_order")))
	assert.Equal(t, 501.0, testutil.ToFloat64(m.SeriesLen))
	assert.Equal(t, float64(ts.Unix()), testutil.ToFloat64(m.LastBarTS))
}

func TestObserveRecompute(t *testing.T) {
	m := NewMetrics()
	m.ObserveRecompute(10*time.Millisecond, 200, -1, nil)
	m.ObserveRecompute(time.Millisecond, 0, 0, model.ErrNotFound)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecomputesTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecomputesTotal.WithLabelValues("error")))
	assert.Equal(t, 200.0, testutil.ToFloat64(m.DerivedRows))
	assert.Equal(t, -1.0, testutil.ToFloat64(m.LastScore))
}

func TestSetBreakerState(t *testing.T) {
	m := NewMetrics()
	m.SetBreakerState(1)
	m.SetBreakerState(2)
	m.SetBreakerState(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RedisCircuitBreakerState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RedisCircuitBreakerTrips))
}

func TestRejectReason(t *testing.T) {
	assert.Equal(t, "malformed", RejectReason(model.ErrMalformedMessage))
	assert.Equal(t, "not_found", RejectReason(fmt.Errorf("load: %w", model.ErrNotFound)))
	assert.Equal(t, "lock_timeout", RejectReason(model.ErrLockTimeout))
	assert.Equal(t, "other", RejectReason(errors.New("disk full")))
}

func healthz(t *testing.T, h *HealthStatus) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealthStatus_Feed(t *testing.T) {
	h := NewHealthStatus(RoleFeed)
	code, body := healthz(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])

	h.SetStreamConnected(true)
	h.SetLastBarTime(time.Now())
	code, body = healthz(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "feed", body["role"])
}

func TestHealthStatus_SignalWithSQLite(t *testing.T) {
	h := NewHealthStatus(RoleSignal)
	code, _ := healthz(t, h)
	assert.Equal(t, http.StatusOK, code, "no run yet is not a failure")

	h.SetRecompute(time.Now(), false)
	h.mu.Lock()
	h.SQLiteEnabled, h.SQLiteOK = true, true
	h.mu.Unlock()
	_, body := healthz(t, h)
	assert.Equal(t, "degraded", body["status"])
}

func TestServer_Routes(t *testing.T) {
	m := NewMetrics()
	m.StreamReconnects.Inc()
	s := NewServer(":0", m, NewHealthStatus(RoleSignal), nil)
	s.Handle("/status", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("idle")) }))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "cryptoview_feed_stream_reconnects_total 1"))

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, "idle", rec.Body.String())
}
