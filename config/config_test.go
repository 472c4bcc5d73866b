package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoview/internal/indicator"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("CRYPTOVIEW_CONFIG", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "btcusdt", cfg.Symbol)
	assert.Equal(t, "5m", cfg.Interval.String())
	assert.Equal(t, 500, cfg.Limit)
	assert.Equal(t, 10*time.Second, cfg.LockTimeout)
	assert.True(t, cfg.StartTime.IsZero())
	assert.Equal(t, filepath.Join("data", "raw.csv"), cfg.RawPath())
	assert.Equal(t, indicator.DefaultParams(), cfg.Params())
}

func TestLoad_YAMLThenEnvThenDotenv(t *testing.T) {
	dir := chdirTemp(t)
	yml := filepath.Join(dir, "cryptoview.yaml")
	require.NoError(t, os.WriteFile(yml, []byte(`
symbol: ETHUSDT
interval: 1h
start_time: "2024-01-02"
lock_timeout: 3s
indicator:
  ema_spans: [10, 20]
  strategy: kijun_tenkan
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LIMIT=250\nSYMBOL=solusdt\n"), 0o644))
	t.Setenv("CRYPTOVIEW_CONFIG", yml)
	t.Setenv("SYMBOL", "xrpusdt") // the real environment wins over .env
	t.Setenv("ICHIMOKU_BASE_PERIOD", "26")
	t.Cleanup(func() { os.Unsetenv("LIMIT") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "xrpusdt", cfg.Symbol)
	assert.Equal(t, "1h", cfg.Interval.String())
	assert.Equal(t, 250, cfg.Limit)
	assert.Equal(t, 3*time.Second, cfg.LockTimeout)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), cfg.StartTime)
	assert.Equal(t, []int{10, 20}, cfg.Params().EMASpans)
	assert.Equal(t, 26, cfg.Params().BasePeriod)
	assert.Equal(t, indicator.StrategyKijunTenkan, cfg.Params().Strategy)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	chdirTemp(t)
	t.Setenv("CRYPTOVIEW_CONFIG", "/nonexistent/cryptoview.yaml")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_InvalidEnv(t *testing.T) {
	chdirTemp(t)
	t.Setenv("CRYPTOVIEW_CONFIG", "")
	t.Setenv("EMA_SPANS", "55,abc")
	_, err := Load()
	assert.ErrorIs(t, err, indicator.ErrInvalidParams)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"bad interval":       "interval: 7m",
		"limit too large":    "limit: 5000",
		"unknown backend":    "store_backend: parquet",
		"fsnotify on sqlite": "store_backend: sqlite",
		"redis without addr": "notifier: redis",
		"unknown strategy":   "indicator:\n  strategy: momentum",
		"bad duration":       "lock_timeout: soon",
		"bad start":          "start_time: yesterday",
	}
	for name, body := range cases {
		_, err := LoadFromReader(strings.NewReader(body))
		assert.Error(t, err, name)
	}

	cfg, err := LoadFromReader(strings.NewReader("store_backend: sqlite\nnotifier: redis\nredis_addr: localhost:6379\n"))
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.StoreBackend)
}

func TestParseStartTime(t *testing.T) {
	want := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	for _, in := range []string{"2024-05-06T07:08:09Z", "2024-05-06 07:08:09", "1714979289000", "2024-05-06T09:08:09+02:00"} {
		got, err := ParseStartTime(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), "%s -> %v", in, got)
	}
	got, err := ParseStartTime("")
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}
