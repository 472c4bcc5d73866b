// Package config loads the process configuration: defaults, then an optional
// YAML file named by CRYPTOVIEW_CONFIG, then environment variables (a .env
// file in the working directory is loaded into the environment first).
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"cryptoview/internal/indicator"
	"cryptoview/internal/model"
)

// Store backends and change notifiers.
const (
	BackendCSV    = "csv"
	BackendSQLite = "sqlite"

	NotifierFSNotify = "fsnotify"
	NotifierPoll     = "poll"
	NotifierRedis    = "redis"
)

// Config holds all application configuration.
type Config struct {
	// Tracked market
	Symbol       string         `yaml:"symbol"`
	Interval     model.Interval `yaml:"interval"`
	StartTimeRaw string         `yaml:"start_time"`
	StartTime    time.Time      `yaml:"-"`
	Limit        int            `yaml:"limit"`

	// Storage
	DataDir        string        `yaml:"data_dir"`
	RawFile        string        `yaml:"raw_file"`
	DerivedFile    string        `yaml:"derived_file"`
	StoreBackend   string        `yaml:"store_backend"`
	SQLitePath     string        `yaml:"sqlite_path"`
	LockTimeoutRaw string        `yaml:"lock_timeout"`
	LockTimeout    time.Duration `yaml:"-"`

	// Change notification
	Notifier        string        `yaml:"notifier"`
	PollIntervalRaw string        `yaml:"poll_interval"`
	PollInterval    time.Duration `yaml:"-"`

	// Infrastructure
	RedisAddr     string `yaml:"redis_addr"` // empty disables Redis
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	SignalTopic   string `yaml:"signal_topic"`
	MetricsAddr   string `yaml:"metrics_addr"`
	LogLevel      string `yaml:"log_level"`

	// Exchange
	RESTBaseURL   string `yaml:"rest_base_url"`
	StreamBaseURL string `yaml:"stream_base_url"`
	APIKey        string `yaml:"api_key"`

	// Offline mode: replay a recorded raw series instead of the exchange.
	ReplayFile  string  `yaml:"replay_file"`
	ReplaySpeed float64 `yaml:"replay_speed"`

	Indicator IndicatorConfig `yaml:"indicator"`
}

// IndicatorConfig mirrors indicator.Params.
type IndicatorConfig struct {
	ConversionPeriod  int    `yaml:"conversion_period"`
	BasePeriod        int    `yaml:"base_period"`
	LaggingSpanPeriod int    `yaml:"lagging_span_period"`
	Displacement      int    `yaml:"displacement"`
	EMASpans          []int  `yaml:"ema_spans"`
	Strategy          string `yaml:"strategy"`
}

// Default returns the built-in configuration.
func Default() *Config {
	p := indicator.DefaultParams()
	return &Config{
		Symbol:          "btcusdt",
		Interval:        "5m",
		Limit:           500,
		DataDir:         "data",
		RawFile:         "raw.csv",
		DerivedFile:     "derived.csv",
		StoreBackend:    BackendCSV,
		SQLitePath:      "data/cryptoview.db",
		LockTimeoutRaw:  "10s",
		Notifier:        NotifierFSNotify,
		PollIntervalRaw: "1s",
		SignalTopic:     "btcusdt:5m",
		MetricsAddr:     ":9090",
		LogLevel:        "info",
		RESTBaseURL:     "https://fapi.binance.com",
		StreamBaseURL:   "wss://fstream.binance.com",
		Indicator: IndicatorConfig{
			ConversionPeriod:  p.ConversionPeriod,
			BasePeriod:        p.BasePeriod,
			LaggingSpanPeriod: p.LaggingSpanPeriod,
			Displacement:      p.Displacement,
			EMASpans:          p.EMASpans,
			Strategy:          p.Strategy,
		},
	}
}

// Load builds the configuration from defaults, CRYPTOVIEW_CONFIG and the
// environment, then validates it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("CRYPTOVIEW_CONFIG"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := cfg.decodeYAML(f); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.normalise(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader overlays YAML from r on the defaults, without consulting
// the environment.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := cfg.decodeYAML(r); err != nil {
		return nil, err
	}
	if err := cfg.normalise(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeYAML(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Symbol = getEnv("SYMBOL", c.Symbol)
	c.Interval = model.Interval(getEnv("INTERVAL", string(c.Interval)))
	c.StartTimeRaw = getEnv("START_TIME", c.StartTimeRaw)
	c.Limit = getEnvInt("LIMIT", c.Limit)

	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.RawFile = getEnv("RAW_FILE", c.RawFile)
	c.DerivedFile = getEnv("DERIVED_FILE", c.DerivedFile)
	c.StoreBackend = getEnv("STORE_BACKEND", c.StoreBackend)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.LockTimeoutRaw = getEnv("LOCK_TIMEOUT", c.LockTimeoutRaw)

	c.Notifier = getEnv("NOTIFIER", c.Notifier)
	c.PollIntervalRaw = getEnv("POLL_INTERVAL", c.PollIntervalRaw)

	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)
	c.SignalTopic = getEnv("SIGNAL_TOPIC", c.SignalTopic)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.RESTBaseURL = getEnv("BINANCE_REST_URL", c.RESTBaseURL)
	c.StreamBaseURL = getEnv("BINANCE_STREAM_URL", c.StreamBaseURL)
	c.APIKey = getEnv("BINANCE_API_KEY", c.APIKey)
	c.ReplayFile = getEnv("REPLAY_FILE", c.ReplayFile)
	if v := os.Getenv("REPLAY_SPEED"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.ReplaySpeed = f
		} else {
			c.ReplaySpeed = -1
		}
	}

	c.Indicator.ConversionPeriod = getEnvInt("ICHIMOKU_CONVERSION_PERIOD", c.Indicator.ConversionPeriod)
	c.Indicator.BasePeriod = getEnvInt("ICHIMOKU_BASE_PERIOD", c.Indicator.BasePeriod)
	c.Indicator.LaggingSpanPeriod = getEnvInt("ICHIMOKU_LAGGING_SPAN_PERIOD", c.Indicator.LaggingSpanPeriod)
	c.Indicator.Displacement = getEnvInt("ICHIMOKU_DISPLACEMENT", c.Indicator.Displacement)
	if v := os.Getenv("EMA_SPANS"); v != "" {
		if spans, err := parseInts(v); err == nil {
			c.Indicator.EMASpans = spans
		} else {
			c.Indicator.EMASpans = []int{0} // rejected by Validate
		}
	}
	c.Indicator.Strategy = getEnv("SCORE_STRATEGY", c.Indicator.Strategy)
}

func (c *Config) normalise() error {
	c.Symbol = strings.ToLower(strings.TrimSpace(c.Symbol))
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.Notifier = strings.ToLower(strings.TrimSpace(c.Notifier))

	var err error
	if c.LockTimeout, err = parseDuration("lock_timeout", c.LockTimeoutRaw); err != nil {
		return err
	}
	if c.PollInterval, err = parseDuration("poll_interval", c.PollIntervalRaw); err != nil {
		return err
	}
	if c.StartTime, err = ParseStartTime(c.StartTimeRaw); err != nil {
		return err
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Symbol == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	if _, err := model.ParseInterval(string(c.Interval)); err != nil {
		errs = append(errs, err)
	}
	if c.Limit <= 0 || c.Limit > 1500 {
		errs = append(errs, fmt.Errorf("limit must be in 1..1500, got %d", c.Limit))
	}
	switch c.StoreBackend {
	case BackendCSV:
		if c.RawFile == "" || c.DerivedFile == "" {
			errs = append(errs, errors.New("raw_file and derived_file are required for the csv backend"))
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.StoreBackend))
	}
	switch c.Notifier {
	case NotifierFSNotify:
		if c.StoreBackend != BackendCSV {
			errs = append(errs, errors.New("fsnotify notifier requires the csv backend"))
		}
	case NotifierPoll:
		if c.StoreBackend != BackendCSV {
			errs = append(errs, errors.New("poll notifier requires the csv backend"))
		}
		if c.PollInterval <= 0 {
			errs = append(errs, errors.New("poll_interval must be positive"))
		}
	case NotifierRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis notifier requires redis_addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown notifier %q", c.Notifier))
	}
	if c.ReplaySpeed < 0 {
		errs = append(errs, errors.New("replay_speed must not be negative"))
	}
	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("redis_db must be non-negative, got %d", c.RedisDB))
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, errors.New("lock_timeout must be positive"))
	}
	if err := c.Params().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Params returns the indicator parameters.
func (c *Config) Params() indicator.Params {
	return indicator.Params{
		ConversionPeriod:  c.Indicator.ConversionPeriod,
		BasePeriod:        c.Indicator.BasePeriod,
		LaggingSpanPeriod: c.Indicator.LaggingSpanPeriod,
		Displacement:      c.Indicator.Displacement,
		EMASpans:          append([]int(nil), c.Indicator.EMASpans...),
		Strategy:          c.Indicator.Strategy,
	}
}

// RawPath is the raw series file for the csv backend.
func (c *Config) RawPath() string { return filepath.Join(c.DataDir, c.RawFile) }

// DerivedPath is the derived series file for the csv backend.
func (c *Config) DerivedPath() string { return filepath.Join(c.DataDir, c.DerivedFile) }

// startLayouts are the accepted start_time formats, besides epoch milliseconds.
var startLayouts = []string{time.RFC3339, model.TimeLayout, "2006-01-02"}

// ParseStartTime accepts RFC 3339, "2006-01-02 15:04:05", "2006-01-02" (all
// UTC unless a zone is given) or epoch milliseconds. Empty means unset.
func ParseStartTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range startLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("start_time %q: unrecognised format", s)
}

func parseDuration(name, raw string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

func parseInts(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return -1 // surfaces through Validate
	}
	return n
}
