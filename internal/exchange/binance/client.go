// Package binance talks to the Binance USDⓈ-M futures market data API:
// historical klines over REST and live klines over a websocket stream.
package binance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"cryptoview/internal/model"
)

const (
	DefaultRESTBaseURL   = "https://fapi.binance.com"
	DefaultStreamBaseURL = "wss://fstream.binance.com"

	klinesPath = "/fapi/v1/klines"

	// DefaultLimit and MaxLimit bound a single klines request.
	DefaultLimit = 500
	MaxLimit     = 1500
)

// Config holds the client settings. Zero values fall back to defaults.
type Config struct {
	RESTBaseURL   string
	StreamBaseURL string
	APIKey        string // sent as X-MBX-APIKEY when set; market data does not require it

	Timeout        time.Duration // per REST call, default 10s
	InitialBackoff time.Duration // first reconnect delay, default 2s
	MaxBackoff     time.Duration // reconnect delay cap, default 30s

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *slog.Logger

	// OnReconnect is called before every reconnect attempt of a stream.
	OnReconnect func()
}

// Client implements historical and live kline access.
type Client struct {
	cfg    Config
	http   *http.Client
	dialer *websocket.Dialer
	log    *slog.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.RESTBaseURL == "" {
		cfg.RESTBaseURL = DefaultRESTBaseURL
	}
	if cfg.StreamBaseURL == "" {
		cfg.StreamBaseURL = DefaultStreamBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:    cfg,
		http:   hc,
		dialer: dialer,
		log:    cfg.Logger.With(slog.String("component", "binance")),
	}
}

// Klines fetches up to req.Limit historical bars, oldest first.
func (c *Client) Klines(ctx context.Context, req model.KlineRequest) ([]model.Bar, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	q := url.Values{}
	q.Set("symbol", strings.ToUpper(req.Symbol))
	q.Set("interval", req.Interval.String())
	q.Set("limit", strconv.Itoa(limit))
	if !req.StartTime.IsZero() {
		q.Set("startTime", strconv.FormatInt(req.StartTime.UnixMilli(), 10))
	}
	if !req.EndTime.IsZero() {
		q.Set("endTime", strconv.FormatInt(req.EndTime.UnixMilli(), 10))
	}

	endpoint := strings.TrimRight(c.cfg.RESTBaseURL, "/") + klinesPath + "?" + q.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &model.UpstreamError{Op: "klines", Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &model.UpstreamError{Op: "klines", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &model.UpstreamError{Op: "klines", Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(body, "msg").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return nil, &model.UpstreamError{Op: "klines", Err: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
	}

	bars, err := ParseKlines(body)
	if err != nil {
		return nil, &model.UpstreamError{Op: "klines", Err: err}
	}
	c.log.Debug("klines fetched",
		slog.String("symbol", req.Symbol),
		slog.String("interval", req.Interval.String()),
		slog.Int("bars", len(bars)),
		slog.Duration("took", time.Since(start)),
	)
	return bars, nil
}

// streamURL returns the raw kline stream endpoint for symbol/interval.
func (c *Client) streamURL(symbol string, iv model.Interval) string {
	return strings.TrimRight(c.cfg.StreamBaseURL, "/") + "/ws/" + strings.ToLower(symbol) + "@kline_" + iv.String()
}
