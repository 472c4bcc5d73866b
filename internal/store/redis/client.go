package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"cryptoview/internal/model"
)

const (
	changeChannelPrefix = "cv:changed:"
	signalChannelPrefix = "cv:signal:"
	latestKeyPrefix     = "cv:signal:latest:"
	defaultLatestTTL    = 24 * time.Hour
)

// Config configures the Redis client.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	// Topic scopes signal channels, e.g. "btcusdt:5m".
	Topic string

	// Breaker settings for publish calls. Zero values use 5 failures / 10s.
	MaxFailures  int
	ResetTimeout time.Duration

	Logger *slog.Logger
}

// Client carries change notifications between processes and publishes the
// latest signal row for downstream consumers.
type Client struct {
	client *goredis.Client
	cb     *CircuitBreaker
	topic  string
	log    *slog.Logger

	// OnBreakerChange is called on breaker transitions (metrics hook).
	OnBreakerChange func(from, to State)
}

// Redis returns the underlying client for health checks.
func (c *Client) Redis() *goredis.Client { return c.client }

// New creates a Client and pings the server.
func New(cfg Config) (*Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Client{
		client: client,
		cb:     NewCircuitBreaker(cfg.MaxFailures, cfg.ResetTimeout),
		topic:  cfg.Topic,
		log:    cfg.Logger.With(slog.String("component", "redis")),
	}
	c.cb.OnStateChange = func(from, to State) {
		c.log.Warn("circuit breaker transition", slog.String("from", from.String()), slog.String("to", to.String()))
		if c.OnBreakerChange != nil {
			c.OnBreakerChange(from, to)
		}
	}
	c.log.Info("connected", slog.String("addr", cfg.Addr))
	return c, nil
}

// ChangeChannel is the pub/sub channel announcing changes of store id.
func ChangeChannel(id string) string { return changeChannelPrefix + id }

// Announce tells subscribers that store id changed.
func (c *Client) Announce(ctx context.Context, id string) error {
	return c.cb.Execute(func() error {
		return c.client.Publish(ctx, ChangeChannel(id), time.Now().UTC().Format(time.RFC3339Nano)).Err()
	})
}

// Subscribe implements model.ChangeNotifier over Redis pub/sub.
// Bursts of announcements collapse into one pending signal.
func (c *Client) Subscribe(ctx context.Context, id string) (<-chan struct{}, error) {
	pubsub := c.client.Subscribe(ctx, ChangeChannel(id))
	// Wait for the subscription confirmation so no announcement is lost after return.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", ChangeChannel(id), err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

// SignalChannel is the pub/sub channel carrying signal rows for topic.
func SignalChannel(topic string) string { return signalChannelPrefix + topic }

// LatestKey holds the most recent signal row for topic.
func LatestKey(topic string) string { return latestKeyPrefix + topic }

// PublishSignal publishes the latest indicator row and stores it under LatestKey.
// Calls fail fast with ErrCircuitOpen while Redis is unavailable.
func (c *Client) PublishSignal(ctx context.Context, row model.IndicatorRow, spans []int) error {
	payload := row.SignalJSON(spans)
	return c.cb.Execute(func() error {
		pipe := c.client.TxPipeline()
		pipe.Set(ctx, LatestKey(c.topic), payload, defaultLatestTTL)
		pipe.Publish(ctx, SignalChannel(c.topic), payload)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// BreakerState returns the publish circuit breaker state.
func (c *Client) BreakerState() State { return c.cb.CurrentState() }

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.client.Close()
}
