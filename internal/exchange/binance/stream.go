package binance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"cryptoview/internal/model"
)

const (
	// The exchange pings every few minutes; a silent connection past this is dead.
	readTimeout  = 10 * time.Minute
	writeTimeout = 5 * time.Second
)

// StreamKlines subscribes to the live kline stream for symbol/interval and
// calls fn for every decoded frame, sequentially and in receipt order.
// Malformed frames are delivered with Err set and never end the stream.
//
// Dropped connections are re-established with exponential backoff until ctx
// is cancelled. Cancellation is cooperative: the fn call in progress
// completes, then StreamKlines returns nil.
func (c *Client) StreamKlines(ctx context.Context, symbol string, iv model.Interval, fn func(model.StreamEvent)) error {
	u := c.streamURL(symbol, iv)
	log := c.log.With(slog.String("stream", u))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	op := func() error {
		err := c.streamOnce(ctx, u, log, bo, fn)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("stream disconnected, reconnecting", slog.Any("err", err), slog.Duration("wait", wait))
		if c.cfg.OnReconnect != nil {
			c.cfg.OnReconnect()
		}
	}

	err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
	if ctx.Err() != nil {
		log.Info("stream stopped")
		return nil
	}
	return err
}

// streamOnce runs one connection until it fails or ctx is cancelled.
func (c *Client) streamOnce(ctx context.Context, u string, log *slog.Logger, bo backoff.BackOff, fn func(model.StreamEvent)) error {
	conn, resp, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			log.Warn("dial failed", slog.String("status", resp.Status))
		}
		return &model.UpstreamError{Op: "stream dial", Err: err}
	}
	defer conn.Close()
	log.Info("stream connected")
	bo.Reset()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	// Unblock ReadMessage on cancellation; fn is never interrupted.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &model.UpstreamError{Op: "stream read", Err: err}
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		ev, err := ParseKlineMessage(data)
		if errors.Is(err, errControl) {
			continue
		}
		if err != nil {
			ev = model.StreamEvent{Err: err}
		}
		fn(ev)
	}
}
