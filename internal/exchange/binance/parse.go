package binance

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"cryptoview/internal/model"
)

// errControl marks stream frames that carry no market data (subscription acks).
var errControl = errors.New("control frame")

// ParseKlines decodes a REST klines response: an array of arrays whose first
// six entries are open time (ms), open, high, low, close and volume.
func ParseKlines(body []byte) ([]model.Bar, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid json", model.ErrMalformedMessage)
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, fmt.Errorf("%w: expected array, got %s", model.ErrMalformedMessage, root.Type)
	}
	rows := root.Array()
	bars := make([]model.Bar, 0, len(rows))
	for i, row := range rows {
		cols := row.Array()
		if len(cols) < 6 {
			return nil, fmt.Errorf("%w: kline %d has %d columns", model.ErrMalformedMessage, i, len(cols))
		}
		b, err := barFrom(cols[0], cols[1], cols[2], cols[3], cols[4], cols[5])
		if err != nil {
			return nil, fmt.Errorf("kline %d: %w", i, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// ParseKlineMessage decodes one websocket frame of a kline stream:
//
//	{"e":"kline","E":..,"s":"BTCUSDT","k":{"t":..,"o":"..","h":"..","l":"..","c":"..","v":"..","x":false}}
//
// Error frames and anything that does not yield a valid bar wrap
// model.ErrMalformedMessage.
func ParseKlineMessage(data []byte) (model.StreamEvent, error) {
	if !gjson.ValidBytes(data) {
		return model.StreamEvent{}, fmt.Errorf("%w: invalid json", model.ErrMalformedMessage)
	}
	msg := gjson.ParseBytes(data)

	if e := msg.Get("e").String(); e == "error" {
		return model.StreamEvent{}, fmt.Errorf("%w: exchange error: %s", model.ErrMalformedMessage, firstString(msg, "m", "msg"))
	}
	if errObj := msg.Get("error"); errObj.Exists() {
		return model.StreamEvent{}, fmt.Errorf("%w: exchange error %d: %s",
			model.ErrMalformedMessage, errObj.Get("code").Int(), errObj.Get("msg").String())
	}
	if msg.Get("result").Exists() && msg.Get("id").Exists() {
		return model.StreamEvent{}, errControl
	}
	if e := msg.Get("e").String(); e != "kline" {
		return model.StreamEvent{}, fmt.Errorf("%w: unexpected event %q", model.ErrMalformedMessage, e)
	}

	k := msg.Get("k")
	if !k.IsObject() {
		return model.StreamEvent{}, fmt.Errorf("%w: missing kline body", model.ErrMalformedMessage)
	}
	b, err := barFrom(k.Get("t"), k.Get("o"), k.Get("h"), k.Get("l"), k.Get("c"), k.Get("v"))
	if err != nil {
		return model.StreamEvent{}, err
	}
	return model.StreamEvent{Bar: b, Closed: k.Get("x").Bool()}, nil
}

func barFrom(ts, o, h, l, c, v gjson.Result) (model.Bar, error) {
	if ts.Type != gjson.Number || ts.Int() <= 0 {
		return model.Bar{}, fmt.Errorf("%w: open time %q", model.ErrMalformedMessage, ts.Raw)
	}
	var (
		b   = model.Bar{TS: time.UnixMilli(ts.Int()).UTC()}
		err error
	)
	for _, f := range []struct {
		name string
		src  gjson.Result
		dst  *float64
	}{
		{"open", o, &b.Open},
		{"high", h, &b.High},
		{"low", l, &b.Low},
		{"close", c, &b.Close},
		{"volume", v, &b.Volume},
	} {
		if *f.dst, err = number(f.src); err != nil {
			return model.Bar{}, fmt.Errorf("%w: %s: %v", model.ErrMalformedMessage, f.name, err)
		}
	}
	if err := b.Validate(); err != nil {
		return model.Bar{}, err
	}
	return b, nil
}

// number accepts both quoted decimals (the exchange's format) and bare numbers.
func number(r gjson.Result) (float64, error) {
	switch r.Type {
	case gjson.String:
		return strconv.ParseFloat(r.Str, 64)
	case gjson.Number:
		return r.Num, nil
	default:
		return 0, fmt.Errorf("expected number, got %q", r.Raw)
	}
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() {
			return v.String()
		}
	}
	return ""
}
