package feed

import (
	"context"

	"github.com/atmx/market-feed/internal/model"
	"github.com/atmx/market-feed/internal/stream"
)

// Subscription is one open upstream connection.
type Subscription interface {
	Close() error
	Connected() bool
}

// Streams opens upstream feeds. onLost runs when a connection drops without
// being closed.
type Streams interface {
	Tickers(ctx context.Context, fn func([]model.Ticker), onLost func(error)) (Subscription, error)
	Klines(ctx context.Context, sym, interval string, fn func(model.Kline), onLost func(error)) (Subscription, error)
	Depth(ctx context.Context, sym string, levels int, fn func(model.DepthSnapshot), onLost func(error)) (Subscription, error)
	Trades(ctx context.Context, sym string, fn func(model.Trade), onLost func(error)) (Subscription, error)
}

// Snapshots fetches the REST state that seeds the buffers.
type Snapshots interface {
	Tickers(ctx context.Context, quote string) ([]model.Ticker, error)
	Klines(ctx context.Context, sym, interval string, limit int) ([]model.Kline, error)
}

// DialerStreams adapts a stream.Dialer to Streams.
type DialerStreams struct {
	D *stream.Dialer
}

func (s DialerStreams) Tickers(ctx context.Context, fn func([]model.Ticker), onLost func(error)) (Subscription, error) {
	return sub(s.D.Tickers(ctx, fn, stream.WithCloseHandler(onLost)))
}

func (s DialerStreams) Klines(ctx context.Context, sym, interval string, fn func(model.Kline), onLost func(error)) (Subscription, error) {
	return sub(s.D.Klines(ctx, sym, interval, fn, stream.WithCloseHandler(onLost)))
}

func (s DialerStreams) Depth(ctx context.Context, sym string, levels int, fn func(model.DepthSnapshot), onLost func(error)) (Subscription, error) {
	return sub(s.D.Depth(ctx, sym, levels, fn, stream.WithCloseHandler(onLost)))
}

func (s DialerStreams) Trades(ctx context.Context, sym string, fn func(model.Trade), onLost func(error)) (Subscription, error) {
	return sub(s.D.Trades(ctx, sym, fn, stream.WithCloseHandler(onLost)))
}

func sub(c *stream.Conn, err error) (Subscription, error) {
	if err != nil {
		return nil, err
	}
	return c, nil
}
