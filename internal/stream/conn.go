// Package stream is the transport adapter for the exchange's streaming
// feeds. It owns one websocket per (feed, symbol), with the all-symbols
// ticker feed on a single shared connection, and turns wire messages into
// model types. It carries no business logic and does not reconnect: a dropped
// connection is reported through Err and the close handler, and recovery is
// the caller's decision.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/market-feed/internal/metrics"
	"github.com/atmx/market-feed/internal/model"
	"github.com/atmx/market-feed/internal/symbol"
)

// Feed names a stream kind.
type Feed string

const (
	FeedTicker Feed = "ticker"
	FeedKline  Feed = "kline"
	FeedDepth  Feed = "depth"
	FeedTrade  Feed = "trade"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("stream: connection closed")

// Config configures websocket behavior.
type Config struct {
	// BaseURL is the raw-stream endpoint, e.g. wss://stream.binance.com:9443/ws.
	BaseURL string
	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration
	// ReadTimeout is the idle limit between two frames (pings included).
	ReadTimeout time.Duration
	// WriteTimeout bounds control-frame writes.
	WriteTimeout time.Duration
}

// DefaultConfig returns the default websocket configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:          "wss://stream.binance.com:9443/ws",
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// Dialer opens feed connections.
type Dialer struct {
	cfg    Config
	dialer *websocket.Dialer
}

// NewDialer creates a dialer. Zero fields of cfg take their defaults.
func NewDialer(cfg Config) *Dialer {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Dialer{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}
}

// Option customizes a connection.
type Option func(*Conn)

// WithCloseHandler registers fn to run once when the connection ends for a
// reason other than Close. fn receives the read error.
func WithCloseHandler(fn func(err error)) Option {
	return func(c *Conn) { c.onClose = fn }
}

// Tickers subscribes to the all-symbols ticker array.
func (d *Dialer) Tickers(ctx context.Context, fn func([]model.Ticker), opts ...Option) (*Conn, error) {
	return dial(ctx, d, FeedTicker, "!ticker@arr", DecodeTickers, fn, opts)
}

// Klines subscribes to a symbol's candles for interval (e.g. "1m").
func (d *Dialer) Klines(ctx context.Context, sym, interval string, fn func(model.Kline), opts ...Option) (*Conn, error) {
	stream := fmt.Sprintf("%s@kline_%s", symbol.StreamName(sym), interval)
	return dial(ctx, d, FeedKline, stream, DecodeKline, fn, opts)
}

// Depth subscribes to a symbol's partial book. levels is rounded up to a
// supported depth (5, 10 or 20).
func (d *Dialer) Depth(ctx context.Context, sym string, levels int, fn func(model.DepthSnapshot), opts ...Option) (*Conn, error) {
	stream := fmt.Sprintf("%s@depth%d@100ms", symbol.StreamName(sym), DepthLevels(levels))
	return dial(ctx, d, FeedDepth, stream, DecodeDepth, fn, opts)
}

// Trades subscribes to a symbol's trade prints.
func (d *Dialer) Trades(ctx context.Context, sym string, fn func(model.Trade), opts ...Option) (*Conn, error) {
	stream := fmt.Sprintf("%s@trade", symbol.StreamName(sym))
	return dial(ctx, d, FeedTrade, stream, DecodeTrade, fn, opts)
}

// DepthLevels maps a requested depth onto a partial-book stream size.
func DepthLevels(n int) int {
	switch {
	case n <= 5:
		return 5
	case n <= 10:
		return 10
	default:
		return 20
	}
}

// Conn is one upstream websocket and its read goroutine.
type Conn struct {
	feed    Feed
	stream  string
	ws      *websocket.Conn
	cfg     Config
	onClose func(error)

	closed atomic.Bool
	wg     sync.WaitGroup

	mu  sync.Mutex
	err error
}

func dial[T any](ctx context.Context, d *Dialer, feed Feed, stream string, decode func([]byte) (T, error), fn func(T), opts []Option) (*Conn, error) {
	url := d.cfg.BaseURL + "/" + stream
	ws, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("stream dial %s: %w", stream, err)
	}

	c := &Conn{feed: feed, stream: stream, ws: ws, cfg: d.cfg}
	for _, o := range opts {
		o(c)
	}

	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	metrics.StreamConnections.WithLabelValues(string(feed)).Inc()
	slog.Info("stream connected", "feed", feed, "stream", stream)

	c.wg.Add(1)
	go c.readLoop(func(raw []byte) {
		v, err := decode(raw)
		if err != nil {
			metrics.FeedDropped.WithLabelValues(string(feed)).Inc()
			slog.Debug("stream message dropped", "stream", stream, "err", err)
			return
		}
		metrics.FeedMessages.WithLabelValues(string(feed)).Inc()
		fn(v)
	})
	return c, nil
}

func (c *Conn) readLoop(handle func([]byte)) {
	defer c.wg.Done()
	defer metrics.StreamConnections.WithLabelValues(string(c.feed)).Dec()

	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			c.closed.Store(true)
			c.ws.Close()
			slog.Warn("stream disconnected", "feed", c.feed, "stream", c.stream, "err", err)
			if c.onClose != nil {
				c.onClose(err)
			}
			return
		}
		if c.closed.Load() {
			return
		}
		handle(msg)
	}
}

// Feed returns the feed kind.
func (c *Conn) Feed() Feed { return c.feed }

// Stream returns the subscribed stream name.
func (c *Conn) Stream() string { return c.stream }

// Connected reports whether the socket is still open.
func (c *Conn) Connected() bool { return !c.closed.Load() }

// Err returns the error that ended the connection, if it was lost.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a normal closure, closes the socket and waits for the read
// goroutine. It is idempotent and returns immediately on a connection that
// was already lost. Close must not be called from the message callback of
// the same connection.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.cfg.WriteTimeout))
	err := c.ws.Close()
	c.wg.Wait()
	slog.Info("stream closed", "feed", c.feed, "stream", c.stream)
	return err
}
