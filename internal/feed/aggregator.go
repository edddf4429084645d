// Package feed composes the stream adapter, the shared price cache and the
// projection buffers into the market-data surface consumers read from.
//
// The all-symbols ticker stream is opened once by Start. Per-symbol depth,
// trade and kline streams are opened by the first Watch of a symbol and
// closed when its last watcher releases it, so any number of readers share
// one connection per (feed, symbol).
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/atmx/market-feed/internal/clock"
	"github.com/atmx/market-feed/internal/model"
	"github.com/atmx/market-feed/internal/pricecache"
	"github.com/atmx/market-feed/internal/stream"
	"github.com/atmx/market-feed/internal/symbol"
	"github.com/atmx/market-feed/internal/throttle"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed     = errors.New("feed: aggregator closed")
	ErrNotWatched = errors.New("feed: symbol not watched")
	ErrStarted    = errors.New("feed: already started")
)

// Config tunes the aggregator.
type Config struct {
	Quote         string
	KlineInterval string
	DepthLevels   int
	RecentTrades  int
	MaxCandles    int

	TickerPeriod time.Duration
	DepthPeriod  time.Duration
	TradePeriod  time.Duration
	KlinePeriod  time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Quote:         "USDT",
		KlineInterval: "1m",
		DepthLevels:   20,
		RecentTrades:  throttle.DefaultRecentTrades,
		MaxCandles:    throttle.DefaultMaxCandles,
		TickerPeriod:  throttle.DefaultTickerPeriod,
		DepthPeriod:   throttle.DefaultDepthPeriod,
		TradePeriod:   throttle.DefaultTradePeriod,
		KlinePeriod:   throttle.DefaultKlinePeriod,
	}
}

// FeedState is the connection state of one upstream feed.
type FeedState struct {
	Feed      stream.Feed `json:"feed"`
	Symbol    string      `json:"symbol,omitempty"`
	Connected bool        `json:"connected"`
	Watchers  int         `json:"watchers,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// Aggregator owns the shared market-data state.
type Aggregator struct {
	cfg       Config
	clock     clock.Clock
	streams   Streams
	snapshots Snapshots
	cache     *pricecache.Cache
	tickers   *throttle.TickerBuffer

	// lifecycle serializes Start, Watch, release and Close so dials happen
	// outside mu.
	lifecycle sync.Mutex

	mu         sync.RWMutex
	started    bool
	closed     bool
	tickerConn Subscription
	tickerErr  error
	watches    map[string]*watch
}

type watch struct {
	symbol string
	refs   int
	depth  *throttle.DepthBuffer
	trades *throttle.TradeBuffer
	klines *throttle.KlineBuffer
	subs   map[stream.Feed]Subscription
	errs   map[stream.Feed]error
}

// New creates an aggregator. snapshots may be nil, in which case buffers
// start empty.
func New(cfg Config, c clock.Clock, streams Streams, snapshots Snapshots, cache *pricecache.Cache) *Aggregator {
	if c == nil {
		c = clock.Real{}
	}
	if cache == nil {
		cache = pricecache.New()
	}
	if cfg.KlineInterval == "" {
		cfg.KlineInterval = "1m"
	}
	if cfg.DepthLevels <= 0 {
		cfg.DepthLevels = 20
	}
	a := &Aggregator{
		cfg:       cfg,
		clock:     c,
		streams:   streams,
		snapshots: snapshots,
		cache:     cache,
		watches:   make(map[string]*watch),
	}
	a.tickers = throttle.NewTickerBuffer(c, cfg.TickerPeriod, func(map[string]model.Ticker) {
		a.cache.Notify()
	})
	return a
}

// Cache returns the shared price cache.
func (a *Aggregator) Cache() *pricecache.Cache { return a.cache }

// Start seeds the ticker projection from the REST snapshot and opens the
// all-symbols ticker stream. A failed snapshot is logged and streaming
// starts from an empty projection.
func (a *Aggregator) Start(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.RLock()
	closed, started := a.closed, a.started
	a.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if started {
		return ErrStarted
	}

	if a.snapshots != nil {
		seed, err := a.snapshots.Tickers(ctx, a.cfg.Quote)
		if err != nil {
			slog.Warn("ticker snapshot failed", "quote", a.cfg.Quote, "err", err)
		} else {
			a.tickers.Seed(seed)
			prices := make(map[string]float64, len(seed))
			for _, t := range seed {
				if t.LastPrice > 0 {
					prices[t.Symbol] = t.LastPrice
				}
			}
			a.cache.SetMany(prices)
			slog.Info("ticker snapshot loaded", "symbols", len(seed))
		}
	}

	sub, err := a.streams.Tickers(ctx, a.onTickers, func(err error) {
		a.mu.Lock()
		a.tickerErr = err
		a.mu.Unlock()
	})
	if err != nil {
		return fmt.Errorf("open ticker stream: %w", err)
	}

	a.mu.Lock()
	a.started = true
	a.tickerConn = sub
	a.tickerErr = nil
	a.mu.Unlock()
	return nil
}

func (a *Aggregator) onTickers(batch []model.Ticker) {
	keep := batch[:0:0]
	for _, t := range batch {
		if !symbol.HasQuote(t.Symbol, a.cfg.Quote) {
			continue
		}
		// A zero last price is a placeholder from the exchange, not a trade.
		if t.LastPrice > 0 {
			a.cache.Set(t.Symbol, t.LastPrice)
		}
		keep = append(keep, t)
	}
	if len(keep) > 0 {
		a.tickers.Push(keep...)
	}
}

// CurrentPrice returns the latest known price, or 0 when unknown.
func (a *Aggregator) CurrentPrice(sym string) float64 {
	return a.cache.Get(symbol.Normalize(sym))
}

// Prices returns a copy of every known price.
func (a *Aggregator) Prices() map[string]float64 {
	return a.cache.Snapshot()
}

// SubscribePrices registers l for throttled price-map notifications.
func (a *Aggregator) SubscribePrices(l pricecache.Listener) (unsubscribe func()) {
	return a.cache.Subscribe(l)
}

// Coins returns the throttled ticker projection.
func (a *Aggregator) Coins() []model.Coin {
	return a.tickers.Coins()
}

// Watch opens, or joins, the per-symbol depth, trade and kline feeds. The
// returned release must be called once the caller no longer reads the
// symbol; extra calls are ignored.
func (a *Aggregator) Watch(ctx context.Context, sym string) (release func(), err error) {
	pair, err := symbol.Parse(sym)
	if err != nil {
		return nil, err
	}
	key := pair.Symbol

	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	if w, ok := a.watches[key]; ok {
		w.refs++
		a.mu.Unlock()
		return a.releaser(key), nil
	}
	a.mu.Unlock()

	w, err := a.open(ctx, key)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.watches[key] = w
	a.mu.Unlock()
	slog.Info("symbol watched", "symbol", key)
	return a.releaser(key), nil
}

func (a *Aggregator) open(ctx context.Context, sym string) (*watch, error) {
	w := &watch{
		symbol: sym,
		refs:   1,
		depth:  throttle.NewDepthBuffer(a.clock, a.cfg.DepthPeriod, a.cfg.DepthLevels, nil),
		trades: throttle.NewTradeBuffer(a.clock, a.cfg.TradePeriod, a.cfg.RecentTrades, nil),
		klines: throttle.NewKlineBuffer(a.clock, a.cfg.KlinePeriod, a.cfg.MaxCandles, nil),
		subs:   make(map[stream.Feed]Subscription, 3),
		errs:   make(map[stream.Feed]error),
	}

	if a.snapshots != nil {
		history, err := a.snapshots.Klines(ctx, sym, a.cfg.KlineInterval, a.cfg.MaxCandles)
		if err != nil {
			slog.Warn("kline snapshot failed", "symbol", sym, "err", err)
		} else {
			w.klines.Seed(history)
		}
	}

	lost := func(f stream.Feed) func(error) {
		return func(err error) {
			a.mu.Lock()
			w.errs[f] = err
			a.mu.Unlock()
		}
	}

	var err error
	var s Subscription
	if s, err = a.streams.Depth(ctx, sym, a.cfg.DepthLevels, w.depth.Push, lost(stream.FeedDepth)); err == nil {
		w.subs[stream.FeedDepth] = s
		if s, err = a.streams.Trades(ctx, sym, w.trades.Push, lost(stream.FeedTrade)); err == nil {
			w.subs[stream.FeedTrade] = s
			if s, err = a.streams.Klines(ctx, sym, a.cfg.KlineInterval, w.klines.Push, lost(stream.FeedKline)); err == nil {
				w.subs[stream.FeedKline] = s
			}
		}
	}
	if err != nil {
		w.teardown()
		return nil, fmt.Errorf("watch %s: %w", sym, err)
	}
	return w, nil
}

func (a *Aggregator) releaser(sym string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { a.release(sym) })
	}
}

func (a *Aggregator) release(sym string) {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.Lock()
	w, ok := a.watches[sym]
	if !ok {
		a.mu.Unlock()
		return
	}
	w.refs--
	if w.refs > 0 {
		a.mu.Unlock()
		return
	}
	delete(a.watches, sym)
	a.mu.Unlock()

	w.teardown()
	slog.Info("symbol released", "symbol", sym)
}

func (w *watch) teardown() {
	for f, s := range w.subs {
		if err := s.Close(); err != nil {
			slog.Debug("close stream", "symbol", w.symbol, "feed", f, "err", err)
		}
	}
	w.depth.Stop()
	w.trades.Stop()
	w.klines.Stop()
}

// OrderBook returns the throttled book of a watched symbol.
func (a *Aggregator) OrderBook(sym string) (model.OrderBook, error) {
	w, err := a.watched(sym)
	if err != nil {
		return model.OrderBook{}, err
	}
	return w.depth.Book(), nil
}

// RecentTrades returns the recent trades of a watched symbol, newest first.
func (a *Aggregator) RecentTrades(sym string) ([]model.Trade, error) {
	w, err := a.watched(sym)
	if err != nil {
		return nil, err
	}
	return w.trades.Trades(), nil
}

// Klines returns the candle series of a watched symbol, oldest first.
func (a *Aggregator) Klines(sym string) ([]model.Kline, error) {
	w, err := a.watched(sym)
	if err != nil {
		return nil, err
	}
	return w.klines.Klines(), nil
}

func (a *Aggregator) watched(sym string) (*watch, error) {
	key := symbol.Normalize(sym)
	a.mu.RLock()
	defer a.mu.RUnlock()
	w, ok := a.watches[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotWatched, key)
	}
	return w, nil
}

// Status reports the connection state of every open feed.
func (a *Aggregator) Status() []FeedState {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := []FeedState{state(stream.FeedTicker, "", a.tickerConn, a.tickerErr, 0)}
	syms := make([]string, 0, len(a.watches))
	for s := range a.watches {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	for _, s := range syms {
		w := a.watches[s]
		for _, f := range []stream.Feed{stream.FeedDepth, stream.FeedTrade, stream.FeedKline} {
			out = append(out, state(f, s, w.subs[f], w.errs[f], w.refs))
		}
	}
	return out
}

func state(f stream.Feed, sym string, s Subscription, err error, refs int) FeedState {
	st := FeedState{Feed: f, Symbol: sym, Watchers: refs}
	if s != nil {
		st.Connected = s.Connected()
	}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}

// Close tears down every stream and timer. Outstanding release funcs
// become no-ops.
func (a *Aggregator) Close() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	ticker := a.tickerConn
	watches := a.watches
	a.watches = make(map[string]*watch)
	a.mu.Unlock()

	var err error
	if ticker != nil {
		err = ticker.Close()
	}
	a.tickers.Stop()
	for _, w := range watches {
		w.teardown()
	}
	slog.Info("feed aggregator closed", "watched", len(watches))
	return err
}
