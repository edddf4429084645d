package throttle

import (
	"sync"
	"time"

	"github.com/atmx/market-feed/internal/clock"
	"github.com/atmx/market-feed/internal/metrics"
	"github.com/atmx/market-feed/internal/model"
)

// DefaultTickerPeriod is the ticker projection cadence.
const DefaultTickerPeriod = 1000 * time.Millisecond

// TickerBuffer coalesces ticker entries by symbol (last write wins) and
// applies them to the ordered coin list once per period.
type TickerBuffer struct {
	clock    clock.Clock
	trailing *Trailing
	onFlush  func(batch map[string]model.Ticker)

	mu      sync.RWMutex
	pending map[string]model.Ticker
	coins   []model.Coin
	index   map[string]int
}

// NewTickerBuffer creates a ticker buffer. onFlush, if set, runs after each
// non-empty flush with the coalesced batch.
func NewTickerBuffer(c clock.Clock, period time.Duration, onFlush func(map[string]model.Ticker)) *TickerBuffer {
	if c == nil {
		c = clock.Real{}
	}
	if period <= 0 {
		period = DefaultTickerPeriod
	}
	b := &TickerBuffer{
		clock:   c,
		onFlush: onFlush,
		pending: make(map[string]model.Ticker),
		index:   make(map[string]int),
	}
	b.trailing = NewTrailing(c, period, b.flush)
	return b
}

// Seed replaces the coin list with a snapshot, keeping its order.
func (b *TickerBuffer) Seed(tickers []model.Ticker) {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.coins = make([]model.Coin, 0, len(tickers))
	b.index = make(map[string]int, len(tickers))
	for _, t := range tickers {
		if _, dup := b.index[t.Symbol]; dup {
			continue
		}
		b.index[t.Symbol] = len(b.coins)
		b.coins = append(b.coins, model.Coin{Ticker: t, UpdatedAt: now})
	}
}

// Push records tickers in the pending map and arms the flush timer.
func (b *TickerBuffer) Push(tickers ...model.Ticker) {
	if len(tickers) == 0 {
		return
	}
	b.mu.Lock()
	for _, t := range tickers {
		b.pending[t.Symbol] = t
	}
	b.mu.Unlock()
	b.trailing.Trigger()
}

func (b *TickerBuffer) flush() {
	now := b.clock.Now()
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make(map[string]model.Ticker, len(batch))
	for sym, t := range batch {
		if i, ok := b.index[sym]; ok {
			b.coins[i] = model.Coin{Ticker: t, UpdatedAt: now}
			continue
		}
		b.index[sym] = len(b.coins)
		b.coins = append(b.coins, model.Coin{Ticker: t, UpdatedAt: now})
	}
	b.mu.Unlock()

	metrics.BufferFlushes.WithLabelValues("ticker").Inc()
	metrics.BufferCoalesced.WithLabelValues("ticker").Observe(float64(len(batch)))
	if b.onFlush != nil {
		b.onFlush(batch)
	}
}

// Coins returns a copy of the projected coin list.
func (b *TickerBuffer) Coins() []model.Coin {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.Coin, len(b.coins))
	copy(out, b.coins)
	return out
}

// Coin returns the projected row for symbol.
func (b *TickerBuffer) Coin(symbol string) (model.Coin, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i, ok := b.index[symbol]
	if !ok {
		return model.Coin{}, false
	}
	return b.coins[i], true
}

// Stop cancels the pending flush.
func (b *TickerBuffer) Stop() {
	b.trailing.Stop()
}
