package throttle

import (
	"sync"
	"time"

	"github.com/atmx/market-feed/internal/clock"
	"github.com/atmx/market-feed/internal/metrics"
	"github.com/atmx/market-feed/internal/model"
)

const (
	// DefaultTradePeriod is the recent-trades projection cadence.
	DefaultTradePeriod = 250 * time.Millisecond
	// DefaultRecentTrades caps the recent-trades list.
	DefaultRecentTrades = 50
)

// TradeBuffer appends trades in arrival order and, once per period,
// prepends the batch to a capped newest-first list.
type TradeBuffer struct {
	capacity int
	trailing *Trailing
	onFlush  func([]model.Trade)

	mu      sync.RWMutex
	pending []model.Trade
	recent  []model.Trade
}

// NewTradeBuffer creates a trade buffer keeping at most capacity trades.
func NewTradeBuffer(c clock.Clock, period time.Duration, capacity int, onFlush func([]model.Trade)) *TradeBuffer {
	if period <= 0 {
		period = DefaultTradePeriod
	}
	if capacity <= 0 {
		capacity = DefaultRecentTrades
	}
	b := &TradeBuffer{capacity: capacity, onFlush: onFlush}
	b.trailing = NewTrailing(c, period, b.flush)
	return b
}

// Push appends a trade to the pending batch and arms the flush timer.
func (b *TradeBuffer) Push(t model.Trade) {
	b.mu.Lock()
	b.pending = append(b.pending, t)
	// Older pending trades would be cut by the cap on flush anyway.
	if len(b.pending) > b.capacity {
		b.pending = b.pending[len(b.pending)-b.capacity:]
	}
	b.mu.Unlock()
	b.trailing.Trigger()
}

func (b *TradeBuffer) flush() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil

	next := make([]model.Trade, 0, b.capacity)
	for i := len(batch) - 1; i >= 0 && len(next) < b.capacity; i-- {
		next = append(next, batch[i])
	}
	for _, t := range b.recent {
		if len(next) >= b.capacity {
			break
		}
		next = append(next, t)
	}
	b.recent = next
	out := append([]model.Trade{}, next...)
	b.mu.Unlock()

	metrics.BufferFlushes.WithLabelValues("trade").Inc()
	metrics.BufferCoalesced.WithLabelValues("trade").Observe(float64(len(batch)))
	if b.onFlush != nil {
		b.onFlush(out)
	}
}

// Trades returns the recent trades, newest first.
func (b *TradeBuffer) Trades() []model.Trade {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]model.Trade{}, b.recent...)
}

// Stop cancels the pending flush.
func (b *TradeBuffer) Stop() {
	b.trailing.Stop()
}
