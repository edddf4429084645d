package throttle

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-feed/internal/clock"
	"github.com/atmx/market-feed/internal/metrics"
	"github.com/atmx/market-feed/internal/model"
)

// DefaultDepthPeriod is the order-book projection cadence.
const DefaultDepthPeriod = 250 * time.Millisecond

// DepthBuffer keeps only the latest depth snapshot (no merge) and projects
// it into an order book with cumulative totals once per period.
type DepthBuffer struct {
	levels   int
	trailing *Trailing
	onFlush  func(model.OrderBook)

	mu      sync.RWMutex
	pending *model.DepthSnapshot
	book    model.OrderBook
}

// NewDepthBuffer creates a depth buffer truncating each side to levels
// (levels <= 0 keeps every level).
func NewDepthBuffer(c clock.Clock, period time.Duration, levels int, onFlush func(model.OrderBook)) *DepthBuffer {
	if period <= 0 {
		period = DefaultDepthPeriod
	}
	b := &DepthBuffer{levels: levels, onFlush: onFlush}
	b.trailing = NewTrailing(c, period, b.flush)
	return b
}

// Push replaces the pending snapshot and arms the flush timer.
func (b *DepthBuffer) Push(snap model.DepthSnapshot) {
	b.mu.Lock()
	b.pending = &snap
	b.mu.Unlock()
	b.trailing.Trigger()
}

func (b *DepthBuffer) flush() {
	b.mu.Lock()
	if b.pending == nil {
		b.mu.Unlock()
		return
	}
	snap := *b.pending
	b.pending = nil
	book := BuildOrderBook(snap, b.levels)
	b.book = book
	b.mu.Unlock()

	metrics.BufferFlushes.WithLabelValues("depth").Inc()
	if b.onFlush != nil {
		b.onFlush(book)
	}
}

// Book returns the last flushed order book.
func (b *DepthBuffer) Book() model.OrderBook {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return model.OrderBook{
		Bids: append([]model.BookEntry{}, b.book.Bids...),
		Asks: append([]model.BookEntry{}, b.book.Asks...),
	}
}

// Stop cancels the pending flush.
func (b *DepthBuffer) Stop() {
	b.trailing.Stop()
}

// BuildOrderBook truncates each side to levels and accumulates
// total[i] = total[i-1] + amount[i]·price[i] from the best price outward.
// Bids come out best (highest) first. Asks are accumulated lowest first and
// then reversed, so the highest ask is displayed first carrying the largest
// total.
func BuildOrderBook(snap model.DepthSnapshot, levels int) model.OrderBook {
	bids := append([]model.DepthLevel{}, snap.Bids...)
	sort.SliceStable(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	asks := append([]model.DepthLevel{}, snap.Asks...)
	sort.SliceStable(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	bidRows := cumulate(truncate(bids, levels))
	askRows := cumulate(truncate(asks, levels))
	for i, j := 0, len(askRows)-1; i < j; i, j = i+1, j-1 {
		askRows[i], askRows[j] = askRows[j], askRows[i]
	}
	return model.OrderBook{Bids: bidRows, Asks: askRows}
}

func truncate(levels []model.DepthLevel, n int) []model.DepthLevel {
	if n > 0 && len(levels) > n {
		return levels[:n]
	}
	return levels
}

func cumulate(levels []model.DepthLevel) []model.BookEntry {
	rows := make([]model.BookEntry, 0, len(levels))
	total := decimal.Zero
	for _, l := range levels {
		total = total.Add(decimal.NewFromFloat(l.Amount).Mul(decimal.NewFromFloat(l.Price)))
		rows = append(rows, model.BookEntry{
			Price:  l.Price,
			Amount: l.Amount,
			Total:  total.InexactFloat64(),
		})
	}
	return rows
}
