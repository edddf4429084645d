package throttle

import (
	"sort"
	"sync"
	"time"

	"github.com/atmx/market-feed/internal/clock"
	"github.com/atmx/market-feed/internal/metrics"
	"github.com/atmx/market-feed/internal/model"
)

const (
	// DefaultKlinePeriod is the in-progress candle cadence.
	DefaultKlinePeriod = 500 * time.Millisecond
	// DefaultMaxCandles caps the candle series.
	DefaultMaxCandles = 1000
)

// KlineBuffer maintains a candle series ordered by open time. Closed
// candles apply immediately; in-progress candles are coalesced and applied
// once per period.
type KlineBuffer struct {
	max      int
	trailing *Trailing
	onUpdate func([]model.Kline)

	mu      sync.RWMutex
	pending *model.Kline
	candles []model.Kline
}

// NewKlineBuffer creates a kline buffer keeping at most max candles.
func NewKlineBuffer(c clock.Clock, period time.Duration, max int, onUpdate func([]model.Kline)) *KlineBuffer {
	if period <= 0 {
		period = DefaultKlinePeriod
	}
	if max <= 0 {
		max = DefaultMaxCandles
	}
	b := &KlineBuffer{max: max, onUpdate: onUpdate}
	b.trailing = NewTrailing(c, period, b.flush)
	return b
}

// Seed replaces the series with historical candles.
func (b *KlineBuffer) Seed(klines []model.Kline) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.candles = b.candles[:0]
	for _, k := range klines {
		b.upsertLocked(k)
	}
}

// Push routes a candle message: closed candles are applied now, in-progress
// candles replace the pending one and arm the flush timer.
func (b *KlineBuffer) Push(k model.Kline) {
	if k.IsFinal {
		b.mu.Lock()
		b.upsertLocked(k)
		// A coalesced in-progress update for this or an older candle is stale.
		if b.pending != nil && b.pending.OpenTime <= k.OpenTime {
			b.pending = nil
		}
		out := b.copyLocked()
		b.mu.Unlock()

		metrics.BufferFlushes.WithLabelValues("kline_closed").Inc()
		if b.onUpdate != nil {
			b.onUpdate(out)
		}
		return
	}

	b.mu.Lock()
	b.pending = &k
	b.mu.Unlock()
	b.trailing.Trigger()
}

func (b *KlineBuffer) flush() {
	b.mu.Lock()
	if b.pending == nil {
		b.mu.Unlock()
		return
	}
	k := *b.pending
	b.pending = nil
	n := len(b.candles)
	switch {
	case n > 0 && b.candles[n-1].OpenTime == k.OpenTime:
		b.candles[n-1] = k
	case n > 0 && k.OpenTime < b.candles[n-1].OpenTime:
		// Out-of-order in-progress update for a candle already superseded.
		b.mu.Unlock()
		return
	default:
		b.candles = append(b.candles, k)
		b.trimLocked()
	}
	out := b.copyLocked()
	b.mu.Unlock()

	metrics.BufferFlushes.WithLabelValues("kline").Inc()
	if b.onUpdate != nil {
		b.onUpdate(out)
	}
}

func (b *KlineBuffer) upsertLocked(k model.Kline) {
	for i := range b.candles {
		if b.candles[i].OpenTime == k.OpenTime {
			b.candles[i] = k
			return
		}
	}
	b.candles = append(b.candles, k)
	sort.SliceStable(b.candles, func(i, j int) bool {
		return b.candles[i].OpenTime < b.candles[j].OpenTime
	})
	b.trimLocked()
}

func (b *KlineBuffer) trimLocked() {
	if len(b.candles) > b.max {
		b.candles = append(b.candles[:0], b.candles[len(b.candles)-b.max:]...)
	}
}

func (b *KlineBuffer) copyLocked() []model.Kline {
	return append([]model.Kline{}, b.candles...)
}

// Klines returns the candle series, oldest first.
func (b *KlineBuffer) Klines() []model.Kline {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.copyLocked()
}

// Stop cancels the pending in-progress flush.
func (b *KlineBuffer) Stop() {
	b.trailing.Stop()
}
