// Package throttle decouples upstream message rate from downstream update
// rate. Every buffer follows one rule: coalesce into a pending slot, and flush
// on a trailing timer that is armed only if not already armed.
package throttle

import (
	"sync"
	"time"

	"github.com/atmx/market-feed/internal/clock"
)

// Trailing runs flush once per period after the first Trigger of a quiet
// spell. Triggers while armed are absorbed; the timer disarms when it fires.
type Trailing struct {
	clock  clock.Clock
	period time.Duration
	flush  func()

	mu      sync.Mutex
	timer   clock.Timer
	armed   bool
	stopped bool
	gen     uint64
}

// NewTrailing creates a trailing throttle around flush.
func NewTrailing(c clock.Clock, period time.Duration, flush func()) *Trailing {
	if c == nil {
		c = clock.Real{}
	}
	return &Trailing{clock: c, period: period, flush: flush}
}

// Trigger arms the timer if it is not armed. It reports whether this call
// armed it.
func (t *Trailing) Trigger() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.armed {
		return false
	}
	t.armed = true
	t.gen++
	gen := t.gen
	t.timer = t.clock.AfterFunc(t.period, func() { t.fire(gen) })
	return true
}

func (t *Trailing) fire(gen uint64) {
	t.mu.Lock()
	if t.stopped || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.armed = false
	t.timer = nil
	t.mu.Unlock()

	t.flush()
}

// Armed reports whether a flush is scheduled.
func (t *Trailing) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Stop cancels any scheduled flush. A timer callback already in flight
// returns without flushing. Stop is final.
func (t *Trailing) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.armed = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
