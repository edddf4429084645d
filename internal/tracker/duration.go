package tracker

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/atmx/market-feed/internal/clock"
	"github.com/atmx/market-feed/internal/metrics"
	"github.com/atmx/market-feed/internal/model"
	"github.com/atmx/market-feed/internal/momentum"
)

// DurationFolder is a fixed-duration folder with its live coins. Values of
// this type are treated as immutable by Reduce.
type DurationFolder struct {
	model.FolderRecord
	Coins []model.DurationCoin `json:"coins"`
}

// Reduce applies one price map to folders and returns the next state. Only
// active folders change. For each coin, a price that differs from the last
// recorded one (or the first price seen) is appended as a sample at now;
// samples older than the folder's time window are then pruned and momentum
// is recomputed over what remains. Samples are regressed against their
// arrival index, not their timestamps.
//
// Reduce never mutates its input: unchanged folders are shared, changed
// ones are copied.
func Reduce(folders []DurationFolder, prices map[string]float64, now time.Time, th momentum.Thresholds) []DurationFolder {
	next := make([]DurationFolder, len(folders))
	nowMs := now.UnixMilli()
	for i, f := range folders {
		if !f.IsActive {
			next[i] = f
			continue
		}
		cutoff := nowMs - f.Window.TimeWindow.Milliseconds()
		nf := DurationFolder{FolderRecord: f.FolderRecord, Coins: make([]model.DurationCoin, len(f.Coins))}
		for j, c := range f.Coins {
			nf.Coins[j] = reduceCoin(c, prices, now, cutoff, th)
		}
		next[i] = nf
	}
	return next
}

func reduceCoin(c model.DurationCoin, prices map[string]float64, now time.Time, cutoff int64, th momentum.Thresholds) model.DurationCoin {
	samples := make([]model.PriceSample, 0, len(c.Prices)+1)
	samples = append(samples, c.Prices...)

	p, ok := prices[c.Symbol]
	if ok && p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0) && (len(c.Prices) == 0 || p != c.CurrentPrice) {
		samples = append(samples, model.PriceSample{Price: p, Timestamp: now.UnixMilli()})
		c.CurrentPrice = p
		c.LastUpdate = now
	}

	kept := samples[:0]
	for _, s := range samples {
		if s.Timestamp >= cutoff {
			kept = append(kept, s)
		}
	}
	c.Prices = kept

	r := momentum.CalculateSamples(kept)
	metrics.MomentumComputations.WithLabelValues(string(model.KindDuration)).Inc()
	c.Momentum = r.Momentum
	c.Velocity = r.Velocity
	c.RSquared = r.RSquared
	c.Trend = momentum.Classify(r, th)
	return c
}

// DurationConfig configures a DurationTracker.
type DurationConfig struct {
	Limits     Limits
	Thresholds momentum.Thresholds
	Hooks      Hooks
}

// DurationTracker holds fixed-duration folder state and advances it with
// Reduce whenever a price map arrives through Update.
type DurationTracker struct {
	clock clock.Clock
	cfg   DurationConfig

	mu      sync.Mutex
	closed  bool
	folders []DurationFolder
}

// NewDurationTracker creates a tracker. Call Attach or Update to feed it.
func NewDurationTracker(cfg DurationConfig, c clock.Clock) *DurationTracker {
	if c == nil {
		c = clock.Real{}
	}
	if cfg.Thresholds == (momentum.Thresholds{}) {
		cfg.Thresholds = momentum.DurationThresholds
	}
	return &DurationTracker{clock: c, cfg: cfg}
}

// Kind returns model.KindDuration.
func (t *DurationTracker) Kind() model.FolderKind { return model.KindDuration }

// Attach subscribes Update to feed and returns the disposer.
func (t *DurationTracker) Attach(feed PriceFeed) (detach func()) {
	return feed.Subscribe(t.Update)
}

// Update reduces the state with prices and publishes the results of every
// active folder.
func (t *DurationTracker) Update(prices map[string]float64) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.folders = Reduce(t.folders, prices, t.clock.Now(), t.cfg.Thresholds)
	type published struct {
		id      string
		results []model.SymbolResult
	}
	var out []published
	for _, f := range t.folders {
		if f.IsActive {
			out = append(out, published{f.ID, durationResults(f)})
		}
	}
	t.mu.Unlock()

	for _, p := range out {
		t.cfg.Hooks.results(model.KindDuration, p.id, p.results)
	}
}

func (t *DurationTracker) indexLocked(id string) int {
	for i := range t.folders {
		if t.folders[i].ID == id {
			return i
		}
	}
	return -1
}

// mutate runs fn on a copy of folder id and stores the result, keeping
// earlier snapshots untouched.
func (t *DurationTracker) mutate(id string, fn func(f *DurationFolder) error) ([]model.FolderRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	i := t.indexLocked(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrFolderNotFound, id)
	}
	f := DurationFolder{
		FolderRecord: copyRecord(t.folders[i].FolderRecord),
		Coins:        append([]model.DurationCoin{}, t.folders[i].Coins...),
	}
	if err := fn(&f); err != nil {
		return nil, err
	}
	next := append([]DurationFolder{}, t.folders...)
	next[i] = f
	t.folders = next
	return t.recordsLocked(), nil
}

// CreateFolder adds an inactive folder. A zero time window takes the default.
func (t *DurationTracker) CreateFolder(name string, w model.WindowConfig) (model.FolderRecord, error) {
	w, err := normalizeDurationWindow(w)
	if err != nil {
		return model.FolderRecord{}, err
	}
	rec, err := newRecord(model.KindDuration, name, w, t.clock.Now())
	if err != nil {
		return model.FolderRecord{}, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return model.FolderRecord{}, ErrClosed
	}
	if err := t.cfg.Limits.CheckFolders(len(t.folders)); err != nil {
		t.mu.Unlock()
		return model.FolderRecord{}, err
	}
	next := append([]DurationFolder{}, t.folders...)
	t.folders = append(next, DurationFolder{FolderRecord: rec, Coins: []model.DurationCoin{}})
	records := t.recordsLocked()
	t.mu.Unlock()

	slog.Info("momentum folder created", "kind", model.KindDuration, "folder_id", rec.ID, "name", rec.Name)
	t.cfg.Hooks.changed(model.KindDuration, records)
	return copyRecord(rec), nil
}

// DeleteFolder removes a folder and its coins.
func (t *DurationTracker) DeleteFolder(id string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	i := t.indexLocked(id)
	if i < 0 {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFolderNotFound, id)
	}
	if t.folders[i].IsActive {
		metrics.ActiveFolders.WithLabelValues(string(model.KindDuration)).Dec()
	}
	next := make([]DurationFolder, 0, len(t.folders)-1)
	next = append(next, t.folders[:i]...)
	t.folders = append(next, t.folders[i+1:]...)
	records := t.recordsLocked()
	t.mu.Unlock()

	slog.Info("momentum folder deleted", "kind", model.KindDuration, "folder_id", id)
	t.cfg.Hooks.changed(model.KindDuration, records)
	return nil
}

// AddSymbol adds sym to a folder. A symbol already present is reported
// with added=false and no error.
func (t *DurationTracker) AddSymbol(id, sym string) (added bool, err error) {
	s, err := parseSymbol(sym)
	if err != nil {
		return false, err
	}
	records, err := t.mutate(id, func(f *DurationFolder) error {
		if containsSymbol(f.Symbols, s) {
			return errDuplicate
		}
		if err := t.cfg.Limits.CheckSymbols(len(f.Symbols)); err != nil {
			return err
		}
		f.Symbols = append(f.Symbols, s)
		f.Coins = append(f.Coins, model.DurationCoin{Symbol: s, Prices: []model.PriceSample{}})
		return nil
	})
	if err == errDuplicate {
		duplicateNotice(model.KindDuration, id, s)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	t.cfg.Hooks.changed(model.KindDuration, records)
	return true, nil
}

// RemoveSymbol drops sym from a folder.
func (t *DurationTracker) RemoveSymbol(id, sym string) error {
	s := normalizeMember(sym)
	records, err := t.mutate(id, func(f *DurationFolder) error {
		if !containsSymbol(f.Symbols, s) {
			return fmt.Errorf("%w: %s", ErrSymbolNotFound, s)
		}
		f.Symbols = removeSymbol(f.Symbols, s)
		coins := make([]model.DurationCoin, 0, len(f.Coins))
		for _, c := range f.Coins {
			if c.Symbol != s {
				coins = append(coins, c)
			}
		}
		f.Coins = coins
		return nil
	})
	if err != nil {
		return err
	}
	t.cfg.Hooks.changed(model.KindDuration, records)
	return nil
}

// Start activates a folder so it reacts to price updates. When prices is
// non-nil the folder is reduced with it once immediately.
func (t *DurationTracker) Start(id string, prices map[string]float64) error {
	started := false
	records, err := t.mutate(id, func(f *DurationFolder) error {
		if f.IsActive {
			return nil
		}
		started = true
		f.IsActive = true
		if prices != nil {
			*f = Reduce([]DurationFolder{*f}, prices, t.clock.Now(), t.cfg.Thresholds)[0]
		}
		return nil
	})
	if err != nil || !started {
		return err
	}
	metrics.ActiveFolders.WithLabelValues(string(model.KindDuration)).Inc()
	slog.Info("momentum folder started", "kind", model.KindDuration, "folder_id", id)
	t.cfg.Hooks.changed(model.KindDuration, records)
	if prices != nil {
		if rs, err := t.Results(id); err == nil {
			t.cfg.Hooks.results(model.KindDuration, id, rs)
		}
	}
	return nil
}

// Stop deactivates a folder. Its samples are kept but no longer updated.
func (t *DurationTracker) Stop(id string) error {
	stopped := false
	records, err := t.mutate(id, func(f *DurationFolder) error {
		stopped = f.IsActive
		f.IsActive = false
		return nil
	})
	if err != nil || !stopped {
		return err
	}
	metrics.ActiveFolders.WithLabelValues(string(model.KindDuration)).Dec()
	slog.Info("momentum folder stopped", "kind", model.KindDuration, "folder_id", id)
	t.cfg.Hooks.changed(model.KindDuration, records)
	return nil
}

func durationResults(f DurationFolder) []model.SymbolResult {
	out := make([]model.SymbolResult, 0, len(f.Coins))
	for _, c := range f.Coins {
		out = append(out, model.SymbolResult{
			Symbol:         c.Symbol,
			MomentumResult: model.MomentumResult{Momentum: c.Momentum, Velocity: c.Velocity, RSquared: c.RSquared},
			Trend:          c.Trend,
			Samples:        len(c.Prices),
			LastUpdate:     c.LastUpdate,
		})
	}
	sortResults(out)
	return out
}

// Results returns a folder's per-symbol momentum, highest first.
func (t *DurationTracker) Results(id string) ([]model.SymbolResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	i := t.indexLocked(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrFolderNotFound, id)
	}
	return durationResults(t.folders[i]), nil
}

// Folder returns a folder snapshot.
func (t *DurationTracker) Folder(id string) (DurationFolder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexLocked(id)
	if i < 0 {
		return DurationFolder{}, fmt.Errorf("%w: %s", ErrFolderNotFound, id)
	}
	return t.folders[i], nil
}

// Folders returns the current state snapshot in creation order.
func (t *DurationTracker) Folders() []DurationFolder {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]DurationFolder{}, t.folders...)
}

// Records returns the persistable folder structure.
func (t *DurationTracker) Records() []model.FolderRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recordsLocked()
}

func (t *DurationTracker) recordsLocked() []model.FolderRecord {
	out := make([]model.FolderRecord, 0, len(t.folders))
	for _, f := range t.folders {
		out = append(out, copyRecord(f.FolderRecord))
	}
	return out
}

// Load replaces every folder with records. Coins start with no samples and
// zero momentum.
func (t *DurationTracker) Load(records []model.FolderRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	for _, f := range t.folders {
		if f.IsActive {
			metrics.ActiveFolders.WithLabelValues(string(model.KindDuration)).Dec()
		}
	}

	next := make([]DurationFolder, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		if r.Kind != "" && r.Kind != model.KindDuration {
			continue
		}
		if r.ID == "" || seen[r.ID] {
			continue
		}
		w, err := normalizeDurationWindow(r.Window)
		if err != nil {
			slog.Warn("skipping stored folder", "folder_id", r.ID, "err", err)
			continue
		}
		seen[r.ID] = true
		rec := copyRecord(r)
		rec.Kind = model.KindDuration
		rec.Window = w
		rec.Symbols = rec.Symbols[:0]
		f := DurationFolder{Coins: []model.DurationCoin{}}
		for _, s := range r.Symbols {
			if containsSymbol(rec.Symbols, s) {
				continue
			}
			rec.Symbols = append(rec.Symbols, s)
			f.Coins = append(f.Coins, model.DurationCoin{Symbol: s, Prices: []model.PriceSample{}})
		}
		f.FolderRecord = rec
		if rec.IsActive {
			metrics.ActiveFolders.WithLabelValues(string(model.KindDuration)).Inc()
		}
		next = append(next, f)
	}
	t.folders = next
	slog.Info("momentum folders loaded", "kind", model.KindDuration, "folders", len(next))
	return nil
}

// Close makes Update a no-op and every mutator return ErrClosed. Records keep
// their active flag.
func (t *DurationTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}
