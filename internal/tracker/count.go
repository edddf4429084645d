package tracker

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/atmx/market-feed/internal/clock"
	"github.com/atmx/market-feed/internal/metrics"
	"github.com/atmx/market-feed/internal/model"
	"github.com/atmx/market-feed/internal/momentum"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("tracker: closed")

// BufferScope selects how fixed-count price windows are keyed.
type BufferScope string

const (
	// ScopeSymbol shares one window per symbol across every folder tracking
	// it: each folder's tick pushes into it and trims it to that folder's
	// size.
	ScopeSymbol BufferScope = "symbol"
	// ScopeFolder keeps an independent window per (folder, symbol).
	ScopeFolder BufferScope = "folder"
)

// Valid reports whether s is a known scope.
func (s BufferScope) Valid() bool {
	return s == ScopeSymbol || s == ScopeFolder
}

// CountConfig configures a CountTracker.
type CountConfig struct {
	Limits     Limits
	Thresholds momentum.Thresholds
	Scope      BufferScope
	Hooks      Hooks
}

// CountFolder is a fixed-count folder with its live coins.
type CountFolder struct {
	model.FolderRecord
	Coins []model.CountCoin `json:"coins"`
}

// CountTracker samples prices into fixed-size windows on a per-folder timer.
type CountTracker struct {
	clock  clock.Clock
	prices PriceSource
	cfg    CountConfig

	mu      sync.Mutex
	closed  bool
	order   []string
	folders map[string]*countFolder
	buffers map[string][]float64
}

type countFolder struct {
	rec   model.FolderRecord
	coins []*model.CountCoin
	timer clock.Timer
	gen   uint64
}

// NewCountTracker creates a tracker reading prices from prices on every tick.
func NewCountTracker(cfg CountConfig, c clock.Clock, prices PriceSource) *CountTracker {
	if c == nil {
		c = clock.Real{}
	}
	if !cfg.Scope.Valid() {
		cfg.Scope = ScopeSymbol
	}
	if cfg.Thresholds == (momentum.Thresholds{}) {
		cfg.Thresholds = momentum.CountThresholds
	}
	return &CountTracker{
		clock:   c,
		prices:  prices,
		cfg:     cfg,
		folders: make(map[string]*countFolder),
		buffers: make(map[string][]float64),
	}
}

// Kind returns model.KindCount.
func (t *CountTracker) Kind() model.FolderKind { return model.KindCount }

// CreateFolder adds an inactive folder. Zero window fields take defaults.
func (t *CountTracker) CreateFolder(name string, w model.WindowConfig) (model.FolderRecord, error) {
	w, err := normalizeCountWindow(w)
	if err != nil {
		return model.FolderRecord{}, err
	}
	rec, err := newRecord(model.KindCount, name, w, t.clock.Now())
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
	t.folders[rec.ID] = &countFolder{rec: rec}
	t.order = append(t.order, rec.ID)
	records := t.recordsLocked()
	t.mu.Unlock()

	slog.Info("momentum folder created", "kind", model.KindCount, "folder_id", rec.ID, "name", rec.Name)
	t.cfg.Hooks.changed(model.KindCount, records)
	return copyRecord(rec), nil
}

// DeleteFolder stops the folder's timer and drops its coins and windows.
func (t *CountTracker) DeleteFolder(id string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	f, ok := t.folders[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFolderNotFound, id)
	}
	t.stopLocked(f)
	delete(t.folders, id)
	t.order = removeSymbol(t.order, id)
	for _, c := range f.coins {
		t.dropBufferLocked(id, c.Symbol)
	}
	records := t.recordsLocked()
	t.mu.Unlock()

	slog.Info("momentum folder deleted", "kind", model.KindCount, "folder_id", id)
	t.cfg.Hooks.changed(model.KindCount, records)
	return nil
}

// AddSymbol adds sym to a folder. A symbol already present is reported
// with added=false and no error.
func (t *CountTracker) AddSymbol(id, sym string) (added bool, err error) {
	s, err := parseSymbol(sym)
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false, ErrClosed
	}
	f, ok := t.folders[id]
	if !ok {
		t.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrFolderNotFound, id)
	}
	if containsSymbol(f.rec.Symbols, s) {
		t.mu.Unlock()
		duplicateNotice(model.KindCount, id, s)
		return false, nil
	}
	if err := t.cfg.Limits.CheckSymbols(len(f.rec.Symbols)); err != nil {
		t.mu.Unlock()
		return false, err
	}
	f.rec.Symbols = append(f.rec.Symbols, s)
	f.coins = append(f.coins, &model.CountCoin{Symbol: s, Prices: []float64{}, AddedAt: t.clock.Now()})
	records := t.recordsLocked()
	t.mu.Unlock()

	t.cfg.Hooks.changed(model.KindCount, records)
	return true, nil
}

// RemoveSymbol drops sym from a folder.
func (t *CountTracker) RemoveSymbol(id, sym string) error {
	s := normalizeMember(sym)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	f, ok := t.folders[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFolderNotFound, id)
	}
	if !containsSymbol(f.rec.Symbols, s) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, s)
	}
	f.rec.Symbols = removeSymbol(f.rec.Symbols, s)
	coins := f.coins[:0:0]
	for _, c := range f.coins {
		if c.Symbol != s {
			coins = append(coins, c)
		}
	}
	f.coins = coins
	t.dropBufferLocked(id, s)
	records := t.recordsLocked()
	t.mu.Unlock()

	t.cfg.Hooks.changed(model.KindCount, records)
	return nil
}

// Start activates a folder and schedules its repeating tick. When prices is
// non-nil the folder samples it once immediately. Starting an active folder
// is a no-op.
func (t *CountTracker) Start(id string, prices map[string]float64) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	f, ok := t.folders[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFolderNotFound, id)
	}
	if f.rec.IsActive {
		t.mu.Unlock()
		return nil
	}
	f.rec.IsActive = true
	metrics.ActiveFolders.WithLabelValues(string(model.KindCount)).Inc()
	var results []model.SymbolResult
	if prices != nil {
		t.sampleLocked(f, func(s string) float64 { return prices[s] })
		results = countResults(f)
	}
	t.armLocked(f)
	records := t.recordsLocked()
	t.mu.Unlock()

	slog.Info("momentum folder started", "kind", model.KindCount, "folder_id", id, "interval", f.rec.Window.Interval)
	t.cfg.Hooks.changed(model.KindCount, records)
	if results != nil {
		t.cfg.Hooks.results(model.KindCount, id, results)
	}
	return nil
}

// Stop deactivates a folder and cancels its timer. Windows are kept.
func (t *CountTracker) Stop(id string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	f, ok := t.folders[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFolderNotFound, id)
	}
	if !f.rec.IsActive {
		t.mu.Unlock()
		return nil
	}
	t.stopLocked(f)
	records := t.recordsLocked()
	t.mu.Unlock()

	slog.Info("momentum folder stopped", "kind", model.KindCount, "folder_id", id)
	t.cfg.Hooks.changed(model.KindCount, records)
	return nil
}

func (t *CountTracker) armLocked(f *countFolder) {
	f.gen++
	gen, id := f.gen, f.rec.ID
	f.timer = t.clock.AfterFunc(f.rec.Window.Interval, func() { t.tick(id, gen) })
}

func (t *CountTracker) stopLocked(f *countFolder) {
	t.haltLocked(f)
	f.rec.IsActive = false
}

// haltLocked cancels the folder timer but leaves IsActive as recorded.
func (t *CountTracker) haltLocked(f *countFolder) {
	if f.rec.IsActive && f.timer != nil {
		metrics.ActiveFolders.WithLabelValues(string(model.KindCount)).Dec()
	}
	f.gen++
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

// tick samples one folder and re-arms its timer. A tick from a stopped,
// restarted or deleted folder is discarded.
func (t *CountTracker) tick(id string, gen uint64) {
	t.mu.Lock()
	f, ok := t.folders[id]
	if t.closed || !ok || !f.rec.IsActive || f.gen != gen {
		t.mu.Unlock()
		return
	}
	if t.prices != nil {
		t.sampleLocked(f, t.prices.Get)
	}
	results := countResults(f)
	f.timer = t.clock.AfterFunc(f.rec.Window.Interval, func() { t.tick(id, gen) })
	t.mu.Unlock()

	t.cfg.Hooks.results(model.KindCount, id, results)
}

// sampleLocked pushes each coin's price into its window, trims the window
// to the folder's size and recomputes momentum. Missing prices skip the coin.
func (t *CountTracker) sampleLocked(f *countFolder, price func(string) float64) {
	now := t.clock.Now()
	size := f.rec.Window.WindowSize
	for _, c := range f.coins {
		p := price(c.Symbol)
		if p <= 0 || math.IsNaN(p) || math.IsInf(p, 0) {
			continue
		}
		key := t.bufferKey(f.rec.ID, c.Symbol)
		buf := append(t.buffers[key], p)
		if len(buf) > size {
			buf = append([]float64(nil), buf[len(buf)-size:]...)
		}
		t.buffers[key] = buf

		r := momentum.Calculate(buf)
		metrics.MomentumComputations.WithLabelValues(string(model.KindCount)).Inc()
		c.Prices = append(c.Prices[:0:0], buf...)
		c.Momentum = r.Momentum
		c.Velocity = r.Velocity
		c.RSquared = r.RSquared
		c.Trend = momentum.Classify(r, t.cfg.Thresholds)
		c.LastUpdate = now
	}
}

func (t *CountTracker) bufferKey(folderID, sym string) string {
	if t.cfg.Scope == ScopeFolder {
		return folderID + "/" + sym
	}
	return sym
}

// dropBufferLocked releases a window nobody reads any more. A shared
// symbol window survives while another folder tracks the symbol.
func (t *CountTracker) dropBufferLocked(folderID, sym string) {
	if t.cfg.Scope == ScopeSymbol {
		for id, f := range t.folders {
			if id != folderID && containsSymbol(f.rec.Symbols, sym) {
				return
			}
		}
	}
	delete(t.buffers, t.bufferKey(folderID, sym))
}

func countResults(f *countFolder) []model.SymbolResult {
	out := make([]model.SymbolResult, 0, len(f.coins))
	for _, c := range f.coins {
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
func (t *CountTracker) Results(id string) ([]model.SymbolResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.folders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFolderNotFound, id)
	}
	return countResults(f), nil
}

// Folder returns a copy of a folder and its coins.
func (t *CountTracker) Folder(id string) (CountFolder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.folders[id]
	if !ok {
		return CountFolder{}, fmt.Errorf("%w: %s", ErrFolderNotFound, id)
	}
	return viewCount(f), nil
}

// Folders returns every folder in creation order.
func (t *CountTracker) Folders() []CountFolder {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]CountFolder, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, viewCount(t.folders[id]))
	}
	return out
}

func viewCount(f *countFolder) CountFolder {
	v := CountFolder{FolderRecord: copyRecord(f.rec), Coins: make([]model.CountCoin, 0, len(f.coins))}
	for _, c := range f.coins {
		cc := *c
		cc.Prices = append([]float64{}, c.Prices...)
		v.Coins = append(v.Coins, cc)
	}
	return v
}

// Records returns the persistable folder structure.
func (t *CountTracker) Records() []model.FolderRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recordsLocked()
}

func (t *CountTracker) recordsLocked() []model.FolderRecord {
	out := make([]model.FolderRecord, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, copyRecord(t.folders[id].rec))
	}
	return out
}

// Load replaces every folder with records. Coins start with empty windows
// and zero momentum; folders recorded as active are restarted.
func (t *CountTracker) Load(records []model.FolderRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	for _, f := range t.folders {
		t.stopLocked(f)
	}
	t.folders = make(map[string]*countFolder, len(records))
	t.order = t.order[:0]
	t.buffers = make(map[string][]float64)

	now := t.clock.Now()
	for _, r := range records {
		if r.Kind != "" && r.Kind != model.KindCount {
			continue
		}
		if _, dup := t.folders[r.ID]; dup || r.ID == "" {
			continue
		}
		w, err := normalizeCountWindow(r.Window)
		if err != nil {
			slog.Warn("skipping stored folder", "folder_id", r.ID, "err", err)
			continue
		}
		rec := copyRecord(r)
		rec.Kind = model.KindCount
		rec.Window = w
		rec.IsActive = false
		f := &countFolder{rec: rec}
		rec.Symbols = rec.Symbols[:0]
		for _, s := range r.Symbols {
			if containsSymbol(rec.Symbols, s) {
				continue
			}
			rec.Symbols = append(rec.Symbols, s)
			f.coins = append(f.coins, &model.CountCoin{Symbol: s, Prices: []float64{}, AddedAt: now})
		}
		f.rec = rec
		t.folders[rec.ID] = f
		t.order = append(t.order, rec.ID)
		if r.IsActive {
			f.rec.IsActive = true
			metrics.ActiveFolders.WithLabelValues(string(model.KindCount)).Inc()
			t.armLocked(f)
		}
	}
	slog.Info("momentum folders loaded", "kind", model.KindCount, "folders", len(t.order))
	return nil
}

// Close stops every folder timer. Records keep their active flag so a
// later Load resumes them; the tracker rejects new work afterwards.
func (t *CountTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, f := range t.folders {
		t.haltLocked(f)
	}
}
