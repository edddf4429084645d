package tracker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/market-feed/internal/clock"
	"github.com/atmx/market-feed/internal/model"
	"github.com/atmx/market-feed/internal/momentum"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type priceMap struct {
	mu sync.Mutex
	m  map[string]float64
}

func newPriceMap() *priceMap { return &priceMap{m: map[string]float64{}} }

func (p *priceMap) Get(s string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.m[s]
}

func (p *priceMap) set(s string, v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[s] = v
}

func newCount(t *testing.T, cfg CountConfig) (*CountTracker, *priceMap, *clock.Manual) {
	t.Helper()
	c := clock.NewManual(epoch)
	prices := newPriceMap()
	tr := NewCountTracker(cfg, c, prices)
	t.Cleanup(tr.Close)
	return tr, prices, c
}

func TestCountTracker_EndToEndWindowOfThree(t *testing.T) {
	tr, prices, c := newCount(t, CountConfig{})
	rec, err := tr.CreateFolder("majors", model.WindowConfig{WindowSize: 3, Interval: time.Second})
	require.NoError(t, err)
	added, err := tr.AddSymbol(rec.ID, "xusdt")
	require.NoError(t, err)
	require.True(t, added)

	require.NoError(t, tr.Start(rec.ID, map[string]float64{"XUSDT": 10}))
	prices.set("XUSDT", 11)
	c.Advance(time.Second)
	prices.set("XUSDT", 12)
	c.Advance(time.Second)

	f, err := tr.Folder(rec.ID)
	require.NoError(t, err)
	require.Len(t, f.Coins, 1)
	coin := f.Coins[0]
	assert.Equal(t, []float64{10, 11, 12}, coin.Prices)
	assert.InDelta(t, 1.0, coin.RSquared, 1e-9)
	assert.Greater(t, coin.Velocity, 0.0)
	assert.Contains(t, []model.Trend{model.TrendUp, model.TrendStrongUp}, coin.Trend)
}

func TestCountTracker_WindowIsFIFOAndBounded(t *testing.T) {
	tr, prices, c := newCount(t, CountConfig{})
	rec, err := tr.CreateFolder("f", model.WindowConfig{WindowSize: 3, Interval: time.Second})
	require.NoError(t, err)
	_, err = tr.AddSymbol(rec.ID, "BTCUSDT")
	require.NoError(t, err)
	require.NoError(t, tr.Start(rec.ID, nil))

	for i := 1; i <= 7; i++ {
		prices.set("BTCUSDT", float64(i))
		c.Advance(time.Second)
		f, err := tr.Folder(rec.ID)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(f.Coins[0].Prices), 3)
	}
	f, _ := tr.Folder(rec.ID)
	assert.Equal(t, []float64{5, 6, 7}, f.Coins[0].Prices)
}

func TestCountTracker_MissingPriceIsNoop(t *testing.T) {
	tr, prices, c := newCount(t, CountConfig{})
	rec, _ := tr.CreateFolder("f", model.WindowConfig{WindowSize: 3, Interval: time.Second})
	_, _ = tr.AddSymbol(rec.ID, "BTCUSDT")
	_, _ = tr.AddSymbol(rec.ID, "ETHUSDT")
	require.NoError(t, tr.Start(rec.ID, nil))

	prices.set("BTCUSDT", 100)
	c.Advance(time.Second)

	f, _ := tr.Folder(rec.ID)
	assert.Len(t, f.Coins[0].Prices, 1)
	assert.Empty(t, f.Coins[1].Prices)
}

func TestCountTracker_StopAndDeleteCancelTimers(t *testing.T) {
	tr, prices, c := newCount(t, CountConfig{})
	prices.set("BTCUSDT", 1)
	a, _ := tr.CreateFolder("a", model.WindowConfig{WindowSize: 3, Interval: time.Second})
	b, _ := tr.CreateFolder("b", model.WindowConfig{WindowSize: 3, Interval: 2 * time.Second})
	_, _ = tr.AddSymbol(a.ID, "BTCUSDT")
	require.NoError(t, tr.Start(a.ID, nil))
	require.NoError(t, tr.Start(b.ID, nil))
	require.NoError(t, tr.Start(a.ID, nil), "starting twice is a no-op")
	assert.Equal(t, 2, c.Pending())

	require.NoError(t, tr.Stop(a.ID))
	assert.Equal(t, 1, c.Pending())
	c.Advance(5 * time.Second)
	f, _ := tr.Folder(a.ID)
	assert.Empty(t, f.Coins[0].Prices, "stopped folder does not sample")

	require.NoError(t, tr.DeleteFolder(b.ID))
	assert.Zero(t, c.Pending())
	_, err := tr.Results(b.ID)
	assert.ErrorIs(t, err, ErrFolderNotFound)
}

func TestCountTracker_DuplicateSymbolIsNotice(t *testing.T) {
	tr, _, _ := newCount(t, CountConfig{})
	rec, _ := tr.CreateFolder("f", model.WindowConfig{})
	added, err := tr.AddSymbol(rec.ID, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = tr.AddSymbol(rec.ID, " btcusdt ")
	require.NoError(t, err)
	assert.False(t, added)

	f, _ := tr.Folder(rec.ID)
	assert.Equal(t, []string{"BTCUSDT"}, f.Symbols)
}

func TestCountTracker_LimitsRejectBeforeMutation(t *testing.T) {
	var changes int
	tr, _, _ := newCount(t, CountConfig{
		Limits: Limits{MaxFolders: 1, MaxSymbolsPerFolder: 1},
		Hooks:  Hooks{Changed: func(model.FolderKind, []model.FolderRecord) { changes++ }},
	})
	rec, err := tr.CreateFolder("one", model.WindowConfig{})
	require.NoError(t, err)
	_, err = tr.CreateFolder("two", model.WindowConfig{})
	assert.ErrorIs(t, err, ErrFolderLimit)

	_, err = tr.AddSymbol(rec.ID, "BTCUSDT")
	require.NoError(t, err)
	_, err = tr.AddSymbol(rec.ID, "ETHUSDT")
	assert.ErrorIs(t, err, ErrSymbolLimit)

	assert.Len(t, tr.Records(), 1)
	assert.Equal(t, []string{"BTCUSDT"}, tr.Records()[0].Symbols)
	assert.Equal(t, 2, changes)
}

func TestCountTracker_ValidationErrors(t *testing.T) {
	tr, _, _ := newCount(t, CountConfig{})
	_, err := tr.CreateFolder("  ", model.WindowConfig{})
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = tr.CreateFolder("x", model.WindowConfig{WindowSize: 1})
	assert.ErrorIs(t, err, ErrInvalidWindow)

	rec, _ := tr.CreateFolder("x", model.WindowConfig{})
	_, err = tr.AddSymbol(rec.ID, "not a symbol")
	assert.Error(t, err)
	assert.ErrorIs(t, tr.RemoveSymbol(rec.ID, "BTCUSDT"), ErrSymbolNotFound)
	_, err = tr.AddSymbol("missing", "BTCUSDT")
	assert.ErrorIs(t, err, ErrFolderNotFound)
}

func TestCountTracker_SharedSymbolBufferAcrossFolders(t *testing.T) {
	tr, prices, c := newCount(t, CountConfig{Scope: ScopeSymbol})
	a, _ := tr.CreateFolder("a", model.WindowConfig{WindowSize: 5, Interval: time.Second})
	b, _ := tr.CreateFolder("b", model.WindowConfig{WindowSize: 5, Interval: time.Second})
	_, _ = tr.AddSymbol(a.ID, "BTCUSDT")
	_, _ = tr.AddSymbol(b.ID, "BTCUSDT")
	require.NoError(t, tr.Start(a.ID, nil))
	require.NoError(t, tr.Start(b.ID, nil))

	prices.set("BTCUSDT", 1)
	c.Advance(time.Second)

	fa, _ := tr.Folder(a.ID)
	fb, _ := tr.Folder(b.ID)
	assert.Equal(t, []float64{1}, fa.Coins[0].Prices)
	assert.Equal(t, []float64{1, 1}, fb.Coins[0].Prices, "both folders push into one window")
}

func TestCountTracker_FolderScopedBuffers(t *testing.T) {
	tr, prices, c := newCount(t, CountConfig{Scope: ScopeFolder})
	a, _ := tr.CreateFolder("a", model.WindowConfig{WindowSize: 5, Interval: time.Second})
	b, _ := tr.CreateFolder("b", model.WindowConfig{WindowSize: 5, Interval: time.Second})
	_, _ = tr.AddSymbol(a.ID, "BTCUSDT")
	_, _ = tr.AddSymbol(b.ID, "BTCUSDT")
	require.NoError(t, tr.Start(a.ID, nil))
	require.NoError(t, tr.Start(b.ID, nil))

	prices.set("BTCUSDT", 1)
	c.Advance(time.Second)

	fa, _ := tr.Folder(a.ID)
	fb, _ := tr.Folder(b.ID)
	assert.Equal(t, []float64{1}, fa.Coins[0].Prices)
	assert.Equal(t, []float64{1}, fb.Coins[0].Prices)
}

func TestCountTracker_ResultsSortedDescending(t *testing.T) {
	var published [][]model.SymbolResult
	tr, prices, c := newCount(t, CountConfig{Hooks: Hooks{
		Results: func(_ model.FolderKind, _ string, rs []model.SymbolResult) { published = append(published, rs) },
	}})
	rec, _ := tr.CreateFolder("f", model.WindowConfig{WindowSize: 3, Interval: time.Second})
	for _, s := range []string{"AAAUSDT", "BBBUSDT", "CCCUSDT"} {
		_, _ = tr.AddSymbol(rec.ID, s)
	}
	require.NoError(t, tr.Start(rec.ID, nil))

	series := map[string][]float64{
		"AAAUSDT": {10, 10, 10},
		"BBBUSDT": {10, 11, 12},
		"CCCUSDT": {12, 11, 10},
	}
	for i := 0; i < 3; i++ {
		for s, ps := range series {
			prices.set(s, ps[i])
		}
		c.Advance(time.Second)
	}

	rs, err := tr.Results(rec.ID)
	require.NoError(t, err)
	require.Len(t, rs, 3)
	assert.Equal(t, "BBBUSDT", rs[0].Symbol)
	assert.Equal(t, "AAAUSDT", rs[1].Symbol)
	assert.Equal(t, "CCCUSDT", rs[2].Symbol)
	assert.Equal(t, model.TrendFlat, rs[1].Trend)
	assert.Equal(t, 3, rs[0].Samples)
	assert.Len(t, published, 3)
}

func TestCountTracker_LoadResetsHistoryAndResumes(t *testing.T) {
	tr, prices, c := newCount(t, CountConfig{})
	rec, _ := tr.CreateFolder("f", model.WindowConfig{WindowSize: 3, Interval: time.Second})
	_, _ = tr.AddSymbol(rec.ID, "BTCUSDT")
	require.NoError(t, tr.Start(rec.ID, nil))
	prices.set("BTCUSDT", 5)
	c.Advance(3 * time.Second)

	records := tr.Records()
	require.True(t, records[0].IsActive)

	other, _, c2 := newCount(t, CountConfig{})
	require.NoError(t, other.Load(records))
	f, err := other.Folder(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Name, f.Name)
	assert.Equal(t, []string{"BTCUSDT"}, f.Symbols)
	assert.Equal(t, rec.Window, f.Window)
	assert.Empty(t, f.Coins[0].Prices)
	assert.Zero(t, f.Coins[0].Momentum)
	assert.True(t, f.IsActive)
	assert.Equal(t, 1, c2.Pending(), "active folder resumes its timer")
}

func TestCountTracker_CloseStopsTimersKeepsActiveFlag(t *testing.T) {
	tr, _, c := newCount(t, CountConfig{})
	rec, _ := tr.CreateFolder("f", model.WindowConfig{})
	require.NoError(t, tr.Start(rec.ID, nil))
	tr.Close()
	assert.Zero(t, c.Pending())
	assert.True(t, tr.Records()[0].IsActive)
	assert.ErrorIs(t, tr.Start(rec.ID, nil), ErrClosed)
}

func TestCountTracker_MutatorsRejectAfterClose(t *testing.T) {
	var changes int
	tr, _, _ := newCount(t, CountConfig{
		Hooks: Hooks{Changed: func(model.FolderKind, []model.FolderRecord) { changes++ }},
	})
	rec, err := tr.CreateFolder("f", model.WindowConfig{})
	require.NoError(t, err)
	_, err = tr.AddSymbol(rec.ID, "BTCUSDT")
	require.NoError(t, err)
	require.NoError(t, tr.Start(rec.ID, nil))
	before := changes
	tr.Close()

	_, err = tr.AddSymbol(rec.ID, "ETHUSDT")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, tr.RemoveSymbol(rec.ID, "BTCUSDT"), ErrClosed)
	assert.ErrorIs(t, tr.Stop(rec.ID), ErrClosed)
	assert.ErrorIs(t, tr.DeleteFolder(rec.ID), ErrClosed)
	_, err = tr.CreateFolder("g", model.WindowConfig{})
	assert.ErrorIs(t, err, ErrClosed)

	assert.Equal(t, before, changes, "no change hook after close")
	records := tr.Records()
	require.Len(t, records, 1)
	assert.Equal(t, []string{"BTCUSDT"}, records[0].Symbols)
	assert.True(t, records[0].IsActive)
}

func TestCountTracker_CustomThresholds(t *testing.T) {
	th := momentum.Thresholds{StrengthFloor: 0.9, Strong: 1, Weak: 0.5}
	tr, _, _ := newCount(t, CountConfig{Thresholds: th})
	rec, _ := tr.CreateFolder("f", model.WindowConfig{WindowSize: 3, Interval: time.Second})
	_, _ = tr.AddSymbol(rec.ID, "BTCUSDT")
	require.NoError(t, tr.Start(rec.ID, map[string]float64{"BTCUSDT": 1}))
	rs, _ := tr.Results(rec.ID)
	assert.Equal(t, model.TrendFlat, rs[0].Trend)
}
