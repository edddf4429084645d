package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/market-feed/internal/api"
	"github.com/atmx/market-feed/internal/clock"
	"github.com/atmx/market-feed/internal/feed"
	"github.com/atmx/market-feed/internal/model"
	"github.com/atmx/market-feed/internal/pricecache"
	"github.com/atmx/market-feed/internal/symbol"
	"github.com/atmx/market-feed/internal/tracker"
)

type fakeMarket struct {
	cache    *pricecache.Cache
	watched  map[string]int
	released int
	dialErr  error
}

func (m *fakeMarket) CurrentPrice(sym string) float64 { return m.cache.Get(sym) }
func (m *fakeMarket) Prices() map[string]float64      { return m.cache.Snapshot() }
func (m *fakeMarket) Coins() []model.Coin {
	return []model.Coin{{Ticker: model.Ticker{Symbol: "BTCUSDT", LastPrice: 100}}}
}
func (m *fakeMarket) Status() []feed.FeedState {
	return []feed.FeedState{{Feed: "ticker", Connected: true}}
}

func (m *fakeMarket) Watch(_ context.Context, sym string) (func(), error) {
	if _, err := symbol.Parse(sym); err != nil {
		return nil, err
	}
	if m.dialErr != nil {
		return nil, m.dialErr
	}
	m.watched[sym]++
	return func() { m.watched[sym]--; m.released++ }, nil
}

func (m *fakeMarket) OrderBook(sym string) (model.OrderBook, error) {
	if m.watched[symbol.Normalize(sym)] == 0 {
		return model.OrderBook{}, feed.ErrNotWatched
	}
	return model.OrderBook{Bids: []model.BookEntry{{Price: 1, Amount: 2, Total: 2}}}, nil
}

func (m *fakeMarket) RecentTrades(sym string) ([]model.Trade, error) {
	if m.watched[symbol.Normalize(sym)] == 0 {
		return nil, feed.ErrNotWatched
	}
	return []model.Trade{{ID: 1, Price: 1}}, nil
}

func (m *fakeMarket) Klines(sym string) ([]model.Kline, error) {
	if m.watched[symbol.Normalize(sym)] == 0 {
		return nil, feed.ErrNotWatched
	}
	return []model.Kline{{OpenTime: 1, Close: 1}}, nil
}

type testEnv struct {
	market   *fakeMarket
	count    *tracker.CountTracker
	duration *tracker.DurationTracker
	router   chi.Router
	svc      *api.Service
}

// newTestEnv creates a Service with a fake market, real trackers on a
// manual clock and a chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	c := clock.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := pricecache.New()
	m := &fakeMarket{cache: cache, watched: map[string]int{}}
	limits := tracker.Limits{MaxFolders: 2, MaxSymbolsPerFolder: 2}
	count := tracker.NewCountTracker(tracker.CountConfig{Limits: limits}, c, cache)
	duration := tracker.NewDurationTracker(tracker.DurationConfig{Limits: limits}, c)
	t.Cleanup(count.Close)
	t.Cleanup(duration.Close)

	svc := api.NewService(m, count, duration)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Mount)
	return &testEnv{market: m, count: count, duration: duration, router: r, svc: svc}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestPrices(t *testing.T) {
	env := newTestEnv(t)
	env.market.cache.Set("BTCUSDT", 42000)

	w := env.do(t, "GET", "/api/v1/prices/btcusdt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 42000.0, decode[map[string]any](t, w)["price"])

	w = env.do(t, "GET", "/api/v1/prices/ETHUSDT", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, "GET", "/api/v1/prices", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]map[string]float64](t, w)
	assert.Equal(t, map[string]float64{"BTCUSDT": 42000}, body["prices"])

	w = env.do(t, "GET", "/api/v1/coins", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.Coin](t, w), 1)

	w = env.do(t, "GET", "/api/v1/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWatchLifecycle(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/symbols/BTCUSDT/orderbook", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, "POST", "/api/v1/symbols/btcusdt/watch", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	w = env.do(t, "POST", "/api/v1/symbols/BTCUSDT/watch", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 2.0, decode[map[string]any](t, w)["watchers"])

	for _, p := range []string{"orderbook", "trades", "klines"} {
		w = env.do(t, "GET", "/api/v1/symbols/BTCUSDT/"+p, nil)
		assert.Equal(t, http.StatusOK, w.Code, p)
	}

	w = env.do(t, "DELETE", "/api/v1/symbols/BTCUSDT/watch", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, env.market.watched["BTCUSDT"])

	env.svc.Close()
	assert.Equal(t, 0, env.market.watched["BTCUSDT"])
	w = env.do(t, "DELETE", "/api/v1/symbols/BTCUSDT/watch", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWatchErrors(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/symbols/btc-usd/watch", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	env.market.dialErr = errors.New("dial refused")
	w = env.do(t, "POST", "/api/v1/symbols/BTCUSDT/watch", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestCountFolderFlow(t *testing.T) {
	env := newTestEnv(t)
	env.market.cache.Set("BTCUSDT", 100)

	w := env.do(t, "POST", "/api/v1/folders/count", api.CreateFolderRequest{
		Name: "majors", WindowSize: 5, Interval: "2s",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rec := decode[model.FolderRecord](t, w)
	assert.Equal(t, model.KindCount, rec.Kind)
	assert.Equal(t, 2*time.Second, rec.Window.Interval)

	base := "/api/v1/folders/count/" + rec.ID
	w = env.do(t, "POST", base+"/symbols", api.AddSymbolRequest{Symbol: "btcusdt"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = env.do(t, "POST", base+"/symbols", api.AddSymbolRequest{Symbol: "BTCUSDT"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode[map[string]any](t, w)["added"])

	w = env.do(t, "POST", base+"/start", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, "GET", base+"/results", nil)
	require.Equal(t, http.StatusOK, w.Code)
	results := decode[[]map[string]any](t, w)
	require.Len(t, results, 1)
	assert.Equal(t, "BTCUSDT", results[0]["symbol"])
	assert.Equal(t, 1.0, results[0]["samples"])

	w = env.do(t, "GET", base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	folder := decode[map[string]any](t, w)
	assert.Equal(t, true, folder["is_active"])

	w = env.do(t, "POST", base+"/stop", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, "DELETE", base+"/symbols/ETHUSDT", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, "DELETE", base+"/symbols/BTCUSDT", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, "GET", "/api/v1/folders/count", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.FolderRecord](t, w), 1)

	w = env.do(t, "DELETE", base, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, "GET", base, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDurationFolderValidationAndLimits(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/folders/duration", api.CreateFolderRequest{Name: "x", TimeWindow: "soon"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, "POST", "/api/v1/folders/duration", api.CreateFolderRequest{Name: "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, "POST", "/api/v1/folders/duration", api.CreateFolderRequest{Name: "x", TimeWindow: "10ms"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var id string
	for i := 0; i < 2; i++ {
		w = env.do(t, "POST", "/api/v1/folders/duration", api.CreateFolderRequest{Name: "f", TimeWindow: "5m"})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		id = decode[model.FolderRecord](t, w).ID
	}
	w = env.do(t, "POST", "/api/v1/folders/duration", api.CreateFolderRequest{Name: "f", TimeWindow: "5m"})
	assert.Equal(t, http.StatusConflict, w.Code)

	base := "/api/v1/folders/duration/" + id + "/symbols"
	for _, s := range []string{"BTCUSDT", "ETHUSDT"} {
		w = env.do(t, "POST", base, api.AddSymbolRequest{Symbol: s})
		require.Equal(t, http.StatusCreated, w.Code)
	}
	w = env.do(t, "POST", base, api.AddSymbolRequest{Symbol: "SOLUSDT"})
	assert.Equal(t, http.StatusConflict, w.Code)
	w = env.do(t, "POST", base, api.AddSymbolRequest{Symbol: "???"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnknownKindAndFolder(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/folders/weekly", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, "POST", "/api/v1/folders/count/nope/start", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, "GET", "/api/v1/folders/duration/nope/results", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
