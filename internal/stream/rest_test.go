package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRESTClient_TickersFiltersAndSorts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/24hr", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"symbol":"ETHUSDT","priceChange":"1","priceChangePercent":"0.1","lastPrice":"2000","highPrice":"2100","lowPrice":"1900","volume":"10","quoteVolume":"20000","closeTime":5},
			{"symbol":"ETHBTC","priceChange":"0","priceChangePercent":"0","lastPrice":"0.05","highPrice":"0","lowPrice":"0","volume":"1","quoteVolume":"1","closeTime":5},
			{"symbol":"BTCUSDT","priceChange":"1","priceChangePercent":"0.1","lastPrice":"40000","highPrice":"41000","lowPrice":"39000","volume":"5","quoteVolume":"200000","closeTime":6},
			{"symbol":"BADUSDT","priceChange":"x","priceChangePercent":"0","lastPrice":"1","highPrice":"0","lowPrice":"0","volume":"0","quoteVolume":"0"}
		]`))
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, time.Second)
	tickers, err := c.Tickers(context.Background(), "usdt")
	require.NoError(t, err)
	require.Len(t, tickers, 2)
	assert.Equal(t, "BTCUSDT", tickers[0].Symbol)
	assert.Equal(t, 40000.0, tickers[0].LastPrice)
	assert.Equal(t, "ETHUSDT", tickers[1].Symbol)
}

func TestRESTClient_KlinesQueryAndFinality(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1m", r.URL.Query().Get("interval"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`[[0,"1","1","1","1","1",59999,"1",1,"1","1","0"],[60000,"2","2","2","2","2",119999,"1",1,"1","1","0"]]`))
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, time.Second)
	c.now = func() time.Time { return time.UnixMilli(100000) }
	ks, err := c.Klines(context.Background(), "btcusdt", "1m", 2)
	require.NoError(t, err)
	require.Len(t, ks, 2)
	assert.True(t, ks[0].IsFinal)
	assert.False(t, ks[1].IsFinal)
	assert.Equal(t, 2.0, ks[1].Close)
}

func TestRESTClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, time.Second)
	_, err := c.Klines(context.Background(), "NOPE", "1m", 10)
	assert.ErrorIs(t, err, ErrSnapshot)
	_, err = c.Tickers(context.Background(), "")
	assert.ErrorIs(t, err, ErrSnapshot)
}
