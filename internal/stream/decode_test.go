package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTickers(t *testing.T) {
	raw := []byte(`[
		{"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT","p":"150.5","P":"0.35","c":"43000.10","Q":"0.5","h":"43500","l":"42000","v":"1200.5","q":"51600000.75","C":1700000000000,"O":1699913600000,"F":1,"L":2,"n":3},
		{"e":"24hrTicker","E":1700000000001,"s":"ETHUSDT","p":"-1","P":"-0.05","c":"2200","h":"2300","l":"2100","v":"50","q":"110000"}
	]`)

	tickers, err := DecodeTickers(raw)
	require.NoError(t, err)
	require.Len(t, tickers, 2)

	btc := tickers[0]
	assert.Equal(t, "BTCUSDT", btc.Symbol)
	assert.Equal(t, 43000.10, btc.LastPrice)
	assert.Equal(t, 150.5, btc.PriceChange)
	assert.Equal(t, 0.35, btc.PriceChangePercent)
	assert.Equal(t, 43500.0, btc.High)
	assert.Equal(t, 42000.0, btc.Low)
	assert.Equal(t, 1200.5, btc.Volume)
	assert.Equal(t, 51600000.75, btc.QuoteVolume)
	assert.Equal(t, int64(1700000000000), btc.EventTime)

	assert.Equal(t, -1.0, tickers[1].PriceChange)
}

func TestDecodeTickers_SkipsBadEntries(t *testing.T) {
	raw := []byte(`[{"s":"BTCUSDT","c":"abc"},{"s":"ETHUSDT","c":"10","p":"0","P":"0","h":"0","l":"0","v":"0","q":"0"},{"c":"5"}]`)
	tickers, err := DecodeTickers(raw)
	require.NoError(t, err)
	require.Len(t, tickers, 1)
	assert.Equal(t, "ETHUSDT", tickers[0].Symbol)
}

func TestDecodeTickers_Malformed(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":     `{{`,
		"object":       `{"s":"BTCUSDT"}`,
		"all invalid":  `[{"s":"BTCUSDT","c":"x"}]`,
		"empty string": ``,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeTickers([]byte(raw))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeTickers_CombinedEnvelope(t *testing.T) {
	raw := []byte(`{"stream":"!ticker@arr","data":[{"s":"BNBUSDT","c":"300","p":"0","P":"0","h":"0","l":"0","v":"0","q":"0"}]}`)
	tickers, err := DecodeTickers(raw)
	require.NoError(t, err)
	require.Len(t, tickers, 1)
	assert.Equal(t, 300.0, tickers[0].LastPrice)
}

func TestDecodeKline(t *testing.T) {
	raw := []byte(`{"e":"kline","E":1700000001000,"s":"BTCUSDT","k":{"t":1700000000000,"T":1700000059999,"s":"BTCUSDT","i":"1m","f":1,"L":9,"o":"100","c":"101.5","h":"102","l":"99","v":"12.5","n":9,"x":true,"q":"1250","V":"6","Q":"600","B":"0"}}`)
	k, err := DecodeKline(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), k.OpenTime)
	assert.Equal(t, int64(1700000059999), k.CloseTime)
	assert.Equal(t, 100.0, k.Open)
	assert.Equal(t, 101.5, k.Close)
	assert.Equal(t, 102.0, k.High)
	assert.Equal(t, 99.0, k.Low)
	assert.Equal(t, 12.5, k.Volume)
	assert.True(t, k.IsFinal)
}

func TestDecodeKline_MissingCandle(t *testing.T) {
	_, err := DecodeKline([]byte(`{"e":"kline","s":"BTCUSDT"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeDepth(t *testing.T) {
	raw := []byte(`{"lastUpdateId":160,"bids":[["100.0","1.5"],["99.5","2"]],"asks":[["100.5","3"]]}`)
	d, err := DecodeDepth(raw)
	require.NoError(t, err)
	require.Len(t, d.Bids, 2)
	assert.Equal(t, 99.5, d.Bids[1].Price)
	assert.Equal(t, 2.0, d.Bids[1].Amount)
	require.Len(t, d.Asks, 1)
	assert.Equal(t, 3.0, d.Asks[0].Amount)
}

func TestDecodeDepth_Malformed(t *testing.T) {
	for _, raw := range []string{`{"lastUpdateId":1}`, `{"bids":[["1"]]}`, `{"bids":[["x","1"]]}`} {
		_, err := DecodeDepth([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformed, raw)
	}
}

func TestDecodeTrade(t *testing.T) {
	raw := []byte(`{"e":"trade","E":1700000000100,"s":"BTCUSDT","t":12345,"p":"43000.5","q":"0.01","T":1700000000099,"m":true,"M":true}`)
	tr, err := DecodeTrade(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), tr.ID)
	assert.Equal(t, 43000.5, tr.Price)
	assert.Equal(t, 0.01, tr.Qty)
	assert.Equal(t, int64(1700000000099), tr.Time)
	assert.True(t, tr.IsBuyerMaker)
}

func TestDecodeTrade_MissingID(t *testing.T) {
	_, err := DecodeTrade([]byte(`{"e":"trade","p":"1","q":"1"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeKlineRows(t *testing.T) {
	body := []byte(`[
		[1000,"1.0","2.0","0.5","1.5","10",1999,"15",3,"5","7.5","0"],
		[2000,"1.5","2.5","1.0","2.0","11",2999,"22",4,"5","10","0"]
	]`)
	ks, err := decodeKlineRows(body, 2500)
	require.NoError(t, err)
	require.Len(t, ks, 2)
	assert.Equal(t, 1.5, ks[0].Close)
	assert.True(t, ks[0].IsFinal)
	assert.False(t, ks[1].IsFinal, "close time still ahead of now")

	_, err = decodeKlineRows([]byte(`[[1000,"1"]]`), 0)
	assert.ErrorIs(t, err, ErrMalformed)
}
