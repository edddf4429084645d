package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/atmx/market-feed/internal/model"
	"github.com/atmx/market-feed/internal/symbol"
)

// ErrSnapshot is returned when the REST snapshot endpoint answers with a
// non-2xx status.
var ErrSnapshot = errors.New("stream: snapshot request failed")

// DefaultRESTURL is the public spot REST endpoint.
const DefaultRESTURL = "https://api.binance.com"

// RESTClient fetches the initial ticker universe and kline history that seed
// the projection buffers before the streams take over.
type RESTClient struct {
	client *resty.Client
	now    func() time.Time
}

// NewRESTClient creates a snapshot client. A zero timeout means 10s.
func NewRESTClient(baseURL string, timeout time.Duration) *RESTClient {
	if baseURL == "" {
		baseURL = DefaultRESTURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		SetHeader("Accept", "application/json")
	return &RESTClient{client: c, now: time.Now}
}

type restTicker struct {
	Symbol             string `json:"symbol"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	LastPrice          string `json:"lastPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
	CloseTime          int64  `json:"closeTime"`
}

// Tickers returns the 24h tickers quoted in quote (all when quote is empty),
// ordered by quote volume, highest first. Unparseable rows are skipped.
func (c *RESTClient) Tickers(ctx context.Context, quote string) ([]model.Ticker, error) {
	var rows []restTicker
	resp, err := c.client.R().SetContext(ctx).SetResult(&rows).Get("/api/v3/ticker/24hr")
	if err != nil {
		return nil, fmt.Errorf("ticker snapshot: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: ticker snapshot: %s", ErrSnapshot, resp.Status())
	}

	quote = symbol.Normalize(quote)
	out := make([]model.Ticker, 0, len(rows))
	for _, r := range rows {
		if quote != "" && !symbol.HasQuote(r.Symbol, quote) {
			continue
		}
		var n numbers
		t := model.Ticker{
			Symbol:             r.Symbol,
			LastPrice:          n.parse(r.LastPrice),
			PriceChange:        n.parse(r.PriceChange),
			PriceChangePercent: n.parse(r.PriceChangePercent),
			High:               n.parse(r.HighPrice),
			Low:                n.parse(r.LowPrice),
			Volume:             n.parse(r.Volume),
			QuoteVolume:        n.parse(r.QuoteVolume),
			EventTime:          r.CloseTime,
		}
		if n.err != nil {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].QuoteVolume > out[j].QuoteVolume })
	return out, nil
}

// Klines returns up to limit historical candles for sym, oldest first. A
// candle whose close time has not passed yet is marked in progress.
func (c *RESTClient) Klines(ctx context.Context, sym, interval string, limit int) ([]model.Kline, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   symbol.Normalize(sym),
			"interval": interval,
			"limit":    fmt.Sprint(limit),
		}).
		Get("/api/v3/klines")
	if err != nil {
		return nil, fmt.Errorf("kline snapshot %s: %w", sym, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: kline snapshot %s: %s", ErrSnapshot, sym, resp.Status())
	}
	return decodeKlineRows(resp.Body(), c.now().UnixMilli())
}

// decodeKlineRows parses the positional kline array
// [openTime, open, high, low, close, volume, closeTime, ...].
func decodeKlineRows(body []byte, nowMs int64) ([]model.Kline, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("%w: kline rows: %v", ErrMalformed, err)
	}
	out := make([]model.Kline, 0, len(rows))
	for _, r := range rows {
		if len(r) < 7 {
			return nil, fmt.Errorf("%w: kline row has %d fields", ErrMalformed, len(r))
		}
		var openTime, closeTime int64
		var o, h, l, cl, v string
		for i, dst := range []any{&openTime, &o, &h, &l, &cl, &v, &closeTime} {
			if err := json.Unmarshal(r[i], dst); err != nil {
				return nil, fmt.Errorf("%w: kline field %d: %v", ErrMalformed, i, err)
			}
		}
		var n numbers
		k := model.Kline{
			OpenTime:  openTime,
			Open:      n.parse(o),
			High:      n.parse(h),
			Low:       n.parse(l),
			Close:     n.parse(cl),
			Volume:    n.parse(v),
			CloseTime: closeTime,
			IsFinal:   closeTime < nowMs,
		}
		if n.err != nil {
			return nil, n.err
		}
		out = append(out, k)
	}
	return out, nil
}
