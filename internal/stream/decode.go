package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-feed/internal/model"
)

// ErrMalformed marks a message that could not be parsed into its feed shape.
var ErrMalformed = errors.New("stream: malformed message")

// envelope is the combined-stream wrapper {"stream": ..., "data": ...}.
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// unwrap strips a combined-stream envelope if present.
func unwrap(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err == nil && env.Stream != "" && len(env.Data) > 0 {
		return env.Data
	}
	return trimmed
}

// numbers parses exchange string decimals, remembering the first failure.
type numbers struct{ err error }

func (n *numbers) parse(s string) float64 {
	if n.err != nil {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		n.err = fmt.Errorf("%w: %q: %v", ErrMalformed, s, err)
		return 0
	}
	return d.InexactFloat64()
}

// Binance payloads reuse letters in both cases ("c"/"C", "q"/"Q"). encoding/json
// falls back to case-insensitive matching, so every key is declared to keep
// each one bound to its own field.
type wireTicker struct {
	EventType          string `json:"e"`
	EventTime          int64  `json:"E"`
	Symbol             string `json:"s"`
	PriceChange        string `json:"p"`
	PriceChangePercent string `json:"P"`
	WeightedAvgPrice   string `json:"w"`
	PrevClose          string `json:"x"`
	LastPrice          string `json:"c"`
	LastQty            string `json:"Q"`
	BidPrice           string `json:"b"`
	BidQty             string `json:"B"`
	AskPrice           string `json:"a"`
	AskQty             string `json:"A"`
	Open               string `json:"o"`
	High               string `json:"h"`
	Low                string `json:"l"`
	Volume             string `json:"v"`
	QuoteVolume        string `json:"q"`
	OpenTime           int64  `json:"O"`
	CloseTime          int64  `json:"C"`
	FirstTradeID       int64  `json:"F"`
	LastTradeID        int64  `json:"L"`
	Count              int64  `json:"n"`
}

// DecodeTickers parses an all-symbols ticker array. Entries that fail to
// parse are skipped; a message with no usable entry is malformed.
func DecodeTickers(raw []byte) ([]model.Ticker, error) {
	var wire []wireTicker
	if err := json.Unmarshal(unwrap(raw), &wire); err != nil {
		return nil, fmt.Errorf("%w: ticker array: %v", ErrMalformed, err)
	}
	out := make([]model.Ticker, 0, len(wire))
	for _, w := range wire {
		if w.Symbol == "" {
			continue
		}
		var n numbers
		t := model.Ticker{
			Symbol:             w.Symbol,
			LastPrice:          n.parse(w.LastPrice),
			PriceChange:        n.parse(w.PriceChange),
			PriceChangePercent: n.parse(w.PriceChangePercent),
			High:               n.parse(w.High),
			Low:                n.parse(w.Low),
			Volume:             n.parse(w.Volume),
			QuoteVolume:        n.parse(w.QuoteVolume),
			EventTime:          w.EventTime,
		}
		if n.err != nil {
			continue
		}
		out = append(out, t)
	}
	if len(out) == 0 && len(wire) > 0 {
		return nil, fmt.Errorf("%w: no valid ticker entries", ErrMalformed)
	}
	return out, nil
}

type wireKline struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	K         *struct {
		OpenTime       int64  `json:"t"`
		CloseTime      int64  `json:"T"`
		Symbol         string `json:"s"`
		Interval       string `json:"i"`
		FirstTradeID   int64  `json:"f"`
		LastTradeID    int64  `json:"L"`
		Open           string `json:"o"`
		Close          string `json:"c"`
		High           string `json:"h"`
		Low            string `json:"l"`
		Volume         string `json:"v"`
		Trades         int64  `json:"n"`
		IsFinal        bool   `json:"x"`
		QuoteVolume    string `json:"q"`
		TakerBuyVolume string `json:"V"`
		TakerBuyQuote  string `json:"Q"`
		Ignore         string `json:"B"`
	} `json:"k"`
}

// DecodeKline parses a kline stream message.
func DecodeKline(raw []byte) (model.Kline, error) {
	var w wireKline
	if err := json.Unmarshal(unwrap(raw), &w); err != nil {
		return model.Kline{}, fmt.Errorf("%w: kline: %v", ErrMalformed, err)
	}
	if w.K == nil {
		return model.Kline{}, fmt.Errorf("%w: kline: missing candle", ErrMalformed)
	}
	var n numbers
	k := model.Kline{
		OpenTime:  w.K.OpenTime,
		Open:      n.parse(w.K.Open),
		High:      n.parse(w.K.High),
		Low:       n.parse(w.K.Low),
		Close:     n.parse(w.K.Close),
		Volume:    n.parse(w.K.Volume),
		CloseTime: w.K.CloseTime,
		IsFinal:   w.K.IsFinal,
	}
	return k, n.err
}

type wireDepth struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// DecodeDepth parses a partial book depth message.
func DecodeDepth(raw []byte) (model.DepthSnapshot, error) {
	var w wireDepth
	if err := json.Unmarshal(unwrap(raw), &w); err != nil {
		return model.DepthSnapshot{}, fmt.Errorf("%w: depth: %v", ErrMalformed, err)
	}
	if w.Bids == nil && w.Asks == nil {
		return model.DepthSnapshot{}, fmt.Errorf("%w: depth: no book sides", ErrMalformed)
	}
	bids, err := levels(w.Bids)
	if err != nil {
		return model.DepthSnapshot{}, err
	}
	asks, err := levels(w.Asks)
	if err != nil {
		return model.DepthSnapshot{}, err
	}
	return model.DepthSnapshot{Bids: bids, Asks: asks}, nil
}

func levels(rows [][]string) ([]model.DepthLevel, error) {
	out := make([]model.DepthLevel, 0, len(rows))
	var n numbers
	for _, r := range rows {
		if len(r) < 2 {
			return nil, fmt.Errorf("%w: depth level %v", ErrMalformed, r)
		}
		out = append(out, model.DepthLevel{Price: n.parse(r[0]), Amount: n.parse(r[1])})
	}
	return out, n.err
}

type wireTrade struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      *int64 `json:"t"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
	Ignore       bool   `json:"M"`
}

// DecodeTrade parses a trade stream message.
func DecodeTrade(raw []byte) (model.Trade, error) {
	var w wireTrade
	if err := json.Unmarshal(unwrap(raw), &w); err != nil {
		return model.Trade{}, fmt.Errorf("%w: trade: %v", ErrMalformed, err)
	}
	if w.TradeID == nil {
		return model.Trade{}, fmt.Errorf("%w: trade: missing id", ErrMalformed)
	}
	var n numbers
	t := model.Trade{
		ID:           *w.TradeID,
		Price:        n.parse(w.Price),
		Qty:          n.parse(w.Qty),
		Time:         w.TradeTime,
		IsBuyerMaker: w.IsBuyerMaker,
	}
	return t, n.err
}
