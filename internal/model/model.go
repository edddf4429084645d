// Package model defines the core domain types shared across the market feed.
// Prices are float64 here; wire decimals are parsed once at the transport edge.
package model

import (
	"fmt"
	"time"
)

// PriceSample is one observed price at a wall-clock instant (unix ms).
// Immutable once created.
type PriceSample struct {
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

// Ticker is a parsed entry of the all-symbols ticker stream or the REST
// 24h ticker snapshot.
type Ticker struct {
	Symbol             string  `json:"symbol"`
	LastPrice          float64 `json:"last_price"`
	PriceChange        float64 `json:"price_change"`
	PriceChangePercent float64 `json:"price_change_percent"`
	High               float64 `json:"high"`
	Low                float64 `json:"low"`
	Volume             float64 `json:"volume"`
	QuoteVolume        float64 `json:"quote_volume"`
	EventTime          int64   `json:"event_time"`
}

// Coin is one row of the throttled ticker projection.
type Coin struct {
	Ticker
	UpdatedAt time.Time `json:"updated_at"`
}

// Kline is one candle. IsFinal marks a candle the exchange has closed.
type Kline struct {
	OpenTime  int64   `json:"open_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time"`
	IsFinal   bool    `json:"is_final"`
}

// Trade is one public trade print.
type Trade struct {
	ID           int64   `json:"id"`
	Price        float64 `json:"price"`
	Qty          float64 `json:"qty"`
	Time         int64   `json:"time"`
	IsBuyerMaker bool    `json:"is_buyer_maker"`
}

// DepthLevel is a raw [price, amount] level from the depth stream.
type DepthLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// DepthSnapshot is a full partial-book message: bids best (highest) first,
// asks best (lowest) first.
type DepthSnapshot struct {
	Bids []DepthLevel `json:"bids"`
	Asks []DepthLevel `json:"asks"`
}

// BookEntry is a displayed order-book row with its cumulative quote total.
type BookEntry struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
	Total  float64 `json:"total"`
}

// OrderBook is the projected book. Asks are in descending price order.
type OrderBook struct {
	Bids []BookEntry `json:"bids"`
	Asks []BookEntry `json:"asks"`
}

// MomentumResult is the regression output over a price window.
type MomentumResult struct {
	Momentum float64 `json:"momentum"`
	Velocity float64 `json:"velocity"`
	RSquared float64 `json:"r_squared"`
}

// Trend is the classified direction and strength of a momentum result.
type Trend int

const (
	TrendStrongDown Trend = -2
	TrendDown       Trend = -1
	TrendFlat       Trend = 0
	TrendUp         Trend = 1
	TrendStrongUp   Trend = 2
)

func (t Trend) String() string {
	switch t {
	case TrendStrongDown:
		return "STRONG_DOWN"
	case TrendDown:
		return "DOWN"
	case TrendUp:
		return "UP"
	case TrendStrongUp:
		return "STRONG_UP"
	default:
		return "FLAT"
	}
}

// MarshalText renders the trend label in JSON.
func (t Trend) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses the labels written by MarshalText.
func (t *Trend) UnmarshalText(b []byte) error {
	switch string(b) {
	case "STRONG_DOWN":
		*t = TrendStrongDown
	case "DOWN":
		*t = TrendDown
	case "FLAT":
		*t = TrendFlat
	case "UP":
		*t = TrendUp
	case "STRONG_UP":
		*t = TrendStrongUp
	default:
		return fmt.Errorf("model: unknown trend %q", b)
	}
	return nil
}

// FolderKind distinguishes the two momentum window variants.
type FolderKind string

const (
	KindCount    FolderKind = "count"
	KindDuration FolderKind = "duration"
)

// Valid reports whether k is a known folder kind.
func (k FolderKind) Valid() bool {
	return k == KindCount || k == KindDuration
}

// WindowConfig configures a folder's price window. Count folders use
// WindowSize and Interval; duration folders use TimeWindow.
type WindowConfig struct {
	WindowSize int           `json:"window_size,omitempty"`
	Interval   time.Duration `json:"interval,omitempty"`
	TimeWindow time.Duration `json:"time_window,omitempty"`
}

// CountCoin is a symbol tracked by a fixed-count folder.
type CountCoin struct {
	Symbol     string    `json:"symbol"`
	Prices     []float64 `json:"prices"`
	Momentum   float64   `json:"momentum"`
	Velocity   float64   `json:"velocity"`
	RSquared   float64   `json:"r_squared"`
	Trend      Trend     `json:"trend"`
	LastUpdate time.Time `json:"last_update"`
	AddedAt    time.Time `json:"added_at"`
}

// DurationCoin is a symbol tracked by a fixed-duration folder.
type DurationCoin struct {
	Symbol       string        `json:"symbol"`
	Prices       []PriceSample `json:"prices"`
	Momentum     float64       `json:"momentum"`
	Velocity     float64       `json:"velocity"`
	RSquared     float64       `json:"r_squared"`
	Trend        Trend         `json:"trend"`
	CurrentPrice float64       `json:"current_price"`
	LastUpdate   time.Time     `json:"last_update"`
}

// SymbolResult is a per-symbol momentum row of a folder's results list.
type SymbolResult struct {
	Symbol string `json:"symbol"`
	MomentumResult
	Trend      Trend     `json:"trend"`
	Samples    int       `json:"samples"`
	LastUpdate time.Time `json:"last_update"`
}

// FolderRecord is the only persisted folder shape: structure, never history.
type FolderRecord struct {
	ID        string       `json:"id"`
	Kind      FolderKind   `json:"kind"`
	Name      string       `json:"name"`
	Symbols   []string     `json:"symbols"`
	Window    WindowConfig `json:"window"`
	CreatedAt time.Time    `json:"created_at"`
	IsActive  bool         `json:"is_active"`
}
