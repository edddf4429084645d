// Package config loads process configuration from the environment. A .env
// file in the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/atmx/market-feed/internal/feed"
	"github.com/atmx/market-feed/internal/momentum"
	"github.com/atmx/market-feed/internal/stream"
	"github.com/atmx/market-feed/internal/tracker"
)

// ErrInvalid is returned for a configuration that loads but cannot run.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the whole process configuration.
type Config struct {
	Port     string `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	StreamURL   string        `envconfig:"STREAM_URL" default:"wss://stream.binance.com:9443/ws"`
	RESTURL     string        `envconfig:"REST_URL" default:"https://api.binance.com"`
	RESTTimeout time.Duration `envconfig:"REST_TIMEOUT" default:"10s"`

	QuoteAsset    string `envconfig:"QUOTE_ASSET" default:"USDT"`
	KlineInterval string `envconfig:"KLINE_INTERVAL" default:"1m"`
	DepthLevels   int    `envconfig:"DEPTH_LEVELS" default:"20"`
	RecentTrades  int    `envconfig:"RECENT_TRADES" default:"50"`
	MaxCandles    int    `envconfig:"MAX_CANDLES" default:"1000"`

	TickerFlush time.Duration `envconfig:"TICKER_FLUSH" default:"1s"`
	DepthFlush  time.Duration `envconfig:"DEPTH_FLUSH" default:"250ms"`
	TradeFlush  time.Duration `envconfig:"TRADE_FLUSH" default:"250ms"`
	KlineFlush  time.Duration `envconfig:"KLINE_FLUSH" default:"500ms"`

	MaxFolders          int    `envconfig:"MAX_FOLDERS" default:"20"`
	MaxSymbolsPerFolder int    `envconfig:"MAX_SYMBOLS_PER_FOLDER" default:"50"`
	BufferScope         string `envconfig:"BUFFER_SCOPE" default:"symbol"`

	CountStrengthFloor    float64 `envconfig:"COUNT_STRENGTH_FLOOR" default:"0.3"`
	CountStrong           float64 `envconfig:"COUNT_STRONG" default:"0.002"`
	CountWeak             float64 `envconfig:"COUNT_WEAK" default:"0.0005"`
	DurationStrengthFloor float64 `envconfig:"DURATION_STRENGTH_FLOOR" default:"0.5"`
	DurationStrong        float64 `envconfig:"DURATION_STRONG" default:"0.001"`
	DurationWeak          float64 `envconfig:"DURATION_WEAK" default:"0.0002"`

	DatabaseURL string        `envconfig:"DATABASE_URL"`
	RedisURL    string        `envconfig:"REDIS_URL"`
	RedisPrefix string        `envconfig:"REDIS_PREFIX" default:"market-feed:"`
	CacheTTL    time.Duration `envconfig:"CACHE_TTL" default:"30s"`
}

// Load reads .env (if any) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads the environment only.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values envconfig cannot.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if !tracker.BufferScope(c.BufferScope).Valid() {
		return fmt.Errorf("%w: BUFFER_SCOPE %q (want symbol or folder)", ErrInvalid, c.BufferScope)
	}
	if c.DepthLevels <= 0 || c.RecentTrades <= 0 || c.MaxCandles <= 0 {
		return fmt.Errorf("%w: DEPTH_LEVELS, RECENT_TRADES and MAX_CANDLES must be positive", ErrInvalid)
	}
	if c.MaxFolders < 0 || c.MaxSymbolsPerFolder < 0 {
		return fmt.Errorf("%w: folder limits must not be negative", ErrInvalid)
	}
	if err := c.CountThresholds().Validate(); err != nil {
		return fmt.Errorf("count thresholds: %w", err)
	}
	if err := c.DurationThresholds().Validate(); err != nil {
		return fmt.Errorf("duration thresholds: %w", err)
	}
	return nil
}

// Level parses LOG_LEVEL.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("%w: LOG_LEVEL %q", ErrInvalid, c.LogLevel)
	}
	return l, nil
}

// Stream returns the websocket dialer configuration.
func (c *Config) Stream() stream.Config {
	sc := stream.DefaultConfig()
	sc.BaseURL = c.StreamURL
	return sc
}

// Feed returns the aggregator configuration.
func (c *Config) Feed() feed.Config {
	return feed.Config{
		Quote:         strings.ToUpper(c.QuoteAsset),
		KlineInterval: c.KlineInterval,
		DepthLevels:   c.DepthLevels,
		RecentTrades:  c.RecentTrades,
		MaxCandles:    c.MaxCandles,
		TickerPeriod:  c.TickerFlush,
		DepthPeriod:   c.DepthFlush,
		TradePeriod:   c.TradeFlush,
		KlinePeriod:   c.KlineFlush,
	}
}

// Limits returns the folder limits shared by both trackers.
func (c *Config) Limits() tracker.Limits {
	return tracker.Limits{MaxFolders: c.MaxFolders, MaxSymbolsPerFolder: c.MaxSymbolsPerFolder}
}

func (c *Config) CountThresholds() momentum.Thresholds {
	return momentum.Thresholds{StrengthFloor: c.CountStrengthFloor, Strong: c.CountStrong, Weak: c.CountWeak}
}

func (c *Config) DurationThresholds() momentum.Thresholds {
	return momentum.Thresholds{StrengthFloor: c.DurationStrengthFloor, Strong: c.DurationStrong, Weak: c.DurationWeak}
}
