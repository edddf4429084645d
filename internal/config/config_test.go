package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/market-feed/internal/momentum"
	"github.com/atmx/market-feed/internal/tracker"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "USDT", cfg.Feed().Quote)
	assert.Equal(t, time.Second, cfg.Feed().TickerPeriod)
	assert.Equal(t, 250*time.Millisecond, cfg.Feed().DepthPeriod)
	assert.Equal(t, 500*time.Millisecond, cfg.Feed().KlinePeriod)
	assert.Equal(t, tracker.DefaultLimits(), cfg.Limits())
	assert.Equal(t, momentum.CountThresholds, cfg.CountThresholds())
	assert.Equal(t, momentum.DurationThresholds, cfg.DurationThresholds())
	assert.Equal(t, "wss://stream.binance.com:9443/ws", cfg.Stream().BaseURL)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("QUOTE_ASSET", "btc")
	t.Setenv("TICKER_FLUSH", "2s")
	t.Setenv("MAX_FOLDERS", "3")
	t.Setenv("BUFFER_SCOPE", "folder")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("COUNT_STRONG", "0.01")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "BTC", cfg.Feed().Quote)
	assert.Equal(t, 2*time.Second, cfg.Feed().TickerPeriod)
	assert.Equal(t, 3, cfg.Limits().MaxFolders)
	assert.Equal(t, "folder", cfg.BufferScope)
	assert.Equal(t, 0.01, cfg.CountThresholds().Strong)

	level, _ := cfg.Level()
	assert.Equal(t, slog.LevelDebug, level)
}

func TestFromEnv_Invalid(t *testing.T) {
	cases := map[string][2]string{
		"scope":      {"BUFFER_SCOPE", "global"},
		"level":      {"LOG_LEVEL", "loud"},
		"thresholds": {"DURATION_WEAK", "0.5"},
		"depth":      {"DEPTH_LEVELS", "0"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := FromEnv()
			require.Error(t, err)
		})
	}
}

func TestFromEnv_ParseError(t *testing.T) {
	t.Setenv("MAX_FOLDERS", "many")
	_, err := FromEnv()
	assert.Error(t, err)
}
