package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"HTTP_PORT", "ORDERBOOK_SYMBOLS", "ORDERBOOK_DEFAULT_SYMBOL", "AGGREGATION_LEVELS",
		"AGGREGATION_DEFAULT", "ORDERBOOK_TOP_N", "REFRESH_INTERVAL_MS", "REDIS_ADDR",
		"RABBITMQ_URL", "DATABASE_DSN", "ALPHA_VANTAGE_API_KEY", "ALPHA_VANTAGE_SYMBOLS",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:8080", cfg.HTTP.Addr())
	require.Equal(t, []string{"SOLUSDT", "ETHUSDT", "UNIUSDT", "BTCUSDT"}, cfg.OrderBook.Symbols)
	require.Equal(t, "SOLUSDT", cfg.OrderBook.DefaultSymbol)
	require.Len(t, cfg.OrderBook.AggregationLevels, 5)
	require.Equal(t, "0.1", cfg.OrderBook.DefaultStep.String())
	require.Equal(t, 10, cfg.OrderBook.TopN)
	require.Equal(t, 2*time.Second, cfg.OrderBook.RefreshInterval)
	require.Equal(t, 100, cfg.Binance.DepthLimit)
	require.Empty(t, cfg.Redis.Addr)
	require.Empty(t, cfg.Rabbit.URL)
	require.False(t, cfg.AlphaVantage.Enabled())
	require.Error(t, cfg.RequirePostgres())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("ORDERBOOK_SYMBOLS", "btcusdt, ethusdt")
	t.Setenv("ORDERBOOK_DEFAULT_SYMBOL", "XRPUSDT")
	t.Setenv("AGGREGATION_LEVELS", "1,10")
	t.Setenv("AGGREGATION_DEFAULT", "0.5")
	t.Setenv("REFRESH_INTERVAL_MS", "500")
	t.Setenv("ALPHA_VANTAGE_API_KEY", "demo")
	t.Setenv("ALPHA_VANTAGE_SYMBOLS", "IBM")
	t.Setenv("DATABASE_DSN", "postgres://localhost/depthview")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.HTTP.Port)
	require.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.OrderBook.Symbols)
	require.Equal(t, "BTCUSDT", cfg.OrderBook.DefaultSymbol)
	require.Equal(t, "1", cfg.OrderBook.DefaultStep.String())
	require.Equal(t, 500*time.Millisecond, cfg.OrderBook.RefreshInterval)
	require.True(t, cfg.AlphaVantage.Enabled())
	require.NoError(t, cfg.RequirePostgres())
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"HTTP_PORT":           "eighty",
		"AGGREGATION_LEVELS":  "0.1,-1",
		"ORDERBOOK_TOP_N":     "0",
		"REFRESH_INTERVAL_MS": "nope",
		"BATCH_SIZE":          "x",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			require.Error(t, err)
		})
	}
}
