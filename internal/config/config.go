package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	defaultEnv                = "development"
	defaultLogLevel           = "info"
	defaultHTTPHost           = "0.0.0.0"
	defaultHTTPPort           = 8080
	defaultRedisDB            = 0
	defaultCacheTTLSeconds    = 30
	defaultBinanceBaseURL     = "https://api.binance.com"
	defaultDepthLimit         = 100
	defaultSymbols            = "SOLUSDT,ETHUSDT,UNIUSDT,BTCUSDT"
	defaultSymbol             = "SOLUSDT"
	defaultAggregationLevels  = "0.01,0.1,1,10,100"
	defaultAggregation        = "0.1"
	defaultTopN               = 10
	defaultRefreshIntervalMS  = 2000
	defaultRequestTimeoutMS   = 5000
	defaultAlphaVantageURL    = "https://www.alphavantage.co"
	defaultAlphaVantageIntvl  = "5min"
	defaultAlphaVantageCron   = "@every 1m"
	defaultCandlesExchange    = "marketdata.candles"
	defaultOrderBooksExchange = "marketdata.orderbooks"
	defaultPrefetch           = 50
	defaultBatchSize          = 100
	defaultBatchTimeoutMS     = 1000
)

// Config keeps the runtime configuration for the service.
type Config struct {
	Env          string
	LogLevel     string
	HTTP         HTTPConfig
	Binance      BinanceConfig
	OrderBook    OrderBookConfig
	AlphaVantage AlphaVantageConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	Cache        CacheConfig
	Rabbit       RabbitConfig
}

// HTTPConfig holds HTTP server related settings.
type HTTPConfig struct {
	Host string
	Port int
}

// Addr renders the listen address in host:port form.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

type BinanceConfig struct {
	BaseURL        string
	DepthLimit     int
	RequestTimeout time.Duration
}

// OrderBookConfig describes which books are polled and how they are displayed.
type OrderBookConfig struct {
	Symbols           []string
	DefaultSymbol     string
	AggregationLevels []decimal.Decimal
	DefaultStep       decimal.Decimal
	TopN              int
	RefreshInterval   time.Duration
}

type AlphaVantageConfig struct {
	APIKey         string
	BaseURL        string
	Symbols        []string
	Interval       string
	Schedule       string
	RequestTimeout time.Duration
}

// Enabled reports whether scheduled intraday refreshes can run.
func (a AlphaVantageConfig) Enabled() bool {
	return a.APIKey != "" && len(a.Symbols) > 0
}

// PostgresConfig stores database connection parameters.
type PostgresConfig struct {
	DSN string
}

// RedisConfig stores Redis connection parameters. Empty Addr disables caching.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// CacheConfig stores cache behavior.
type CacheConfig struct {
	TTLSeconds int
}

// RabbitConfig stores broker settings. Empty URL disables publishing.
type RabbitConfig struct {
	URL                string
	CandlesExchange    string
	OrderBooksExchange string
	Prefetch           int
	BatchSize          int
	BatchTimeout       time.Duration
}

// Load builds Config from environment variables, reading .env first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	host := getString("HTTP_HOST", defaultHTTPHost)
	port, err := getInt("HTTP_PORT", defaultHTTPPort)
	if err != nil {
		return nil, fmt.Errorf("parse HTTP_PORT: %w", err)
	}

	depthLimit, err := getInt("ORDERBOOK_DEPTH_LIMIT", defaultDepthLimit)
	if err != nil {
		return nil, fmt.Errorf("parse ORDERBOOK_DEPTH_LIMIT: %w", err)
	}
	requestTimeoutMS, err := getInt("HTTP_CLIENT_TIMEOUT_MS", defaultRequestTimeoutMS)
	if err != nil {
		return nil, fmt.Errorf("parse HTTP_CLIENT_TIMEOUT_MS: %w", err)
	}
	requestTimeout := time.Duration(requestTimeoutMS) * time.Millisecond

	orderBook, err := loadOrderBook()
	if err != nil {
		return nil, err
	}

	redisDB, err := getInt("REDIS_DB", defaultRedisDB)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_DB: %w", err)
	}

	cacheTTL, err := getInt("CACHE_TTL_SECONDS", defaultCacheTTLSeconds)
	if err != nil {
		return nil, fmt.Errorf("parse CACHE_TTL_SECONDS: %w", err)
	}

	rabbit, err := loadRabbit()
	if err != nil {
		return nil, err
	}

	return &Config{
		Env:      getString("APP_ENV", defaultEnv),
		LogLevel: getString("LOG_LEVEL", defaultLogLevel),
		HTTP:     HTTPConfig{Host: host, Port: port},
		Binance: BinanceConfig{
			BaseURL:        strings.TrimRight(getString("BINANCE_BASE_URL", defaultBinanceBaseURL), "/"),
			DepthLimit:     depthLimit,
			RequestTimeout: requestTimeout,
		},
		OrderBook: *orderBook,
		AlphaVantage: AlphaVantageConfig{
			APIKey:         os.Getenv("ALPHA_VANTAGE_API_KEY"),
			BaseURL:        strings.TrimRight(getString("ALPHA_VANTAGE_BASE_URL", defaultAlphaVantageURL), "/"),
			Symbols:        getList("ALPHA_VANTAGE_SYMBOLS", ""),
			Interval:       getString("ALPHA_VANTAGE_INTERVAL", defaultAlphaVantageIntvl),
			Schedule:       getString("ALPHA_VANTAGE_SCHEDULE", defaultAlphaVantageCron),
			RequestTimeout: requestTimeout,
		},
		Postgres: PostgresConfig{
			DSN: os.Getenv("DATABASE_DSN"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Cache: CacheConfig{
			TTLSeconds: cacheTTL,
		},
		Rabbit: *rabbit,
	}, nil
}

// RequirePostgres fails when no DSN was configured.
func (c *Config) RequirePostgres() error {
	if c.Postgres.DSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	return nil
}

func loadOrderBook() (*OrderBookConfig, error) {
	symbols := getList("ORDERBOOK_SYMBOLS", defaultSymbols)
	for i, symbol := range symbols {
		symbols[i] = strings.ToUpper(symbol)
	}
	if len(symbols) == 0 {
		return nil, errors.New("ORDERBOOK_SYMBOLS must not be empty")
	}
	defaultSym := strings.ToUpper(getString("ORDERBOOK_DEFAULT_SYMBOL", defaultSymbol))
	if !contains(symbols, defaultSym) {
		defaultSym = symbols[0]
	}

	levels, err := getDecimalList("AGGREGATION_LEVELS", defaultAggregationLevels)
	if err != nil {
		return nil, fmt.Errorf("parse AGGREGATION_LEVELS: %w", err)
	}
	if len(levels) == 0 {
		return nil, errors.New("AGGREGATION_LEVELS must not be empty")
	}
	defaultStep, err := decimal.NewFromString(getString("AGGREGATION_DEFAULT", defaultAggregation))
	if err != nil {
		return nil, fmt.Errorf("parse AGGREGATION_DEFAULT: %w", err)
	}
	if !containsDecimal(levels, defaultStep) {
		defaultStep = levels[0]
	}

	topN, err := getInt("ORDERBOOK_TOP_N", defaultTopN)
	if err != nil {
		return nil, fmt.Errorf("parse ORDERBOOK_TOP_N: %w", err)
	}
	if topN <= 0 {
		return nil, fmt.Errorf("ORDERBOOK_TOP_N must be positive, got %d", topN)
	}

	intervalMS, err := getInt("REFRESH_INTERVAL_MS", defaultRefreshIntervalMS)
	if err != nil {
		return nil, fmt.Errorf("parse REFRESH_INTERVAL_MS: %w", err)
	}
	if intervalMS <= 0 {
		return nil, fmt.Errorf("REFRESH_INTERVAL_MS must be positive, got %d", intervalMS)
	}

	return &OrderBookConfig{
		Symbols:           symbols,
		DefaultSymbol:     defaultSym,
		AggregationLevels: levels,
		DefaultStep:       defaultStep,
		TopN:              topN,
		RefreshInterval:   time.Duration(intervalMS) * time.Millisecond,
	}, nil
}

func loadRabbit() (*RabbitConfig, error) {
	prefetch, err := getInt("RABBITMQ_PREFETCH", defaultPrefetch)
	if err != nil {
		return nil, fmt.Errorf("parse RABBITMQ_PREFETCH: %w", err)
	}
	batchSize, err := getInt("BATCH_SIZE", defaultBatchSize)
	if err != nil {
		return nil, fmt.Errorf("parse BATCH_SIZE: %w", err)
	}
	batchTimeoutMS, err := getInt("BATCH_TIMEOUT_MS", defaultBatchTimeoutMS)
	if err != nil {
		return nil, fmt.Errorf("parse BATCH_TIMEOUT_MS: %w", err)
	}

	return &RabbitConfig{
		URL:                os.Getenv("RABBITMQ_URL"),
		CandlesExchange:    getString("RABBITMQ_CANDLES_EXCHANGE", defaultCandlesExchange),
		OrderBooksExchange: getString("RABBITMQ_ORDERBOOKS_EXCHANGE", defaultOrderBooksExchange),
		Prefetch:           prefetch,
		BatchSize:          batchSize,
		BatchTimeout:       time.Duration(batchTimeoutMS) * time.Millisecond,
	}, nil
}

func getString(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func getInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("convert %s value %q to int: %w", key, value, err)
	}
	return parsed, nil
}

func getList(key, fallback string) []string {
	raw := getString(key, fallback)
	items := make([]string, 0)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}

func getDecimalList(key, fallback string) ([]decimal.Decimal, error) {
	items := getList(key, fallback)
	out := make([]decimal.Decimal, 0, len(items))
	for _, item := range items {
		value, err := decimal.NewFromString(item)
		if err != nil {
			return nil, fmt.Errorf("convert %s value %q to decimal: %w", key, item, err)
		}
		if !value.IsPositive() {
			return nil, fmt.Errorf("%s value %q must be positive", key, item)
		}
		out = append(out, value)
	}
	return out, nil
}

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}

func containsDecimal(items []decimal.Decimal, target decimal.Decimal) bool {
	for _, item := range items {
		if item.Equal(target) {
			return true
		}
	}
	return false
}
