package interfaces

import (
	"context"

	marketdata "depthview/internal/domain/entity/marketdata"
)

// BookSource fetches raw order-book depth from an exchange.
type BookSource interface {
	FetchDepth(ctx context.Context, symbol string, limit int) (*marketdata.OrderBookSnapshot, error)
}

// QuoteSource fetches equity intraday series and quotes.
type QuoteSource interface {
	Intraday(ctx context.Context, symbol, interval, outputSize string) (*marketdata.IntradaySeries, error)
	Quote(ctx context.Context, symbol string) (*marketdata.Quote, error)
}

type MarketDataRepository interface {
	AddCandles(ctx context.Context, candles []marketdata.Candle) error
	GetLastCandles(ctx context.Context, symbol, interval string, limit int) ([]marketdata.Candle, error)

	AddOrderBookSnapshots(ctx context.Context, snapshots []marketdata.OrderBookSnapshot) error
	GetLastOrderBookSnapshots(ctx context.Context, symbol string, limit int) ([]marketdata.OrderBookSnapshot, error)

	Close()
}

// Publisher fans fetched market data out to downstream consumers.
type Publisher interface {
	PublishOrderBook(ctx context.Context, snapshot *marketdata.OrderBookSnapshot) error
	PublishCandles(ctx context.Context, candles []marketdata.Candle) error
}
