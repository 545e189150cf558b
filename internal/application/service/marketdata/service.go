package marketdata

import (
	"context"
	"errors"
	"strings"

	marketdata "depthview/internal/domain/entity/marketdata"
	interfaces "depthview/internal/domain/interfaces"
)

const maxLimit = 1000

var (
	ErrInvalidLimit    = errors.New("limit must be between 1 and 1000")
	ErrMissingSymbol   = errors.New("symbol is required")
	ErrMissingInterval = errors.New("interval is required")
)

// Service reads and writes recorded order book snapshots and candles.
type Service struct {
	repo interfaces.MarketDataRepository
}

func NewService(repo interfaces.MarketDataRepository) *Service {
	return &Service{repo: repo}
}

// Candles

func (s *Service) AddCandles(ctx context.Context, candles []marketdata.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	return s.repo.AddCandles(ctx, candles)
}

func (s *Service) GetLastCandles(ctx context.Context, symbol, interval string, limit int) ([]marketdata.Candle, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, ErrMissingSymbol
	}
	if interval == "" {
		return nil, ErrMissingInterval
	}
	if limit <= 0 || limit > maxLimit {
		return nil, ErrInvalidLimit
	}
	return s.repo.GetLastCandles(ctx, symbol, interval, limit)
}

// Order book snapshots

func (s *Service) AddOrderBookSnapshots(ctx context.Context, snapshots []marketdata.OrderBookSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	return s.repo.AddOrderBookSnapshots(ctx, snapshots)
}

func (s *Service) GetLastOrderBookSnapshots(ctx context.Context, symbol string, limit int) ([]marketdata.OrderBookSnapshot, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, ErrMissingSymbol
	}
	if limit <= 0 || limit > maxLimit {
		return nil, ErrInvalidLimit
	}
	return s.repo.GetLastOrderBookSnapshots(ctx, symbol, limit)
}

func (s *Service) Close() {
	s.repo.Close()
}
