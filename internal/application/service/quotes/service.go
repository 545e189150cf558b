package quotes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	marketdata "depthview/internal/domain/entity/marketdata"
	interfaces "depthview/internal/domain/interfaces"
	"depthview/internal/infrastructure/metrics"

	"github.com/sirupsen/logrus"
)

const source = "alphavantage"

var ErrNotWatched = errors.New("symbol is not on the watch list")

type Service struct {
	source   interfaces.QuoteSource
	watch    []string
	interval string
	metrics  *metrics.Metrics
	logger   *logrus.Entry

	mu     sync.RWMutex
	latest map[string]*marketdata.IntradaySeries
}

func NewService(src interfaces.QuoteSource, watch []string, interval string, m *metrics.Metrics, logger *logrus.Logger) *Service {
	symbols := make([]string, 0, len(watch))
	for _, symbol := range watch {
		if symbol = strings.ToUpper(strings.TrimSpace(symbol)); symbol != "" {
			symbols = append(symbols, symbol)
		}
	}
	return &Service{
		source:   src,
		watch:    symbols,
		interval: interval,
		metrics:  m,
		logger:   logger.WithField("component", "quotes_service"),
		latest:   make(map[string]*marketdata.IntradaySeries, len(symbols)),
	}
}

func (s *Service) Watched() []string {
	return append([]string(nil), s.watch...)
}

func (s *Service) Intraday(ctx context.Context, symbol, interval, outputSize string) (*marketdata.IntradaySeries, error) {
	if interval == "" {
		interval = s.interval
	}
	started := time.Now()
	series, err := s.source.Intraday(ctx, symbol, interval, outputSize)
	s.metrics.ObserveFetch(source, strings.ToUpper(symbol), started, err)
	return series, err
}

func (s *Service) Quote(ctx context.Context, symbol string) (*marketdata.Quote, error) {
	started := time.Now()
	quote, err := s.source.Quote(ctx, symbol)
	s.metrics.ObserveFetch(source, strings.ToUpper(symbol), started, err)
	return quote, err
}

// Refresh pulls the configured interval for every watched symbol. Symbols that fail keep their
// previous series; the returned error joins every failure.
func (s *Service) Refresh(ctx context.Context) ([]*marketdata.IntradaySeries, error) {
	refreshed := make([]*marketdata.IntradaySeries, 0, len(s.watch))
	var errs []error
	for _, symbol := range s.watch {
		series, err := s.Intraday(ctx, symbol, s.interval, "compact")
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", symbol, err))
			continue
		}
		s.mu.Lock()
		s.latest[symbol] = series
		s.mu.Unlock()
		refreshed = append(refreshed, series)
	}
	return refreshed, errors.Join(errs...)
}

// Latest returns the last refreshed series for a watched symbol.
func (s *Service) Latest(symbol string) (*marketdata.IntradaySeries, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	s.mu.RLock()
	defer s.mu.RUnlock()
	series, ok := s.latest[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotWatched, symbol)
	}
	return series, nil
}
