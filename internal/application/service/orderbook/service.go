package orderbook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"depthview/internal/domain/aggregation"
	marketdata "depthview/internal/domain/entity/marketdata"
	interfaces "depthview/internal/domain/interfaces"
	"depthview/internal/infrastructure/metrics"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var (
	ErrUnknownSymbol   = errors.New("unknown symbol")
	ErrUnsupportedStep = errors.New("unsupported aggregation level")
	ErrInvalidLimit    = errors.New("limit must be positive")
	ErrNoSnapshot      = errors.New("no order book snapshot")
)

const source = "binance"

var quoteAssets = []string{"FDUSD", "USDT", "USDC", "BUSD", "BTC", "ETH", "BNB"}

type Config struct {
	Symbols         []string
	DefaultSymbol   string
	Steps           []decimal.Decimal
	DefaultStep     decimal.Decimal
	TopN            int
	DepthLimit      int
	RefreshInterval time.Duration
	// MaxAge bounds how old a cached snapshot may be before View fetches a fresh one.
	MaxAge time.Duration
}

type SymbolOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

type Options struct {
	Symbols           []SymbolOption `json:"symbols"`
	Steps             []string       `json:"steps"`
	DefaultSymbol     string         `json:"default_symbol"`
	DefaultStep       string         `json:"default_step"`
	TopN              int            `json:"top_n"`
	RefreshIntervalMS int64          `json:"refresh_interval_ms"`
}

type Service struct {
	source  interfaces.BookSource
	cfg     Config
	metrics *metrics.Metrics
	logger  *logrus.Entry
	now     func() time.Time
	fetches singleflight.Group

	mu        sync.RWMutex
	snapshots map[string]*marketdata.OrderBookSnapshot
}

func NewService(src interfaces.BookSource, cfg Config, m *metrics.Metrics, logger *logrus.Logger) *Service {
	symbols := make([]string, len(cfg.Symbols))
	for i, symbol := range cfg.Symbols {
		symbols[i] = strings.ToUpper(symbol)
	}
	cfg.Symbols = symbols
	cfg.DefaultSymbol = strings.ToUpper(cfg.DefaultSymbol)
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 2 * cfg.RefreshInterval
	}
	return &Service{
		source:    src,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.WithField("component", "orderbook_service"),
		now:       time.Now,
		snapshots: make(map[string]*marketdata.OrderBookSnapshot, len(symbols)),
	}
}

func (s *Service) Symbols() []string {
	return append([]string(nil), s.cfg.Symbols...)
}

func (s *Service) Options() Options {
	opts := Options{
		Symbols:           make([]SymbolOption, 0, len(s.cfg.Symbols)),
		Steps:             make([]string, 0, len(s.cfg.Steps)),
		DefaultSymbol:     s.cfg.DefaultSymbol,
		DefaultStep:       s.cfg.DefaultStep.String(),
		TopN:              s.cfg.TopN,
		RefreshIntervalMS: s.cfg.RefreshInterval.Milliseconds(),
	}
	for _, symbol := range s.cfg.Symbols {
		opts.Symbols = append(opts.Symbols, SymbolOption{Value: symbol, Label: PairLabel(symbol)})
	}
	for _, step := range s.cfg.Steps {
		opts.Steps = append(opts.Steps, step.String())
	}
	return opts
}

// ResolveSymbol upper-cases and checks symbol, substituting the default when empty.
func (s *Service) ResolveSymbol(symbol string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return s.cfg.DefaultSymbol, nil
	}
	for _, known := range s.cfg.Symbols {
		if known == symbol {
			return symbol, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
}

// ResolveStep parses and checks raw against the configured aggregation levels, substituting the default when empty.
func (s *Service) ResolveStep(raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return s.cfg.DefaultStep, nil
	}
	step, err := aggregation.ParseStep(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnsupportedStep, err)
	}
	if !s.supportsStep(step) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedStep, raw)
	}
	return step, nil
}

func (s *Service) supportsStep(step decimal.Decimal) bool {
	for _, known := range s.cfg.Steps {
		if known.Equal(step) {
			return true
		}
	}
	return false
}

// Refresh fetches the current book for symbol and stores it as the latest snapshot.
func (s *Service) Refresh(ctx context.Context, symbol string) (*marketdata.OrderBookSnapshot, error) {
	symbol, err := s.ResolveSymbol(symbol)
	if err != nil {
		return nil, err
	}

	started := s.now()
	snapshot, err := s.source.FetchDepth(ctx, symbol, s.cfg.DepthLimit)
	s.metrics.ObserveFetch(source, symbol, started, err)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.snapshots[symbol] = snapshot
	s.mu.Unlock()
	s.metrics.ObserveSnapshot(symbol, snapshot.FetchedAt)
	return snapshot, nil
}

// refreshShared collapses concurrent stale-book fetches for one symbol into a single upstream call.
// The fetch outlives any one caller's cancellation since other callers may be waiting on it.
func (s *Service) refreshShared(ctx context.Context, symbol string) (*marketdata.OrderBookSnapshot, error) {
	v, err, _ := s.fetches.Do(symbol, func() (any, error) {
		return s.Refresh(context.WithoutCancel(ctx), symbol)
	})
	if err != nil {
		return nil, err
	}
	return v.(*marketdata.OrderBookSnapshot), nil
}

// Latest returns the stored snapshot for symbol without fetching.
func (s *Service) Latest(symbol string) (*marketdata.OrderBookSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.snapshots[strings.ToUpper(symbol)]
	return snapshot, ok
}

// View aggregates the latest book for symbol at step, keeping top buckets per side.
func (s *Service) View(ctx context.Context, symbol string, step decimal.Decimal, top int) (*marketdata.BookView, error) {
	symbol, err := s.ResolveSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if !s.supportsStep(step) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedStep, step)
	}
	if top <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, top)
	}

	snapshot, ok := s.Latest(symbol)
	if !ok || s.now().Sub(snapshot.FetchedAt) > s.cfg.MaxAge {
		snapshot, err = s.refreshShared(ctx, symbol)
		if err != nil {
			return nil, err
		}
	}

	started := s.now()
	view, err := BuildView(snapshot, step, top)
	s.metrics.ObserveAggregation(started)
	return view, err
}

// BuildView aggregates both sides of snapshot and derives mid price, spread and cumulative depth.
func BuildView(snapshot *marketdata.OrderBookSnapshot, step decimal.Decimal, top int) (*marketdata.BookView, error) {
	if snapshot == nil {
		return nil, ErrNoSnapshot
	}
	asks, err := aggregation.Aggregate(snapshot.Asks, marketdata.SideAsk, step)
	if err != nil {
		return nil, fmt.Errorf("aggregate asks: %w", err)
	}
	bids, err := aggregation.Aggregate(snapshot.Bids, marketdata.SideBid, step)
	if err != nil {
		return nil, fmt.Errorf("aggregate bids: %w", err)
	}

	view := &marketdata.BookView{
		Symbol:    snapshot.Symbol,
		Title:     PairLabel(snapshot.Symbol) + " Order Book",
		Step:      step,
		Asks:      withDepth(aggregation.Top(asks, top)),
		Bids:      withDepth(aggregation.Top(bids, top)),
		FetchedAt: snapshot.FetchedAt,
	}
	if mid, ok := snapshot.MidPrice(); ok {
		view.MidPrice = decimal.NewNullDecimal(mid)
	}
	if spread, ok := snapshot.Spread(); ok {
		view.Spread = decimal.NewNullDecimal(spread)
	}
	return view, nil
}

// withDepth adds running totals in display order; the ratio is against the deepest row.
func withDepth(levels []marketdata.AggregatedLevel) []marketdata.ViewLevel {
	out := make([]marketdata.ViewLevel, len(levels))
	cumulative := decimal.Zero
	for i, level := range levels {
		cumulative = cumulative.Add(level.Quantity)
		out[i] = marketdata.ViewLevel{
			Price:              level.Price,
			Quantity:           level.Quantity,
			CumulativeQuantity: cumulative,
		}
	}
	if cumulative.IsPositive() {
		for i := range out {
			out[i].DepthRatio = out[i].CumulativeQuantity.Div(cumulative).InexactFloat64()
		}
	}
	return out
}

// PairLabel renders SOLUSDT as SOL/USDT.
func PairLabel(symbol string) string {
	symbol = strings.ToUpper(symbol)
	for _, quote := range quoteAssets {
		if base, ok := strings.CutSuffix(symbol, quote); ok && base != "" {
			return base + "/" + quote
		}
	}
	return symbol
}
