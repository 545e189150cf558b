package refresher

import (
	"context"
	"fmt"
	"sync"
	"time"

	marketdata "depthview/internal/domain/entity/marketdata"
	interfaces "depthview/internal/domain/interfaces"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Quotes is the intraday side refreshed on a cron schedule.
type Quotes interface {
	Refresh(ctx context.Context) ([]*marketdata.IntradaySeries, error)
}

// QuoteSchedule refreshes intraday series on a cron spec such as "@every 1m".
type QuoteSchedule struct {
	quotes    Quotes
	spec      string
	publisher interfaces.Publisher
	logger    *logrus.Entry

	mu        sync.Mutex
	published map[string]time.Time
}

func NewQuoteSchedule(quotes Quotes, spec string, publisher interfaces.Publisher, logger *logrus.Logger) *QuoteSchedule {
	return &QuoteSchedule{
		quotes:    quotes,
		spec:      spec,
		publisher: publisher,
		logger:    logger.WithField("component", "quote_schedule"),
		published: make(map[string]time.Time),
	}
}

// Run refreshes once, then on every schedule tick until ctx is done.
func (s *QuoteSchedule) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(s.logger))))
	if _, err := c.AddFunc(s.spec, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule %q: %w", s.spec, err)
	}

	go s.RunOnce(ctx)
	c.Start()
	s.logger.WithField("schedule", s.spec).Info("quote schedule started")

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("quote schedule stopped")
	return nil
}

func (s *QuoteSchedule) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	series, err := s.quotes.Refresh(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("intraday refresh failed")
	}
	if s.publisher != nil {
		for _, item := range series {
			s.publishNew(ctx, item)
		}
	}
	s.logger.WithField("series", len(series)).Debug("intraday refresh done")
}

// publishNew publishes only bars newer than the last bar published for the symbol.
func (s *QuoteSchedule) publishNew(ctx context.Context, series *marketdata.IntradaySeries) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, seen := s.published[series.Symbol]
	fresh := make([]marketdata.Candle, 0, len(series.Candles))
	for _, candle := range series.Candles {
		if !seen || candle.PeriodStart.After(last) {
			fresh = append(fresh, candle)
		}
	}
	if len(fresh) == 0 {
		return
	}
	if err := s.publisher.PublishCandles(ctx, fresh); err != nil {
		s.logger.WithError(err).WithField("symbol", series.Symbol).Warn("publish candles failed")
		return
	}
	newest := fresh[0].PeriodStart
	for _, candle := range fresh[1:] {
		if candle.PeriodStart.After(newest) {
			newest = candle.PeriodStart
		}
	}
	s.published[series.Symbol] = newest
}
