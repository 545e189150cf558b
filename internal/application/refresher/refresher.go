// Package refresher drives the periodic poll of upstream market data.
package refresher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	marketdata "depthview/internal/domain/entity/marketdata"
	interfaces "depthview/internal/domain/interfaces"

	"github.com/sirupsen/logrus"
)

// Books is the order book side of the poll loop.
type Books interface {
	Symbols() []string
	Refresh(ctx context.Context, symbol string) (*marketdata.OrderBookSnapshot, error)
}

// Listener is told about every successfully refreshed snapshot.
type Listener func(symbol string, snapshot *marketdata.OrderBookSnapshot)

// FailureListener is told about every failed refresh.
type FailureListener func(symbol string, err error)

// Refresher polls every configured symbol on a fixed interval. Failures are logged and counted
// and the next tick tries again; nothing is retried within a tick.
type Refresher struct {
	books     Books
	interval  time.Duration
	publisher interfaces.Publisher
	logger    *logrus.Entry

	mu        sync.RWMutex
	listeners []Listener
	failures  []FailureListener

	ticks  atomic.Int64
	errors atomic.Int64
}

func New(books Books, interval time.Duration, publisher interfaces.Publisher, logger *logrus.Logger) *Refresher {
	return &Refresher{
		books:     books,
		interval:  interval,
		publisher: publisher,
		logger:    logger.WithField("component", "refresher"),
	}
}

func (r *Refresher) OnRefresh(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *Refresher) OnFailure(l FailureListener) {
	r.mu.Lock()
	r.failures = append(r.failures, l)
	r.mu.Unlock()
}

// Run refreshes immediately and then on every tick until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.WithFields(logrus.Fields{
		"interval_ms": r.interval.Milliseconds(),
		"symbols":     r.books.Symbols(),
	}).Info("refresher started")

	r.RefreshOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("refresher stopped")
			return nil
		case <-ticker.C:
			r.RefreshOnce(ctx)
		}
	}
}

// RefreshOnce polls every symbol once and returns the number of failures.
func (r *Refresher) RefreshOnce(ctx context.Context) int {
	r.ticks.Add(1)
	failed := 0
	for _, symbol := range r.books.Symbols() {
		if ctx.Err() != nil {
			return failed
		}
		snapshot, err := r.books.Refresh(ctx, symbol)
		if err != nil {
			failed++
			r.errors.Add(1)
			r.logger.WithError(err).WithField("symbol", symbol).Warn("order book refresh failed")
			r.notifyFailure(symbol, err)
			continue
		}
		r.publish(ctx, snapshot)
		r.notify(symbol, snapshot)
	}
	return failed
}

func (r *Refresher) Ticks() int64 {
	return r.ticks.Load()
}

func (r *Refresher) Errors() int64 {
	return r.errors.Load()
}

func (r *Refresher) publish(ctx context.Context, snapshot *marketdata.OrderBookSnapshot) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.PublishOrderBook(ctx, snapshot); err != nil {
		r.logger.WithError(err).WithField("symbol", snapshot.Symbol).Warn("publish order book failed")
	}
}

func (r *Refresher) notify(symbol string, snapshot *marketdata.OrderBookSnapshot) {
	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()
	for _, l := range listeners {
		l(symbol, snapshot)
	}
}

func (r *Refresher) notifyFailure(symbol string, err error) {
	r.mu.RLock()
	failures := r.failures
	r.mu.RUnlock()
	for _, l := range failures {
		l(symbol, err)
	}
}
