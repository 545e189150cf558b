package refresher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	marketdata "depthview/internal/domain/entity/marketdata"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeBooks struct {
	mu      sync.Mutex
	symbols []string
	failing map[string]error
	calls   map[string]int
}

func (f *fakeBooks) Symbols() []string { return f.symbols }

func (f *fakeBooks) Refresh(_ context.Context, symbol string) (*marketdata.OrderBookSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[symbol]++
	if err, ok := f.failing[symbol]; ok {
		return nil, err
	}
	return &marketdata.OrderBookSnapshot{Symbol: symbol, FetchedAt: time.Now()}, nil
}

func (f *fakeBooks) callCount(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[symbol]
}

type fakePublisher struct {
	mu        sync.Mutex
	books     []string
	candles   int
	failBooks bool
}

func (p *fakePublisher) PublishOrderBook(_ context.Context, snapshot *marketdata.OrderBookSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failBooks {
		return errors.New("broker gone")
	}
	p.books = append(p.books, snapshot.Symbol)
	return nil
}

func (p *fakePublisher) PublishCandles(_ context.Context, candles []marketdata.Candle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candles += len(candles)
	return nil
}

func TestRefreshOnceContinuesAfterFailure(t *testing.T) {
	books := &fakeBooks{
		symbols: []string{"SOLUSDT", "ETHUSDT", "BTCUSDT"},
		failing: map[string]error{"ETHUSDT": errors.New("timeout")},
	}
	pub := &fakePublisher{}
	r := New(books, time.Second, pub, logrus.New())

	var notified []string
	var failed []string
	r.OnRefresh(func(symbol string, _ *marketdata.OrderBookSnapshot) { notified = append(notified, symbol) })
	r.OnFailure(func(symbol string, _ error) { failed = append(failed, symbol) })

	require.Equal(t, 1, r.RefreshOnce(context.Background()))
	require.Equal(t, []string{"SOLUSDT", "BTCUSDT"}, notified)
	require.Equal(t, []string{"ETHUSDT"}, failed)
	require.Equal(t, []string{"SOLUSDT", "BTCUSDT"}, pub.books)
	require.Equal(t, int64(1), r.Errors())
	require.Equal(t, int64(1), r.Ticks())
	require.Equal(t, 1, books.callCount("ETHUSDT"))
}

func TestRefreshOncePublishFailureStillNotifies(t *testing.T) {
	books := &fakeBooks{symbols: []string{"SOLUSDT"}}
	r := New(books, time.Second, &fakePublisher{failBooks: true}, logrus.New())

	notified := 0
	r.OnRefresh(func(string, *marketdata.OrderBookSnapshot) { notified++ })
	require.Zero(t, r.RefreshOnce(context.Background()))
	require.Equal(t, 1, notified)
}

func TestRunTicksUntilCanceled(t *testing.T) {
	books := &fakeBooks{symbols: []string{"SOLUSDT"}}
	r := New(books, 10*time.Millisecond, nil, logrus.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return books.callCount("SOLUSDT") >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("refresher did not stop")
	}
}

type fakeQuotes struct {
	mu    sync.Mutex
	calls int
	err   error
	bars  []time.Time
}

var barStart = time.Date(2024, 1, 5, 19, 50, 0, 0, time.UTC)

func (q *fakeQuotes) Refresh(context.Context) ([]*marketdata.IntradaySeries, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	bars := q.bars
	if bars == nil {
		bars = []time.Time{barStart, barStart.Add(5 * time.Minute)}
	}
	candles := make([]marketdata.Candle, 0, len(bars))
	for _, start := range bars {
		candles = append(candles, marketdata.Candle{Symbol: "IBM", Interval: "5min", PeriodStart: start})
	}
	return []*marketdata.IntradaySeries{{Symbol: "IBM", Candles: candles}}, q.err
}

func (q *fakeQuotes) setBars(bars ...time.Time) {
	q.mu.Lock()
	q.bars = bars
	q.mu.Unlock()
}

func (q *fakeQuotes) callCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

func TestQuoteScheduleRunOncePublishesCandles(t *testing.T) {
	pub := &fakePublisher{}
	s := NewQuoteSchedule(&fakeQuotes{err: errors.New("MSFT: rate limited")}, "@every 1m", pub, logrus.New())
	s.RunOnce(context.Background())
	require.Equal(t, 2, pub.candles)
}

func TestQuoteScheduleSkipsPublishedBars(t *testing.T) {
	pub := &fakePublisher{}
	quotes := &fakeQuotes{}
	s := NewQuoteSchedule(quotes, "@every 1m", pub, logrus.New())

	s.RunOnce(context.Background())
	require.Equal(t, 2, pub.candles)

	s.RunOnce(context.Background())
	require.Equal(t, 2, pub.candles)

	quotes.setBars(barStart.Add(5*time.Minute), barStart.Add(10*time.Minute))
	s.RunOnce(context.Background())
	require.Equal(t, 3, pub.candles)
}

func TestQuoteScheduleRetriesAfterPublishFailure(t *testing.T) {
	pub := &failingCandlePublisher{fail: true}
	s := NewQuoteSchedule(&fakeQuotes{}, "@every 1m", pub, logrus.New())

	s.RunOnce(context.Background())
	require.Zero(t, pub.published)

	pub.fail = false
	s.RunOnce(context.Background())
	require.Equal(t, 2, pub.published)
}

type failingCandlePublisher struct {
	fail      bool
	published int
}

func (p *failingCandlePublisher) PublishOrderBook(context.Context, *marketdata.OrderBookSnapshot) error {
	return nil
}

func (p *failingCandlePublisher) PublishCandles(_ context.Context, candles []marketdata.Candle) error {
	if p.fail {
		return errors.New("broker gone")
	}
	p.published += len(candles)
	return nil
}

func TestQuoteScheduleRunsImmediately(t *testing.T) {
	quotes := &fakeQuotes{}
	s := NewQuoteSchedule(quotes, "@every 1h", nil, logrus.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return quotes.callCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestQuoteScheduleRejectsBadSpec(t *testing.T) {
	s := NewQuoteSchedule(&fakeQuotes{}, "every now and then", nil, logrus.New())
	require.Error(t, s.Run(context.Background()))
}
