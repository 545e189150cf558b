package quotes

import (
	"context"
	"errors"
	"testing"
	"time"

	marketdata "depthview/internal/domain/entity/marketdata"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	failing   map[string]error
	intervals []string
}

func (f *fakeSource) Intraday(_ context.Context, symbol, interval, _ string) (*marketdata.IntradaySeries, error) {
	f.intervals = append(f.intervals, interval)
	if err, ok := f.failing[symbol]; ok {
		return nil, err
	}
	return &marketdata.IntradaySeries{
		Symbol:   symbol,
		Interval: interval,
		Candles: []marketdata.Candle{{
			Symbol:      symbol,
			PeriodStart: time.Date(2024, 1, 5, 19, 55, 0, 0, time.UTC),
			Close:       decimal.NewFromInt(100),
		}},
	}, nil
}

func (f *fakeSource) Quote(_ context.Context, symbol string) (*marketdata.Quote, error) {
	if err, ok := f.failing[symbol]; ok {
		return nil, err
	}
	return &marketdata.Quote{Symbol: symbol, Price: decimal.NewFromInt(42)}, nil
}

func TestRefreshKeepsLatest(t *testing.T) {
	rateLimited := errors.New("rate limited")
	src := &fakeSource{failing: map[string]error{"MSFT": rateLimited}}
	svc := NewService(src, []string{"ibm", " msft ", ""}, "5min", nil, logrus.New())
	require.Equal(t, []string{"IBM", "MSFT"}, svc.Watched())

	refreshed, err := svc.Refresh(context.Background())
	require.ErrorIs(t, err, rateLimited)
	require.Len(t, refreshed, 1)
	require.Equal(t, []string{"5min", "5min"}, src.intervals)

	series, err := svc.Latest("ibm")
	require.NoError(t, err)
	require.Equal(t, "IBM", series.Symbol)

	_, err = svc.Latest("MSFT")
	require.ErrorIs(t, err, ErrNotWatched)
}

func TestIntradayDefaultsInterval(t *testing.T) {
	src := &fakeSource{}
	svc := NewService(src, nil, "15min", nil, logrus.New())

	series, err := svc.Intraday(context.Background(), "IBM", "", "compact")
	require.NoError(t, err)
	require.Equal(t, "15min", series.Interval)
}

func TestQuote(t *testing.T) {
	svc := NewService(&fakeSource{}, nil, "5min", nil, logrus.New())
	quote, err := svc.Quote(context.Background(), "IBM")
	require.NoError(t, err)
	require.True(t, quote.Price.Equal(decimal.NewFromInt(42)))
}
