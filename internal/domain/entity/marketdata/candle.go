package marketdata

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar of an intraday series.
type Candle struct {
	ID          uuid.UUID       `json:"id"`
	Symbol      string          `json:"symbol"`
	Interval    string          `json:"interval"`
	PeriodStart time.Time       `json:"period_start"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
}

// candleNamespace scopes CandleID so candle ids never collide with other SHA-1 uuids.
var candleNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("depthview:candle"))

// CandleID derives a stable id from the bar's natural key, so refetching the same bar yields the same id.
func CandleID(symbol, interval string, periodStart time.Time) uuid.UUID {
	key := symbol + "|" + interval + "|" + periodStart.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(candleNamespace, []byte(key))
}

// IntradaySeries holds candles ordered by period start, oldest first.
type IntradaySeries struct {
	Symbol        string    `json:"symbol"`
	Interval      string    `json:"interval"`
	LastRefreshed time.Time `json:"last_refreshed"`
	TimeZone      string    `json:"time_zone"`
	Candles       []Candle  `json:"candles"`
}

// Latest returns the most recent candle of the series.
func (s *IntradaySeries) Latest() (Candle, bool) {
	if s == nil || len(s.Candles) == 0 {
		return Candle{}, false
	}
	return s.Candles[len(s.Candles)-1], true
}

// Quote is a point-in-time equity quote.
type Quote struct {
	Symbol           string          `json:"symbol"`
	Open             decimal.Decimal `json:"open"`
	High             decimal.Decimal `json:"high"`
	Low              decimal.Decimal `json:"low"`
	Price            decimal.Decimal `json:"price"`
	Volume           decimal.Decimal `json:"volume"`
	LatestTradingDay string          `json:"latest_trading_day"`
	PreviousClose    decimal.Decimal `json:"previous_close"`
	Change           decimal.Decimal `json:"change"`
	ChangePercent    string          `json:"change_percent"`
}
