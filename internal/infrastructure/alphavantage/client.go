// Package alphavantage queries intraday series and quotes from the Alpha Vantage REST API.
package alphavantage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	marketdata "depthview/internal/domain/entity/marketdata"
	"depthview/internal/infrastructure/httpclient"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fastjson"
)

const (
	queryPath         = "/query"
	timestampLayout   = "2006-01-02 15:04:05"
	defaultTimeZone   = "US/Eastern"
	OutputSizeCompact = "compact"
	OutputSizeFull    = "full"
)

var (
	ErrMissingAPIKey   = errors.New("alpha vantage api key is not configured")
	ErrEmptyResponse   = errors.New("empty response from alpha vantage")
	ErrRateLimited     = errors.New("alpha vantage rate limit")
	ErrAPI             = errors.New("alpha vantage error")
	ErrInvalidInterval = errors.New("unsupported interval")
	ErrInvalidOutput   = errors.New("unsupported output size")
	ErrInvalidSymbol   = errors.New("symbol is required")
)

// Intervals accepted by TIME_SERIES_INTRADAY.
var Intervals = []string{"1min", "5min", "15min", "30min", "60min"}

var parserPool fastjson.ParserPool

// StatusError is a non-2xx HTTP reply.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("alpha vantage: status %d: %s", e.Status, e.Body)
}

type Client struct {
	http    *httpclient.Client
	baseURL string
	apiKey  string
	logger  *logrus.Entry
}

func NewClient(httpClient *httpclient.Client, baseURL, apiKey string, logger *logrus.Logger) *Client {
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		logger:  logger.WithField("component", "alphavantage"),
	}
}

func ValidInterval(interval string) bool {
	return slices.Contains(Intervals, interval)
}

func ValidOutputSize(size string) bool {
	return size == OutputSizeCompact || size == OutputSizeFull
}

// Intraday fetches TIME_SERIES_INTRADAY. Candles come back oldest first.
func (c *Client) Intraday(ctx context.Context, symbol, interval, outputSize string) (*marketdata.IntradaySeries, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, ErrInvalidSymbol
	}
	if !ValidInterval(interval) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInterval, interval)
	}
	if outputSize == "" {
		outputSize = OutputSizeCompact
	}
	if !ValidOutputSize(outputSize) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOutput, outputSize)
	}

	params := url.Values{}
	params.Set("function", "TIME_SERIES_INTRADAY")
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("outputsize", outputSize)

	var series *marketdata.IntradaySeries
	err := c.query(ctx, params, func(value *fastjson.Value) error {
		var err error
		series, err = parseIntraday(value, symbol, interval)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("intraday %s %s: %w", symbol, interval, err)
	}

	c.logger.WithFields(logrus.Fields{
		"symbol":   symbol,
		"interval": interval,
		"candles":  len(series.Candles),
	}).Debug("intraday series fetched")
	return series, nil
}

// Quote fetches GLOBAL_QUOTE for symbol.
func (c *Client) Quote(ctx context.Context, symbol string) (*marketdata.Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, ErrInvalidSymbol
	}

	params := url.Values{}
	params.Set("function", "GLOBAL_QUOTE")
	params.Set("symbol", symbol)

	var quote *marketdata.Quote
	err := c.query(ctx, params, func(value *fastjson.Value) error {
		var err error
		quote, err = parseQuote(value)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", symbol, err)
	}
	return quote, nil
}

func (c *Client) query(ctx context.Context, params url.Values, handle func(*fastjson.Value) error) error {
	if c.apiKey == "" {
		return ErrMissingAPIKey
	}
	params.Set("apikey", c.apiKey)
	params.Set("datatype", "json")
	endpoint := c.baseURL + queryPath + "?" + params.Encode()

	return c.http.Get(ctx, endpoint, func(status int, body []byte) error {
		if status < 200 || status >= 300 {
			return &StatusError{Status: status, Body: strings.TrimSpace(string(body))}
		}
		if len(strings.TrimSpace(string(body))) == 0 {
			return ErrEmptyResponse
		}

		p := parserPool.Get()
		defer parserPool.Put(p)
		value, err := p.ParseBytes(body)
		if err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
		if err := checkEnvelope(value); err != nil {
			return err
		}
		return handle(value)
	})
}

// checkEnvelope maps Alpha Vantage's in-band error keys; these arrive with status 200.
func checkEnvelope(value *fastjson.Value) error {
	obj, err := value.Object()
	if err != nil {
		return fmt.Errorf("%w: expected object", ErrEmptyResponse)
	}
	if obj.Len() == 0 {
		return ErrEmptyResponse
	}
	if msg := value.GetStringBytes("Note"); msg != nil {
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	}
	if msg := value.GetStringBytes("Information"); msg != nil {
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	}
	if msg := value.GetStringBytes("Error Message"); msg != nil {
		return fmt.Errorf("%w: %s", ErrAPI, msg)
	}
	return nil
}

func parseIntraday(value *fastjson.Value, symbol, interval string) (*marketdata.IntradaySeries, error) {
	series := &marketdata.IntradaySeries{
		Symbol:   symbol,
		Interval: interval,
		TimeZone: defaultTimeZone,
	}

	meta := value.Get("Meta Data")
	if meta != nil {
		if tz := meta.GetStringBytes("6. Time Zone"); tz != nil {
			series.TimeZone = string(tz)
		}
		if s := meta.GetStringBytes("2. Symbol"); s != nil {
			series.Symbol = strings.ToUpper(string(s))
		}
	}
	loc := location(series.TimeZone)

	if meta != nil {
		if raw := meta.GetStringBytes("3. Last Refreshed"); raw != nil {
			if ts, err := parseTimestamp(string(raw), loc); err == nil {
				series.LastRefreshed = ts
			}
		}
	}

	points := value.GetObject("Time Series (" + interval + ")")
	if points == nil || points.Len() == 0 {
		return nil, fmt.Errorf("%w: no time series", ErrEmptyResponse)
	}

	candles := make([]marketdata.Candle, 0, points.Len())
	var visitErr error
	points.Visit(func(key []byte, v *fastjson.Value) {
		if visitErr != nil {
			return
		}
		start, err := parseTimestamp(string(key), loc)
		if err != nil {
			visitErr = fmt.Errorf("timestamp %q: %w", key, err)
			return
		}
		candle, err := parseCandle(v)
		if err != nil {
			visitErr = fmt.Errorf("candle %s: %w", key, err)
			return
		}
		candle.Symbol = series.Symbol
		candle.Interval = interval
		candle.PeriodStart = start
		candle.ID = marketdata.CandleID(candle.Symbol, interval, start)
		candles = append(candles, candle)
	})
	if visitErr != nil {
		return nil, visitErr
	}

	slices.SortFunc(candles, func(a, b marketdata.Candle) int {
		return a.PeriodStart.Compare(b.PeriodStart)
	})
	series.Candles = candles
	return series, nil
}

func parseCandle(v *fastjson.Value) (marketdata.Candle, error) {
	fields := []string{"1. open", "2. high", "3. low", "4. close", "5. volume"}
	values := make([]decimal.Decimal, len(fields))
	for i, field := range fields {
		d, err := decimalField(v, field)
		if err != nil {
			return marketdata.Candle{}, err
		}
		values[i] = d
	}
	return marketdata.Candle{
		Open:   values[0],
		High:   values[1],
		Low:    values[2],
		Close:  values[3],
		Volume: values[4],
	}, nil
}

func parseQuote(value *fastjson.Value) (*marketdata.Quote, error) {
	q := value.Get("Global Quote")
	if q == nil {
		return nil, fmt.Errorf("%w: no quote", ErrEmptyResponse)
	}
	// unknown symbols come back as "Global Quote": {}
	if obj, err := q.Object(); err != nil || obj.Len() == 0 {
		return nil, fmt.Errorf("%w: no quote", ErrEmptyResponse)
	}

	quote := &marketdata.Quote{
		Symbol:           string(q.GetStringBytes("01. symbol")),
		LatestTradingDay: string(q.GetStringBytes("07. latest trading day")),
		ChangePercent:    string(q.GetStringBytes("10. change percent")),
	}
	targets := []struct {
		field string
		dst   *decimal.Decimal
	}{
		{"02. open", &quote.Open},
		{"03. high", &quote.High},
		{"04. low", &quote.Low},
		{"05. price", &quote.Price},
		{"06. volume", &quote.Volume},
		{"08. previous close", &quote.PreviousClose},
		{"09. change", &quote.Change},
	}
	for _, target := range targets {
		d, err := decimalField(q, target.field)
		if err != nil {
			return nil, err
		}
		*target.dst = d
	}
	return quote, nil
}

func decimalField(v *fastjson.Value, field string) (decimal.Decimal, error) {
	raw := v.GetStringBytes(field)
	if raw == nil {
		return decimal.Zero, fmt.Errorf("missing field %q", field)
	}
	d, err := decimal.NewFromString(string(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("field %q: %w", field, err)
	}
	return d, nil
}

func parseTimestamp(raw string, loc *time.Location) (time.Time, error) {
	if len(raw) == len("2006-01-02") {
		return time.ParseInLocation("2006-01-02", raw, loc)
	}
	return time.ParseInLocation(timestampLayout, raw, loc)
}

func location(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
