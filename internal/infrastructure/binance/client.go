// Package binance fetches spot order-book depth from the Binance REST API.
package binance

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	marketdata "depthview/internal/domain/entity/marketdata"
	"depthview/internal/infrastructure/httpclient"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fastjson"
)

const (
	Source    = "binance"
	depthPath = "/api/v3/depth"
)

var (
	ErrInvalidSymbol = errors.New("symbol is required")
	ErrInvalidLimit  = errors.New("depth limit not supported")
	ErrMalformed     = errors.New("malformed depth response")
)

// AllowedLimits are the depth sizes accepted by /api/v3/depth.
var AllowedLimits = []int{5, 10, 20, 50, 100, 500, 1000, 5000}

var parserPool fastjson.ParserPool

// APIError is a non-2xx reply, carrying Binance's {"code","msg"} body when present.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("binance: status %d: code %d: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("binance: status %d: %s", e.Status, e.Message)
}

type Client struct {
	http    *httpclient.Client
	baseURL string
	logger  *logrus.Entry
	now     func() time.Time
}

func NewClient(httpClient *httpclient.Client, baseURL string, logger *logrus.Logger) *Client {
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.WithField("component", "binance"),
		now:     time.Now,
	}
}

func ValidLimit(limit int) bool {
	for _, allowed := range AllowedLimits {
		if limit == allowed {
			return true
		}
	}
	return false
}

// FetchDepth returns the current order book for symbol with up to limit levels per side.
func (c *Client) FetchDepth(ctx context.Context, symbol string, limit int) (*marketdata.OrderBookSnapshot, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, ErrInvalidSymbol
	}
	if !ValidLimit(limit) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}

	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("limit", strconv.Itoa(limit))
	endpoint := c.baseURL + depthPath + "?" + query.Encode()

	var snapshot *marketdata.OrderBookSnapshot
	err := c.http.Get(ctx, endpoint, func(status int, body []byte) error {
		p := parserPool.Get()
		defer parserPool.Put(p)

		if status < 200 || status >= 300 {
			return apiError(p, status, body)
		}

		value, err := p.ParseBytes(body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		snapshot, err = parseDepth(value)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch depth %s: %w", symbol, err)
	}

	snapshot.ID = uuid.New()
	snapshot.Symbol = symbol
	snapshot.Source = Source
	snapshot.FetchedAt = c.now().UTC()

	c.logger.WithFields(logrus.Fields{
		"symbol":         symbol,
		"bids":           len(snapshot.Bids),
		"asks":           len(snapshot.Asks),
		"last_update_id": snapshot.LastUpdateID,
	}).Debug("depth fetched")
	return snapshot, nil
}

func apiError(p *fastjson.Parser, status int, body []byte) error {
	apiErr := &APIError{Status: status, Message: strings.TrimSpace(string(body))}
	// {"code":-1121,"msg":"Invalid symbol."}
	if value, err := p.ParseBytes(body); err == nil && value.Type() == fastjson.TypeObject {
		if value.Exists("code") {
			apiErr.Code = value.GetInt("code")
		}
		if msg := value.GetStringBytes("msg"); msg != nil {
			apiErr.Message = string(msg)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = "empty response"
	}
	return apiErr
}

func parseDepth(value *fastjson.Value) (*marketdata.OrderBookSnapshot, error) {
	if value.Type() != fastjson.TypeObject {
		return nil, fmt.Errorf("%w: expected object, got %s", ErrMalformed, value.Type())
	}
	if !value.Exists("bids") || !value.Exists("asks") {
		return nil, fmt.Errorf("%w: missing bids or asks", ErrMalformed)
	}

	bids, err := parseLevels(value.GetArray("bids"))
	if err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}
	asks, err := parseLevels(value.GetArray("asks"))
	if err != nil {
		return nil, fmt.Errorf("asks: %w", err)
	}

	return &marketdata.OrderBookSnapshot{
		LastUpdateID: value.GetInt64("lastUpdateId"),
		Bids:         bids,
		Asks:         asks,
	}, nil
}

func parseLevels(entries []*fastjson.Value) ([]marketdata.Level, error) {
	levels := make([]marketdata.Level, 0, len(entries))
	for i, entry := range entries {
		pair, err := entry.Array()
		if err != nil || len(pair) < 2 {
			return nil, fmt.Errorf("%w: level %d is not a [price, qty] pair", ErrMalformed, i)
		}
		price, err := decimalFrom(pair[0])
		if err != nil {
			return nil, fmt.Errorf("%w: level %d price: %v", ErrMalformed, i, err)
		}
		qty, err := decimalFrom(pair[1])
		if err != nil {
			return nil, fmt.Errorf("%w: level %d quantity: %v", ErrMalformed, i, err)
		}
		levels = append(levels, marketdata.Level{Price: price, Quantity: qty})
	}
	return levels, nil
}

// decimalFrom accepts both quoted strings (Binance's format) and bare numbers.
func decimalFrom(v *fastjson.Value) (decimal.Decimal, error) {
	switch v.Type() {
	case fastjson.TypeString:
		raw, _ := v.StringBytes()
		return decimal.NewFromString(string(raw))
	case fastjson.TypeNumber:
		return decimal.NewFromString(v.String())
	default:
		return decimal.Zero, fmt.Errorf("unexpected %s", v.Type())
	}
}
