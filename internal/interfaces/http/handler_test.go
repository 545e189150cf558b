package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	appmarketdata "depthview/internal/application/service/marketdata"
	"depthview/internal/application/service/orderbook"
	"depthview/internal/application/service/quotes"
	marketdata "depthview/internal/domain/entity/marketdata"
	"depthview/internal/infrastructure/alphavantage"
	"depthview/internal/infrastructure/metrics"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeBooks struct {
	err error
}

func (f *fakeBooks) FetchDepth(_ context.Context, symbol string, _ int) (*marketdata.OrderBookSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &marketdata.OrderBookSnapshot{
		Symbol:    symbol,
		Source:    "binance",
		FetchedAt: time.Now(),
		Bids:      []marketdata.Level{lvl("100.01", "1"), lvl("99.95", "2")},
		Asks:      []marketdata.Level{lvl("100.03", "1"), lvl("100.07", "2"), lvl("100.15", "3")},
	}, nil
}

type fakeQuotes struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeQuotes) Intraday(_ context.Context, symbol, interval, _ string) (*marketdata.IntradaySeries, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &marketdata.IntradaySeries{
		Symbol:   symbol,
		Interval: interval,
		Candles:  []marketdata.Candle{{Symbol: symbol, Interval: interval, Close: decimal.NewFromInt(150)}},
	}, nil
}

func (f *fakeQuotes) Quote(_ context.Context, symbol string) (*marketdata.Quote, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &marketdata.Quote{Symbol: symbol, Price: decimal.RequireFromString("150.25")}, nil
}

func (f *fakeQuotes) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.items == nil {
		c.items = map[string][]byte{}
	}
	c.items[key] = append([]byte(nil), value...)
	return nil
}

type fakeRepo struct{}

func (fakeRepo) AddCandles(context.Context, []marketdata.Candle) error { return nil }

func (fakeRepo) GetLastCandles(_ context.Context, symbol, interval string, limit int) ([]marketdata.Candle, error) {
	return []marketdata.Candle{{Symbol: symbol, Interval: interval}}, nil
}

func (fakeRepo) AddOrderBookSnapshots(context.Context, []marketdata.OrderBookSnapshot) error {
	return nil
}

func (fakeRepo) GetLastOrderBookSnapshots(_ context.Context, symbol string, limit int) ([]marketdata.OrderBookSnapshot, error) {
	return make([]marketdata.OrderBookSnapshot, limit), nil
}

func (fakeRepo) Close() {}

func lvl(price, qty string) marketdata.Level {
	return marketdata.Level{Price: decimal.RequireFromString(price), Quantity: decimal.RequireFromString(qty)}
}

type testEnv struct {
	handler *Handler
	books   *orderbook.Service
	hub     *Hub
	quotes  *fakeQuotes
	watch   *quotes.Service
	cache   *fakeCache
}

func newTestEnv(t *testing.T, src *fakeBooks) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	books := orderbook.NewService(src, orderbook.Config{
		Symbols:         []string{"SOLUSDT", "ETHUSDT"},
		DefaultSymbol:   "SOLUSDT",
		Steps:           []decimal.Decimal{decimal.RequireFromString("0.01"), decimal.RequireFromString("0.1"), decimal.NewFromInt(1)},
		DefaultStep:     decimal.RequireFromString("0.1"),
		TopN:            10,
		DepthLimit:      100,
		RefreshInterval: 2 * time.Second,
	}, nil, logger)
	fq := &fakeQuotes{}
	cache := &fakeCache{}
	m := metrics.New()
	hub := NewHub(books, m, logger)
	watch := quotes.NewService(fq, []string{"IBM"}, "5min", nil, logger)

	h, err := NewHandler(Deps{
		Books:    books,
		Quotes:   watch,
		History:  appmarketdata.NewService(fakeRepo{}),
		Hub:      hub,
		Cache:    cache,
		CacheTTL: time.Minute,
		Metrics:  m,
		Checks: []HealthCheck{{Name: "redis", Check: func(context.Context) error { return nil }}},
		Logger:   logger,
	})
	require.NoError(t, err)
	return &testEnv{handler: h, books: books, hub: hub, quotes: fq, watch: watch, cache: cache}
}

func (e *testEnv) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestGetOrderBook(t *testing.T) {
	env := newTestEnv(t, &fakeBooks{})

	rec := env.get(t, "/api/v1/orderbook?symbol=solusdt&step=0.1")
	require.Equal(t, http.StatusOK, rec.Code)

	var view struct {
		Title    string  `json:"title"`
		MidPrice *string `json:"mid_price"`
		Asks     []struct {
			Price    string `json:"price"`
			Quantity string `json:"quantity"`
		} `json:"asks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "SOL/USDT Order Book", view.Title)
	require.NotNil(t, view.MidPrice)
	require.Equal(t, "100.02", *view.MidPrice)
	require.Len(t, view.Asks, 2)
	require.Equal(t, "100.1", view.Asks[0].Price)
	require.Equal(t, "3", view.Asks[0].Quantity)
}

func TestGetOrderBookDefaults(t *testing.T) {
	env := newTestEnv(t, &fakeBooks{})

	rec := env.get(t, "/api/v1/orderbook")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"symbol":"SOLUSDT"`)
	require.Contains(t, rec.Body.String(), `"step":"0.1"`)
}

func TestGetOrderBookErrors(t *testing.T) {
	cases := []struct {
		name   string
		src    *fakeBooks
		target string
		status int
	}{
		{"unknown symbol", &fakeBooks{}, "/api/v1/orderbook?symbol=DOGEUSDT", http.StatusBadRequest},
		{"unsupported step", &fakeBooks{}, "/api/v1/orderbook?step=0.5", http.StatusBadRequest},
		{"bad step", &fakeBooks{}, "/api/v1/orderbook?step=abc", http.StatusBadRequest},
		{"bad limit", &fakeBooks{}, "/api/v1/orderbook?limit=-1", http.StatusBadRequest},
		{"upstream", &fakeBooks{err: errors.New("connection refused")}, "/api/v1/orderbook", http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, tc.src)
			rec := env.get(t, tc.target)
			require.Equal(t, tc.status, rec.Code)
			require.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestGetOptions(t *testing.T) {
	env := newTestEnv(t, &fakeBooks{})

	rec := env.get(t, "/api/v1/options")
	require.Equal(t, http.StatusOK, rec.Code)

	var opts orderbook.Options
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &opts))
	require.Equal(t, "SOLUSDT", opts.DefaultSymbol)
	require.Equal(t, []string{"0.01", "0.1", "1"}, opts.Steps)
	require.Equal(t, "SOL/USDT", opts.Symbols[0].Label)
	require.Equal(t, int64(2000), opts.RefreshIntervalMS)
}

func TestDashboardRenders(t *testing.T) {
	env := newTestEnv(t, &fakeBooks{})

	rec := env.get(t, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "SOL/USDT")
	require.Contains(t, body, "ETH/USDT")
	require.Contains(t, body, "Middle Price")
	require.Contains(t, body, `<option value="0.1" selected>`)
}

func TestQuotesAreCached(t *testing.T) {
	env := newTestEnv(t, &fakeBooks{})

	first := env.get(t, "/api/v1/quotes/intraday?symbol=IBM")
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, "MISS", first.Header().Get("X-Cache"))
	require.Contains(t, first.Body.String(), `"interval":"5min"`)

	second := env.get(t, "/api/v1/quotes/intraday?symbol=IBM")
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "HIT", second.Header().Get("X-Cache"))
	require.Equal(t, first.Body.String(), second.Body.String())
	require.Equal(t, 1, env.quotes.callCount())
}

func TestQuoteErrorsAreNotCached(t *testing.T) {
	env := newTestEnv(t, &fakeBooks{})
	env.quotes.err = alphavantage.ErrRateLimited

	rec := env.get(t, "/api/v1/quotes/global?symbol=IBM")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Empty(t, env.cache.items)

	rec = env.get(t, "/api/v1/quotes/global")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLatestIntradayNotWatched(t *testing.T) {
	env := newTestEnv(t, &fakeBooks{})

	rec := env.get(t, "/api/v1/quotes/latest?symbol=MSFT")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLatestIntradayBypassesCache(t *testing.T) {
	env := newTestEnv(t, &fakeBooks{})
	_, err := env.watch.Refresh(context.Background())
	require.NoError(t, err)

	for range 2 {
		rec := env.get(t, "/api/v1/quotes/latest?symbol=IBM")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Empty(t, rec.Header().Get("X-Cache"))
		require.Contains(t, rec.Body.String(), `"symbol":"IBM"`)
	}
	require.Empty(t, env.cache.items)
}

func TestHistoryEndpoints(t *testing.T) {
	env := newTestEnv(t, &fakeBooks{})

	rec := env.get(t, "/api/v1/history/orderbooks/last?symbol=SOLUSDT&limit=3")
	require.Equal(t, http.StatusOK, rec.Code)
	var snapshots []marketdata.OrderBookSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshots))
	require.Len(t, snapshots, 3)

	rec = env.get(t, "/api/v1/history/orderbooks/last")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.get(t, "/api/v1/history/candles/last?symbol=IBM")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.get(t, "/api/v1/history/candles/last?symbol=IBM&interval=5min")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHistoryDisabled(t *testing.T) {
	logger := logrus.New()
	books := orderbook.NewService(&fakeBooks{}, orderbook.Config{
		Symbols:     []string{"SOLUSDT"},
		Steps:       []decimal.Decimal{decimal.NewFromInt(1)},
		DefaultStep: decimal.NewFromInt(1),
		TopN:        5,
	}, nil, logger)
	h, err := NewHandler(Deps{Books: books, Logger: logger})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/history/candles/last?symbol=IBM&interval=5min", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/quotes/intraday?symbol=IBM", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, &fakeBooks{})

	require.Equal(t, http.StatusOK, env.get(t, "/healthz").Code)

	rec := env.get(t, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"redis":"ok"`)

	rec = env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "depthview_websocket_clients")
}

func TestReadyzReportsFailures(t *testing.T) {
	logger := logrus.New()
	books := orderbook.NewService(&fakeBooks{}, orderbook.Config{
		Symbols:     []string{"SOLUSDT"},
		Steps:       []decimal.Decimal{decimal.NewFromInt(1)},
		DefaultStep: decimal.NewFromInt(1),
		TopN:        5,
	}, nil, logger)
	h, err := NewHandler(Deps{
		Books:  books,
		Checks: []HealthCheck{{Name: "postgres", Check: func(context.Context) error { return errors.New("dial tcp: refused") }}},
		Logger: logger,
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "refused")
}

type wsMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	View  struct {
		Symbol string `json:"symbol"`
		Step   string `json:"step"`
	} `json:"view"`
}

func readMessage(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebsocketPushesViews(t *testing.T) {
	env := newTestEnv(t, &fakeBooks{})
	_, err := env.books.Refresh(context.Background(), "SOLUSDT")
	require.NoError(t, err)

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?symbol=SOLUSDT&step=0.1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	msg := readMessage(t, conn)
	require.Equal(t, "orderbook", msg.Type)
	require.Equal(t, "SOLUSDT", msg.View.Symbol)
	require.Equal(t, "0.1", msg.View.Step)
	require.Eventually(t, func() bool { return env.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(subscription{Symbol: "SOLUSDT", Step: "1"}))
	msg = readMessage(t, conn)
	require.Equal(t, "orderbook", msg.Type)
	require.Equal(t, "1", msg.View.Step)

	require.NoError(t, conn.WriteJSON(subscription{Symbol: "DOGEUSDT"}))
	msg = readMessage(t, conn)
	require.Equal(t, "error", msg.Type)
	require.Contains(t, msg.Error, "unknown symbol")

	snapshot, ok := env.books.Latest("SOLUSDT")
	require.True(t, ok)
	env.hub.Notify("ETHUSDT", snapshot)
	env.hub.Notify("SOLUSDT", snapshot)
	msg = readMessage(t, conn)
	require.Equal(t, "orderbook", msg.Type)
	require.Equal(t, "SOLUSDT", msg.View.Symbol)

	env.hub.NotifyFailure("SOLUSDT", errors.New("binance: timeout"))
	msg = readMessage(t, conn)
	require.Equal(t, "error", msg.Type)
	require.Equal(t, "binance: timeout", msg.Error)

	env.hub.CloseAll()
	require.Zero(t, env.hub.Clients())
}

func TestWebsocketRejectsUnknownSymbol(t *testing.T) {
	env := newTestEnv(t, &fakeBooks{})

	rec := env.get(t, "/ws?symbol=DOGEUSDT")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
