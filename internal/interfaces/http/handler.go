package http

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	appmarketdata "depthview/internal/application/service/marketdata"
	"depthview/internal/application/service/orderbook"
	"depthview/internal/application/service/quotes"
	"depthview/internal/domain/aggregation"
	"depthview/internal/infrastructure/alphavantage"
	"depthview/internal/infrastructure/metrics"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	apiBasePath      = "/api/v1"
	defaultHistoryN  = 50
	readinessTimeout = 2 * time.Second
)

var (
	errQuotesDisabled  = errors.New("alpha vantage is not configured")
	errHistoryDisabled = errors.New("history store is not configured")
	errMissingSymbol   = errors.New("symbol query param required")
)

//go:embed templates/*.html
var templatesFS embed.FS

// ResponseCache stores rendered GET responses.
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps wires the handler. Quotes, History, Cache and Metrics are optional.
type Deps struct {
	Books    *orderbook.Service
	Quotes   *quotes.Service
	History  *appmarketdata.Service
	Hub      *Hub
	Cache    ResponseCache
	CacheTTL time.Duration
	Metrics  *metrics.Metrics
	Checks   []HealthCheck
	Logger   *logrus.Logger
}

type Handler struct {
	router   *gin.Engine
	books    *orderbook.Service
	quotes   *quotes.Service
	history  *appmarketdata.Service
	hub      *Hub
	cache    ResponseCache
	cacheTTL time.Duration
	metrics  *metrics.Metrics
	checks   []HealthCheck
	logger   *logrus.Entry
}

func NewHandler(deps Deps) (*Handler, error) {
	router := gin.New()
	router.Use(gin.Recovery())

	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	router.SetHTMLTemplate(tmpl)

	h := &Handler{
		router:   router,
		books:    deps.Books,
		quotes:   deps.Quotes,
		history:  deps.History,
		hub:      deps.Hub,
		cache:    deps.Cache,
		cacheTTL: deps.CacheTTL,
		metrics:  deps.Metrics,
		checks:   deps.Checks,
		logger:   deps.Logger.WithField("component", "http"),
	}
	router.Use(h.requestLogger())
	h.registerRoutes()
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.router.GET("/", h.dashboard)
	h.router.GET("/healthz", h.healthz)
	h.router.GET("/readyz", h.readyz)
	if h.metrics != nil {
		h.router.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}
	if h.hub != nil {
		h.router.GET("/ws", h.hub.Serve)
	}

	api := h.router.Group(apiBasePath)
	{
		api.GET("/options", h.getOptions)
		api.GET("/orderbook", h.getOrderBook)
	}

	// latest is served from memory and must not lag behind the schedule
	api.GET("/quotes/latest", h.getLatestIntraday)

	q := api.Group("/quotes")
	if h.cache != nil {
		q.Use(h.cacheMiddleware())
	}
	{
		q.GET("/intraday", h.getIntraday)
		q.GET("/global", h.getGlobalQuote)
	}

	history := api.Group("/history")
	{
		history.GET("/orderbooks/last", h.getOrderBooksLast)
		history.GET("/candles/last", h.getCandlesLast)
	}
}

func (h *Handler) dashboard(c *gin.Context) {
	opts := h.books.Options()
	c.HTML(http.StatusOK, "dashboard.html", gin.H{
		"Options": opts,
	})
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	status := http.StatusOK
	results := gin.H{}
	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[check.Name] = err.Error()
			continue
		}
		results[check.Name] = "ok"
	}
	c.JSON(status, gin.H{"checks": results})
}

func (h *Handler) getOptions(c *gin.Context) {
	c.JSON(http.StatusOK, h.books.Options())
}

func (h *Handler) getOrderBook(c *gin.Context) {
	symbol, err := h.books.ResolveSymbol(c.Query("symbol"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	step, err := h.books.ResolveStep(c.Query("step"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	limit, err := parseOptionalInt(c, "limit", h.books.Options().TopN)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	view, err := h.books.View(c.Request.Context(), symbol, step, limit)
	if err != nil {
		writeError(c, statusFor(err, http.StatusBadGateway), err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) getIntraday(c *gin.Context) {
	if h.quotes == nil {
		writeError(c, http.StatusServiceUnavailable, errQuotesDisabled)
		return
	}
	symbol := c.Query("symbol")
	if symbol == "" {
		writeError(c, http.StatusBadRequest, errMissingSymbol)
		return
	}
	series, err := h.quotes.Intraday(c.Request.Context(), symbol, c.Query("interval"), c.DefaultQuery("outputsize", alphavantage.OutputSizeCompact))
	if err != nil {
		writeError(c, statusFor(err, http.StatusBadGateway), err)
		return
	}
	c.JSON(http.StatusOK, series)
}

func (h *Handler) getGlobalQuote(c *gin.Context) {
	if h.quotes == nil {
		writeError(c, http.StatusServiceUnavailable, errQuotesDisabled)
		return
	}
	symbol := c.Query("symbol")
	if symbol == "" {
		writeError(c, http.StatusBadRequest, errMissingSymbol)
		return
	}
	quote, err := h.quotes.Quote(c.Request.Context(), symbol)
	if err != nil {
		writeError(c, statusFor(err, http.StatusBadGateway), err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

func (h *Handler) getLatestIntraday(c *gin.Context) {
	if h.quotes == nil {
		writeError(c, http.StatusServiceUnavailable, errQuotesDisabled)
		return
	}
	series, err := h.quotes.Latest(c.Query("symbol"))
	if err != nil {
		writeError(c, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	c.JSON(http.StatusOK, series)
}

func (h *Handler) getOrderBooksLast(c *gin.Context) {
	if h.history == nil {
		writeError(c, http.StatusServiceUnavailable, errHistoryDisabled)
		return
	}
	limit, err := parseOptionalInt(c, "limit", defaultHistoryN)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	snapshots, err := h.history.GetLastOrderBookSnapshots(c.Request.Context(), c.Query("symbol"), limit)
	if err != nil {
		writeError(c, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	c.JSON(http.StatusOK, snapshots)
}

func (h *Handler) getCandlesLast(c *gin.Context) {
	if h.history == nil {
		writeError(c, http.StatusServiceUnavailable, errHistoryDisabled)
		return
	}
	limit, err := parseOptionalInt(c, "limit", defaultHistoryN)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	candles, err := h.history.GetLastCandles(c.Request.Context(), c.Query("symbol"), c.Query("interval"), limit)
	if err != nil {
		writeError(c, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	c.JSON(http.StatusOK, candles)
}

// Helpers

// statusFor maps caller mistakes to 4xx and everything else to fallback.
func statusFor(err error, fallback int) int {
	switch {
	case errors.Is(err, orderbook.ErrUnknownSymbol),
		errors.Is(err, orderbook.ErrUnsupportedStep),
		errors.Is(err, orderbook.ErrInvalidLimit),
		errors.Is(err, aggregation.ErrInvalidArgument),
		errors.Is(err, alphavantage.ErrInvalidInterval),
		errors.Is(err, alphavantage.ErrInvalidOutput),
		errors.Is(err, alphavantage.ErrInvalidSymbol),
		errors.Is(err, appmarketdata.ErrInvalidLimit),
		errors.Is(err, appmarketdata.ErrMissingSymbol),
		errors.Is(err, appmarketdata.ErrMissingInterval):
		return http.StatusBadRequest
	case errors.Is(err, quotes.ErrNotWatched):
		return http.StatusNotFound
	case errors.Is(err, alphavantage.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, alphavantage.ErrMissingAPIKey):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return fallback
	}
}

func writeError(c *gin.Context, status int, err error) {
	if err == nil {
		status = http.StatusInternalServerError
		err = errors.New("unknown error")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parseOptionalInt(c *gin.Context, key string, fallback int) (int, error) {
	value := c.Query(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return parsed, nil
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/healthz" || c.FullPath() == "/metrics" {
			return
		}
		h.logger.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("request served")
	}
}

// cacheMiddleware caches successful GET responses.
func (h *Handler) cacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.cache == nil || c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := h.cacheKey(c)
		ctx := c.Request.Context()

		cached, ok, err := h.cache.Get(ctx, key)
		if err != nil {
			h.logger.WithError(err).Warn("cache get failed")
		}
		h.metrics.CacheLookup(ok)
		if ok {
			c.Header("X-Cache", "HIT")
			c.Data(http.StatusOK, "application/json; charset=utf-8", cached)
			c.Abort()
			return
		}

		recorder := &responseRecorder{
			ResponseWriter: c.Writer,
			status:         http.StatusOK,
			body:           &bytes.Buffer{},
		}
		c.Writer = recorder
		c.Header("X-Cache", "MISS")

		c.Next()

		if recorder.status >= 200 && recorder.status < 300 && recorder.body.Len() > 0 {
			if err := h.cache.Set(ctx, key, recorder.body.Bytes(), h.cacheTTL); err != nil {
				h.logger.WithError(err).Warn("cache set failed")
			}
		}
	}
}

type responseRecorder struct {
	gin.ResponseWriter
	body   *bytes.Buffer
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if len(data) > 0 {
		r.body.Write(data)
	}
	return r.ResponseWriter.Write(data)
}

func (h *Handler) cacheKey(c *gin.Context) string {
	return fmt.Sprintf("cache:%s:%s?%s", c.Request.Method, c.FullPath(), c.Request.URL.Query().Encode())
}
