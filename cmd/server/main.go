package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"depthview/internal/application/refresher"
	appmarketdata "depthview/internal/application/service/marketdata"
	"depthview/internal/application/service/orderbook"
	"depthview/internal/application/service/quotes"
	"depthview/internal/config"
	interfaces "depthview/internal/domain/interfaces"
	"depthview/internal/infrastructure/alphavantage"
	"depthview/internal/infrastructure/binance"
	"depthview/internal/infrastructure/broker"
	"depthview/internal/infrastructure/cache"
	"depthview/internal/infrastructure/httpclient"
	inframarketdata "depthview/internal/infrastructure/marketdata"
	"depthview/internal/infrastructure/metrics"
	infrahttp "depthview/internal/interfaces/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	m := metrics.New()
	client := httpclient.New(cfg.Binance.RequestTimeout, logger)

	books := orderbook.NewService(binance.NewClient(client, cfg.Binance.BaseURL, logger), orderbook.Config{
		Symbols:         cfg.OrderBook.Symbols,
		DefaultSymbol:   cfg.OrderBook.DefaultSymbol,
		Steps:           cfg.OrderBook.AggregationLevels,
		DefaultStep:     cfg.OrderBook.DefaultStep,
		TopN:            cfg.OrderBook.TopN,
		DepthLimit:      cfg.Binance.DepthLimit,
		RefreshInterval: cfg.OrderBook.RefreshInterval,
	}, m, logger)

	var checks []infrahttp.HealthCheck

	var responseCache infrahttp.ResponseCache
	if cfg.Redis.Addr != "" {
		redisCache, err := cache.Connect(ctx, cfg.Redis)
		if err != nil {
			logger.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisCache.Close()
		responseCache = redisCache
		checks = append(checks, infrahttp.HealthCheck{Name: "redis", Check: redisCache.Ping})
	}

	// publisher stays a nil interface when the broker is disabled
	var publisher interfaces.Publisher
	if cfg.Rabbit.URL != "" {
		pub, conn, err := broker.Dial(cfg.Rabbit, m, logger)
		if err != nil {
			logger.Fatalf("failed to init publisher: %v", err)
		}
		defer conn.Close()
		defer pub.Close()
		publisher = pub
	}

	var history *appmarketdata.Service
	if cfg.Postgres.DSN != "" {
		repo, err := inframarketdata.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			logger.Fatalf("failed to init marketdata repo: %v", err)
		}
		history = appmarketdata.NewService(repo)
		defer history.Close()
		checks = append(checks, infrahttp.HealthCheck{Name: "postgres", Check: repo.Ping})
	}

	var quoteService *quotes.Service
	var schedule *refresher.QuoteSchedule
	if cfg.AlphaVantage.APIKey != "" {
		avClient := httpclient.New(cfg.AlphaVantage.RequestTimeout, logger)
		source := alphavantage.NewClient(avClient, cfg.AlphaVantage.BaseURL, cfg.AlphaVantage.APIKey, logger)
		quoteService = quotes.NewService(source, cfg.AlphaVantage.Symbols, cfg.AlphaVantage.Interval, m, logger)
		if cfg.AlphaVantage.Enabled() {
			schedule = refresher.NewQuoteSchedule(quoteService, cfg.AlphaVantage.Schedule, publisher, logger)
		}
	}

	hub := infrahttp.NewHub(books, m, logger)
	poller := refresher.New(books, cfg.OrderBook.RefreshInterval, publisher, logger)
	poller.OnRefresh(hub.Notify)
	poller.OnFailure(hub.NotifyFailure)

	handler, err := infrahttp.NewHandler(infrahttp.Deps{
		Books:    books,
		Quotes:   quoteService,
		History:  history,
		Hub:      hub,
		Cache:    responseCache,
		CacheTTL: time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		Metrics:  m,
		Checks:   checks,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatalf("failed to init handler: %v", err)
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("HTTP server listening on %s", cfg.HTTP.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return poller.Run(gctx)
	})
	if schedule != nil {
		g.Go(func() error {
			return schedule.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Infof("shutting down server")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		hub.CloseAll()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Errorf("server stopped with error: %v", err)
		return
	}
	logger.Info("server stopped")
}
