package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	appmarketdata "depthview/internal/application/service/marketdata"
	"depthview/internal/config"
	"depthview/internal/infrastructure/broker"
	inframarketdata "depthview/internal/infrastructure/marketdata"
	"depthview/internal/infrastructure/metrics"

	"github.com/sirupsen/logrus"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if err := cfg.RequirePostgres(); err != nil {
		logger.Fatalf("config error: %v", err)
	}

	repo, err := inframarketdata.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatalf("open history store: %v", err)
	}
	history := appmarketdata.NewService(repo)
	defer history.Close()

	consumer, err := broker.NewConsumer(cfg.Rabbit, history, metrics.New(), logger)
	if err != nil {
		logger.Fatalf("init consumer: %v", err)
	}
	if err := consumer.Start(ctx); err != nil {
		logger.Fatalf("start consumer: %v", err)
	}
	done := consumer.Done()

	select {
	case <-ctx.Done():
		logger.Info("shutting down recorder")
	case amqpErr := <-done:
		logger.Errorf("rabbitmq connection closed: %v", amqpErr)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := consumer.Close(closeCtx); err != nil {
		logger.Errorf("flush pending batches: %v", err)
	}
	logger.Info("recorder stopped")
}
