package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "depthview/internal/domain/entity/marketdata"
	"depthview/internal/infrastructure/metrics"

	"github.com/sirupsen/logrus"
)

var ErrNotRunning = errors.New("batch buffer is not running")

// Store persists flushed batches.
type Store interface {
	AddCandles(ctx context.Context, candles []domain.Candle) error
	AddOrderBookSnapshots(ctx context.Context, snapshots []domain.OrderBookSnapshot) error
}

// BatchConfig controls batching thresholds for history ingestion.
type BatchConfig struct {
	Size    int
	Timeout time.Duration
}

// BatchWriter buffers candles and snapshots and flushes them to a Store.
type BatchWriter struct {
	candles    *batchBuffer[domain.Candle]
	orderBooks *batchBuffer[domain.OrderBookSnapshot]
}

func NewBatchWriter(cfg BatchConfig, store Store, m *metrics.Metrics, logger *logrus.Logger) *BatchWriter {
	componentLogger := logger.WithField("component", "batch_writer")
	return &BatchWriter{
		candles: newBatchBuffer(cfg, func(ctx context.Context, batch []domain.Candle) error {
			err := store.AddCandles(ctx, batch)
			m.BatchFlushed("candle", err)
			return err
		}, componentLogger.WithField("entity", "candle")),
		orderBooks: newBatchBuffer(cfg, func(ctx context.Context, batch []domain.OrderBookSnapshot) error {
			err := store.AddOrderBookSnapshots(ctx, batch)
			m.BatchFlushed("orderbook", err)
			return err
		}, componentLogger.WithField("entity", "orderbook")),
	}
}

// Run sets the base context for timer-driven flushes.
func (b *BatchWriter) Run(ctx context.Context) {
	b.candles.setContext(ctx)
	b.orderBooks.setContext(ctx)
}

// Stop flushes whatever is still buffered using ctx.
func (b *BatchWriter) Stop(ctx context.Context) error {
	b.candles.setContext(ctx)
	b.orderBooks.setContext(ctx)
	return errors.Join(
		b.candles.drain(ctx),
		b.orderBooks.drain(ctx),
	)
}

func (b *BatchWriter) AddCandles(candles []domain.Candle) error {
	for _, candle := range candles {
		if err := b.candles.enqueue(candle); err != nil {
			return err
		}
	}
	return nil
}

func (b *BatchWriter) AddOrderBook(snapshot *domain.OrderBookSnapshot) error {
	if snapshot == nil {
		return errors.New("order book snapshot is nil")
	}
	return b.orderBooks.enqueue(*snapshot)
}

type batchBuffer[T any] struct {
	cfg     BatchConfig
	mu      sync.Mutex
	items   []T
	timer   *time.Timer
	flushFn func(context.Context, []T) error
	logger  *logrus.Entry
	ctx     context.Context
}

func newBatchBuffer[T any](cfg BatchConfig, flushFn func(context.Context, []T) error, logger *logrus.Entry) *batchBuffer[T] {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	return &batchBuffer[T]{
		cfg:     cfg,
		flushFn: flushFn,
		logger:  logger,
	}
}

func (bb *batchBuffer[T]) setContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	bb.mu.Lock()
	bb.ctx = ctx
	bb.mu.Unlock()
}

// enqueue flushes synchronously once the buffer reaches cfg.Size; otherwise arms the timeout flush.
func (bb *batchBuffer[T]) enqueue(item T) error {
	bb.mu.Lock()
	ctx := bb.ctx
	if ctx == nil {
		bb.mu.Unlock()
		return ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		bb.mu.Unlock()
		return err
	}
	bb.items = append(bb.items, item)
	var batch []T
	if len(bb.items) >= bb.cfg.Size {
		batch = bb.takeBatchLocked()
	} else if bb.timer == nil && bb.cfg.Timeout > 0 {
		bb.timer = time.AfterFunc(bb.cfg.Timeout, bb.flushOnTimeout)
	}
	bb.mu.Unlock()

	return bb.flush(ctx, batch)
}

func (bb *batchBuffer[T]) flushOnTimeout() {
	bb.mu.Lock()
	ctx := bb.ctx
	batch := bb.takeBatchLocked()
	bb.mu.Unlock()

	if err := bb.flush(ctx, batch); err != nil {
		bb.logger.WithError(err).WithField("size", len(batch)).Warn("batch flush failed")
	}
}

func (bb *batchBuffer[T]) takeBatchLocked() []T {
	if bb.timer != nil {
		bb.timer.Stop()
		bb.timer = nil
	}
	if len(bb.items) == 0 {
		return nil
	}
	batch := make([]T, len(bb.items))
	copy(batch, bb.items)
	bb.items = bb.items[:0]
	return batch
}

func (bb *batchBuffer[T]) flush(ctx context.Context, batch []T) error {
	if len(batch) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	if err := bb.flushFn(ctx, batch); err != nil {
		return err
	}
	bb.logger.WithFields(logrus.Fields{
		"size":    len(batch),
		"took_ms": time.Since(start).Milliseconds(),
	}).Debug("flushed batch")
	return nil
}

func (bb *batchBuffer[T]) drain(ctx context.Context) error {
	bb.mu.Lock()
	batch := bb.takeBatchLocked()
	bb.mu.Unlock()
	return bb.flush(ctx, batch)
}

func (bb *batchBuffer[T]) pending() int {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return len(bb.items)
}
