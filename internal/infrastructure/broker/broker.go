package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"depthview/internal/config"
	"depthview/internal/infrastructure/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Consumer subscribes to the fanout exchanges and feeds a BatchWriter.
type Consumer struct {
	cfg    config.RabbitConfig
	logger *logrus.Logger

	conn     *amqp.Connection
	channels []*amqp.Channel
	wg       sync.WaitGroup
	batcher  *BatchWriter
}

func NewConsumer(cfg config.RabbitConfig, store Store, m *metrics.Metrics, logger *logrus.Logger) (*Consumer, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	batchCfg := BatchConfig{
		Size:    cfg.BatchSize,
		Timeout: cfg.BatchTimeout,
	}
	return &Consumer{
		cfg:     cfg,
		logger:  logger,
		batcher: NewBatchWriter(batchCfg, store, m, logger),
	}, nil
}

// Start connects and begins consuming both exchanges.
func (c *Consumer) Start(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	c.conn = conn
	c.batcher.Run(ctx)

	if err := c.startStream(ctx, streamCandle, c.cfg.CandlesExchange); err != nil {
		c.Close(ctx)
		return err
	}
	if err := c.startStream(ctx, streamOrderBook, c.cfg.OrderBooksExchange); err != nil {
		c.Close(ctx)
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"candles_ex":   c.cfg.CandlesExchange,
		"orderbook_ex": c.cfg.OrderBooksExchange,
	}).Info("rabbitmq consumer started")
	return nil
}

// Done is closed when the broker connection goes away.
func (c *Consumer) Done() <-chan *amqp.Error {
	if c.conn == nil {
		ch := make(chan *amqp.Error)
		close(ch)
		return ch
	}
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Close stops consumption, flushes pending batches and releases the connection.
func (c *Consumer) Close(ctx context.Context) error {
	for _, ch := range c.channels {
		_ = ch.Close()
	}
	c.channels = nil
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.wg.Wait()
	return c.batcher.Stop(ctx)
}

func (c *Consumer) startStream(ctx context.Context, stream streamType, exchange string) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel for %s: %w", stream, err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("declare queue for %s: %w", stream, err)
	}
	if err := ch.QueueBind(queue.Name, "", exchange, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("bind queue %s to %s: %w", queue.Name, exchange, err)
	}
	prefetch := c.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos for %s: %w", stream, err)
	}
	deliveries, err := ch.Consume(queue.Name, "", false, true, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("start consume for %s: %w", stream, err)
	}
	c.channels = append(c.channels, ch)
	c.wg.Add(1)
	go c.consumeLoop(ctx, stream, deliveries)
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context, stream streamType, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	log := c.logger.WithField("stream", stream.String())
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			if err := c.handle(stream, delivery.Body); err != nil {
				log.WithError(err).Warn("failed to process message")
				// malformed payloads would loop forever on requeue
				_ = delivery.Nack(false, !errors.Is(err, errBadPayload))
				continue
			}
			if err := delivery.Ack(false); err != nil {
				log.WithError(err).Warn("failed to ack delivery")
			}
		}
	}
}

var errBadPayload = errors.New("bad payload")

func (c *Consumer) handle(stream streamType, body []byte) error {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: decode: %v", errBadPayload, err)
	}
	switch stream {
	case streamCandle:
		if len(msg.Candles) == 0 {
			return fmt.Errorf("%w: no candles", errBadPayload)
		}
		return c.batcher.AddCandles(msg.Candles)
	case streamOrderBook:
		if msg.OrderBookSnapshot == nil {
			return fmt.Errorf("%w: no order book snapshot", errBadPayload)
		}
		return c.batcher.AddOrderBook(msg.OrderBookSnapshot)
	default:
		return fmt.Errorf("unsupported stream: %s", stream)
	}
}

type streamType string

func (s streamType) String() string {
	return string(s)
}

const (
	streamCandle    streamType = "candles"
	streamOrderBook streamType = "orderbooks"
)
