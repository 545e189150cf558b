package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"depthview/internal/config"
	domain "depthview/internal/domain/entity/marketdata"
	"depthview/internal/infrastructure/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher fans snapshots and candles out to fanout exchanges.
type Publisher struct {
	channel            Channel
	candlesExchange    string
	orderBooksExchange string
	metrics            *metrics.Metrics
	logger             *logrus.Entry
	mu                 sync.Mutex
}

// Dial connects to RabbitMQ and returns a publisher bound to a fresh channel.
func Dial(cfg config.RabbitConfig, m *metrics.Metrics, logger *logrus.Logger) (*Publisher, *amqp.Connection, error) {
	if cfg.URL == "" {
		return nil, nil, errors.New("rabbitmq url is required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("create channel: %w", err)
	}
	pub, err := NewPublisher(ch, cfg, m, logger)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return pub, conn, nil
}

func NewPublisher(ch Channel, cfg config.RabbitConfig, m *metrics.Metrics, logger *logrus.Logger) (*Publisher, error) {
	declared := map[string]struct{}{}
	for _, name := range []string{cfg.CandlesExchange, cfg.OrderBooksExchange} {
		if name == "" {
			ch.Close()
			return nil, errors.New("exchange name cannot be empty")
		}
		if _, ok := declared[name]; ok {
			continue
		}
		if err := ch.ExchangeDeclare(name, "fanout", true, false, false, false, nil); err != nil {
			ch.Close()
			return nil, fmt.Errorf("declare exchange %s: %w", name, err)
		}
		declared[name] = struct{}{}
	}

	return &Publisher{
		channel:            ch,
		candlesExchange:    cfg.CandlesExchange,
		orderBooksExchange: cfg.OrderBooksExchange,
		metrics:            m,
		logger:             logger.WithField("component", "publisher"),
	}, nil
}

func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if err := p.channel.Close(); err != nil {
		p.logger.WithError(err).Error("close rabbitmq channel")
	}
}

func (p *Publisher) PublishOrderBook(ctx context.Context, snapshot *domain.OrderBookSnapshot) error {
	if snapshot == nil {
		return errors.New("order book snapshot is nil")
	}
	return p.publish(ctx, p.orderBooksExchange, Message{OrderBookSnapshot: snapshot})
}

func (p *Publisher) PublishCandles(ctx context.Context, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	return p.publish(ctx, p.candlesExchange, Message{Candles: candles})
}

func (p *Publisher) publish(ctx context.Context, exchange string, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		p.metrics.PublishFailed(exchange)
		return fmt.Errorf("publish to %s: %w", exchange, err)
	}
	return nil
}
