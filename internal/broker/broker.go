package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"vidqueue/internal/config"
	"vidqueue/internal/logging"
)

// Publisher sends job messages to the queue.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Consumer yields deliveries one at a time. The channel closes when ctx is
// cancelled or the underlying connection is lost.
type Consumer interface {
	Deliveries(ctx context.Context) (<-chan *Delivery, error)
}

// Broker is a full queue client as used by the API and worker processes.
type Broker interface {
	Publisher
	Consumer
	// Depth returns the number of ready messages, the autoscaling signal.
	Depth(ctx context.Context) (int, error)
	Close() error
}

// ErrAlreadySettled is returned when a delivery is acked or nacked twice.
var ErrAlreadySettled = errors.New("delivery already settled")

// Delivery is one received message. Exactly one of Ack or Nack must be called.
type Delivery struct {
	Body        []byte
	Redelivered bool

	ack     func() error
	nack    func(requeue bool) error
	once    sync.Once
	settled chan struct{}
}

// NewDelivery wraps a message body with settle callbacks. Nil callbacks are
// treated as no-ops, which keeps test doubles short.
func NewDelivery(body []byte, redelivered bool, ack func() error, nack func(requeue bool) error) *Delivery {
	return &Delivery{
		Body:        body,
		Redelivered: redelivered,
		ack:         ack,
		nack:        nack,
		settled:     make(chan struct{}),
	}
}

// Ack confirms the message was handled and may be discarded.
func (d *Delivery) Ack() error {
	return d.settle(func() error {
		if d.ack == nil {
			return nil
		}
		return d.ack()
	})
}

// Nack rejects the message; requeue returns it to the queue for another consumer.
func (d *Delivery) Nack(requeue bool) error {
	return d.settle(func() error {
		if d.nack == nil {
			return nil
		}
		return d.nack(requeue)
	})
}

// Settled is closed once Ack or Nack has been called.
func (d *Delivery) Settled() <-chan struct{} {
	return d.settled
}

func (d *Delivery) settle(fn func() error) error {
	err := ErrAlreadySettled
	d.once.Do(func() {
		err = fn()
		close(d.settled)
	})
	return err
}

// Open constructs the broker selected by cfg.Broker.Kind. consumerID names
// this process for per-consumer bookkeeping (redis processing lists, AMQP
// consumer tags).
func Open(ctx context.Context, cfg *config.Config, consumerID string, logger *slog.Logger) (Broker, error) {
	logger = logging.NewComponentLogger(logger, "broker")
	switch strings.ToLower(strings.TrimSpace(cfg.Broker.Kind)) {
	case "amqp":
		return DialAMQP(ctx, AMQPOptions{
			URL:             cfg.Broker.URL,
			Queue:           cfg.Broker.Queue,
			MessageTTL:      cfg.Broker.MessageTTL,
			ConnectAttempts: cfg.Broker.ConnectAttempts,
			ConnectDelay:    cfg.BrokerConnectDelay(),
			ConsumerTag:     consumerID,
		}, logger)
	case "redis":
		client := NewRedisClient(cfg.Redis)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return NewRedisBroker(client, cfg.Broker.Queue, consumerID, logger, WithOwnedClient()), nil
	default:
		return nil, fmt.Errorf("broker kind: unsupported value %q", cfg.Broker.Kind)
	}
}
