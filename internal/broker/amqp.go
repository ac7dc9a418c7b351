package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"vidqueue/internal/logging"
)

// AMQPOptions configures the RabbitMQ transport.
type AMQPOptions struct {
	URL   string
	Queue string
	// MessageTTL is the queue-level x-message-ttl in seconds; 0 omits it.
	MessageTTL      int
	ConnectAttempts int
	ConnectDelay    time.Duration
	ConsumerTag     string
}

// AMQPBroker publishes to and consumes from a durable RabbitMQ queue through
// the default exchange.
type AMQPBroker struct {
	conn   *amqp.Connection
	opts   AMQPOptions
	logger *slog.Logger

	pubMu sync.Mutex
	pubCh *amqp.Channel
}

// DialAMQP connects with retries, declares the queue, and opens a publisher
// channel in confirm mode.
func DialAMQP(ctx context.Context, opts AMQPOptions, logger *slog.Logger) (*AMQPBroker, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("amqp url required")
	}
	if strings.TrimSpace(opts.Queue) == "" {
		return nil, errors.New("amqp queue required")
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	conn, err := dialWithRetry(ctx, opts, logger)
	if err != nil {
		return nil, err
	}

	b := &AMQPBroker{conn: conn, opts: opts, logger: logger}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := b.declare(ch); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	b.pubCh = ch
	return b, nil
}

func dialWithRetry(ctx context.Context, opts AMQPOptions, logger *slog.Logger) (*amqp.Connection, error) {
	var lastErr error
	for attempt := 1; attempt <= opts.ConnectAttempts; attempt++ {
		conn, err := amqp.Dial(opts.URL)
		if err == nil {
			logger.Info("broker connected",
				logging.Int("attempt", attempt),
				logging.String("queue", opts.Queue),
				logging.String(logging.FieldEventType, "broker_connected"),
			)
			return conn, nil
		}
		lastErr = err
		if attempt == opts.ConnectAttempts {
			break
		}
		logging.WarnWithContext(logger, "broker connection failed; retrying", "broker_connect_retry",
			logging.Int("attempt", attempt),
			logging.Int("max_attempts", opts.ConnectAttempts),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check broker.url and that RabbitMQ is reachable"),
			logging.String(logging.FieldImpact, "process start is delayed until the broker is reachable"),
		)
		select {
		case <-time.After(opts.ConnectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("connect to broker after %d attempts: %w", opts.ConnectAttempts, lastErr)
}

func (b *AMQPBroker) queueArgs() amqp.Table {
	if b.opts.MessageTTL <= 0 {
		return nil
	}
	return amqp.Table{"x-message-ttl": int64(b.opts.MessageTTL) * 1000}
}

func (b *AMQPBroker) declare(ch *amqp.Channel) error {
	if _, err := ch.QueueDeclare(
		b.opts.Queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		b.queueArgs(),
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", b.opts.Queue, err)
	}
	return nil
}

// Publish sends a persistent message and waits for the broker to confirm it.
func (b *AMQPBroker) Publish(ctx context.Context, msg Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pubCh == nil || b.pubCh.IsClosed() {
		return errors.New("publish channel closed")
	}

	confirm, err := b.pubCh.PublishWithDeferredConfirmWithContext(ctx,
		"",
		b.opts.Queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.JobID,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await publish confirm: %w", err)
	}
	if !acked {
		return errors.New("broker rejected publish")
	}
	return nil
}

// Deliveries opens a dedicated consumer channel with prefetch 1 and manual
// acknowledgement.
func (b *AMQPBroker) Deliveries(ctx context.Context) (<-chan *Delivery, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	if err := b.declare(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	msgs, err := ch.Consume(
		b.opts.Queue,
		b.opts.ConsumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", b.opts.Queue, err)
	}

	out := make(chan *Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					logging.WarnWithContext(b.logger, "broker delivery channel closed", "broker_channel_closed",
						logging.String(logging.FieldErrorHint, "the process exits so the orchestrator can restart it"),
						logging.String(logging.FieldImpact, "unacked message is redelivered to another worker"),
					)
					return
				}
				d := msg
				delivery := NewDelivery(d.Body, d.Redelivered,
					func() error { return d.Ack(false) },
					func(requeue bool) error { return d.Nack(false, requeue) },
				)
				select {
				case out <- delivery:
				case <-ctx.Done():
					// Closing the channel returns the unacked message to the queue.
					return
				}
			}
		}
	}()
	return out, nil
}

// Depth reports the number of ready messages via a passive declare.
func (b *AMQPBroker) Depth(_ context.Context) (int, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return 0, fmt.Errorf("open inspect channel: %w", err)
	}
	defer ch.Close()
	q, err := ch.QueueDeclarePassive(b.opts.Queue, true, false, false, false, b.queueArgs())
	if err != nil {
		return 0, fmt.Errorf("inspect queue %s: %w", b.opts.Queue, err)
	}
	return q.Messages, nil
}

// Close shuts down the connection; unacked deliveries are requeued by the broker.
func (b *AMQPBroker) Close() error {
	if b == nil || b.conn == nil {
		return nil
	}
	if b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}
