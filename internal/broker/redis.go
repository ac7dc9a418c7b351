package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"vidqueue/internal/config"
	"vidqueue/internal/logging"
)

const (
	defaultBlockTimeout = 5 * time.Second
	defaultLeaseTTL     = 30 * time.Second
	redisErrorBackoff   = time.Second
	recoverScanCount    = 100
)

// NewRedisClient builds a go-redis client from config. The caller owns it.
func NewRedisClient(cfg config.Redis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// RedisBroker implements the reliable-queue pattern on redis lists.
//
// Producers LPUSH onto the queue list. A consumer atomically moves the oldest
// entry into its own processing list with BLMOVE and removes it on Ack. A
// requeueing Nack moves it back to the consuming end of the queue.
//
// While consuming, a consumer renews a lease key with a TTL. Recover, run by
// any process, restores entries from processing lists whose owner's lease has
// expired, so a crashed consumer's message is redelivered elsewhere.
type RedisBroker struct {
	client       *redis.Client
	queue        string
	processing   string
	lease        string
	blockTimeout time.Duration
	leaseTTL     time.Duration
	ownsClient   bool
	logger       *slog.Logger
}

// RedisOption configures a RedisBroker.
type RedisOption func(*RedisBroker)

// WithOwnedClient makes Close also close the redis client.
func WithOwnedClient() RedisOption {
	return func(b *RedisBroker) { b.ownsClient = true }
}

// WithBlockTimeout overrides how long one BLMOVE waits before re-checking ctx.
func WithBlockTimeout(d time.Duration) RedisOption {
	return func(b *RedisBroker) {
		if d > 0 {
			b.blockTimeout = d
		}
	}
}

// WithLeaseTTL overrides how long a consumer stays presumed alive without
// renewing its lease.
func WithLeaseTTL(d time.Duration) RedisOption {
	return func(b *RedisBroker) {
		if d > 0 {
			b.leaseTTL = d
		}
	}
}

// NewRedisBroker wraps an existing client. consumerID must be unique per
// process: two live consumers sharing one processing list would settle each
// other's entries.
func NewRedisBroker(client *redis.Client, queue, consumerID string, logger *slog.Logger, opts ...RedisOption) *RedisBroker {
	if logger == nil {
		logger = logging.NewNop()
	}
	if consumerID == "" {
		consumerID = "default"
	}
	b := &RedisBroker{
		client:       client,
		queue:        queue,
		processing:   ProcessingKey(queue, consumerID),
		lease:        LeaseKey(queue, consumerID),
		blockTimeout: defaultBlockTimeout,
		leaseTTL:     defaultLeaseTTL,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	// An idle consumer renews between BLMOVE calls.
	if limit := b.renewInterval(); b.blockTimeout > limit {
		b.blockTimeout = limit
	}
	return b
}

// ProcessingKey returns the per-consumer in-flight list name.
func ProcessingKey(queue, consumerID string) string {
	return fmt.Sprintf("%s:processing:%s", queue, consumerID)
}

// LeaseKey returns the key a live consumer keeps renewed.
func LeaseKey(queue, consumerID string) string {
	return fmt.Sprintf("%s:consumer:%s", queue, consumerID)
}

func (b *RedisBroker) renewInterval() time.Duration {
	return b.leaseTTL / 3
}

func (b *RedisBroker) renewLease(ctx context.Context) error {
	if err := b.client.Set(ctx, b.lease, time.Now().UTC().Format(time.RFC3339), b.leaseTTL).Err(); err != nil {
		return fmt.Errorf("renew lease %s: %w", b.lease, err)
	}
	return nil
}

// Publish pushes the encoded message onto the queue.
func (b *RedisBroker) Publish(ctx context.Context, msg Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, b.queue, body).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", b.queue, err)
	}
	return nil
}

// Recover moves entries out of processing lists whose owner's lease has
// expired back to the consuming end of the queue and returns how many were
// moved. Lists of live consumers, this one included, are left alone.
func (b *RedisBroker) Recover(ctx context.Context) (int, error) {
	prefix := ProcessingKey(b.queue, "")
	moved := 0
	iter := b.client.Scan(ctx, 0, prefix+"*", recoverScanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		owner := strings.TrimPrefix(key, prefix)
		alive, err := b.client.Exists(ctx, LeaseKey(b.queue, owner)).Result()
		if err != nil {
			return moved, fmt.Errorf("check lease for %s: %w", owner, err)
		}
		if alive > 0 {
			continue
		}
		n, err := b.drain(ctx, key)
		moved += n
		if err != nil {
			return moved, err
		}
		if n > 0 {
			b.logger.Info("recovered in-flight messages",
				logging.Int("count", n),
				logging.String("owner", owner),
				logging.String("processing_list", key),
				logging.String(logging.FieldEventType, "broker_recovered"),
			)
		}
	}
	if err := iter.Err(); err != nil {
		return moved, fmt.Errorf("scan processing lists: %w", err)
	}
	return moved, nil
}

func (b *RedisBroker) drain(ctx context.Context, processing string) (int, error) {
	moved := 0
	for {
		err := b.client.LMove(ctx, processing, b.queue, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover %s: %w", processing, err)
		}
		moved++
	}
}

// Deliveries takes the consumer lease and streams messages one at a time.
// The next message is not claimed until the previous one is settled.
func (b *RedisBroker) Deliveries(ctx context.Context) (<-chan *Delivery, error) {
	if err := b.renewLease(ctx); err != nil {
		return nil, err
	}
	lastRenew := time.Now()
	renew := func() {
		if err := b.renewLease(ctx); err != nil {
			if ctx.Err() == nil {
				logging.WarnWithContext(b.logger, "consumer lease renewal failed", "broker_lease_failed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check redis availability"),
					logging.String(logging.FieldImpact, "another process may recover this consumer's in-flight message"),
				)
			}
			return
		}
		lastRenew = time.Now()
	}

	out := make(chan *Delivery)
	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			if time.Since(lastRenew) >= b.renewInterval() {
				renew()
			}
			body, err := b.client.BLMove(ctx, b.queue, b.processing, "RIGHT", "LEFT", b.blockTimeout).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logging.WarnWithContext(b.logger, "redis dequeue failed; retrying", "broker_dequeue_retry",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check redis.addr and redis availability"),
					logging.String(logging.FieldImpact, "consumption pauses until redis recovers"),
				)
				select {
				case <-time.After(redisErrorBackoff):
					continue
				case <-ctx.Done():
					return
				}
			}

			delivery := b.newDelivery(body)
			select {
			case out <- delivery:
			case <-ctx.Done():
				// Left in the processing list; Recover restores it once the
				// lease lapses.
				return
			}
			if !b.awaitSettle(ctx, delivery, renew) {
				return
			}
		}
	}()
	return out, nil
}

// awaitSettle keeps the lease alive while the delivery is being processed.
// It reports false when ctx ends first.
func (b *RedisBroker) awaitSettle(ctx context.Context, delivery *Delivery, renew func()) bool {
	ticker := time.NewTicker(b.renewInterval())
	defer ticker.Stop()
	for {
		select {
		case <-delivery.Settled():
			return true
		case <-ticker.C:
			renew()
		case <-ctx.Done():
			return false
		}
	}
}

func (b *RedisBroker) newDelivery(body string) *Delivery {
	// Settling must not depend on the consumer's context: shutdown may still
	// want to put the message back.
	settleCtx := context.Background()
	ack := func() error {
		if err := b.client.LRem(settleCtx, b.processing, 1, body).Err(); err != nil {
			return fmt.Errorf("ack: %w", err)
		}
		return nil
	}
	nack := func(requeue bool) error {
		_, err := b.client.TxPipelined(settleCtx, func(pipe redis.Pipeliner) error {
			pipe.LRem(settleCtx, b.processing, 1, body)
			if requeue {
				pipe.RPush(settleCtx, b.queue, body)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("nack: %w", err)
		}
		return nil
	}
	return NewDelivery([]byte(body), false, ack, nack)
}

// Depth returns the queue length.
func (b *RedisBroker) Depth(ctx context.Context) (int, error) {
	n, err := b.client.LLen(ctx, b.queue).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", b.queue, err)
	}
	return int(n), nil
}

// Close releases the client when the broker owns it.
func (b *RedisBroker) Close() error {
	if b == nil || !b.ownsClient || b.client == nil {
		return nil
	}
	return b.client.Close()
}
