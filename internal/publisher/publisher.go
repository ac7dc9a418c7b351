package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vidqueue/internal/broker"
	"vidqueue/internal/config"
	"vidqueue/internal/ledger"
	"vidqueue/internal/logging"
	"vidqueue/internal/services"
)

const (
	defaultRetryAttempts  = 5
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryMaxDelay  = 10 * time.Second
)

// Ledger is the slice of the job ledger the publisher writes to.
type Ledger interface {
	MarkEnqueued(ctx context.Context, id string) (bool, error)
}

// Publisher hands pending jobs to the broker and records confirmed enqueues.
type Publisher struct {
	broker broker.Publisher
	ledger Ledger
	logger *slog.Logger

	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	sleep            func(ctx context.Context, d time.Duration) error
}

// Option customizes the publisher.
type Option func(*Publisher)

// WithRetryMaxAttempts overrides the number of publish attempts (defaults to 5).
func WithRetryMaxAttempts(attempts int) Option {
	return func(p *Publisher) {
		if attempts > 0 {
			p.retryMaxAttempts = attempts
		}
	}
}

// WithRetryBackoff overrides the retry backoff delays.
func WithRetryBackoff(baseDelay, maxDelay time.Duration) Option {
	return func(p *Publisher) {
		p.retryBaseDelay = baseDelay
		p.retryMaxDelay = maxDelay
	}
}

// WithSleeper overrides how retry waits are performed (useful for tests).
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Publisher) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// OptionsFromConfig returns the retry options configured under [broker].
func OptionsFromConfig(cfg *config.Config) []Option {
	if cfg == nil {
		return nil
	}
	return []Option{
		WithRetryMaxAttempts(cfg.Broker.PublishAttempts),
		WithRetryBackoff(cfg.PublishBaseDelay(), cfg.PublishMaxDelay()),
	}
}

// New constructs a publisher.
func New(b broker.Publisher, store Ledger, logger *slog.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		broker:           b,
		ledger:           store,
		logger:           logging.NewComponentLogger(logger, "publisher"),
		retryMaxAttempts: defaultRetryAttempts,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
		sleep:            sleepWithContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue publishes a message for a job that is already pending in the ledger
// and then records the enqueue. When every publish attempt fails the job stays
// pending without an enqueue record, which the reconciliation sweep picks up.
func (p *Publisher) Enqueue(ctx context.Context, job *ledger.Job) error {
	if job == nil {
		return services.Wrap(services.ErrInvalidInput, "publisher", "enqueue", "job required", nil)
	}
	if job.Status != ledger.StatusPending {
		return services.Wrap(services.ErrConflict, "publisher", "enqueue",
			fmt.Sprintf("job %s is %s, not pending", job.ID, job.Status), nil)
	}
	msg := broker.NewMessage(job.ID, job.InputLocation, job.RequestedFormat, job.CreatedAt)
	if err := p.publishWithRetry(ctx, msg); err != nil {
		return err
	}

	marked, err := p.ledger.MarkEnqueued(ctx, job.ID)
	switch {
	case err != nil:
		// The message is on the queue; a missing record only costs a duplicate
		// publish from the sweep, which consumers absorb.
		logging.WarnWithContext(p.logger, "enqueue record not written", "enqueue_record_failed",
			logging.JobID(job.ID),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check ledger database health"),
			logging.String(logging.FieldImpact, "job may be published twice by the reconciliation sweep"),
		)
	case !marked:
		p.logger.Debug("job left pending before enqueue was recorded",
			logging.JobID(job.ID))
	default:
		p.logger.Info("job enqueued",
			logging.JobID(job.ID),
			logging.String(logging.FieldEventType, "job_enqueued"),
			logging.String("requested_format", job.RequestedFormat),
		)
	}
	return nil
}

func (p *Publisher) publishWithRetry(ctx context.Context, msg broker.Message) error {
	var lastErr error
	for attempt := 1; attempt <= p.retryMaxAttempts; attempt++ {
		err := p.broker.Publish(ctx, msg)
		if err == nil {
			return nil
		}
		if errors.Is(err, broker.ErrMalformedMessage) {
			return services.Wrap(services.ErrInvalidInput, "publisher", "publish", "message rejected", err)
		}
		lastErr = err
		if attempt == p.retryMaxAttempts {
			break
		}
		delay := p.backoffDelay(attempt)
		p.logger.Warn("publish failed; retrying",
			logging.JobID(msg.JobID),
			logging.Attempt(attempt),
			logging.Duration("backoff", delay),
			logging.Error(err),
			logging.String(logging.FieldEventType, "publish_retry"),
			logging.String(logging.FieldErrorHint, "check broker connectivity"),
			logging.String(logging.FieldImpact, "job hand-off delayed"),
		)
		if err := p.sleep(ctx, delay); err != nil {
			return services.Wrap(services.ErrTransientInfra, "publisher", "publish", "cancelled while retrying", err)
		}
	}
	return services.Wrap(services.ErrTransientInfra, "publisher", "publish",
		fmt.Sprintf("broker unavailable after %d attempts", p.retryMaxAttempts), lastErr)
}

// backoffDelay returns the wait after the given 1-based attempt:
// base, base*2, base*4, ... capped at the max delay.
func (p *Publisher) backoffDelay(attempt int) time.Duration {
	if p.retryBaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := p.retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.retryMaxDelay > 0 && delay >= p.retryMaxDelay {
			return p.retryMaxDelay
		}
	}
	if p.retryMaxDelay > 0 && delay > p.retryMaxDelay {
		return p.retryMaxDelay
	}
	return delay
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
