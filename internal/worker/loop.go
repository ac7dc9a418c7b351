package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"vidqueue/internal/broker"
	"vidqueue/internal/config"
	"vidqueue/internal/ledger"
	"vidqueue/internal/logging"
	"vidqueue/internal/metrics"
	"vidqueue/internal/transcode"
)

// ErrDeliveriesClosed is returned by Run when the broker stops delivering
// while the loop is still supposed to be running.
var ErrDeliveriesClosed = errors.New("delivery channel closed")

// Ledger is the job ledger surface the consumer loop uses.
type Ledger interface {
	Get(ctx context.Context, id string) (*ledger.Job, error)
	ConditionalUpdate(ctx context.Context, id string, expect ledger.Expect, upd ledger.Update) (bool, error)
	Heartbeat(ctx context.Context, id string, attempt int) (bool, error)
}

// Transcoder runs one conversion attempt.
type Transcoder interface {
	Convert(ctx context.Context, req transcode.Request) (transcode.Result, error)
}

// Loop consumes job messages one at a time and drives each job's state.
type Loop struct {
	consumer          broker.Consumer
	ledger            Ledger
	transcoder        Transcoder
	logger            *slog.Logger
	workerID          string
	maxAttempts       int
	timeout           time.Duration
	heartbeatInterval time.Duration
	metrics           *metrics.Worker
}

// Option customizes the loop.
type Option func(*Loop)

// WithMaxAttempts overrides the per-job attempt budget.
func WithMaxAttempts(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// WithTimeout overrides the transcode timeout passed to the invoker.
func WithTimeout(d time.Duration) Option {
	return func(l *Loop) {
		l.timeout = d
	}
}

// WithHeartbeatInterval overrides how often a running attempt refreshes its
// heartbeat. Zero disables heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(l *Loop) {
		l.heartbeatInterval = d
	}
}

// WithWorkerID tags log lines with the worker identity.
func WithWorkerID(id string) Option {
	return func(l *Loop) {
		l.workerID = id
	}
}

// WithMetrics records settled outcomes and failed attempts.
func WithMetrics(m *metrics.Worker) Option {
	return func(l *Loop) {
		l.metrics = m
	}
}

// New constructs a consumer loop from the worker configuration.
func New(cfg *config.Config, consumer broker.Consumer, store Ledger, transcoder Transcoder, logger *slog.Logger, opts ...Option) *Loop {
	l := &Loop{
		consumer:          consumer,
		ledger:            store,
		transcoder:        transcoder,
		logger:            logging.NewComponentLogger(logger, "worker"),
		maxAttempts:       cfg.Worker.MaxAttempts,
		timeout:           cfg.TranscodeTimeout(),
		heartbeatInterval: cfg.HeartbeatInterval(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.maxAttempts <= 0 {
		l.maxAttempts = 1
	}
	return l
}

// Run handles deliveries sequentially until ctx is cancelled. The next
// message is not taken until the current one is settled.
func (l *Loop) Run(ctx context.Context) error {
	deliveries, err := l.consumer.Deliveries(ctx)
	if err != nil {
		return err
	}
	l.logger.Info("consumer loop started",
		logging.String(logging.FieldEventType, "worker_started"),
		logging.String(logging.FieldWorkerID, l.workerID),
		logging.Int("max_attempts", l.maxAttempts),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrDeliveriesClosed
			}
			l.Handle(ctx, delivery)
		}
	}
}
