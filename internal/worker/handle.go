package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"vidqueue/internal/broker"
	"vidqueue/internal/ledger"
	"vidqueue/internal/logging"
	"vidqueue/internal/services"
	"vidqueue/internal/transcode"
)

// Outcome is how a delivery was settled.
type Outcome string

const (
	// OutcomeCompleted: the job reached completed and the message was acked.
	OutcomeCompleted Outcome = "completed"
	// OutcomeRequeued: the attempt failed recoverably; the job is pending again
	// and the message was nacked for redelivery.
	OutcomeRequeued Outcome = "requeued"
	// OutcomeFailed: the job reached failed and the message was acked.
	OutcomeFailed Outcome = "failed"
	// OutcomeDuplicate: another attempt owns or finished the job; acked.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomePoison: the message can never be processed; acked and dropped.
	OutcomePoison Outcome = "poison"
	// OutcomeDeferred: nothing was decided (ledger trouble or shutdown); the
	// message was nacked for redelivery without a ledger write.
	OutcomeDeferred Outcome = "deferred"
)

const maxErrorDetail = 2048

var activeStatuses = []ledger.Status{ledger.StatusPending, ledger.StatusProcessing}

// Handle runs one delivery through the job state machine and settles it.
// It never returns an error: every failure becomes a ledger transition or a
// requeue.
func (l *Loop) Handle(ctx context.Context, d *broker.Delivery) Outcome {
	msg, err := broker.Decode(d.Body)
	if err != nil {
		logging.WarnWithContext(l.logger, "discarding undecodable message", "poison_message",
			logging.Error(err),
			logging.Int("bytes", len(d.Body)),
			logging.String(logging.FieldErrorHint, "check the publisher's message schema version"),
			logging.String(logging.FieldImpact, "message dropped"),
		)
		return l.settle(ctx, d, OutcomePoison)
	}
	ctx = services.WithJobID(ctx, msg.JobID)
	ctx = services.WithWorkerID(ctx, l.workerID)
	logger := logging.WithContext(ctx, l.logger)

	job, err := l.ledger.Get(ctx, msg.JobID)
	if err != nil {
		return l.deferDelivery(ctx, logger, d, "load job", err)
	}
	if job == nil {
		logging.WarnWithContext(logger, "discarding message for unknown job", "poison_message",
			logging.String(logging.FieldErrorHint, "the ledger and broker point at different environments"),
			logging.String(logging.FieldImpact, "message dropped"),
		)
		return l.settle(ctx, d, OutcomePoison)
	}

	switch job.Status {
	case ledger.StatusCompleted:
		logger.Info("job already completed; discarding duplicate delivery",
			logging.String(logging.FieldEventType, "duplicate_delivery"))
		return l.settle(ctx, d, OutcomeDuplicate)
	case ledger.StatusFailed:
		if job.AttemptCount >= l.maxAttempts {
			logger.Info("job failed after exhausting attempts; discarding",
				logging.String(logging.FieldEventType, "poison_message"),
				logging.Attempt(job.AttemptCount))
			return l.settle(ctx, d, OutcomePoison)
		}
		logger.Info("job already failed; discarding duplicate delivery",
			logging.String(logging.FieldEventType, "duplicate_delivery"))
		return l.settle(ctx, d, OutcomeDuplicate)
	case ledger.StatusPending, ledger.StatusProcessing:
	default:
		logger.Info("job is not ready for processing; discarding",
			logging.String(logging.FieldEventType, "duplicate_delivery"),
			logging.String("status", string(job.Status)))
		return l.settle(ctx, d, OutcomeDuplicate)
	}

	if job.AttemptCount >= l.maxAttempts {
		// The final attempt died without recording a result.
		return l.exhaust(ctx, logger, d, job)
	}

	claimed, err := l.ledger.ConditionalUpdate(ctx, job.ID,
		ledger.Expect{Statuses: activeStatuses, Attempt: ledger.AtAttempt(job.AttemptCount)},
		ledger.Update{Status: ledger.StatusProcessing, IncrementAttempt: true},
	)
	if err != nil {
		return l.deferDelivery(ctx, logger, d, "claim job", err)
	}
	if !claimed {
		logger.Info("another worker claimed the job; discarding duplicate delivery",
			logging.String(logging.FieldEventType, "duplicate_delivery"))
		return l.settle(ctx, d, OutcomeDuplicate)
	}
	attempt := job.AttemptCount + 1
	if job.Status == ledger.StatusProcessing {
		logger.Info("retrying job abandoned by a previous attempt",
			logging.String(logging.FieldEventType, "attempt_recovered"),
			logging.Attempt(attempt))
	}
	return l.process(ctx, logger.With(logging.Attempt(attempt)), d, job, attempt)
}

func (l *Loop) process(ctx context.Context, logger *slog.Logger, d *broker.Delivery, job *ledger.Job, attempt int) Outcome {
	ctx = services.WithStage(ctx, "transcode")
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if l.heartbeatInterval > 0 {
		wg.Add(1)
		go l.heartbeatLoop(hbCtx, &wg, logger, job.ID, attempt)
	}
	done := l.metrics.Started()
	result, convErr := l.transcoder.Convert(ctx, transcode.Request{
		JobID:         job.ID,
		InputLocation: job.InputLocation,
		Format:        job.RequestedFormat,
		Timeout:       l.timeout,
	})
	done()
	stopHeartbeat()
	wg.Wait()

	if ctx.Err() != nil {
		// Shutdown: leave the job in processing for the next consumer.
		logger.Info("shutdown during transcode; leaving message for redelivery",
			logging.String(logging.FieldEventType, "attempt_interrupted"))
		return l.settle(context.WithoutCancel(ctx), d, OutcomeDeferred)
	}
	owned := ledger.Expect{Statuses: []ledger.Status{ledger.StatusProcessing}, Attempt: ledger.AtAttempt(attempt)}
	if convErr != nil {
		l.metrics.Failed(services.Kind(convErr))
	}

	if convErr == nil {
		ok, err := l.ledger.ConditionalUpdate(ctx, job.ID, owned, ledger.Update{
			Status:         ledger.StatusCompleted,
			OutputLocation: result.OutputLocation,
			ConversionMS:   result.Elapsed.Milliseconds(),
		})
		if err != nil {
			return l.deferDelivery(ctx, logger, d, "record completion", err)
		}
		if !ok {
			return l.superseded(ctx, logger, d)
		}
		logger.Info("job completed",
			logging.String(logging.FieldEventType, "job_completed"),
			logging.String("output", result.OutputLocation),
			logging.Int64("conversion_ms", result.Elapsed.Milliseconds()),
		)
		return l.settle(ctx, d, OutcomeCompleted)
	}

	if services.Retryable(convErr) && attempt < l.maxAttempts {
		ok, err := l.ledger.ConditionalUpdate(ctx, job.ID, owned, ledger.Update{Status: ledger.StatusPending})
		if err != nil {
			return l.deferDelivery(ctx, logger, d, "record retry", err)
		}
		if !ok {
			return l.superseded(ctx, logger, d)
		}
		logging.WarnWithContext(logger, "attempt failed; requeued", "job_requeued",
			logging.Error(convErr),
			logging.ErrorKind(convErr),
			logging.Int("attempts_left", l.maxAttempts-attempt),
			logging.String(logging.FieldImpact, "job will be retried"),
		)
		return l.settle(ctx, d, OutcomeRequeued)
	}

	detail := services.PublicMessage(convErr)
	if services.Retryable(convErr) {
		detail = fmt.Sprintf("%s (gave up after %d attempts)", detail, attempt)
	}
	ok, err := l.ledger.ConditionalUpdate(ctx, job.ID, owned, ledger.Update{
		Status:      ledger.StatusFailed,
		ErrorDetail: truncate(detail, maxErrorDetail),
	})
	if err != nil {
		return l.deferDelivery(ctx, logger, d, "record failure", err)
	}
	if !ok {
		return l.superseded(ctx, logger, d)
	}
	logging.ErrorWithContext(logger, "job failed", "job_failed",
		logging.Error(convErr),
		logging.ErrorKind(convErr),
		logging.String(logging.FieldErrorHint, "inspect error_detail on the job"),
	)
	return l.settle(ctx, d, OutcomeFailed)
}

// exhaust fails a job whose attempt budget was spent by attempts that never
// reported back.
func (l *Loop) exhaust(ctx context.Context, logger *slog.Logger, d *broker.Delivery, job *ledger.Job) Outcome {
	ok, err := l.ledger.ConditionalUpdate(ctx, job.ID,
		ledger.Expect{Statuses: activeStatuses, Attempt: ledger.AtAttempt(job.AttemptCount)},
		ledger.Update{
			Status:      ledger.StatusFailed,
			ErrorDetail: fmt.Sprintf("retry budget exhausted after %d attempts", job.AttemptCount),
		},
	)
	if err != nil {
		return l.deferDelivery(ctx, logger, d, "record exhaustion", err)
	}
	if !ok {
		return l.settle(ctx, d, OutcomeDuplicate)
	}
	logging.ErrorWithContext(logger, "job failed: retry budget exhausted", "job_failed",
		logging.Attempt(job.AttemptCount),
		logging.String(logging.FieldErrorKind, "terminal"),
		logging.String(logging.FieldErrorHint, "earlier attempts died mid-transcode; check worker logs"),
	)
	return l.settle(ctx, d, OutcomeFailed)
}

func (l *Loop) superseded(ctx context.Context, logger *slog.Logger, d *broker.Delivery) Outcome {
	logging.WarnWithContext(logger, "attempt superseded before its result was recorded", "attempt_superseded",
		logging.String(logging.FieldErrorHint, "a newer attempt owns the job"),
		logging.String(logging.FieldImpact, "this attempt's result is discarded"),
	)
	return l.settle(ctx, d, OutcomeDuplicate)
}

func (l *Loop) deferDelivery(ctx context.Context, logger *slog.Logger, d *broker.Delivery, step string, err error) Outcome {
	logging.WarnWithContext(logger, "ledger unavailable; requeueing message", "ledger_unavailable",
		logging.String("step", step),
		logging.Error(err),
		logging.String(logging.FieldErrorKind, "transient_infra"),
		logging.String(logging.FieldErrorHint, "check ledger database health"),
		logging.String(logging.FieldImpact, "message will be redelivered"),
	)
	return l.settle(context.WithoutCancel(ctx), d, OutcomeDeferred)
}

// settle acks or nacks d to match outcome.
func (l *Loop) settle(ctx context.Context, d *broker.Delivery, outcome Outcome) Outcome {
	l.metrics.Settled(string(outcome))
	var err error
	switch outcome {
	case OutcomeRequeued, OutcomeDeferred:
		err = d.Nack(true)
	default:
		err = d.Ack()
	}
	if err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, l.logger), "failed to settle delivery", "settle_failed",
			logging.String("outcome", string(outcome)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check broker connectivity"),
			logging.String(logging.FieldImpact, "broker will redeliver the message"),
		)
	}
	return outcome
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
