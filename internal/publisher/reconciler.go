package publisher

import (
	"context"
	"log/slog"
	"time"

	"vidqueue/internal/ledger"
	"vidqueue/internal/logging"
)

const defaultSweepBatch = 100

// SweepLedger is what the reconciliation sweep reads from and writes to the
// ledger.
type SweepLedger interface {
	Get(ctx context.Context, id string) (*ledger.Job, error)
	Unenqueued(ctx context.Context, olderThan time.Time, limit int) ([]*ledger.Job, error)
	Stale(ctx context.Context, heartbeatBefore time.Time, limit int) ([]*ledger.Job, error)
	ConditionalUpdate(ctx context.Context, id string, expect ledger.Expect, upd ledger.Update) (bool, error)
}

// Recoverer returns in-flight messages held by dead consumers to the queue.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Reconciler repairs the two ways a job can lose its message: a publisher
// that crashed or gave up after the ledger write, and a worker that died
// holding the message on a broker with no redelivery of its own.
type Reconciler struct {
	ledger     SweepLedger
	publisher  *Publisher
	recoverer  Recoverer
	grace      time.Duration
	staleAfter time.Duration
	batch      int
	logger     *slog.Logger
	now        func() time.Time
}

// ReconcilerOption customizes a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithStaleAfter enables reclaiming processing jobs whose heartbeat is older
// than d. Zero disables reclaim.
func WithStaleAfter(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.staleAfter = d
	}
}

// WithRecoverer runs broker-side recovery at the start of every sweep.
func WithRecoverer(rec Recoverer) ReconcilerOption {
	return func(r *Reconciler) {
		r.recoverer = rec
	}
}

// NewReconciler constructs a sweep. Jobs younger than grace are left alone so
// an in-flight Enqueue is not raced.
func NewReconciler(store SweepLedger, pub *Publisher, grace time.Duration, logger *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		ledger:    store,
		publisher: pub,
		grace:     grace,
		batch:     defaultSweepBatch,
		logger:    logging.NewComponentLogger(logger, "reconciler"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweep recovers orphaned broker messages, reclaims stale attempts, and
// republishes stranded pending jobs. It reports how many jobs were enqueued.
// Publish failures are logged and left for the next sweep.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	if r.recoverer != nil {
		if _, err := r.recoverer.Recover(ctx); err != nil {
			logging.WarnWithContext(r.logger, "broker recovery failed", "reconcile_recover_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check broker connectivity"),
				logging.String(logging.FieldImpact, "stale-heartbeat reclaim still covers the affected jobs"),
			)
		}
	}

	reclaimed, err := r.reclaim(ctx)
	if err != nil {
		return reclaimed, err
	}

	jobs, err := r.ledger.Unenqueued(ctx, r.now().Add(-r.grace), r.batch)
	if err != nil {
		return reclaimed, err
	}
	enqueued := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return reclaimed + enqueued, ctx.Err()
		}
		if r.republish(ctx, job) {
			enqueued++
		}
	}
	if len(jobs) > 0 {
		r.logger.Info("reconciliation sweep finished",
			logging.Int("stranded", len(jobs)),
			logging.Int("enqueued", enqueued),
			logging.Int("reclaimed", reclaimed),
			logging.String(logging.FieldEventType, "reconcile_sweep"),
		)
	}
	return reclaimed + enqueued, nil
}

// reclaim returns processing jobs with a lapsed heartbeat to pending and
// republishes them. The attempt count is kept, so the next consumer spends a
// new attempt and the retry budget still bounds the job.
func (r *Reconciler) reclaim(ctx context.Context) (int, error) {
	if r.staleAfter <= 0 {
		return 0, nil
	}
	stale, err := r.ledger.Stale(ctx, r.now().Add(-r.staleAfter), r.batch)
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, job := range stale {
		if ctx.Err() != nil {
			return reclaimed, ctx.Err()
		}
		ok, err := r.ledger.ConditionalUpdate(ctx, job.ID,
			ledger.Expect{Statuses: []ledger.Status{ledger.StatusProcessing}, Attempt: ledger.AtAttempt(job.AttemptCount)},
			ledger.Update{Status: ledger.StatusPending, ClearEnqueued: true},
		)
		if err != nil {
			return reclaimed, err
		}
		if !ok {
			// The attempt reported back or another sweep got there first.
			continue
		}
		logging.WarnWithContext(r.logger, "reclaimed job from a silent worker", "job_reclaimed",
			logging.JobID(job.ID),
			logging.Attempt(job.AttemptCount),
			logging.String("last_heartbeat", formatHeartbeat(job.LastHeartbeat)),
			logging.String(logging.FieldErrorHint, "the owning worker stopped heartbeating; check its logs"),
			logging.String(logging.FieldImpact, "job is retried by another worker"),
		)
		current, err := r.ledger.Get(ctx, job.ID)
		if err != nil {
			return reclaimed, err
		}
		if current == nil || current.Status != ledger.StatusPending {
			continue
		}
		if r.republish(ctx, current) {
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (r *Reconciler) republish(ctx context.Context, job *ledger.Job) bool {
	if err := r.publisher.Enqueue(ctx, job); err != nil {
		logging.WarnWithContext(r.logger, "republish failed", "reconcile_publish_failed",
			logging.JobID(job.ID),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check broker connectivity"),
			logging.String(logging.FieldImpact, "job stays pending until the next sweep"),
		)
		return false
	}
	return true
}

func formatHeartbeat(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			logging.WarnWithContext(r.logger, "reconciliation sweep failed", "reconcile_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check ledger database health"),
				logging.String(logging.FieldImpact, "stranded jobs wait for the next sweep"),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
