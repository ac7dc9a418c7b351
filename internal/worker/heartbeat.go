package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"vidqueue/internal/logging"
)

// heartbeatLoop refreshes the job's heartbeat until ctx is cancelled. A
// refused heartbeat means a newer attempt owns the job; the running
// transcode is left alone and its result write will be rejected.
func (l *Loop) heartbeatLoop(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger, jobID string, attempt int) {
	defer wg.Done()
	ticker := time.NewTicker(l.heartbeatInterval)
	defer ticker.Stop()

	superseded := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := l.ledger.Heartbeat(ctx, jobID, attempt)
			switch {
			case err != nil:
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.Warn("heartbeat update failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "heartbeat_failed"),
					logging.String(logging.FieldErrorHint, "check ledger database health"),
					logging.String(logging.FieldImpact, "job liveness is not visible to operators"),
				)
			case !ok && !superseded:
				superseded = true
				logger.Warn("heartbeat rejected; attempt no longer owns the job",
					logging.String(logging.FieldEventType, "heartbeat_rejected"),
					logging.String(logging.FieldErrorHint, "another worker retried this job"),
					logging.String(logging.FieldImpact, "this attempt's result will be discarded"),
				)
			}
		}
	}
}
