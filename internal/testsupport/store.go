package testsupport

import (
	"context"
	"testing"

	"vidqueue/internal/config"
	"vidqueue/internal/ledger"
)

// MustOpenLedger opens a ledger.Store for tests and registers cleanup.
func MustOpenLedger(t testing.TB, cfg *config.Config) *ledger.Store {
	t.Helper()

	store, err := ledger.Open(cfg)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewPendingJob inserts a pending job for tests.
func NewPendingJob(t testing.TB, store *ledger.Store, format string) *ledger.Job {
	t.Helper()

	job, err := store.Create(context.Background(), ledger.NewJob{
		Status:          ledger.StatusPending,
		InputLocation:   "uploads/sample.mp4",
		ContentType:     "video/mp4",
		RequestedFormat: format,
	})
	if err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	return job
}
