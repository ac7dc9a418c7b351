// Package publisher moves pending jobs onto the broker.
//
// Enqueue runs after the ledger already holds the job as pending, so a crash
// between the two steps leaves a job that is durable but not queued. The
// Reconciler closes that gap by republishing pending jobs that never got an
// enqueue record. Consumers treat the resulting duplicates as no-ops.
package publisher
