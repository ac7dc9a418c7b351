// Package worker implements the queue consumer loop.
//
// Each worker process runs one Loop that takes a single delivery at a time,
// reads the job from the ledger, claims it with a conditional update to
// processing (incrementing attempt_count), runs the transcode, and records
// the result before acknowledging:
//
//   - completed jobs and lost claims are duplicates: ack
//   - undecodable messages, unknown jobs, and exhausted failed jobs are poison: ack
//   - recoverable failures with attempts left go back to pending: nack with requeue
//   - terminal failures or the last attempt go to failed: ack
//   - ledger errors or shutdown write nothing: nack with requeue
//
// Every result write is conditional on processing plus the attempt number
// that claimed the job, so a superseded attempt can never overwrite a newer
// one. The loop has no dependency on the health reporter: a worker that
// reports itself not ready keeps consuming.
package worker
