// Package ledger persists video conversion jobs in SQLite and is the system of
// record for their lifecycle.
//
// The Store manages the database connection, schema initialization, listing
// and count queries, and heartbeat tracking. After creation every mutation goes
// through ConditionalUpdate, which applies a write only when the row still has
// the expected status (and, optionally, attempt count). Concurrent workers
// racing for the same job therefore resolve to exactly one winner, and a
// worker whose attempt was superseded can never overwrite newer state.
//
// The output location is populated if and only if a job is completed. Update
// validation rejects violating writes and a CHECK constraint in schema.sql
// backs it up.
//
// Schema changes bump the version in schema.go; operators move or delete the
// database to adopt the new schema.
package ledger
