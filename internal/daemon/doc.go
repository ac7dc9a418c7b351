// Package daemon hosts one vidqueue worker process.
//
// It wires the consumer loop, the health reporter and its probe server, and
// the optional enqueue reconciler into a single lifecycle guarded by a flock
// on the scratch directory, so two workers never share transcode scratch
// space. Redis-backed brokers get their orphaned in-flight messages restored
// before consumption starts.
//
// Keep job semantics in internal/worker; the daemon only starts, stops, and
// reports on the pieces.
package daemon
