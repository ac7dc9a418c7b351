// Package main hosts the vidqueue binary.
//
// One executable serves every role: `vidqueue api` runs a stateless HTTP
// replica, `vidqueue worker` runs a consumer loop with its health probes,
// and the remaining subcommands inspect the job ledger, run a one-off
// reconcile sweep, check dependencies, or scaffold configuration.
//
// Wiring lives here; behavior lives in the internal packages.
package main
