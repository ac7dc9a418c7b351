// Package health reports whether a worker host has headroom for more work.
//
// A Reporter samples CPU and memory utilization on an interval and caches the
// result; a Server exposes it as liveness (/health) and readiness (/ready)
// endpoints for the orchestrator. Readiness is advisory only: nothing in the
// consumer loop consults it.
package health
