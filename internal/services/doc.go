// Package services defines shared utilities consumed by the API, the worker
// loop, and the transcode invoker.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, loop stages, worker IDs, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper, which let the worker
//     decide between requeue and failure and let the API pick a status code.
//
// Use these helpers when wiring new components so error handling and
// observability stay uniform across processes.
package services
