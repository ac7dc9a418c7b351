// Package api serves the client-facing HTTP surface of vidqueue: upload
// tickets, job submission, status polling, download links, queue stats, and
// dependency health.
//
// Handlers are thin: request bodies are bound with gin, the work is done by an
// upload.Coordinator, and errors are mapped to status codes through the
// services marker errors. Every route runs behind request-id, access-log,
// optional bearer-token, and optional Redis rate-limit middleware.
//
// DTOs use snake_case JSON tags matching the ledger column names. Timestamps
// use RFC3339 with milliseconds in UTC.
package api
