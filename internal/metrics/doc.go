// Package metrics defines the Prometheus series the API replica and worker
// processes export on /metrics. Every recorder method is safe on a nil
// receiver, so components run unchanged when metrics are not wired.
package metrics
