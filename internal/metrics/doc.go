// Package metrics holds the process-wide Prometheus counters for the
// messaging core, registered via promauto and exposed by the gateway's
// /metrics endpoint.
package metrics
