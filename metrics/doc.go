// Package metrics exports event bus and broker connection metrics to
// Prometheus.
package metrics
