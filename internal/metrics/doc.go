// Package metrics defines the Prometheus metrics exported by the telemetry
// daemon and client.
package metrics
