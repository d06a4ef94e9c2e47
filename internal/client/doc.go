// Package client implements the reconnecting telemetry client. It registers
// with the daemon over UDP and publishes decoded updates to subscribers.
package client
