// Package server implements the UDP telemetry streamer and the HTTP status API.
// The streamer authenticates clients with the shared-secret handshake and
// fans telemetry packets out to every registered address.
package server
