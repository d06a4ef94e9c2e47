// Package protocol implements the telemetry wire format: the 11-byte packet
// envelope, the per-kind payload encodings and the plain-text control
// messages that share the same UDP socket.
package protocol
