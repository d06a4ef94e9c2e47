// Package meter turns telemetry datagrams into display updates on the
// client side: a rate-limited decoder plus the perceptual dB curve used by
// level meters.
package meter
