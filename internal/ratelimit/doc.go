// Package ratelimit provides the token bucket that guards the telemetry
// receive loop against packet floods.
package ratelimit
