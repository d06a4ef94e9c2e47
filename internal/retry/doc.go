// Package retry computes jittered exponential reconnect delays. The policy
// never gives up; cancelling the context passed to Wait is the only way to
// stop a retry loop.
package retry
