// Package auth manages the shared secret that telemetry clients present in
// their REGISTER handshake. The secret lives in a user-private runtime file
// so only processes of the same user can read it.
package auth
