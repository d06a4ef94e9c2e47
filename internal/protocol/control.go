package protocol

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

// Control tokens exchanged as plain text on the telemetry socket
const (
	ControlRegister   = "REGISTER"
	ControlRegistered = "REGISTERED"
	ControlOK         = "OK"
	ControlPing       = "PING"
	ControlPong       = "PONG"
	ControlAuthFailed = "AUTH_FAILED"
	ControlAuthError  = "AUTH_ERROR"
)

// Prefixes a client treats as control replies rather than telemetry.
// REGISTER also covers REGISTERED.
var replyPrefixes = [][]byte{
	[]byte(ControlRegister),
	[]byte(ControlOK),
	[]byte(ControlPong),
}

// IsControlMessage reports whether data is a text control reply. It must be
// checked before binary decoding: a datagram that is valid UTF-8 and starts
// with a reply token is control traffic regardless of its remaining bytes.
func IsControlMessage(data []byte) bool {
	if len(data) == 0 || !utf8.Valid(data) {
		return false
	}
	for _, prefix := range replyPrefixes {
		if bytes.HasPrefix(data, prefix) {
			return true
		}
	}
	return false
}

// ControlMessage is a parsed text control datagram.
type ControlMessage struct {
	Command    string // REGISTER, REGISTERED, OK, PING, PONG, AUTH_FAILED, AUTH_ERROR
	ClientType string // REGISTER only
	Secret     string // REGISTER only
	ClientID   string // REGISTERED only
}

// ParseControl parses a control datagram. The second result is false when
// data is not a recognized control message.
func ParseControl(data []byte) (ControlMessage, bool) {
	if len(data) == 0 || !utf8.Valid(data) {
		return ControlMessage{}, false
	}
	text := strings.TrimRight(string(data), "\r\n")

	switch {
	case strings.HasPrefix(text, ControlRegistered+":"):
		return ControlMessage{
			Command:  ControlRegistered,
			ClientID: strings.TrimPrefix(text, ControlRegistered+":"),
		}, true
	case strings.HasPrefix(text, ControlRegister+":"):
		// REGISTER:<client_type>:<secret>; the secret may itself contain ':'
		parts := strings.SplitN(text, ":", 3)
		if len(parts) != 3 {
			return ControlMessage{}, false
		}
		return ControlMessage{
			Command:    ControlRegister,
			ClientType: parts[1],
			Secret:     parts[2],
		}, true
	case text == ControlRegister:
		return ControlMessage{Command: ControlRegister}, true
	}

	for _, cmd := range []string{ControlOK, ControlPing, ControlPong, ControlAuthFailed, ControlAuthError} {
		if strings.HasPrefix(text, cmd) {
			return ControlMessage{Command: cmd}, true
		}
	}
	return ControlMessage{}, false
}

// RegisterMessage builds the handshake a client sends on connect.
func RegisterMessage(clientType, secret string) []byte {
	return []byte(ControlRegister + ":" + clientType + ":" + secret)
}

// RegisteredMessage builds the server's acknowledgement.
func RegisteredMessage(clientID string) []byte {
	return []byte(ControlRegistered + ":" + clientID)
}
