// Package transcription provides the HTTP client that sends finished
// recordings to an external speech-to-text API.
package transcription
