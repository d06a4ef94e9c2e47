// Package capture opens live input devices through PortAudio and delivers
// downmixed mono chunks to an audio.Handler. It is the only package in the
// module that needs cgo.
package capture
