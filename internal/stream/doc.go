// Package stream runs the capture loop. Each Session owns one VAD engine
// and one sample queue; the Manager starts sessions back to back on a
// single audio source, hands finished recordings to the transcriber and
// keeps a short history for the status API.
package stream
