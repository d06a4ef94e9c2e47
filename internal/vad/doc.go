// Package vad implements the adaptive voice activity detector that drives
// the recording lifecycle.
//
// The detector keeps percentile estimates of the background (quiet) and
// speaking (active) RMS levels and places its threshold between them, so it
// follows changes in microphone gain and room noise without a fixed cutoff.
// A short majority window smooths the per-chunk decisions, and the engine
// reports recording-start and stop-requested edges to its caller.
package vad
