// Package audio holds the sample plumbing between the capture device and
// the rest of the daemon: downmixing, the sample queue, spectrum analysis
// and WAV encoding. Device access lives in the capture subpackage.
package audio
