package meter

import "math"

// Display curve constants
const (
	FloorDB = -60.0 // silence on the display
	CeilDB  = 0.0   // full scale

	// Speech indicator thresholds for the two payload paths. These only
	// drive the UI flag; recording control belongs to the server detector.
	BandEnergySpeechThreshold = 1e-4
	SampleRMSSpeechThreshold  = 0.01

	// SampleRMSScale brings sample RMS onto the band energy scale before the
	// display curve is applied.
	SampleRMSScale = 0.1
)

// RawLevelToDB converts a raw intensity to decibels via 20*log10(raw*10),
// clamped to [FloorDB, CeilDB]. Non-positive and NaN input map to the floor.
func RawLevelToDB(raw float32) float32 {
	if !(raw > 0) {
		return FloorDB
	}
	db := 20 * math.Log10(float64(raw)*10)
	return float32(math.Max(FloorDB, math.Min(CeilDB, db)))
}

// DBToDisplay rescales [FloorDB, CeilDB] linearly onto [0, 1]
func DBToDisplay(db float32) float32 {
	frac := (db - FloorDB) / (CeilDB - FloorDB)
	return min(max(frac, 0), 1)
}

// RawLevelToDisplay applies the full perceptual mapping
func RawLevelToDisplay(raw float32) float32 {
	return DBToDisplay(RawLevelToDB(raw))
}
