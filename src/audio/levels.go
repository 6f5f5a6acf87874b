package audio

import "time"

// ActivityThresholds parameterizes silence endpointing and barge-in
// detection. All values apply to average amplitudes of decoded 8kHz mu-law
// chunks (one provider chunk is 20ms of audio).
type ActivityThresholds struct {
	// SilenceThreshold is the amplitude below which a chunk counts as silence.
	SilenceThreshold float64

	// SilenceChunksToEndUtterance is the number of consecutive silent chunks
	// required to close an utterance.
	SilenceChunksToEndUtterance int

	// MinTotalChunks is the minimum buffered chunks before an utterance may
	// be finalized.
	MinTotalChunks int

	// MinActiveChunks is the minimum loud chunks required, so an utterance
	// never closes on pure silence.
	MinActiveChunks int

	// InterruptThreshold is the amplitude above which a chunk counts toward
	// barge-in detection while the assistant is speaking. Must stay above
	// SilenceThreshold.
	InterruptThreshold float64

	// InterruptChunkCount is the number of consecutive loud chunks during
	// playback required to declare barge-in.
	InterruptChunkCount int

	// InterruptCooldown is the minimum wall-clock time between two barge-in
	// declarations, preventing oscillation on a noisy line.
	InterruptCooldown time.Duration

	// PlaybackGrace suppresses barge-in detection right after playback
	// starts, where echo and line noise cause false positives.
	PlaybackGrace time.Duration
}

// DefaultActivityThresholds returns the production tuning for 8kHz
// telephony audio.
func DefaultActivityThresholds() ActivityThresholds {
	return ActivityThresholds{
		SilenceThreshold:            500,
		SilenceChunksToEndUtterance: 50,
		MinTotalChunks:              40,
		MinActiveChunks:             10,
		InterruptThreshold:          1500,
		InterruptChunkCount:         5,
		InterruptCooldown:           time.Second,
		PlaybackGrace:               time.Second,
	}
}

// Valid reports whether the thresholds preserve the required ordering
// between the silence and interrupt amplitudes.
func (t ActivityThresholds) Valid() bool {
	return t.InterruptThreshold > t.SilenceThreshold &&
		t.SilenceChunksToEndUtterance > 0 &&
		t.InterruptChunkCount > 0
}
