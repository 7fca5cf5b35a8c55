package uplink

import "time"

// DefaultIdleThreshold is the quiet period after which accumulated frames
// are treated as one complete message.
const DefaultIdleThreshold = 4 * time.Second

// CompletionDetector infers message completion from link silence.
//
// Frames carry no length prefix or end marker at this layer, so completion
// is a heuristic: a slow sender that pauses longer than the threshold in the
// middle of a message gets split into two messages.
type CompletionDetector struct {
	Threshold time.Duration
}

// Complete reports whether buf holds a complete message at time now.
func (d CompletionDetector) Complete(buf *ReassemblyBuffer, now time.Time) bool {
	if buf.MeaningfulLength() == 0 {
		return false
	}
	threshold := d.Threshold
	if threshold <= 0 {
		threshold = DefaultIdleThreshold
	}
	return buf.IdleSeconds(now) > int64(threshold/time.Second)
}
