// Package sleep implements the sleep timer: a single-owner countdown that
// fades out and pauses playback either after a fixed duration or when the
// current track ends.
package sleep

import (
	"time"
)

// Mode is the sleep timer mode.
type Mode int

const (
	ModeOff             Mode = iota // No timer
	ModeDuration                    // Fixed countdown
	ModeCurrentTrackEnd             // Bounded by the current track
)

// String returns the mode name used in logs, metrics and the wire format.
func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeDuration:
		return "duration"
	case ModeCurrentTrackEnd:
		return "track_end"
	default:
		return "unknown"
	}
}

// ParseMode is the inverse of Mode.String. Unknown names map to ModeOff.
func ParseMode(s string) Mode {
	switch s {
	case "duration":
		return ModeDuration
	case "track_end":
		return ModeCurrentTrackEnd
	default:
		return ModeOff
	}
}

// State is the published sleep timer state.
// A zero State is the Off state with every field cleared.
type State struct {
	Mode Mode
	// Duration is the requested duration. Only set in ModeDuration.
	Duration time.Duration
	// Remaining is nil when it cannot be computed.
	Remaining *time.Duration
	// TargetMediaID is the track the timer is anchored to. Only set in
	// ModeCurrentTrackEnd.
	TargetMediaID string

	generation uint64 // owner task; 0 when Off
}

// Active reports whether a timer is running.
func (s State) Active() bool {
	return s.Mode != ModeOff
}

// RemainingValue returns the remaining time and whether it is known.
func (s State) RemainingValue() (time.Duration, bool) {
	if s.Remaining == nil {
		return 0, false
	}
	return *s.Remaining, true
}

func durationPtr(d time.Duration) *time.Duration {
	return &d
}
