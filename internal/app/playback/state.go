// Package playback provides the playback state model and the latest-value
// playback state stream.
package playback

import "time"

// TimeUnset marks a position or duration the engine does not know yet.
const TimeUnset time.Duration = -1 << 63

// PlayingStatus represents the engine's playback status.
type PlayingStatus int

const (
	StatusIdle      PlayingStatus = iota // Nothing prepared
	StatusBuffering                      // Prepared, waiting for data
	StatusPlaying                        // Playing
	StatusPaused                         // Paused by request
	StatusEnded                          // Reached the end of the playlist
)

// String returns the string representation of the status.
func (s PlayingStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusBuffering:
		return "buffering"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// ParsePlayingStatus is the inverse of PlayingStatus.String.
func ParsePlayingStatus(s string) PlayingStatus {
	switch s {
	case "buffering":
		return StatusBuffering
	case "playing":
		return StatusPlaying
	case "paused":
		return StatusPaused
	case "ended":
		return StatusEnded
	default:
		return StatusIdle
	}
}

// RepeatMode defines the repeat behavior.
type RepeatMode int

const (
	RepeatOff RepeatMode = iota
	RepeatOne
	RepeatAll
)

// String returns the repeat mode name.
func (m RepeatMode) String() string {
	switch m {
	case RepeatOff:
		return "off"
	case RepeatOne:
		return "one"
	case RepeatAll:
		return "all"
	default:
		return "unknown"
	}
}

// ParseRepeatMode is the inverse of RepeatMode.String.
func ParseRepeatMode(s string) RepeatMode {
	switch s {
	case "one":
		return RepeatOne
	case "all":
		return RepeatAll
	default:
		return RepeatOff
	}
}

// Snapshot is an immutable view of playback state at a point in time.
type Snapshot struct {
	MediaID    string        // Current media, empty when nothing is loaded
	Index      int           // Index of MediaID in the engine playlist (-1 if none)
	Position   time.Duration // TimeUnset when unknown
	Duration   time.Duration // TimeUnset when unknown
	Status     PlayingStatus
	Volume     float32 // 0.0 to 1.0
	Muted      bool
	Speed      float32
	RepeatMode RepeatMode
	Shuffle    bool
}

// EmptySnapshot returns the snapshot of an engine with nothing loaded.
func EmptySnapshot() Snapshot {
	return Snapshot{
		Index:    -1,
		Position: TimeUnset,
		Duration: TimeUnset,
		Status:   StatusIdle,
		Volume:   1,
		Speed:    1,
	}
}

// HasMedia reports whether a media item is loaded.
func (s Snapshot) HasMedia() bool {
	return s.MediaID != ""
}

// Remaining returns the time left in the current media.
// It reports false when either side is unknown or out of range.
func (s Snapshot) Remaining() (time.Duration, bool) {
	if s.Duration == TimeUnset || s.Duration <= 0 {
		return 0, false
	}
	if s.Position == TimeUnset || s.Position < 0 {
		return 0, false
	}
	return max(0, s.Duration-s.Position), true
}
