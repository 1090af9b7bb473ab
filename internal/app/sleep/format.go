package sleep

import (
	"fmt"
	"time"
)

// Preset is a quick-pick sleep timer option.
type Preset struct {
	Label    string
	Duration time.Duration // zero means until the end of the current track
}

// UntilTrackEnd reports whether the preset anchors to the current track.
func (p Preset) UntilTrackEnd() bool {
	return p.Duration == 0
}

// Presets returns the standard quick-pick options in display order.
func Presets() []Preset {
	return []Preset{
		{Label: "10 min", Duration: 10 * time.Minute},
		{Label: "15 min", Duration: 15 * time.Minute},
		{Label: "30 min", Duration: 30 * time.Minute},
		{Label: "50 min", Duration: 50 * time.Minute},
		{Label: "1 hr", Duration: time.Hour},
		{Label: "End of current track"},
	}
}

// StatusText renders the state for display.
func (s State) StatusText() string {
	switch s.Mode {
	case ModeDuration:
		label := "--:--"
		if r, ok := s.RemainingValue(); ok {
			label = DurationLabel(r)
		}
		return fmt.Sprintf("Playback will stop in %s.", label)
	case ModeCurrentTrackEnd:
		r, ok := s.RemainingValue()
		if !ok {
			return "Playback will stop at the end of the current track."
		}
		return fmt.Sprintf("Playback will stop at track end (%s left).", DurationLabel(r))
	default:
		return "Sleep timer is off."
	}
}

// DurationLabel formats d as MM:SS, or HH:MM:SS from one hour on.
// Partial seconds are truncated.
func DurationLabel(d time.Duration) string {
	total := max(int64(d/time.Second), 0)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
