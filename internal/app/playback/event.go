package playback

// EventType represents a change between two snapshots.
type EventType int

const (
	EventMediaChanged  EventType = iota // Current media changed
	EventStatusChanged                  // Playing status changed
	EventSeeked                         // Position moved backwards or jumped
	EventVolumeChanged                  // Volume or mute changed
	EventModeChanged                    // Repeat, shuffle or speed changed
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventMediaChanged:
		return "media_changed"
	case EventStatusChanged:
		return "status_changed"
	case EventSeeked:
		return "seeked"
	case EventVolumeChanged:
		return "volume_changed"
	case EventModeChanged:
		return "mode_changed"
	default:
		return "unknown"
	}
}

// Diff lists the events that lead from prev to cur.
func Diff(prev, cur Snapshot) []EventType {
	var events []EventType

	if prev.MediaID != cur.MediaID {
		events = append(events, EventMediaChanged)
	}
	if prev.Status != cur.Status {
		events = append(events, EventStatusChanged)
	}
	if prev.MediaID == cur.MediaID && prev.Position != TimeUnset && cur.Position != TimeUnset &&
		cur.Position < prev.Position {
		events = append(events, EventSeeked)
	}
	if prev.Volume != cur.Volume || prev.Muted != cur.Muted {
		events = append(events, EventVolumeChanged)
	}
	if prev.RepeatMode != cur.RepeatMode || prev.Shuffle != cur.Shuffle || prev.Speed != cur.Speed {
		events = append(events, EventModeChanged)
	}

	return events
}
