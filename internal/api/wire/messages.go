package wire

import (
	"time"

	"github.com/moonggae/kmedia/internal/app/playback"
	"github.com/moonggae/kmedia/internal/domain/media"
)

// Command ops understood by both services.
const (
	OpPlay        = "play"
	OpPause       = "pause"
	OpStop        = "stop"
	OpSeek        = "seek"
	OpPrevious    = "previous"
	OpNext        = "next"
	OpSkipTo      = "skip_to"
	OpSetRepeat   = "set_repeat"
	OpSetShuffle  = "set_shuffle"
	OpSetSpeed    = "set_speed"
	OpSetVolume   = "set_volume"
	OpMoveItem    = "move_item"
	OpReplaceItem = "replace_item"
)

// Engine-only ops.
const (
	OpSetMuted   = "set_muted"
	OpSetItems   = "set_items"
	OpPrepare    = "prepare"
	OpAddItems   = "add_items"
	OpRemoveItem = "remove_item"
)

// Control-only ops.
const (
	OpPlayItems   = "play_items"
	OpPrepareList = "prepare_list"
	OpAppendItems = "append_items"
	OpRemoveItems = "remove_items"
	OpRelease     = "release"
	OpRecreate    = "recreate"
)

// Command is one control operation with its arguments.
type Command struct {
	Op         string   `json:"op"`
	PositionMS int64    `json:"position_ms,omitempty"`
	Index      int      `json:"index,omitempty"`
	From       int      `json:"from,omitempty"`
	To         int      `json:"to,omitempty"`
	Mode       string   `json:"mode,omitempty"`
	Enabled    bool     `json:"enabled,omitempty"`
	Speed      float32  `json:"speed,omitempty"`
	Level      float32  `json:"level,omitempty"`
	Flags      int      `json:"flags,omitempty"`
	Items      []Item   `json:"items,omitempty"`
	Item       *Item    `json:"item,omitempty"`
	IDs        []string `json:"ids,omitempty"`
}

// Item is a media item.
type Item struct {
	ID         string `json:"id"`
	Title      string `json:"title,omitempty"`
	Artist     string `json:"artist,omitempty"`
	URI        string `json:"uri,omitempty"`
	CoverURL   string `json:"cover_url,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// Items is a playlist.
type Items struct {
	Items []Item `json:"items"`
}

// SessionInfo identifies an engine session.
type SessionInfo struct {
	SessionID string `json:"session_id"`
	Engine    string `json:"engine,omitempty"`
}

// State is a playback snapshot. Unknown position and duration are omitted.
type State struct {
	MediaID    string  `json:"media_id,omitempty"`
	Index      int     `json:"index"`
	PositionMS *int64  `json:"position_ms,omitempty"`
	DurationMS *int64  `json:"duration_ms,omitempty"`
	Status     string  `json:"status"`
	Volume     float32 `json:"volume"`
	Muted      bool    `json:"muted,omitempty"`
	Speed      float32 `json:"speed"`
	Repeat     string  `json:"repeat"`
	Shuffle    bool    `json:"shuffle,omitempty"`
}

// SleepStart requests a duration sleep timer.
type SleepStart struct {
	DurationMS int64 `json:"duration_ms"`
}

// SleepState is the sleep timer state with its display text.
type SleepState struct {
	Mode          string `json:"mode"`
	DurationMS    int64  `json:"duration_ms,omitempty"`
	RemainingMS   *int64 `json:"remaining_ms,omitempty"`
	TargetMediaID string `json:"target_media_id,omitempty"`
	Text          string `json:"text"`
}

// CacheEnabled toggles caching.
type CacheEnabled struct {
	Enabled bool `json:"enabled"`
}

// CacheMaxSize sets the cache size limit.
type CacheMaxSize struct {
	MaxSizeMB int `json:"max_size_mb"`
}

// Precache requests a download into the cache.
type Precache struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

// CacheKeys names cache entries.
type CacheKeys struct {
	Keys []string `json:"keys"`
}

// CacheStatusFilter selects one item, or all when ItemID is empty.
type CacheStatusFilter struct {
	ItemID string `json:"item_id,omitempty"`
}

// CacheStatus is one cache status transition.
type CacheStatus struct {
	SequenceNo uint64 `json:"sequence_no"`
	ItemID     string `json:"item_id"`
	Status     string `json:"status"`
}

// CacheUsage reports the cache size.
type CacheUsage struct {
	UsedBytes int64 `json:"used_bytes"`
}

// FromMedia converts domain items.
func FromMedia(items []media.Media) []Item {
	out := make([]Item, 0, len(items))
	for _, m := range items {
		out = append(out, FromMediaItem(m))
	}
	return out
}

// FromMediaItem converts one domain item.
func FromMediaItem(m media.Media) Item {
	return Item{
		ID:         m.ID,
		Title:      m.Title,
		Artist:     m.Artist,
		URI:        m.URI,
		CoverURL:   m.CoverURL,
		DurationMS: m.Duration.Milliseconds(),
	}
}

// ToMedia converts wire items.
func ToMedia(items []Item) []media.Media {
	out := make([]media.Media, 0, len(items))
	for _, it := range items {
		out = append(out, it.Media())
	}
	return out
}

// Media converts the item to its domain form.
func (it Item) Media() media.Media {
	return media.Media{
		ID:       it.ID,
		Title:    it.Title,
		Artist:   it.Artist,
		URI:      it.URI,
		CoverURL: it.CoverURL,
		Duration: time.Duration(it.DurationMS) * time.Millisecond,
	}
}

// FromSnapshot converts a playback snapshot.
func FromSnapshot(s playback.Snapshot) State {
	return State{
		MediaID:    s.MediaID,
		Index:      s.Index,
		PositionMS: Millis(s.Position),
		DurationMS: Millis(s.Duration),
		Status:     s.Status.String(),
		Volume:     s.Volume,
		Muted:      s.Muted,
		Speed:      s.Speed,
		Repeat:     s.RepeatMode.String(),
		Shuffle:    s.Shuffle,
	}
}

// Snapshot converts the state to a playback snapshot.
func (st State) Snapshot() playback.Snapshot {
	return playback.Snapshot{
		MediaID:    st.MediaID,
		Index:      st.Index,
		Position:   FromMillis(st.PositionMS),
		Duration:   FromMillis(st.DurationMS),
		Status:     playback.ParsePlayingStatus(st.Status),
		Volume:     st.Volume,
		Muted:      st.Muted,
		Speed:      st.Speed,
		RepeatMode: playback.ParseRepeatMode(st.Repeat),
		Shuffle:    st.Shuffle,
	}
}

// Millis converts d to milliseconds, nil for playback.TimeUnset.
func Millis(d time.Duration) *int64 {
	if d == playback.TimeUnset {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}

// FromMillis is the inverse of Millis.
func FromMillis(ms *int64) time.Duration {
	if ms == nil {
		return playback.TimeUnset
	}
	return time.Duration(*ms) * time.Millisecond
}
