// Package media provides the Media domain entity.
package media

import (
	"net/url"
	"strings"
	"time"
)

// Media represents a playable item handed to the playback engine.
type Media struct {
	ID       string        // Stable identifier, also used as the cache key
	Title    string        // Track title
	Artist   string        // Artist name
	URI      string        // Playback location (file path or http(s) URL)
	CoverURL string        // Artwork location
	Duration time.Duration // Known duration (zero if unknown)
}

// IsNetworkSource reports whether the media is streamed over http(s).
func (m *Media) IsNetworkSource() bool {
	u, err := url.Parse(m.URI)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

// IndexOf returns the index of the first item with the given ID, or -1.
func IndexOf(items []Media, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

// IDs returns the identifiers of the given items in order.
func IDs(items []Media) []string {
	ids := make([]string, 0, len(items))
	for _, m := range items {
		ids = append(ids, m.ID)
	}
	return ids
}
