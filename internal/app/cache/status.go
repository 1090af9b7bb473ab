// Package cache relays media cache lifecycle to observers and runs precache
// work against the cache store.
package cache

import "github.com/moonggae/kmedia/internal/app/notification"

// Status is the cache state of one media item.
type Status int

const (
	StatusNone    Status = iota // Not cached
	StatusQueued                // Waiting for a worker
	StatusCaching               // Download in progress
	StatusCached                // Fully cached
	StatusFailed                // Last attempt failed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusQueued:
		return "queued"
	case StatusCaching:
		return "caching"
	case StatusCached:
		return "cached"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) Status {
	switch s {
	case "queued":
		return StatusQueued
	case "caching":
		return StatusCaching
	case "cached":
		return StatusCached
	case "failed":
		return StatusFailed
	default:
		return StatusNone
	}
}

// Event is one (item, status) transition.
type Event struct {
	ItemID string
	Status Status
}

// StatusEvent is an Event with its delivery sequence number.
type StatusEvent = notification.Envelope[Event]
