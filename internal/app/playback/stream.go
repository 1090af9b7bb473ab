package playback

import (
	"context"

	"github.com/moonggae/kmedia/internal/app/broadcast"
)

// Stream is the latest-value playback state stream.
// Engine watchers publish into it; any number of observers read from it.
type Stream struct {
	value *broadcast.Value[Snapshot]
}

// NewStream creates a stream holding an empty snapshot.
func NewStream() *Stream {
	return &Stream{value: broadcast.New(EmptySnapshot())}
}

// Load returns the latest snapshot.
func (s *Stream) Load() Snapshot {
	return s.value.Load()
}

// Publish replaces the latest snapshot.
func (s *Stream) Publish(snap Snapshot) {
	s.value.Store(snap)
}

// Subscribe returns a latest-value channel of snapshots, closed when ctx is done.
func (s *Stream) Subscribe(ctx context.Context) <-chan Snapshot {
	return s.value.Subscribe(ctx)
}
