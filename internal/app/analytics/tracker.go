// Package analytics reports how long each track was played.
package analytics

import (
	"context"
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/moonggae/kmedia/internal/app/playback"
	"github.com/moonggae/kmedia/internal/infra/metrics"
)

// Report describes one finished track.
type Report struct {
	MediaID  string
	Played   time.Duration // Total time spent in the playing state
	Duration time.Duration // Track duration, playback.TimeUnset if never known
}

// Listener receives a report whenever playback moves off a track.
type Listener interface {
	OnPlaybackCompleted(Report)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Report)

// OnPlaybackCompleted calls f.
func (f ListenerFunc) OnPlaybackCompleted(r Report) { f(r) }

// LogListener logs reports.
var LogListener = ListenerFunc(func(r Report) {
	zlog.Info().Msgf("analytics: %s played %v of %v", r.MediaID, r.Played.Round(time.Second), durationText(r.Duration))
})

func durationText(d time.Duration) string {
	if d == playback.TimeUnset {
		return "unknown"
	}
	return d.Round(time.Second).String()
}

// session accumulates play time for one track. A new session replaces the
// old one on every track change.
type session struct {
	mediaID      string
	duration     time.Duration
	played       time.Duration
	playingSince time.Time
}

func (s *session) report(now time.Time) Report {
	played := s.played
	if !s.playingSince.IsZero() {
		played += now.Sub(s.playingSince)
	}
	return Report{MediaID: s.mediaID, Played: played, Duration: s.duration}
}

// Tracker turns playback snapshots into per-track reports.
type Tracker struct {
	listener Listener
	now      func() time.Time

	mu      sync.Mutex
	current *session
}

// NewTracker creates a tracker reporting to listener.
func NewTracker(listener Listener) *Tracker {
	return &Tracker{listener: listener, now: time.Now}
}

// Observe feeds one snapshot to the tracker.
func (t *Tracker) Observe(snap playback.Snapshot) {
	t.mu.Lock()
	now := t.now()

	var finished *Report
	if t.current == nil || t.current.mediaID != snap.MediaID {
		if t.current != nil && t.current.mediaID != "" {
			r := t.current.report(now)
			finished = &r
		}
		t.current = &session{mediaID: snap.MediaID, duration: playback.TimeUnset}
	}

	s := t.current
	if snap.Duration != playback.TimeUnset && snap.Duration > 0 {
		s.duration = snap.Duration
	}
	playing := snap.Status == playback.StatusPlaying
	switch {
	case playing && s.playingSince.IsZero():
		s.playingSince = now
	case !playing && !s.playingSince.IsZero():
		s.played += now.Sub(s.playingSince)
		s.playingSince = time.Time{}
	}
	t.mu.Unlock()

	if finished != nil {
		t.emit(*finished)
	}
}

// Flush reports the current track, if any, and forgets it.
func (t *Tracker) Flush() {
	t.mu.Lock()
	s := t.current
	t.current = nil
	now := t.now()
	t.mu.Unlock()

	if s != nil && s.mediaID != "" {
		t.emit(s.report(now))
	}
}

// Run observes stream until ctx is done, then flushes.
func (t *Tracker) Run(ctx context.Context, stream *playback.Stream) {
	for snap := range stream.Subscribe(ctx) {
		t.Observe(snap)
	}
	t.Flush()
}

func (t *Tracker) emit(r Report) {
	metrics.ObserveTrackPlayed(r.Played.Seconds())
	if t.listener != nil {
		t.listener.OnPlaybackCompleted(r)
	}
}
