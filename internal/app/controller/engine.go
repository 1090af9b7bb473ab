// Package controller provides the playback engine connection manager.
//
// The Manager owns a handle to an out-of-process playback engine and exposes
// a fire-and-forget command surface. Commands are queued and executed in
// order by a single worker against whichever connection is live at the time,
// and a dead connection is replaced transparently.
package controller

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/moonggae/kmedia/internal/app/playback"
	"github.com/moonggae/kmedia/internal/domain/media"
)

// ErrUnsupported is returned by sessions for operations the engine lacks.
var ErrUnsupported = errors.New("operation not supported by engine")

// Connector creates sessions to a playback engine.
type Connector interface {
	// Connect establishes a new control session. It may be slow.
	Connect(ctx context.Context) (Session, error)
	// Name identifies the engine type in logs.
	Name() string
}

// Session is the control channel of one engine connection.
type Session interface {
	// Connected is the liveness check. It must be cheap.
	Connected() bool
	// Release frees engine-side resources. The session is unusable afterwards.
	Release() error

	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	SeekTo(ctx context.Context, position time.Duration) error
	Previous(ctx context.Context) error
	Next(ctx context.Context) error
	SkipTo(ctx context.Context, index int) error
	SetRepeatMode(ctx context.Context, mode playback.RepeatMode) error
	SetShuffle(ctx context.Context, enabled bool) error
	SetSpeed(ctx context.Context, speed float32) error
	SetVolume(ctx context.Context, level float32, flags int) error

	// SetItems replaces the playlist and positions it without preparing.
	SetItems(ctx context.Context, items []media.Media, startIndex int, startPosition time.Duration) error
	// Prepare makes the engine acquire resources for the current playlist.
	Prepare(ctx context.Context) error
	AddItems(ctx context.Context, items []media.Media) error
	MoveItem(ctx context.Context, from, to int) error
	RemoveItem(ctx context.Context, index int) error
	ReplaceItem(ctx context.Context, index int, item media.Media) error
	// Items returns the engine's current playlist.
	Items(ctx context.Context) ([]media.Media, error)
}

// Watcher is implemented by sessions that can stream playback state.
// Watch blocks, calling publish for every snapshot, until ctx is done or the
// session dies.
type Watcher interface {
	Watch(ctx context.Context, publish func(playback.Snapshot)) error
}

// Recreator is implemented by sessions whose engine can rebuild its player
// pipeline in place, keeping the playlist and position.
type Recreator interface {
	Recreate(ctx context.Context) error
}
