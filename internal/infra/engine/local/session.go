package local

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/moonggae/kmedia/internal/app/controller"
	"github.com/moonggae/kmedia/internal/app/playback"
	"github.com/moonggae/kmedia/internal/domain/media"
)

// ErrSessionLost is returned by a session whose player restarted or closed.
var ErrSessionLost = errors.New("engine session lost")

// Connector opens sessions on an in-process player.
type Connector struct {
	player *Player
}

// NewConnector creates a connector for player.
func NewConnector(player *Player) *Connector {
	return &Connector{player: player}
}

// Name returns the engine type.
func (c *Connector) Name() string { return "local" }

// Connect opens a session on the player.
func (c *Connector) Connect(ctx context.Context) (controller.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	epoch, err := c.player.open()
	if err != nil {
		return nil, errors.Wrap(err, "open local session")
	}
	return &Session{player: c.player, epoch: epoch}, nil
}

// Session is a control session on a local player. It dies when the player
// restarts or closes.
type Session struct {
	player   *Player
	epoch    uint64
	released atomic.Bool
}

var (
	_ controller.Session   = (*Session)(nil)
	_ controller.Watcher   = (*Session)(nil)
	_ controller.Recreator = (*Session)(nil)
)

// Connected reports whether the session is usable.
func (s *Session) Connected() bool {
	return !s.released.Load() && s.player.alive(s.epoch)
}

// Release marks the session unusable. The player keeps running.
func (s *Session) Release() error {
	s.released.Store(true)
	return nil
}

// call runs fn if the session is still usable.
func (s *Session) call(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.Connected() {
		return ErrSessionLost
	}
	return fn()
}

func (s *Session) Play(ctx context.Context) error  { return s.call(ctx, s.player.Play) }
func (s *Session) Pause(ctx context.Context) error { return s.call(ctx, s.player.Pause) }
func (s *Session) Stop(ctx context.Context) error  { return s.call(ctx, s.player.Stop) }
func (s *Session) Next(ctx context.Context) error  { return s.call(ctx, s.player.Next) }

func (s *Session) Previous(ctx context.Context) error {
	return s.call(ctx, s.player.Previous)
}

func (s *Session) Prepare(ctx context.Context) error {
	return s.call(ctx, s.player.Prepare)
}

func (s *Session) SeekTo(ctx context.Context, position time.Duration) error {
	return s.call(ctx, func() error { return s.player.SeekTo(position) })
}

func (s *Session) SkipTo(ctx context.Context, index int) error {
	return s.call(ctx, func() error { return s.player.SkipTo(index) })
}

func (s *Session) SetRepeatMode(ctx context.Context, mode playback.RepeatMode) error {
	return s.call(ctx, func() error { return s.player.SetRepeatMode(mode) })
}

func (s *Session) SetShuffle(ctx context.Context, enabled bool) error {
	return s.call(ctx, func() error { return s.player.SetShuffle(enabled) })
}

func (s *Session) SetSpeed(ctx context.Context, speed float32) error {
	return s.call(ctx, func() error { return s.player.SetSpeed(speed) })
}

func (s *Session) SetVolume(ctx context.Context, level float32, flags int) error {
	return s.call(ctx, func() error { return s.player.SetVolume(level, flags) })
}

func (s *Session) SetItems(ctx context.Context, items []media.Media, startIndex int, startPosition time.Duration) error {
	return s.call(ctx, func() error { return s.player.SetItems(items, startIndex, startPosition) })
}

func (s *Session) AddItems(ctx context.Context, items []media.Media) error {
	return s.call(ctx, func() error { return s.player.AddItems(items) })
}

func (s *Session) MoveItem(ctx context.Context, from, to int) error {
	return s.call(ctx, func() error { return s.player.MoveItem(from, to) })
}

func (s *Session) RemoveItem(ctx context.Context, index int) error {
	return s.call(ctx, func() error { return s.player.RemoveItem(index) })
}

func (s *Session) ReplaceItem(ctx context.Context, index int, item media.Media) error {
	return s.call(ctx, func() error { return s.player.ReplaceItem(index, item) })
}

// Items returns the player's playlist.
func (s *Session) Items(ctx context.Context) ([]media.Media, error) {
	var items []media.Media
	err := s.call(ctx, func() error {
		var err error
		items, err = s.player.Items()
		return err
	})
	return items, err
}

// Recreate rebuilds the player pipeline in place.
func (s *Session) Recreate(ctx context.Context) error {
	return s.call(ctx, s.player.Recreate)
}

// Watch publishes player snapshots until ctx is done or the session dies.
func (s *Session) Watch(ctx context.Context, publish func(playback.Snapshot)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for snap := range s.player.Subscribe(ctx) {
		if !s.Connected() {
			return ErrSessionLost
		}
		publish(snap)
	}
	return ctx.Err()
}
