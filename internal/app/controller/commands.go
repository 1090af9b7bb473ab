package controller

import (
	"context"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/moonggae/kmedia/internal/app/playback"
	"github.com/moonggae/kmedia/internal/domain/media"
)

// All command methods are fire-and-forget: they enqueue and return
// immediately. Commands run in submission order.

func (m *Manager) SeekTo(position time.Duration) {
	m.enqueue(command{op: "seek_to", run: func(ctx context.Context, s Session) error {
		return s.SeekTo(ctx, position)
	}})
}

func (m *Manager) Play() {
	m.enqueue(command{op: "play", run: func(ctx context.Context, s Session) error {
		return s.Play(ctx)
	}})
}

func (m *Manager) Pause() {
	m.enqueue(command{op: "pause", run: func(ctx context.Context, s Session) error {
		return s.Pause(ctx)
	}})
}

func (m *Manager) Previous() {
	m.enqueue(command{op: "previous", run: func(ctx context.Context, s Session) error {
		return s.Previous(ctx)
	}})
}

func (m *Manager) Next() {
	m.enqueue(command{op: "next", run: func(ctx context.Context, s Session) error {
		return s.Next(ctx)
	}})
}

func (m *Manager) SetRepeatMode(mode playback.RepeatMode) {
	m.enqueue(command{op: "set_repeat_mode", run: func(ctx context.Context, s Session) error {
		return s.SetRepeatMode(ctx, mode)
	}})
}

func (m *Manager) SetShuffleMode(enabled bool) {
	m.enqueue(command{op: "set_shuffle", run: func(ctx context.Context, s Session) error {
		return s.SetShuffle(ctx, enabled)
	}})
}

func (m *Manager) MoveItem(from, to int) {
	m.enqueue(command{op: "move_item", run: func(ctx context.Context, s Session) error {
		return s.MoveItem(ctx, from, to)
	}})
}

func (m *Manager) SkipTo(index int) {
	m.enqueue(command{op: "skip_to", run: func(ctx context.Context, s Session) error {
		return s.SkipTo(ctx, index)
	}})
}

func (m *Manager) SetSpeed(speed float32) {
	m.enqueue(command{op: "set_speed", run: func(ctx context.Context, s Session) error {
		return s.SetSpeed(ctx, speed)
	}})
}

// SetVolume forwards level and flags unchanged.
func (m *Manager) SetVolume(level float32, flags int) {
	m.enqueue(command{op: "set_volume", run: func(ctx context.Context, s Session) error {
		return s.SetVolume(ctx, level, flags)
	}})
}

// Prepare loads items without starting playback.
func (m *Manager) Prepare(items []media.Media, startIndex int, startPosition time.Duration) {
	items = slices.Clone(items)
	m.enqueue(command{op: "prepare", run: func(ctx context.Context, s Session) error {
		if err := s.SetItems(ctx, items, startIndex, startPosition); err != nil {
			return err
		}
		return s.Prepare(ctx)
	}})
}

// PlayItems replaces the queue and starts playback at startIndex.
func (m *Manager) PlayItems(items []media.Media, startIndex int) {
	items = slices.Clone(items)
	m.enqueue(command{op: "play_items", run: func(ctx context.Context, s Session) error {
		if err := s.SetItems(ctx, items, startIndex, 0); err != nil {
			return err
		}
		if err := s.Prepare(ctx); err != nil {
			return err
		}
		return s.Play(ctx)
	}})
}

func (m *Manager) AppendItems(items []media.Media) {
	items = slices.Clone(items)
	m.enqueue(command{op: "append_items", run: func(ctx context.Context, s Session) error {
		return s.AddItems(ctx, items)
	}})
}

// RemoveItems removes queue entries by media id. The index of each id is
// resolved against the engine's queue at execution time; unknown ids are
// skipped.
func (m *Manager) RemoveItems(ids ...string) {
	ids = slices.Clone(ids)
	m.enqueue(command{op: "remove_items", run: func(ctx context.Context, s Session) error {
		for _, id := range ids {
			items, err := s.Items(ctx)
			if err != nil {
				return errors.Wrap(err, "failed to read engine queue")
			}
			index := media.IndexOf(items, id)
			if index < 0 {
				zlog.Debug().Msgf("controller: media %s not in queue, skipping removal", id)
				continue
			}
			if err := s.RemoveItem(ctx, index); err != nil {
				return err
			}
		}
		return nil
	}})
}

func (m *Manager) ReplaceItem(index int, item media.Media) {
	m.enqueue(command{op: "replace_item", run: func(ctx context.Context, s Session) error {
		return s.ReplaceItem(ctx, index, item)
	}})
}

// Stop halts playback and then releases the connection.
func (m *Manager) Stop() {
	m.enqueue(command{op: "stop", invalidate: true, run: func(ctx context.Context, s Session) error {
		return s.Stop(ctx)
	}})
}

// Release drops the current connection if there is one. It never opens a
// new connection.
func (m *Manager) Release() {
	m.enqueue(command{op: "release"})
}

// RecreatePlayer asks the engine to rebuild its player. Engines that cannot
// rebuild in place are reconnected instead.
func (m *Manager) RecreatePlayer() {
	m.enqueue(command{op: "recreate_player", run: func(ctx context.Context, s Session) error {
		if r, ok := s.(Recreator); ok {
			return r.Recreate(ctx)
		}
		return errReconnect
	}})
}
