// Package local provides an in-process simulated playback engine.
//
// The Player keeps a playlist and advances the position by wall clock, which
// is enough to drive the controller, the sleep timer and the analytics
// tracker without decoding audio.
package local

import (
	"context"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/moonggae/kmedia/internal/app/broadcast"
	"github.com/moonggae/kmedia/internal/app/playback"
	"github.com/moonggae/kmedia/internal/domain/media"
)

// Errors
var (
	ErrClosed          = errors.New("engine closed")
	ErrEmptyPlaylist   = errors.New("playlist is empty")
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrInvalidSpeed    = errors.New("speed must be positive")
)

// previousRestartThreshold is how far into a track Previous restarts it
// instead of moving to the previous item.
const previousRestartThreshold = 3 * time.Second

// Config holds player configuration.
type Config struct {
	DefaultDuration time.Duration `mapstructure:"default_duration" validate:"gte=0"`                 // Duration of items without one; zero leaves it unknown
	PrepareDelay    time.Duration `mapstructure:"prepare_delay" validate:"gte=0"`                    // Time spent buffering after Prepare and Recreate
	ReportInterval  time.Duration `mapstructure:"report_interval" default:"250ms" validate:"gte=0"` // Snapshot publish interval while playing
}

// DefaultConfig returns the default player configuration.
func DefaultConfig() Config {
	return Config{ReportInterval: 250 * time.Millisecond}
}

// Player is a simulated playback engine.
type Player struct {
	mu sync.Mutex

	// Playlist
	items []media.Media
	order []int // Play order, a permutation of item indexes
	index int   // Current item, -1 when none

	// Transport state
	prepared      bool
	buffering     bool
	playWhenReady bool
	ended         bool
	status        playback.PlayingStatus
	base          time.Duration // Position at startTime
	startTime     time.Time     // Wall clock of the last resume, zero unless playing

	volume  float32
	muted   bool
	speed   float32
	repeat  playback.RepeatMode
	shuffle bool

	epoch       uint64 // Bumped on Restart; sessions of older epochs are dead
	recreations int
	closed      bool

	// Timers
	timerCancel  func() // Track end timer
	bufferCancel func() // Buffering timer

	config Config
	state  *broadcast.Value[playback.Snapshot]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPlayer creates a player and starts its position reporter.
func NewPlayer(config Config) *Player {
	if config.ReportInterval <= 0 {
		config.ReportInterval = DefaultConfig().ReportInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Player{
		index:  -1,
		volume: 1,
		speed:  1,
		config: config,
		state:  broadcast.New(playback.EmptySnapshot()),
		ctx:    ctx,
		cancel: cancel,
	}

	p.wg.Add(1)
	go p.report()

	return p
}

// Close stops all timers. Sessions opened on the player die.
func (p *Player) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cancelTimersLocked()
	p.cancel()
	p.state.Store(playback.EmptySnapshot())
	p.mu.Unlock()

	p.wg.Wait()
	zlog.Debug().Msgf("engine: local player closed")
}

// Restart simulates an engine process restart: the playlist and transport
// state are lost and every open session dies.
func (p *Player) Restart() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	p.cancelTimersLocked()
	p.epoch++
	p.items = nil
	p.order = nil
	p.index = -1
	p.prepared, p.buffering, p.playWhenReady, p.ended = false, false, false, false
	p.status = playback.StatusIdle
	p.base, p.startTime = 0, time.Time{}
	p.volume, p.muted, p.speed = 1, false, 1
	p.repeat, p.shuffle = playback.RepeatOff, false

	zlog.Warn().Msgf("engine: local player restarted (epoch %d)", p.epoch)
	p.publishLocked()
}

// Snapshot returns the current state with a live position.
func (p *Player) Snapshot() playback.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked(wallNow())
}

// Subscribe returns a latest-value channel of snapshots.
func (p *Player) Subscribe(ctx context.Context) <-chan playback.Snapshot {
	return p.state.Subscribe(ctx)
}

// Recreations returns how many times the pipeline was rebuilt.
func (p *Player) Recreations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recreations
}

// open returns the epoch a new session belongs to.
func (p *Player) open() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	return p.epoch, nil
}

// alive reports whether a session of the given epoch is still usable.
func (p *Player) alive(epoch uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.epoch == epoch
}

// do runs fn under the lock and publishes the resulting state.
func (p *Player) do(fn func(now time.Time) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if err := fn(wallNow()); err != nil {
		return err
	}
	p.publishLocked()
	return nil
}

// SetItems replaces the playlist without preparing it.
func (p *Player) SetItems(items []media.Media, startIndex int, startPosition time.Duration) error {
	return p.do(func(now time.Time) error {
		p.cancelTimersLocked()
		p.items = slices.Clone(items)
		p.prepared, p.buffering, p.ended = false, false, false
		p.status = playback.StatusIdle
		p.startTime = time.Time{}
		p.base = 0

		if len(p.items) == 0 {
			p.index = -1
			p.order = nil
			return nil
		}
		if startIndex < 0 || startIndex >= len(p.items) {
			startIndex = 0
		}
		p.index = startIndex
		if startPosition != playback.TimeUnset && startPosition > 0 {
			p.base = p.clampLocked(startPosition)
		}
		p.rebuildOrderLocked()
		zlog.Debug().Msgf("engine: playlist set: %d items, start %d at %v", len(p.items), startIndex, p.base)
		return nil
	})
}

// Prepare acquires resources for the playlist.
func (p *Player) Prepare() error {
	return p.do(func(now time.Time) error {
		if p.index < 0 {
			return nil
		}
		p.prepared = true
		p.startBufferingLocked()
		p.settleLocked(now)
		return nil
	})
}

// Recreate rebuilds the pipeline keeping the playlist and position.
func (p *Player) Recreate() error {
	return p.do(func(now time.Time) error {
		p.recreations++
		zlog.Info().Msgf("engine: pipeline recreated (%d)", p.recreations)
		if p.prepared {
			p.startBufferingLocked()
			p.settleLocked(now)
		}
		return nil
	})
}

// Play starts or resumes playback. Playing an ended playlist starts over.
func (p *Player) Play() error {
	return p.do(func(now time.Time) error {
		if p.index < 0 {
			return ErrEmptyPlaylist
		}
		p.playWhenReady = true
		if !p.prepared {
			p.prepared = true
			p.startBufferingLocked()
		}
		if p.ended {
			p.ended = false
			p.index = p.order[0]
			p.base = 0
		}
		p.settleLocked(now)
		return nil
	})
}

// Pause pauses playback.
func (p *Player) Pause() error {
	return p.do(func(now time.Time) error {
		p.playWhenReady = false
		p.settleLocked(now)
		return nil
	})
}

// Stop stops playback and releases the pipeline, keeping the playlist.
func (p *Player) Stop() error {
	return p.do(func(now time.Time) error {
		p.playWhenReady = false
		p.prepared = false
		p.buffering = false
		p.ended = false
		p.settleLocked(now)
		return nil
	})
}

// SeekTo moves within the current item.
func (p *Player) SeekTo(position time.Duration) error {
	return p.do(func(now time.Time) error {
		if p.index < 0 {
			return ErrEmptyPlaylist
		}
		p.moveLocked(now, p.index, position)
		return nil
	})
}

// Next moves to the next item in play order.
func (p *Player) Next() error {
	return p.do(func(now time.Time) error {
		if p.index < 0 {
			return ErrEmptyPlaylist
		}
		next, ok := p.neighbourLocked(1)
		if !ok {
			return nil
		}
		p.moveLocked(now, next, 0)
		return nil
	})
}

// Previous restarts the current item, or moves to the previous one when
// playback is near its start.
func (p *Player) Previous() error {
	return p.do(func(now time.Time) error {
		if p.index < 0 {
			return ErrEmptyPlaylist
		}
		prev, ok := p.neighbourLocked(-1)
		if !ok || p.positionLocked(now) > previousRestartThreshold {
			prev = p.index
		}
		p.moveLocked(now, prev, 0)
		return nil
	})
}

// SkipTo moves to the item at index.
func (p *Player) SkipTo(index int) error {
	return p.do(func(now time.Time) error {
		if index < 0 || index >= len(p.items) {
			return errors.Wrapf(ErrIndexOutOfRange, "skip to %d of %d", index, len(p.items))
		}
		p.moveLocked(now, index, 0)
		return nil
	})
}

// SetRepeatMode sets the repeat mode.
func (p *Player) SetRepeatMode(mode playback.RepeatMode) error {
	return p.do(func(now time.Time) error {
		p.repeat = mode
		return nil
	})
}

// SetShuffle enables or disables shuffled play order.
func (p *Player) SetShuffle(enabled bool) error {
	return p.do(func(now time.Time) error {
		if p.shuffle == enabled {
			return nil
		}
		p.shuffle = enabled
		p.rebuildOrderLocked()
		return nil
	})
}

// SetSpeed sets the playback speed.
func (p *Player) SetSpeed(speed float32) error {
	return p.do(func(now time.Time) error {
		if speed <= 0 {
			return errors.Wrapf(ErrInvalidSpeed, "speed %v", speed)
		}
		p.freezeLocked(now)
		p.speed = speed
		p.settleLocked(now)
		return nil
	})
}

// SetVolume sets the volume, clamped to [0,1].
func (p *Player) SetVolume(level float32, flags int) error {
	return p.do(func(now time.Time) error {
		p.volume = min(max(level, 0), 1)
		return nil
	})
}

// SetMuted mutes or unmutes output.
func (p *Player) SetMuted(muted bool) error {
	return p.do(func(now time.Time) error {
		p.muted = muted
		return nil
	})
}

// AddItems appends items to the playlist.
func (p *Player) AddItems(items []media.Media) error {
	return p.do(func(now time.Time) error {
		if len(items) == 0 {
			return nil
		}
		p.items = append(p.items, items...)
		if p.index < 0 {
			p.index = 0
			p.base = 0
		}
		p.rebuildOrderLocked()
		if p.ended {
			if next, ok := p.neighbourLocked(1); ok {
				p.moveLocked(now, next, 0)
			}
		}
		return nil
	})
}

// MoveItem moves the item at from to to.
func (p *Player) MoveItem(from, to int) error {
	return p.do(func(now time.Time) error {
		if !p.inRangeLocked(from) || !p.inRangeLocked(to) {
			return errors.Wrapf(ErrIndexOutOfRange, "move %d to %d of %d", from, to, len(p.items))
		}
		if from == to {
			return nil
		}
		item := p.items[from]
		p.items = slices.Insert(slices.Delete(p.items, from, from+1), to, item)

		switch {
		case p.index == from:
			p.index = to
		case from < p.index && to >= p.index:
			p.index--
		case from > p.index && to <= p.index:
			p.index++
		}
		p.rebuildOrderLocked()
		return nil
	})
}

// RemoveItem removes the item at index. Removing the current item moves to
// the item that took its place.
func (p *Player) RemoveItem(index int) error {
	return p.do(func(now time.Time) error {
		if !p.inRangeLocked(index) {
			return errors.Wrapf(ErrIndexOutOfRange, "remove %d of %d", index, len(p.items))
		}
		p.items = slices.Delete(p.items, index, index+1)

		switch {
		case len(p.items) == 0:
			p.freezeLocked(now)
			p.index = -1
			p.order = nil
			p.prepared = false
			p.ended = false
			p.base = 0
			p.settleLocked(now)
			return nil
		case index < p.index:
			p.index--
			p.rebuildOrderLocked()
		case index == p.index:
			next := min(index, len(p.items)-1)
			p.index = next
			p.rebuildOrderLocked()
			p.moveLocked(now, next, 0)
		default:
			p.rebuildOrderLocked()
		}
		return nil
	})
}

// ReplaceItem replaces the item at index.
func (p *Player) ReplaceItem(index int, item media.Media) error {
	return p.do(func(now time.Time) error {
		if !p.inRangeLocked(index) {
			return errors.Wrapf(ErrIndexOutOfRange, "replace %d of %d", index, len(p.items))
		}
		changed := p.items[index].ID != item.ID
		p.items[index] = item
		switch {
		case index != p.index:
		case changed:
			p.moveLocked(now, index, 0)
		default:
			p.freezeLocked(now)
			p.settleLocked(now)
		}
		return nil
	})
}

// Items returns the playlist.
func (p *Player) Items() ([]media.Media, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	return slices.Clone(p.items), nil
}

func (p *Player) inRangeLocked(i int) bool {
	return i >= 0 && i < len(p.items)
}

// moveLocked makes index current at position and keeps the transport state.
func (p *Player) moveLocked(now time.Time, index int, position time.Duration) {
	p.freezeLocked(now)
	p.index = index
	p.ended = false
	p.base = 0
	if position != playback.TimeUnset && position > 0 {
		p.base = p.clampLocked(position)
	}
	p.settleLocked(now)
}

// settleLocked derives the status from the transport flags.
func (p *Player) settleLocked(now time.Time) {
	if p.index >= 0 && p.prepared && !p.ended && !p.buffering && p.playWhenReady {
		p.resumeLocked(now)
		return
	}

	p.freezeLocked(now)
	switch {
	case p.index < 0 || !p.prepared:
		p.status = playback.StatusIdle
	case p.ended:
		p.status = playback.StatusEnded
	case p.buffering:
		p.status = playback.StatusBuffering
	default:
		p.status = playback.StatusPaused
	}
}

func (p *Player) resumeLocked(now time.Time) {
	if p.status == playback.StatusPlaying {
		return
	}
	p.status = playback.StatusPlaying
	p.startTime = now
	p.startTrackTimerLocked()
}

// freezeLocked folds elapsed play time into the base position and stops the
// track timer. settleLocked decides the status afterwards.
func (p *Player) freezeLocked(now time.Time) {
	if p.status != playback.StatusPlaying {
		return
	}
	p.base = p.positionLocked(now)
	p.startTime = time.Time{}
	p.status = playback.StatusPaused
	if p.timerCancel != nil {
		p.timerCancel()
		p.timerCancel = nil
	}
}

func (p *Player) durationLocked() time.Duration {
	if p.index < 0 {
		return playback.TimeUnset
	}
	if d := p.items[p.index].Duration; d > 0 {
		return d
	}
	if p.config.DefaultDuration > 0 {
		return p.config.DefaultDuration
	}
	return playback.TimeUnset
}

func (p *Player) clampLocked(position time.Duration) time.Duration {
	if d := p.durationLocked(); d != playback.TimeUnset && position > d {
		return d
	}
	return position
}

func (p *Player) positionLocked(now time.Time) time.Duration {
	if p.index < 0 {
		return playback.TimeUnset
	}
	pos := p.base
	if p.status == playback.StatusPlaying && !p.startTime.IsZero() {
		pos += time.Duration(float64(now.Sub(p.startTime)) * float64(p.speed))
	}
	return p.clampLocked(pos)
}

// neighbourLocked returns the item step places away in play order, wrapping
// only in RepeatAll.
func (p *Player) neighbourLocked(step int) (int, bool) {
	cursor := slices.Index(p.order, p.index)
	if cursor < 0 {
		return 0, false
	}
	next := cursor + step
	if next < 0 || next >= len(p.order) {
		if p.repeat != playback.RepeatAll {
			return 0, false
		}
		next = (next + len(p.order)) % len(p.order)
	}
	return p.order[next], true
}

// rebuildOrderLocked recomputes the play order. A shuffled order starts at
// the current item.
func (p *Player) rebuildOrderLocked() {
	n := len(p.items)
	if !p.shuffle {
		p.order = make([]int, n)
		for i := range p.order {
			p.order[i] = i
		}
		return
	}
	p.order = rand.Perm(n)
	if i := slices.Index(p.order, p.index); i > 0 {
		p.order[0], p.order[i] = p.order[i], p.order[0]
	}
}

func (p *Player) startBufferingLocked() {
	if p.bufferCancel != nil {
		p.bufferCancel()
		p.bufferCancel = nil
	}
	if p.config.PrepareDelay <= 0 {
		p.buffering = false
		return
	}
	p.buffering = true
	p.bufferCancel = p.startTimerLocked(p.config.PrepareDelay, func() {
		p.buffering = false
		p.bufferCancel = nil
		p.settleLocked(wallNow())
	})
}

func (p *Player) startTrackTimerLocked() {
	if p.timerCancel != nil {
		p.timerCancel()
		p.timerCancel = nil
	}
	d := p.durationLocked()
	if d == playback.TimeUnset {
		return
	}
	remaining := time.Duration(float64(d-p.base) / float64(p.speed))
	p.timerCancel = p.startTimerLocked(max(remaining, 0), func() {
		p.timerCancel = nil
		p.onTrackEndLocked(wallNow())
	})
}

// onTrackEndLocked advances past a finished item according to the repeat mode.
func (p *Player) onTrackEndLocked(now time.Time) {
	zlog.Debug().Msgf("engine: track ended: %s", p.items[p.index].ID)

	if p.repeat == playback.RepeatOne {
		p.moveLocked(now, p.index, 0)
		return
	}
	if next, ok := p.neighbourLocked(1); ok {
		p.moveLocked(now, next, 0)
		return
	}

	p.freezeLocked(now)
	p.base = p.durationLocked()
	p.ended = true
	p.settleLocked(now)
	zlog.Debug().Msgf("engine: playlist ended")
}

// startTimerLocked runs fn under the lock after d unless cancelled first.
// Cancellation happens under the lock, so a timer cancelled while waiting
// for it does nothing.
func (p *Player) startTimerLocked(d time.Duration, fn func()) func() {
	ctx, cancel := context.WithCancel(p.ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t := time.NewTimer(d)
		defer t.Stop()

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if ctx.Err() != nil || p.closed {
			return
		}
		cancel()
		fn()
		p.publishLocked()
	}()

	return cancel
}

func (p *Player) cancelTimersLocked() {
	if p.timerCancel != nil {
		p.timerCancel()
		p.timerCancel = nil
	}
	if p.bufferCancel != nil {
		p.bufferCancel()
		p.bufferCancel = nil
	}
}

// report republishes the state while playing so observers see the position
// advance.
func (p *Player) report() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			if !p.closed && p.status == playback.StatusPlaying {
				p.publishLocked()
			}
			p.mu.Unlock()
		}
	}
}

func (p *Player) publishLocked() {
	p.state.Store(p.snapshotLocked(wallNow()))
}

func (p *Player) snapshotLocked(now time.Time) playback.Snapshot {
	snap := playback.EmptySnapshot()
	snap.Status = p.status
	snap.Volume = p.volume
	snap.Muted = p.muted
	snap.Speed = p.speed
	snap.RepeatMode = p.repeat
	snap.Shuffle = p.shuffle
	if p.index >= 0 {
		snap.MediaID = p.items[p.index].ID
		snap.Index = p.index
		snap.Position = p.positionLocked(now)
		snap.Duration = p.durationLocked()
	}
	return snap
}

// wallNow returns the current time with the monotonic reading stripped.
func wallNow() time.Time {
	t := time.Now()
	return time.Unix(t.Unix(), int64(t.Nanosecond()))
}
