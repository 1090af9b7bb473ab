// Package mpris drives a desktop media player over the MPRIS D-Bus interface.
//
// MPRIS players hold a single current track, so the session keeps the
// playlist on its side and opens items one at a time with OpenUri.
package mpris

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/godbus/dbus/v5"
	zlog "github.com/rs/zerolog/log"

	"github.com/moonggae/kmedia/internal/app/controller"
	"github.com/moonggae/kmedia/internal/app/playback"
	"github.com/moonggae/kmedia/internal/domain/media"
)

const (
	busNamePrefix = "org.mpris.MediaPlayer2."
	objectPath    = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	playerIface   = "org.mpris.MediaPlayer2.Player"

	errServiceUnknown = "org.freedesktop.DBus.Error.ServiceUnknown"
	errNoReply        = "org.freedesktop.DBus.Error.NoReply"
	errDisconnected   = "org.freedesktop.DBus.Error.Disconnected"
)

var (
	// ErrSessionLost is returned once the player left the bus.
	ErrSessionLost = errors.New("mpris player left the bus")
	// ErrIndexOutOfRange is returned for playlist indexes outside the list.
	ErrIndexOutOfRange = errors.New("playlist index out of range")
)

// Config holds MPRIS engine settings.
type Config struct {
	// Player is the bus name suffix, e.g. "vlc" for org.mpris.MediaPlayer2.vlc.
	Player       string        `mapstructure:"player" validate:"required"`
	PollInterval time.Duration `mapstructure:"poll_interval" default:"500ms" validate:"gt=0"`
}

// object is the part of dbus.BusObject the session uses.
type object interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
	GetProperty(p string) (dbus.Variant, error)
	SetProperty(p string, v interface{}) error
}

type dialFunc func(ctx context.Context, busName string) (object, func() error, error)

// Connector opens sessions on an MPRIS player on the session bus.
type Connector struct {
	config Config
	dial   dialFunc
}

// NewConnector creates a connector for the configured player.
func NewConnector(config Config) *Connector {
	return &Connector{config: config, dial: dialSessionBus}
}

func dialSessionBus(ctx context.Context, busName string) (object, func() error, error) {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect session bus")
	}
	return conn.Object(busName, objectPath), conn.Close, nil
}

// Name returns the engine type.
func (c *Connector) Name() string { return "mpris" }

// Connect attaches to the player and checks that it answers.
func (c *Connector) Connect(ctx context.Context) (controller.Session, error) {
	busName := busNamePrefix + c.config.Player
	obj, closer, err := c.dial(ctx, busName)
	if err != nil {
		return nil, err
	}
	if _, err := obj.GetProperty(playerIface + ".PlaybackStatus"); err != nil {
		_ = closer()
		return nil, errors.Wrapf(err, "probe %s", busName)
	}

	zlog.Debug().Msgf("engine: mpris player attached: %s", busName)
	s := &Session{
		obj:     obj,
		closer:  closer,
		busName: busName,
		config:  c.config,
		index:   -1,
	}
	s.alive.Store(true)
	return s, nil
}

// Session controls one MPRIS player.
type Session struct {
	obj     object
	closer  func() error
	busName string
	config  Config
	alive   atomic.Bool
	release sync.Once

	mu       sync.Mutex
	items    []media.Media
	index    int
	position time.Duration // pending start position for the next Prepare
	prepared bool
}

var (
	_ controller.Session = (*Session)(nil)
	_ controller.Watcher = (*Session)(nil)
)

// Connected reports whether the player was on the bus at the last call.
func (s *Session) Connected() bool {
	return s.alive.Load()
}

// Release drops the bus connection.
func (s *Session) Release() error {
	s.alive.Store(false)
	var err error
	s.release.Do(func() { err = s.closer() })
	return err
}

// observe marks the session dead on errors meaning the player is gone.
func (s *Session) observe(err error) {
	if err == nil {
		return
	}
	lost := errors.Is(err, dbus.ErrClosed)
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		switch dbusErr.Name {
		case errServiceUnknown, errNoReply, errDisconnected:
			lost = true
		}
	}
	if lost && s.alive.Swap(false) {
		zlog.Warn().Msgf("engine: mpris player %s lost: %v", s.busName, err)
	}
}

func (s *Session) call(ctx context.Context, method string, args ...interface{}) error {
	if !s.alive.Load() {
		return ErrSessionLost
	}
	err := s.obj.CallWithContext(ctx, playerIface+"."+method, 0, args...).Err
	if err != nil {
		s.observe(err)
		return errors.Wrapf(err, "%s.%s", s.busName, method)
	}
	return nil
}

func (s *Session) set(ctx context.Context, prop string, v interface{}) error {
	if !s.alive.Load() {
		return ErrSessionLost
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.obj.SetProperty(playerIface+"."+prop, dbus.MakeVariant(v)); err != nil {
		s.observe(err)
		return errors.Wrapf(err, "set %s", prop)
	}
	return nil
}

func (s *Session) get(prop string) (interface{}, error) {
	v, err := s.obj.GetProperty(playerIface + "." + prop)
	if err != nil {
		s.observe(err)
		return nil, errors.Wrapf(err, "get %s", prop)
	}
	return v.Value(), nil
}

func (s *Session) Play(ctx context.Context) error {
	s.mu.Lock()
	prepared := s.prepared
	s.mu.Unlock()
	if !prepared {
		if err := s.Prepare(ctx); err != nil {
			return err
		}
	}
	return s.call(ctx, "Play")
}

func (s *Session) Pause(ctx context.Context) error {
	return s.call(ctx, "Pause")
}

func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.prepared = false
	s.mu.Unlock()
	return s.call(ctx, "Stop")
}

// SeekTo uses SetPosition when the player exposes a track id and falls back
// to a relative Seek otherwise.
func (s *Session) SeekTo(ctx context.Context, position time.Duration) error {
	meta, err := s.metadata()
	if err != nil {
		return err
	}
	if id, ok := meta["mpris:trackid"].Value().(dbus.ObjectPath); ok && id.IsValid() {
		return s.call(ctx, "SetPosition", id, position.Microseconds())
	}
	current, err := s.get("Position")
	if err != nil {
		return err
	}
	us, _ := current.(int64)
	return s.call(ctx, "Seek", position.Microseconds()-us)
}

func (s *Session) Previous(ctx context.Context) error {
	return s.step(ctx, -1)
}

func (s *Session) Next(ctx context.Context) error {
	return s.step(ctx, 1)
}

func (s *Session) step(ctx context.Context, delta int) error {
	s.mu.Lock()
	next := s.index + delta
	if next < 0 || next >= len(s.items) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.SkipTo(ctx, next)
}

func (s *Session) SkipTo(ctx context.Context, index int) error {
	s.mu.Lock()
	if index < 0 || index >= len(s.items) {
		s.mu.Unlock()
		return errors.Wrapf(ErrIndexOutOfRange, "skip to %d of %d", index, len(s.items))
	}
	s.index = index
	s.position = 0
	item := s.items[index]
	s.prepared = true
	s.mu.Unlock()
	return s.call(ctx, "OpenUri", item.URI)
}

func (s *Session) SetRepeatMode(ctx context.Context, mode playback.RepeatMode) error {
	return s.set(ctx, "LoopStatus", loopStatus(mode))
}

func (s *Session) SetShuffle(ctx context.Context, enabled bool) error {
	return s.set(ctx, "Shuffle", enabled)
}

func (s *Session) SetSpeed(ctx context.Context, speed float32) error {
	return s.set(ctx, "Rate", float64(speed))
}

// SetVolume sets the player volume. MPRIS has no volume flags.
func (s *Session) SetVolume(ctx context.Context, level float32, flags int) error {
	return s.set(ctx, "Volume", float64(min(max(level, 0), 1)))
}

func (s *Session) SetItems(ctx context.Context, items []media.Media, startIndex int, startPosition time.Duration) error {
	if !s.alive.Load() {
		return ErrSessionLost
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append([]media.Media(nil), items...)
	s.index = -1
	if len(items) > 0 {
		s.index = min(max(startIndex, 0), len(items)-1)
	}
	s.position = max(startPosition, 0)
	s.prepared = false
	return nil
}

// Prepare opens the current item and leaves it paused at the start position.
func (s *Session) Prepare(ctx context.Context) error {
	s.mu.Lock()
	if s.index < 0 {
		s.mu.Unlock()
		return nil
	}
	item := s.items[s.index]
	position := s.position
	s.prepared = true
	s.mu.Unlock()

	if err := s.call(ctx, "OpenUri", item.URI); err != nil {
		return err
	}
	if err := s.call(ctx, "Pause"); err != nil {
		return err
	}
	if position > 0 {
		return s.SeekTo(ctx, position)
	}
	return nil
}

func (s *Session) AddItems(ctx context.Context, items []media.Media) error {
	if !s.alive.Load() {
		return ErrSessionLost
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, items...)
	if s.index < 0 && len(s.items) > 0 {
		s.index = 0
	}
	return nil
}

func (s *Session) MoveItem(ctx context.Context, from, to int) error {
	if !s.alive.Load() {
		return ErrSessionLost
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.items)
	if from < 0 || from >= n || to < 0 || to >= n {
		return errors.Wrapf(ErrIndexOutOfRange, "move %d to %d of %d", from, to, n)
	}
	item := s.items[from]
	s.items = append(s.items[:from], s.items[from+1:]...)
	s.items = append(s.items[:to], append([]media.Media{item}, s.items[to:]...)...)

	switch {
	case s.index == from:
		s.index = to
	case from < s.index && to >= s.index:
		s.index--
	case from > s.index && to <= s.index:
		s.index++
	}
	return nil
}

// RemoveItem removes one item. Removing the current item opens its
// successor, or stops the player when the list becomes empty.
func (s *Session) RemoveItem(ctx context.Context, index int) error {
	if !s.alive.Load() {
		return ErrSessionLost
	}
	s.mu.Lock()
	n := len(s.items)
	if index < 0 || index >= n {
		s.mu.Unlock()
		return errors.Wrapf(ErrIndexOutOfRange, "remove %d of %d", index, n)
	}
	s.items = append(s.items[:index], s.items[index+1:]...)
	current := index == s.index
	switch {
	case len(s.items) == 0:
		s.index = -1
	case index < s.index:
		s.index--
	case current:
		s.index = min(s.index, len(s.items)-1)
	}
	prepared := s.prepared
	next := s.index
	s.mu.Unlock()

	switch {
	case !current || !prepared:
		return nil
	case next < 0:
		return s.Stop(ctx)
	default:
		return s.SkipTo(ctx, next)
	}
}

func (s *Session) ReplaceItem(ctx context.Context, index int, item media.Media) error {
	if !s.alive.Load() {
		return ErrSessionLost
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.items) {
		return errors.Wrapf(ErrIndexOutOfRange, "replace %d of %d", index, len(s.items))
	}
	s.items[index] = item
	return nil
}

func (s *Session) Items(ctx context.Context) ([]media.Media, error) {
	if !s.alive.Load() {
		return nil, ErrSessionLost
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]media.Media(nil), s.items...), nil
}

// Watch polls the player properties and publishes a snapshot whenever they
// change.
func (s *Session) Watch(ctx context.Context, publish func(playback.Snapshot)) error {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	var last playback.Snapshot
	first := true
	for {
		if !s.alive.Load() {
			return ErrSessionLost
		}
		snap, err := s.snapshot()
		switch {
		case err != nil && !s.alive.Load():
			return ErrSessionLost
		case err != nil:
			zlog.Debug().Msgf("engine: mpris poll failed: %v", err)
		case first || snap != last:
			publish(snap)
			last, first = snap, false
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Session) metadata() (map[string]dbus.Variant, error) {
	v, err := s.get("Metadata")
	if err != nil {
		return nil, err
	}
	meta, _ := v.(map[string]dbus.Variant)
	return meta, nil
}

// snapshot reads the player state. Optional properties the player does not
// implement keep their defaults.
func (s *Session) snapshot() (playback.Snapshot, error) {
	snap := playback.EmptySnapshot()

	status, err := s.get("PlaybackStatus")
	if err != nil {
		return snap, err
	}
	meta, err := s.metadata()
	if err != nil {
		return snap, err
	}

	s.mu.Lock()
	snap.Index = s.index
	if s.index >= 0 {
		snap.MediaID = s.items[s.index].ID
	}
	if url, ok := meta["xesam:url"].Value().(string); ok {
		if i := indexOfURI(s.items, url); i >= 0 {
			snap.Index, snap.MediaID = i, s.items[i].ID
		}
	}
	prepared := s.prepared
	s.mu.Unlock()

	snap.Status = playingStatus(status, prepared && snap.MediaID != "")
	if length, ok := meta["mpris:length"].Value().(int64); ok && length > 0 {
		snap.Duration = time.Duration(length) * time.Microsecond
	}
	if v, err := s.get("Position"); err == nil {
		if us, ok := v.(int64); ok && snap.MediaID != "" {
			snap.Position = time.Duration(us) * time.Microsecond
		}
	}
	if v, err := s.get("Volume"); err == nil {
		if f, ok := v.(float64); ok {
			snap.Volume = float32(f)
		}
	}
	if v, err := s.get("Rate"); err == nil {
		if f, ok := v.(float64); ok && f > 0 {
			snap.Speed = float32(f)
		}
	}
	if v, err := s.get("LoopStatus"); err == nil {
		if l, ok := v.(string); ok {
			snap.RepeatMode = repeatMode(l)
		}
	}
	if v, err := s.get("Shuffle"); err == nil {
		if b, ok := v.(bool); ok {
			snap.Shuffle = b
		}
	}
	return snap, nil
}

func indexOfURI(items []media.Media, uri string) int {
	for i := range items {
		if items[i].URI == uri {
			return i
		}
	}
	return -1
}

// playingStatus maps PlaybackStatus. A stopped player that still holds an
// opened item has played it to the end.
func playingStatus(v interface{}, loaded bool) playback.PlayingStatus {
	switch v {
	case "Playing":
		return playback.StatusPlaying
	case "Paused":
		return playback.StatusPaused
	case "Stopped":
		if loaded {
			return playback.StatusEnded
		}
	}
	return playback.StatusIdle
}

func loopStatus(mode playback.RepeatMode) string {
	switch mode {
	case playback.RepeatOne:
		return "Track"
	case playback.RepeatAll:
		return "Playlist"
	default:
		return "None"
	}
}

func repeatMode(status string) playback.RepeatMode {
	switch status {
	case "Track":
		return playback.RepeatOne
	case "Playlist":
		return playback.RepeatAll
	default:
		return playback.RepeatOff
	}
}
