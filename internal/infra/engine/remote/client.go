// Package remote connects to a playback engine process over Connect RPC.
package remote

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/moonggae/kmedia/internal/api/wire"
	"github.com/moonggae/kmedia/internal/app/controller"
	"github.com/moonggae/kmedia/internal/app/playback"
	"github.com/moonggae/kmedia/internal/domain/media"
)

// ErrSessionLost is returned by a session the engine no longer knows.
var ErrSessionLost = errors.New("remote engine session lost")

// releaseTimeout bounds the CloseSession call made by Release.
const releaseTimeout = 2 * time.Second

// Config holds remote engine settings.
type Config struct {
	URL   string `mapstructure:"url" validate:"required,url"`
	Token string `mapstructure:"token"`
}

type rpcClient = connect.Client[structpb.Struct, structpb.Struct]

// Connector opens sessions on a remote engine.
type Connector struct {
	config Config

	open     *rpcClient
	close    *rpcClient
	ping     *rpcClient
	command  *rpcClient
	items    *rpcClient
	recreate *rpcClient
	watch    *rpcClient
}

// NewConnector creates a connector. A nil httpClient uses http.DefaultClient.
func NewConnector(httpClient connect.HTTPClient, config Config) *Connector {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	base := strings.TrimRight(config.URL, "/")
	client := func(procedure string) *rpcClient {
		return connect.NewClient[structpb.Struct, structpb.Struct](httpClient, base+procedure)
	}
	return &Connector{
		config:   config,
		open:     client(wire.EngineOpenSessionProcedure),
		close:    client(wire.EngineCloseSessionProcedure),
		ping:     client(wire.EnginePingProcedure),
		command:  client(wire.EngineCommandProcedure),
		items:    client(wire.EngineItemsProcedure),
		recreate: client(wire.EngineRecreateProcedure),
		watch:    client(wire.EngineWatchStateProcedure),
	}
}

// Name returns the engine type.
func (c *Connector) Name() string { return "remote" }

// Connect opens a session on the engine.
func (c *Connector) Connect(ctx context.Context) (controller.Session, error) {
	req := connect.NewRequest(&structpb.Struct{})
	c.authorize(req.Header())

	resp, err := c.open.CallUnary(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "open session on %s", c.config.URL)
	}
	var info wire.SessionInfo
	if err := wire.Decode(resp.Msg, &info); err != nil {
		return nil, err
	}
	if info.SessionID == "" {
		return nil, errors.Newf("engine %s returned no session id", c.config.URL)
	}

	zlog.Debug().Msgf("engine: remote session opened: id=%s", info.SessionID)
	s := &Session{connector: c, id: info.SessionID}
	s.alive.Store(true)
	return s, nil
}

func (c *Connector) authorize(h http.Header) {
	if c.config.Token != "" {
		h.Set(wire.TokenHeader, c.config.Token)
	}
}

// Session is a control session on a remote engine.
type Session struct {
	connector *Connector
	id        string
	alive     atomic.Bool
}

var (
	_ controller.Session   = (*Session)(nil)
	_ controller.Watcher   = (*Session)(nil)
	_ controller.Recreator = (*Session)(nil)
)

// ID returns the engine-side session id.
func (s *Session) ID() string { return s.id }

// Connected reports whether the engine was reachable and knew the session at
// the last call.
func (s *Session) Connected() bool {
	return s.alive.Load()
}

// Release closes the engine-side session.
func (s *Session) Release() error {
	if !s.alive.Swap(false) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	_, err := s.connector.close.CallUnary(ctx, s.request(&structpb.Struct{}))
	if err != nil && connect.CodeOf(err) != connect.CodeNotFound {
		return errors.Wrapf(err, "close session %s", s.id)
	}
	return nil
}

// Ping checks the session on the engine and updates liveness.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.call(ctx, s.connector.ping, &structpb.Struct{})
	return err
}

func (s *Session) request(msg *structpb.Struct) *connect.Request[structpb.Struct] {
	req := connect.NewRequest(msg)
	req.Header().Set(wire.SessionHeader, s.id)
	s.connector.authorize(req.Header())
	return req
}

// call performs a unary call and marks the session dead when the engine is
// gone or has forgotten the session.
func (s *Session) call(ctx context.Context, client *rpcClient, msg *structpb.Struct) (*structpb.Struct, error) {
	if !s.alive.Load() {
		return nil, ErrSessionLost
	}
	resp, err := client.CallUnary(ctx, s.request(msg))
	if err != nil {
		s.observe(err)
		return nil, errors.Wrapf(err, "session %s", s.id)
	}
	return resp.Msg, nil
}

func (s *Session) observe(err error) {
	switch connect.CodeOf(err) {
	case connect.CodeUnavailable, connect.CodeNotFound:
		if s.alive.Swap(false) {
			zlog.Warn().Msgf("engine: remote session %s lost: %v", s.id, err)
		}
	}
}

func (s *Session) send(ctx context.Context, cmd wire.Command) error {
	msg, err := wire.Encode(cmd)
	if err != nil {
		return err
	}
	_, err = s.call(ctx, s.connector.command, msg)
	return err
}

func (s *Session) Play(ctx context.Context) error {
	return s.send(ctx, wire.Command{Op: wire.OpPlay})
}

func (s *Session) Pause(ctx context.Context) error {
	return s.send(ctx, wire.Command{Op: wire.OpPause})
}

func (s *Session) Stop(ctx context.Context) error {
	return s.send(ctx, wire.Command{Op: wire.OpStop})
}

func (s *Session) Previous(ctx context.Context) error {
	return s.send(ctx, wire.Command{Op: wire.OpPrevious})
}

func (s *Session) Next(ctx context.Context) error {
	return s.send(ctx, wire.Command{Op: wire.OpNext})
}

func (s *Session) Prepare(ctx context.Context) error {
	return s.send(ctx, wire.Command{Op: wire.OpPrepare})
}

func (s *Session) SeekTo(ctx context.Context, position time.Duration) error {
	return s.send(ctx, wire.Command{Op: wire.OpSeek, PositionMS: position.Milliseconds()})
}

func (s *Session) SkipTo(ctx context.Context, index int) error {
	return s.send(ctx, wire.Command{Op: wire.OpSkipTo, Index: index})
}

func (s *Session) SetRepeatMode(ctx context.Context, mode playback.RepeatMode) error {
	return s.send(ctx, wire.Command{Op: wire.OpSetRepeat, Mode: mode.String()})
}

func (s *Session) SetShuffle(ctx context.Context, enabled bool) error {
	return s.send(ctx, wire.Command{Op: wire.OpSetShuffle, Enabled: enabled})
}

func (s *Session) SetSpeed(ctx context.Context, speed float32) error {
	return s.send(ctx, wire.Command{Op: wire.OpSetSpeed, Speed: speed})
}

func (s *Session) SetVolume(ctx context.Context, level float32, flags int) error {
	return s.send(ctx, wire.Command{Op: wire.OpSetVolume, Level: level, Flags: flags})
}

func (s *Session) SetItems(ctx context.Context, items []media.Media, startIndex int, startPosition time.Duration) error {
	var pos int64
	if startPosition != playback.TimeUnset {
		pos = startPosition.Milliseconds()
	}
	return s.send(ctx, wire.Command{
		Op:         wire.OpSetItems,
		Items:      wire.FromMedia(items),
		Index:      startIndex,
		PositionMS: pos,
	})
}

func (s *Session) AddItems(ctx context.Context, items []media.Media) error {
	return s.send(ctx, wire.Command{Op: wire.OpAddItems, Items: wire.FromMedia(items)})
}

func (s *Session) MoveItem(ctx context.Context, from, to int) error {
	return s.send(ctx, wire.Command{Op: wire.OpMoveItem, From: from, To: to})
}

func (s *Session) RemoveItem(ctx context.Context, index int) error {
	return s.send(ctx, wire.Command{Op: wire.OpRemoveItem, Index: index})
}

func (s *Session) ReplaceItem(ctx context.Context, index int, item media.Media) error {
	it := wire.FromMediaItem(item)
	return s.send(ctx, wire.Command{Op: wire.OpReplaceItem, Index: index, Item: &it})
}

// Items returns the engine playlist.
func (s *Session) Items(ctx context.Context) ([]media.Media, error) {
	msg, err := s.call(ctx, s.connector.items, &structpb.Struct{})
	if err != nil {
		return nil, err
	}
	var items wire.Items
	if err := wire.Decode(msg, &items); err != nil {
		return nil, err
	}
	return wire.ToMedia(items.Items), nil
}

// Recreate asks the engine to rebuild its pipeline.
func (s *Session) Recreate(ctx context.Context) error {
	_, err := s.call(ctx, s.connector.recreate, &structpb.Struct{})
	return err
}

// Watch streams engine state until ctx is done. A stream that ends while
// ctx is live means the engine went away, so the session is marked dead.
func (s *Session) Watch(ctx context.Context, publish func(playback.Snapshot)) error {
	if !s.alive.Load() {
		return ErrSessionLost
	}
	stream, err := s.connector.watch.CallServerStream(ctx, s.request(&structpb.Struct{}))
	if err != nil {
		s.observe(err)
		return errors.Wrapf(err, "watch session %s", s.id)
	}
	defer stream.Close()

	for stream.Receive() {
		var st wire.State
		if err := wire.Decode(stream.Msg(), &st); err != nil {
			zlog.Warn().Msgf("engine: dropping malformed state: %v", err)
			continue
		}
		publish(st.Snapshot())
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	err = stream.Err()
	if err == nil {
		err = ErrSessionLost
	}
	s.observe(connect.NewError(connect.CodeUnavailable, err))
	return errors.Wrapf(err, "watch session %s", s.id)
}
