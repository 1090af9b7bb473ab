// Package connect provides Connect RPC service implementations.
package connect

import (
	"context"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/moonggae/kmedia/internal/api/wire"
	"github.com/moonggae/kmedia/internal/app/controller"
	"github.com/moonggae/kmedia/internal/app/playback"
	"github.com/moonggae/kmedia/internal/infra/engine/local"
)

// EngineService hosts a local player for remote controllers.
type EngineService struct {
	player    *local.Player
	connector *local.Connector

	mu       sync.Mutex
	sessions map[string]*local.Session
}

// NewEngineService creates an engine service around player.
func NewEngineService(player *local.Player) *EngineService {
	return &EngineService{
		player:    player,
		connector: local.NewConnector(player),
		sessions:  make(map[string]*local.Session),
	}
}

// NewEngineServiceHandler builds the HTTP handler serving svc.
func NewEngineServiceHandler(svc *EngineService, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(wire.EngineOpenSessionProcedure, connect.NewUnaryHandler(wire.EngineOpenSessionProcedure, svc.OpenSession, opts...))
	mux.Handle(wire.EngineCloseSessionProcedure, connect.NewUnaryHandler(wire.EngineCloseSessionProcedure, svc.CloseSession, opts...))
	mux.Handle(wire.EnginePingProcedure, connect.NewUnaryHandler(wire.EnginePingProcedure, svc.Ping, opts...))
	mux.Handle(wire.EngineCommandProcedure, connect.NewUnaryHandler(wire.EngineCommandProcedure, svc.Command, opts...))
	mux.Handle(wire.EngineItemsProcedure, connect.NewUnaryHandler(wire.EngineItemsProcedure, svc.Items, opts...))
	mux.Handle(wire.EngineRecreateProcedure, connect.NewUnaryHandler(wire.EngineRecreateProcedure, svc.Recreate, opts...))
	mux.Handle(wire.EngineWatchStateProcedure, connect.NewServerStreamHandler(wire.EngineWatchStateProcedure, svc.WatchState, opts...))
	return "/" + wire.EngineServiceName + "/", mux
}

// SessionCount returns the number of open sessions.
func (s *EngineService) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close releases every session.
func (s *EngineService) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*local.Session)
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.Release()
	}
}

// OpenSession creates a session and returns its id.
func (s *EngineService) OpenSession(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	sess, err := s.connector.Connect(ctx)
	if err != nil {
		return nil, engineError(err)
	}
	id := uuid.NewString()

	s.mu.Lock()
	s.sessions[id] = sess.(*local.Session)
	s.mu.Unlock()

	zlog.Info().Msgf("engine: session opened: id=%s", id)
	return connect.NewResponse(wire.MustEncode(wire.SessionInfo{SessionID: id, Engine: s.connector.Name()})), nil
}

// CloseSession releases the calling session.
func (s *EngineService) CloseSession(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	id := req.Header().Get(wire.SessionHeader)

	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, errors.Newf("unknown session %q", id))
	}
	_ = sess.Release()
	zlog.Info().Msgf("engine: session closed: id=%s", id)
	return connect.NewResponse(&structpb.Struct{}), nil
}

// Ping reports whether the calling session is alive.
func (s *EngineService) Ping(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	if _, err := s.session(req.Header()); err != nil {
		return nil, err
	}
	return connect.NewResponse(&structpb.Struct{}), nil
}

// Command applies one command to the player.
func (s *EngineService) Command(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	sess, err := s.session(req.Header())
	if err != nil {
		return nil, err
	}
	var cmd wire.Command
	if err := wire.Decode(req.Msg, &cmd); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	if cmd.Op == wire.OpSetMuted {
		err = s.player.SetMuted(cmd.Enabled)
	} else {
		err = applyToSession(ctx, sess, cmd)
	}
	if err != nil {
		return nil, engineError(err)
	}
	return connect.NewResponse(&structpb.Struct{}), nil
}

// Items returns the player's playlist.
func (s *EngineService) Items(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	sess, err := s.session(req.Header())
	if err != nil {
		return nil, err
	}
	items, err := sess.Items(ctx)
	if err != nil {
		return nil, engineError(err)
	}
	return connect.NewResponse(wire.MustEncode(wire.Items{Items: wire.FromMedia(items)})), nil
}

// Recreate rebuilds the player pipeline.
func (s *EngineService) Recreate(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	sess, err := s.session(req.Header())
	if err != nil {
		return nil, err
	}
	if err := sess.Recreate(ctx); err != nil {
		return nil, engineError(err)
	}
	return connect.NewResponse(&structpb.Struct{}), nil
}

// WatchState streams player snapshots for the lifetime of the session.
func (s *EngineService) WatchState(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
	stream *connect.ServerStream[structpb.Struct],
) error {
	sess, err := s.session(req.Header())
	if err != nil {
		return err
	}

	var sendErr error
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	err = sess.Watch(ctx, func(snap playback.Snapshot) {
		if sendErr != nil {
			return
		}
		if sendErr = stream.Send(wire.MustEncode(wire.FromSnapshot(snap))); sendErr != nil {
			cancel()
		}
	})
	switch {
	case sendErr != nil:
		return sendErr
	case errors.Is(err, context.Canceled):
		return nil
	default:
		return engineError(err)
	}
}

func (s *EngineService) session(h http.Header) (*local.Session, error) {
	id := h.Get(wire.SessionHeader)
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok && !sess.Connected() {
		delete(s.sessions, id)
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, errors.Newf("unknown session %q", id))
	}
	return sess, nil
}

// applyToSession runs an engine-level command on sess.
func applyToSession(ctx context.Context, sess controller.Session, cmd wire.Command) error {
	switch cmd.Op {
	case wire.OpPlay:
		return sess.Play(ctx)
	case wire.OpPause:
		return sess.Pause(ctx)
	case wire.OpStop:
		return sess.Stop(ctx)
	case wire.OpSeek:
		return sess.SeekTo(ctx, time.Duration(cmd.PositionMS)*time.Millisecond)
	case wire.OpPrevious:
		return sess.Previous(ctx)
	case wire.OpNext:
		return sess.Next(ctx)
	case wire.OpSkipTo:
		return sess.SkipTo(ctx, cmd.Index)
	case wire.OpSetRepeat:
		return sess.SetRepeatMode(ctx, playback.ParseRepeatMode(cmd.Mode))
	case wire.OpSetShuffle:
		return sess.SetShuffle(ctx, cmd.Enabled)
	case wire.OpSetSpeed:
		return sess.SetSpeed(ctx, cmd.Speed)
	case wire.OpSetVolume:
		return sess.SetVolume(ctx, cmd.Level, cmd.Flags)
	case wire.OpSetItems:
		return sess.SetItems(ctx, wire.ToMedia(cmd.Items), cmd.Index, time.Duration(cmd.PositionMS)*time.Millisecond)
	case wire.OpPrepare:
		return sess.Prepare(ctx)
	case wire.OpAddItems:
		return sess.AddItems(ctx, wire.ToMedia(cmd.Items))
	case wire.OpMoveItem:
		return sess.MoveItem(ctx, cmd.From, cmd.To)
	case wire.OpRemoveItem:
		return sess.RemoveItem(ctx, cmd.Index)
	case wire.OpReplaceItem:
		if cmd.Item == nil {
			return errInvalidCommand(cmd, "item is required")
		}
		return sess.ReplaceItem(ctx, cmd.Index, cmd.Item.Media())
	default:
		return errInvalidCommand(cmd, "unknown op")
	}
}

var errInvalid = errors.New("invalid command")

func errInvalidCommand(cmd wire.Command, reason string) error {
	return errors.Wrapf(errInvalid, "%s: %s", cmd.Op, reason)
}

// engineError maps engine errors to Connect codes.
func engineError(err error) error {
	var connectErr *connect.Error
	switch {
	case errors.As(err, &connectErr):
		return err
	case errors.Is(err, local.ErrSessionLost):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, local.ErrClosed):
		return connect.NewError(connect.CodeUnavailable, err)
	case errors.Is(err, local.ErrIndexOutOfRange),
		errors.Is(err, local.ErrInvalidSpeed),
		errors.Is(err, errInvalid):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, local.ErrEmptyPlaylist):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
