package connect

import (
	"context"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/moonggae/kmedia/internal/api/wire"
	"github.com/moonggae/kmedia/internal/app/cache"
	"github.com/moonggae/kmedia/internal/app/controller"
	"github.com/moonggae/kmedia/internal/app/playback"
	"github.com/moonggae/kmedia/internal/app/sleep"
)

// ControlService exposes the daemon's control surface to UI clients.
type ControlService struct {
	controller *controller.Manager
	timer      *sleep.Timer
	cache      *cache.Repository
	stream     *playback.Stream
}

// NewControlService creates a new ControlService.
func NewControlService(
	ctrl *controller.Manager,
	timer *sleep.Timer,
	repo *cache.Repository,
	stream *playback.Stream,
) *ControlService {
	return &ControlService{
		controller: ctrl,
		timer:      timer,
		cache:      repo,
		stream:     stream,
	}
}

// NewControlServiceHandler builds the HTTP handler serving svc.
func NewControlServiceHandler(svc *ControlService, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	unary := func(procedure string, fn func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error)) {
		mux.Handle(procedure, connect.NewUnaryHandler(procedure, fn, opts...))
	}
	stream := func(procedure string, fn func(context.Context, *connect.Request[structpb.Struct], *connect.ServerStream[structpb.Struct]) error) {
		mux.Handle(procedure, connect.NewServerStreamHandler(procedure, fn, opts...))
	}

	unary(wire.ControlCommandProcedure, svc.Command)
	unary(wire.ControlSleepStartProcedure, svc.SleepStart)
	unary(wire.ControlSleepStartTrackEndProcedure, svc.SleepStartTrackEnd)
	unary(wire.ControlSleepCancelProcedure, svc.SleepCancel)
	unary(wire.ControlCacheSetEnabledProcedure, svc.CacheSetEnabled)
	unary(wire.ControlCacheSetMaxSizeProcedure, svc.CacheSetMaxSize)
	unary(wire.ControlCachePrecacheProcedure, svc.CachePrecache)
	unary(wire.ControlCacheRemoveProcedure, svc.CacheRemove)
	stream(wire.ControlWatchSleepProcedure, svc.WatchSleep)
	stream(wire.ControlWatchPlaybackProcedure, svc.WatchPlayback)
	stream(wire.ControlWatchCacheStatusProcedure, svc.WatchCacheStatus)
	stream(wire.ControlWatchCacheUsageProcedure, svc.WatchCacheUsage)

	return "/" + wire.ControlServiceName + "/", mux
}

func empty() *connect.Response[structpb.Struct] {
	return connect.NewResponse(&structpb.Struct{})
}

func decode[T any](req *connect.Request[structpb.Struct]) (T, error) {
	var v T
	if err := wire.Decode(req.Msg, &v); err != nil {
		return v, connect.NewError(connect.CodeInvalidArgument, err)
	}
	return v, nil
}

// Command queues one control command. Commands never fail once accepted.
func (s *ControlService) Command(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	cmd, err := decode[wire.Command](req)
	if err != nil {
		return nil, err
	}
	if err := s.submit(cmd); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	return empty(), nil
}

func (s *ControlService) submit(cmd wire.Command) error {
	m := s.controller
	switch cmd.Op {
	case wire.OpPlay:
		m.Play()
	case wire.OpPause:
		m.Pause()
	case wire.OpStop:
		m.Stop()
	case wire.OpSeek:
		m.SeekTo(time.Duration(cmd.PositionMS) * time.Millisecond)
	case wire.OpPrevious:
		m.Previous()
	case wire.OpNext:
		m.Next()
	case wire.OpSkipTo:
		m.SkipTo(cmd.Index)
	case wire.OpSetRepeat:
		m.SetRepeatMode(playback.ParseRepeatMode(cmd.Mode))
	case wire.OpSetShuffle:
		m.SetShuffleMode(cmd.Enabled)
	case wire.OpSetSpeed:
		if cmd.Speed <= 0 {
			return errInvalidCommand(cmd, "speed must be positive")
		}
		m.SetSpeed(cmd.Speed)
	case wire.OpSetVolume:
		m.SetVolume(cmd.Level, cmd.Flags)
	case wire.OpMoveItem:
		m.MoveItem(cmd.From, cmd.To)
	case wire.OpReplaceItem:
		if cmd.Item == nil {
			return errInvalidCommand(cmd, "item is required")
		}
		m.ReplaceItem(cmd.Index, cmd.Item.Media())
	case wire.OpPlayItems:
		m.PlayItems(wire.ToMedia(cmd.Items), cmd.Index)
	case wire.OpPrepareList:
		m.Prepare(wire.ToMedia(cmd.Items), cmd.Index, time.Duration(cmd.PositionMS)*time.Millisecond)
	case wire.OpAppendItems:
		m.AppendItems(wire.ToMedia(cmd.Items))
	case wire.OpRemoveItems:
		m.RemoveItems(cmd.IDs...)
	case wire.OpRelease:
		m.Release()
	case wire.OpRecreate:
		m.RecreatePlayer()
	default:
		return errInvalidCommand(cmd, "unknown op")
	}
	return nil
}

// SleepStart starts a duration sleep timer.
func (s *ControlService) SleepStart(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	msg, err := decode[wire.SleepStart](req)
	if err != nil {
		return nil, err
	}
	s.timer.Start(time.Duration(msg.DurationMS) * time.Millisecond)
	return connect.NewResponse(wire.MustEncode(sleepState(s.timer.State()))), nil
}

// SleepStartTrackEnd stops playback at the end of the current track.
func (s *ControlService) SleepStartTrackEnd(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	s.timer.StartUntilCurrentTrackEnd()
	return connect.NewResponse(wire.MustEncode(sleepState(s.timer.State()))), nil
}

// SleepCancel cancels the sleep timer.
func (s *ControlService) SleepCancel(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	s.timer.Cancel()
	return empty(), nil
}

// WatchSleep streams sleep timer states.
func (s *ControlService) WatchSleep(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
	stream *connect.ServerStream[structpb.Struct],
) error {
	for st := range s.timer.Subscribe(ctx) {
		if err := stream.Send(wire.MustEncode(sleepState(st))); err != nil {
			return err
		}
	}
	return nil
}

// WatchPlayback streams playback snapshots.
func (s *ControlService) WatchPlayback(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
	stream *connect.ServerStream[structpb.Struct],
) error {
	for snap := range s.stream.Subscribe(ctx) {
		if err := stream.Send(wire.MustEncode(wire.FromSnapshot(snap))); err != nil {
			return err
		}
	}
	return nil
}

// CacheSetEnabled enables or disables caching.
func (s *ControlService) CacheSetEnabled(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	msg, err := decode[wire.CacheEnabled](req)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetEnabled(ctx, msg.Enabled); err != nil {
		return nil, cacheError(err)
	}
	return empty(), nil
}

// CacheSetMaxSize changes the cache size limit.
func (s *ControlService) CacheSetMaxSize(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	msg, err := decode[wire.CacheMaxSize](req)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetMaxSizeMB(ctx, msg.MaxSizeMB); err != nil {
		return nil, cacheError(err)
	}
	return empty(), nil
}

// CachePrecache queues a download.
func (s *ControlService) CachePrecache(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	msg, err := decode[wire.Precache](req)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Precache(msg.URL, msg.Key); err != nil {
		return nil, cacheError(err)
	}
	return empty(), nil
}

// CacheRemove removes cached items.
func (s *ControlService) CacheRemove(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	msg, err := decode[wire.CacheKeys](req)
	if err != nil {
		return nil, err
	}
	if err := s.cache.RemoveCached(ctx, msg.Keys...); err != nil {
		return nil, cacheError(err)
	}
	return empty(), nil
}

// WatchCacheStatus streams cache status events, optionally for one item.
func (s *ControlService) WatchCacheStatus(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
	stream *connect.ServerStream[structpb.Struct],
) error {
	msg, err := decode[wire.CacheStatusFilter](req)
	if err != nil {
		return err
	}
	for env := range s.cache.ObserveStatus(ctx, msg.ItemID) {
		if err := stream.Send(wire.MustEncode(wire.CacheStatus{
			SequenceNo: env.SequenceNo,
			ItemID:     env.Event.ItemID,
			Status:     env.Event.Status.String(),
		})); err != nil {
			return err
		}
	}
	return nil
}

// WatchCacheUsage streams the used cache size.
func (s *ControlService) WatchCacheUsage(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
	stream *connect.ServerStream[structpb.Struct],
) error {
	for used := range s.cache.ObserveUsedBytes(ctx) {
		if err := stream.Send(wire.MustEncode(wire.CacheUsage{UsedBytes: used})); err != nil {
			return err
		}
	}
	return nil
}

func sleepState(st sleep.State) wire.SleepState {
	out := wire.SleepState{
		Mode:          st.Mode.String(),
		DurationMS:    st.Duration.Milliseconds(),
		TargetMediaID: st.TargetMediaID,
		Text:          st.StatusText(),
	}
	if r, ok := st.RemainingValue(); ok {
		ms := r.Milliseconds()
		out.RemainingMS = &ms
	}
	return out
}

func cacheError(err error) error {
	switch {
	case errors.Is(err, cache.ErrInvalidRequest):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, cache.ErrDisabled):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, cache.ErrClosed):
		return connect.NewError(connect.CodeUnavailable, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
