package connect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/moonggae/kmedia/internal/api/wire"
	"github.com/moonggae/kmedia/internal/app/cache"
	"github.com/moonggae/kmedia/internal/app/controller"
	"github.com/moonggae/kmedia/internal/app/playback"
	"github.com/moonggae/kmedia/internal/app/sleep"
	"github.com/moonggae/kmedia/internal/infra/cachestore"
	"github.com/moonggae/kmedia/internal/infra/engine/local"
)

type controlFixture struct {
	player *local.Player
	url    string
	client *http.Client
}

func newControlServer(t *testing.T) *controlFixture {
	t.Helper()
	player := local.NewPlayer(local.Config{ReportInterval: 5 * time.Millisecond})
	t.Cleanup(player.Close)

	stream := playback.NewStream()
	ctrl := controller.NewManager(local.NewConnector(player), stream, controller.DefaultConfig())
	t.Cleanup(ctrl.Close)

	timer := sleep.NewTimer(ctrl, stream, sleep.Config{
		MinDuration:   10 * time.Millisecond,
		TickInterval:  10 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
		FadeDuration:  40 * time.Millisecond,
		FadeStep:      5 * time.Millisecond,
		MinFadeVolume: 0.01,
	})
	t.Cleanup(timer.Close)

	store, err := cachestore.Open(t.TempDir(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	repo, err := cache.NewRepository(context.Background(), store, ctrl, cache.Config{
		Enabled:         true,
		MaxSizeMB:       100,
		StartsPerSecond: 1000,
		PollInterval:    20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(repo.Close)

	mux := http.NewServeMux()
	path, handler := NewControlServiceHandler(
		NewControlService(ctrl, timer, repo, stream),
		connect.WithInterceptors(NewTokenInterceptor(testToken)),
	)
	mux.Handle(path, handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &controlFixture{player: player, url: srv.URL, client: srv.Client()}
}

func (f *controlFixture) call(t *testing.T, procedure string, payload any) (*structpb.Struct, error) {
	t.Helper()
	client := connect.NewClient[structpb.Struct, structpb.Struct](f.client, f.url+procedure)
	req := connect.NewRequest(wire.MustEncode(payload))
	req.Header().Set(wire.TokenHeader, testToken)
	resp, err := client.CallUnary(context.Background(), req)
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (f *controlFixture) watch(t *testing.T, ctx context.Context, procedure string, payload any) *connect.ServerStreamForClient[structpb.Struct] {
	t.Helper()
	client := connect.NewClient[structpb.Struct, structpb.Struct](f.client, f.url+procedure)
	req := connect.NewRequest(wire.MustEncode(payload))
	req.Header().Set(wire.TokenHeader, testToken)
	stream, err := client.CallServerStream(ctx, req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = stream.Close() })
	return stream
}

func receive[T any](t *testing.T, stream *connect.ServerStreamForClient[structpb.Struct]) T {
	t.Helper()
	require.True(t, stream.Receive(), "stream ended: %v", stream.Err())
	var v T
	require.NoError(t, wire.Decode(stream.Msg(), &v))
	return v
}

func TestControlService_Command(t *testing.T) {
	f := newControlServer(t)

	_, err := f.call(t, wire.ControlCommandProcedure, wire.Command{
		Op:    wire.OpPlayItems,
		Items: wire.FromMedia(testItems("a", "b", "c")),
		Index: 1,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := f.player.Snapshot()
		return snap.MediaID == "b" && snap.Status == playback.StatusPlaying
	}, 3*time.Second, 5*time.Millisecond)

	_, err = f.call(t, wire.ControlCommandProcedure, wire.Command{Op: wire.OpRemoveItems, IDs: []string{"a", "c"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		items, err := f.player.Items()
		return err == nil && len(items) == 1
	}, 3*time.Second, 5*time.Millisecond)

	_, err = f.call(t, wire.ControlCommandProcedure, wire.Command{Op: "dance"})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = f.call(t, wire.ControlCommandProcedure, wire.Command{Op: wire.OpSetSpeed})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}

func TestControlService_WatchPlayback(t *testing.T) {
	f := newControlServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := f.watch(t, ctx, wire.ControlWatchPlaybackProcedure, struct{}{})
	first := receive[wire.State](t, stream)
	assert.Empty(t, first.MediaID)

	_, err := f.call(t, wire.ControlCommandProcedure, wire.Command{Op: wire.OpPlayItems, Items: wire.FromMedia(testItems("a"))})
	require.NoError(t, err)

	for {
		st := receive[wire.State](t, stream)
		if st.MediaID == "a" && st.Status == playback.StatusPlaying.String() {
			require.NotNil(t, st.DurationMS)
			assert.Equal(t, (10 * time.Minute).Milliseconds(), *st.DurationMS)
			return
		}
	}
}

func TestControlService_SleepTimer(t *testing.T) {
	f := newControlServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t.Run("TrackEndWithoutMediaStaysOff", func(t *testing.T) {
		msg, err := f.call(t, wire.ControlSleepStartTrackEndProcedure, struct{}{})
		require.NoError(t, err)
		var st wire.SleepState
		require.NoError(t, wire.Decode(msg, &st))
		assert.Equal(t, sleep.ModeOff.String(), st.Mode)
		assert.Equal(t, "Sleep timer is off.", st.Text)
	})

	t.Run("DurationPausesPlayback", func(t *testing.T) {
		_, err := f.call(t, wire.ControlCommandProcedure, wire.Command{Op: wire.OpPlayItems, Items: wire.FromMedia(testItems("a"))})
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return f.player.Snapshot().Status == playback.StatusPlaying
		}, 3*time.Second, 5*time.Millisecond)

		stream := f.watch(t, ctx, wire.ControlWatchSleepProcedure, struct{}{})
		assert.Equal(t, sleep.ModeOff.String(), receive[wire.SleepState](t, stream).Mode)

		msg, err := f.call(t, wire.ControlSleepStartProcedure, wire.SleepStart{DurationMS: 50})
		require.NoError(t, err)
		var started wire.SleepState
		require.NoError(t, wire.Decode(msg, &started))
		assert.Equal(t, sleep.ModeDuration.String(), started.Mode)
		assert.Equal(t, int64(50), started.DurationMS)

		for {
			st := receive[wire.SleepState](t, stream)
			if st.Mode == sleep.ModeOff.String() {
				break
			}
			assert.Equal(t, sleep.ModeDuration.String(), st.Mode)
		}
		require.Eventually(t, func() bool {
			snap := f.player.Snapshot()
			return snap.Status == playback.StatusPaused && snap.Volume == 1
		}, 3*time.Second, 5*time.Millisecond)
	})

	t.Run("Cancel", func(t *testing.T) {
		_, err := f.call(t, wire.ControlSleepStartProcedure, wire.SleepStart{DurationMS: time.Hour.Milliseconds()})
		require.NoError(t, err)
		_, err = f.call(t, wire.ControlSleepCancelProcedure, struct{}{})
		require.NoError(t, err)

		stream := f.watch(t, ctx, wire.ControlWatchSleepProcedure, struct{}{})
		assert.Equal(t, sleep.ModeOff.String(), receive[wire.SleepState](t, stream).Mode)
	})
}

func TestControlService_Cache(t *testing.T) {
	f := newControlServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("audio"))
	}))
	defer media.Close()

	statuses := f.watch(t, ctx, wire.ControlWatchCacheStatusProcedure, wire.CacheStatusFilter{ItemID: "song"})
	usage := f.watch(t, ctx, wire.ControlWatchCacheUsageProcedure, struct{}{})
	assert.Zero(t, receive[wire.CacheUsage](t, usage).UsedBytes)

	_, err := f.call(t, wire.ControlCachePrecacheProcedure, wire.Precache{URL: media.URL + "/song.mp3", Key: "song"})
	require.NoError(t, err)

	var got []string
	for range 3 {
		got = append(got, receive[wire.CacheStatus](t, statuses).Status)
	}
	assert.Equal(t, []string{"queued", "caching", "cached"}, got)

	for receive[wire.CacheUsage](t, usage).UsedBytes != 5 {
	}

	_, err = f.call(t, wire.ControlCachePrecacheProcedure, wire.Precache{URL: "ftp://x/y", Key: "song"})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = f.call(t, wire.ControlCacheSetMaxSizeProcedure, wire.CacheMaxSize{MaxSizeMB: 0})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = f.call(t, wire.ControlCacheSetEnabledProcedure, wire.CacheEnabled{Enabled: false})
	require.NoError(t, err)
	assert.Equal(t, "none", receive[wire.CacheStatus](t, statuses).Status)
	require.Eventually(t, func() bool { return f.player.Recreations() == 1 }, 3*time.Second, 5*time.Millisecond,
		"toggling the cache recreates the player")

	_, err = f.call(t, wire.ControlCachePrecacheProcedure, wire.Precache{URL: media.URL + "/song.mp3", Key: "song"})
	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err))
}

func TestControlService_RequiresToken(t *testing.T) {
	f := newControlServer(t)
	client := connect.NewClient[structpb.Struct, structpb.Struct](f.client, f.url+wire.ControlSleepCancelProcedure)

	_, err := client.CallUnary(context.Background(), connect.NewRequest(&structpb.Struct{}))
	assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))
}
