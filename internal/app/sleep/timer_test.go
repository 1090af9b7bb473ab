package sleep

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/moonggae/kmedia/internal/app/playback"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeCommander struct {
	mu      sync.Mutex
	volumes []float32
	pauses  int
	onSet   func(call int) // called with the 1-based index of each SetVolume
}

func (c *fakeCommander) SetVolume(level float32, _ int) {
	c.mu.Lock()
	c.volumes = append(c.volumes, level)
	call := len(c.volumes)
	hook := c.onSet
	c.mu.Unlock()

	if hook != nil {
		hook(call)
	}
}

func (c *fakeCommander) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pauses++
}

func (c *fakeCommander) Volumes() []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.volumes)
}

func (c *fakeCommander) Pauses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pauses
}

type fakeSource struct {
	mu   sync.Mutex
	snap playback.Snapshot
}

func newSource(mutate func(*playback.Snapshot)) *fakeSource {
	snap := playback.EmptySnapshot()
	if mutate != nil {
		mutate(&snap)
	}
	return &fakeSource{snap: snap}
}

func (s *fakeSource) Load() playback.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *fakeSource) Set(mutate func(*playback.Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.snap)
}

func fastConfig() Config {
	return Config{
		MinDuration:   10 * time.Millisecond,
		TickInterval:  10 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
		FadeDuration:  100 * time.Millisecond,
		FadeStep:      5 * time.Millisecond,
		MinFadeVolume: 0.01,
	}
}

func volume(v float32) func(*playback.Snapshot) {
	return func(s *playback.Snapshot) { s.Volume = v }
}

func playing(id string, position, duration time.Duration) func(*playback.Snapshot) {
	return func(s *playback.Snapshot) {
		s.MediaID = id
		s.Position = position
		s.Duration = duration
		s.Status = playback.StatusPlaying
		s.Volume = 0
	}
}

func newTestTimer(t *testing.T, source *fakeSource, config Config) (*Timer, *fakeCommander) {
	t.Helper()
	cmd := &fakeCommander{}
	timer := NewTimer(cmd, source, config)
	t.Cleanup(timer.Close)
	return timer, cmd
}

func TestTimer_StartClampsDuration(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{name: "Zero", in: 0, want: time.Second},
		{name: "Negative", in: -5 * time.Second, want: time.Second},
		{name: "Below minimum", in: 999 * time.Millisecond, want: time.Second},
		{name: "At minimum", in: time.Second, want: time.Second},
		{name: "Above minimum", in: 90 * time.Minute, want: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timer, _ := newTestTimer(t, newSource(nil), DefaultConfig())

			timer.Start(tt.in)

			state := timer.State()
			assert.Equal(t, ModeDuration, state.Mode)
			assert.Equal(t, tt.want, state.Duration)
			remaining, ok := state.RemainingValue()
			require.True(t, ok)
			assert.LessOrEqual(t, remaining, tt.want)
			assert.Empty(t, state.TargetMediaID)
		})
	}
}

func TestTimer_CancelIdleIsNoop(t *testing.T) {
	timer, cmd := newTestTimer(t, newSource(nil), DefaultConfig())

	assert.NotPanics(t, timer.Cancel)
	assert.NotPanics(t, timer.Cancel)

	assert.Equal(t, State{}, timer.State())
	assert.Equal(t, uint64(0), timer.state.Version(), "no state was published")
	assert.Zero(t, cmd.Pauses())
}

func TestTimer_CancelClearsAllFields(t *testing.T) {
	source := newSource(playing("a", 0, 10*time.Minute))
	timer, _ := newTestTimer(t, source, DefaultConfig())

	timer.StartUntilCurrentTrackEnd()
	require.Equal(t, ModeCurrentTrackEnd, timer.State().Mode)

	timer.Cancel()

	state := timer.State()
	assert.Equal(t, ModeOff, state.Mode)
	assert.Zero(t, state.Duration)
	assert.Nil(t, state.Remaining)
	assert.Empty(t, state.TargetMediaID)
}

func TestTimer_NewTimerSupersedesRunningOne(t *testing.T) {
	source := newSource(playing("a", 0, 10*time.Minute))
	timer, _ := newTestTimer(t, source, fastConfig())

	timer.Start(time.Hour)
	time.Sleep(30 * time.Millisecond)

	timer.StartUntilCurrentTrackEnd()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	for state := range timer.Subscribe(ctx) {
		assert.Equal(t, ModeCurrentTrackEnd, state.Mode, "stale duration task wrote after supersession")
		assert.Zero(t, state.Duration)
		assert.Equal(t, "a", state.TargetMediaID)
	}

	timer.Start(time.Hour)
	state := timer.State()
	assert.Equal(t, ModeDuration, state.Mode)
	assert.Empty(t, state.TargetMediaID)
}

func TestTimer_DurationCountdown(t *testing.T) {
	config := fastConfig()
	config.MinDuration = 200 * time.Millisecond
	config.TickInterval = 20 * time.Millisecond
	timer, cmd := newTestTimer(t, newSource(volume(0)), config)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	states := timer.Subscribe(ctx)
	<-states // initial Off

	timer.Start(200 * time.Millisecond)

	var (
		last     = time.Duration(1 << 62)
		reachedZ time.Time
	)
	for state := range states {
		if state.Mode == ModeOff {
			break
		}
		remaining, ok := state.RemainingValue()
		require.True(t, ok)
		assert.LessOrEqual(t, remaining, last, "remaining increased")
		last = remaining
		if remaining == 0 && reachedZ.IsZero() {
			reachedZ = time.Now()
		}
	}
	require.NoError(t, ctx.Err(), "timer never turned off")

	assert.Equal(t, ModeOff, timer.State().Mode)
	assert.Equal(t, 1, cmd.Pauses())
	if !reachedZ.IsZero() {
		assert.Less(t, time.Since(reachedZ), config.FadeDuration+50*time.Millisecond)
	}
}

func TestTimer_ScenarioStart1500(t *testing.T) {
	timer, cmd := newTestTimer(t, newSource(volume(0)), DefaultConfig())

	timer.Start(1500 * time.Millisecond)
	time.Sleep(1600 * time.Millisecond)

	assert.Equal(t, ModeOff, timer.State().Mode)
	assert.Equal(t, 1, cmd.Pauses())
	assert.Empty(t, cmd.Volumes(), "volume at 0 is not faded")
}

func TestTimer_ScenarioFadeRestoresVolume(t *testing.T) {
	timer, cmd := newTestTimer(t, newSource(volume(0.5)), DefaultConfig())

	timer.Start(time.Second)

	require.Eventually(t, func() bool {
		return timer.State().Mode == ModeOff
	}, waitFor, 10*time.Millisecond)

	volumes := cmd.Volumes()
	require.Len(t, volumes, 21, "20 fade steps plus restoration")
	assert.True(t, slices.ContainsFunc(volumes, func(v float32) bool { return v > 0 && v < 0.5 }))
	assert.InDelta(t, 0, volumes[19], 1e-6, "fade ends at zero")
	assert.Equal(t, float32(0.5), volumes[len(volumes)-1])
	assert.Equal(t, 1, cmd.Pauses())

	for i := 1; i < 20; i++ {
		assert.Less(t, volumes[i], volumes[i-1], "fade is strictly decreasing")
	}
}

func TestTimer_ScenarioMutedSkipsFade(t *testing.T) {
	source := newSource(func(s *playback.Snapshot) {
		s.Volume = 0.8
		s.Muted = true
	})
	timer, cmd := newTestTimer(t, source, DefaultConfig())

	timer.Start(time.Second)

	require.Eventually(t, func() bool {
		return timer.State().Mode == ModeOff
	}, waitFor, 10*time.Millisecond)
	assert.Empty(t, cmd.Volumes())
	assert.Equal(t, 1, cmd.Pauses())
}

func TestTimer_FadeCancelledAtEveryStepRestoresVolume(t *testing.T) {
	config := fastConfig()
	require.Equal(t, 20, config.fadeSteps())

	for step := 1; step <= 20; step++ {
		timer, cmd := newTestTimer(t, newSource(volume(0.8)), config)

		cmd.onSet = func(call int) {
			if call != step {
				return
			}
			timer.mu.Lock()
			tk := timer.task
			timer.mu.Unlock()
			tk.cancel()
		}

		timer.Start(config.MinDuration)

		require.Eventually(t, func() bool {
			return len(cmd.Volumes()) == step+1
		}, waitFor, time.Millisecond, "step %d", step)

		timer.Cancel()

		volumes := cmd.Volumes()
		assert.Len(t, volumes, step+1, "step %d: fade continued after cancellation", step)
		assert.Equal(t, float32(0.8), volumes[len(volumes)-1], "step %d: volume not restored", step)
		assert.Zero(t, cmd.Pauses(), "step %d: cancelled fade must not pause", step)
		assert.Equal(t, ModeOff, timer.State().Mode)
	}
}

func TestTimer_CancelDuringFadeRestoresBeforeReturning(t *testing.T) {
	config := fastConfig()
	config.FadeStep = 20 * time.Millisecond
	config.FadeDuration = 400 * time.Millisecond
	timer, cmd := newTestTimer(t, newSource(volume(0.6)), config)

	timer.Start(config.MinDuration)
	require.Eventually(t, func() bool {
		return len(cmd.Volumes()) >= 3
	}, waitFor, time.Millisecond)

	timer.Cancel()

	volumes := cmd.Volumes()
	assert.Equal(t, float32(0.6), volumes[len(volumes)-1])
	assert.Zero(t, cmd.Pauses())
	assert.Equal(t, ModeOff, timer.State().Mode)
}

func TestTimer_StartDuringFadeSupersedes(t *testing.T) {
	config := fastConfig()
	config.FadeStep = 20 * time.Millisecond
	config.FadeDuration = 400 * time.Millisecond
	timer, cmd := newTestTimer(t, newSource(volume(0.6)), config)

	timer.Start(config.MinDuration)
	require.Eventually(t, func() bool {
		return len(cmd.Volumes()) >= 2
	}, waitFor, time.Millisecond)

	timer.Start(time.Hour)

	volumes := cmd.Volumes()
	assert.Equal(t, float32(0.6), volumes[len(volumes)-1])
	state := timer.State()
	assert.Equal(t, ModeDuration, state.Mode)
	assert.Equal(t, time.Hour, state.Duration)
	assert.Zero(t, cmd.Pauses())
}

func TestTimer_UntilTrackEnd(t *testing.T) {
	t.Run("NoMediaIsOff", func(t *testing.T) {
		timer, cmd := newTestTimer(t, newSource(nil), fastConfig())

		timer.Start(time.Hour)
		timer.StartUntilCurrentTrackEnd()

		assert.Equal(t, State{}, timer.State())
		time.Sleep(30 * time.Millisecond)
		assert.Zero(t, cmd.Pauses())
	})

	t.Run("PublishesRemaining", func(t *testing.T) {
		source := newSource(playing("a", 2*time.Minute, 5*time.Minute))
		timer, _ := newTestTimer(t, source, fastConfig())

		timer.StartUntilCurrentTrackEnd()

		state := timer.State()
		assert.Equal(t, ModeCurrentTrackEnd, state.Mode)
		assert.Equal(t, "a", state.TargetMediaID)
		assert.Equal(t, durationPtr(3*time.Minute), state.Remaining)

		source.Set(func(s *playback.Snapshot) { s.Position = 4 * time.Minute })
		require.Eventually(t, func() bool {
			r, ok := timer.State().RemainingValue()
			return ok && r == time.Minute
		}, waitFor, tick)
	})

	t.Run("TrackChangeTriggersExpiry", func(t *testing.T) {
		source := newSource(playing("a", 0, 10*time.Minute))
		timer, cmd := newTestTimer(t, source, fastConfig())

		timer.StartUntilCurrentTrackEnd()
		time.Sleep(30 * time.Millisecond)
		require.Equal(t, ModeCurrentTrackEnd, timer.State().Mode)

		source.Set(playing("b", 0, 10*time.Minute))

		require.Eventually(t, func() bool {
			return timer.State().Mode == ModeOff
		}, waitFor, tick)
		assert.Equal(t, 1, cmd.Pauses())
	})

	t.Run("EndedTriggersExpiry", func(t *testing.T) {
		source := newSource(playing("a", 0, 10*time.Minute))
		timer, cmd := newTestTimer(t, source, fastConfig())

		timer.StartUntilCurrentTrackEnd()
		source.Set(func(s *playback.Snapshot) { s.Status = playback.StatusEnded })

		require.Eventually(t, func() bool {
			return timer.State().Mode == ModeOff
		}, waitFor, tick)
		assert.Equal(t, 1, cmd.Pauses())
	})

	t.Run("ExpiresWithinFadeMargin", func(t *testing.T) {
		config := fastConfig()
		source := newSource(playing("a", 10*time.Second-config.FadeDuration, 10*time.Second))
		timer, cmd := newTestTimer(t, source, config)

		timer.StartUntilCurrentTrackEnd()

		require.Eventually(t, func() bool {
			return timer.State().Mode == ModeOff
		}, waitFor, tick)
		assert.Equal(t, 1, cmd.Pauses())
	})

	t.Run("UnknownDurationNeverExpires", func(t *testing.T) {
		source := newSource(playing("a", 0, playback.TimeUnset))
		timer, cmd := newTestTimer(t, source, fastConfig())

		timer.StartUntilCurrentTrackEnd()
		time.Sleep(100 * time.Millisecond)

		state := timer.State()
		assert.Equal(t, ModeCurrentTrackEnd, state.Mode)
		assert.Nil(t, state.Remaining)
		assert.Zero(t, cmd.Pauses())
	})

	t.Run("UnknownPositionNeverExpires", func(t *testing.T) {
		source := newSource(playing("a", playback.TimeUnset, time.Second))
		timer, cmd := newTestTimer(t, source, fastConfig())

		timer.StartUntilCurrentTrackEnd()
		time.Sleep(100 * time.Millisecond)

		assert.Nil(t, timer.State().Remaining)
		assert.Zero(t, cmd.Pauses())
	})
}

func TestTimer_CloseLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	source := newSource(playing("a", 0, 10*time.Minute))
	cmd := &fakeCommander{}
	timer := NewTimer(cmd, source, fastConfig())

	timer.Start(time.Hour)
	timer.StartUntilCurrentTrackEnd()
	timer.Close()

	assert.Equal(t, ModeOff, timer.State().Mode)
}
