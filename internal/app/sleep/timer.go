package sleep

import (
	"context"
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/moonggae/kmedia/internal/app/broadcast"
	"github.com/moonggae/kmedia/internal/app/playback"
	"github.com/moonggae/kmedia/internal/infra/metrics"
)

// VolumeFlags are the platform flags passed with every volume command.
const VolumeFlags = 0

// Config holds timer intervals.
type Config struct {
	MinDuration   time.Duration // Start clamps shorter durations to this
	TickInterval  time.Duration // Duration mode publish interval
	PollInterval  time.Duration // Track-end mode poll interval
	FadeDuration  time.Duration // Total fade length; also the track-end trigger margin
	FadeStep      time.Duration // Interval between fade steps
	MinFadeVolume float32       // Volumes at or below this are not faded
}

// DefaultConfig returns the standard timer configuration.
func DefaultConfig() Config {
	return Config{
		MinDuration:   time.Second,
		TickInterval:  time.Second,
		PollInterval:  400 * time.Millisecond,
		FadeDuration:  2500 * time.Millisecond,
		FadeStep:      125 * time.Millisecond,
		MinFadeVolume: 0.01,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinDuration <= 0 {
		c.MinDuration = d.MinDuration
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.FadeDuration <= 0 {
		c.FadeDuration = d.FadeDuration
	}
	if c.FadeStep <= 0 {
		c.FadeStep = d.FadeStep
	}
	if c.MinFadeVolume <= 0 {
		c.MinFadeVolume = d.MinFadeVolume
	}
	return c
}

func (c Config) fadeSteps() int {
	return max(1, int(c.FadeDuration/c.FadeStep))
}

// Commander receives the commands issued at expiry.
// controller.Manager satisfies it.
type Commander interface {
	SetVolume(level float32, flags int)
	Pause()
}

// SnapshotSource provides the latest playback snapshot.
// playback.Stream satisfies it.
type SnapshotSource interface {
	Load() playback.Snapshot
}

type task struct {
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
}

// Timer is the sleep timer state machine.
type Timer struct {
	commander Commander
	source    SnapshotSource
	config    Config

	state *broadcast.Value[State]

	// opMu serializes Start, StartUntilCurrentTrackEnd and Cancel so the
	// previous task is fully stopped before the next one is installed.
	opMu sync.Mutex

	mu         sync.Mutex
	task       *task
	generation uint64
}

// NewTimer creates an idle timer. Zero config fields take their defaults.
func NewTimer(commander Commander, source SnapshotSource, config Config) *Timer {
	return &Timer{
		commander: commander,
		source:    source,
		config:    config.withDefaults(),
		state:     broadcast.New(State{}),
	}
}

// State returns the current timer state.
func (t *Timer) State() State {
	return t.state.Load()
}

// Subscribe returns a latest-value channel of timer states, closed when ctx
// is done.
func (t *Timer) Subscribe(ctx context.Context) <-chan State {
	return t.state.Subscribe(ctx)
}

// Start runs a countdown of d, clamped to the configured minimum.
// Any running timer is cancelled first.
func (t *Timer) Start(d time.Duration) {
	d = max(d, t.config.MinDuration)

	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.stopTask()

	gen := t.nextGeneration()
	t.state.Store(State{
		Mode:       ModeDuration,
		Duration:   d,
		Remaining:  durationPtr(d),
		generation: gen,
	})
	metrics.IncSleepTimerStart(ModeDuration.String())
	zlog.Info().Msgf("sleep: timer started for %v", d)

	t.launch(gen, func(ctx context.Context) {
		t.runDuration(ctx, gen, d)
	})
}

// StartUntilCurrentTrackEnd pauses playback when the current track ends.
// Without a current track it behaves like Cancel.
func (t *Timer) StartUntilCurrentTrackEnd() {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.stopTask()

	snap := t.source.Load()
	if snap.MediaID == "" {
		zlog.Debug().Msg("sleep: no current track, timer stays off")
		t.reset()
		return
	}

	gen := t.nextGeneration()
	target := snap.MediaID
	t.state.Store(State{
		Mode:          ModeCurrentTrackEnd,
		TargetMediaID: target,
		Remaining:     remainingOf(snap),
		generation:    gen,
	})
	metrics.IncSleepTimerStart(ModeCurrentTrackEnd.String())
	zlog.Info().Msgf("sleep: timer started until end of %s", target)

	t.launch(gen, func(ctx context.Context) {
		t.runUntilTrackEnd(ctx, gen, target)
	})
}

// Cancel stops the running timer and resets the state to Off.
// It is a no-op when no timer is running.
func (t *Timer) Cancel() {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	if t.stopTask() {
		zlog.Info().Msg("sleep: timer cancelled")
	}
	t.reset()
}

// Close cancels any running timer.
func (t *Timer) Close() {
	t.Cancel()
}

func (t *Timer) nextGeneration() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.generation++
	return t.generation
}

// launch starts fn as the owner of the timer slot.
func (t *Timer) launch(gen uint64, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	tk := &task{generation: gen, cancel: cancel, done: make(chan struct{})}

	t.mu.Lock()
	t.task = tk
	t.mu.Unlock()

	go func() {
		defer close(tk.done)
		defer cancel()
		fn(ctx)
	}()
}

// stopTask cancels the running task and waits for it to finish, including
// its volume restoration. Reports whether a task was running.
func (t *Timer) stopTask() bool {
	t.mu.Lock()
	tk := t.task
	t.task = nil
	t.mu.Unlock()

	if tk == nil {
		return false
	}
	tk.cancel()
	<-tk.done
	return true
}

func (t *Timer) reset() {
	t.state.Update(func(cur State) (State, bool) {
		if cur.Mode == ModeOff {
			return cur, false
		}
		return State{}, true
	})
}

// releaseIfOwner clears the slot and resets to Off if gen still owns it.
func (t *Timer) releaseIfOwner(gen uint64) {
	t.mu.Lock()
	if t.task != nil && t.task.generation == gen {
		t.task = nil
	}
	t.mu.Unlock()

	t.state.Update(func(cur State) (State, bool) {
		if cur.generation != gen {
			return cur, false
		}
		return State{}, true
	})
}

// publishRemaining stores remaining only if the state still belongs to gen
// in the expected mode and target.
func (t *Timer) publishRemaining(gen uint64, mode Mode, target string, remaining *time.Duration) {
	t.state.Update(func(cur State) (State, bool) {
		if cur.generation != gen || cur.Mode != mode || cur.TargetMediaID != target {
			return cur, false
		}
		cur.Remaining = remaining
		return cur, true
	})
}

func (t *Timer) runDuration(ctx context.Context, gen uint64, d time.Duration) {
	start := time.Now()

	for {
		remaining := max(0, d-time.Since(start))
		t.publishRemaining(gen, ModeDuration, "", durationPtr(remaining))

		if remaining == 0 {
			t.expire(ctx, gen, ModeDuration)
			return
		}

		if !sleepContext(ctx, min(t.config.TickInterval, remaining)) {
			return
		}
	}
}

func (t *Timer) runUntilTrackEnd(ctx context.Context, gen uint64, target string) {
	for {
		snap := t.source.Load()
		changed := snap.MediaID != target
		ended := snap.Status == playback.StatusEnded
		remaining := remainingOf(snap)

		if !changed {
			t.publishRemaining(gen, ModeCurrentTrackEnd, target, remaining)
		}

		if changed || ended || (remaining != nil && *remaining <= t.config.FadeDuration) {
			zlog.Debug().Msgf("sleep: track end reached (changed=%t ended=%t)", changed, ended)
			t.expire(ctx, gen, ModeCurrentTrackEnd)
			return
		}

		if !sleepContext(ctx, t.config.PollInterval) {
			return
		}
	}
}

// expire fades out and pauses, then clears the slot if gen still owns it.
// A cancelled expiry leaves the slot to whoever cancelled it.
func (t *Timer) expire(ctx context.Context, gen uint64, mode Mode) {
	if !t.fadeAndPause(ctx, mode) {
		return
	}
	t.releaseIfOwner(gen)
}

// fadeAndPause borrows the volume for the fade and always gives it back.
// Returns false when cancelled before the pause was issued.
func (t *Timer) fadeAndPause(ctx context.Context, mode Mode) bool {
	snap := t.source.Load()
	original := min(max(snap.Volume, 0), 1)
	fade := !snap.Muted && original > t.config.MinFadeVolume

	if fade {
		defer t.commander.SetVolume(original, VolumeFlags)

		steps := t.config.fadeSteps()
		for i := 1; i <= steps; i++ {
			if ctx.Err() != nil {
				return false
			}
			level := max(original*(1-float32(i)/float32(steps)), 0)
			t.commander.SetVolume(level, VolumeFlags)

			if i < steps && !sleepContext(ctx, t.config.FadeStep) {
				return false
			}
		}
	}

	if ctx.Err() != nil {
		return false
	}

	t.commander.Pause()
	metrics.IncSleepTimerExpired(mode.String(), fade)
	zlog.Info().Msgf("sleep: %s timer expired, playback paused", mode)
	return true
}

// remainingOf returns the remaining play time of the snapshot's track, or
// nil when position or duration is unknown.
func remainingOf(snap playback.Snapshot) *time.Duration {
	remaining, ok := snap.Remaining()
	if !ok {
		return nil
	}
	return &remaining
}

// sleepContext waits for d or until ctx is done. Reports whether the full
// duration elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
