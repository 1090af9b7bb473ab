package controller

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/moonggae/kmedia/internal/app/playback"
	"github.com/moonggae/kmedia/internal/domain/media"
)

// fakeConnector hands out fakeSessions and records every attempt.
type fakeConnector struct {
	mu       sync.Mutex
	attempts int
	failures int           // attempts left that fail
	gate     chan struct{} // when non-nil, Connect blocks until closed
	sessions []*fakeSession
	items    []media.Media // initial playlist of new sessions
	failOp   map[int]string
	watch    bool
	recreate bool
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{failOp: map[int]string{}}
}

func (c *fakeConnector) Name() string { return "fake" }

func (c *fakeConnector) Connect(ctx context.Context) (Session, error) {
	c.mu.Lock()
	c.attempts++
	gate := c.gate
	fail := c.failures > 0
	if fail {
		c.failures--
	}
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("engine not reachable")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s := &fakeSession{
		id:     len(c.sessions),
		items:  slices.Clone(c.items),
		failOp: c.failOp[len(c.sessions)],
	}
	s.connected.Store(true)
	c.sessions = append(c.sessions, s)

	if c.watch {
		return &watchingSession{fakeSession: s}, nil
	}
	if c.recreate {
		return &recreatingSession{fakeSession: s}, nil
	}
	return s, nil
}

func (c *fakeConnector) attemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *fakeConnector) session(i int) *fakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.sessions) {
		return nil
	}
	return c.sessions[i]
}

func (c *fakeConnector) sessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// fakeSession records ops. When failOp matches an op, the session dies
// while executing it.
type fakeSession struct {
	id        int
	connected atomic.Bool
	released  atomic.Int32
	failOp    string

	mu    sync.Mutex
	ops   []string
	items []media.Media
}

func (s *fakeSession) record(op string) error {
	if !s.connected.Load() {
		return errors.New("session is dead")
	}
	if op == s.failOp {
		s.connected.Store(false)
		return errors.Newf("connection dropped during %s", op)
	}
	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ops)
}

func (s *fakeSession) kill() { s.connected.Store(false) }

func (s *fakeSession) Connected() bool { return s.connected.Load() }

func (s *fakeSession) Release() error {
	s.connected.Store(false)
	s.released.Add(1)
	return nil
}

func (s *fakeSession) Play(context.Context) error     { return s.record("play") }
func (s *fakeSession) Pause(context.Context) error    { return s.record("pause") }
func (s *fakeSession) Stop(context.Context) error     { return s.record("stop") }
func (s *fakeSession) Previous(context.Context) error { return s.record("previous") }
func (s *fakeSession) Next(context.Context) error     { return s.record("next") }
func (s *fakeSession) Prepare(context.Context) error  { return s.record("prepare") }

func (s *fakeSession) SeekTo(_ context.Context, position time.Duration) error {
	return s.record(fmt.Sprintf("seek:%d", position.Milliseconds()))
}

func (s *fakeSession) SkipTo(_ context.Context, index int) error {
	return s.record(fmt.Sprintf("skip:%d", index))
}

func (s *fakeSession) SetRepeatMode(_ context.Context, mode playback.RepeatMode) error {
	return s.record("repeat:" + mode.String())
}

func (s *fakeSession) SetShuffle(_ context.Context, enabled bool) error {
	return s.record(fmt.Sprintf("shuffle:%t", enabled))
}

func (s *fakeSession) SetSpeed(_ context.Context, speed float32) error {
	return s.record(fmt.Sprintf("speed:%.2f", speed))
}

func (s *fakeSession) SetVolume(_ context.Context, level float32, flags int) error {
	return s.record(fmt.Sprintf("volume:%.2f/%d", level, flags))
}

func (s *fakeSession) SetItems(_ context.Context, items []media.Media, startIndex int, startPosition time.Duration) error {
	if err := s.record(fmt.Sprintf("set_items:%d@%d+%d", len(items), startIndex, startPosition.Milliseconds())); err != nil {
		return err
	}
	s.mu.Lock()
	s.items = slices.Clone(items)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) AddItems(_ context.Context, items []media.Media) error {
	if err := s.record(fmt.Sprintf("add_items:%d", len(items))); err != nil {
		return err
	}
	s.mu.Lock()
	s.items = append(s.items, items...)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) MoveItem(_ context.Context, from, to int) error {
	return s.record(fmt.Sprintf("move:%d>%d", from, to))
}

func (s *fakeSession) RemoveItem(_ context.Context, index int) error {
	if err := s.record(fmt.Sprintf("remove:%d", index)); err != nil {
		return err
	}
	s.mu.Lock()
	s.items = slices.Delete(s.items, index, index+1)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) ReplaceItem(_ context.Context, index int, item media.Media) error {
	return s.record(fmt.Sprintf("replace:%d=%s", index, item.ID))
}

func (s *fakeSession) Items(context.Context) ([]media.Media, error) {
	if !s.connected.Load() {
		return nil, errors.New("session is dead")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.items), nil
}

type watchingSession struct {
	*fakeSession
}

func (s *watchingSession) Watch(ctx context.Context, publish func(playback.Snapshot)) error {
	snap := playback.EmptySnapshot()
	snap.MediaID = fmt.Sprintf("watched-%d", s.id)
	snap.Status = playback.StatusPlaying
	publish(snap)

	<-ctx.Done()
	return ctx.Err()
}

type recreatingSession struct {
	*fakeSession
}

func (s *recreatingSession) Recreate(context.Context) error {
	return s.record("recreate")
}
