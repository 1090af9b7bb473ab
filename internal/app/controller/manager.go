package controller

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/moonggae/kmedia/internal/app/playback"
	"github.com/moonggae/kmedia/internal/infra/metrics"
)

const connectKey = "connect"

var (
	// ErrClosed is returned by Warmup after Close.
	ErrClosed = errors.New("controller closed")

	errHandleReplaced = errors.New("handle replaced during command")
	errReconnect      = errors.New("engine rebuild requires reconnect")
)

// Config holds manager configuration.
type Config struct {
	ConnectTimeout time.Duration // Upper bound for one connection attempt
	CommandTimeout time.Duration // Upper bound for one command against the engine
}

// DefaultConfig returns the configuration used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		CommandTimeout: 5 * time.Second,
	}
}

// handle is one live engine connection. It is replaced, never mutated.
type handle struct {
	session   Session
	stopWatch context.CancelFunc
	watchDone chan struct{}
}

// command is one queued unit of intent.
type command struct {
	op string
	// run executes against a live session; nil for commands that only act on
	// an existing handle and must not open a connection.
	run func(ctx context.Context, s Session) error
	// invalidate drops the handle after run succeeds.
	invalidate bool
}

// Manager serializes control commands onto a lazily created engine session.
type Manager struct {
	connector Connector
	stream    *playback.Stream // optional sink for Watcher sessions
	config    Config

	group singleflight.Group

	// mu guards handle. Commands execute under the read lock; replacing the
	// handle takes the write lock.
	mu     sync.RWMutex
	handle *handle

	queueMu sync.Mutex
	queue   []command
	wake    chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewManager creates a manager and starts its command worker.
// stream may be nil when no playback state should be collected.
func NewManager(connector Connector, stream *playback.Stream, config Config) *Manager {
	defaults := DefaultConfig()
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = defaults.CommandTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		connector: connector,
		stream:    stream,
		config:    config,
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go m.run()

	return m
}

// Warmup establishes a connection without queueing a command.
// Concurrent callers share the in-flight attempt with the worker.
func (m *Manager) Warmup(ctx context.Context) error {
	if m.ctx.Err() != nil {
		return ErrClosed
	}
	_, err := m.acquire(ctx)
	return err
}

// Connected reports whether a live connection is currently held.
func (m *Manager) Connected() bool {
	h := m.current()
	return h != nil && h.session.Connected()
}

// Pending returns the number of queued commands.
func (m *Manager) Pending() int {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return len(m.queue)
}

// Close stops the worker and releases the connection.
// Commands still queued are discarded.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		<-m.done

		if n := m.Pending(); n > 0 {
			zlog.Warn().Msgf("controller: discarding %d queued command(s) on close", n)
		}

		m.mu.Lock()
		h := m.handle
		m.handle = nil
		m.mu.Unlock()

		if h != nil {
			m.releaseHandle(h)
		}
	})
}

// enqueue appends a command and wakes the worker.
func (m *Manager) enqueue(cmd command) {
	if m.ctx.Err() != nil {
		zlog.Debug().Msgf("controller: dropping %s after close", cmd.op)
		return
	}

	m.queueMu.Lock()
	m.queue = append(m.queue, cmd)
	depth := len(m.queue)
	m.queueMu.Unlock()
	metrics.SetCommandQueueDepth(depth)

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) peek() (command, bool) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if len(m.queue) == 0 {
		return command{}, false
	}
	return m.queue[0], true
}

func (m *Manager) pop() {
	m.queueMu.Lock()
	m.queue[0] = command{}
	m.queue = m.queue[1:]
	depth := len(m.queue)
	m.queueMu.Unlock()
	metrics.SetCommandQueueDepth(depth)
}

// run is the single execution context for commands.
func (m *Manager) run() {
	defer close(m.done)

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.wake:
		}
		m.drain()
	}
}

// drain executes queued commands until the queue is empty or no connection
// can be obtained. A command that cannot run stays at the head of the queue
// until the next enqueue wakes the worker.
func (m *Manager) drain() {
	retried := false

	for m.ctx.Err() == nil {
		cmd, ok := m.peek()
		if !ok {
			return
		}

		if cmd.run == nil {
			if h := m.current(); h != nil {
				m.discard(h)
			}
			m.pop()
			metrics.IncCommand(cmd.op, metrics.OutcomeOK)
			continue
		}

		h, err := m.acquire(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			metrics.IncCommand(cmd.op, metrics.OutcomeDeferred)
			zlog.Warn().Msgf("controller: engine unavailable, %d command(s) deferred: %v", m.Pending(), err)
			return
		}

		err = m.execute(h, cmd)
		switch {
		case errors.Is(err, errHandleReplaced):
			continue
		case errors.Is(err, errReconnect):
			m.pop()
			m.discard(h)
			metrics.IncCommand(cmd.op, metrics.OutcomeOK)
			if _, err := m.acquire(m.ctx); err != nil && m.ctx.Err() == nil {
				zlog.Warn().Msgf("controller: reconnect after %s failed: %v", cmd.op, err)
			}
			continue
		case err != nil && !h.session.Connected():
			m.discard(h)
			if !retried {
				retried = true
				metrics.IncCommand(cmd.op, metrics.OutcomeRetried)
				zlog.Info().Msgf("controller: connection lost during %s, retrying on a new connection", cmd.op)
				continue
			}
			metrics.IncCommand(cmd.op, metrics.OutcomeDeferred)
			zlog.Warn().Msgf("controller: %s failed twice on fresh connections, deferring: %v", cmd.op, err)
			return
		}

		retried = false
		m.pop()

		if err != nil {
			metrics.IncCommand(cmd.op, metrics.OutcomeFailed)
			zlog.Error().Err(err).Msgf("controller: %s failed", cmd.op)
			continue
		}
		metrics.IncCommand(cmd.op, metrics.OutcomeOK)

		if cmd.invalidate {
			m.discard(h)
		}
	}
}

// execute runs cmd against h while holding the handle read lock.
func (m *Manager) execute(h *handle, cmd command) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.handle != h {
		return errHandleReplaced
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.config.CommandTimeout)
	defer cancel()

	return cmd.run(ctx, h.session)
}

func (m *Manager) current() *handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle
}

// acquire returns a live handle, replacing a stale one and creating one if
// needed. Creation is shared among concurrent callers.
func (m *Manager) acquire(ctx context.Context) (*handle, error) {
	if h := m.current(); h != nil {
		if h.session.Connected() {
			return h, nil
		}
		zlog.Info().Msgf("controller: %s engine connection is stale, replacing", m.connector.Name())
		m.discard(h)
	}

	ch := m.group.DoChan(connectKey, func() (any, error) {
		return m.connect()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connect creates and installs a new handle. Only called through the
// singleflight group.
func (m *Manager) connect() (*handle, error) {
	if h := m.current(); h != nil && h.session.Connected() {
		return h, nil
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.config.ConnectTimeout)
	defer cancel()

	start := time.Now()
	session, err := m.connector.Connect(ctx)
	if err != nil {
		metrics.IncEngineConnect(metrics.OutcomeFailed)
		return nil, errors.Wrapf(err, "failed to connect to %s engine", m.connector.Name())
	}

	h := &handle{session: session}

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		_ = session.Release()
		return nil, ErrClosed
	}
	old := m.handle
	m.handle = h
	m.mu.Unlock()

	if old != nil {
		m.releaseHandle(old)
	}

	metrics.IncEngineConnect(metrics.OutcomeOK)
	zlog.Info().Msgf("controller: connected to %s engine in %v", m.connector.Name(), time.Since(start).Round(time.Millisecond))

	m.startWatch(h)

	return h, nil
}

// discard removes h from the slot if it is still installed and releases it.
func (m *Manager) discard(h *handle) {
	m.mu.Lock()
	if m.handle != h {
		m.mu.Unlock()
		return
	}
	m.handle = nil
	m.mu.Unlock()

	m.releaseHandle(h)
}

func (m *Manager) releaseHandle(h *handle) {
	if h.stopWatch != nil {
		h.stopWatch()
		<-h.watchDone
	}
	if err := h.session.Release(); err != nil {
		zlog.Debug().Msgf("controller: release %s session: %v", m.connector.Name(), err)
	}
	metrics.IncEngineRelease()
}

// startWatch pumps playback state from the session into the stream for the
// lifetime of the handle.
func (m *Manager) startWatch(h *handle) {
	if m.stream == nil {
		return
	}
	w, ok := h.session.(Watcher)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	h.stopWatch = cancel
	h.watchDone = make(chan struct{})

	prev := m.stream.Load()
	publish := func(snap playback.Snapshot) {
		for _, ev := range playback.Diff(prev, snap) {
			metrics.IncPlaybackEvent(ev.String())
		}
		prev = snap
		m.stream.Publish(snap)
	}

	go func() {
		defer close(h.watchDone)
		if err := w.Watch(ctx, publish); err != nil && ctx.Err() == nil {
			zlog.Warn().Msgf("controller: playback state watch ended: %v", err)
		}
	}()
}
