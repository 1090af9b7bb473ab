// Package notification provides an ordered event fan-out for subscribers.
package notification

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Envelope wraps an event with its broadcast sequence number.
type Envelope[E any] struct {
	SequenceNo uint64
	Event      E
}

// subscription is one subscriber's unbounded, ordered queue.
type subscription[E any] struct {
	id     string
	filter func(E) bool

	mu     sync.Mutex
	queue  []Envelope[E]
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *subscription[E]) push(env Envelope[E]) {
	s.mu.Lock()
	s.queue = append(s.queue, env)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription[E]) pop() (Envelope[E], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Envelope[E]{}, false
	}
	env := s.queue[0]
	s.queue[0] = Envelope[E]{}
	s.queue = s.queue[1:]
	return env, true
}

func (s *subscription[E]) stop() {
	s.once.Do(func() { close(s.done) })
}

// Manager manages subscriptions and broadcasting. Every subscriber receives
// matching events in broadcast order; a slow subscriber never blocks
// Broadcast or other subscribers.
type Manager[E any] struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription[E]
	sequenceNo    uint64
	closed        bool
}

// NewManager creates a new notification manager.
func NewManager[E any]() *Manager[E] {
	return &Manager[E]{
		subscriptions: make(map[string]*subscription[E]),
	}
}

// Subscribe registers a subscriber for events accepted by filter (nil
// accepts all). It returns the subscription ID and a channel that is closed
// when ctx is done, the subscription is removed, or the manager is closed.
func (m *Manager[E]) Subscribe(ctx context.Context, filter func(E) bool) (string, <-chan Envelope[E]) {
	sub := &subscription[E]{
		id:     uuid.New().String(),
		filter: filter,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	out := make(chan Envelope[E])

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(out)
		return sub.id, out
	}
	m.subscriptions[sub.id] = sub
	m.mu.Unlock()

	go func() {
		defer close(out)
		defer m.Unsubscribe(sub.id)

		for {
			env, ok := sub.pop()
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-sub.done:
					return
				case <-sub.notify:
				}
				continue
			}

			select {
			case out <- env:
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			}
		}
	}()

	return sub.id, out
}

// Unsubscribe removes a subscription.
func (m *Manager[E]) Unsubscribe(subscriptionID string) {
	m.mu.Lock()
	sub, ok := m.subscriptions[subscriptionID]
	delete(m.subscriptions, subscriptionID)
	m.mu.Unlock()

	if ok {
		sub.stop()
	}
}

// Broadcast assigns the next sequence number to event and queues it for
// every matching subscriber.
func (m *Manager[E]) Broadcast(event E) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sequenceNo++
	env := Envelope[E]{SequenceNo: m.sequenceNo, Event: event}

	for _, sub := range m.subscriptions {
		if sub.filter == nil || sub.filter(event) {
			sub.push(env)
		}
	}
	return env.SequenceNo
}

// SubscriberCount returns the number of active subscribers.
func (m *Manager[E]) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscriptions)
}

// Close removes all subscriptions. Later subscriptions are closed immediately.
func (m *Manager[E]) Close() {
	m.mu.Lock()
	subs := m.subscriptions
	m.subscriptions = make(map[string]*subscription[E])
	m.closed = true
	m.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}
