package notification

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func receive[E any](t *testing.T, ch <-chan Envelope[E]) Envelope[E] {
	t.Helper()
	select {
	case env, ok := <-ch:
		require.True(t, ok, "channel closed")
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Envelope[E]{}
	}
}

func TestManager_DeliversInOrder(t *testing.T) {
	m := NewManager[int]()
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, ch := m.Subscribe(ctx, nil)

	// Publish more than any buffer before reading.
	for i := 1; i <= 500; i++ {
		m.Broadcast(i)
	}

	for i := 1; i <= 500; i++ {
		env := receive(t, ch)
		assert.Equal(t, i, env.Event)
		assert.Equal(t, uint64(i), env.SequenceNo)
	}
}

func TestManager_Filter(t *testing.T) {
	m := NewManager[string]()
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, aOnly := m.Subscribe(ctx, func(s string) bool { return strings.HasPrefix(s, "a") })
	_, all := m.Subscribe(ctx, nil)

	m.Broadcast("a1")
	m.Broadcast("b1")
	m.Broadcast("a2")

	assert.Equal(t, "a1", receive(t, aOnly).Event)
	assert.Equal(t, "a2", receive(t, aOnly).Event)

	assert.Equal(t, "a1", receive(t, all).Event)
	assert.Equal(t, "b1", receive(t, all).Event)
	assert.Equal(t, "a2", receive(t, all).Event)
}

func TestManager_SlowSubscriberDoesNotBlock(t *testing.T) {
	m := NewManager[int]()
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Subscribe(ctx, nil) // never read

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			m.Broadcast(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}
}

func TestManager_UnsubscribeAndClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := NewManager[int]()

	id, ch := m.Subscribe(context.Background(), nil)
	_, ch2 := m.Subscribe(context.Background(), nil)
	assert.Equal(t, 2, m.SubscriberCount())

	m.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 1, m.SubscriberCount())

	m.Close()
	_, ok = <-ch2
	assert.False(t, ok)
	assert.Equal(t, 0, m.SubscriberCount())

	_, ch3 := m.Subscribe(context.Background(), nil)
	_, ok = <-ch3
	assert.False(t, ok, "subscribe after close yields a closed channel")
}

func TestManager_ContextCancelRemovesSubscription(t *testing.T) {
	m := NewManager[int]()
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, ch := m.Subscribe(ctx, nil)
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	require.Eventually(t, func() bool { return m.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
}
