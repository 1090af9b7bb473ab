package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestValue_LoadStore(t *testing.T) {
	v := New(1)
	assert.Equal(t, 1, v.Load())
	assert.Equal(t, uint64(0), v.Version())

	v.Store(2)
	assert.Equal(t, 2, v.Load())
	assert.Equal(t, uint64(1), v.Version())
}

func TestValue_UpdateConditional(t *testing.T) {
	v := New("off")

	ok := v.Update(func(cur string) (string, bool) {
		if cur != "on" {
			return cur, false
		}
		return "updated", true
	})
	assert.False(t, ok)
	assert.Equal(t, "off", v.Load())
	assert.Equal(t, uint64(0), v.Version(), "rejected update must not bump the version")

	ok = v.Update(func(cur string) (string, bool) {
		return cur + "!", true
	})
	assert.True(t, ok)
	assert.Equal(t, "off!", v.Load())
}

func TestValue_ChangedClosesOnStore(t *testing.T) {
	v := New(0)
	ch := v.Changed()

	select {
	case <-ch:
		t.Fatal("changed closed before any store")
	default:
	}

	v.Store(1)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("changed not closed after store")
	}
}

func TestValue_SubscribeReceivesCurrentThenLatest(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	v := New(10)
	ctx, cancel := context.WithCancel(context.Background())

	ch := v.Subscribe(ctx)
	require.Equal(t, 10, <-ch)

	v.Store(11)
	v.Store(12)
	v.Store(13)

	require.Eventually(t, func() bool {
		select {
		case got := <-ch:
			return got == 13
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	cancel()
	for range ch {
	}
}

func TestValue_ConcurrentUpdates(t *testing.T) {
	v := New(0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v.Update(func(cur int) (int, bool) { return cur + 1, true })
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, v.Load())
	assert.Equal(t, uint64(50), v.Version())
}
