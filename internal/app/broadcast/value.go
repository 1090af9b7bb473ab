// Package broadcast provides a latest-value broadcast cell.
//
// A Value holds the most recent value of some state. Readers never block
// writers: Load returns the current value, and Subscribe delivers only the
// newest value to slow subscribers, dropping intermediate ones.
package broadcast

import (
	"context"
	"sync"
)

// Value is a concurrency-safe latest-value cell.
type Value[T any] struct {
	mu      sync.RWMutex
	value   T
	version uint64
	changed chan struct{} // closed and replaced on every change
}

// New creates a Value holding initial.
func New[T any](initial T) *Value[T] {
	return &Value[T]{
		value:   initial,
		changed: make(chan struct{}),
	}
}

// Load returns the current value.
func (v *Value[T]) Load() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// Version returns the number of changes applied so far.
func (v *Value[T]) Version() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.version
}

// Store replaces the current value unconditionally.
func (v *Value[T]) Store(value T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.storeLocked(value)
}

// Update applies fn to the current value under the write lock.
// fn returns the new value and whether it should be stored; when it returns
// false the cell is left untouched and Update reports false.
func (v *Value[T]) Update(fn func(current T) (T, bool)) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	next, ok := fn(v.value)
	if !ok {
		return false
	}
	v.storeLocked(next)
	return true
}

func (v *Value[T]) storeLocked(value T) {
	v.value = value
	v.version++
	close(v.changed)
	v.changed = make(chan struct{})
}

// Changed returns a channel that is closed on the next change.
func (v *Value[T]) Changed() <-chan struct{} {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.changed
}

func (v *Value[T]) snapshot() (T, uint64, <-chan struct{}) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value, v.version, v.changed
}

// Subscribe returns a channel that first receives the current value and then
// every later value, keeping only the newest one if the reader falls behind.
// The channel is closed when ctx is done.
func (v *Value[T]) Subscribe(ctx context.Context) <-chan T {
	out := make(chan T, 1)

	go func() {
		defer close(out)

		var lastVersion uint64
		first := true
		for {
			value, version, changed := v.snapshot()
			if first || version != lastVersion {
				first = false
				lastVersion = version
				offer(out, value)
			}

			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
		}
	}()

	return out
}

// offer sends value, replacing an unread older value.
// Only the pump goroutine sends on out, so the second send cannot block.
func offer[T any](out chan T, value T) {
	select {
	case out <- value:
		return
	default:
	}
	select {
	case <-out:
	default:
	}
	out <- value
}
