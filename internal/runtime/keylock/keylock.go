// Package keylock serializes work per key while leaving different keys free to
// run concurrently. Entries are reference counted and dropped when unused.
package keylock

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{} // capacity 1; holding the token means holding the lock
	refs int
}

// Map is a set of per-key mutexes. The zero value is ready to use.
type Map[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

func (m *Map[K]) acquireEntry(key K) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[K]*entry)
	}
	e := m.entries[key]
	if e == nil {
		e = &entry{ch: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *Map[K]) releaseEntry(key K, e *entry) {
	m.mu.Lock()
	e.refs--
	if e.refs <= 0 {
		delete(m.entries, key)
	}
	m.mu.Unlock()
}

// Lock blocks until key is held and returns its unlock func.
func (m *Map[K]) Lock(key K) (unlock func()) {
	unlock, _ = m.LockContext(context.Background(), key)
	return unlock
}

// LockContext is Lock with cancellation. On ctx error the key is not held and
// unlock is nil.
func (m *Map[K]) LockContext(ctx context.Context, key K) (unlock func(), err error) {
	e := m.acquireEntry(key)
	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.releaseEntry(key, e)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.releaseEntry(key, e)
		})
	}, nil
}

// TryLock acquires key only if it is free.
func (m *Map[K]) TryLock(key K) (unlock func(), ok bool) {
	e := m.acquireEntry(key)
	select {
	case e.ch <- struct{}{}:
	default:
		m.releaseEntry(key, e)
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.releaseEntry(key, e)
		})
	}, true
}

// Len reports how many keys are currently held or waited on.
func (m *Map[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
