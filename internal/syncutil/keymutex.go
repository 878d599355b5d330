// Package syncutil holds small concurrency primitives shared across services.
package syncutil

import (
	"context"
	"sync"
)

// KeyMutex serializes work per string key. Waiters can give up when their
// context ends. Entries are reference counted and dropped once the last
// holder or waiter leaves, so memory tracks the number of keys in flight.
type KeyMutex struct {
	mu   sync.Mutex
	keys map[string]*keyEntry
}

type keyEntry struct {
	ch   chan struct{} // holds one token while the key is free
	refs int
}

// NewKeyMutex creates an empty KeyMutex.
func NewKeyMutex() *KeyMutex {
	return &KeyMutex{keys: make(map[string]*keyEntry)}
}

// Lock acquires the lock for key. On success it returns the unlock function,
// which the caller must call exactly once. If ctx ends first it returns the
// context error and holds nothing.
func (m *KeyMutex) Lock(ctx context.Context, key string) (func(), error) {
	e := m.acquireEntry(key)

	select {
	case <-e.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				e.ch <- struct{}{}
				m.releaseEntry(key, e)
			})
		}, nil
	case <-ctx.Done():
		m.releaseEntry(key, e)
		return nil, ctx.Err()
	}
}

// Len reports how many keys are currently held or waited on.
func (m *KeyMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

func (m *KeyMutex) acquireEntry(key string) *keyEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.keys[key]
	if !ok {
		e = &keyEntry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{}
		m.keys[key] = e
	}
	e.refs++
	return e
}

func (m *KeyMutex) releaseEntry(key string, e *keyEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.keys, key)
	}
}
