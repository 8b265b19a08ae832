// Package keylock provides per-key mutual exclusion.
//
// Archive, restore, and cleanup all serialize on the same (context id, scope)
// key through a shared Map, so a record is never read or deleted while it is
// being rewritten. Operations on different keys never block each other.
package keylock

import "sync"

// Map hands out one mutex per key. Entries are reference counted and dropped
// once no goroutine holds or waits on them, so the map does not grow with the
// number of contexts ever touched.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New returns an empty Map.
func New() *Map {
	return &Map{locks: make(map[string]*entry)}
}

// Lock blocks until key is held exclusively and returns the release func.
// The release func is safe to call more than once.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.locks, key)
			}
			m.mu.Unlock()
		})
	}
}

// TryLock acquires key only if it is free.
func (m *Map) TryLock(key string) (unlock func(), ok bool) {
	m.mu.Lock()
	e, exists := m.locks[key]
	if !exists {
		e = &entry{}
		m.locks[key] = e
	}
	if !e.mu.TryLock() {
		if !exists {
			delete(m.locks, key)
		}
		m.mu.Unlock()
		return nil, false
	}
	e.refs++
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.locks, key)
			}
			m.mu.Unlock()
		})
	}, true
}

// Len reports how many keys are currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// Key builds the composite key for a context id and scope.
func Key(contextID, scope string) string {
	return scope + "/" + contextID
}
