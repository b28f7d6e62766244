package record

import "sync"

// KeyedMutex hands out one mutex per Key. Entries are reference-counted and
// dropped once no goroutine holds or waits on them, so the map only grows
// with the number of records in flight.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[Key]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[Key]*refLock)}
}

// Lock blocks until the mutex for k is held and returns its release func.
func (m *KeyedMutex) Lock(k Key) (unlock func()) {
	m.mu.Lock()
	l := m.locks[k]
	if l == nil {
		l = &refLock{}
		m.locks[k] = l
	}
	l.refs++
	m.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, k)
		}
		m.mu.Unlock()
	}
}

// size reports the number of live entries (for tests).
func (m *KeyedMutex) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
