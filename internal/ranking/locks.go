package ranking

import "sync"

// Locks serialises merges per variant store. A lock is held from reading a
// case's variants until its write commits. Entries are dropped once no
// caller holds or waits on them, so a batch over many per-case stores does
// not accumulate mutexes.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*storeLock
}

type storeLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocks creates an empty registry.
func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*storeLock)}
}

// Lock acquires the lock for key and returns its release function.
func (l *Locks) Lock(key string) func() {
	l.mu.Lock()
	sl, ok := l.locks[key]
	if !ok {
		sl = &storeLock{}
		l.locks[key] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Len reports how many stores currently have a holder or waiter.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
