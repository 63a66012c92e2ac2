package engine

import "sync"

// resourceLocks serializes lifecycle operations per resource within this process.
type resourceLocks struct {
	mu sync.Map // resource id -> *sync.Mutex
}

func (l *resourceLocks) get(id string) *sync.Mutex {
	m, _ := l.mu.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// tryLock acquires the lock for id and returns its release func, or false if
// another operation holds it.
func (l *resourceLocks) tryLock(id string) (func(), bool) {
	m := l.get(id)
	if !m.TryLock() {
		return nil, false
	}
	return m.Unlock, true
}

// forget drops the lock entry of a deleted resource. The caller must hold it.
func (l *resourceLocks) forget(id string) {
	l.mu.Delete(id)
}
