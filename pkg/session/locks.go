package session

import "sync"

// keyedMutex hands out one mutex per session so writes for the same
// session serialize while different sessions proceed independently.
// Mutexes live for the life of the store; handing one back while a
// waiter is blocked on it would let two writers race on the same file.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (km *keyedMutex) get(sessionID string) *sync.Mutex {
	km.mu.Lock()
	defer km.mu.Unlock()

	if lock, ok := km.locks[sessionID]; ok {
		return lock
	}

	lock := &sync.Mutex{}
	km.locks[sessionID] = lock
	return lock
}
