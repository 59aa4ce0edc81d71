// Package syncutil provides small concurrency helpers generalizing the teacher's
// per-manager sync.RWMutex idiom (sessions.Manager) to per-key locking, so unrelated
// sessions never contend on a single global lock.
package syncutil

import "sync"

// KeyedMutex hands out a *sync.Mutex per key, created lazily and kept alive for the
// process lifetime (workspaces have a bounded number of sessions in practice).
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock returns the mutex for key, already locked, and an unlock func.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Drop removes the mutex for key. Callers must ensure no goroutine holds it.
func (k *KeyedMutex) Drop(key string) {
	k.mu.Lock()
	delete(k.locks, key)
	k.mu.Unlock()
}
