// Package keylock provides per-key mutexes for serializing work on one
// account or one listing while unrelated keys proceed in parallel.
package keylock

import "sync"

type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*sync.Mutex)}
}

func (k *KeyLock) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}

// Lock serializes on a single key. The returned func releases the lock.
func (k *KeyLock) Lock(key string) func() {
	m := k.get(key)
	m.Lock()
	return m.Unlock
}

// LockPair acquires two keys in lexical order so concurrent transfers over
// overlapping pairs cannot deadlock.
func (k *KeyLock) LockPair(a, b string) func() {
	if a == b {
		return k.Lock(a)
	}
	if a > b {
		a, b = b, a
	}
	first, second := k.get(a), k.get(b)
	first.Lock()
	second.Lock()
	return func() {
		second.Unlock()
		first.Unlock()
	}
}
