package inventory

import (
	"context"
	"sort"
	"sync"
)

// Locker serializes work on a key. The Engine locks one key per
// (warehouse, product) pair before it reads the position.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LockKey is the key the Engine locks for a pair.
func LockKey(k PairKey) string { return "inventory:" + k.String() }

// =============================================================================
// KEYED MUTEX - In-process Locker
// =============================================================================

// KeyedMutex is an in-process Locker with one mutex per key.
// Entries are reference counted and dropped when the last holder leaves.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{} // buffered(1): holding the token means holding the lock
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until the key is free or ctx is done.
func (km *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	km.mu.Lock()
	e, ok := km.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		km.locks[key] = e
	}
	e.refs++
	km.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		km.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			km.release(key, e)
		})
	}, nil
}

func (km *KeyedMutex) release(key string, e *keyedEntry) {
	km.mu.Lock()
	defer km.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(km.locks, key)
	}
}

// lockPairs locks every pair in sorted order so two batches touching the
// same pairs cannot deadlock. The returned func releases all of them.
func lockPairs(ctx context.Context, l Locker, keys []PairKey) (func(), error) {
	names := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		name := LockKey(k)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)

	unlocks := make([]func(), 0, len(names))
	releaseAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, name := range names {
		unlock, err := l.Lock(ctx, name)
		if err != nil {
			releaseAll()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return releaseAll, nil
}
