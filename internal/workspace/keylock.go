package workspace

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// keyLocks hands out one FIFO mutex per key. Entries live only while some
// caller holds or waits for them.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*userLock)}
}

// acquire blocks until key is free or ctx is done. Waiters are served in
// arrival order.
func (k *keyLocks) acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &userLock{sem: semaphore.NewWeighted(1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		k.unref(key, l)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.sem.Release(1)
			k.unref(key, l)
		})
	}, nil
}

func (k *keyLocks) unref(key string, l *userLock) {
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// tryAcquire takes key only if nobody holds or waits for it.
func (k *keyLocks) tryAcquire(key string) (func(), bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.locks[key]; ok {
		return nil, false
	}
	l := &userLock{sem: semaphore.NewWeighted(1), refs: 1}
	l.sem.TryAcquire(1)
	k.locks[key] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			l.sem.Release(1)
			k.unref(key, l)
		})
	}, true
}
