// ABOUTME: Per-key exclusive locks that serialize work on one customer at a time
// ABOUTME: In-process implementation for single instances, Redis for multi-instance deployments

package lock

import (
	"context"
	"fmt"
	"sync"
)

// Locker grants exclusive access to a key. Acquire blocks until the lock is
// held or ctx is done. The returned release function is safe to call more
// than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Key builds the lock key for a customer in a workspace.
func Key(workspaceID, customerID string) string {
	return "customer:" + workspaceID + ":" + customerID
}

// InMemoryLock implements Locker for single-process deployments and tests.
// Entries are reference counted and dropped when no caller holds or waits
// on them.
type InMemoryLock struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewInMemoryLock creates a new in-memory lock.
func NewInMemoryLock() *InMemoryLock {
	return &InMemoryLock{locks: make(map[string]*keyLock)}
}

func (l *InMemoryLock) ref(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	k, ok := l.locks[key]
	if !ok {
		k = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = k
	}
	k.refs++
	return k
}

func (l *InMemoryLock) unref(key string, k *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k.refs--
	if k.refs == 0 {
		delete(l.locks, key)
	}
}

// Acquire blocks until key is free or ctx is done.
func (l *InMemoryLock) Acquire(ctx context.Context, key string) (func(), error) {
	k := l.ref(key)

	select {
	case k.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, k)
		return nil, fmt.Errorf("acquire lock for %s: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-k.sem
			l.unref(key, k)
		})
	}, nil
}

// held reports how many keys currently have holders or waiters.
func (l *InMemoryLock) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
