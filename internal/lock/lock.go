// Package lock serializes writers per market. The in-process locker covers a
// single server; the Redis locker extends that across replicas sharing one
// database.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLockHeld is returned when a lock could not be taken before the context
// ended
var ErrLockHeld = errors.New("lock is held by another writer")

// Locker acquires an exclusive lock on key. The returned release func is
// safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// LocalLocker is a keyed mutex
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{})}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Join(ErrLockHeld, ctx.Err())
	}

	var once sync.Once
	return func() { once.Do(func() { <-slot }) }, nil
}

var _ Locker = (*LocalLocker)(nil)
