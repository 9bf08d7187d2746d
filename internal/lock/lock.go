package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked is returned by TryLock when another holder owns the key
var ErrLocked = errors.New("lock: already held")

// Unlock releases a previously acquired lock. Calling it more than once is harmless.
type Unlock func()

// Locker serializes work per key, typically a job id
type Locker interface {
	// TryLock acquires key without waiting
	TryLock(ctx context.Context, key string) (Unlock, error)
	// Lock waits until key is free or ctx is done
	Lock(ctx context.Context, key string) (Unlock, error)
}

// MemoryLocker is a process-local Locker
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewMemoryLocker creates an empty MemoryLocker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]chan struct{})}
}

func (l *MemoryLocker) TryLock(ctx context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.locks[key]; held {
		return nil, ErrLocked
	}
	return l.acquire(key), nil
}

func (l *MemoryLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	for {
		l.mu.Lock()
		released, held := l.locks[key]
		if !held {
			unlock := l.acquire(key)
			l.mu.Unlock()
			return unlock, nil
		}
		l.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// acquire must be called with l.mu held
func (l *MemoryLocker) acquire(key string) Unlock {
	ch := make(chan struct{})
	l.locks[key] = ch

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.locks, key)
			l.mu.Unlock()
			close(ch)
		})
	}
}
