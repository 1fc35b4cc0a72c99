// Package lock provides mutual exclusion for administrative batch jobs that
// may be triggered from several server replicas or CLI runs at once.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotObtained = errors.New("lock not obtained")

type Lease interface {
	Release(ctx context.Context) error
}

type Locker interface {
	// Obtain returns ErrNotObtained when another holder owns key.
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// LocalLocker only excludes holders within the current process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time)}
}

func (l *LocalLocker) Obtain(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if expires, ok := l.held[key]; ok && now.Before(expires) {
		return nil, ErrNotObtained
	}
	l.held[key] = now.Add(ttl)
	return &localLease{locker: l, key: key}, nil
}

type localLease struct {
	locker *LocalLocker
	key    string
	once   sync.Once
}

func (l *localLease) Release(_ context.Context) error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		delete(l.locker.held, l.key)
		l.locker.mu.Unlock()
	})
	return nil
}
