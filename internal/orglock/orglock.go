// Package orglock serializes multi-step mutations of one organization. Protocols that span
// the local store and external services hold the organization's lock for their whole run.
package orglock

import (
	"context"
	"sync"
	"time"

	"github.com/organization-manager/organization-manager/internal/apperror"
	"github.com/organization-manager/organization-manager/internal/telemetry"
)

// Unlock releases a held lock
type Unlock func()

// Locker acquires per-key exclusive locks
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

func errContended(key string) error {
	telemetry.OrgLockContentionTotal.Inc()
	return apperror.Conflict("organization %s is being modified by another request, retry later", key)
}

// LocalLocker is an in-process keyed mutex. It only serializes requests within one replica.
type LocalLocker struct {
	wait time.Duration

	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	sem  chan struct{}
	refs int
}

// NewLocalLocker creates an in-process locker that waits at most wait for a key
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{wait: wait, locks: make(map[string]*localEntry)}
}

// Lock blocks until key is free, wait elapses or ctx ends
func (l *LocalLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	e := l.acquireEntry(key)

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.sem
				l.releaseEntry(key)
			})
		}, nil
	case <-timer.C:
		l.releaseEntry(key)
		return nil, errContended(key)
	case <-ctx.Done():
		l.releaseEntry(key)
		return nil, ctx.Err()
	}
}

func (l *LocalLocker) acquireEntry(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{sem: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *LocalLocker) releaseEntry(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.locks[key]
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}
