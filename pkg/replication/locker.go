// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package replication

import (
	"context"
	"sync"

	"storj.io/pgd/pkg/objectid"
)

// KeyLocker is the production ObjectLocker: one FIFO mutex per object id,
// created lazily and discarded once its last waiter releases it. Each
// object's lock is a buffered channel of capacity 1 rather than a
// sync.Mutex so Lock can select on ctx.Done() instead of parking a
// goroutine uninterruptibly.
type KeyLocker struct {
	mu    sync.Mutex
	locks map[objectid.ID]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyLocker constructs an empty KeyLocker.
func NewKeyLocker() *KeyLocker {
	return &KeyLocker{locks: make(map[objectid.ID]*keyLock)}
}

// Lock blocks until the write lock for id is held, or ctx is done.
func (l *KeyLocker) Lock(ctx context.Context, id objectid.ID) (func(), error) {
	l.mu.Lock()
	k, ok := l.locks[id]
	if !ok {
		k = &keyLock{ch: make(chan struct{}, 1)}
		k.ch <- struct{}{}
		l.locks[id] = k
	}
	k.refs++
	l.mu.Unlock()

	release := func() {
		l.mu.Lock()
		k.refs--
		if k.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
		k.ch <- struct{}{}
	}

	select {
	case <-k.ch:
		return release, nil
	case <-ctx.Done():
		l.mu.Lock()
		k.refs--
		if k.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
		return func() {}, ctx.Err()
	}
}
