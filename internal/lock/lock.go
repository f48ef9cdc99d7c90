// Package lock provides the short-lived mutual exclusion used around cache
// lifecycle changes. RedisLocker coordinates replicas sharing one storage
// backend; LocalLocker is enough for a single process.
package lock

import (
	"context"
	"sync"
	"time"
)

type Lock interface {
	Unlock(ctx context.Context) error
}

type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lock, bool, error)
}

// LocalLocker is an in-process Locker. Locks expire after their ttl like
// their Redis counterparts.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localHold
	now  func() time.Time
	seq  uint64
}

type localHold struct {
	id      uint64
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]localHold{}, now: time.Now}
}

func (l *LocalLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lock, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, false, nil
	}
	l.seq++
	l.held[key] = localHold{id: l.seq, expires: now.Add(ttl)}
	return &localLock{locker: l, key: key, id: l.seq}, true, nil
}

type localLock struct {
	locker *LocalLocker
	key    string
	id     uint64
}

func (l *localLock) Unlock(ctx context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if h, ok := l.locker.held[l.key]; ok && h.id == l.id {
		delete(l.locker.held, l.key)
	}
	return nil
}
