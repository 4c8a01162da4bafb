package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// defaultLockTTL outlasts one cycle so a crashed leader frees the lock
// before the next tick after it.
const defaultLockTTL = 10 * time.Minute

// Lock elects the single instance that runs a cron cycle. Refresh renews the
// lease between jobs and reports false once the lease was lost.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// lockStore is the owner-token lock surface of pkg/redis.
type lockStore interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	ExtendLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, token string) (bool, error)
}

// RedisLock is a leased leader lock. Extend and release are compare-and-set
// on the owner token, so an instance whose lease expired can neither renew
// nor free a lock another instance now holds.
type RedisLock struct {
	store lockStore
	name  string
	ttl   time.Duration

	mu    sync.Mutex
	token string
}

func NewRedisLock(store lockStore, name string, ttl time.Duration) (*RedisLock, error) {
	if store == nil {
		return nil, errors.New("redis client required for lock")
	}
	if name == "" {
		return nil, errors.New("lock name is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLock{store: store, name: name, ttl: ttl}, nil
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	token, ok, err := l.store.AcquireLock(ctx, l.name, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.name, err)
	}
	if ok {
		l.mu.Lock()
		l.token = token
		l.mu.Unlock()
	}
	return ok, nil
}

func (l *RedisLock) Refresh(ctx context.Context) (bool, error) {
	token := l.currentToken()
	if token == "" {
		return false, nil
	}
	ok, err := l.store.ExtendLock(ctx, l.name, token, l.ttl)
	if err != nil {
		return false, fmt.Errorf("extend %s: %w", l.name, err)
	}
	if !ok {
		l.clear(token)
	}
	return ok, nil
}

func (l *RedisLock) Release(ctx context.Context) error {
	token := l.currentToken()
	if token == "" {
		return nil
	}
	defer l.clear(token)
	if _, err := l.store.ReleaseLock(ctx, l.name, token); err != nil {
		return fmt.Errorf("release %s: %w", l.name, err)
	}
	return nil
}

func (l *RedisLock) currentToken() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token
}

func (l *RedisLock) clear(token string) {
	l.mu.Lock()
	if l.token == token {
		l.token = ""
	}
	l.mu.Unlock()
}
