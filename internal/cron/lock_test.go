package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLockStore struct {
	owner      string
	next       int
	extendErr  error
	releaseCnt int
}

func (f *fakeLockStore) AcquireLock(_ context.Context, _ string, _ time.Duration) (string, bool, error) {
	if f.owner != "" {
		return "", false, nil
	}
	f.next++
	f.owner = string(rune('a' + f.next))
	return f.owner, true, nil
}

func (f *fakeLockStore) ExtendLock(_ context.Context, _ string, token string, _ time.Duration) (bool, error) {
	if f.extendErr != nil {
		return false, f.extendErr
	}
	return token == f.owner, nil
}

func (f *fakeLockStore) ReleaseLock(_ context.Context, _ string, token string) (bool, error) {
	f.releaseCnt++
	if token != f.owner {
		return false, nil
	}
	f.owner = ""
	return true, nil
}

func TestRedisLockLifecycle(t *testing.T) {
	store := &fakeLockStore{}
	lock, err := NewRedisLock(store, "cron-worker:test", time.Minute)
	require.NoError(t, err)

	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = lock.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, lock.Release(context.Background()))
	assert.Empty(t, store.owner)

	// releasing twice is a no-op
	require.NoError(t, lock.Release(context.Background()))
	assert.Equal(t, 1, store.releaseCnt)
}

func TestRedisLockRefreshDetectsLostLease(t *testing.T) {
	store := &fakeLockStore{}
	lock, err := NewRedisLock(store, "cron-worker:test", time.Minute)
	require.NoError(t, err)

	_, err = lock.Acquire(context.Background())
	require.NoError(t, err)
	store.owner = "someone-else"

	ok, err := lock.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lock.Release(context.Background()))
	assert.Equal(t, 0, store.releaseCnt)
	assert.Equal(t, "someone-else", store.owner)
}

func TestRedisLockRefreshError(t *testing.T) {
	store := &fakeLockStore{extendErr: errors.New("conn reset")}
	lock, err := NewRedisLock(store, "cron-worker:test", 0)
	require.NoError(t, err)
	assert.Equal(t, defaultLockTTL, lock.ttl)

	_, err = lock.Acquire(context.Background())
	require.NoError(t, err)
	_, err = lock.Refresh(context.Background())
	assert.Error(t, err)
}

func TestNewRedisLockValidates(t *testing.T) {
	_, err := NewRedisLock(nil, "x", time.Second)
	assert.Error(t, err)
	_, err = NewRedisLock(&fakeLockStore{}, "", time.Second)
	assert.Error(t, err)
}
