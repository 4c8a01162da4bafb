package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/commerce-core/pkg/config"
)

func TestFixedWindowAllow(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}

	for i, want := range []bool{true, true, false} {
		allowed, count, err := client.FixedWindowAllow(ctx, "api:ip:10.0.0.1", 2, time.Second)
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
		if allowed != want || count != int64(i+1) {
			t.Fatalf("call %d: allowed=%v count=%d", i, allowed, count)
		}
	}
	if got := mock.ttl["commerce:rate_limit:api:ip:10.0.0.1"]; got != time.Second {
		t.Fatalf("expected window ttl set once on first hit, got %v", got)
	}
}

func TestLockOwnership(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}

	token, ok, err := client.AcquireLock(ctx, "cron-worker:prod", time.Minute)
	if err != nil || !ok || token == "" {
		t.Fatalf("expected first acquire to win, ok=%v err=%v", ok, err)
	}
	if _, ok, _ := client.AcquireLock(ctx, "cron-worker:prod", time.Minute); ok {
		t.Fatalf("second acquire must not steal the lock")
	}

	if released, _ := client.ReleaseLock(ctx, "cron-worker:prod", "someone-else"); released {
		t.Fatalf("foreign token must not release the lock")
	}
	extended, err := client.ExtendLock(ctx, "cron-worker:prod", token, 2*time.Minute)
	if err != nil || !extended {
		t.Fatalf("owner should extend, extended=%v err=%v", extended, err)
	}
	if got := mock.ttl["commerce:lock:cron-worker:prod"]; got != 2*time.Minute {
		t.Fatalf("expected extended ttl, got %v", got)
	}

	released, err := client.ReleaseLock(ctx, "cron-worker:prod", token)
	if err != nil || !released {
		t.Fatalf("owner should release, released=%v err=%v", released, err)
	}
	if _, ok, _ := client.AcquireLock(ctx, "cron-worker:prod", time.Minute); !ok {
		t.Fatalf("lock should be free after release")
	}
}

func TestUninitializedClientErrors(t *testing.T) {
	client := &Client{}
	if err := client.Ping(context.Background()); err == nil {
		t.Fatalf("expected ping on empty client to fail")
	}
	if _, _, err := client.AcquireLock(context.Background(), "x", time.Second); err == nil {
		t.Fatalf("expected acquire on empty client to fail")
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close on empty client should be a no-op, got %v", err)
	}
}

func TestKeyBuilders(t *testing.T) {
	client := &Client{}
	if got := client.LockKey("cron"); got != "commerce:lock:cron" {
		t.Fatalf("unexpected lock key %s", got)
	}
	if got := client.RateLimitKey(" scope "); got != "commerce:rate_limit:scope" {
		t.Fatalf("unexpected rate limit key %s", got)
	}
	if got := client.LockKey(""); got != "commerce:lock" {
		t.Fatalf("empty parts should be skipped, got %s", got)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	if _, err := optionsFromConfig(config.RedisConfig{}); err == nil {
		t.Fatalf("expected error without url or address")
	}
	opts, err := optionsFromConfig(config.RedisConfig{URL: "redis://localhost:6379/3", PoolSize: 7, DB: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.DB != 3 || opts.PoolSize != 7 {
		t.Fatalf("url db should win and pool size fill in, got db=%d pool=%d", opts.DB, opts.PoolSize)
	}
}

// mockCmdable emulates the three Lua scripts by matching their text.
type mockCmdable struct {
	data map[string]string
	ttl  map[string]time.Duration
}

func newMockCmdable() *mockCmdable {
	return &mockCmdable{data: map[string]string{}, ttl: map[string]time.Duration{}}
}

func (m *mockCmdable) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (m *mockCmdable) SetNX(_ context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd {
	if _, exists := m.data[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = fmt.Sprint(value)
	m.ttl[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (m *mockCmdable) Eval(_ context.Context, script string, keys []string, args ...any) *redis.Cmd {
	cmd := redis.NewCmd(context.Background())
	key := keys[0]
	switch script {
	case scriptWindowIncr:
		var n int64
		fmt.Sscan(m.data[key], &n)
		n++
		m.data[key] = fmt.Sprint(n)
		if n == 1 {
			m.ttl[key] = time.Duration(args[0].(int64)) * time.Millisecond
		}
		cmd.SetVal(n)
	case scriptLockRelease:
		if v, ok := m.data[key]; ok && v == args[0] {
			delete(m.data, key)
			cmd.SetVal(int64(1))
			return cmd
		}
		cmd.SetVal(int64(0))
	case scriptLockExtend:
		if v, ok := m.data[key]; ok && v == args[0] {
			m.ttl[key] = time.Duration(args[1].(int64)) * time.Millisecond
			cmd.SetVal(int64(1))
			return cmd
		}
		cmd.SetVal(int64(0))
	default:
		cmd.SetErr(fmt.Errorf("unexpected script"))
	}
	return cmd
}
