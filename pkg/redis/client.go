package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/commerce-core/pkg/config"
	"github.com/angelmondragon/commerce-core/pkg/logger"
)

const (
	keyNamespace    = "commerce"
	lockPrefix      = "lock"
	rateLimitPrefix = "rate_limit"
)

// Lua keeps each read-modify-write a single round trip the server runs
// atomically.
const (
	// KEYS[1] counter, ARGV[1] window ms. Returns the post-increment count.
	scriptWindowIncr = `local n = redis.call("INCR", KEYS[1])
if n == 1 then redis.call("PEXPIRE", KEYS[1], ARGV[1]) end
return n`
	// KEYS[1] lock, ARGV[1] owner token. Returns 1 when deleted.
	scriptLockRelease = `if redis.call("GET", KEYS[1]) == ARGV[1] then
return redis.call("DEL", KEYS[1]) end
return 0`
	// KEYS[1] lock, ARGV[1] owner token, ARGV[2] ttl ms. Returns 1 when extended.
	scriptLockExtend = `if redis.call("GET", KEYS[1]) == ARGV[1] then
return redis.call("PEXPIRE", KEYS[1], ARGV[2]) end
return 0`
)

var errNotInitialized = errors.New("redis client not initialized")

type cmdable interface {
	Ping(ctx context.Context) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// Client backs the cron leader lock and the API's fixed-window throttling.
type Client struct {
	store cmdable
	raw   *redis.Client
}

// New bootstraps a Redis client with pooling/timeouts and verifies connectivity.
func New(ctx context.Context, cfg config.RedisConfig, logg *logger.Logger) (*Client, error) {
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	raw := redis.NewClient(opts)
	if err := raw.Ping(ctx).Err(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if logg != nil {
		logg.Debug(ctx, "redis connection established")
	}
	return &Client{store: raw, raw: raw}, nil
}

// optionsFromConfig lets explicit pool settings fill whatever the URL left
// unset.
func optionsFromConfig(cfg config.RedisConfig) (*redis.Options, error) {
	var opts *redis.Options
	switch {
	case cfg.URL != "":
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	case cfg.Address != "":
		opts = &redis.Options{Addr: cfg.Address, Password: cfg.Password}
	default:
		return nil, errors.New("redis url or address is required")
	}

	if opts.DB == 0 {
		opts.DB = cfg.DB
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if opts.MinIdleConns == 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	return opts, nil
}

// FixedWindowAllow counts one hit against scope in the current window and
// reports whether the count is still within limit.
func (c *Client) FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error) {
	if c.store == nil {
		return false, 0, errNotInitialized
	}
	count, err := c.store.Eval(ctx, scriptWindowIncr, []string{c.RateLimitKey(scope)}, window.Milliseconds()).Int64()
	if err != nil {
		return false, 0, fmt.Errorf("window incr: %w", err)
	}
	return count <= limit, count, nil
}

// AcquireLock takes the named lock for ttl and returns the owner token that
// must be presented to extend or release it. ok is false when another owner
// holds the lock.
func (c *Client) AcquireLock(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error) {
	if c.store == nil {
		return "", false, errNotInitialized
	}
	token = uuid.NewString()
	ok, err = c.store.SetNX(ctx, c.LockKey(name), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("setnx: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock deletes the lock only while token still owns it. It reports
// false when the lock had already expired or changed hands.
func (c *Client) ReleaseLock(ctx context.Context, name, token string) (bool, error) {
	return c.ownerScript(ctx, scriptLockRelease, name, token)
}

// ExtendLock pushes the lock's expiry to ttl from now while token owns it.
func (c *Client) ExtendLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	return c.ownerScript(ctx, scriptLockExtend, name, token, ttl.Milliseconds())
}

func (c *Client) ownerScript(ctx context.Context, script, name, token string, extra ...any) (bool, error) {
	if c.store == nil {
		return false, errNotInitialized
	}
	if token == "" {
		return false, nil
	}
	args := append([]any{token}, extra...)
	n, err := c.store.Eval(ctx, script, []string{c.LockKey(name)}, args...).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *Client) LockKey(name string) string {
	return buildKey(lockPrefix, name)
}

func (c *Client) RateLimitKey(scope string) string {
	return buildKey(rateLimitPrefix, scope)
}

func (c *Client) Ping(ctx context.Context) error {
	if c.store == nil {
		return errNotInitialized
	}
	return c.store.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c.raw == nil {
		return nil
	}
	return c.raw.Close()
}

func buildKey(parts ...string) string {
	clean := []string{keyNamespace}
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			clean = append(clean, part)
		}
	}
	return strings.Join(clean, ":")
}
