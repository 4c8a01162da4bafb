// Package ratelimit holds the named token-bucket limiters shared by outbound callers.
// Limiters are created on first use and live for the process lifetime.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// Limit is a token-bucket setting.
type Limit struct {
	PerSecond float64
	Burst     int
}

func (l Limit) limiter() *rate.Limiter {
	if l.PerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := l.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(l.PerSecond), burst)
}

// Registry maps keys (endpoint hosts, provider names) to limiters.
type Registry struct {
	mu        sync.Mutex
	def       Limit
	overrides map[string]Limit
	limiters  map[string]*rate.Limiter
}

// NewRegistry returns a registry whose unknown keys use def.
func NewRegistry(def Limit) *Registry {
	return &Registry{
		def:       def,
		overrides: map[string]Limit{},
		limiters:  map[string]*rate.Limiter{},
	}
}

// Configure sets a per-key limit. An existing limiter for the key is replaced.
func (r *Registry) Configure(key string, l Limit) {
	key = normalizeKey(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[key] = l
	delete(r.limiters, key)
}

// Get returns the limiter for key, creating it on first use.
func (r *Registry) Get(key string) *rate.Limiter {
	key = normalizeKey(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[key]; ok {
		return l
	}
	cfg, ok := r.overrides[key]
	if !ok {
		cfg = r.def
	}
	l := cfg.limiter()
	r.limiters[key] = l
	return l
}

// Wait blocks until key has a token or ctx is done.
func (r *Registry) Wait(ctx context.Context, key string) error {
	if r == nil {
		return nil
	}
	if err := r.Get(key).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s: %w", normalizeKey(key), err)
	}
	return nil
}

// Allow reports whether key has a token right now, consuming it when it does.
func (r *Registry) Allow(key string) bool {
	if r == nil {
		return true
	}
	return r.Get(key).Allow()
}

// Len returns how many limiters have been created.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
