// Package ratelimit provides token-bucket admission control keyed by
// (scope, key). Buckets are golang.org/x/time/rate limiters; the surrounding
// bookkeeping caps the key space and sweeps stale buckets.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/metrics"
)

// Scope partitions the limiter key space.
type Scope string

const (
	ScopeTenant Scope = "tenant"
	ScopeAPIKey Scope = "api_key"
	ScopeIP     Scope = "ip"
	ScopeModel  Scope = "model"
)

// ScopeConfig sets the refill rate and burst for one scope.
type ScopeConfig struct {
	RPS   float64
	Burst int
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter enforces per-(scope, key) token buckets.
type Limiter struct {
	mu      sync.Mutex
	scopes  map[Scope]ScopeConfig
	buckets map[string]*bucket
	maxKeys int
	stop    chan struct{}
	metrics *metrics.Registry // optional
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithMetrics attaches the Prometheus registry; rejects increment the
// rate-limited counter per scope.
func WithMetrics(m *metrics.Registry) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithMaxKeys caps distinct (scope, key) buckets before eviction.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxKeys = n
		}
	}
}

// New creates a limiter with per-scope configs. Scopes without a config are
// unlimited.
func New(scopes map[Scope]ScopeConfig, opts ...Option) *Limiter {
	l := &Limiter{
		scopes:  scopes,
		buckets: make(map[string]*bucket),
		maxKeys: 100000,
		stop:    make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup()
	return l
}

// TryAdmit consumes n tokens from the (scope, key) bucket if available.
func (l *Limiter) TryAdmit(scope Scope, key string, n int) bool {
	b, ok := l.bucketFor(scope, key)
	if !ok {
		return true // unconfigured scope: no limit
	}
	if b.lim.AllowN(time.Now(), n) {
		return true
	}
	l.reject(scope)
	return false
}

// Wait blocks until n tokens are available or ctx is cancelled. Cancellation
// returns core.KindCancelled without consuming tokens.
func (l *Limiter) Wait(ctx context.Context, scope Scope, key string, n int) error {
	b, ok := l.bucketFor(scope, key)
	if !ok {
		return nil
	}
	if err := b.lim.WaitN(ctx, n); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return core.Wrap(core.KindCancelled, "admission wait cancelled", err)
		}
		l.reject(scope)
		return core.Wrap(core.KindRateLimited, "admission rejected", err)
	}
	return nil
}

// RetryAfter estimates how long a caller should wait before the (scope, key)
// bucket yields a token. Zero when admission would succeed now.
func (l *Limiter) RetryAfter(scope Scope, key string) time.Duration {
	b, ok := l.bucketFor(scope, key)
	if !ok {
		return 0
	}
	r := b.lim.ReserveN(time.Now(), 1)
	d := r.Delay()
	r.Cancel()
	return d
}

func (l *Limiter) bucketFor(scope Scope, key string) (*bucket, bool) {
	cfg, ok := l.scopes[scope]
	if !ok || cfg.RPS <= 0 {
		return nil, false
	}
	mapKey := string(scope) + ":" + key

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[mapKey]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.evictOldest()
		}
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		b = &bucket{lim: rate.NewLimiter(rate.Limit(cfg.RPS), burst)}
		l.buckets[mapKey] = b
	}
	b.lastSeen = time.Now()
	return b, true
}

// evictOldest removes the bucket with the oldest lastSeen time.
// Must be called with l.mu held.
func (l *Limiter) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, b := range l.buckets {
		if first || b.lastSeen.Before(oldestTime) {
			oldestKey = k
			oldestTime = b.lastSeen
			first = false
		}
	}
	if !first {
		delete(l.buckets, oldestKey)
	}
}

func (l *Limiter) reject(scope Scope) {
	if l.metrics != nil {
		l.metrics.RateLimited.WithLabelValues(string(scope)).Inc()
	}
}

// Stop terminates the background sweep goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-10 * time.Minute)
			for k, b := range l.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(l.buckets, k)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}
