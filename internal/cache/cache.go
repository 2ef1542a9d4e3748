// Package cache maps request fingerprints to completed responses. Storage is
// a size-capped otter W-TinyLFU cache with per-entry TTL; a singleflight
// group guarantees at most one concurrent build per fingerprint.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/singleflight"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/metrics"
)

type entry struct {
	resp      core.Response
	expiresAt time.Time
}

// Cache is the idempotent-result cache.
type Cache struct {
	store      *otter.Cache[string, entry]
	group      singleflight.Group
	defaultTTL time.Duration
	metrics    *metrics.Registry // optional
}

// Option configures a Cache.
type Option func(*Cache)

// WithMetrics attaches hit/miss/evict counters.
func WithMetrics(m *metrics.Registry) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a cache bounded to maxEntries with the given default TTL.
func New(maxEntries int, defaultTTL time.Duration, opts ...Option) (*Cache, error) {
	store, err := otter.New[string, entry](&otter.Options[string, entry]{
		MaximumSize:      maxEntries,
		ExpiryCalculator: otter.ExpiryWriting[string, entry](defaultTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	c := &Cache{store: store, defaultTTL: defaultTTL}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// fingerprintOptions is the deterministic subset of request options that
// participates in the cache key. Field order fixes the canonical encoding.
type fingerprintOptions struct {
	Temperature    *float64 `json:"temperature,omitempty"`
	TopP           *float64 `json:"top_p,omitempty"`
	TopK           *int     `json:"top_k,omitempty"`
	MaxTokens      int      `json:"max_tokens"`
	Stop           []string `json:"stop,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	ResponseFormat string   `json:"response_format,omitempty"`
}

// Fingerprint derives the cache key for a request routed to modelID.
func Fingerprint(modelID string, req *core.Request) string {
	payload := struct {
		ModelID  string             `json:"model_id"`
		Prompt   string             `json:"prompt,omitempty"`
		Messages []core.Message     `json:"messages,omitempty"`
		Options  fingerprintOptions `json:"options"`
	}{
		ModelID:  modelID,
		Prompt:   req.Prompt,
		Messages: req.Messages,
		Options: fingerprintOptions{
			Temperature:    req.Options.Temperature,
			TopP:           req.Options.TopP,
			TopK:           req.Options.TopK,
			MaxTokens:      req.Options.MaxTokens,
			Stop:           req.Options.Stop,
			Seed:           req.Options.Seed,
			ResponseFormat: req.Options.ResponseFormat,
		},
	}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Get returns a cached response if present and unexpired.
func (c *Cache) Get(key string) (core.Response, bool) {
	e, ok := c.store.GetIfPresent(key)
	if !ok || time.Now().After(e.expiresAt) {
		if ok {
			c.store.Invalidate(key)
			c.count("evict")
		}
		c.count("miss")
		return core.Response{}, false
	}
	c.count("hit")
	return e.resp, true
}

// GetOrCompute returns the cached response for key, or runs build exactly
// once across concurrent callers and caches its result for ttl (0 = default).
// Waiters share the leader's outcome. Build errors are not cached: the key is
// forgotten so the next caller retries, and a cancelled leader hands the key
// back the same way.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, build func(ctx context.Context) (core.Response, error)) (core.Response, bool, error) {
	if resp, ok := c.Get(key); ok {
		return resp, true, nil
	}

	type built struct {
		resp      core.Response
		fromCache bool
	}
	v, err, shared := c.group.Do(key, func() (any, error) {
		// Re-check under leadership: an earlier leader may have stored.
		if resp, ok := c.Get(key); ok {
			return built{resp, true}, nil
		}
		resp, err := build(ctx)
		if err != nil {
			return built{}, err
		}
		c.Put(key, resp, ttl)
		return built{resp, false}, nil
	})
	if err != nil {
		c.group.Forget(key)
		return core.Response{}, false, err
	}
	b := v.(built)
	// Waiters that shared the leader's build did not invoke the adapter.
	return b.resp, b.fromCache || shared, nil
}

// Put stores a response under key with the given ttl (0 = default).
// Streaming responses must not reach here; only terminal assembled text.
func (c *Cache) Put(key string, resp core.Response, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.store.Set(key, entry{resp: resp, expiresAt: time.Now().Add(ttl)})
}

// Invalidate removes a single key.
func (c *Cache) Invalidate(key string) {
	c.store.Invalidate(key)
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.store.InvalidateAll()
}

func (c *Cache) count(event string) {
	if c.metrics != nil {
		c.metrics.CacheEvents.WithLabelValues(event).Inc()
	}
}
