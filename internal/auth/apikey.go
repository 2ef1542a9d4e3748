// Package auth issues and validates API keys and derives the per-request
// principal. Keys are stored as bcrypt hashes over a SHA-256 pre-hash; the
// plaintext is returned exactly once at creation or rotation.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/metrics"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/store"
)

// hashForBcrypt pre-hashes a key with SHA-256 to stay within bcrypt's 72-byte limit.
func hashForBcrypt(key string) []byte {
	h := sha256.Sum256([]byte(key))
	return []byte(hex.EncodeToString(h[:]))
}

const (
	keyPrefix    = "llmr_"
	keyRandBytes = 32
	bcryptCost   = 10
	cacheTTL     = 5 * time.Minute
)

type cachedKey struct {
	record    *store.APIKeyRecord
	expiresAt time.Time
}

// Manager handles API key generation, validation, and rotation.
type Manager struct {
	store   store.Store
	now     func() time.Time
	metrics *metrics.Registry

	mu    sync.RWMutex
	cache map[string]cachedKey // keyString -> cached record
}

// Option configures a Manager.
type Option func(*Manager)

// WithNowFunc overrides the clock for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics enables per-key usage accounting.
func WithMetrics(reg *metrics.Registry) Option {
	return func(m *Manager) { m.metrics = reg }
}

// NewManager creates a new API key manager.
func NewManager(s store.Store, opts ...Option) *Manager {
	m := &Manager{
		store: s,
		now:   time.Now,
		cache: make(map[string]cachedKey),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Generate creates a new API key for a tenant, stores its bcrypt hash, and
// returns the plaintext key exactly once. Permissions use the wildcard
// grammar ("infer", "models:*", "*"); ipAllowlist is a list of CIDRs, empty
// meaning any source address.
func (m *Manager) Generate(ctx context.Context, tenantID, name string, permissions, ipAllowlist []string, rotationDays int, expiresAt *time.Time) (string, *store.APIKeyRecord, error) {
	for _, cidr := range ipAllowlist {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return "", nil, core.Errf(core.KindInvalidRequest, "bad allowlist entry %q", cidr)
		}
	}

	raw := make([]byte, keyRandBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, core.Wrap(core.KindInternal, "generate random", err)
	}
	plaintext := keyPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword(hashForBcrypt(plaintext), bcryptCost)
	if err != nil {
		return "", nil, core.Wrap(core.KindInternal, "bcrypt hash", err)
	}

	perms, _ := json.Marshal(permissions)
	allow, _ := json.Marshal(ipAllowlist)
	id := hex.EncodeToString(raw[:8]) // 16-char hex ID
	rec := store.APIKeyRecord{
		ID:           id,
		TenantID:     tenantID,
		KeyHash:      string(hash),
		KeyPrefix:    plaintext[:len(keyPrefix)+8],
		Name:         name,
		Permissions:  string(perms),
		IPAllowlist:  string(allow),
		CreatedAt:    m.now().UTC(),
		ExpiresAt:    expiresAt,
		RotationDays: rotationDays,
		Enabled:      true,
	}

	if err := m.store.CreateAPIKey(ctx, rec); err != nil {
		return "", nil, core.Wrap(core.KindInternal, "store api key", err)
	}
	return plaintext, &rec, nil
}

// Validate checks a plaintext API key against the store and returns the
// derived principal. The key prefix narrows the candidate set so bcrypt runs
// against a handful of rows; a short TTL cache skips bcrypt entirely for hot
// keys. remoteIP is matched against the key's allowlist when one is set.
func (m *Manager) Validate(ctx context.Context, keyString, remoteIP string) (*core.Principal, error) {
	rec, err := m.lookup(ctx, keyString)
	if err != nil {
		return nil, err
	}

	if rec.ExpiresAt != nil && m.now().After(*rec.ExpiresAt) {
		return nil, core.Errf(core.KindAuth, "api key expired")
	}
	if err := m.checkAllowlist(rec, remoteIP); err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.APIKeyUsage.WithLabelValues(rec.ID).Inc()
	}

	var perms []string
	_ = json.Unmarshal([]byte(rec.Permissions), &perms)
	return &core.Principal{
		UserID:      rec.Name,
		TenantID:    rec.TenantID,
		Permissions: perms,
		APIKeyID:    rec.ID,
	}, nil
}

func (m *Manager) lookup(ctx context.Context, keyString string) (*store.APIKeyRecord, error) {
	m.mu.RLock()
	cached, hit := m.cache[keyString]
	m.mu.RUnlock()
	if hit && m.now().Before(cached.expiresAt) {
		// The cache skips bcrypt, not the usage bookkeeping.
		rec := *cached.record
		now := m.now().UTC()
		rec.LastUsedAt = &now
		_ = m.store.UpdateAPIKey(ctx, rec)
		return &rec, nil
	}

	if len(keyString) < len(keyPrefix)+8 {
		return nil, core.Errf(core.KindAuth, "invalid api key")
	}
	keys, err := m.store.GetAPIKeysByPrefix(ctx, keyString[:len(keyPrefix)+8])
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "list keys", err)
	}

	for i := range keys {
		k := &keys[i]
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), hashForBcrypt(keyString)) != nil {
			continue
		}

		now := m.now().UTC()
		k.LastUsedAt = &now
		_ = m.store.UpdateAPIKey(ctx, *k)

		m.mu.Lock()
		m.cache[keyString] = cachedKey{record: k, expiresAt: m.now().Add(cacheTTL)}
		m.mu.Unlock()

		return k, nil
	}
	return nil, core.Errf(core.KindAuth, "invalid api key")
}

func (m *Manager) checkAllowlist(rec *store.APIKeyRecord, remoteIP string) error {
	var cidrs []string
	_ = json.Unmarshal([]byte(rec.IPAllowlist), &cidrs)
	if len(cidrs) == 0 {
		return nil
	}
	addr, err := netip.ParseAddr(remoteIP)
	if err != nil {
		return core.Errf(core.KindAuth, "unparseable source address")
	}
	for _, cidr := range cidrs {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			continue
		}
		if prefix.Contains(addr) {
			return nil
		}
	}
	return core.Errf(core.KindAuth, "source address not in key allowlist")
}

// Rotate generates a new key for an existing key record, replacing the hash.
// Returns the new plaintext key exactly once.
func (m *Manager) Rotate(ctx context.Context, id string) (string, error) {
	rec, err := m.store.GetAPIKey(ctx, id)
	if err != nil {
		return "", core.Wrap(core.KindInternal, "get key", err)
	}
	if rec == nil {
		return "", core.Errf(core.KindNotFound, "api key not found")
	}

	raw := make([]byte, keyRandBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", core.Wrap(core.KindInternal, "generate random", err)
	}
	plaintext := keyPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword(hashForBcrypt(plaintext), bcryptCost)
	if err != nil {
		return "", core.Wrap(core.KindInternal, "bcrypt hash", err)
	}

	rec.KeyHash = string(hash)
	rec.KeyPrefix = plaintext[:len(keyPrefix)+8]

	if err := m.store.UpdateAPIKey(ctx, *rec); err != nil {
		return "", core.Wrap(core.KindInternal, "update key", err)
	}

	// Invalidate cache entries that matched the old key.
	m.mu.Lock()
	for k, v := range m.cache {
		if v.record.ID == id {
			delete(m.cache, k)
		}
	}
	m.mu.Unlock()

	return plaintext, nil
}

// Revoke disables a key immediately.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	rec, err := m.store.GetAPIKey(ctx, id)
	if err != nil {
		return core.Wrap(core.KindInternal, "get key", err)
	}
	if rec == nil {
		return core.Errf(core.KindNotFound, "api key not found")
	}
	rec.Enabled = false
	if err := m.store.UpdateAPIKey(ctx, *rec); err != nil {
		return core.Wrap(core.KindInternal, "update key", err)
	}
	m.mu.Lock()
	for k, v := range m.cache {
		if v.record.ID == id {
			delete(m.cache, k)
		}
	}
	m.mu.Unlock()
	return nil
}

type principalKeyType struct{}

var principalKey = principalKeyType{}

// WithPrincipal returns a context carrying the authenticated principal.
func WithPrincipal(ctx context.Context, p *core.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom extracts the principal from context.
func PrincipalFrom(ctx context.Context) (*core.Principal, bool) {
	p, ok := ctx.Value(principalKey).(*core.Principal)
	return p, ok
}
