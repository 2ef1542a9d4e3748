package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/metrics"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/store"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewManager(st, opts...)
}

func TestGenerateAndValidate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	plaintext, rec, err := m.Generate(ctx, "acme", "ci-bot", []string{"infer", "models:read"}, nil, 0, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(plaintext, "llmr_") {
		t.Errorf("key missing prefix: %s", plaintext)
	}
	if strings.Contains(rec.KeyHash, plaintext) {
		t.Error("plaintext must not appear in the stored hash")
	}

	p, err := m.Validate(ctx, plaintext, "203.0.113.9")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if p.TenantID != "acme" || p.UserID != "ci-bot" || p.APIKeyID != rec.ID {
		t.Errorf("unexpected principal: %+v", p)
	}
	if !p.HasPermission("infer") || p.HasPermission("admin") {
		t.Errorf("unexpected permissions: %v", p.Permissions)
	}
}

func TestValidate_BadKeys(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.Generate(ctx, "acme", "k", []string{"infer"}, nil, 0, nil)

	for _, key := range []string{
		"",
		"short",
		"llmr_0000000000000000000000000000000000000000000000000000000000000000",
	} {
		if _, err := m.Validate(ctx, key, "203.0.113.9"); core.KindOf(err) != core.KindAuth {
			t.Errorf("Validate(%q): got %v", key, err)
		}
	}
}

func TestValidate_Expiry(t *testing.T) {
	now := time.Now()
	m := newTestManager(t, WithNowFunc(func() time.Time { return now }))
	ctx := context.Background()

	expires := now.Add(time.Hour)
	plaintext, _, err := m.Generate(ctx, "acme", "k", []string{"infer"}, nil, 0, &expires)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := m.Validate(ctx, plaintext, "203.0.113.9"); err != nil {
		t.Fatalf("before expiry: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if _, err := m.Validate(ctx, plaintext, "203.0.113.9"); core.KindOf(err) != core.KindAuth {
		t.Errorf("after expiry: got %v", err)
	}
}

func TestValidate_IPAllowlist(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	plaintext, _, err := m.Generate(ctx, "acme", "k", []string{"infer"},
		[]string{"10.0.0.0/8", "192.0.2.0/24"}, 0, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := m.Validate(ctx, plaintext, "10.1.2.3"); err != nil {
		t.Errorf("allowlisted ip rejected: %v", err)
	}
	if _, err := m.Validate(ctx, plaintext, "203.0.113.9"); core.KindOf(err) != core.KindAuth {
		t.Errorf("outside allowlist: got %v", err)
	}
	if _, err := m.Validate(ctx, plaintext, "not-an-ip"); core.KindOf(err) != core.KindAuth {
		t.Errorf("bad source address: got %v", err)
	}
}

func TestGenerate_BadAllowlistRejected(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.Generate(context.Background(), "acme", "k", []string{"infer"},
		[]string{"10.0.0.0/8", "not-a-cidr"}, 0, nil)
	if core.KindOf(err) != core.KindInvalidRequest {
		t.Errorf("got %v", err)
	}
}

func TestRotate_InvalidatesOldKey(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	oldKey, rec, err := m.Generate(ctx, "acme", "k", []string{"infer"}, nil, 90, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := m.Validate(ctx, oldKey, "203.0.113.9"); err != nil {
		t.Fatalf("validate before rotate: %v", err)
	}

	newKey, err := m.Rotate(ctx, rec.ID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if newKey == oldKey {
		t.Fatal("rotation must mint a fresh key")
	}

	if _, err := m.Validate(ctx, newKey, "203.0.113.9"); err != nil {
		t.Errorf("new key rejected: %v", err)
	}
	if _, err := m.Validate(ctx, oldKey, "203.0.113.9"); core.KindOf(err) != core.KindAuth {
		t.Errorf("old key should be dead, got %v", err)
	}

	if _, err := m.Rotate(ctx, "no-such-id"); core.KindOf(err) != core.KindNotFound {
		t.Errorf("unknown id: got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	plaintext, rec, err := m.Generate(ctx, "acme", "k", []string{"infer"}, nil, 0, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	// Warm the validation cache, then revoke.
	if _, err := m.Validate(ctx, plaintext, "203.0.113.9"); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := m.Revoke(ctx, rec.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := m.Validate(ctx, plaintext, "203.0.113.9"); core.KindOf(err) != core.KindAuth {
		t.Errorf("revoked key accepted: %v", err)
	}
}

func TestValidate_UsageAccounting(t *testing.T) {
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	now := time.Now()
	reg := metrics.New()
	m := NewManager(st, WithMetrics(reg), WithNowFunc(func() time.Time { return now }))

	plaintext, rec, err := m.Generate(ctx, "acme", "k", []string{"infer"}, nil, 0, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	// First validation runs bcrypt, second is served from the cache; both
	// count as usage.
	if _, err := m.Validate(ctx, plaintext, "203.0.113.9"); err != nil {
		t.Fatalf("validate: %v", err)
	}
	now = now.Add(time.Minute)
	if _, err := m.Validate(ctx, plaintext, "203.0.113.9"); err != nil {
		t.Fatalf("cached validate: %v", err)
	}

	if got := testutil.ToFloat64(reg.APIKeyUsage.WithLabelValues(rec.ID)); got != 2 {
		t.Errorf("usage counter = %v, want 2", got)
	}

	stored, err := st.GetAPIKey(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if stored.LastUsedAt == nil || !stored.LastUsedAt.Equal(now.UTC()) {
		t.Errorf("cached validation should refresh LastUsedAt, got %v", stored.LastUsedAt)
	}
}

func TestPrincipalContext(t *testing.T) {
	if _, ok := PrincipalFrom(context.Background()); ok {
		t.Error("empty context should carry no principal")
	}
	p := &core.Principal{TenantID: "acme"}
	ctx := WithPrincipal(context.Background(), p)
	got, ok := PrincipalFrom(ctx)
	if !ok || got.TenantID != "acme" {
		t.Errorf("got %+v ok=%v", got, ok)
	}
}
