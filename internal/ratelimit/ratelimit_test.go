package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
)

func newTestLimiter(t *testing.T, scopes map[Scope]ScopeConfig) *Limiter {
	t.Helper()
	l := New(scopes)
	t.Cleanup(l.Stop)
	return l
}

func TestTryAdmit_BurstThenReject(t *testing.T) {
	l := newTestLimiter(t, map[Scope]ScopeConfig{
		ScopeTenant: {RPS: 1, Burst: 3},
	})

	for i := 0; i < 3; i++ {
		if !l.TryAdmit(ScopeTenant, "acme", 1) {
			t.Fatalf("request %d within burst should pass", i)
		}
	}
	if l.TryAdmit(ScopeTenant, "acme", 1) {
		t.Fatal("fourth request should be rejected")
	}
}

func TestTryAdmit_KeysAreIndependent(t *testing.T) {
	l := newTestLimiter(t, map[Scope]ScopeConfig{
		ScopeTenant: {RPS: 1, Burst: 1},
	})

	if !l.TryAdmit(ScopeTenant, "acme", 1) {
		t.Fatal("first acme request should pass")
	}
	if l.TryAdmit(ScopeTenant, "acme", 1) {
		t.Fatal("second acme request should be rejected")
	}
	if !l.TryAdmit(ScopeTenant, "globex", 1) {
		t.Fatal("globex has its own bucket")
	}
}

func TestTryAdmit_UnconfiguredScopeIsUnlimited(t *testing.T) {
	l := newTestLimiter(t, map[Scope]ScopeConfig{
		ScopeTenant: {RPS: 1, Burst: 1},
	})
	for i := 0; i < 100; i++ {
		if !l.TryAdmit(ScopeIP, "10.0.0.1", 1) {
			t.Fatal("unconfigured scope must never reject")
		}
	}
}

func TestRetryAfter(t *testing.T) {
	l := newTestLimiter(t, map[Scope]ScopeConfig{
		ScopeAPIKey: {RPS: 2, Burst: 1},
	})

	if d := l.RetryAfter(ScopeAPIKey, "k1"); d != 0 {
		t.Errorf("fresh bucket should admit immediately, got %s", d)
	}
	l.TryAdmit(ScopeAPIKey, "k1", 1)
	d := l.RetryAfter(ScopeAPIKey, "k1")
	if d <= 0 || d > time.Second {
		t.Errorf("expected retry-after near 500ms, got %s", d)
	}
}

func TestWait_Cancellation(t *testing.T) {
	l := newTestLimiter(t, map[Scope]ScopeConfig{
		ScopeTenant: {RPS: 0.1, Burst: 1},
	})
	l.TryAdmit(ScopeTenant, "acme", 1) // drain the burst

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, ScopeTenant, "acme", 1)
	if core.KindOf(err) != core.KindCancelled {
		t.Errorf("expected cancelled, got %v", err)
	}
}

func TestMaxKeysEviction(t *testing.T) {
	l := New(map[Scope]ScopeConfig{
		ScopeTenant: {RPS: 1, Burst: 1},
	}, WithMaxKeys(2))
	t.Cleanup(l.Stop)

	l.TryAdmit(ScopeTenant, "a", 1)
	l.TryAdmit(ScopeTenant, "b", 1)
	l.TryAdmit(ScopeTenant, "c", 1) // evicts the oldest bucket

	l.mu.Lock()
	n := len(l.buckets)
	l.mu.Unlock()
	if n != 2 {
		t.Errorf("expected 2 buckets after eviction, got %d", n)
	}
}
