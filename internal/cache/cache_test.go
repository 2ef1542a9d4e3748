package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(128, time.Minute)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	return c
}

func TestFingerprint_Deterministic(t *testing.T) {
	req := &core.Request{Prompt: "hello", Options: core.Options{MaxTokens: 100}}
	a := Fingerprint("m1", req)
	b := Fingerprint("m1", &core.Request{Prompt: "hello", Options: core.Options{MaxTokens: 100}})
	if a != b {
		t.Error("identical requests must share a fingerprint")
	}
}

func TestFingerprint_Discriminates(t *testing.T) {
	base := &core.Request{Prompt: "hello", Options: core.Options{MaxTokens: 100}}
	key := Fingerprint("m1", base)

	otherModel := Fingerprint("m2", base)
	if otherModel == key {
		t.Error("model id must participate in the key")
	}

	temp := 0.7
	warm := *base
	warm.Options.Temperature = &temp
	if Fingerprint("m1", &warm) == key {
		t.Error("temperature must participate in the key")
	}

	// Non-semantic fields stay out of the key.
	hinted := *base
	hinted.ID = "req-42"
	hinted.Options.TimeoutMs = 9999
	if Fingerprint("m1", &hinted) != key {
		t.Error("request id and timeout must not affect the key")
	}
}

func TestGetOrCompute_CachesResult(t *testing.T) {
	c := newTestCache(t)
	var calls atomic.Int32
	build := func(context.Context) (core.Response, error) {
		calls.Add(1)
		return core.Response{Text: "out"}, nil
	}

	resp, cached, err := c.GetOrCompute(context.Background(), "k", 0, build)
	if err != nil || cached || resp.Text != "out" {
		t.Fatalf("first call: resp=%+v cached=%v err=%v", resp, cached, err)
	}

	resp, cached, err = c.GetOrCompute(context.Background(), "k", 0, build)
	if err != nil || !cached || resp.Text != "out" {
		t.Fatalf("second call: resp=%+v cached=%v err=%v", resp, cached, err)
	}
	if calls.Load() != 1 {
		t.Errorf("build should run once, ran %d times", calls.Load())
	}
}

func TestGetOrCompute_SingleFlight(t *testing.T) {
	c := newTestCache(t)
	var calls atomic.Int32
	gate := make(chan struct{})
	build := func(context.Context) (core.Response, error) {
		calls.Add(1)
		<-gate
		return core.Response{Text: "shared"}, nil
	}

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, _, err := c.GetOrCompute(context.Background(), "hot", 0, build)
			if err != nil || resp.Text != "shared" {
				t.Errorf("worker got resp=%+v err=%v", resp, err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond) // let workers pile up on the key
	close(gate)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("concurrent callers should share one build, got %d", calls.Load())
	}
}

func TestGetOrCompute_ErrorNotCached(t *testing.T) {
	c := newTestCache(t)
	var calls atomic.Int32
	failOnce := func(context.Context) (core.Response, error) {
		if calls.Add(1) == 1 {
			return core.Response{}, errors.New("upstream sad")
		}
		return core.Response{Text: "recovered"}, nil
	}

	if _, _, err := c.GetOrCompute(context.Background(), "k", 0, failOnce); err == nil {
		t.Fatal("expected build error to propagate")
	}
	resp, cached, err := c.GetOrCompute(context.Background(), "k", 0, failOnce)
	if err != nil || cached || resp.Text != "recovered" {
		t.Fatalf("retry after error: resp=%+v cached=%v err=%v", resp, cached, err)
	}
}

func TestPutGetExpiry(t *testing.T) {
	c := newTestCache(t)
	c.Put("short", core.Response{Text: "x"}, 10*time.Millisecond)

	if _, ok := c.Get("short"); !ok {
		t.Fatal("expected hit before expiry")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("short"); ok {
		t.Fatal("expected miss after expiry")
	}
}

func TestInvalidate(t *testing.T) {
	c := newTestCache(t)
	c.Put("k", core.Response{Text: "x"}, 0)
	c.Invalidate("k")
	if _, ok := c.Get("k"); ok {
		t.Error("expected miss after invalidate")
	}
}
