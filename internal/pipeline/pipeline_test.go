package pipeline

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/cache"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/circuitbreaker"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/events"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/experiment"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/providers"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/ratelimit"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/registry"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/router"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/store"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/tenant"
)

// fakeAdapter serves every registered model. Complete and Stream behavior is
// scriptable per test; counters track attempt fan-out.
type fakeAdapter struct {
	id string

	mu       sync.Mutex
	competes int
	streams  int

	completeFn  func(modelID string, call int) (*core.Response, error)
	streamFn    func(ctx context.Context, modelID string, req *core.Request) (<-chan core.Chunk, error)
	streamDelay time.Duration
}

func (f *fakeAdapter) ID() string   { return f.id }
func (f *fakeAdapter) Kind() string { return "fake" }

func (f *fakeAdapter) Load(context.Context, string, map[string]string) error { return nil }
func (f *fakeAdapter) Unload(context.Context, string) error                  { return nil }

func (f *fakeAdapter) completeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.competes
}

func (f *fakeAdapter) streamCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams
}

func (f *fakeAdapter) Complete(_ context.Context, modelID string, _ *core.Request) (*core.Response, error) {
	f.mu.Lock()
	f.competes++
	call := f.competes
	fn := f.completeFn
	f.mu.Unlock()
	if fn != nil {
		return fn(modelID, call)
	}
	return &core.Response{
		ModelID:      modelID,
		Text:         "ok",
		Usage:        core.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		FinishReason: core.FinishStop,
	}, nil
}

func (f *fakeAdapter) Stream(ctx context.Context, modelID string, req *core.Request) (<-chan core.Chunk, error) {
	f.mu.Lock()
	f.streams++
	fn := f.streamFn
	delay := f.streamDelay
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, modelID, req)
	}

	ch := make(chan core.Chunk)
	go func() {
		defer close(ch)
		words := strings.Fields(req.Prompt)
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			select {
			case ch <- core.Chunk{Delta: w}:
			case <-ctx.Done():
				ch <- core.Chunk{Done: true, FinishReason: core.FinishCancelled, Err: core.ErrCancelled}
				return
			}
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					ch <- core.Chunk{Done: true, FinishReason: core.FinishCancelled, Err: core.ErrCancelled}
					return
				}
			}
		}
		n := len(words)
		ch <- core.Chunk{
			Done: true, FinishReason: core.FinishStop,
			Usage: &core.Usage{PromptTokens: n, CompletionTokens: n, TotalTokens: 2 * n},
		}
	}()
	return ch, nil
}

func (f *fakeAdapter) HealthCheck(context.Context) (providers.HealthStatus, error) {
	return providers.HealthStatus{Healthy: true}, nil
}

func (f *fakeAdapter) ListModels(context.Context) ([]providers.ModelDescriptor, error) {
	return nil, nil
}

func (f *fakeAdapter) CostOf(core.Usage, string) float64 { return 0 }

type regSource struct{ reg *registry.Registry }

func (s regSource) Candidates(context.Context) []router.Candidate {
	models := s.reg.List(registry.Filter{OnlyLoaded: true})
	out := make([]router.Candidate, 0, len(models))
	for _, m := range models {
		out = append(out, router.Candidate{Model: m, InFlight: s.reg.InFlight(m.ID)})
	}
	return out
}

type constHealth struct{}

func (constHealth) HealthScore(string) float64 { return 1 }

type testEnv struct {
	pipe    *Pipeline
	adapter *fakeAdapter
	reg     *registry.Registry
	bus     *events.Bus
}

// newTestEnv wires a pipeline over three loaded models with ascending cost,
// so the cost_optimized strategy yields the deterministic order m-a, m-b, m-c.
func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus()

	reg := registry.New(logger)
	fake := &fakeAdapter{id: "fake"}
	reg.RegisterAdapter(fake)

	ctx := context.Background()
	for i, id := range []string{"m-a", "m-b", "m-c"} {
		m := core.Model{
			ID:             id,
			Format:         "api",
			Provider:       "fake",
			Source:         "fake/" + id,
			CostPerMTokIn:  float64(i + 1),
			CostPerMTokOut: float64(2 * (i + 1)),
		}
		if err := reg.Register(ctx, m); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
		if err := reg.Load(ctx, id, nil); err != nil {
			t.Fatalf("load %s: %v", id, err)
		}
	}

	circuits := circuitbreaker.NewSet(circuitbreaker.Config{VolumeThreshold: 1000}, bus)
	rtr, err := router.New(regSource{reg}, constHealth{}, circuits, router.WithRandSeed(1))
	if err != nil {
		t.Fatalf("router: %v", err)
	}

	deps := Deps{
		Registry: reg,
		Router:   rtr,
		Circuits: circuits,
		Bus:      bus,
		Logger:   logger,
	}
	if mutate != nil {
		mutate(&deps)
	}
	pipe := New(Config{
		RetriesPerModel: 2,
		MaxFallbacks:    2,
		BaseRetryDelay:  time.Millisecond,
	}, deps)
	return &testEnv{pipe: pipe, adapter: fake, reg: reg, bus: bus}
}

func inferReq() *core.Request {
	return &core.Request{
		Prompt:  "hello world",
		Options: core.Options{StrategyHint: "cost_optimized", MaxTokens: 16},
	}
}

func TestExecute_Success(t *testing.T) {
	env := newTestEnv(t, nil)
	sub := env.bus.Subscribe(8, events.KindRouteSuccess)

	resp, err := env.pipe.Execute(context.Background(), inferReq(), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Text != "ok" || resp.ModelID != "m-a" || resp.FallbackDepth != 0 {
		t.Errorf("response: %+v", resp)
	}
	if resp.RequestID == "" {
		t.Error("request id not assigned")
	}
	if resp.CostUSD <= 0 {
		t.Errorf("cost not filled from model rates: %f", resp.CostUSD)
	}

	if m, _ := env.reg.Get("m-a"); m.Metrics.Requests != 1 {
		t.Errorf("registry accounting: %+v", m.Metrics)
	}
	select {
	case e := <-sub.C:
		if e.ModelID != "m-a" || e.RequestID != resp.RequestID {
			t.Errorf("route event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Error("no route_success event")
	}
}

func TestExecute_Validation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	both := inferReq()
	both.Messages = []core.Message{core.TextMessage("user", "hi")}
	if _, err := env.pipe.Execute(ctx, both, nil); core.KindOf(err) != core.KindInvalidRequest {
		t.Errorf("prompt and messages together: got %v", err)
	}
	if _, err := env.pipe.Execute(ctx, &core.Request{}, nil); core.KindOf(err) != core.KindInvalidRequest {
		t.Errorf("empty request: got %v", err)
	}
	if env.adapter.completeCalls() != 0 {
		t.Error("invalid requests must not reach the adapter")
	}
}

func TestExecute_PermissionRequired(t *testing.T) {
	env := newTestEnv(t, nil)
	p := &core.Principal{TenantID: "acme", Permissions: []string{"models:read"}}
	if _, err := env.pipe.Execute(context.Background(), inferReq(), p); core.KindOf(err) != core.KindAuth {
		t.Errorf("got %v", err)
	}

	p = &core.Principal{TenantID: "acme", Permissions: []string{"*"}}
	if _, err := env.pipe.Execute(context.Background(), inferReq(), p); err != nil {
		t.Errorf("wildcard principal rejected: %v", err)
	}
}

func TestExecute_RetryThenSuccess(t *testing.T) {
	env := newTestEnv(t, nil)
	env.adapter.completeFn = func(modelID string, call int) (*core.Response, error) {
		if call == 1 {
			return nil, core.Errf(core.KindUpstream, "transient")
		}
		return &core.Response{ModelID: modelID, Text: "ok", FinishReason: core.FinishStop}, nil
	}

	resp, err := env.pipe.Execute(context.Background(), inferReq(), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.ModelID != "m-a" || resp.FallbackDepth != 0 {
		t.Errorf("retry should stay on the first model: %+v", resp)
	}
	if got := env.adapter.completeCalls(); got != 2 {
		t.Errorf("attempts: %d, want 2", got)
	}
}

func TestExecute_NonRetryableFallsBackImmediately(t *testing.T) {
	env := newTestEnv(t, nil)
	env.adapter.completeFn = func(modelID string, _ int) (*core.Response, error) {
		if modelID == "m-a" {
			return nil, core.Errf(core.KindNotFound, "model missing upstream")
		}
		return &core.Response{ModelID: modelID, Text: "ok", FinishReason: core.FinishStop}, nil
	}

	resp, err := env.pipe.Execute(context.Background(), inferReq(), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.ModelID != "m-b" || resp.FallbackDepth != 1 {
		t.Errorf("response: %+v", resp)
	}
	// not_found skips the second attempt on m-a
	if got := env.adapter.completeCalls(); got != 2 {
		t.Errorf("attempts: %d, want 2", got)
	}
}

func TestExecute_RetriesExhaustedThenFallback(t *testing.T) {
	env := newTestEnv(t, nil)
	env.adapter.completeFn = func(modelID string, _ int) (*core.Response, error) {
		if modelID == "m-a" {
			return nil, core.Errf(core.KindUpstream, "down")
		}
		return &core.Response{ModelID: modelID, Text: "ok", FinishReason: core.FinishStop}, nil
	}

	resp, err := env.pipe.Execute(context.Background(), inferReq(), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.ModelID != "m-b" || resp.FallbackDepth != 1 {
		t.Errorf("response: %+v", resp)
	}
	if got := env.adapter.completeCalls(); got != 3 {
		t.Errorf("attempts: %d, want 2 on m-a + 1 on m-b", got)
	}
}

func TestExecute_NonFallbackableAborts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.adapter.completeFn = func(string, int) (*core.Response, error) {
		return nil, core.Errf(core.KindAuth, "bad provider key")
	}

	_, err := env.pipe.Execute(context.Background(), inferReq(), nil)
	if core.KindOf(err) != core.KindAuth {
		t.Fatalf("got %v", err)
	}
	if got := env.adapter.completeCalls(); got != 1 {
		t.Errorf("auth errors must abort the walk, got %d attempts", got)
	}
}

func TestExecute_AllSelectionsFail(t *testing.T) {
	env := newTestEnv(t, nil)
	env.adapter.completeFn = func(string, int) (*core.Response, error) {
		return nil, core.Errf(core.KindUpstream, "everything is down")
	}
	sub := env.bus.Subscribe(8, events.KindRouteError)

	_, err := env.pipe.Execute(context.Background(), inferReq(), nil)
	if core.KindOf(err) != core.KindUpstream {
		t.Fatalf("got %v", err)
	}
	// 3 models deep (MaxFallbacks 2), 2 attempts each
	if got := env.adapter.completeCalls(); got != 6 {
		t.Errorf("attempts: %d, want 6", got)
	}
	select {
	case e := <-sub.C:
		if e.ErrorClass != string(core.KindUpstream) {
			t.Errorf("route_error event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Error("no route_error event")
	}
}

func TestExecute_HintFailureFallsBackToRankedOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	env.adapter.completeFn = func(modelID string, _ int) (*core.Response, error) {
		if modelID == "m-a" {
			return nil, core.Errf(core.KindUpstream, "primary down")
		}
		return &core.Response{ModelID: modelID, Text: "ok", FinishReason: core.FinishStop}, nil
	}

	req := inferReq()
	req.Options.ModelHint = "m-a"
	resp, err := env.pipe.Execute(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.ModelID == "m-a" || resp.FallbackDepth < 1 {
		t.Errorf("hinted model failure should fall back down the chain: %+v", resp)
	}
}

func TestExecute_CacheServesRepeatAndSkipsCommit(t *testing.T) {
	tenants := tenant.NewManager(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := tenants.Create(context.Background(), "acme", "Acme", "pro", tenant.Limits{}); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	env := newTestEnv(t, func(d *Deps) {
		c, err := cache.New(128, time.Minute)
		if err != nil {
			t.Fatalf("cache: %v", err)
		}
		d.Cache = c
		d.Tenants = tenants
	})

	first := inferReq()
	first.TenantID = "acme"
	resp, err := env.pipe.Execute(context.Background(), first, nil)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if resp.Cached {
		t.Error("first response must be a miss")
	}

	second := inferReq()
	second.TenantID = "acme"
	again, err := env.pipe.Execute(context.Background(), second, nil)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if !again.Cached || again.Text != "ok" {
		t.Errorf("second response: %+v", again)
	}
	if got := env.adapter.completeCalls(); got != 1 {
		t.Errorf("adapter called %d times, want 1", got)
	}

	// Only the uncached completion commits usage.
	if tn, _ := tenants.Get("acme"); tn.Usage.DayTokens != 15 {
		t.Errorf("day tokens: %d, want 15", tn.Usage.DayTokens)
	}
}

func TestExecute_IdempotencyKeyOverridesFingerprint(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		c, err := cache.New(128, time.Minute)
		if err != nil {
			t.Fatalf("cache: %v", err)
		}
		d.Cache = c
	})

	first := inferReq()
	first.Options.IdempotencyKey = "op-123"
	if _, err := env.pipe.Execute(context.Background(), first, nil); err != nil {
		t.Fatalf("first execute: %v", err)
	}

	second := inferReq()
	second.Prompt = "a different prompt entirely"
	second.Options.IdempotencyKey = "op-123"
	resp, err := env.pipe.Execute(context.Background(), second, nil)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if !resp.Cached {
		t.Error("same idempotency key must hit the cache")
	}
	if got := env.adapter.completeCalls(); got != 1 {
		t.Errorf("adapter called %d times, want 1", got)
	}
}

func TestExecute_RateLimited(t *testing.T) {
	limiter := ratelimit.New(map[ratelimit.Scope]ratelimit.ScopeConfig{
		ratelimit.ScopeTenant: {RPS: 0.01, Burst: 1},
	})
	t.Cleanup(limiter.Stop)
	env := newTestEnv(t, func(d *Deps) { d.Limiter = limiter })

	req := inferReq()
	req.TenantID = "acme"
	if _, err := env.pipe.Execute(context.Background(), req, nil); err != nil {
		t.Fatalf("first execute: %v", err)
	}

	req = inferReq()
	req.TenantID = "acme"
	_, err := env.pipe.Execute(context.Background(), req, nil)
	if core.KindOf(err) != core.KindRateLimited {
		t.Fatalf("got %v", err)
	}
	if ce := core.AsError(err); ce.RetryAfter <= 0 {
		t.Errorf("retry-after not set: %s", ce.RetryAfter)
	}
	if got := env.adapter.completeCalls(); got != 1 {
		t.Errorf("rejected request reached the adapter, %d calls", got)
	}
}

func TestExecute_QuotaExceeded(t *testing.T) {
	tenants := tenant.NewManager(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := tenants.Create(context.Background(), "acme", "Acme", "free", tenant.Limits{DailyTokens: 1}); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	env := newTestEnv(t, func(d *Deps) { d.Tenants = tenants })

	req := inferReq()
	req.TenantID = "acme"
	_, err := env.pipe.Execute(context.Background(), req, nil)
	if core.KindOf(err) != core.KindQuotaExceeded {
		t.Fatalf("got %v", err)
	}
	if ce := core.AsError(err); ce.Details["quota"] != "daily_tokens" {
		t.Errorf("quota detail: %v", ce.Details)
	}
	if env.adapter.completeCalls() != 0 {
		t.Error("over-quota request reached the adapter")
	}
}

func TestExecute_ExperimentPinsModel(t *testing.T) {
	db, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	experiments := experiment.NewManager(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	exp, err := experiments.Create(context.Background(), "pin-b", []experiment.Variant{
		{Name: "control", ModelID: "m-b", Split: 50},
		{Name: "treatment", ModelID: "m-b", Split: 50},
	})
	if err != nil {
		t.Fatalf("create experiment: %v", err)
	}
	env := newTestEnv(t, func(d *Deps) { d.Experiments = experiments })

	req := inferReq()
	req.TenantID = "acme"
	req.Metadata = map[string]string{"experiment": exp.ID}
	resp, err := env.pipe.Execute(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.ModelID != "m-b" {
		t.Errorf("assigned variant not honored: %+v", resp)
	}

	stats, err := experiments.Results(context.Background(), exp.ID)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	var total int64
	for _, s := range stats {
		total += s.Requests
	}
	if total != 1 {
		t.Errorf("outcome not recorded: %+v", stats)
	}
}

type vetoMiddleware struct {
	name      string
	beforeErr error

	mu       sync.Mutex
	after    int
	afterErr error
}

func (m *vetoMiddleware) Name() string { return m.name }

func (m *vetoMiddleware) Before(context.Context, *core.Request) error { return m.beforeErr }

func (m *vetoMiddleware) After(_ context.Context, _ *core.Request, _ *core.Response, err error) {
	m.mu.Lock()
	m.after++
	m.afterErr = err
	m.mu.Unlock()
}

func TestExecute_MiddlewareVeto(t *testing.T) {
	env := newTestEnv(t, nil)
	veto := &vetoMiddleware{name: "content-filter", beforeErr: core.Errf(core.KindSafety, "blocked term")}
	env.pipe.Use(veto)

	_, err := env.pipe.Execute(context.Background(), inferReq(), nil)
	if core.KindOf(err) != core.KindInvalidRequest {
		t.Fatalf("got %v", err)
	}
	if !strings.Contains(err.Error(), "content-filter") {
		t.Errorf("rejection should name the middleware: %v", err)
	}
	if env.adapter.completeCalls() != 0 {
		t.Error("vetoed request reached the adapter")
	}

	veto.mu.Lock()
	defer veto.mu.Unlock()
	if veto.after != 1 || veto.afterErr == nil {
		t.Errorf("After hook: calls=%d err=%v", veto.after, veto.afterErr)
	}
}

func TestDrain(t *testing.T) {
	env := newTestEnv(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	env.adapter.completeFn = func(modelID string, _ int) (*core.Response, error) {
		close(started)
		<-release
		return &core.Response{ModelID: modelID, Text: "ok", FinishReason: core.FinishStop}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := env.pipe.Execute(context.Background(), inferReq(), nil)
		done <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := env.pipe.Drain(ctx); err == nil {
		t.Error("drain should time out while a request is in flight")
	}

	if _, err := env.pipe.Execute(context.Background(), inferReq(), nil); core.KindOf(err) != core.KindUpstream {
		t.Errorf("draining pipeline admitted a request: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("in-flight request: %v", err)
	}
	if err := env.pipe.Drain(context.Background()); err != nil {
		t.Errorf("drain after completion: %v", err)
	}
}

func TestExecuteStream_RelaysChunks(t *testing.T) {
	env := newTestEnv(t, nil)

	ch, err := env.pipe.ExecuteStream(context.Background(), inferReq(), nil)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var text strings.Builder
	var final core.Chunk
	for c := range ch {
		if c.Done {
			final = c
			continue
		}
		text.WriteString(c.Delta)
	}
	if text.String() != "hello world" {
		t.Errorf("streamed text: %q", text.String())
	}
	if final.FinishReason != core.FinishStop || final.Usage == nil || final.Usage.TotalTokens != 4 {
		t.Errorf("final chunk: %+v", final)
	}
	if m, _ := env.reg.Get("m-a"); m.Metrics.Requests != 1 || m.Metrics.InFlight != 0 {
		t.Errorf("registry accounting: %+v", m.Metrics)
	}
}

func TestExecuteStream_FallsBackBeforeFirstChunk(t *testing.T) {
	env := newTestEnv(t, nil)
	env.adapter.streamFn = func(_ context.Context, modelID string, _ *core.Request) (<-chan core.Chunk, error) {
		if modelID == "m-a" {
			return nil, core.Errf(core.KindUpstream, "connection refused")
		}
		ch := make(chan core.Chunk, 2)
		ch <- core.Chunk{Delta: "ok"}
		ch <- core.Chunk{Done: true, FinishReason: core.FinishStop, Usage: &core.Usage{TotalTokens: 2}}
		close(ch)
		return ch, nil
	}

	ch, err := env.pipe.ExecuteStream(context.Background(), inferReq(), nil)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var text strings.Builder
	for c := range ch {
		text.WriteString(c.Delta)
	}
	if text.String() != "ok" {
		t.Errorf("streamed text: %q", text.String())
	}
	if got := env.adapter.streamCalls(); got != 2 {
		t.Errorf("stream attempts: %d, want 2", got)
	}
}

func TestExecuteStream_AllUpstreamsFail(t *testing.T) {
	env := newTestEnv(t, nil)
	env.adapter.streamFn = func(context.Context, string, *core.Request) (<-chan core.Chunk, error) {
		return nil, core.Errf(core.KindUpstream, "down")
	}

	_, err := env.pipe.ExecuteStream(context.Background(), inferReq(), nil)
	if core.KindOf(err) != core.KindUpstream {
		t.Fatalf("got %v", err)
	}
	if got := env.adapter.streamCalls(); got != 3 {
		t.Errorf("stream attempts: %d, want 3", got)
	}
}

func TestExecuteStream_Cancellation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.adapter.streamDelay = 20 * time.Millisecond

	req := inferReq()
	req.Prompt = strings.Repeat("word ", 100)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := env.pipe.ExecuteStream(ctx, req, nil)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	<-ch // stream is live
	cancel()

	// The terminal chunk may be dropped once ctx is done; what matters is
	// that the stream ends early instead of running to completion.
	var words int
	var final core.Chunk
	for c := range ch {
		if c.Done {
			final = c
		} else {
			words++
		}
	}
	if words >= 99 {
		t.Errorf("stream ran to completion despite cancel: %d chunks", words)
	}
	if final.Done && final.FinishReason == core.FinishStop {
		t.Errorf("cancelled stream finished with stop: %+v", final)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if m, _ := env.reg.Get("m-a"); m.Metrics.InFlight == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("in-flight count never drained")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestExecuteStream_TimeoutOptionTerminatesStream(t *testing.T) {
	env := newTestEnv(t, nil)
	env.adapter.streamDelay = 20 * time.Millisecond

	req := inferReq()
	req.Prompt = strings.Repeat("word ", 100)
	req.Options.TimeoutMs = 50

	ch, err := env.pipe.ExecuteStream(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var words int
	var final core.Chunk
	for c := range ch {
		if c.Done {
			final = c
		} else {
			words++
		}
	}
	if words >= 99 {
		t.Errorf("stream ignored the per-request timeout: %d chunks", words)
	}
	if final.Done && final.FinishReason == core.FinishStop {
		t.Errorf("timed-out stream finished with stop: %+v", final)
	}
}

func TestExecuteStream_CancelledStreamReleasesCircuitSlot(t *testing.T) {
	var circuits *circuitbreaker.Set
	env := newTestEnv(t, func(d *Deps) { circuits = d.Circuits })
	env.adapter.streamDelay = 20 * time.Millisecond

	// Trip the shared breaker so routing has to force a recovery attempt.
	b := circuits.For("fake", "infer")
	for i := 0; i < 1000; i++ {
		b.RecordFailure()
	}
	if b.CurrentState() != circuitbreaker.Open {
		t.Fatalf("expected Open breaker, got %s", b.CurrentState())
	}

	req := inferReq()
	req.Prompt = strings.Repeat("word ", 100)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := env.pipe.ExecuteStream(ctx, req, nil)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	<-ch // stream is live; the breaker slot is claimed
	cancel()
	for range ch {
	}

	// A cancelled attempt carries no verdict, so the slot must come back:
	// the breaker reopens rather than wedging half-open.
	deadline := time.Now().Add(2 * time.Second)
	for b.CurrentState() != circuitbreaker.Open {
		if time.Now().After(deadline) {
			t.Fatalf("breaker stuck in %s after cancelled attempt", b.CurrentState())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if b.Allow() {
		t.Error("reopened breaker should reject until its reset period elapses")
	}
}
