// Package pipeline runs a request end to end: admission (rate limits and
// tenant quotas), experiment assignment, caching, routing, breaker-guarded
// execution with retries and fallback, and post-request accounting.
package pipeline

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/cache"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/circuitbreaker"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/events"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/experiment"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/health"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/metrics"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/providers"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/ratelimit"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/registry"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/router"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/sla"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/store"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/tenant"
)

// Config tunes the pipeline.
type Config struct {
	RetriesPerModel  int
	MaxFallbacks     int
	BaseRetryDelay   time.Duration
	DefaultMaxTokens int
	DefaultTimeoutMs int
	CacheTTL         time.Duration
	StreamBuffer     int
}

// DefaultConfig returns the tuning used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		RetriesPerModel:  2,
		MaxFallbacks:     2,
		BaseRetryDelay:   200 * time.Millisecond,
		DefaultMaxTokens: 1024,
		DefaultTimeoutMs: 30000,
		CacheTTL:         5 * time.Minute,
		StreamBuffer:     32,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RetriesPerModel <= 0 {
		c.RetriesPerModel = d.RetriesPerModel
	}
	if c.MaxFallbacks < 0 {
		c.MaxFallbacks = d.MaxFallbacks
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = d.BaseRetryDelay
	}
	if c.DefaultMaxTokens <= 0 {
		c.DefaultMaxTokens = d.DefaultMaxTokens
	}
	if c.DefaultTimeoutMs <= 0 {
		c.DefaultTimeoutMs = d.DefaultTimeoutMs
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = d.StreamBuffer
	}
	return c
}

// Middleware observes and may veto requests. Before errors abort the request
// with the returned error; After runs for every terminal outcome and its
// errors are logged, never propagated.
type Middleware interface {
	Name() string
	Before(ctx context.Context, req *core.Request) error
	After(ctx context.Context, req *core.Request, resp *core.Response, err error)
}

// Pipeline executes requests.
type Pipeline struct {
	cfg Config

	registry    *registry.Registry
	router      *router.Router
	circuits    *circuitbreaker.Set
	limiter     *ratelimit.Limiter
	cache       *cache.Cache
	tenants     *tenant.Manager
	experiments *experiment.Manager
	slas        *sla.Monitor
	tracker     *health.Tracker
	bus         *events.Bus
	metrics     *metrics.Registry
	st          store.Store
	logger      *slog.Logger

	middlewares []Middleware

	draining  chan struct{}
	inFlight  sync.WaitGroup
	drainOnce sync.Once
}

// Deps bundles the pipeline's collaborators. Optional fields (cache,
// tenants, experiments, slas, store, metrics) may be nil.
type Deps struct {
	Registry    *registry.Registry
	Router      *router.Router
	Circuits    *circuitbreaker.Set
	Limiter     *ratelimit.Limiter
	Cache       *cache.Cache
	Tenants     *tenant.Manager
	Experiments *experiment.Manager
	SLAs        *sla.Monitor
	Tracker     *health.Tracker
	Bus         *events.Bus
	Metrics     *metrics.Registry
	Store       store.Store
	Logger      *slog.Logger
}

// New creates a pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	return &Pipeline{
		cfg:         cfg.withDefaults(),
		registry:    deps.Registry,
		router:      deps.Router,
		circuits:    deps.Circuits,
		limiter:     deps.Limiter,
		cache:       deps.Cache,
		tenants:     deps.Tenants,
		experiments: deps.Experiments,
		slas:        deps.SLAs,
		tracker:     deps.Tracker,
		bus:         deps.Bus,
		metrics:     deps.Metrics,
		st:          deps.Store,
		logger:      deps.Logger,
		draining:    make(chan struct{}),
	}
}

// Use appends a middleware. Not safe to call after serving starts.
func (p *Pipeline) Use(m Middleware) {
	p.middlewares = append(p.middlewares, m)
}

// Drain stops admitting new requests and waits for in-flight ones, up to
// ctx's deadline.
func (p *Pipeline) Drain(ctx context.Context) error {
	p.drainOnce.Do(func() { close(p.draining) })
	done := make(chan struct{})
	go func() {
		p.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) isDraining() bool {
	select {
	case <-p.draining:
		return true
	default:
		return false
	}
}

// estimateTokens approximates the prompt token count for quota reservation.
func estimateTokens(req *core.Request) int {
	chars := len(req.Prompt)
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	return chars/4 + req.Options.MaxTokens
}

// admit runs normalization, validation, rate limiting and quota in order.
// It returns the estimated token reservation for later reconciliation.
func (p *Pipeline) admit(ctx context.Context, req *core.Request, principal *core.Principal) (int, error) {
	if p.isDraining() {
		return 0, core.Errf(core.KindUpstream, "shutting down")
	}

	req.Normalize(p.cfg.DefaultMaxTokens, p.cfg.DefaultTimeoutMs)
	if err := req.Validate(); err != nil {
		return 0, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if principal != nil && req.TenantID == "" {
		req.TenantID = principal.TenantID
	}

	if principal != nil && !principal.HasPermission("infer") {
		return 0, core.Errf(core.KindAuth, "principal lacks infer permission")
	}

	if p.limiter != nil {
		if req.TenantID != "" && !p.limiter.TryAdmit(ratelimit.ScopeTenant, req.TenantID, 1) {
			e := core.Errf(core.KindRateLimited, "tenant %s rate limited", req.TenantID)
			e.RetryAfter = p.limiter.RetryAfter(ratelimit.ScopeTenant, req.TenantID)
			return 0, e
		}
		if principal != nil && principal.APIKeyID != "" && !p.limiter.TryAdmit(ratelimit.ScopeAPIKey, principal.APIKeyID, 1) {
			e := core.Errf(core.KindRateLimited, "api key rate limited")
			e.RetryAfter = p.limiter.RetryAfter(ratelimit.ScopeAPIKey, principal.APIKeyID)
			return 0, e
		}
	}

	est := estimateTokens(req)
	if p.tenants != nil && req.TenantID != "" {
		if err := p.tenants.Admit(ctx, req.TenantID, est); err != nil {
			if p.metrics != nil && core.KindOf(err) == core.KindQuotaExceeded {
				quota := ""
				if ce := core.AsError(err); ce.Details != nil {
					quota = ce.Details["quota"]
				}
				p.metrics.QuotaRejected.WithLabelValues(req.TenantID, quota).Inc()
			}
			return 0, err
		}
	}
	return est, nil
}

// assignExperiment applies an active experiment named in request metadata,
// pinning the model hint to the assigned variant.
func (p *Pipeline) assignExperiment(req *core.Request, principal *core.Principal) (expID, variant string) {
	if p.experiments == nil || req.Metadata == nil {
		return "", ""
	}
	expID = req.Metadata["experiment"]
	if expID == "" {
		return "", ""
	}
	subject := req.TenantID
	if principal != nil && principal.UserID != "" {
		subject = principal.UserID
	}
	v, ok := p.experiments.Assign(expID, subject)
	if !ok {
		return "", ""
	}
	req.Options.ModelHint = v.ModelID
	return expID, v.Name
}

// Execute runs a non-streaming request to completion.
func (p *Pipeline) Execute(ctx context.Context, req *core.Request, principal *core.Principal) (*core.Response, error) {
	p.inFlight.Add(1)
	defer p.inFlight.Done()

	est, err := p.admit(ctx, req, principal)
	if err != nil {
		return nil, p.fail(ctx, req, nil, err)
	}
	expID, variant := p.assignExperiment(req, principal)

	for _, m := range p.middlewares {
		if err := m.Before(ctx, req); err != nil {
			return nil, p.fail(ctx, req, nil, core.Wrap(core.KindInvalidRequest, "rejected by "+m.Name(), err))
		}
	}

	ctx = providers.WithRequestID(ctx, req.ID)
	if timeout := time.Duration(req.Options.TimeoutMs) * time.Millisecond; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	selections, err := p.router.Route(ctx, req)
	if err != nil {
		return nil, p.fail(ctx, req, nil, err)
	}

	var resp *core.Response
	if p.cache != nil {
		key := req.Options.IdempotencyKey
		if key == "" {
			key = cache.Fingerprint(selections[0].ModelID, req)
		}
		cached, fromCache, cerr := p.cache.GetOrCompute(ctx, key, p.cfg.CacheTTL, func(ctx context.Context) (core.Response, error) {
			r, err := p.executeOrdered(ctx, req, selections)
			if err != nil {
				return core.Response{}, err
			}
			return *r, nil
		})
		if cerr != nil {
			return nil, p.fail(ctx, req, selections, cerr)
		}
		cached.Cached = fromCache
		resp = &cached
	} else {
		resp, err = p.executeOrdered(ctx, req, selections)
		if err != nil {
			return nil, p.fail(ctx, req, selections, err)
		}
	}
	resp.RequestID = req.ID

	p.settle(ctx, req, resp, est, expID, variant, selections[0])
	for _, m := range p.middlewares {
		m.After(ctx, req, resp, nil)
	}
	return resp, nil
}

// executeOrdered walks the serving order: each model gets RetriesPerModel
// attempts with exponential backoff, then the next selection is tried, up to
// MaxFallbacks deep. Non-retryable errors skip remaining attempts on the
// model; non-fallbackable errors abort the walk.
func (p *Pipeline) executeOrdered(ctx context.Context, req *core.Request, selections []router.Selection) (*core.Response, error) {
	limit := p.cfg.MaxFallbacks + 1
	if limit > len(selections) {
		limit = len(selections)
	}

	var lastErr error
	for depth := 0; depth < limit; depth++ {
		sel := selections[depth]
		resp, err := p.executeOne(ctx, req, sel)
		if err == nil {
			resp.FallbackDepth = depth
			if p.metrics != nil {
				p.metrics.FallbackDepth.Observe(float64(depth))
			}
			return resp, nil
		}
		lastErr = err
		if ce := core.AsError(err); !ce.Fallbackable() {
			return nil, err
		}
	}
	if lastErr == nil {
		lastErr = core.Errf(core.KindInternal, "no selections to execute")
	}
	return nil, lastErr
}

func (p *Pipeline) executeOne(ctx context.Context, req *core.Request, sel router.Selection) (*core.Response, error) {
	adapter, err := p.registry.AdapterFor(sel.ModelID)
	if err != nil {
		return nil, err
	}
	model, ok := p.registry.Get(sel.ModelID)
	if !ok {
		return nil, core.Errf(core.KindNotFound, "model %s disappeared", sel.ModelID)
	}
	breaker := p.circuits.For(sel.AdapterID, "infer")

	var lastErr error
	for attempt := 0; attempt < p.cfg.RetriesPerModel; attempt++ {
		if attempt > 0 {
			if err := p.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		p.registry.BeginRequest(sel.ModelID)
		start := time.Now()
		var resp *core.Response
		err := breaker.Do(ctx, func(ctx context.Context) error {
			var callErr error
			resp, callErr = adapter.Complete(ctx, sel.ModelID, req)
			return callErr
		})
		latency := float64(time.Since(start).Milliseconds())
		p.registry.EndRequest(sel.ModelID, latency, err != nil)
		p.observe(req.Options.StrategyHint, sel, model.Provider, latency, err)

		if err == nil {
			if resp.CostUSD == 0 {
				resp.CostUSD = model.CostUSD(resp.Usage)
			}
			return resp, nil
		}
		lastErr = err
		if ce := core.AsError(err); !ce.Retryable() {
			break
		}
	}
	return nil, lastErr
}

// backoff sleeps baseDelay * 2^(attempt-1) plus up to 50% jitter.
func (p *Pipeline) backoff(ctx context.Context, attempt int) error {
	d := p.cfg.BaseRetryDelay << (attempt - 1)
	d += time.Duration(rand.Int63n(int64(d)/2 + 1))
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return core.ErrCancelled
	}
}

// observe records one attempt's outcome in the health tracker, the SLA
// sample windows and Prometheus.
func (p *Pipeline) observe(strategy string, sel router.Selection, provider string, latencyMs float64, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(core.KindOf(err))
	}
	if p.tracker != nil {
		if err != nil {
			p.tracker.RecordError(sel.AdapterID, err.Error())
		} else {
			p.tracker.RecordSuccess(sel.AdapterID, latencyMs)
		}
	}
	if p.metrics != nil {
		p.metrics.RequestsTotal.WithLabelValues(strategy, sel.ModelID, provider, outcome).Inc()
		p.metrics.RequestLatency.WithLabelValues(strategy, sel.ModelID, provider).Observe(latencyMs)
	}
	if p.slas != nil {
		ctx := context.Background()
		p.slas.Record(ctx, "latency_ms", sel.ModelID, latencyMs)
		failed := 0.0
		if err != nil {
			failed = 1
		}
		p.slas.Record(ctx, "error_rate", sel.ModelID, failed)
	}
}

// settle performs post-success accounting: quota reconciliation, cost and
// token metrics, experiment outcome, the route event, and the request log.
// Sink failures are logged and never fail the request.
func (p *Pipeline) settle(ctx context.Context, req *core.Request, resp *core.Response, estTokens int, expID, variant string, primary router.Selection) {
	model, _ := p.registry.Get(resp.ModelID)

	if p.tenants != nil && req.TenantID != "" && !resp.Cached {
		p.tenants.Commit(ctx, req.TenantID, estTokens, resp.Usage.TotalTokens, resp.CostUSD)
	}
	if p.metrics != nil {
		p.metrics.TokensTotal.WithLabelValues(resp.ModelID, "prompt").Add(float64(resp.Usage.PromptTokens))
		p.metrics.TokensTotal.WithLabelValues(resp.ModelID, "completion").Add(float64(resp.Usage.CompletionTokens))
		p.metrics.CostUSD.WithLabelValues(resp.ModelID, model.Provider, req.TenantID).Add(resp.CostUSD)
	}
	if expID != "" && p.experiments != nil {
		p.experiments.RecordOutcome(ctx, expID, variant, float64(resp.LatencyMs), resp.CostUSD, resp.Usage.TotalTokens, false)
	}
	if p.bus != nil {
		p.bus.Publish(events.Event{
			Kind: events.KindRouteSuccess, ModelID: resp.ModelID, AdapterID: primary.AdapterID,
			TenantID: req.TenantID, RequestID: req.ID,
			LatencyMs: float64(resp.LatencyMs), CostUSD: resp.CostUSD,
		})
	}
	p.logRequest(req, resp, "")
}

// fail publishes the error event, runs After middlewares and the request
// log, and returns the taxonomy error.
func (p *Pipeline) fail(ctx context.Context, req *core.Request, selections []router.Selection, err error) error {
	ce := core.AsError(err)
	ce.RequestID = req.ID

	if p.bus != nil {
		e := events.Event{
			Kind: events.KindRouteError, TenantID: req.TenantID, RequestID: req.ID,
			ErrorClass: string(ce.Kind), Reason: ce.Message,
		}
		if len(selections) > 0 {
			e.ModelID = selections[0].ModelID
			e.AdapterID = selections[0].AdapterID
		}
		p.bus.Publish(e)
	}
	if p.metrics != nil && len(selections) > 0 {
		p.metrics.RequestsTotal.WithLabelValues(req.Options.StrategyHint, selections[0].ModelID, selections[0].AdapterID, string(ce.Kind)).Inc()
	}
	for _, m := range p.middlewares {
		m.After(ctx, req, nil, ce)
	}
	modelID := ""
	if len(selections) > 0 {
		modelID = selections[0].ModelID
	}
	p.logRequest(req, &core.Response{ModelID: modelID}, string(ce.Kind))
	return ce
}

func (p *Pipeline) logRequest(req *core.Request, resp *core.Response, errorClass string) {
	if p.st == nil {
		return
	}
	entry := store.RequestLog{
		Timestamp:     time.Now(),
		RequestID:     req.ID,
		TenantID:      req.TenantID,
		ModelID:       resp.ModelID,
		Strategy:      req.Options.StrategyHint,
		PromptTokens:  resp.Usage.PromptTokens,
		OutputTokens:  resp.Usage.CompletionTokens,
		CostUSD:       resp.CostUSD,
		LatencyMs:     resp.LatencyMs,
		Cached:        resp.Cached,
		FallbackDepth: resp.FallbackDepth,
		ErrorClass:    errorClass,
	}
	if model, ok := p.registry.Get(resp.ModelID); ok {
		entry.Provider = model.Provider
	}
	// Request logging must not block or fail the caller.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.st.LogRequest(ctx, entry); err != nil {
			if p.metrics != nil {
				p.metrics.SinkDropped.Inc()
			}
			p.logger.Warn("request log write failed", slog.String("error", err.Error()))
		}
	}()
}

// ExecuteStream runs a streaming request. The returned channel yields deltas
// and a terminal Done chunk; cancelling ctx closes the upstream and ends the
// stream with a cancelled finish reason. Streamed responses are never
// cached. Fallback applies only before the first chunk is sent.
func (p *Pipeline) ExecuteStream(ctx context.Context, req *core.Request, principal *core.Principal) (<-chan core.Chunk, error) {
	p.inFlight.Add(1)

	req.Options.Stream = true
	est, err := p.admit(ctx, req, principal)
	if err != nil {
		p.inFlight.Done()
		return nil, p.fail(ctx, req, nil, err)
	}
	expID, variant := p.assignExperiment(req, principal)

	for _, m := range p.middlewares {
		if err := m.Before(ctx, req); err != nil {
			p.inFlight.Done()
			return nil, p.fail(ctx, req, nil, core.Wrap(core.KindInvalidRequest, "rejected by "+m.Name(), err))
		}
	}

	ctx = providers.WithRequestID(ctx, req.ID)
	cancel := context.CancelFunc(func() {})
	if timeout := time.Duration(req.Options.TimeoutMs) * time.Millisecond; timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}

	selections, err := p.router.Route(ctx, req)
	if err != nil {
		cancel()
		p.inFlight.Done()
		return nil, p.fail(ctx, req, nil, err)
	}

	limit := p.cfg.MaxFallbacks + 1
	if limit > len(selections) {
		limit = len(selections)
	}

	var upstream <-chan core.Chunk
	var chosen router.Selection
	var lastErr error
	for depth := 0; depth < limit; depth++ {
		sel := selections[depth]
		adapter, err := p.registry.AdapterFor(sel.ModelID)
		if err != nil {
			lastErr = err
			continue
		}
		breaker := p.circuits.For(sel.AdapterID, "infer")
		if !breaker.Allow() {
			lastErr = core.Errf(core.KindCircuitOpen, "circuit open for %s", sel.AdapterID)
			continue
		}
		upstream, err = adapter.Stream(ctx, sel.ModelID, req)
		if err != nil {
			breaker.RecordFailure()
			lastErr = err
			if ce := core.AsError(err); !ce.Fallbackable() {
				break
			}
			continue
		}
		chosen = sel
		break
	}
	if upstream == nil {
		cancel()
		p.inFlight.Done()
		if lastErr == nil {
			lastErr = core.Errf(core.KindNotFound, "no models available")
		}
		return nil, p.fail(ctx, req, selections, lastErr)
	}

	p.registry.BeginRequest(chosen.ModelID)
	out := make(chan core.Chunk, p.cfg.StreamBuffer)
	go p.pumpStream(ctx, cancel, req, chosen, est, expID, variant, upstream, out)
	return out, nil
}

// pumpStream relays chunks and performs terminal accounting once the stream
// ends, is cancelled, hits the request deadline, or errors.
func (p *Pipeline) pumpStream(ctx context.Context, cancel context.CancelFunc, req *core.Request, sel router.Selection, estTokens int, expID, variant string, upstream <-chan core.Chunk, out chan<- core.Chunk) {
	defer p.inFlight.Done()
	defer close(out)
	defer cancel()

	model, _ := p.registry.Get(sel.ModelID)
	breaker := p.circuits.For(sel.AdapterID, "infer")
	start := time.Now()

	var usage core.Usage
	finish := core.FinishStop
	var streamErr error
	for chunk := range upstream {
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if chunk.Done {
			finish = chunk.FinishReason
			streamErr = chunk.Err
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			finish = core.FinishCancelled
			streamErr = core.ErrCancelled
		}
		if chunk.Done {
			break
		}
	}
	if ctx.Err() != nil && finish != core.FinishCancelled {
		finish = core.FinishCancelled
		streamErr = core.ErrCancelled
	}

	latency := float64(time.Since(start).Milliseconds())
	failed := streamErr != nil && finish != core.FinishCancelled
	p.registry.EndRequest(sel.ModelID, latency, failed)

	switch {
	case finish == core.FinishCancelled:
		// Caller hangups neither count against the breaker nor for it, but a
		// claimed probe slot must come back or the breaker wedges half-open.
		breaker.ReleaseProbe()
		if p.metrics != nil {
			p.metrics.StreamCancels.Inc()
		}
	case failed:
		breaker.RecordFailure()
	default:
		breaker.RecordSuccess()
	}
	p.observeStream(req.Options.StrategyHint, sel, model.Provider, latency, failed)

	costUSD := model.CostUSD(usage)
	if p.tenants != nil && req.TenantID != "" {
		p.tenants.Commit(context.Background(), req.TenantID, estTokens, usage.TotalTokens, costUSD)
	}
	if expID != "" && p.experiments != nil {
		p.experiments.RecordOutcome(context.Background(), expID, variant, latency, costUSD, usage.TotalTokens, failed)
	}

	resp := &core.Response{
		ModelID: sel.ModelID, Usage: usage, CostUSD: costUSD,
		FinishReason: finish, LatencyMs: int64(latency),
	}
	errClass := ""
	if streamErr != nil {
		errClass = string(core.KindOf(streamErr))
	}
	if p.bus != nil {
		kind := events.KindRouteSuccess
		if failed {
			kind = events.KindRouteError
		}
		p.bus.Publish(events.Event{
			Kind: kind, ModelID: sel.ModelID, AdapterID: sel.AdapterID,
			TenantID: req.TenantID, RequestID: req.ID,
			LatencyMs: latency, CostUSD: costUSD, ErrorClass: errClass,
		})
	}
	for _, m := range p.middlewares {
		m.After(ctx, req, resp, streamErr)
	}
	p.logRequest(req, resp, errClass)
}

func (p *Pipeline) observeStream(strategy string, sel router.Selection, provider string, latencyMs float64, failed bool) {
	if p.tracker != nil {
		if failed {
			p.tracker.RecordError(sel.AdapterID, "stream failed")
		} else {
			p.tracker.RecordSuccess(sel.AdapterID, latencyMs)
		}
	}
	if p.metrics != nil {
		outcome := "success"
		if failed {
			outcome = "upstream"
		}
		p.metrics.RequestsTotal.WithLabelValues(strategy, sel.ModelID, provider, outcome).Inc()
		p.metrics.RequestLatency.WithLabelValues(strategy, sel.ModelID, provider).Observe(latencyMs)
	}
	if p.slas != nil {
		ctx := context.Background()
		p.slas.Record(ctx, "latency_ms", sel.ModelID, latencyMs)
		v := 0.0
		if failed {
			v = 1
		}
		p.slas.Record(ctx, "error_rate", sel.ModelID, v)
	}
}
