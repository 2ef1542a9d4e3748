// Package local implements the adapter contract for in-process model
// runtimes. Models are materialized on Load, prompts are rendered through the
// chat-template engine for the model's family, and generation is pluggable so
// an actual inference backend (or a deterministic test generator) can sit
// behind the same contract.
package local

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/providers"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/template"
)

// Generator produces completion text for a rendered prompt. Implementations
// must be deterministic for identical inputs when seeded options are fixed.
type Generator func(ctx context.Context, modelID, prompt string, opts core.Options) (string, error)

// EchoGenerator is the default generator: it answers with the tail of the
// prompt, capped to max_tokens words. Deterministic, dependency-free, and
// sufficient for wiring tests and smoke deployments.
func EchoGenerator(_ context.Context, modelID, prompt string, opts core.Options) (string, error) {
	words := strings.Fields(prompt)
	n := opts.MaxTokens
	if n <= 0 || n > len(words) {
		n = len(words)
	}
	if n == 0 {
		return fmt.Sprintf("[%s] (empty prompt)", modelID), nil
	}
	return strings.Join(words[len(words)-n:], " "), nil
}

type loadedModel struct {
	family   string
	loadedAt time.Time
}

// Runtime implements providers.Adapter for in-process models.
type Runtime struct {
	id       string
	engine   *template.Engine
	generate Generator

	mu     sync.RWMutex
	models map[string]*loadedModel

	streamDelay time.Duration
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithGenerator replaces the text generator.
func WithGenerator(g Generator) Option {
	return func(r *Runtime) { r.generate = g }
}

// WithStreamDelay inserts a pause between streamed words, approximating real
// token cadence in demos and cancellation tests.
func WithStreamDelay(d time.Duration) Option {
	return func(r *Runtime) { r.streamDelay = d }
}

// New creates a local runtime adapter.
func New(id string, engine *template.Engine, opts ...Option) *Runtime {
	r := &Runtime{
		id:       id,
		engine:   engine,
		generate: EchoGenerator,
		models:   make(map[string]*loadedModel),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Runtime) ID() string   { return r.id }
func (r *Runtime) Kind() string { return "local" }

// Load materializes a model. The family is taken from opts["family"] or
// detected from the id; it selects the prompt template used at inference.
func (r *Runtime) Load(_ context.Context, modelID string, opts map[string]string) error {
	family := opts["family"]
	if family == "" {
		family = template.DetectFamily(modelID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[modelID]; ok {
		return core.Errf(core.KindInvalidRequest, "model %s already loaded", modelID)
	}
	r.models[modelID] = &loadedModel{family: family, loadedAt: time.Now()}
	return nil
}

// Unload releases a model. Unloading an unknown model is an error.
func (r *Runtime) Unload(_ context.Context, modelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[modelID]; !ok {
		return core.Errf(core.KindNotFound, "model %s not loaded", modelID)
	}
	delete(r.models, modelID)
	return nil
}

func (r *Runtime) renderPrompt(modelID string, req *core.Request) (string, error) {
	r.mu.RLock()
	m, ok := r.models[modelID]
	r.mu.RUnlock()
	if !ok {
		return "", core.Errf(core.KindNotFound, "model %s not loaded", modelID)
	}
	if len(req.Messages) == 0 {
		return req.Prompt, nil
	}
	rendered, err := r.engine.Render(m.family, req.Messages)
	if err != nil {
		return "", core.Wrap(core.KindInternal, "render prompt failed", err)
	}
	return rendered.Prompt, nil
}

// Complete runs one generation.
func (r *Runtime) Complete(ctx context.Context, modelID string, req *core.Request) (*core.Response, error) {
	start := time.Now()
	prompt, err := r.renderPrompt(modelID, req)
	if err != nil {
		return nil, err
	}
	text, err := r.generate(ctx, modelID, prompt, req.Options)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.ErrCancelled
		}
		return nil, core.Wrap(core.KindUpstream, "generation failed", err)
	}

	usage := approximateUsage(prompt, text)
	reason := core.FinishStop
	if req.Options.MaxTokens > 0 && usage.CompletionTokens >= req.Options.MaxTokens {
		reason = core.FinishLength
	}
	return &core.Response{
		ID:           uuid.NewString(),
		RequestID:    providers.RequestIDFrom(ctx),
		ModelID:      modelID,
		Text:         text,
		Usage:        usage,
		FinishReason: reason,
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

// Stream generates once and emits the text word by word. Cancelling ctx stops
// emission; the final chunk then reports the cancelled finish reason.
func (r *Runtime) Stream(ctx context.Context, modelID string, req *core.Request) (<-chan core.Chunk, error) {
	prompt, err := r.renderPrompt(modelID, req)
	if err != nil {
		return nil, err
	}

	out := make(chan core.Chunk, 32)
	go func() {
		defer close(out)

		text, err := r.generate(ctx, modelID, prompt, req.Options)
		if err != nil {
			if ctx.Err() != nil {
				out <- core.Chunk{Done: true, FinishReason: core.FinishCancelled, Err: core.ErrCancelled}
				return
			}
			out <- core.Chunk{Done: true, FinishReason: core.FinishError, Err: core.Wrap(core.KindUpstream, "generation failed", err)}
			return
		}

		words := strings.Fields(text)
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			select {
			case out <- core.Chunk{Delta: w}:
			case <-ctx.Done():
				out <- core.Chunk{Done: true, FinishReason: core.FinishCancelled, Err: core.ErrCancelled}
				return
			}
			if r.streamDelay > 0 {
				select {
				case <-time.After(r.streamDelay):
				case <-ctx.Done():
					out <- core.Chunk{Done: true, FinishReason: core.FinishCancelled, Err: core.ErrCancelled}
					return
				}
			}
		}
		usage := approximateUsage(prompt, text)
		out <- core.Chunk{Done: true, FinishReason: core.FinishStop, Usage: &usage}
	}()
	return out, nil
}

// HealthCheck always succeeds while the process is alive.
func (r *Runtime) HealthCheck(_ context.Context) (providers.HealthStatus, error) {
	return providers.HealthStatus{Healthy: true, LatencyMs: 0}, nil
}

// ListModels reports the currently loaded models.
func (r *Runtime) ListModels(_ context.Context) ([]providers.ModelDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]providers.ModelDescriptor, 0, len(r.models))
	for id, m := range r.models {
		out = append(out, providers.ModelDescriptor{ID: id, Family: m.family})
	}
	return out, nil
}

// CostOf is always zero: local inference spends no provider dollars.
func (r *Runtime) CostOf(core.Usage, string) float64 { return 0 }

// approximateUsage counts whitespace-delimited words as tokens. Close enough
// for quota accounting on local models, which are free anyway.
func approximateUsage(prompt, completion string) core.Usage {
	p := len(strings.Fields(prompt))
	c := len(strings.Fields(completion))
	return core.Usage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c}
}
