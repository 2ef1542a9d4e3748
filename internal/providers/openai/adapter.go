// Package openai implements the adapter contract for OpenAI-compatible
// chat-completion APIs. The same adapter fronts hosted OpenAI and local
// runtimes (vLLM, Ollama, llama.cpp server) that speak the same wire shape;
// local runtimes typically run with key validation disabled.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/providers"
)

// ModelCost is the USD price per one million tokens in each direction.
type ModelCost struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// Adapter implements providers.Adapter for OpenAI-compatible endpoints.
type Adapter struct {
	id      string
	apiKey  string
	baseURL string
	client  *http.Client
	costs   map[string]ModelCost

	mu     sync.Mutex
	loaded map[string]bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithHTTPClient replaces the HTTP client (timeouts, instrumented transport).
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithCosts installs the per-model price table.
func WithCosts(costs map[string]ModelCost) Option {
	return func(a *Adapter) { a.costs = costs }
}

// New creates an adapter for baseURL. When requireKey is set the key shape is
// validated up front ("sk-" prefix, minimum length); local runtimes pass
// requireKey=false and may use an empty key.
func New(id, apiKey, baseURL string, requireKey bool, opts ...Option) (*Adapter, error) {
	if requireKey {
		if err := providers.ValidateKeyFormat(apiKey, "sk-", 20); err != nil {
			return nil, err
		}
	}
	a := &Adapter{
		id:      id,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
		loaded:  make(map[string]bool),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

func (a *Adapter) ID() string   { return a.id }
func (a *Adapter) Kind() string { return "openai" }

// Load verifies the model is servable by this endpoint. Remote models need no
// materialization, so a successful listing marks the model loaded.
func (a *Adapter) Load(ctx context.Context, modelID string, _ map[string]string) error {
	models, err := a.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		if m.ID == modelID {
			a.mu.Lock()
			a.loaded[modelID] = true
			a.mu.Unlock()
			return nil
		}
	}
	return core.Errf(core.KindNotFound, "model %s not served by %s", modelID, a.id)
}

func (a *Adapter) Unload(_ context.Context, modelID string) error {
	a.mu.Lock()
	delete(a.loaded, modelID)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) headers() map[string]string {
	h := map[string]string{}
	if a.apiKey != "" {
		h["Authorization"] = "Bearer " + a.apiKey
	}
	return h
}

func (a *Adapter) buildPayload(modelID string, req *core.Request, stream bool) map[string]any {
	var messages []map[string]any
	if len(req.Messages) > 0 {
		for _, m := range req.Messages {
			msg := map[string]any{"role": m.Role, "content": json.RawMessage(m.Content)}
			if m.Name != "" {
				msg["name"] = m.Name
			}
			messages = append(messages, msg)
		}
	} else {
		messages = []map[string]any{{"role": "user", "content": req.Prompt}}
	}

	payload := map[string]any{
		"model":    modelID,
		"messages": messages,
	}
	o := req.Options
	if o.MaxTokens > 0 {
		payload["max_tokens"] = o.MaxTokens
	}
	if o.Temperature != nil {
		payload["temperature"] = *o.Temperature
	}
	if o.TopP != nil {
		payload["top_p"] = *o.TopP
	}
	if len(o.Stop) > 0 {
		payload["stop"] = o.Stop
	}
	if o.Seed != nil {
		payload["seed"] = *o.Seed
	}
	if o.ResponseFormat == "json" {
		payload["response_format"] = map[string]string{"type": "json_object"}
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			}
		}
		payload["tools"] = tools
	}
	if stream {
		payload["stream"] = true
		payload["stream_options"] = map[string]any{"include_usage": true}
	}
	return payload
}

func finishReason(s string) core.FinishReason {
	switch s {
	case "stop", "tool_calls":
		return core.FinishStop
	case "length":
		return core.FinishLength
	case "content_filter":
		return core.FinishFilter
	case "":
		return core.FinishStop
	default:
		return core.FinishStop
	}
}

// Complete performs one non-streaming chat completion.
func (a *Adapter) Complete(ctx context.Context, modelID string, req *core.Request) (*core.Response, error) {
	start := time.Now()
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/chat/completions", a.buildPayload(modelID, req, false), a.headers())
	if err != nil {
		return nil, err
	}

	root := gjson.ParseBytes(body)
	choice := root.Get("choices.0")
	resp := &core.Response{
		ID:           uuid.NewString(),
		RequestID:    providers.RequestIDFrom(ctx),
		ModelID:      modelID,
		Text:         choice.Get("message.content").String(),
		FinishReason: finishReason(choice.Get("finish_reason").String()),
		Usage: core.Usage{
			PromptTokens:     int(root.Get("usage.prompt_tokens").Int()),
			CompletionTokens: int(root.Get("usage.completion_tokens").Int()),
			TotalTokens:      int(root.Get("usage.total_tokens").Int()),
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}
	for _, tc := range choice.Get("message.tool_calls").Array() {
		resp.ToolCalls = append(resp.ToolCalls, core.ToolCall{
			ID:        tc.Get("id").String(),
			Name:      tc.Get("function.name").String(),
			Arguments: json.RawMessage(tc.Get("function.arguments").Raw),
		})
	}
	return resp, nil
}

// Stream performs a streaming chat completion. Chunks arrive on a bounded
// channel; the final chunk carries Done plus usage when the endpoint reports
// it. Cancelling ctx aborts the upstream read and closes the channel.
func (a *Adapter) Stream(ctx context.Context, modelID string, req *core.Request) (<-chan core.Chunk, error) {
	rc, err := providers.DoStreamRequest(ctx, a.client, a.baseURL+"/v1/chat/completions", a.buildPayload(modelID, req, true), a.headers())
	if err != nil {
		return nil, err
	}

	out := make(chan core.Chunk, 32)
	go func() {
		defer close(out)
		defer func() { _ = rc.Close() }()

		final := core.Chunk{Done: true, FinishReason: core.FinishStop}
		scanErr := providers.ScanSSE(rc, func(data string) bool {
			if data == "[DONE]" {
				return false
			}
			ev := gjson.Parse(data)
			if u := ev.Get("usage"); u.Exists() {
				final.Usage = &core.Usage{
					PromptTokens:     int(u.Get("prompt_tokens").Int()),
					CompletionTokens: int(u.Get("completion_tokens").Int()),
					TotalTokens:      int(u.Get("total_tokens").Int()),
				}
			}
			if fr := ev.Get("choices.0.finish_reason"); fr.Exists() && fr.String() != "" {
				final.FinishReason = finishReason(fr.String())
			}
			delta := ev.Get("choices.0.delta.content").String()
			if delta == "" {
				return true
			}
			select {
			case out <- core.Chunk{Delta: delta}:
				return true
			case <-ctx.Done():
				return false
			}
		})

		if ctx.Err() != nil {
			out <- core.Chunk{Done: true, FinishReason: core.FinishCancelled, Err: core.ErrCancelled}
			return
		}
		if scanErr != nil && !errors.Is(scanErr, io.EOF) {
			out <- core.Chunk{Done: true, FinishReason: core.FinishError, Err: core.Wrap(core.KindUpstream, "stream read failed", scanErr)}
			return
		}
		out <- final
	}()
	return out, nil
}

// HealthCheck lists models as a cheap liveness probe.
func (a *Adapter) HealthCheck(ctx context.Context) (providers.HealthStatus, error) {
	start := time.Now()
	_, err := a.ListModels(ctx)
	lat := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		return providers.HealthStatus{Healthy: false, LatencyMs: lat}, err
	}
	return providers.HealthStatus{Healthy: true, LatencyMs: lat}, nil
}

// ListModels queries the endpoint's model catalog.
func (a *Adapter) ListModels(ctx context.Context) ([]providers.ModelDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", a.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "build model list request", err)
	}
	for k, v := range a.headers() {
		req.Header.Set(k, v)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, core.Wrap(core.KindUpstream, "list models failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.Wrap(core.KindUpstream, "read model list failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		se := &providers.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		se.ParseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, providers.ClassifyStatusError(se)
	}

	var out []providers.ModelDescriptor
	for _, m := range gjson.GetBytes(body, "data").Array() {
		out = append(out, providers.ModelDescriptor{ID: m.Get("id").String()})
	}
	return out, nil
}

// CostOf prices usage against the per-million-token table. Unknown models
// cost zero, which keeps local runtimes free by default.
func (a *Adapter) CostOf(usage core.Usage, modelID string) float64 {
	c, ok := a.costs[modelID]
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)/1e6*c.InputPerMillion +
		float64(usage.CompletionTokens)/1e6*c.OutputPerMillion
}
