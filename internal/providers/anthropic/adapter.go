// Package anthropic implements the adapter contract for the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/providers"
)

const apiVersion = "2023-06-01"

// ModelCost is the USD price per one million tokens in each direction.
type ModelCost struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// Adapter implements providers.Adapter for Anthropic.
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

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithCosts installs the per-model price table.
func WithCosts(costs map[string]ModelCost) Option {
	return func(a *Adapter) { a.costs = costs }
}

// New creates an Anthropic adapter. The key shape is always validated.
func New(id, apiKey, baseURL string, opts ...Option) (*Adapter, error) {
	if err := providers.ValidateKeyFormat(apiKey, "sk-ant-", 20); err != nil {
		return nil, err
	}
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
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
func (a *Adapter) Kind() string { return "anthropic" }

// Load marks the model servable. The Messages API has no load step; a bad id
// surfaces as a 404 on first use.
func (a *Adapter) Load(_ context.Context, modelID string, _ map[string]string) error {
	a.mu.Lock()
	a.loaded[modelID] = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Unload(_ context.Context, modelID string) error {
	a.mu.Lock()
	delete(a.loaded, modelID)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) headers() map[string]string {
	return map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": apiVersion,
	}
}

// buildPayload converts the neutral request to Messages API shape: the system
// message moves to the top-level system field, the rest stay in order.
func (a *Adapter) buildPayload(modelID string, req *core.Request, stream bool) map[string]any {
	var system string
	var messages []map[string]any
	if len(req.Messages) > 0 {
		for _, m := range req.Messages {
			if m.Role == "system" {
				system = m.ContentText()
				continue
			}
			messages = append(messages, map[string]any{
				"role":    m.Role,
				"content": json.RawMessage(m.Content),
			})
		}
	} else {
		messages = []map[string]any{{"role": "user", "content": req.Prompt}}
	}

	payload := map[string]any{
		"model":      modelID,
		"messages":   messages,
		"max_tokens": req.Options.MaxTokens,
	}
	if system != "" {
		payload["system"] = system
	}
	o := req.Options
	if o.Temperature != nil {
		payload["temperature"] = *o.Temperature
	}
	if o.TopP != nil {
		payload["top_p"] = *o.TopP
	}
	if o.TopK != nil {
		payload["top_k"] = *o.TopK
	}
	if len(o.Stop) > 0 {
		payload["stop_sequences"] = o.Stop
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Parameters,
			}
		}
		payload["tools"] = tools
	}
	if stream {
		payload["stream"] = true
	}
	return payload
}

func finishReason(s string) core.FinishReason {
	switch s {
	case "end_turn", "stop_sequence", "tool_use":
		return core.FinishStop
	case "max_tokens":
		return core.FinishLength
	case "refusal":
		return core.FinishFilter
	default:
		return core.FinishStop
	}
}

// Complete performs one non-streaming message request.
func (a *Adapter) Complete(ctx context.Context, modelID string, req *core.Request) (*core.Response, error) {
	start := time.Now()
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/messages", a.buildPayload(modelID, req, false), a.headers())
	if err != nil {
		return nil, err
	}

	root := gjson.ParseBytes(body)
	resp := &core.Response{
		ID:           uuid.NewString(),
		RequestID:    providers.RequestIDFrom(ctx),
		ModelID:      modelID,
		FinishReason: finishReason(root.Get("stop_reason").String()),
		Usage: core.Usage{
			PromptTokens:     int(root.Get("usage.input_tokens").Int()),
			CompletionTokens: int(root.Get("usage.output_tokens").Int()),
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	for _, block := range root.Get("content").Array() {
		switch block.Get("type").String() {
		case "text":
			resp.Text += block.Get("text").String()
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, core.ToolCall{
				ID:        block.Get("id").String(),
				Name:      block.Get("name").String(),
				Arguments: json.RawMessage(block.Get("input").Raw),
			})
		}
	}
	return resp, nil
}

// Stream performs a streaming message request. Text deltas arrive as
// content_block_delta events; the closing message_delta carries usage and the
// stop reason.
func (a *Adapter) Stream(ctx context.Context, modelID string, req *core.Request) (<-chan core.Chunk, error) {
	rc, err := providers.DoStreamRequest(ctx, a.client, a.baseURL+"/v1/messages", a.buildPayload(modelID, req, true), a.headers())
	if err != nil {
		return nil, err
	}

	out := make(chan core.Chunk, 32)
	go func() {
		defer close(out)
		defer func() { _ = rc.Close() }()

		final := core.Chunk{Done: true, FinishReason: core.FinishStop}
		var usage core.Usage
		scanErr := providers.ScanSSE(rc, func(data string) bool {
			ev := gjson.Parse(data)
			switch ev.Get("type").String() {
			case "message_start":
				usage.PromptTokens = int(ev.Get("message.usage.input_tokens").Int())
			case "content_block_delta":
				delta := ev.Get("delta.text").String()
				if delta == "" {
					return true
				}
				select {
				case out <- core.Chunk{Delta: delta}:
				case <-ctx.Done():
					return false
				}
			case "message_delta":
				if sr := ev.Get("delta.stop_reason"); sr.Exists() {
					final.FinishReason = finishReason(sr.String())
				}
				usage.CompletionTokens = int(ev.Get("usage.output_tokens").Int())
			case "message_stop":
				return false
			case "error":
				se := &providers.StatusError{StatusCode: 500, Body: ev.Get("error.message").String()}
				final = core.Chunk{Done: true, FinishReason: core.FinishError, Err: providers.ClassifyStatusError(se)}
				return false
			}
			return true
		})

		if ctx.Err() != nil {
			out <- core.Chunk{Done: true, FinishReason: core.FinishCancelled, Err: core.ErrCancelled}
			return
		}
		if scanErr != nil {
			out <- core.Chunk{Done: true, FinishReason: core.FinishError, Err: core.Wrap(core.KindUpstream, "stream read failed", scanErr)}
			return
		}
		if final.Err == nil {
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			final.Usage = &usage
		}
		out <- final
	}()
	return out, nil
}

// HealthCheck probes the models listing endpoint.
func (a *Adapter) HealthCheck(ctx context.Context) (providers.HealthStatus, error) {
	start := time.Now()
	_, err := a.ListModels(ctx)
	lat := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		return providers.HealthStatus{Healthy: false, LatencyMs: lat}, err
	}
	return providers.HealthStatus{Healthy: true, LatencyMs: lat}, nil
}

// ListModels queries the model catalog.
func (a *Adapter) ListModels(ctx context.Context) ([]providers.ModelDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", a.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "create request failed", err)
	}
	for k, v := range a.headers() {
		req.Header.Set(k, v)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, core.Wrap(core.KindUpstream, "list models failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		se := &providers.StatusError{StatusCode: resp.StatusCode}
		se.ParseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, providers.ClassifyStatusError(se)
	}
	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, core.Wrap(core.KindUpstream, "decode model list failed", err)
	}
	out := make([]providers.ModelDescriptor, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		out = append(out, providers.ModelDescriptor{ID: m.ID, Family: "claude"})
	}
	return out, nil
}

// CostOf prices usage against the per-million-token table.
func (a *Adapter) CostOf(usage core.Usage, modelID string) float64 {
	c, ok := a.costs[modelID]
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)/1e6*c.InputPerMillion +
		float64(usage.CompletionTokens)/1e6*c.OutputPerMillion
}
