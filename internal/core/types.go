// Package core defines the domain types and error taxonomy shared by every
// plane of the router. It has no project imports -- it is the dependency root.
package core

import (
	"encoding/json"
	"time"
)

// Message is a single chat message. Content is either a plain string or a
// structured list of content parts for vision-capable models; adapters decode
// whichever shape the backend supports.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

// TextMessage builds a Message with plain string content.
func TextMessage(role, text string) Message {
	b, _ := json.Marshal(text)
	return Message{Role: role, Content: b}
}

// ContentText returns the content as a plain string when it is one, or the
// raw JSON text otherwise.
func (m Message) ContentText() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	return string(m.Content)
}

// ContentPart is one element of a structured message content list.
type ContentPart struct {
	Type     string `json:"type"` // "text" | "image"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Tool describes a function-calling tool offered to the model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a structured tool invocation returned by the model.
type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Options carries the tunable parameters of a request. The zero value means
// "use defaults"; Normalize fills them in.
type Options struct {
	MaxTokens      int      `json:"max_tokens,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	TopP           *float64 `json:"top_p,omitempty"`
	TopK           *int     `json:"top_k,omitempty"`
	Stop           []string `json:"stop,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	Stream         bool     `json:"stream,omitempty"`
	ModelHint      string   `json:"model_hint,omitempty"`
	StrategyHint   string   `json:"strategy_hint,omitempty"`
	TimeoutMs      int      `json:"timeout_ms,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
	ResponseFormat string   `json:"response_format,omitempty"`
}

// Request is the provider-agnostic inference envelope.
type Request struct {
	ID       string            `json:"id,omitempty"`
	TenantID string            `json:"tenant_id,omitempty"`
	Prompt   string            `json:"prompt,omitempty"`
	Messages []Message         `json:"messages,omitempty"`
	Options  Options           `json:"options"`
	Tools    []Tool            `json:"tools,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate enforces the request shape invariants: exactly one of prompt or
// messages, max_tokens >= 1 and timeout_ms > 0 after normalization.
func (r *Request) Validate() error {
	hasPrompt := r.Prompt != ""
	hasMessages := len(r.Messages) > 0
	if hasPrompt == hasMessages {
		return Invalid("exactly one of prompt or messages must be set")
	}
	if r.Options.MaxTokens < 1 {
		return Invalid("max_tokens must be >= 1")
	}
	if r.Options.TimeoutMs <= 0 {
		return Invalid("timeout_ms must be > 0")
	}
	for _, m := range r.Messages {
		if m.Role == "" {
			return Invalid("message role must not be empty")
		}
	}
	return nil
}

// Normalize fills defaulted option fields in place. Call before Validate.
func (r *Request) Normalize(defaultMaxTokens, defaultTimeoutMs int) {
	if r.Options.MaxTokens == 0 {
		r.Options.MaxTokens = defaultMaxTokens
	}
	if r.Options.TimeoutMs == 0 {
		r.Options.TimeoutMs = defaultTimeoutMs
	}
}

// FinishReason is the terminal disposition of a completion.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
	FinishFilter    FinishReason = "filter"
	FinishCancelled FinishReason = "cancelled"
)

// Usage holds token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the terminal result of a non-streaming request, and the
// assembled summary of a streaming one.
type Response struct {
	ID            string       `json:"id"`
	RequestID     string       `json:"request_id"`
	ModelID       string       `json:"model_id"`
	Text          string       `json:"text"`
	ToolCalls     []ToolCall   `json:"tool_calls,omitempty"`
	Usage         Usage        `json:"usage"`
	CostUSD       float64      `json:"cost_usd"`
	FinishReason  FinishReason `json:"finish_reason"`
	LatencyMs     int64        `json:"latency_ms"`
	Cached        bool         `json:"cached"`
	FallbackDepth int          `json:"fallback_depth"`
}

// Chunk is one frame of a streaming response.
type Chunk struct {
	Delta        string       `json:"delta,omitempty"`
	Done         bool         `json:"done"`
	Usage        *Usage       `json:"usage,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Err          error        `json:"-"`
}

// Principal is the authenticated caller. It is derived per request and never
// persisted by the core.
type Principal struct {
	UserID      string   `json:"user_id"`
	TenantID    string   `json:"tenant_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	APIKeyID    string   `json:"api_key_id,omitempty"`
}

// HasPermission reports whether the principal holds the permission, honoring
// exact matches, segment wildcards ("models:*") and the global wildcard "*".
func (p *Principal) HasPermission(perm string) bool {
	for _, have := range p.Permissions {
		if permissionMatches(have, perm) {
			return true
		}
	}
	return false
}

func permissionMatches(have, want string) bool {
	if have == "*" || have == want {
		return true
	}
	// segment wildcard: "models:*" matches "models:load"
	if n := len(have); n >= 2 && have[n-1] == '*' && have[n-2] == ':' {
		prefix := have[:n-1]
		return len(want) >= len(prefix) && want[:len(prefix)] == prefix
	}
	return false
}

// ModelHealth is the serving state of a registered model.
type ModelHealth string

const (
	HealthReady    ModelHealth = "ready"
	HealthDegraded ModelHealth = "degraded"
	HealthDown     ModelHealth = "down"
)

// ModelMetrics accumulates per-model serving statistics.
type ModelMetrics struct {
	Requests     int64   `json:"requests"`
	Errors       int64   `json:"errors"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	InFlight     int64   `json:"in_flight"`
}

// Model is a catalog entry. Cost fields are USD per one million tokens; the
// unit is fixed at registration time.
type Model struct {
	ID             string            `json:"id"`
	Family         string            `json:"family,omitempty"`
	Format         string            `json:"format"`
	Provider       string            `json:"provider"`
	Source         string            `json:"source"`
	ContextWindow  int               `json:"context_window"`
	MaxOutput      int               `json:"max_output,omitempty"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	CostPerMTokIn  float64           `json:"cost_per_mtok_in"`
	CostPerMTokOut float64           `json:"cost_per_mtok_out"`
	Health         ModelHealth       `json:"health"`
	Loaded         bool              `json:"loaded"`
	Metrics        ModelMetrics      `json:"metrics"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// HasCapability reports whether the model advertises the capability.
func (m *Model) HasCapability(cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// CostUSD computes the dollar cost of a usage at this model's per-1M rates.
func (m *Model) CostUSD(u Usage) float64 {
	return float64(u.PromptTokens)/1e6*m.CostPerMTokIn +
		float64(u.CompletionTokens)/1e6*m.CostPerMTokOut
}
