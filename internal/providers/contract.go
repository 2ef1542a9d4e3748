// Package providers defines the uniform adapter contract over heterogeneous
// model backends, plus the shared HTTP plumbing and error classification all
// adapters use.
package providers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
)

// HealthStatus is the result of an adapter health probe.
type HealthStatus struct {
	Healthy   bool    `json:"healthy"`
	LatencyMs float64 `json:"latency_ms"`
}

// ModelDescriptor is an adapter's advertisement of one servable model.
type ModelDescriptor struct {
	ID            string   `json:"id"`
	Family        string   `json:"family,omitempty"`
	ContextWindow int      `json:"context_window,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
}

// Adapter is the uniform invocation contract every backend implements.
// Stream returns a bounded channel of chunks; cancelling ctx closes the
// upstream connection and the channel. Costs are USD per one million tokens.
type Adapter interface {
	ID() string
	Kind() string

	Load(ctx context.Context, modelID string, opts map[string]string) error
	Unload(ctx context.Context, modelID string) error

	Complete(ctx context.Context, modelID string, req *core.Request) (*core.Response, error)
	Stream(ctx context.Context, modelID string, req *core.Request) (<-chan core.Chunk, error)

	HealthCheck(ctx context.Context) (HealthStatus, error)
	ListModels(ctx context.Context) ([]ModelDescriptor, error)
	CostOf(usage core.Usage, modelID string) float64
}

// StatusError captures an HTTP status code from a provider response.
// Adapters return it so ClassifyStatusError can map it into the taxonomy
// while preserving the provider's own wording in Details.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter records a Retry-After header value (delta-seconds form).
func (e *StatusError) ParseRetryAfter(header string) {
	if header == "" {
		return
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		e.RetryAfterSecs = secs
	}
}

// ClassifyStatusError maps an HTTP provider failure onto the error taxonomy.
// The mapping is uniform across providers; provider-specific quota wording
// (region, SKU) survives in Details["provider_message"].
func ClassifyStatusError(se *StatusError) *core.Error {
	var kind core.Kind
	msg := "provider request failed"
	switch {
	case se.StatusCode == 400:
		kind, msg = core.KindInvalidRequest, "provider rejected request"
	case se.StatusCode == 401 || se.StatusCode == 403:
		kind, msg = core.KindAuth, "provider rejected credentials"
	case se.StatusCode == 402:
		kind, msg = core.KindAuth, "provider billing failure"
	case se.StatusCode == 404:
		kind, msg = core.KindNotFound, "provider resource not found"
	case se.StatusCode == 408 || se.StatusCode == 504:
		kind, msg = core.KindTimeout, "provider timed out"
	case se.StatusCode == 429:
		kind, msg = core.KindRateLimited, "provider rate limited"
	case se.StatusCode >= 500:
		kind, msg = core.KindUpstream, "provider server error"
	default:
		kind = core.KindUpstream
	}
	ce := &core.Error{
		Kind:    kind,
		Message: msg,
		Details: map[string]string{
			"status":           strconv.Itoa(se.StatusCode),
			"provider_message": truncate(se.Body, 512),
		},
		Cause: se,
	}
	if se.RetryAfterSecs > 0 {
		ce.RetryAfter = time.Duration(se.RetryAfterSecs) * time.Second
	}
	return ce
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ValidateKeyFormat verifies credential shape before any network call:
// required prefix, minimum length, and no whitespace. Violations return an
// Auth error naming the problem with the key masked.
func ValidateKeyFormat(key, requiredPrefix string, minLen int) error {
	masked := MaskKey(key)
	if key == "" {
		return core.Errf(core.KindAuth, "api key is empty")
	}
	if strings.IndexFunc(key, unicode.IsSpace) >= 0 {
		return core.Errf(core.KindAuth, "api key %s contains whitespace", masked)
	}
	if requiredPrefix != "" && !strings.HasPrefix(key, requiredPrefix) {
		return core.Errf(core.KindAuth, "api key %s missing required prefix %q", masked, requiredPrefix)
	}
	if len(key) < minLen {
		return core.Errf(core.KindAuth, "api key %s shorter than %d characters", masked, minLen)
	}
	return nil
}

// MaskKey shortens a credential to first4+***+last4 for logs and errors.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "***" + key[len(key)-4:]
}
