package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
)

var tracer = otel.Tracer("llmrouter/providers")

// maxErrorBody bounds how much of a provider error response is read; the
// interesting part of an error payload is at the front.
const maxErrorBody = 4 << 10

// jsonRequest builds a POST carrying a JSON payload with the standard
// headers, the forwarded request ID, and W3C trace context.
func jsonRequest(ctx context.Context, url string, payload any, headers map[string]string) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "encode provider payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "build provider request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if id := RequestIDFrom(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, nil
}

// classifyTransport maps a failed round trip onto the error taxonomy. A dead
// context takes precedence over whatever the transport reported.
func classifyTransport(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return core.ErrCancelled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return core.Wrap(core.KindTimeout, "provider request timed out", err)
	default:
		return core.Wrap(core.KindUpstream, "provider unreachable", err)
	}
}

// statusFailure drains a non-200 response and classifies it, honoring
// Retry-After when the provider sends one.
func statusFailure(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	se.ParseRetryAfter(resp.Header.Get("Retry-After"))
	return ClassifyStatusError(se)
}

// spanFail records err on the span and passes it through.
func spanFail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(core.KindOf(err)))
	return err
}

// DoRequest posts a JSON payload and returns the response body. Failures come
// back already classified into the error taxonomy, so adapters can surface
// them unwrapped.
func DoRequest(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "provider.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url)),
	)
	defer span.End()

	req, err := jsonRequest(ctx, url, payload, headers)
	if err != nil {
		return nil, spanFail(span, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, spanFail(span, classifyTransport(ctx, err))
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		return nil, spanFail(span, statusFailure(resp))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, spanFail(span, core.Wrap(core.KindUpstream, "read provider response", err))
	}
	span.SetStatus(codes.Ok, "")
	return body, nil
}

// DoStreamRequest posts a JSON payload and hands back the raw body for
// streaming consumption; closing it ends the span. Failures are classified
// the same way as DoRequest.
func DoStreamRequest(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string) (io.ReadCloser, error) {
	// The span outlives this call: the body is consumed asynchronously, so
	// it is ended by the wrapper's Close rather than a defer here.
	ctx, span := tracer.Start(ctx, "provider.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url)),
	)

	req, err := jsonRequest(ctx, url, payload, headers)
	if err != nil {
		defer span.End()
		return nil, spanFail(span, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		defer span.End()
		return nil, spanFail(span, classifyTransport(ctx, err))
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		defer span.End()
		err := statusFailure(resp)
		_ = resp.Body.Close()
		return nil, spanFail(span, err)
	}

	span.SetStatus(codes.Ok, "")
	return &spanCloser{ReadCloser: resp.Body, span: span}, nil
}

// spanCloser ends the stream span when the consumer closes the body.
type spanCloser struct {
	io.ReadCloser
	span trace.Span
}

func (sc *spanCloser) Close() error {
	err := sc.ReadCloser.Close()
	sc.span.End()
	return err
}
