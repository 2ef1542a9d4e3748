package providers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
)

func TestDoRequest_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type: %q", ct)
		}
		if id := r.Header.Get("X-Request-ID"); id != "req-1" {
			t.Errorf("request id header: %q", id)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ctx := WithRequestID(context.Background(), "req-1")
	body, err := DoRequest(ctx, srv.Client(), srv.URL, map[string]string{"k": "v"}, nil)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body: %s", body)
	}
}

func TestDoRequest_ClassifiesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	_, err := DoRequest(context.Background(), srv.Client(), srv.URL, nil, nil)
	if core.KindOf(err) != core.KindRateLimited {
		t.Fatalf("kind: %v", err)
	}
	ce := core.AsError(err)
	if ce.RetryAfter != 30*time.Second {
		t.Errorf("retry after: %s", ce.RetryAfter)
	}
	if ce.Details["provider_message"] != `{"error":"slow down"}` {
		t.Errorf("provider message: %q", ce.Details["provider_message"])
	}
}

func TestDoRequest_ClassifiesDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := DoRequest(ctx, srv.Client(), srv.URL, nil, nil)
	if core.KindOf(err) != core.KindTimeout {
		t.Errorf("kind: %v", err)
	}
}

func TestDoStreamRequest_ErrorBodyClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer srv.Close()

	_, err := DoStreamRequest(context.Background(), srv.Client(), srv.URL, nil, nil)
	if core.KindOf(err) != core.KindAuth {
		t.Errorf("kind: %v", err)
	}
}

func TestDoStreamRequest_BodyReadable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data: hello\n\n"))
	}))
	defer srv.Close()

	rc, err := DoStreamRequest(context.Background(), srv.Client(), srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != "data: hello\n\n" {
		t.Errorf("body: %q", body)
	}
}
