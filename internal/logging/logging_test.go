package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	return slog.New(&RedactingHandler{base: base}), &buf
}

func TestRedaction(t *testing.T) {
	logger, buf := captureLogger()

	logger.Info("request",
		slog.String("Authorization", "Bearer sk-secret"),
		slog.String("api_key", "sk-1234567890abcdef"),
		slog.String("prompt", "top secret prompt"),
		slog.String("model", "llama-3-8b"),
	)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	for _, k := range []string{"Authorization", "api_key", "prompt"} {
		if entry[k] != "[REDACTED]" {
			t.Errorf("%s not redacted: %v", k, entry[k])
		}
	}
	if entry["model"] != "llama-3-8b" {
		t.Errorf("benign attribute mangled: %v", entry["model"])
	}
	if strings.Contains(buf.String(), "sk-secret") {
		t.Error("credential leaked into output")
	}
}

func TestRedaction_WithAttrs(t *testing.T) {
	logger, buf := captureLogger()
	logger.With(slog.String("refresh_token", "tok-abc")).Info("hello")

	if strings.Contains(buf.String(), "tok-abc") {
		t.Error("pre-bound attribute leaked")
	}
	if !strings.Contains(buf.String(), "[REDACTED]") {
		t.Error("expected redaction marker")
	}
}

func TestMaskSecret(t *testing.T) {
	cases := map[string]string{
		"":                    "***",
		"short":               "***",
		"12345678":            "***",
		"sk-abcdef1234567890": "sk-a***7890",
		"llmr_0123456789abcd": "llmr***abcd",
	}
	for in, want := range cases {
		if got := MaskSecret(in); got != want {
			t.Errorf("MaskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRequestLogger(t *testing.T) {
	logger, buf := captureLogger()

	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("X-Request-ID", "req-7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["msg"] != "http_request" || entry["path"] != "/v1/models" {
		t.Errorf("unexpected entry: %v", entry)
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Errorf("status: %v", entry["status"])
	}
	if entry["request_id"] != "req-7" {
		t.Errorf("request id: %v", entry["request_id"])
	}
}
