package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/auth"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
)

// maxBodyBytes caps the request body to keep a single caller from exhausting
// memory (4 MB).
const maxBodyBytes = 4 * 1024 * 1024

// InferHandler serves POST /v1/infer: one request in, one response out.
func InferHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req core.Request
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonErrorf(w, core.KindInvalidRequest, "bad json")
			return
		}
		principal, _ := auth.PrincipalFrom(r.Context())

		resp, err := d.Pipeline.Execute(r.Context(), &req, principal)
		if err != nil {
			jsonError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// InferStreamHandler serves POST /v1/infer/stream as Server-Sent Events.
// Each delta is one "chunk" event; the terminal event is "done" with the
// usage summary. Errors before the first chunk return a JSON error; errors
// after it arrive as an "error" event on the open stream.
func InferStreamHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonErrorf(w, core.KindInternal, "streaming unsupported")
			return
		}

		var req core.Request
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonErrorf(w, core.KindInvalidRequest, "bad json")
			return
		}
		principal, _ := auth.PrincipalFrom(r.Context())

		chunks, err := d.Pipeline.ExecuteStream(r.Context(), &req, principal)
		if err != nil {
			jsonError(w, err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		for chunk := range chunks {
			switch {
			case chunk.Err != nil:
				payload, _ := json.Marshal(map[string]any{"error": core.AsError(chunk.Err)})
				_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
			case chunk.Done:
				payload, _ := json.Marshal(chunk)
				_, _ = fmt.Fprintf(w, "event: done\ndata: %s\n\n", payload)
			default:
				payload, _ := json.Marshal(chunk)
				_, _ = fmt.Fprintf(w, "event: chunk\ndata: %s\n\n", payload)
			}
			flusher.Flush()
		}
	}
}
