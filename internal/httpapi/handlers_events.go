package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/events"
)

// SSEHandler streams gateway events to the client using Server-Sent Events.
// An optional kinds= query parameter narrows the subscription, for example
// kinds=route_error,circuit_opened.
func SSEHandler(bus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonErrorf(w, core.KindInternal, "streaming unsupported")
			return
		}

		var kinds []events.Kind
		if raw := r.URL.Query().Get("kinds"); raw != "" {
			for _, k := range strings.Split(raw, ",") {
				kinds = append(kinds, events.Kind(strings.TrimSpace(k)))
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sub := bus.Subscribe(64, kinds...)
		defer bus.Unsubscribe(sub)

		_, _ = fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case e, ok := <-sub.C:
				if !ok {
					return
				}
				_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, e.JSON())
				flusher.Flush()
			}
		}
	}
}
