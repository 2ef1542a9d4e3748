package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/sla"
)

// SLAsUpsertHandler serves POST /admin/v1/slas.
func SLAsUpsertHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var s sla.SLA
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			jsonErrorf(w, core.KindInvalidRequest, "bad json")
			return
		}
		if err := d.SLAs.Upsert(r.Context(), s); err != nil {
			jsonError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, s)
	}
}

// SLAsListHandler serves GET /admin/v1/slas.
func SLAsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"slas": d.SLAs.List()})
	}
}

// SLAsDeleteHandler serves DELETE /admin/v1/slas/{id}.
func SLAsDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.SLAs.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			jsonError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// SLAStatsHandler serves GET /admin/v1/slas/stats?series=latency_ms:model&window=300s.
func SLAStatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		series := r.URL.Query().Get("series")
		if series == "" {
			jsonErrorf(w, core.KindInvalidRequest, "series is required")
			return
		}
		window := 5 * time.Minute
		if raw := r.URL.Query().Get("window"); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil || parsed <= 0 {
				jsonErrorf(w, core.KindInvalidRequest, "bad window duration")
				return
			}
			window = parsed
		}
		writeJSON(w, http.StatusOK, d.SLAs.Stats(series, window))
	}
}
