package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/registry"
)

// HealthzHandler serves GET /healthz: overall status, uptime, and a
// per-component breakdown (registry counts, adapter availability, db reach).
func HealthzHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adapters := d.Registry.Adapters()
		adapterStates := make([]map[string]any, 0, len(adapters))
		for _, a := range adapters {
			adapterStates = append(adapterStates, map[string]any{
				"id":        a.ID(),
				"available": d.Health == nil || d.Health.IsAvailable(a.ID()),
			})
		}

		dbStatus := "ok"
		if d.Store != nil {
			if _, err := d.Store.ListModels(r.Context()); err != nil {
				dbStatus = "error"
			}
		} else {
			dbStatus = "none"
		}

		status := "ok"
		code := http.StatusOK
		if len(adapters) == 0 || dbStatus == "error" {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}

		writeJSON(w, code, map[string]any{
			"status": status,
			"uptime": time.Since(d.Started).Round(time.Second).String(),
			"components": map[string]any{
				"registry": map[string]any{
					"models": len(d.Registry.List(registry.Filter{})),
					"loaded": len(d.Registry.List(registry.Filter{OnlyLoaded: true})),
				},
				"adapters": adapterStates,
				"db":       dbStatus,
			},
		})
	}
}

// HealthStatsHandler serves GET /admin/v1/health: per-adapter health plus
// circuit states.
func HealthStatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"adapters": d.Health.AllStats(),
			"circuits": d.Circuits.States(),
		})
	}
}

// RequestLogsHandler serves GET /admin/v1/logs?limit=&offset=.
func RequestLogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 100)
		if limit > 1000 {
			limit = 1000
		}
		offset := queryInt(r, "offset", 0)
		logs, err := d.Store.ListRequestLogs(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, core.Wrap(core.KindInternal, "list request logs", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
	}
}

// BreachesHandler serves GET /admin/v1/slas/{id}/breaches.
func BreachesHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slaID := r.URL.Query().Get("sla")
		breaches, err := d.Store.ListBreaches(r.Context(), slaID, queryInt(r, "limit", 100))
		if err != nil {
			jsonError(w, core.Wrap(core.KindInternal, "list breaches", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"breaches": breaches})
	}
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
