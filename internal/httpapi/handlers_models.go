package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/registry"
)

// ModelsRegisterHandler serves POST /admin/v1/models.
func ModelsRegisterHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m core.Model
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			jsonErrorf(w, core.KindInvalidRequest, "bad json")
			return
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		if err := d.Registry.Register(r.Context(), m); err != nil {
			jsonError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, m)
	}
}

// ModelsListHandler serves GET /admin/v1/models with query filters.
func ModelsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := registry.Filter{
			Provider:   q.Get("provider"),
			Format:     q.Get("format"),
			Family:     q.Get("family"),
			Capability: q.Get("capability"),
			OnlyLoaded: q.Get("loaded") == "true",
		}
		writeJSON(w, http.StatusOK, map[string]any{"models": d.Registry.List(f)})
	}
}

// ModelsGetHandler serves GET /admin/v1/models/{id}.
func ModelsGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		m, ok := d.Registry.Get(id)
		if !ok {
			jsonErrorf(w, core.KindNotFound, "model not found")
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

// ModelsLoadHandler serves POST /admin/v1/models/{id}/load. The body is an
// optional map of adapter load options.
func ModelsLoadHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var opts map[string]string
		_ = json.NewDecoder(r.Body).Decode(&opts)
		if err := d.Registry.Load(r.Context(), id, opts); err != nil {
			jsonError(w, err)
			return
		}
		m, _ := d.Registry.Get(id)
		writeJSON(w, http.StatusOK, m)
	}
}

// ModelsUnloadHandler serves POST /admin/v1/models/{id}/unload.
func ModelsUnloadHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Registry.Unload(r.Context(), chi.URLParam(r, "id")); err != nil {
			jsonError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "unloaded"})
	}
}

// ModelsDeleteHandler serves DELETE /admin/v1/models/{id}.
func ModelsDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Registry.Unregister(r.Context(), chi.URLParam(r, "id")); err != nil {
			jsonError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
