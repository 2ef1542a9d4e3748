package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/experiment"
)

type experimentCreateRequest struct {
	Name     string               `json:"name"`
	Variants []experiment.Variant `json:"variants"`
}

// ExperimentsCreateHandler serves POST /admin/v1/experiments.
func ExperimentsCreateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req experimentCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonErrorf(w, core.KindInvalidRequest, "bad json")
			return
		}
		e, err := d.Experiments.Create(r.Context(), req.Name, req.Variants)
		if err != nil {
			jsonError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, e)
	}
}

// ExperimentsListHandler serves GET /admin/v1/experiments.
func ExperimentsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"experiments": d.Experiments.List()})
	}
}

// ExperimentsGetHandler serves GET /admin/v1/experiments/{id}.
func ExperimentsGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, ok := d.Experiments.Get(chi.URLParam(r, "id"))
		if !ok {
			jsonErrorf(w, core.KindNotFound, "experiment not found")
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

type experimentStatusRequest struct {
	Status string `json:"status"`
}

// ExperimentsStatusHandler serves PUT /admin/v1/experiments/{id}/status.
func ExperimentsStatusHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req experimentStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonErrorf(w, core.KindInvalidRequest, "bad json")
			return
		}
		if err := d.Experiments.SetStatus(r.Context(), chi.URLParam(r, "id"), req.Status); err != nil {
			jsonError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
	}
}

// ExperimentsResultsHandler serves GET /admin/v1/experiments/{id}/results.
func ExperimentsResultsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := d.Experiments.Results(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			jsonError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": stats})
	}
}

// ExperimentsDeleteHandler serves DELETE /admin/v1/experiments/{id}.
func ExperimentsDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Experiments.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			jsonError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
