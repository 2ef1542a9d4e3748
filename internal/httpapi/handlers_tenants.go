package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/tenant"
)

type tenantCreateRequest struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Tier   string        `json:"tier"`
	Limits tenant.Limits `json:"limits"`
}

// TenantsCreateHandler serves POST /admin/v1/tenants.
func TenantsCreateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tenantCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonErrorf(w, core.KindInvalidRequest, "bad json")
			return
		}
		t, err := d.Tenants.Create(r.Context(), req.ID, req.Name, req.Tier, req.Limits)
		if err != nil {
			jsonError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, t)
	}
}

// TenantsListHandler serves GET /admin/v1/tenants.
func TenantsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tenants": d.Tenants.List()})
	}
}

// TenantsGetHandler serves GET /admin/v1/tenants/{id}, including live usage.
func TenantsGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, ok := d.Tenants.Get(chi.URLParam(r, "id"))
		if !ok {
			jsonErrorf(w, core.KindNotFound, "tenant not found")
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

// TenantsUpdateLimitsHandler serves PUT /admin/v1/tenants/{id}/limits.
func TenantsUpdateLimitsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var limits tenant.Limits
		if err := json.NewDecoder(r.Body).Decode(&limits); err != nil {
			jsonErrorf(w, core.KindInvalidRequest, "bad json")
			return
		}
		if err := d.Tenants.UpdateLimits(r.Context(), chi.URLParam(r, "id"), limits); err != nil {
			jsonError(w, err)
			return
		}
		t, _ := d.Tenants.Get(chi.URLParam(r, "id"))
		writeJSON(w, http.StatusOK, t)
	}
}

// TenantsDeleteHandler serves DELETE /admin/v1/tenants/{id}.
func TenantsDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Tenants.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			jsonError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type tenantUserRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// TenantsAddUserHandler serves POST /admin/v1/tenants/{id}/users.
func TenantsAddUserHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tenantUserRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonErrorf(w, core.KindInvalidRequest, "bad json")
			return
		}
		if err := d.Tenants.AddUser(r.Context(), chi.URLParam(r, "id"), req.Email, req.Role); err != nil {
			jsonError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"email": req.Email, "role": req.Role})
	}
}
