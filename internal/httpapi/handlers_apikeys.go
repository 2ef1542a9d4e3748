package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
)

type apiKeyCreateRequest struct {
	TenantID     string     `json:"tenant_id"`
	Name         string     `json:"name"`
	Permissions  []string   `json:"permissions"`
	IPAllowlist  []string   `json:"ip_allowlist,omitempty"`
	RotationDays int        `json:"rotation_days,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// APIKeysCreateHandler serves POST /admin/v1/keys. The plaintext key is
// returned once and never again.
func APIKeysCreateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req apiKeyCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonErrorf(w, core.KindInvalidRequest, "bad json")
			return
		}
		if req.TenantID == "" {
			jsonErrorf(w, core.KindInvalidRequest, "tenant_id is required")
			return
		}
		if len(req.Permissions) == 0 {
			req.Permissions = []string{"infer"}
		}
		plaintext, rec, err := d.Auth.Generate(r.Context(), req.TenantID, req.Name,
			req.Permissions, req.IPAllowlist, req.RotationDays, req.ExpiresAt)
		if err != nil {
			jsonError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"key": plaintext, "record": rec})
	}
}

// APIKeysListHandler serves GET /admin/v1/keys?tenant=.... Only prefixes and
// metadata come back, never hashes.
func APIKeysListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all, err := d.Store.ListAPIKeys(r.Context())
		if err != nil {
			jsonError(w, core.Wrap(core.KindInternal, "list keys", err))
			return
		}
		tenantFilter := r.URL.Query().Get("tenant")
		keys := all[:0]
		for _, k := range all {
			if tenantFilter != "" && k.TenantID != tenantFilter {
				continue
			}
			k.KeyHash = ""
			keys = append(keys, k)
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
	}
}

// APIKeysRotateHandler serves POST /admin/v1/keys/{id}/rotate.
func APIKeysRotateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plaintext, err := d.Auth.Rotate(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			jsonError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"key": plaintext})
	}
}

// APIKeysRevokeHandler serves DELETE /admin/v1/keys/{id}.
func APIKeysRevokeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Auth.Revoke(r.Context(), chi.URLParam(r, "id")); err != nil {
			jsonError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
