package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(k core.Kind) int {
	switch k {
	case core.KindInvalidRequest:
		return http.StatusBadRequest
	case core.KindAuth:
		return http.StatusUnauthorized
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindRateLimited, core.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case core.KindCircuitOpen:
		return http.StatusServiceUnavailable
	case core.KindTimeout:
		return http.StatusGatewayTimeout
	case core.KindUpstream:
		return http.StatusBadGateway
	case core.KindSafety:
		return http.StatusUnprocessableEntity
	case core.KindCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

// jsonError writes the uniform error envelope. Rate and quota rejections
// carry a Retry-After header when the error knows the wait.
func jsonError(w http.ResponseWriter, err error) {
	ce := core.AsError(err)
	if ce.RetryAfter > 0 {
		secs := int(ce.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, statusFor(ce.Kind), map[string]any{"error": ce})
}

func jsonErrorf(w http.ResponseWriter, kind core.Kind, msg string) {
	jsonError(w, core.Errf(kind, "%s", msg))
}
