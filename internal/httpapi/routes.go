package httpapi

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/auth"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/circuitbreaker"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/events"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/experiment"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/health"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/metrics"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/pipeline"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/registry"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/sla"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/store"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/tenant"
)

// Dependencies wires the HTTP surface to the gateway internals.
type Dependencies struct {
	Pipeline    *pipeline.Pipeline
	Registry    *registry.Registry
	Tenants     *tenant.Manager
	Experiments *experiment.Manager
	SLAs        *sla.Monitor
	Circuits    *circuitbreaker.Set
	Health      *health.Tracker
	Metrics     *metrics.Registry
	Store       store.Store
	EventBus    *events.Bus
	Logger      *slog.Logger

	// Auth is nil when API key auth is disabled.
	Auth *auth.Manager
	// AdminToken guards /admin/v1; empty disables the guard.
	AdminToken string
	// Started stamps process start for uptime reporting. Zero means "now".
	Started time.Time
}

// MountRoutes attaches all gateway routes to r.
func MountRoutes(r chi.Router, d Dependencies) {
	if d.Started.IsZero() {
		d.Started = time.Now()
	}
	r.Get("/healthz", HealthzHandler(d))

	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(d.Auth, d.Logger))
		r.With(RequirePermission("infer")).Post("/infer", InferHandler(d))
		r.With(RequirePermission("infer")).Post("/infer/stream", InferStreamHandler(d))
		r.With(RequirePermission("models:read")).Get("/models", ModelsListHandler(d))
		r.With(RequirePermission("models:read")).Get("/models/{id}", ModelsGetHandler(d))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(AdminMiddleware(d.AdminToken))

		r.Post("/models", ModelsRegisterHandler(d))
		r.Get("/models", ModelsListHandler(d))
		r.Get("/models/{id}", ModelsGetHandler(d))
		r.Post("/models/{id}/load", ModelsLoadHandler(d))
		r.Post("/models/{id}/unload", ModelsUnloadHandler(d))
		r.Delete("/models/{id}", ModelsDeleteHandler(d))

		r.Post("/tenants", TenantsCreateHandler(d))
		r.Get("/tenants", TenantsListHandler(d))
		r.Get("/tenants/{id}", TenantsGetHandler(d))
		r.Put("/tenants/{id}/limits", TenantsUpdateLimitsHandler(d))
		r.Delete("/tenants/{id}", TenantsDeleteHandler(d))
		r.Post("/tenants/{id}/users", TenantsAddUserHandler(d))

		r.Post("/experiments", ExperimentsCreateHandler(d))
		r.Get("/experiments", ExperimentsListHandler(d))
		r.Get("/experiments/{id}", ExperimentsGetHandler(d))
		r.Put("/experiments/{id}/status", ExperimentsStatusHandler(d))
		r.Get("/experiments/{id}/results", ExperimentsResultsHandler(d))
		r.Delete("/experiments/{id}", ExperimentsDeleteHandler(d))

		r.Post("/slas", SLAsUpsertHandler(d))
		r.Get("/slas", SLAsListHandler(d))
		r.Delete("/slas/{id}", SLAsDeleteHandler(d))
		r.Get("/slas/stats", SLAStatsHandler(d))
		r.Get("/breaches", BreachesHandler(d))

		r.Post("/keys", APIKeysCreateHandler(d))
		r.Get("/keys", APIKeysListHandler(d))
		r.Post("/keys/{id}/rotate", APIKeysRotateHandler(d))
		r.Delete("/keys/{id}", APIKeysRevokeHandler(d))

		r.Get("/health", HealthStatsHandler(d))
		r.Get("/logs", RequestLogsHandler(d))
		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})

	r.Handle("/metrics", d.Metrics.Handler())
}
