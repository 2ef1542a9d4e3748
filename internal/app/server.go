package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/auth"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/cache"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/circuitbreaker"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/events"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/experiment"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/health"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/httpapi"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/logging"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/metrics"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/pipeline"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/providers/anthropic"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/providers/local"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/providers/openai"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/ratelimit"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/registry"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/router"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/sla"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/store"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/template"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/tenant"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/tracing"
)

// Server assembles the gateway and owns its lifecycle.
type Server struct {
	cfg Config
	r   *chi.Mux

	store    store.Store
	bus      *events.Bus
	pipeline *pipeline.Pipeline
	limiter  *ratelimit.Limiter
	prober   *health.Prober
	slas     *sla.Monitor
	logger   *slog.Logger

	busSub      *events.Subscriber
	traceCloser func(context.Context) error
	httpServer  *http.Server
}

// registrySource feeds loaded models to the router.
type registrySource struct {
	reg *registry.Registry
}

func (s registrySource) Candidates(_ context.Context) []router.Candidate {
	models := s.reg.List(registry.Filter{OnlyLoaded: true})
	out := make([]router.Candidate, 0, len(models))
	for _, m := range models {
		out = append(out, router.Candidate{Model: m, InFlight: s.reg.InFlight(m.ID)})
	}
	return out
}

// trackerScorer maps tracker states to the router's health term.
type trackerScorer struct {
	t *health.Tracker
}

func (s trackerScorer) HealthScore(adapterID string) float64 {
	return s.t.StateOf(adapterID).Score()
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	var traceCloser func(context.Context) error
	if cfg.TracingEnabled {
		closer, err := tracing.Setup(tracing.Config{
			Enabled:     true,
			Endpoint:    cfg.TracingEndpoint,
			ServiceName: "llmrouter",
		})
		if err != nil {
			return nil, err
		}
		traceCloser = closer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	if cfg.TracingEnabled {
		r.Use(tracing.Middleware())
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	bus := events.NewBus()
	m := metrics.New()

	tracker := health.NewTracker(health.DefaultConfig(), health.WithEventBus(bus))

	breakerCfg := circuitbreaker.Config{
		Timeout:           time.Duration(cfg.ProviderTimeoutSecs) * time.Second,
		ErrorThresholdPct: cfg.BreakerErrorPct,
		VolumeThreshold:   cfg.BreakerMinVolume,
		ResetAfter:        time.Duration(cfg.BreakerResetSecs) * time.Second,
	}
	circuits := circuitbreaker.NewSet(breakerCfg, bus)

	reg := registry.New(logger,
		registry.WithMaxModels(cfg.MaxModels),
		registry.WithEventBus(bus),
		registry.WithStore(db),
	)
	probeTargets, err := registerProviders(cfg, reg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	rtr, err := router.New(registrySource{reg}, trackerScorer{tracker}, circuits,
		router.WithDefaultStrategy(cfg.DefaultStrategy))
	if err != nil {
		db.Close()
		return nil, err
	}

	// Health and circuit transitions invalidate memoized rankings.
	purgeSub := bus.Subscribe(64,
		events.KindHealthChange, events.KindCircuitOpened,
		events.KindCircuitClosed, events.KindCircuitHalfOpen)
	go func() {
		for range purgeSub.C {
			rtr.PurgeMemo()
		}
	}()

	limiter := ratelimit.New(map[ratelimit.Scope]ratelimit.ScopeConfig{
		ratelimit.ScopeTenant: {RPS: cfg.TenantRPS, Burst: cfg.TenantBurst},
		ratelimit.ScopeAPIKey: {RPS: cfg.APIKeyRPS, Burst: cfg.APIKeyBurst},
	}, ratelimit.WithMetrics(m))

	respCache, err := cache.New(cfg.CacheEntries, time.Duration(cfg.CacheTTLSecs)*time.Second, cache.WithMetrics(m))
	if err != nil {
		db.Close()
		return nil, err
	}

	tenants := tenant.NewManager(db, logger)
	experiments := experiment.NewManager(db, logger)
	slamon := sla.NewMonitor(db, bus, logger)

	var authMgr *auth.Manager
	if cfg.AuthEnabled {
		authMgr = auth.NewManager(db, auth.WithMetrics(m))
	}

	pipe := pipeline.New(pipeline.Config{
		RetriesPerModel: cfg.RetriesPerModel,
		MaxFallbacks:    cfg.MaxFallbacks,
		CacheTTL:        time.Duration(cfg.CacheTTLSecs) * time.Second,
	}, pipeline.Deps{
		Registry:    reg,
		Router:      rtr,
		Circuits:    circuits,
		Limiter:     limiter,
		Cache:       respCache,
		Tenants:     tenants,
		Experiments: experiments,
		SLAs:        slamon,
		Tracker:     tracker,
		Bus:         bus,
		Metrics:     m,
		Store:       db,
		Logger:      logger,
	})

	prober := health.NewProber(health.ProberConfig{
		Interval:     time.Duration(cfg.ProbeIntervalSecs) * time.Second,
		ProbeTimeout: 5 * time.Second,
	}, tracker, probeTargets, logger)

	s := &Server{
		cfg:         cfg,
		r:           r,
		store:       db,
		bus:         bus,
		pipeline:    pipe,
		limiter:     limiter,
		prober:      prober,
		slas:        slamon,
		logger:      logger,
		busSub:      purgeSub,
		traceCloser: traceCloser,
	}

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Pipeline:    pipe,
		Registry:    reg,
		Tenants:     tenants,
		Experiments: experiments,
		SLAs:        slamon,
		Circuits:    circuits,
		Health:      tracker,
		Metrics:     m,
		Store:       db,
		EventBus:    bus,
		Logger:      logger,
		Auth:        authMgr,
		AdminToken:  cfg.AdminToken,
		Started:     time.Now(),
	})

	// Restore persisted state before serving.
	ctx := context.Background()
	if err := reg.Restore(ctx); err != nil {
		logger.Error("registry restore failed", slog.String("error", err.Error()))
	}
	if err := tenants.Restore(ctx); err != nil {
		logger.Error("tenant restore failed", slog.String("error", err.Error()))
	}
	if err := experiments.Restore(ctx); err != nil {
		logger.Error("experiment restore failed", slog.String("error", err.Error()))
	}
	if err := slamon.Restore(ctx); err != nil {
		logger.Error("sla restore failed", slog.String("error", err.Error()))
	}

	return s, nil
}

// registerProviders wires the configured adapters into the registry and
// returns them as health probe targets.
func registerProviders(cfg Config, reg *registry.Registry, logger *slog.Logger) ([]health.Probeable, error) {
	var targets []health.Probeable
	httpClient := &http.Client{
		Timeout:   time.Duration(cfg.ProviderTimeoutSecs) * time.Second,
		Transport: tracing.HTTPTransport(nil),
	}

	if cfg.OpenAIAPIKey != "" {
		a, err := openai.New("openai", cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, true,
			openai.WithHTTPClient(httpClient))
		if err != nil {
			return nil, err
		}
		reg.RegisterAdapter(a)
		targets = append(targets, a)
		logger.Info("registered provider", slog.String("provider", "openai"))
	}

	if cfg.AnthropicAPIKey != "" {
		a, err := anthropic.New("anthropic", cfg.AnthropicAPIKey, cfg.AnthropicBaseURL,
			anthropic.WithHTTPClient(httpClient))
		if err != nil {
			return nil, err
		}
		reg.RegisterAdapter(a)
		targets = append(targets, a)
		logger.Info("registered provider", slog.String("provider", "anthropic"))
	}

	if cfg.LocalEnabled {
		engine, err := template.NewEngine()
		if err != nil {
			return nil, err
		}
		rt := local.New("local", engine)
		reg.RegisterAdapter(rt)
		targets = append(targets, rt)
		logger.Info("registered provider", slog.String("provider", "local"))
	}
	return targets, nil
}

// Router exposes the HTTP handler for tests.
func (s *Server) Router() http.Handler { return s.r }

// Start begins background loops and serves HTTP until Shutdown.
func (s *Server) Start() error {
	s.prober.Start()
	s.slas.Start(time.Duration(s.cfg.SLAEvalIntervalSecs) * time.Second)

	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("listening", slog.String("addr", s.cfg.ListenAddr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops background loops in reverse
// dependency order.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.pipeline.Drain(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	s.prober.Stop()
	s.slas.Stop()
	s.limiter.Stop()
	s.bus.Unsubscribe(s.busSub)
	if s.traceCloser != nil {
		if err := s.traceCloser(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
