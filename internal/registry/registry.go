// Package registry is the model catalog: registration, load/unload lifecycle
// with LRU eviction, health bookkeeping, capability queries, and persistence
// through the store.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/events"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/providers"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/store"
)

const defaultMaxModels = 100

type modelEntry struct {
	model      *core.Model
	lastUsedAt time.Time
}

// Registry holds the model catalog and the adapters that serve it.
type Registry struct {
	mu        sync.RWMutex
	models    map[string]*modelEntry
	adapters  map[string]providers.Adapter
	maxModels int

	bus    *events.Bus
	st     store.Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxModels caps how many models may be loaded at once; loading past the
// cap evicts the least recently used loaded model.
func WithMaxModels(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxModels = n
		}
	}
}

// WithEventBus attaches the lifecycle event bus.
func WithEventBus(bus *events.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

// WithStore attaches persistence. Registrations and removals are written
// through; Restore reads the catalog back at startup.
func WithStore(st store.Store) Option {
	return func(r *Registry) { r.st = st }
}

// WithNowFunc overrides the clock for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		models:    make(map[string]*modelEntry),
		adapters:  make(map[string]providers.Adapter),
		maxModels: defaultMaxModels,
		logger:    logger,
		now:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterAdapter installs an adapter. Models reference adapters by Provider.
func (r *Registry) RegisterAdapter(a providers.Adapter) {
	r.mu.Lock()
	r.adapters[a.ID()] = a
	r.mu.Unlock()
}

// AdapterFor returns the adapter serving the model.
func (r *Registry) AdapterFor(modelID string) (providers.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.models[modelID]
	if !ok {
		return nil, core.Errf(core.KindNotFound, "model %s not registered", modelID)
	}
	a, ok := r.adapters[e.model.Provider]
	if !ok {
		return nil, core.Errf(core.KindInternal, "model %s references unknown adapter %s", modelID, e.model.Provider)
	}
	return a, nil
}

// Adapters returns all installed adapters.
func (r *Registry) Adapters() []providers.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]providers.Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// Register adds a model to the catalog. ID, format and source are required;
// a duplicate id is rejected. The entry starts unloaded and healthy.
func (r *Registry) Register(ctx context.Context, m core.Model) error {
	if m.ID == "" || m.Format == "" || m.Source == "" {
		return core.Invalid("model id, format and source are required")
	}
	if m.Provider == "" {
		return core.Invalid("model provider is required")
	}
	if m.CostPerMTokIn < 0 || m.CostPerMTokOut < 0 {
		return core.Invalid("model costs must not be negative")
	}

	r.mu.Lock()
	if _, exists := r.models[m.ID]; exists {
		r.mu.Unlock()
		return core.Errf(core.KindInvalidRequest, "model %s already registered", m.ID)
	}
	if _, ok := r.adapters[m.Provider]; !ok {
		r.mu.Unlock()
		return core.Errf(core.KindInvalidRequest, "unknown adapter %s for model %s", m.Provider, m.ID)
	}
	if m.Health == "" {
		m.Health = core.HealthReady
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.now()
	}
	m.Loaded = false
	r.models[m.ID] = &modelEntry{model: &m, lastUsedAt: r.now()}
	r.mu.Unlock()

	if r.st != nil {
		if err := r.st.UpsertModel(ctx, toRecord(&m)); err != nil {
			r.logger.Error("persist model failed", slog.String("model", m.ID), slog.String("error", err.Error()))
		}
	}
	r.publish(events.Event{Kind: events.KindModelRegistered, ModelID: m.ID, AdapterID: m.Provider})
	return nil
}

// Load materializes the model through its adapter. Loading past the cap
// evicts the least recently used loaded model first.
func (r *Registry) Load(ctx context.Context, modelID string, opts map[string]string) error {
	r.mu.RLock()
	e, ok := r.models[modelID]
	r.mu.RUnlock()
	if !ok {
		return core.Errf(core.KindNotFound, "model %s not registered", modelID)
	}
	if e.model.Loaded {
		return nil
	}

	if victim := r.evictionVictim(modelID); victim != "" {
		if err := r.Unload(ctx, victim); err != nil {
			r.logger.Warn("evict model failed", slog.String("model", victim), slog.String("error", err.Error()))
		} else {
			r.logger.Info("evicted least recently used model", slog.String("model", victim))
		}
	}

	a, err := r.AdapterFor(modelID)
	if err != nil {
		return err
	}
	if err := a.Load(ctx, modelID, opts); err != nil {
		return err
	}

	r.mu.Lock()
	e.model.Loaded = true
	e.lastUsedAt = r.now()
	r.mu.Unlock()

	r.publish(events.Event{Kind: events.KindModelLoaded, ModelID: modelID, AdapterID: a.ID()})
	return nil
}

// evictionVictim returns the LRU loaded model id when loading one more model
// would exceed the cap, or "" when there is room.
func (r *Registry) evictionVictim(loading string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	loaded := 0
	victim := ""
	var oldest time.Time
	for id, e := range r.models {
		if !e.model.Loaded || id == loading {
			continue
		}
		loaded++
		if victim == "" || e.lastUsedAt.Before(oldest) {
			victim, oldest = id, e.lastUsedAt
		}
	}
	if loaded < r.maxModels {
		return ""
	}
	return victim
}

// Unload releases the model through its adapter.
func (r *Registry) Unload(ctx context.Context, modelID string) error {
	a, err := r.AdapterFor(modelID)
	if err != nil {
		return err
	}
	r.mu.RLock()
	e := r.models[modelID]
	loaded := e != nil && e.model.Loaded
	r.mu.RUnlock()
	if !loaded {
		return core.Errf(core.KindInvalidRequest, "model %s is not loaded", modelID)
	}

	if err := a.Unload(ctx, modelID); err != nil {
		return err
	}
	r.mu.Lock()
	e.model.Loaded = false
	r.mu.Unlock()

	r.publish(events.Event{Kind: events.KindModelUnloaded, ModelID: modelID, AdapterID: a.ID()})
	return nil
}

// Unregister removes the model, unloading it first when necessary.
func (r *Registry) Unregister(ctx context.Context, modelID string) error {
	r.mu.RLock()
	e, ok := r.models[modelID]
	r.mu.RUnlock()
	if !ok {
		return core.Errf(core.KindNotFound, "model %s not registered", modelID)
	}
	if e.model.Loaded {
		if err := r.Unload(ctx, modelID); err != nil {
			return err
		}
	}

	r.mu.Lock()
	delete(r.models, modelID)
	r.mu.Unlock()

	if r.st != nil {
		if err := r.st.DeleteModel(ctx, modelID); err != nil {
			r.logger.Error("delete persisted model failed", slog.String("model", modelID), slog.String("error", err.Error()))
		}
	}
	return nil
}

// Get returns a copy of the model.
func (r *Registry) Get(modelID string) (core.Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.models[modelID]
	if !ok {
		return core.Model{}, false
	}
	return *e.model, true
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Provider   string
	Format     string
	Family     string
	Capability string
	OnlyLoaded bool
}

// List returns copies of models matching the filter, ordered by id.
func (r *Registry) List(f Filter) []core.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []core.Model
	for _, e := range r.models {
		m := e.model
		if f.Provider != "" && m.Provider != f.Provider {
			continue
		}
		if f.Format != "" && m.Format != f.Format {
			continue
		}
		if f.Family != "" && m.Family != f.Family {
			continue
		}
		if f.Capability != "" && !m.HasCapability(f.Capability) {
			continue
		}
		if f.OnlyLoaded && !m.Loaded {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Touch marks the model as recently used for LRU purposes.
func (r *Registry) Touch(modelID string) {
	r.mu.Lock()
	if e, ok := r.models[modelID]; ok {
		e.lastUsedAt = r.now()
	}
	r.mu.Unlock()
}

// SetHealth updates the serving state and publishes a degradation event on
// any transition away from ready.
func (r *Registry) SetHealth(modelID string, h core.ModelHealth) {
	r.mu.Lock()
	e, ok := r.models[modelID]
	var old core.ModelHealth
	if ok {
		old = e.model.Health
		e.model.Health = h
	}
	r.mu.Unlock()
	if !ok || old == h {
		return
	}
	if h != core.HealthReady {
		r.publish(events.Event{
			Kind: events.KindModelDegraded, ModelID: modelID,
			OldState: string(old), NewState: string(h),
		})
	}
}

// BeginRequest increments the in-flight gauge and usage clock for a model.
func (r *Registry) BeginRequest(modelID string) {
	r.mu.Lock()
	if e, ok := r.models[modelID]; ok {
		e.model.Metrics.InFlight++
		e.lastUsedAt = r.now()
	}
	r.mu.Unlock()
}

// EndRequest records the outcome of a completed request.
func (r *Registry) EndRequest(modelID string, latencyMs float64, failed bool) {
	r.mu.Lock()
	if e, ok := r.models[modelID]; ok {
		m := &e.model.Metrics
		if m.InFlight > 0 {
			m.InFlight--
		}
		m.Requests++
		if failed {
			m.Errors++
		}
		if m.Requests == 1 {
			m.AvgLatencyMs = latencyMs
		} else {
			m.AvgLatencyMs = m.AvgLatencyMs*0.9 + latencyMs*0.1
		}
	}
	r.mu.Unlock()
}

// InFlight returns the current in-flight count for a model.
func (r *Registry) InFlight(modelID string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.models[modelID]; ok {
		return e.model.Metrics.InFlight
	}
	return 0
}

// Restore loads the persisted catalog. Records that no longer validate (for
// example their adapter is gone, or required fields were corrupted) are
// skipped with a warning so one bad row cannot keep the router down.
func (r *Registry) Restore(ctx context.Context) error {
	if r.st == nil {
		return nil
	}
	records, err := r.st.ListModels(ctx)
	if err != nil {
		return err
	}
	restored, skipped := 0, 0
	for _, rec := range records {
		m := fromRecord(rec)
		r.mu.Lock()
		_, dup := r.models[m.ID]
		_, adapterOK := r.adapters[m.Provider]
		if dup || !adapterOK || m.ID == "" || m.Format == "" || m.Source == "" {
			r.mu.Unlock()
			skipped++
			r.logger.Warn("skipping unrestorable model record",
				slog.String("model", rec.ID), slog.String("adapter", rec.Provider))
			continue
		}
		m.Health = core.HealthReady
		r.models[m.ID] = &modelEntry{model: &m, lastUsedAt: r.now()}
		r.mu.Unlock()
		restored++
	}
	r.logger.Info("restored model catalog", slog.Int("restored", restored), slog.Int("skipped", skipped))
	return nil
}

func (r *Registry) publish(e events.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}

func toRecord(m *core.Model) store.ModelRecord {
	caps, _ := json.Marshal(m.Capabilities)
	meta, _ := json.Marshal(m.Metadata)
	return store.ModelRecord{
		ID:             m.ID,
		Family:         m.Family,
		Format:         m.Format,
		Provider:       m.Provider,
		Source:         m.Source,
		ContextWindow:  m.ContextWindow,
		MaxOutput:      m.MaxOutput,
		Capabilities:   string(caps),
		CostPerMTokIn:  m.CostPerMTokIn,
		CostPerMTokOut: m.CostPerMTokOut,
		Metadata:       string(meta),
		CreatedAt:      m.CreatedAt,
	}
}

func fromRecord(rec store.ModelRecord) core.Model {
	var caps []string
	var meta map[string]string
	_ = json.Unmarshal([]byte(rec.Capabilities), &caps)
	_ = json.Unmarshal([]byte(rec.Metadata), &meta)
	return core.Model{
		ID:             rec.ID,
		Family:         rec.Family,
		Format:         rec.Format,
		Provider:       rec.Provider,
		Source:         rec.Source,
		ContextWindow:  rec.ContextWindow,
		MaxOutput:      rec.MaxOutput,
		Capabilities:   caps,
		CostPerMTokIn:  rec.CostPerMTokIn,
		CostPerMTokOut: rec.CostPerMTokOut,
		Metadata:       meta,
		CreatedAt:      rec.CreatedAt,
	}
}
