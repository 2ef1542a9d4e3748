// Package tenant manages tenants and enforces their quotas: requests and
// tokens per minute, tokens per day, and spend per month. Checks and
// increments happen atomically under one lock so concurrent requests cannot
// slip past a limit together.
package tenant

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/metrics"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/store"
)

// Limits are a tenant's quota ceilings. Zero means unlimited.
type Limits struct {
	RPM            int     `json:"rpm"`
	TPM            int     `json:"tpm"`
	DailyTokens    int64   `json:"daily_tokens"`
	MonthlyCostUSD float64 `json:"monthly_cost_usd"`
}

// Usage is a snapshot of a tenant's rolling counters.
type Usage struct {
	MinuteRequests int     `json:"minute_requests"`
	MinuteTokens   int64   `json:"minute_tokens"`
	DayTokens      int64   `json:"day_tokens"`
	MonthCostUSD   float64 `json:"month_cost_usd"`
}

// Tenant is the in-memory working copy of a tenant record.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Tier      string    `json:"tier"`
	Limits    Limits    `json:"limits"`
	Usage     Usage     `json:"usage"`
	CreatedAt time.Time `json:"created_at"`

	minuteStart time.Time
	dayStart    time.Time
	monthStart  time.Time
}

// Manager owns the tenant set. All quota state lives in memory under one
// mutex; mutations are written through to the store so enforcement survives
// restarts.
type Manager struct {
	mu      sync.Mutex
	tenants map[string]*Tenant

	st      store.Store
	metrics *metrics.Registry
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics attaches quota rejection counters.
func WithMetrics(m *metrics.Registry) Option {
	return func(mg *Manager) { mg.metrics = m }
}

// WithNowFunc overrides the clock for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(mg *Manager) { mg.now = now }
}

// NewManager creates a tenant manager backed by st (nil = memory only).
func NewManager(st store.Store, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		tenants: make(map[string]*Tenant),
		st:      st,
		logger:  logger,
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Restore loads persisted tenants and their counters.
func (m *Manager) Restore(ctx context.Context) error {
	if m.st == nil {
		return nil
	}
	records, err := m.st.ListTenants(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		m.tenants[rec.ID] = fromRecord(rec)
	}
	m.logger.Info("restored tenants", slog.Int("count", len(records)))
	return nil
}

// Create registers a new tenant.
func (m *Manager) Create(ctx context.Context, id, name, tier string, limits Limits) (*Tenant, error) {
	if id == "" || name == "" {
		return nil, core.Invalid("tenant id and name are required")
	}
	now := m.now()
	t := &Tenant{
		ID: id, Name: name, Tier: tier, Limits: limits, CreatedAt: now,
		minuteStart: now, dayStart: now, monthStart: now,
	}

	m.mu.Lock()
	if _, exists := m.tenants[id]; exists {
		m.mu.Unlock()
		return nil, core.Errf(core.KindInvalidRequest, "tenant %s already exists", id)
	}
	m.tenants[id] = t
	cp := *t
	m.mu.Unlock()

	m.persist(ctx, &cp)
	return &cp, nil
}

// Get returns a copy of the tenant.
func (m *Manager) Get(id string) (Tenant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return Tenant{}, false
	}
	return *t, true
}

// List returns copies of all tenants ordered by id.
func (m *Manager) List() []Tenant {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateLimits replaces a tenant's quota ceilings.
func (m *Manager) UpdateLimits(ctx context.Context, id string, limits Limits) error {
	m.mu.Lock()
	t, ok := m.tenants[id]
	if !ok {
		m.mu.Unlock()
		return core.Errf(core.KindNotFound, "tenant %s not found", id)
	}
	t.Limits = limits
	cp := *t
	m.mu.Unlock()

	m.persist(ctx, &cp)
	return nil
}

// Delete removes a tenant.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	_, ok := m.tenants[id]
	delete(m.tenants, id)
	m.mu.Unlock()
	if !ok {
		return core.Errf(core.KindNotFound, "tenant %s not found", id)
	}
	if m.st != nil {
		if err := m.st.DeleteTenant(ctx, id); err != nil {
			m.logger.Error("delete tenant failed", slog.String("tenant", id), slog.String("error", err.Error()))
		}
	}
	return nil
}

// AddUser attaches a member to a tenant. (tenant, email) must be unique; the
// store's primary key enforces it and a duplicate surfaces as invalid_request.
func (m *Manager) AddUser(ctx context.Context, tenantID, email, role string) error {
	if email == "" {
		return core.Invalid("email is required")
	}
	m.mu.Lock()
	_, ok := m.tenants[tenantID]
	m.mu.Unlock()
	if !ok {
		return core.Errf(core.KindNotFound, "tenant %s not found", tenantID)
	}
	if m.st == nil {
		return nil
	}
	if err := m.st.AddTenantUser(ctx, store.TenantUserRecord{
		TenantID: tenantID, Email: email, Role: role, CreatedAt: m.now(),
	}); err != nil {
		return core.Errf(core.KindInvalidRequest, "user %s already exists in tenant %s", email, tenantID)
	}
	return nil
}

// Admit checks all quota dimensions and, when every one passes, counts the
// request and reserves the estimated tokens in the same critical section.
// A rejection carries the time until the binding window resets.
func (m *Manager) Admit(ctx context.Context, tenantID string, estTokens int) error {
	m.mu.Lock()
	t, ok := m.tenants[tenantID]
	if !ok {
		m.mu.Unlock()
		return core.Errf(core.KindNotFound, "tenant %s not found", tenantID)
	}

	now := m.now()
	m.rollWindows(t, now)

	var kind string
	var retryAfter time.Duration
	switch {
	case t.Limits.RPM > 0 && t.Usage.MinuteRequests >= t.Limits.RPM:
		kind, retryAfter = "rpm", t.minuteStart.Add(time.Minute).Sub(now)
	case t.Limits.TPM > 0 && t.Usage.MinuteTokens+int64(estTokens) > int64(t.Limits.TPM):
		kind, retryAfter = "tpm", t.minuteStart.Add(time.Minute).Sub(now)
	case t.Limits.DailyTokens > 0 && t.Usage.DayTokens+int64(estTokens) > t.Limits.DailyTokens:
		kind, retryAfter = "daily_tokens", t.dayStart.Add(24*time.Hour).Sub(now)
	case t.Limits.MonthlyCostUSD > 0 && t.Usage.MonthCostUSD >= t.Limits.MonthlyCostUSD:
		kind, retryAfter = "monthly_cost", t.monthStart.AddDate(0, 1, 0).Sub(now)
	}
	if kind != "" {
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.QuotaRejected.WithLabelValues(tenantID, kind).Inc()
		}
		e := core.Errf(core.KindQuotaExceeded, "tenant %s exceeded %s quota", tenantID, kind)
		e.RetryAfter = retryAfter
		e.Details = map[string]string{"quota": kind}
		return e
	}

	t.Usage.MinuteRequests++
	t.Usage.MinuteTokens += int64(estTokens)
	t.Usage.DayTokens += int64(estTokens)
	cp := *t
	m.mu.Unlock()

	m.persist(ctx, &cp)
	return nil
}

// Commit reconciles actual usage after the response: the difference between
// estimated and actual tokens, plus the realized cost.
func (m *Manager) Commit(ctx context.Context, tenantID string, estTokens, actualTokens int, costUSD float64) {
	m.mu.Lock()
	t, ok := m.tenants[tenantID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delta := int64(actualTokens - estTokens)
	t.Usage.MinuteTokens += delta
	t.Usage.DayTokens += delta
	if t.Usage.MinuteTokens < 0 {
		t.Usage.MinuteTokens = 0
	}
	if t.Usage.DayTokens < 0 {
		t.Usage.DayTokens = 0
	}
	t.Usage.MonthCostUSD += costUSD
	cp := *t
	m.mu.Unlock()

	m.persist(ctx, &cp)
}

// rollWindows advances expired quota windows. Each start moves forward by
// whole window lengths so boundaries stay aligned with the tenant's original
// grid; snapping to now would stretch a window every time it rolls late.
// Caller holds the lock.
func (m *Manager) rollWindows(t *Tenant, now time.Time) {
	if elapsed := now.Sub(t.minuteStart); elapsed >= time.Minute {
		t.minuteStart = t.minuteStart.Add(elapsed.Truncate(time.Minute))
		t.Usage.MinuteRequests = 0
		t.Usage.MinuteTokens = 0
	}
	if elapsed := now.Sub(t.dayStart); elapsed >= 24*time.Hour {
		t.dayStart = t.dayStart.Add(elapsed.Truncate(24 * time.Hour))
		t.Usage.DayTokens = 0
	}
	if !t.monthStart.AddDate(0, 1, 0).After(now) {
		for !t.monthStart.AddDate(0, 1, 0).After(now) {
			t.monthStart = t.monthStart.AddDate(0, 1, 0)
		}
		t.Usage.MonthCostUSD = 0
	}
}

func (m *Manager) persist(ctx context.Context, t *Tenant) {
	if m.st == nil {
		return
	}
	if err := m.st.UpsertTenant(ctx, toRecord(t)); err != nil {
		m.logger.Error("persist tenant failed", slog.String("tenant", t.ID), slog.String("error", err.Error()))
	}
}

func toRecord(t *Tenant) store.TenantRecord {
	return store.TenantRecord{
		ID:                  t.ID,
		Name:                t.Name,
		Tier:                t.Tier,
		RPMLimit:            t.Limits.RPM,
		TPMLimit:            t.Limits.TPM,
		DailyTokenLimit:     t.Limits.DailyTokens,
		MonthlyCostLimitUSD: t.Limits.MonthlyCostUSD,
		MinuteRequests:      t.Usage.MinuteRequests,
		MinuteTokens:        t.Usage.MinuteTokens,
		MinuteWindowStart:   t.minuteStart,
		DayTokens:           t.Usage.DayTokens,
		DayWindowStart:      t.dayStart,
		MonthCostUSD:        t.Usage.MonthCostUSD,
		MonthWindowStart:    t.monthStart,
		CreatedAt:           t.CreatedAt,
	}
}

func fromRecord(rec store.TenantRecord) *Tenant {
	return &Tenant{
		ID:   rec.ID,
		Name: rec.Name,
		Tier: rec.Tier,
		Limits: Limits{
			RPM:            rec.RPMLimit,
			TPM:            rec.TPMLimit,
			DailyTokens:    rec.DailyTokenLimit,
			MonthlyCostUSD: rec.MonthlyCostLimitUSD,
		},
		Usage: Usage{
			MinuteRequests: rec.MinuteRequests,
			MinuteTokens:   rec.MinuteTokens,
			DayTokens:      rec.DayTokens,
			MonthCostUSD:   rec.MonthCostUSD,
		},
		CreatedAt:   rec.CreatedAt,
		minuteStart: rec.MinuteWindowStart,
		dayStart:    rec.DayWindowStart,
		monthStart:  rec.MonthWindowStart,
	}
}
