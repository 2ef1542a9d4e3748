// Package sla evaluates service-level objectives over rolling metric windows
// and raises breach, escalation and recovery events. One breach event is
// published per violation episode; recovery closes the episode.
package sla

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/events"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/store"
)

// Severity levels, graded by how far the observed value deviates from the
// threshold: under 10% minor, under 25% major, otherwise critical.
const (
	SeverityMinor    = "minor"
	SeverityMajor    = "major"
	SeverityCritical = "critical"
)

// SLA is one objective. Metric names a sample series and an aggregate,
// joined by ':' ("latency_ms:p95", "error_rate:avg"); a bare series name
// means avg.
type SLA struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id,omitempty"`
	Metric     string    `json:"metric"`
	Operator   string    `json:"operator"` // lt | lte | gt | gte
	Threshold  float64   `json:"threshold"`
	WindowSecs int       `json:"window_secs"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

// WindowStats are the aggregates of one sample window.
type WindowStats struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

type sample struct {
	at    time.Time
	value float64
}

type slaState struct {
	def SLA

	openBreachID  int64 // 0 = no open episode
	breachedSince time.Time
	consecutive   int
	escalated     bool
	lastAlertAt   time.Time
}

// Monitor owns the SLA set and the in-memory sample windows.
type Monitor struct {
	mu      sync.Mutex
	slas    map[string]*slaState
	samples map[string][]sample // keyed by series name

	bus           *events.Bus
	st            store.Store
	logger        *slog.Logger
	now           func() time.Time
	alertCooldown time.Duration
	escalateAfter int
	maxWindow     time.Duration

	stop chan struct{}
	done chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithNowFunc overrides the clock for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithAlertCooldown sets the minimum spacing between breach alerts for one
// SLA across episodes.
func WithAlertCooldown(d time.Duration) Option {
	return func(m *Monitor) { m.alertCooldown = d }
}

// WithEscalateAfter sets how many consecutive breaching evaluations promote
// an open episode to an escalation event.
func WithEscalateAfter(n int) Option {
	return func(m *Monitor) { m.escalateAfter = n }
}

// NewMonitor creates an SLA monitor.
func NewMonitor(st store.Store, bus *events.Bus, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		slas:          make(map[string]*slaState),
		samples:       make(map[string][]sample),
		bus:           bus,
		st:            st,
		logger:        logger,
		now:           time.Now,
		alertCooldown: time.Minute,
		escalateAfter: 3,
		maxWindow:     time.Hour,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Restore loads persisted SLA definitions.
func (m *Monitor) Restore(ctx context.Context) error {
	if m.st == nil {
		return nil
	}
	records, err := m.st.ListSLAs(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		m.slas[rec.ID] = &slaState{def: SLA{
			ID: rec.ID, TenantID: rec.TenantID, Metric: rec.Metric,
			Operator: rec.Operator, Threshold: rec.Threshold,
			WindowSecs: rec.WindowSecs, Enabled: rec.Enabled, CreatedAt: rec.CreatedAt,
		}}
	}
	m.logger.Info("restored slas", slog.Int("count", len(m.slas)))
	return nil
}

// Upsert validates and installs an SLA definition.
func (m *Monitor) Upsert(ctx context.Context, s SLA) error {
	if s.ID == "" || s.Metric == "" {
		return core.Invalid("sla id and metric are required")
	}
	switch s.Operator {
	case "lt", "lte", "gt", "gte":
	default:
		return core.Errf(core.KindInvalidRequest, "unknown operator %q", s.Operator)
	}
	if s.WindowSecs <= 0 {
		s.WindowSecs = 300
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}

	m.mu.Lock()
	if st, ok := m.slas[s.ID]; ok {
		st.def = s
	} else {
		m.slas[s.ID] = &slaState{def: s}
	}
	m.mu.Unlock()

	if m.st != nil {
		if err := m.st.UpsertSLA(ctx, store.SLARecord{
			ID: s.ID, TenantID: s.TenantID, Metric: s.Metric, Operator: s.Operator,
			Threshold: s.Threshold, WindowSecs: s.WindowSecs, Enabled: s.Enabled, CreatedAt: s.CreatedAt,
		}); err != nil {
			m.logger.Error("persist sla failed", slog.String("sla", s.ID), slog.String("error", err.Error()))
		}
	}
	return nil
}

// Delete removes an SLA.
func (m *Monitor) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	_, ok := m.slas[id]
	delete(m.slas, id)
	m.mu.Unlock()
	if !ok {
		return core.Errf(core.KindNotFound, "sla %s not found", id)
	}
	if m.st != nil {
		if err := m.st.DeleteSLA(ctx, id); err != nil {
			m.logger.Error("delete sla failed", slog.String("sla", id), slog.String("error", err.Error()))
		}
	}
	return nil
}

// List returns the current SLA definitions.
func (m *Monitor) List() []SLA {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SLA, 0, len(m.slas))
	for _, st := range m.slas {
		out = append(out, st.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Record appends one sample to a series and writes it through to the metric
// time series.
func (m *Monitor) Record(ctx context.Context, series, modelID string, value float64) {
	now := m.now()
	m.mu.Lock()
	m.samples[series] = append(m.samples[series], sample{at: now, value: value})
	m.trimLocked(series, now)
	m.mu.Unlock()

	if m.st != nil {
		if err := m.st.WriteMetricPoint(ctx, store.MetricPoint{
			Timestamp: now, Name: series, ModelID: modelID, Value: value,
		}); err != nil {
			m.logger.Error("write metric point failed", slog.String("series", series), slog.String("error", err.Error()))
		}
	}
}

func (m *Monitor) trimLocked(series string, now time.Time) {
	cutoff := now.Add(-m.maxWindow)
	s := m.samples[series]
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.samples[series] = append(s[:0:0], s[i:]...)
	}
}

// Stats aggregates a series over the trailing window.
func (m *Monitor) Stats(series string, window time.Duration) WindowStats {
	now := m.now()
	m.mu.Lock()
	raw := m.samples[series]
	cutoff := now.Add(-window)
	values := make([]float64, 0, len(raw))
	for _, s := range raw {
		if !s.at.Before(cutoff) {
			values = append(values, s.value)
		}
	}
	m.mu.Unlock()

	if len(values) == 0 {
		return WindowStats{}
	}
	sort.Float64s(values)
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return WindowStats{
		Count: len(values),
		Avg:   sum / float64(len(values)),
		Min:   values[0],
		Max:   values[len(values)-1],
		P50:   percentile(values, 50),
		P95:   percentile(values, 95),
		P99:   percentile(values, 99),
	}
}

// percentile uses nearest-rank on a sorted slice.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(float64(p)/100*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// Start begins the periodic evaluation loop.
func (m *Monitor) Start(interval time.Duration) {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.EvaluateAll(context.Background())
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop halts the evaluation loop.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

// EvaluateAll evaluates every enabled SLA once.
func (m *Monitor) EvaluateAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.slas))
	for id := range m.slas {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	for _, id := range ids {
		m.evaluate(ctx, id)
	}
}

func (m *Monitor) evaluate(ctx context.Context, id string) {
	m.mu.Lock()
	st, ok := m.slas[id]
	if !ok || !st.def.Enabled {
		m.mu.Unlock()
		return
	}
	def := st.def
	m.mu.Unlock()

	series, aggregate := def.Metric, "avg"
	if s, a, found := strings.Cut(def.Metric, ":"); found {
		series, aggregate = s, a
	}
	stats := m.Stats(series, time.Duration(def.WindowSecs)*time.Second)
	if stats.Count == 0 {
		return
	}
	value := pick(stats, aggregate)
	breached := !compare(value, def.Operator, def.Threshold)

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok = m.slas[id]
	if !ok {
		return
	}

	if !breached {
		if st.openBreachID != 0 {
			breachID := st.openBreachID
			st.openBreachID = 0
			st.consecutive = 0
			st.escalated = false
			if m.st != nil {
				if err := m.st.ResolveBreach(ctx, breachID, now); err != nil {
					m.logger.Error("resolve breach failed", slog.String("sla", id), slog.String("error", err.Error()))
				}
			}
			m.publish(events.Event{
				Kind: events.KindSLARecovery, Metric: def.Metric, Value: value,
				TenantID: def.TenantID, Reason: def.ID,
			})
		}
		return
	}

	st.consecutive++
	if st.openBreachID != 0 {
		if !st.escalated && st.consecutive >= m.escalateAfter {
			st.escalated = true
			m.publish(events.Event{
				Kind: events.KindSLAEscalation, Metric: def.Metric, Value: value,
				TenantID: def.TenantID, Reason: def.ID,
				Severity: severity(value, def.Threshold),
			})
		}
		return
	}
	sev := severity(value, def.Threshold)
	breachID := int64(-1)
	if m.st != nil {
		var err error
		breachID, err = m.st.LogBreach(ctx, store.BreachRecord{
			SLAID: def.ID, Metric: def.Metric, Value: value,
			Threshold: def.Threshold, Severity: sev, StartedAt: now,
		})
		if err != nil {
			m.logger.Error("log breach failed", slog.String("sla", id), slog.String("error", err.Error()))
			breachID = -1
		}
	}
	st.openBreachID = breachID
	st.breachedSince = now

	// The cooldown spaces out alert fan-out only; every episode is still
	// logged and tracked above.
	if now.Sub(st.lastAlertAt) < m.alertCooldown {
		return
	}
	st.lastAlertAt = now
	m.publish(events.Event{
		Kind: events.KindSLABreach, Metric: def.Metric, Value: value,
		TenantID: def.TenantID, Reason: def.ID, Severity: sev,
	})
}

func pick(s WindowStats, aggregate string) float64 {
	switch aggregate {
	case "p50":
		return s.P50
	case "p95":
		return s.P95
	case "p99":
		return s.P99
	case "min":
		return s.Min
	case "max":
		return s.Max
	case "count":
		return float64(s.Count)
	default:
		return s.Avg
	}
}

// compare reports whether value satisfies the objective.
func compare(value float64, op string, threshold float64) bool {
	switch op {
	case "lt":
		return value < threshold
	case "lte":
		return value <= threshold
	case "gt":
		return value > threshold
	case "gte":
		return value >= threshold
	}
	return true
}

func severity(value, threshold float64) string {
	if threshold == 0 {
		return SeverityCritical
	}
	deviation := math.Abs(value-threshold) / math.Abs(threshold)
	switch {
	case deviation < 0.10:
		return SeverityMinor
	case deviation < 0.25:
		return SeverityMajor
	default:
		return SeverityCritical
	}
}

func (m *Monitor) publish(e events.Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}
