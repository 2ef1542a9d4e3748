// Package experiment implements deterministic A/B traffic splitting. A user
// is assigned to a variant by hashing (experiment id, user id) into one of
// 10000 buckets, so assignment is stable across processes and restarts.
package experiment

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/store"
)

const bucketCount = 10000

// Variant is one arm of an experiment. Split is a whole percentage.
type Variant struct {
	Name    string `json:"name"`
	ModelID string `json:"model_id"`
	Split   int    `json:"split"`
}

// Status values for an experiment.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// Experiment is an in-memory working copy.
type Experiment struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Variants  []Variant `json:"variants"`
	CreatedAt time.Time `json:"created_at"`
}

// VariantStats is the aggregate outcome of one arm.
type VariantStats struct {
	Variant      string  `json:"variant"`
	Requests     int64   `json:"requests"`
	Errors       int64   `json:"errors"`
	ErrorRate    float64 `json:"error_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	AvgCostUSD   float64 `json:"avg_cost_usd"`
	TotalTokens  int64   `json:"total_tokens"`
}

// Manager owns the experiment set.
type Manager struct {
	mu          sync.RWMutex
	experiments map[string]*Experiment

	st     store.Store
	logger *slog.Logger
}

// NewManager creates an experiment manager backed by st (nil = memory only).
func NewManager(st store.Store, logger *slog.Logger) *Manager {
	return &Manager{
		experiments: make(map[string]*Experiment),
		st:          st,
		logger:      logger,
	}
}

// Restore loads persisted experiments.
func (m *Manager) Restore(ctx context.Context) error {
	if m.st == nil {
		return nil
	}
	records, err := m.st.ListExperiments(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		var variants []Variant
		if err := json.Unmarshal([]byte(rec.Variants), &variants); err != nil {
			m.logger.Warn("skipping experiment with bad variants", slog.String("experiment", rec.ID))
			continue
		}
		m.experiments[rec.ID] = &Experiment{
			ID: rec.ID, Name: rec.Name, Status: rec.Status,
			Variants: variants, CreatedAt: rec.CreatedAt,
		}
	}
	m.logger.Info("restored experiments", slog.Int("count", len(m.experiments)))
	return nil
}

// Create validates and registers an experiment. Splits must be positive and
// sum to exactly 100.
func (m *Manager) Create(ctx context.Context, name string, variants []Variant) (*Experiment, error) {
	if name == "" {
		return nil, core.Invalid("experiment name is required")
	}
	if len(variants) < 2 {
		return nil, core.Invalid("an experiment needs at least two variants")
	}
	sum := 0
	seen := map[string]bool{}
	for _, v := range variants {
		if v.Name == "" || v.ModelID == "" {
			return nil, core.Invalid("variant name and model_id are required")
		}
		if v.Split <= 0 {
			return nil, core.Invalid("variant splits must be positive")
		}
		if seen[v.Name] {
			return nil, core.Errf(core.KindInvalidRequest, "duplicate variant %s", v.Name)
		}
		seen[v.Name] = true
		sum += v.Split
	}
	if sum != 100 {
		return nil, core.Errf(core.KindInvalidRequest, "variant splits sum to %d, want 100", sum)
	}

	e := &Experiment{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    StatusActive,
		Variants:  append([]Variant(nil), variants...),
		CreatedAt: time.Now(),
	}
	m.mu.Lock()
	m.experiments[e.ID] = e
	m.mu.Unlock()

	m.persist(ctx, e)
	cp := *e
	return &cp, nil
}

// SetStatus moves an experiment between active, paused and completed.
func (m *Manager) SetStatus(ctx context.Context, id, status string) error {
	switch status {
	case StatusActive, StatusPaused, StatusCompleted:
	default:
		return core.Errf(core.KindInvalidRequest, "unknown experiment status %q", status)
	}
	m.mu.Lock()
	e, ok := m.experiments[id]
	if !ok {
		m.mu.Unlock()
		return core.Errf(core.KindNotFound, "experiment %s not found", id)
	}
	e.Status = status
	cp := *e
	m.mu.Unlock()

	m.persist(ctx, &cp)
	return nil
}

// Get returns a copy of an experiment.
func (m *Manager) Get(id string) (Experiment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.experiments[id]
	if !ok {
		return Experiment{}, false
	}
	return *e, true
}

// List returns copies of all experiments, newest first.
func (m *Manager) List() []Experiment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Experiment, 0, len(m.experiments))
	for _, e := range m.experiments {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Delete removes an experiment and its results.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	_, ok := m.experiments[id]
	delete(m.experiments, id)
	m.mu.Unlock()
	if !ok {
		return core.Errf(core.KindNotFound, "experiment %s not found", id)
	}
	if m.st != nil {
		if err := m.st.DeleteExperiment(ctx, id); err != nil {
			m.logger.Error("delete experiment failed", slog.String("experiment", id), slog.String("error", err.Error()))
		}
	}
	return nil
}

// Bucket maps (experimentID, userID) onto [0, 10000). The hash input is the
// two ids joined with ':'; the first four digest bytes, big endian, pick the
// bucket.
func Bucket(experimentID, userID string) int {
	sum := sha256.Sum256([]byte(experimentID + ":" + userID))
	return int(binary.BigEndian.Uint32(sum[:4]) % bucketCount)
}

// Assign picks the variant for a user in an active experiment. Buckets map
// onto variants by cumulative split: with splits 30/70, buckets 0-2999 take
// the first arm and 3000-9999 the second. Paused or completed experiments
// assign nothing.
func (m *Manager) Assign(experimentID, userID string) (Variant, bool) {
	m.mu.RLock()
	e, ok := m.experiments[experimentID]
	if !ok || e.Status != StatusActive {
		m.mu.RUnlock()
		return Variant{}, false
	}
	variants := e.Variants
	m.mu.RUnlock()

	bucket := Bucket(experimentID, userID)
	cumulative := 0
	for _, v := range variants {
		cumulative += v.Split * (bucketCount / 100)
		if bucket < cumulative {
			return v, true
		}
	}
	// Unreachable when splits sum to 100; guard anyway.
	return variants[len(variants)-1], true
}

// RecordOutcome accumulates one request's result into the variant counters.
func (m *Manager) RecordOutcome(ctx context.Context, experimentID, variant string, latencyMs float64, costUSD float64, tokens int, failed bool) {
	if m.st == nil {
		return
	}
	r := store.ExperimentResultRecord{
		ExperimentID: experimentID,
		Variant:      variant,
		Requests:     1,
		SumLatencyMs: latencyMs,
		SumCostUSD:   costUSD,
		SumTokens:    int64(tokens),
	}
	if failed {
		r.Errors = 1
	}
	if err := m.st.RecordExperimentResult(ctx, r); err != nil {
		m.logger.Error("record experiment result failed",
			slog.String("experiment", experimentID), slog.String("error", err.Error()))
	}
}

// Results aggregates per-variant outcomes.
func (m *Manager) Results(ctx context.Context, experimentID string) ([]VariantStats, error) {
	if m.st == nil {
		return nil, nil
	}
	records, err := m.st.ListExperimentResults(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	out := make([]VariantStats, 0, len(records))
	for _, r := range records {
		s := VariantStats{
			Variant:     r.Variant,
			Requests:    r.Requests,
			Errors:      r.Errors,
			TotalTokens: r.SumTokens,
		}
		if r.Requests > 0 {
			s.ErrorRate = float64(r.Errors) / float64(r.Requests)
			s.AvgLatencyMs = r.SumLatencyMs / float64(r.Requests)
			s.AvgCostUSD = r.SumCostUSD / float64(r.Requests)
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *Manager) persist(ctx context.Context, e *Experiment) {
	if m.st == nil {
		return
	}
	variants, _ := json.Marshal(e.Variants)
	if err := m.st.UpsertExperiment(ctx, store.ExperimentRecord{
		ID: e.ID, Name: e.Name, Status: e.Status,
		Variants: string(variants), CreatedAt: e.CreatedAt,
	}); err != nil {
		m.logger.Error("persist experiment failed", slog.String("experiment", e.ID), slog.String("error", err.Error()))
	}
}
