// Package health tracks the serving state of adapters and drives the router's
// health score. State transitions are published on the event bus.
package health

import (
	"sync"
	"time"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/events"
)

// State represents the health state of an adapter.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

// Score maps the state onto the router's health term in [0,1].
func (s State) Score() float64 {
	switch s {
	case StateHealthy:
		return 1.0
	case StateDegraded:
		return 0.5
	default:
		return 0.0
	}
}

// Stats captures runtime health metrics for a single adapter.
type Stats struct {
	AdapterID     string    `json:"adapter_id"`
	State         State     `json:"state"`
	TotalRequests int64     `json:"total_requests"`
	TotalErrors   int64     `json:"total_errors"`
	ConsecErrors  int       `json:"consec_errors"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// TrackerConfig configures the health tracker thresholds.
type TrackerConfig struct {
	// ConsecErrorsForDegraded: how many consecutive errors before degraded state.
	ConsecErrorsForDegraded int
	// ConsecErrorsForDown: how many consecutive errors before down state.
	ConsecErrorsForDown int
	// CooldownDuration: how long to keep an adapter in down state.
	CooldownDuration time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ConsecErrorsForDegraded: 2,
		ConsecErrorsForDown:     5,
		CooldownDuration:        30 * time.Second,
	}
}

// Tracker tracks runtime health of all adapters.
type Tracker struct {
	cfg      TrackerConfig
	bus      *events.Bus
	onUpdate func(adapterID string, state State)

	mu    sync.RWMutex
	stats map[string]*Stats
}

// TrackerOption configures optional Tracker behaviour.
type TrackerOption func(*Tracker)

// WithEventBus attaches an event bus so state transitions are published as
// health_change events.
func WithEventBus(bus *events.Bus) TrackerOption {
	return func(t *Tracker) { t.bus = bus }
}

// WithOnUpdate registers a callback invoked on every record call (not just
// state transitions). Use this to keep external gauges and router caches
// current.
func WithOnUpdate(fn func(adapterID string, state State)) TrackerOption {
	return func(t *Tracker) { t.onUpdate = fn }
}

// NewTracker creates a health tracker with the given config.
func NewTracker(cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		cfg:   cfg,
		stats: make(map[string]*Stats),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordSuccess records a successful request to an adapter.
func (t *Tracker) RecordSuccess(adapterID string, latencyMs float64) {
	t.mu.Lock()

	s := t.getOrCreate(adapterID)
	oldState := s.State

	s.TotalRequests++
	s.ConsecErrors = 0
	s.LastSuccessAt = time.Now()
	s.State = StateHealthy
	s.CooldownUntil = time.Time{}

	// Running average (simple weighted).
	if s.TotalRequests == 1 {
		s.AvgLatencyMs = latencyMs
	} else {
		s.AvgLatencyMs = s.AvgLatencyMs*0.9 + latencyMs*0.1
	}

	newState := s.State
	t.mu.Unlock()

	t.notify(adapterID, oldState, newState, "success recorded")
}

// RecordError records a failed request to an adapter.
func (t *Tracker) RecordError(adapterID string, errMsg string) {
	t.mu.Lock()

	s := t.getOrCreate(adapterID)
	oldState := s.State

	s.TotalRequests++
	s.TotalErrors++
	s.ConsecErrors++
	s.LastError = errMsg
	s.LastErrorTime = time.Now()

	if s.ConsecErrors >= t.cfg.ConsecErrorsForDown {
		s.State = StateDown
		s.CooldownUntil = time.Now().Add(t.cfg.CooldownDuration)
	} else if s.ConsecErrors >= t.cfg.ConsecErrorsForDegraded {
		s.State = StateDegraded
	}

	newState := s.State
	t.mu.Unlock()

	t.notify(adapterID, oldState, newState, errMsg)
}

func (t *Tracker) notify(adapterID string, oldState, newState State, reason string) {
	if t.onUpdate != nil {
		t.onUpdate(adapterID, newState)
	}
	if oldState != newState && t.bus != nil {
		t.bus.Publish(events.Event{
			Kind:      events.KindHealthChange,
			AdapterID: adapterID,
			OldState:  string(oldState),
			NewState:  string(newState),
			Reason:    reason,
		})
	}
}

// IsAvailable returns whether an adapter should receive requests.
func (t *Tracker) IsAvailable(adapterID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[adapterID]
	if !ok {
		return true // unknown adapter is assumed available
	}
	if s.State == StateDown && time.Now().Before(s.CooldownUntil) {
		return false
	}
	return true
}

// StateOf returns the current state of an adapter.
func (t *Tracker) StateOf(adapterID string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[adapterID]; ok {
		return s.State
	}
	return StateHealthy
}

// GetStats returns a copy of the health stats for an adapter.
func (t *Tracker) GetStats(adapterID string) *Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[adapterID]
	if !ok {
		return &Stats{AdapterID: adapterID, State: StateHealthy}
	}
	cp := *s
	return &cp
}

// AllStats returns a copy of health stats for all known adapters.
func (t *Tracker) AllStats() []Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Stats, 0, len(t.stats))
	for _, s := range t.stats {
		result = append(result, *s)
	}
	return result
}

// GetAvgLatencyMs returns the average latency for an adapter.
func (t *Tracker) GetAvgLatencyMs(adapterID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[adapterID]; ok {
		return s.AvgLatencyMs
	}
	return 0
}

// GetErrorRate returns the error rate for an adapter.
func (t *Tracker) GetErrorRate(adapterID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[adapterID]; ok && s.TotalRequests > 0 {
		return float64(s.TotalErrors) / float64(s.TotalRequests)
	}
	return 0
}

func (t *Tracker) getOrCreate(adapterID string) *Stats {
	s, ok := t.stats[adapterID]
	if !ok {
		s = &Stats{AdapterID: adapterID, State: StateHealthy}
		t.stats[adapterID] = s
	}
	return s
}
