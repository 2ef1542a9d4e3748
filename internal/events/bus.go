// Package events provides an in-memory typed pub/sub bus for component
// lifecycle and routing events. Subscribers receive on bounded channels; on
// overflow the oldest event is dropped and counted, so publishers never block.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies the category of an event.
type Kind string

const (
	KindRouteSuccess    Kind = "route_success"
	KindRouteError      Kind = "route_error"
	KindCircuitOpened   Kind = "circuit_opened"
	KindCircuitClosed   Kind = "circuit_closed"
	KindCircuitHalfOpen Kind = "circuit_half_open"
	KindModelRegistered Kind = "model_registered"
	KindModelLoaded     Kind = "model_loaded"
	KindModelDegraded   Kind = "model_degraded"
	KindModelUnloaded   Kind = "model_unloaded"
	KindHealthChange    Kind = "health_change"
	KindSLABreach       Kind = "sla_breach"
	KindSLARecovery     Kind = "sla_recovery"
	KindSLAEscalation   Kind = "sla_escalation"
)

// Event is a single record published on the bus.
type Event struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	ModelID    string  `json:"model_id,omitempty"`
	AdapterID  string  `json:"adapter_id,omitempty"`
	TenantID   string  `json:"tenant_id,omitempty"`
	RequestID  string  `json:"request_id,omitempty"`
	LatencyMs  float64 `json:"latency_ms,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	ErrorClass string  `json:"error_class,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	OldState   string  `json:"old_state,omitempty"`
	NewState   string  `json:"new_state,omitempty"`
	Scope      string  `json:"scope,omitempty"`
	Metric     string  `json:"metric,omitempty"`
	Severity   string  `json:"severity,omitempty"`
	Value      float64 `json:"value,omitempty"`
}

// JSON returns the event serialized for SSE fan-out.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on C. Close it with Bus.Unsubscribe.
type Subscriber struct {
	C     chan Event
	kinds map[Kind]bool // nil = all kinds
}

func (s *Subscriber) wants(k Kind) bool {
	return s.kinds == nil || s.kinds[k]
}

// Bus is the process-wide event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	dropped     atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[*Subscriber]struct{})}
}

// Subscribe registers a subscriber for the given kinds (none = all) with a
// bounded buffer.
func (b *Bus) Subscribe(bufSize int, kinds ...Kind) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{C: make(chan Event, bufSize)}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	_, ok := b.subscribers[s]
	delete(b.subscribers, s)
	b.mu.Unlock()
	if ok {
		close(s.C)
	}
}

// Publish delivers an event to all matching subscribers without blocking.
// When a subscriber's buffer is full the oldest buffered event is discarded
// to make room, and the drop counter is incremented.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		if !s.wants(e.Kind) {
			continue
		}
		select {
		case s.C <- e:
		default:
			select {
			case <-s.C: // evict oldest
				b.dropped.Add(1)
			default:
			}
			select {
			case s.C <- e:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Dropped returns the number of events discarded due to slow subscribers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
