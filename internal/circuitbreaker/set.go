package circuitbreaker

import (
	"sync"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/events"
)

// Set holds one breaker per (adapter, operation) pair, creating them lazily
// with a shared config. State transitions are published on the event bus.
type Set struct {
	cfg  Config
	bus  *events.Bus
	opts []Option

	mu       sync.Mutex
	breakers map[setKey]*Breaker
}

type setKey struct {
	adapterID string
	operation string
}

// NewSet creates an empty breaker set.
func NewSet(cfg Config, bus *events.Bus, opts ...Option) *Set {
	return &Set{
		cfg:      cfg.withDefaults(),
		bus:      bus,
		opts:     opts,
		breakers: make(map[setKey]*Breaker),
	}
}

// For returns the breaker guarding (adapterID, operation), creating it on
// first use.
func (s *Set) For(adapterID, operation string) *Breaker {
	key := setKey{adapterID, operation}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[key]; ok {
		return b
	}
	opts := s.opts
	if s.bus != nil {
		opts = append(opts[:len(opts):len(opts)], WithOnStateChange(func(from, to State) {
			s.bus.Publish(events.Event{
				Kind:      stateEventKind(to),
				AdapterID: adapterID,
				Reason:    operation,
				OldState:  from.String(),
				NewState:  to.String(),
			})
		}))
	}
	b := New(s.cfg, opts...)
	s.breakers[key] = b
	return b
}

// States returns a snapshot of the current state of every breaker.
func (s *Set) States() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.breakers))
	for k, b := range s.breakers {
		out[k.adapterID+"/"+k.operation] = b.CurrentState().String()
	}
	return out
}

func stateEventKind(to State) events.Kind {
	switch to {
	case Open:
		return events.KindCircuitOpened
	case HalfOpen:
		return events.KindCircuitHalfOpen
	default:
		return events.KindCircuitClosed
	}
}
