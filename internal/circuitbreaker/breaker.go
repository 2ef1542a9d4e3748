// Package circuitbreaker implements per-backend failure isolation. A breaker
// guards one (adapter, operation) pair: it trips when the failure ratio over
// a counting window reaches the configured threshold, fails fast while open,
// and admits a single probe after the reset period.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
)

// State represents the current state of a circuit breaker.
type State int

const (
	// Closed is the normal operating state: calls pass through.
	Closed State = iota
	// Open means the circuit has tripped: calls fail fast with CircuitOpen.
	Open
	// HalfOpen allows a single probe call through to test recovery.
	HalfOpen
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a breaker.
type Config struct {
	// Timeout is the per-call duration beyond which the call counts as a
	// failure even if it eventually succeeds.
	Timeout time.Duration
	// ErrorThresholdPct is the failure percentage that trips the breaker.
	ErrorThresholdPct int
	// VolumeThreshold is the minimum calls in the window before the ratio
	// is evaluated.
	VolumeThreshold int
	// ResetAfter is how long the breaker stays open before allowing a probe.
	ResetAfter time.Duration
	// Window bounds the counting window; counters reset when it elapses.
	Window time.Duration
}

// DefaultConfig returns the tuning used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		Timeout:           30 * time.Second,
		ErrorThresholdPct: 50,
		VolumeThreshold:   5,
		ResetAfter:        30 * time.Second,
		Window:            60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.ErrorThresholdPct <= 0 {
		c.ErrorThresholdPct = d.ErrorThresholdPct
	}
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = d.VolumeThreshold
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = d.ResetAfter
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	return c
}

// Breaker is a goroutine-safe ratio-based circuit breaker.
type Breaker struct {
	mu            sync.Mutex
	cfg           Config
	state         State
	requestCount  int
	failureCount  int
	successCount  int
	windowStart   time.Time
	lastFailureAt time.Time
	nextAttemptAt time.Time
	probing       bool
	onStateChange func(from, to State)

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithOnStateChange registers a callback fired on every state transition.
// It is invoked while the breaker's mutex is held, so it must not call back
// into the breaker.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(b *Breaker) { b.nowFunc = fn }
}

// New creates a Breaker in the Closed state.
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:     cfg.withDefaults(),
		state:   Closed,
		nowFunc: time.Now,
	}
	b.windowStart = b.nowFunc()
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether the next call may proceed. In Open state it admits a
// single probe once the reset period has elapsed, transitioning to HalfOpen.
// While a probe is outstanding all other callers are rejected.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if !b.nowFunc().Before(b.nextAttemptAt) {
			b.setState(HalfOpen)
			b.probing = true
			return true
		}
		return false
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// ForceProbe moves an Open breaker to HalfOpen immediately without claiming
// the probe slot; the next Allow admits the probe. Used by the router's
// best-effort path when every candidate circuit is open.
func (b *Breaker) ForceProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open {
		b.setState(HalfOpen)
		b.probing = false
	}
}

// ReleaseProbe returns a claimed probe admission without recording an
// outcome: the breaker reopens with a fresh reset period so the slot cannot
// stay claimed forever. Used when a probe call ends without a verdict, such
// as a stream whose caller hung up.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen && b.probing {
		b.probing = false
		b.trip(b.nowFunc())
	}
}

// RecordSuccess records a successful call. A HalfOpen probe success closes
// the breaker and resets the counting window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeRotateWindow()
	b.requestCount++
	b.successCount++

	if b.state == HalfOpen {
		b.probing = false
		b.resetCounters()
		b.setState(Closed)
	}
}

// RecordFailure records a failed call. In Closed state the failure ratio is
// evaluated once the volume threshold is met; a HalfOpen probe failure
// reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	b.maybeRotateWindow()
	b.requestCount++
	b.failureCount++
	b.lastFailureAt = now

	switch b.state {
	case Closed:
		if b.requestCount >= b.cfg.VolumeThreshold &&
			b.failureCount*100 >= b.cfg.ErrorThresholdPct*b.requestCount {
			b.trip(now)
		}
	case HalfOpen:
		b.probing = false
		b.trip(now)
	}
}

// Do executes fn under the breaker's protection. A call that errors, or that
// outlives cfg.Timeout, counts as a failure. When the breaker is open the
// call is rejected with core.KindCircuitOpen without invoking fn.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.Allow() {
		return core.Errf(core.KindCircuitOpen, "circuit open until %s", b.NextAttemptAt().UTC().Format(time.RFC3339))
	}

	start := b.nowFunc()
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	err := fn(callCtx)
	cancel()
	tookTooLong := b.nowFunc().Sub(start) > b.cfg.Timeout

	if err != nil || tookTooLong {
		b.RecordFailure()
		if err == nil {
			return core.Errf(core.KindTimeout, "call exceeded breaker timeout %s", b.cfg.Timeout)
		}
		return err
	}
	b.RecordSuccess()
	return nil
}

// CurrentState returns the breaker state without consulting the reset timer;
// use Allow for admission decisions.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// NextAttemptAt returns when an Open breaker will admit a probe.
func (b *Breaker) NextAttemptAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextAttemptAt
}

// Counts returns the current window's request/success/failure counters.
func (b *Breaker) Counts() (requests, successes, failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requestCount, b.successCount, b.failureCount
}

// trip opens the breaker. Caller must hold b.mu.
func (b *Breaker) trip(now time.Time) {
	b.nextAttemptAt = now.Add(b.cfg.ResetAfter)
	b.resetCounters()
	b.setState(Open)
}

// maybeRotateWindow resets counters when the counting window has elapsed.
// Caller must hold b.mu.
func (b *Breaker) maybeRotateWindow() {
	now := b.nowFunc()
	if now.Sub(b.windowStart) >= b.cfg.Window {
		b.windowStart = now
		b.requestCount = 0
		b.failureCount = 0
		b.successCount = 0
	}
}

func (b *Breaker) resetCounters() {
	b.windowStart = b.nowFunc()
	b.requestCount = 0
	b.failureCount = 0
	b.successCount = 0
}

// setState transitions the breaker and fires the callback if registered.
// Caller must hold b.mu.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil && from != to {
		b.onStateChange(from, to)
	}
}
