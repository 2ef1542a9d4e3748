// Package router scores candidate models and picks a serving order. The
// score blends quality, speed, cost and backend health under per-strategy
// weight profiles, with a capability bonus and an in-flight load penalty.
package router

import (
	"context"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/circuitbreaker"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
)

// Strategy names. Balanced is the default.
const (
	StrategyBalanced        = "balanced"
	StrategyQualityFirst    = "quality_first"
	StrategyCostOptimized   = "cost_optimized"
	StrategySpeedPriority   = "speed_priority"
	StrategyCapabilityMatch = "capability_match"
	StrategyLeastLoaded     = "least_loaded"
	StrategyRoundRobin      = "round_robin"
	StrategyRandom          = "random"
)

// Weights is a scoring profile. Cost subtracts; the rest add. Capability
// multiplies the per-capability bonus.
type Weights struct {
	Quality    float64
	Speed      float64
	Cost       float64
	Health     float64
	Capability float64
}

var profiles = map[string]Weights{
	StrategyBalanced:        {Quality: 0.25, Speed: 0.25, Cost: 0.25, Health: 0.25, Capability: 1},
	StrategyQualityFirst:    {Quality: 0.60, Speed: 0.15, Cost: 0.05, Health: 0.20, Capability: 1},
	StrategyCostOptimized:   {Quality: 0.10, Speed: 0.15, Cost: 0.55, Health: 0.20, Capability: 1},
	StrategySpeedPriority:   {Quality: 0.15, Speed: 0.55, Cost: 0.10, Health: 0.20, Capability: 1},
	StrategyCapabilityMatch: {Quality: 0.10, Speed: 0.10, Cost: 0.05, Health: 0.15, Capability: 12},
}

const (
	capabilityBonus    = 0.05
	loadPenaltyPerReq  = 0.01
	loadPenaltyCeiling = 0.30
	memoTTL            = 2 * time.Second
	operationInfer     = "infer"
)

// Candidate is one routable model with its current load.
type Candidate struct {
	Model    core.Model
	InFlight int64
}

// CandidateSource supplies the loaded, routable models.
type CandidateSource interface {
	Candidates(ctx context.Context) []Candidate
}

// HealthScorer maps an adapter to a health term in [0,1].
type HealthScorer interface {
	HealthScore(adapterID string) float64
}

// CircuitView exposes the breaker set without consuming probe admissions
// during scoring.
type CircuitView interface {
	For(adapterID, operation string) *circuitbreaker.Breaker
}

// Selection is one entry of the serving order.
type Selection struct {
	ModelID   string  `json:"model_id"`
	AdapterID string  `json:"adapter_id"`
	Score     float64 `json:"score"`
	// Probe marks a forced half-open probe chosen because every candidate
	// circuit was open.
	Probe bool `json:"probe,omitempty"`
}

// Router ranks candidates per request.
type Router struct {
	source          CandidateSource
	health          HealthScorer
	circuits        CircuitView
	defaultStrategy string

	memo    *otter.Cache[string, []Selection]
	rrIndex atomic.Uint64
	rngMu   sync.Mutex
	rng     *rand.Rand
	now     func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithNowFunc overrides the clock for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithRandSeed makes the random strategy deterministic for tests.
func WithRandSeed(seed int64) Option {
	return func(r *Router) { r.rng = rand.New(rand.NewSource(seed)) }
}

// WithDefaultStrategy sets the strategy used when a request carries no hint.
func WithDefaultStrategy(s string) Option {
	return func(r *Router) {
		if s != "" {
			r.defaultStrategy = s
		}
	}
}

// New creates a router over the given sources.
func New(source CandidateSource, health HealthScorer, circuits CircuitView, opts ...Option) (*Router, error) {
	memo, err := otter.New[string, []Selection](&otter.Options[string, []Selection]{
		MaximumSize:      1024,
		ExpiryCalculator: otter.ExpiryWriting[string, []Selection](memoTTL),
	})
	if err != nil {
		return nil, err
	}
	r := &Router{
		source:          source,
		health:          health,
		circuits:        circuits,
		defaultStrategy: StrategyBalanced,
		memo:            memo,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		now:             time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// PurgeMemo drops all memoized decisions. Called on health and circuit
// transitions so stale rankings cannot outlive the conditions that produced
// them.
func (r *Router) PurgeMemo() {
	r.memo.InvalidateAll()
}

// requiredCapabilities derives the capabilities a request needs.
func requiredCapabilities(req *core.Request) []string {
	var caps []string
	if len(req.Tools) > 0 {
		caps = append(caps, "tools")
	}
	if req.Options.ResponseFormat == "json" {
		caps = append(caps, "json")
	}
	if req.Options.Stream {
		caps = append(caps, "streaming")
	}
	return caps
}

// Route returns the serving order for a request: the primary model first,
// fallbacks after, worst last. A model hint that names a routable candidate
// is placed first regardless of score; the strategy's ranking of the
// remaining candidates follows as the fallback chain. When every candidate's
// circuit is open the breaker closest to its reset time is forced into a
// probe rather than failing the request outright.
func (r *Router) Route(ctx context.Context, req *core.Request) ([]Selection, error) {
	strategy := req.Options.StrategyHint
	if strategy == "" {
		strategy = r.defaultStrategy
	}

	candidates := r.source.Candidates(ctx)
	if len(candidates) == 0 {
		return nil, core.Errf(core.KindNotFound, "no models available")
	}

	caps := requiredCapabilities(req)

	var head []Selection
	if hint := req.Options.ModelHint; hint != "" {
		sel, ok := r.hinted(candidates, hint)
		if !ok {
			return nil, core.Errf(core.KindNotFound, "hinted model %s is not routable", hint)
		}
		head = []Selection{sel}
		candidates = withoutModel(candidates, hint)
	}

	eligible, allOpen := r.filter(candidates, caps)
	if len(eligible) == 0 {
		switch {
		case len(allOpen) > 0:
			return append(head, r.forceProbe(allOpen)), nil
		case len(head) > 0:
			return head, nil
		default:
			return nil, core.Errf(core.KindNotFound, "no models satisfy request capabilities %s", strings.Join(caps, ","))
		}
	}

	var tail []Selection
	switch strategy {
	case StrategyRoundRobin:
		tail = r.roundRobin(eligible)
	case StrategyRandom:
		tail = r.random(eligible)
	case StrategyLeastLoaded:
		tail = r.leastLoaded(eligible)
	default:
		weights, ok := profiles[strategy]
		if !ok {
			return nil, core.Errf(core.KindInvalidRequest, "unknown routing strategy %q", strategy)
		}
		key := memoKey(strategy, eligible, caps)
		if memoized, ok := r.memo.GetIfPresent(key); ok {
			tail = memoized
		} else {
			tail = r.rank(eligible, weights, caps)
			r.memo.Set(key, tail)
		}
	}
	return append(head, tail...), nil
}

func (r *Router) hinted(candidates []Candidate, hint string) (Selection, bool) {
	for _, c := range candidates {
		if c.Model.ID != hint {
			continue
		}
		sel := Selection{ModelID: c.Model.ID, AdapterID: c.Model.Provider}
		b := r.circuits.For(c.Model.Provider, operationInfer)
		if b.CurrentState() == circuitbreaker.Open && r.now().Before(b.NextAttemptAt()) {
			b.ForceProbe()
			sel.Probe = true
		}
		return sel, true
	}
	return Selection{}, false
}

func withoutModel(candidates []Candidate, id string) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Model.ID != id {
			out = append(out, c)
		}
	}
	return out
}

// memoKey identifies a ranking by strategy, the sorted candidate set and the
// capability demands, so a changed candidate set never replays a stale order.
func memoKey(strategy string, eligible []Candidate, caps []string) string {
	ids := make([]string, len(eligible))
	for i, c := range eligible {
		ids[i] = c.Model.ID
	}
	sort.Strings(ids)
	return strategy + "|" + strings.Join(ids, ",") + "|" + strings.Join(caps, ",")
}

// filter drops candidates that are down, missing a required capability, or
// behind an open circuit. Circuit-blocked candidates are returned separately
// for the all-open path.
func (r *Router) filter(candidates []Candidate, caps []string) (eligible, circuitBlocked []Candidate) {
	now := r.now()
	for _, c := range candidates {
		if c.Model.Health == core.HealthDown {
			continue
		}
		if missingCapability(&c.Model, caps) {
			continue
		}
		b := r.circuits.For(c.Model.Provider, operationInfer)
		if b.CurrentState() == circuitbreaker.Open && now.Before(b.NextAttemptAt()) {
			circuitBlocked = append(circuitBlocked, c)
			continue
		}
		eligible = append(eligible, c)
	}
	return eligible, circuitBlocked
}

func missingCapability(m *core.Model, caps []string) bool {
	for _, cap := range caps {
		if !m.HasCapability(cap) {
			return true
		}
	}
	return false
}

// forceProbe picks the blocked candidate whose breaker resets soonest and
// forces it half-open.
func (r *Router) forceProbe(blocked []Candidate) Selection {
	best := blocked[0]
	bestAt := r.circuits.For(best.Model.Provider, operationInfer).NextAttemptAt()
	for _, c := range blocked[1:] {
		at := r.circuits.For(c.Model.Provider, operationInfer).NextAttemptAt()
		if at.Before(bestAt) || (at.Equal(bestAt) && c.Model.ID < best.Model.ID) {
			best, bestAt = c, at
		}
	}
	r.circuits.For(best.Model.Provider, operationInfer).ForceProbe()
	return Selection{ModelID: best.Model.ID, AdapterID: best.Model.Provider, Probe: true}
}

// rank scores and orders eligible candidates. Score ties break on lower
// in-flight count, then lexicographic model id, so ordering is total and
// deterministic.
func (r *Router) rank(eligible []Candidate, w Weights, caps []string) []Selection {
	maxCost := 0.0
	for _, c := range eligible {
		if total := c.Model.CostPerMTokIn + c.Model.CostPerMTokOut; total > maxCost {
			maxCost = total
		}
	}

	type scored struct {
		Candidate
		score float64
	}
	all := make([]scored, 0, len(eligible))
	for _, c := range eligible {
		all = append(all, scored{c, r.score(&c, w, caps, maxCost)})
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.InFlight != b.InFlight {
			return a.InFlight < b.InFlight
		}
		return a.Model.ID < b.Model.ID
	})

	out := make([]Selection, len(all))
	for i, s := range all {
		out[i] = Selection{ModelID: s.Model.ID, AdapterID: s.Model.Provider, Score: s.score}
	}
	return out
}

func (r *Router) score(c *Candidate, w Weights, caps []string, maxCost float64) float64 {
	quality := qualityOf(&c.Model)
	speed := 1.0 / (1.0 + c.Model.Metrics.AvgLatencyMs/1000.0)
	cost := 0.0
	if maxCost > 0 {
		cost = (c.Model.CostPerMTokIn + c.Model.CostPerMTokOut) / maxCost
	}
	healthTerm := r.health.HealthScore(c.Model.Provider)
	if c.Model.Health == core.HealthDegraded && healthTerm > 0.5 {
		healthTerm = 0.5
	}

	bonus := 0.0
	for _, cap := range caps {
		if c.Model.HasCapability(cap) {
			bonus += capabilityBonus * w.Capability
		}
	}
	penalty := float64(c.InFlight) * loadPenaltyPerReq
	if penalty > loadPenaltyCeiling {
		penalty = loadPenaltyCeiling
	}

	return w.Quality*quality + w.Speed*speed - w.Cost*cost + w.Health*healthTerm + bonus - penalty
}

// qualityOf reads the model's advertised quality rating from metadata
// ("quality": "0".."1"), defaulting to 0.5.
func qualityOf(m *core.Model) float64 {
	if s, ok := m.Metadata["quality"]; ok {
		if q, err := strconv.ParseFloat(s, 64); err == nil && q >= 0 && q <= 1 {
			return q
		}
	}
	return 0.5
}

func (r *Router) roundRobin(eligible []Candidate) []Selection {
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Model.ID < eligible[j].Model.ID })
	start := int(r.rrIndex.Add(1)-1) % len(eligible)
	out := make([]Selection, 0, len(eligible))
	for i := 0; i < len(eligible); i++ {
		c := eligible[(start+i)%len(eligible)]
		out = append(out, Selection{ModelID: c.Model.ID, AdapterID: c.Model.Provider})
	}
	return out
}

func (r *Router) random(eligible []Candidate) []Selection {
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Model.ID < eligible[j].Model.ID })
	r.rngMu.Lock()
	perm := r.rng.Perm(len(eligible))
	r.rngMu.Unlock()
	out := make([]Selection, 0, len(eligible))
	for _, i := range perm {
		c := eligible[i]
		out = append(out, Selection{ModelID: c.Model.ID, AdapterID: c.Model.Provider})
	}
	return out
}

func (r *Router) leastLoaded(eligible []Candidate) []Selection {
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.InFlight != b.InFlight {
			return a.InFlight < b.InFlight
		}
		return a.Model.ID < b.Model.ID
	})
	out := make([]Selection, 0, len(eligible))
	for _, c := range eligible {
		out = append(out, Selection{ModelID: c.Model.ID, AdapterID: c.Model.Provider})
	}
	return out
}
