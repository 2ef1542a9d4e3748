package sla

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/core"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/events"
	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/store"
)

func newTestMonitor(t *testing.T, now *time.Time, opts ...Option) (*Monitor, *events.Subscriber) {
	t.Helper()
	bus := events.NewBus()
	sub := bus.Subscribe(32, events.KindSLABreach, events.KindSLARecovery, events.KindSLAEscalation)
	t.Cleanup(func() { bus.Unsubscribe(sub) })

	opts = append([]Option{WithNowFunc(func() time.Time { return *now })}, opts...)
	m := NewMonitor(nil, bus, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	return m, sub
}

func latencySLA() SLA {
	return SLA{
		ID:         "lat-p95",
		Metric:     "latency_ms:p95",
		Operator:   "lt",
		Threshold:  500,
		WindowSecs: 300,
		Enabled:    true,
	}
}

func drain(sub *events.Subscriber) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-sub.C:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestUpsert_Validation(t *testing.T) {
	now := time.Now()
	m, _ := newTestMonitor(t, &now)
	ctx := context.Background()

	if err := m.Upsert(ctx, SLA{Metric: "x", Operator: "lt"}); core.KindOf(err) != core.KindInvalidRequest {
		t.Errorf("missing id: got %v", err)
	}
	if err := m.Upsert(ctx, SLA{ID: "a", Metric: "x", Operator: "between"}); core.KindOf(err) != core.KindInvalidRequest {
		t.Errorf("bad operator: got %v", err)
	}
	if err := m.Upsert(ctx, latencySLA()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if got := m.List(); len(got) != 1 || got[0].ID != "lat-p95" {
		t.Errorf("list: %+v", got)
	}
}

func TestStats_NearestRankPercentiles(t *testing.T) {
	now := time.Now()
	m, _ := newTestMonitor(t, &now)
	ctx := context.Background()

	for i := 1; i <= 100; i++ {
		m.Record(ctx, "latency_ms", "m1", float64(i))
	}
	s := m.Stats("latency_ms", time.Minute)
	if s.Count != 100 || s.Min != 1 || s.Max != 100 {
		t.Fatalf("window: %+v", s)
	}
	if s.P50 != 50 || s.P95 != 95 || s.P99 != 99 {
		t.Errorf("percentiles: p50=%v p95=%v p99=%v", s.P50, s.P95, s.P99)
	}
	if s.Avg != 50.5 {
		t.Errorf("avg: %v", s.Avg)
	}
}

func TestStats_WindowExcludesOldSamples(t *testing.T) {
	now := time.Now()
	m, _ := newTestMonitor(t, &now)
	ctx := context.Background()

	m.Record(ctx, "latency_ms", "m1", 1000)
	now = now.Add(10 * time.Minute)
	m.Record(ctx, "latency_ms", "m1", 100)

	s := m.Stats("latency_ms", time.Minute)
	if s.Count != 1 || s.Max != 100 {
		t.Errorf("old sample leaked into the window: %+v", s)
	}
}

func TestEvaluate_BreachEpisodeSingleEvent(t *testing.T) {
	now := time.Now()
	m, sub := newTestMonitor(t, &now)
	ctx := context.Background()
	m.Upsert(ctx, latencySLA())

	m.Record(ctx, "latency_ms", "m1", 900)
	m.EvaluateAll(ctx)
	evs := drain(sub)
	if len(evs) != 1 || evs[0].Kind != events.KindSLABreach {
		t.Fatalf("expected one breach event, got %+v", evs)
	}
	if evs[0].Severity != SeverityCritical {
		t.Errorf("900 vs 500 should be critical, got %s", evs[0].Severity)
	}

	// Still breaching: the open episode publishes nothing new.
	m.EvaluateAll(ctx)
	if evs := drain(sub); len(evs) != 0 {
		t.Errorf("open episode should stay silent, got %+v", evs)
	}
}

func TestEvaluate_RecoveryClosesEpisode(t *testing.T) {
	now := time.Now()
	m, sub := newTestMonitor(t, &now)
	ctx := context.Background()
	m.Upsert(ctx, latencySLA())

	m.Record(ctx, "latency_ms", "m1", 900)
	m.EvaluateAll(ctx)
	drain(sub)

	// Latency falls back under the threshold.
	now = now.Add(6 * time.Minute) // old samples age out of the window
	m.Record(ctx, "latency_ms", "m1", 100)
	m.EvaluateAll(ctx)

	evs := drain(sub)
	if len(evs) != 1 || evs[0].Kind != events.KindSLARecovery {
		t.Fatalf("expected recovery, got %+v", evs)
	}

	// Healthy evaluations after recovery stay silent.
	m.EvaluateAll(ctx)
	if evs := drain(sub); len(evs) != 0 {
		t.Errorf("no events expected, got %+v", evs)
	}
}

func TestEvaluate_EscalationAfterConsecutiveBreaches(t *testing.T) {
	now := time.Now()
	m, sub := newTestMonitor(t, &now, WithEscalateAfter(3))
	ctx := context.Background()
	m.Upsert(ctx, latencySLA())

	m.Record(ctx, "latency_ms", "m1", 900)
	m.EvaluateAll(ctx) // breach opens
	m.EvaluateAll(ctx) // consecutive 2
	if evs := drain(sub); len(evs) != 1 {
		t.Fatalf("expected only the opening breach so far, got %+v", evs)
	}

	m.EvaluateAll(ctx) // consecutive 3 escalates
	evs := drain(sub)
	if len(evs) != 1 || evs[0].Kind != events.KindSLAEscalation {
		t.Fatalf("expected escalation, got %+v", evs)
	}

	// Escalation fires once per episode.
	m.EvaluateAll(ctx)
	if evs := drain(sub); len(evs) != 0 {
		t.Errorf("second escalation published: %+v", evs)
	}
}

func TestEvaluate_AlertCooldownSuppressesReopen(t *testing.T) {
	now := time.Now()
	m, sub := newTestMonitor(t, &now, WithAlertCooldown(10*time.Minute))
	ctx := context.Background()

	s := latencySLA()
	s.WindowSecs = 60
	m.Upsert(ctx, s)

	m.Record(ctx, "latency_ms", "m1", 900)
	m.EvaluateAll(ctx)
	drain(sub)

	// Recover, then breach again inside the cooldown.
	now = now.Add(2 * time.Minute)
	m.Record(ctx, "latency_ms", "m1", 100)
	m.EvaluateAll(ctx)
	drain(sub)

	now = now.Add(2 * time.Minute)
	m.Record(ctx, "latency_ms", "m1", 900)
	m.EvaluateAll(ctx)
	if evs := drain(sub); len(evs) != 0 {
		t.Errorf("re-breach within cooldown should be suppressed, got %+v", evs)
	}

	// After the cooldown the new episode alerts.
	now = now.Add(10 * time.Minute)
	m.Record(ctx, "latency_ms", "m1", 900)
	m.EvaluateAll(ctx)
	evs := drain(sub)
	if len(evs) != 1 || evs[0].Kind != events.KindSLABreach {
		t.Errorf("expected breach after cooldown, got %+v", evs)
	}
}

func TestEvaluate_CooldownStillLogsBreachEpisodes(t *testing.T) {
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	now := time.Now()
	bus := events.NewBus()
	sub := bus.Subscribe(32, events.KindSLABreach, events.KindSLARecovery)
	t.Cleanup(func() { bus.Unsubscribe(sub) })
	m := NewMonitor(st, bus, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithNowFunc(func() time.Time { return now }),
		WithAlertCooldown(time.Hour))

	s := latencySLA()
	s.WindowSecs = 60
	m.Upsert(ctx, s)

	m.Record(ctx, "latency_ms", "m1", 900)
	m.EvaluateAll(ctx)
	drain(sub)

	// Recover, then breach again inside the cooldown.
	now = now.Add(2 * time.Minute)
	m.Record(ctx, "latency_ms", "m1", 100)
	m.EvaluateAll(ctx)
	drain(sub)

	now = now.Add(2 * time.Minute)
	m.Record(ctx, "latency_ms", "m1", 900)
	m.EvaluateAll(ctx)
	if evs := drain(sub); len(evs) != 0 {
		t.Fatalf("alert within cooldown should be suppressed, got %+v", evs)
	}

	// The silenced episode is still logged and tracked, so its recovery
	// publishes and resolves it.
	breaches, err := st.ListBreaches(ctx, s.ID, 10)
	if err != nil {
		t.Fatalf("list breaches: %v", err)
	}
	if len(breaches) != 2 {
		t.Fatalf("expected both episodes logged, got %d", len(breaches))
	}

	now = now.Add(2 * time.Minute)
	m.Record(ctx, "latency_ms", "m1", 100)
	m.EvaluateAll(ctx)
	evs := drain(sub)
	if len(evs) != 1 || evs[0].Kind != events.KindSLARecovery {
		t.Errorf("silenced episode should still recover, got %+v", evs)
	}
}

func TestEvaluate_DisabledAndEmptySeriesSkipped(t *testing.T) {
	now := time.Now()
	m, sub := newTestMonitor(t, &now)
	ctx := context.Background()

	disabled := latencySLA()
	disabled.Enabled = false
	m.Upsert(ctx, disabled)
	m.Record(ctx, "latency_ms", "m1", 900)
	m.EvaluateAll(ctx)
	if evs := drain(sub); len(evs) != 0 {
		t.Errorf("disabled sla evaluated: %+v", evs)
	}

	noData := latencySLA()
	noData.ID = "err-rate"
	noData.Metric = "error_rate" // bare series, no samples
	m.Upsert(ctx, noData)
	m.EvaluateAll(ctx)
	if evs := drain(sub); len(evs) != 0 {
		t.Errorf("empty series evaluated: %+v", evs)
	}
}

func TestSeverityGrades(t *testing.T) {
	cases := []struct {
		value, threshold float64
		want             string
	}{
		{520, 500, SeverityMinor},    // 4% over
		{590, 500, SeverityMajor},    // 18% over
		{900, 500, SeverityCritical}, // 80% over
		{1, 0, SeverityCritical},     // zero threshold
	}
	for _, tc := range cases {
		if got := severity(tc.value, tc.threshold); got != tc.want {
			t.Errorf("severity(%v, %v) = %s, want %s", tc.value, tc.threshold, got, tc.want)
		}
	}
}

func TestDelete(t *testing.T) {
	now := time.Now()
	m, _ := newTestMonitor(t, &now)
	ctx := context.Background()
	m.Upsert(ctx, latencySLA())

	if err := m.Delete(ctx, "lat-p95"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.Delete(ctx, "lat-p95"); core.KindOf(err) != core.KindNotFound {
		t.Errorf("double delete: got %v", err)
	}
}
