package health

import (
	"testing"
	"time"

	"github.com/Mysticmarks/LLM-Runner-Router-sub012/internal/events"
)

func testTrackerConfig() TrackerConfig {
	return TrackerConfig{
		ConsecErrorsForDegraded: 2,
		ConsecErrorsForDown:     4,
		CooldownDuration:        time.Minute,
	}
}

func TestUnknownAdapterIsHealthy(t *testing.T) {
	tr := NewTracker(testTrackerConfig())
	if tr.StateOf("openai") != StateHealthy {
		t.Errorf("got %s", tr.StateOf("openai"))
	}
	if !tr.IsAvailable("openai") {
		t.Error("unknown adapter should be available")
	}
	if s := tr.GetStats("openai"); s.State != StateHealthy || s.AdapterID != "openai" {
		t.Errorf("stats: %+v", s)
	}
}

func TestDegradedThenDown(t *testing.T) {
	tr := NewTracker(testTrackerConfig())

	tr.RecordError("openai", "boom")
	if tr.StateOf("openai") != StateHealthy {
		t.Fatalf("one error should stay healthy, got %s", tr.StateOf("openai"))
	}
	tr.RecordError("openai", "boom")
	if tr.StateOf("openai") != StateDegraded {
		t.Fatalf("expected degraded at 2 consecutive errors, got %s", tr.StateOf("openai"))
	}
	tr.RecordError("openai", "boom")
	tr.RecordError("openai", "boom")
	if tr.StateOf("openai") != StateDown {
		t.Fatalf("expected down at 4 consecutive errors, got %s", tr.StateOf("openai"))
	}
	if tr.IsAvailable("openai") {
		t.Error("down adapter inside cooldown should be unavailable")
	}
}

func TestSuccessResetsState(t *testing.T) {
	tr := NewTracker(testTrackerConfig())
	for i := 0; i < 4; i++ {
		tr.RecordError("openai", "boom")
	}

	tr.RecordSuccess("openai", 120)
	if tr.StateOf("openai") != StateHealthy {
		t.Errorf("success should restore health, got %s", tr.StateOf("openai"))
	}
	if !tr.IsAvailable("openai") {
		t.Error("recovered adapter should be available")
	}
	s := tr.GetStats("openai")
	if s.ConsecErrors != 0 || !s.CooldownUntil.IsZero() {
		t.Errorf("stats not reset: %+v", s)
	}
	if s.TotalErrors != 4 || s.TotalRequests != 5 {
		t.Errorf("totals: %+v", s)
	}
}

func TestErrorRateAndLatency(t *testing.T) {
	tr := NewTracker(testTrackerConfig())
	tr.RecordSuccess("openai", 100)
	tr.RecordSuccess("openai", 200)
	tr.RecordError("openai", "boom")

	if got := tr.GetErrorRate("openai"); got != 1.0/3.0 {
		t.Errorf("error rate: %f", got)
	}
	if got := tr.GetAvgLatencyMs("openai"); got != 100*0.9+200*0.1 {
		t.Errorf("avg latency: %f", got)
	}
}

func TestScore(t *testing.T) {
	if StateHealthy.Score() != 1.0 || StateDegraded.Score() != 0.5 || StateDown.Score() != 0.0 {
		t.Error("unexpected score mapping")
	}
}

func TestTransitionsPublished(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(8, events.KindHealthChange)
	defer bus.Unsubscribe(sub)

	tr := NewTracker(testTrackerConfig(), WithEventBus(bus))
	tr.RecordError("openai", "boom")
	tr.RecordError("openai", "boom") // healthy -> degraded

	select {
	case e := <-sub.C:
		if e.AdapterID != "openai" || e.NewState != string(StateDegraded) {
			t.Errorf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("expected health_change event")
	}

	// A further error without a transition publishes nothing.
	tr.RecordError("openai", "boom")
	if len(sub.C) != 0 {
		t.Error("no event expected without a transition")
	}
}

func TestOnUpdateCallback(t *testing.T) {
	var calls []State
	tr := NewTracker(testTrackerConfig(), WithOnUpdate(func(_ string, s State) {
		calls = append(calls, s)
	}))

	tr.RecordSuccess("openai", 50)
	tr.RecordError("openai", "boom")
	if len(calls) != 2 {
		t.Errorf("callback should fire on every record, got %d calls", len(calls))
	}
}

func TestAllStats(t *testing.T) {
	tr := NewTracker(testTrackerConfig())
	tr.RecordSuccess("openai", 50)
	tr.RecordSuccess("anthropic", 80)

	all := tr.AllStats()
	if len(all) != 2 {
		t.Errorf("expected 2 adapters, got %d", len(all))
	}
}
