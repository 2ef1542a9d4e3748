package events

import (
	"testing"
	"time"
)

func TestPublishDelivers(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(8)
	defer b.Unsubscribe(sub)

	b.Publish(Event{Kind: KindRouteSuccess, ModelID: "m1"})

	select {
	case e := <-sub.C:
		if e.Kind != KindRouteSuccess || e.ModelID != "m1" {
			t.Errorf("unexpected event: %+v", e)
		}
		if e.Timestamp.IsZero() {
			t.Error("publish should stamp the event")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestKindFiltering(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(8, KindCircuitOpened, KindCircuitClosed)
	defer b.Unsubscribe(sub)

	b.Publish(Event{Kind: KindRouteSuccess})
	b.Publish(Event{Kind: KindCircuitOpened, AdapterID: "openai"})

	e := <-sub.C
	if e.Kind != KindCircuitOpened {
		t.Errorf("filter let through %s", e.Kind)
	}
	if len(sub.C) != 0 {
		t.Error("route_success should not have been delivered")
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(2)
	defer b.Unsubscribe(sub)

	b.Publish(Event{Kind: KindRouteSuccess, RequestID: "1"})
	b.Publish(Event{Kind: KindRouteSuccess, RequestID: "2"})
	b.Publish(Event{Kind: KindRouteSuccess, RequestID: "3"})

	if b.Dropped() != 1 {
		t.Errorf("expected 1 dropped event, got %d", b.Dropped())
	}

	// The oldest ("1") was evicted; "2" and "3" remain in order.
	e := <-sub.C
	if e.RequestID != "2" {
		t.Errorf("expected request 2 first, got %s", e.RequestID)
	}
	e = <-sub.C
	if e.RequestID != "3" {
		t.Errorf("expected request 3 second, got %s", e.RequestID)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(1)
	b.Unsubscribe(sub)

	if _, ok := <-sub.C; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount())
	}

	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Kind: KindRouteError})
}
