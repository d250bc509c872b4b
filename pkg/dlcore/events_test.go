package dlcore

import "testing"

func TestEventBusDeliversToSubscriber(t *testing.T) {
	b := NewEventBus()
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	b.Publish(Event{Kind: EventInfo, Message: "hello"})

	select {
	case ev := <-sub.Events():
		if ev.Message != "hello" {
			t.Fatalf("got %q, want %q", ev.Message, "hello")
		}
		if ev.Dropped != 0 {
			t.Fatalf("expected no drops, got %d", ev.Dropped)
		}
	default:
		t.Fatal("expected an event to be buffered")
	}
}

func TestEventBusDropsWhenBufferFullAndReportsCount(t *testing.T) {
	b := NewEventBus()
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	for i := 0; i < eventBufferSize+3; i++ {
		b.Publish(Event{Kind: EventInfo, Message: "x"})
	}

	if got := sub.Lagged(); got != 3 {
		t.Fatalf("lagged = %d, want 3", got)
	}

	// The buffered events were delivered before any loss occurred, so they
	// carry no drop count; the loss rides on the next event that gets
	// through after the buffer has space again.
	for i := 0; i < eventBufferSize; i++ {
		ev := <-sub.Events()
		if ev.Dropped != 0 {
			t.Fatalf("buffered event %d: Dropped = %d, want 0", i, ev.Dropped)
		}
	}

	b.Publish(Event{Kind: EventInfo, Message: "after lag"})
	ev := <-sub.Events()
	if ev.Dropped != 3 {
		t.Fatalf("post-lag event Dropped = %d, want 3", ev.Dropped)
	}
	if got := sub.Lagged(); got != 0 {
		t.Fatalf("lagged after delivery = %d, want 0 (counter consumed)", got)
	}
}

func TestEventBusUnsubscribeStopsFurtherDelivery(t *testing.T) {
	b := NewEventBus()
	sub := b.Subscribe()
	sub.Unsubscribe()

	b.Publish(Event{Kind: EventInfo, Message: "after unsubscribe"})

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed channel to yield zero value with ok=false")
	}
}

func TestEventBusMultipleSubscribersEachGetEvent(t *testing.T) {
	b := NewEventBus()
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer s1.Unsubscribe()
	defer s2.Unsubscribe()

	b.Publish(Event{Kind: EventInfo, Message: "broadcast"})

	for _, s := range []*Subscription{s1, s2} {
		ev := <-s.Events()
		if ev.Message != "broadcast" {
			t.Fatalf("got %q", ev.Message)
		}
	}
}
