package events

import (
	"context"
	"testing"
	"time"

	"github.com/rs/xid"
)

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewBus(ctx)

	ch := make(chan Event, 1)
	bus.Subscribe(ch)
	bus.Publish(Event{Kind: KindStateChanged, AppID: "demo", State: "running"})

	select {
	case ev := <-ch:
		if ev.AppID != "demo" || ev.State != "running" {
			t.Errorf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewBus(ctx)

	ch := make(chan Event, 1)
	id := bus.Subscribe(ch)
	bus.Unsubscribe(id)
	bus.Publish(Event{Kind: KindStateChanged, AppID: "demo"})

	select {
	case ev := <-ch:
		t.Fatalf("expected no delivery after unsubscribe, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishIncrementsDroppedWhenMasterFull(t *testing.T) {
	// Built directly, bypassing NewBus, so nothing drains Master and the
	// buffer-full branch in Publish is reachable deterministically.
	bus := &Bus{
		Master:    make(chan Event, 2),
		listeners: map[xid.ID]chan<- Event{},
	}

	if bus.Dropped() != 0 {
		t.Fatalf("expected zero drops on a fresh bus, got %d", bus.Dropped())
	}

	for i := 0; i < cap(bus.Master); i++ {
		bus.Publish(Event{Kind: KindLog})
	}
	if bus.Dropped() != 0 {
		t.Fatalf("expected no drops while Master has room, got %d", bus.Dropped())
	}

	bus.Publish(Event{Kind: KindLog})
	if bus.Dropped() != 1 {
		t.Fatalf("expected exactly one dropped event once Master is saturated, got %d", bus.Dropped())
	}
}
