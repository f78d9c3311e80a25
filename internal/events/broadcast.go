// Package events implements the state-change event fan-out the RPC/Event
// Surface subscribes to. Grounded directly on
// internal/runner/statebroadcast.go's Listeners type: a master channel fed
// by the Lifecycle Manager, fanned out to a dynamic set of per-subscriber
// channels keyed by xid.ID, each send bounded by a short timeout so one
// slow subscriber never blocks the others or the publisher.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/atomic"
)

// Kind is the closed set of event kinds the Lifecycle Manager and Tunnel
// Broker publish, per spec.md's "subscribe stream of state-change events".
type Kind string

const (
	KindStateChanged  Kind = "state-changed"
	KindStepProgress  Kind = "step-progress"
	KindTunnelOpened  Kind = "tunnel-opened"
	KindTunnelHealth  Kind = "tunnel-health"
	KindLog           Kind = "log"
	KindNotify        Kind = "notify"
)

// Event is one published state-change notification.
type Event struct {
	Kind      Kind
	AppID     string
	State     string
	Detail    string
	Timestamp time.Time
}

// fanoutDeadline bounds how long the broadcaster waits for one slow
// subscriber before moving on, matching statebroadcast.go's own constant.
const fanoutDeadline = 500 * time.Millisecond

// Bus fans Master out to every registered subscriber channel.
type Bus struct {
	Master    chan Event
	mu        sync.Mutex
	listeners map[xid.ID]chan<- Event
	dropped   atomic.Uint64
}

// NewBus starts the fan-out goroutine, which exits when ctx is done.
func NewBus(ctx context.Context) *Bus {
	b := &Bus{
		Master:    make(chan Event, 16),
		listeners: map[xid.ID]chan<- Event{},
	}
	go b.run(ctx)
	return b
}

func (b *Bus) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.Master:
			b.mu.Lock()
			subs := make([]chan<- Event, 0, len(b.listeners))
			for _, c := range b.listeners {
				subs = append(subs, c)
			}
			b.mu.Unlock()

			for _, c := range subs {
				select {
				case c <- ev:
				case <-time.After(fanoutDeadline):
				}
			}
		}
	}
}

// Subscribe registers listen to receive every future event, returning an
// id to pass to Unsubscribe. Per-subscriber delivery order matches
// publish order; there is no ordering guarantee across subscribers.
func (b *Bus) Subscribe(listen chan<- Event) xid.ID {
	id := xid.New()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[id] = listen
	return id
}

// Unsubscribe removes a subscriber registered via Subscribe.
func (b *Bus) Unsubscribe(id xid.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, id)
}

// Publish is a convenience wrapper over sending to Master directly,
// stamping Timestamp if the caller left it zero.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.Master <- ev:
	default:
		// Master is buffered; a full buffer means publishers are far
		// outrunning the fan-out loop. Drop rather than block a
		// lifecycle transition on event delivery.
		b.dropped.Inc()
	}
}

// Dropped returns the number of events discarded because Master's buffer
// was full at publish time.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
