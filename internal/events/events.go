// Package events implements the engine-initiated event bus: a broadcast
// channel any number of consumers can subscribe to. Slow consumers are
// lagged with a loss-marker rather than back-pressuring producers (spec
// §9, "Callback-style event subscription is re-architected as a
// broadcast channel").
package events

import "sync"

// Event is a single engine-initiated notification, mirrored onto the RPC
// front-end as {event, data} (spec §6).
type Event struct {
	Name string
	Data interface{}
}

const subBuffer = 64

// Bus fans out Events to every active subscription.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewBus returns an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription is a single consumer's view of the bus.
type Subscription struct {
	C      chan Event
	bus    *Bus
	lagged bool
	mu     sync.Mutex
}

// Subscribe registers a new consumer. Callers must call Close when done.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{C: make(chan Event, subBuffer), bus: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
}

// Publish fans an event out to every current subscriber. A subscriber
// whose buffer is full is marked lagged and receives a single
// "events:lagged" marker the next time it has room, instead of blocking
// the publisher.
func (b *Bus) Publish(name string, data interface{}) {
	ev := Event{Name: name, Data: data}
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.C <- ev:
		default:
			s.mu.Lock()
			s.lagged = true
			s.mu.Unlock()
			go s.deliverLagMarker()
		}
	}
}

func (s *Subscription) deliverLagMarker() {
	s.mu.Lock()
	if !s.lagged {
		s.mu.Unlock()
		return
	}
	s.lagged = false
	s.mu.Unlock()
	select {
	case s.C <- Event{Name: "events:lagged", Data: nil}:
	default:
	}
}
