// Package events implements an in-process broadcast bus for session and
// forwarder state transitions and incremental traffic counters, fanned
// out to any number of observers without ever blocking a byte pump. The
// API layer's WebSocket handler is just one more subscriber of it.
package events

import "sync"

// Kind discriminates the three event shapes this bus carries.
type Kind int

const (
	KindSessionState Kind = iota
	KindForwarderState
	KindTraffic
)

// Event is the single envelope type delivered to observers. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind Kind

	// session.state
	SessionIdentity string
	Up              bool

	// forwarder.state
	ForwarderID string
	Active      bool

	// forwarder.traffic
	SentDelta int64
	RecvDelta int64

	// shared
	Err error
}

// SessionUp builds a session.state(up) event.
func SessionUp(identity string) Event {
	return Event{Kind: KindSessionState, SessionIdentity: identity, Up: true}
}

// SessionDown builds a session.state(down) event, optionally carrying the
// error that caused the transition.
func SessionDown(identity string, err error) Event {
	return Event{Kind: KindSessionState, SessionIdentity: identity, Up: false, Err: err}
}

// ForwarderActive builds a forwarder.state(active=true) event.
func ForwarderActive(id string) Event {
	return Event{Kind: KindForwarderState, ForwarderID: id, Active: true}
}

// ForwarderInactive builds a forwarder.state(active=false) event.
func ForwarderInactive(id string, err error) Event {
	return Event{Kind: KindForwarderState, ForwarderID: id, Active: false, Err: err}
}

// Traffic builds a forwarder.traffic event.
func Traffic(id string, sentDelta, recvDelta int64) Event {
	return Event{Kind: KindTraffic, ForwarderID: id, SentDelta: sentDelta, RecvDelta: recvDelta}
}

// subscriber is one observer's mailbox: a buffered channel drained by a
// dedicated delivery goroutine, plus an overflow queue for state events
// that arrive while the channel is full. A single drain goroutine moves
// overflowed events into the channel in FIFO order, and while anything
// is queued all new state events append behind it, so per-observer
// ordering holds even across an overflow episode. Traffic events are
// droppable and are discarded instead of queued under backpressure.
type subscriber struct {
	ch     chan Event
	done   chan struct{}
	closed bool

	mu       sync.Mutex
	overflow []Event
	draining bool
}

// drainOverflow moves queued state events into the subscriber's channel
// in order. The head element stays in the queue until its send succeeds
// so deliver never sees an empty queue while an event is still in
// flight (which would let a newer event jump ahead).
func (s *subscriber) drainOverflow() {
	for {
		s.mu.Lock()
		if len(s.overflow) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		ev := s.overflow[0]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.done:
			return
		}

		s.mu.Lock()
		s.overflow = s.overflow[1:]
		s.mu.Unlock()
	}
}

const subscriberBuffer = 256

// Bus is the broadcast mechanism. The zero value is not usable;
// construct with New.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]func(Event)
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[*subscriber]func(Event))}
}

// Observer receives events in the order Publish was called for this bus.
// Per-forwarder/session ordering is preserved: a forwarder's active=true
// state event always precedes its traffic events, which always precede
// its active=false event, because Publish is called synchronously by the
// component driving that sequence and delivery to a single observer is
// itself strictly ordered.
type Observer func(Event)

// Subscribe registers an observer and returns an unsubscribe function.
// Delivery to the observer happens on a dedicated goroutine so a slow
// observer callback never blocks Publish (and therefore never blocks a
// BytePump).
func (b *Bus) Subscribe(obs Observer) (unsubscribe func()) {
	sub := &subscriber{
		ch:   make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub] = obs
	b.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-sub.ch:
				obs(ev)
			case <-sub.done:
				// Drain anything already queued before returning so
				// state events are never silently lost on unsubscribe
				// racing with a final Publish.
				for {
					select {
					case ev := <-sub.ch:
						obs(ev)
					default:
						return
					}
				}
			}
		}
	}()

	return func() {
		b.mu.Lock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			if !sub.closed {
				sub.closed = true
				close(sub.done)
			}
		}
		b.mu.Unlock()
	}
}

// Publish fans an event out to every current observer. It never blocks:
// state events that don't fit the subscriber's buffered channel go to
// that subscriber's FIFO overflow queue, drained by a single goroutine,
// so they are delivered lossless and in publish order; traffic events
// are droppable and are discarded when the subscriber is backed up.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *subscriber, ev Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	// Direct send only while nothing is queued behind the channel;
	// otherwise this event would overtake the overflowed ones.
	if len(sub.overflow) == 0 {
		select {
		case sub.ch <- ev:
			return
		default:
		}
	}

	if ev.Kind == KindTraffic {
		return
	}

	sub.overflow = append(sub.overflow, ev)
	if !sub.draining {
		sub.draining = true
		go sub.drainOverflow()
	}
}

// Len reports the current number of subscribers, for diagnostics.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
