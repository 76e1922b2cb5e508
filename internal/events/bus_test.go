package events

import (
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := New()

	var mu sync.Mutex
	var got []Event
	done := make(chan struct{})

	unsub := bus.Subscribe(func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})
	defer unsub()

	bus.Publish(ForwarderActive("local:127.0.0.1:8080"))
	bus.Publish(Traffic("local:127.0.0.1:8080", 5, 0))
	bus.Publish(ForwarderInactive("local:127.0.0.1:8080", nil))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].Kind != KindForwarderState || !got[0].Active {
		t.Fatalf("expected forwarder.state(active) first, got %+v", got[0])
	}
	if got[1].Kind != KindTraffic || got[1].SentDelta != 5 {
		t.Fatalf("expected traffic second, got %+v", got[1])
	}
	if got[2].Kind != KindForwarderState || got[2].Active {
		t.Fatalf("expected forwarder.state(inactive) last, got %+v", got[2])
	}
}

func TestBusPublishNeverBlocksOnSlowObserver(t *testing.T) {
	bus := New()

	// An observer that never finishes its first callback: its channel
	// fills, and traffic events must then be dropped rather than stall
	// the publisher.
	block := make(chan struct{})
	unsub := bus.Subscribe(func(ev Event) { <-block })
	defer func() { close(block); unsub() }()

	finished := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			bus.Publish(Traffic("dynamic:127.0.0.1:1080", 1, 0))
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow observer")
	}
}

func TestBusStateEventsStayOrderedThroughOverflow(t *testing.T) {
	bus := New()

	// Hold every delivery until all events are published, forcing the
	// subscriber's channel to fill and the rest into its overflow queue.
	const total = subscriberBuffer*2 + 50
	release := make(chan struct{})

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	unsub := bus.Subscribe(func(ev Event) {
		<-release
		mu.Lock()
		got = append(got, ev.ForwarderID)
		if len(got) == total {
			close(done)
		}
		mu.Unlock()
	})
	defer unsub()

	for i := 0; i < total; i++ {
		bus.Publish(ForwarderActive(strconv.Itoa(i)))
	}
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		mu.Lock()
		n := len(got)
		mu.Unlock()
		t.Fatalf("timed out: delivered %d of %d state events", n, total)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, id := range got {
		if id != strconv.Itoa(i) {
			t.Fatalf("event %d delivered out of order: got id %s", i, id)
		}
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()

	var mu sync.Mutex
	count := 0
	unsub := bus.Subscribe(func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(SessionUp("u@h:22"))
	time.Sleep(50 * time.Millisecond)
	unsub()
	if bus.Len() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", bus.Len())
	}

	bus.Publish(SessionDown("u@h:22", nil))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly 1 delivered event, got %d", count)
	}
}
