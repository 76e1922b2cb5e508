package transport

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hopwire/sshfwd/internal/events"
	"github.com/hopwire/sshfwd/pkg/types"
)

// fakeSession registers a Session struct directly into a Registry without
// going through connect/Dial, so registry bookkeeping can be exercised
// without a real SSH peer.
func fakeSession(identity types.SessionIdentity) *Session {
	return &Session{
		identity:      identity,
		opts:          Options{}.withDefaults(),
		established:   true,
		connectedAt:   time.Now(),
		stopKeepAlive: make(chan struct{}),
	}
}

type stubStopper struct {
	stopped []types.SessionIdentity
}

func (s *stubStopper) StopAllForSession(identity types.SessionIdentity) {
	s.stopped = append(s.stopped, identity)
}

func newTestRegistry() *Registry {
	return New(events.New(), zerolog.Nop())
}

func TestRegistryDisconnectIdempotent(t *testing.T) {
	r := newTestRegistry()
	identity := types.SessionIdentity{Host: "example.com", Port: 22, Username: "bob"}

	// Unknown identity is a no-op, and so is a repeat disconnect.
	if err := r.Disconnect(identity); err != nil {
		t.Fatalf("Disconnect of unknown identity should be a no-op, got: %v", err)
	}

	r.sessions[identity] = fakeSession(identity)
	if err := r.Disconnect(identity); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := r.Disconnect(identity); err != nil {
		t.Fatalf("second Disconnect should be a no-op, got: %v", err)
	}
}

func TestRegistryDisconnectStopsForwarders(t *testing.T) {
	r := newTestRegistry()
	stopper := &stubStopper{}
	r.SetForwarderStopper(stopper)

	identity := types.SessionIdentity{Host: "example.com", Port: 22, Username: "bob"}
	session := fakeSession(identity)
	r.sessions[identity] = session

	if err := r.Disconnect(identity); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if len(stopper.stopped) != 1 || stopper.stopped[0] != identity {
		t.Fatalf("expected forwarders stopped for %s, got %v", identity, stopper.stopped)
	}
	if _, err := r.Get(identity); err == nil {
		t.Fatal("expected session to be deregistered")
	}
}

func TestRegistryConnectAlreadyExists(t *testing.T) {
	r := newTestRegistry()
	identity := types.SessionIdentity{Host: "example.com", Port: 22, Username: "bob"}
	r.sessions[identity] = fakeSession(identity)

	_, err := r.Connect(nil, identity, Options{})
	if _, ok := err.(*AlreadyExistsError); !ok {
		t.Fatalf("expected *AlreadyExistsError, got %v (%T)", err, err)
	}
}

func TestRegistryListAndGet(t *testing.T) {
	r := newTestRegistry()
	a := types.SessionIdentity{Host: "a.example.com", Port: 22, Username: "x"}
	b := types.SessionIdentity{Host: "b.example.com", Port: 22, Username: "y"}
	r.sessions[a] = fakeSession(a)
	r.sessions[b] = fakeSession(b)

	statuses := r.List()
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}

	got, err := r.Get(a)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Identity() != a {
		t.Fatalf("expected identity %s, got %s", a, got.Identity())
	}
}

func TestOptionsKeepAliveDefaults(t *testing.T) {
	if got := (Options{}).withDefaults().KeepAliveInterval; got != 60*time.Second {
		t.Fatalf("expected zero value to default to 60s, got %v", got)
	}
	if got := (Options{KeepAliveInterval: KeepAliveDisabled}).withDefaults().KeepAliveInterval; got != 0 {
		t.Fatalf("expected KeepAliveDisabled to resolve to off, got %v", got)
	}
	if got := (Options{KeepAliveInterval: 5 * time.Second}).withDefaults().KeepAliveInterval; got != 5*time.Second {
		t.Fatalf("expected explicit interval to be preserved, got %v", got)
	}
}

func TestSessionStopKeepAliveIdempotent(t *testing.T) {
	s := fakeSession(types.SessionIdentity{Host: "h", Port: 22, Username: "u"})
	s.stopKeepAliveLoop()
	s.stopKeepAliveLoop()
}
