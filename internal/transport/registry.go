package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hopwire/sshfwd/internal/events"
	"github.com/hopwire/sshfwd/internal/resilience"
	"github.com/hopwire/sshfwd/pkg/types"
)

// AlreadyExistsError is returned by Registry.Connect when a Session
// already exists for the requested identity.
type AlreadyExistsError struct{ Identity types.SessionIdentity }

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("session %s already exists", e.Identity)
}

// NotFoundError is returned by Registry.Get/ConnectVia for an identity
// with no registered Session.
type NotFoundError struct{ Identity types.SessionIdentity }

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.Identity)
}

// ForwarderStopper is implemented by the forward Registry. Registry calls
// it synchronously on Disconnect so every forwarder dialing through a
// destroyed Session is torn down before Disconnect returns.
type ForwarderStopper interface {
	StopAllForSession(identity types.SessionIdentity)
}

// Registry is the single owner of every live Session, keyed by
// SessionIdentity. Forwarders are a distinct registry that only ever
// borrows a Session to Dial through.
type Registry struct {
	bus        *events.Bus
	breakers   *resilience.Registry
	log        zerolog.Logger
	forwarders ForwarderStopper

	mu       sync.RWMutex
	sessions map[types.SessionIdentity]*Session
}

// New creates an empty Registry with no ForwarderStopper; one is wired in
// afterwards via SetForwarderStopper (cmd/server constructs the forward
// Registry after this one).
func New(bus *events.Bus, log zerolog.Logger) *Registry {
	return &Registry{
		bus:      bus,
		breakers: resilience.NewRegistry(resilience.DefaultConfig()),
		log:      log.With().Str("component", "transport").Logger(),
		sessions: make(map[types.SessionIdentity]*Session),
	}
}

// SetForwarderStopper wires the ForwarderRegistry this Registry notifies
// on session loss. Must be called once, before any Connect.
func (r *Registry) SetForwarderStopper(f ForwarderStopper) {
	r.forwarders = f
}

// Connect establishes a new Session for identity and registers it. It is
// an error to Connect an identity that already has a live Session; the
// caller must Disconnect first.
func (r *Registry) Connect(ctx context.Context, identity types.SessionIdentity, opts Options) (*Session, error) {
	return r.connectWith(ctx, identity, opts, nil)
}

// ConnectVia establishes a Session to identity whose TCP leg is carried
// over an already-registered Session's transport (a direct-tcpip channel
// through via), so identity.Host only needs to be resolvable from via's
// network perspective. The resulting Session is registered and behaves
// like any other.
func (r *Registry) ConnectVia(ctx context.Context, via, identity types.SessionIdentity, opts Options) (*Session, error) {
	hop, err := r.Get(via)
	if err != nil {
		return nil, err
	}
	dial := func(_ context.Context, network, address string) (net.Conn, error) {
		return hop.Dial(network, address)
	}
	return r.connectWith(ctx, identity, opts, dial)
}

func (r *Registry) connectWith(ctx context.Context, identity types.SessionIdentity, opts Options, dial dialFunc) (*Session, error) {
	r.mu.Lock()
	if _, exists := r.sessions[identity]; exists {
		r.mu.Unlock()
		return nil, &AlreadyExistsError{Identity: identity}
	}
	r.mu.Unlock()

	breaker := r.breakers.Get(identity.String())
	if err := breaker.Allow(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", identity, err)
	}

	session, err := connect(ctx, identity, opts, dial, r.onSessionLost)
	if err != nil {
		breaker.RecordFailure()
		return nil, err
	}
	breaker.RecordSuccess()

	r.mu.Lock()
	if _, exists := r.sessions[identity]; exists {
		r.mu.Unlock()
		session.disconnect()
		return nil, &AlreadyExistsError{Identity: identity}
	}
	r.sessions[identity] = session
	r.mu.Unlock()

	r.log.Info().Str("session", identity.String()).Msg("session up")
	r.bus.Publish(events.SessionUp(identity.String()))

	return session, nil
}

// onSessionLost is the Session's DisconnectCallback: it deregisters the
// session, stops every forwarder that was dialing through it, and
// publishes session.state(down).
func (r *Registry) onSessionLost(identity types.SessionIdentity, cause error) {
	r.mu.Lock()
	delete(r.sessions, identity)
	r.mu.Unlock()

	r.log.Warn().Str("session", identity.String()).Err(cause).Msg("session down")

	if r.forwarders != nil {
		r.forwarders.StopAllForSession(identity)
	}

	r.bus.Publish(events.SessionDown(identity.String(), cause))
}

// Disconnect tears down the Session for identity, stops every forwarder
// that depends on it, and deregisters it. Idempotent: an identity with
// no registered Session is a no-op.
func (r *Registry) Disconnect(identity types.SessionIdentity) error {
	r.mu.Lock()
	session, ok := r.sessions[identity]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.sessions, identity)
	r.mu.Unlock()

	if r.forwarders != nil {
		r.forwarders.StopAllForSession(identity)
	}

	err := session.disconnect()
	r.log.Info().Str("session", identity.String()).Msg("session disconnected")
	r.bus.Publish(events.SessionDown(identity.String(), nil))
	return err
}

// Get returns the live Session for identity, if any.
func (r *Registry) Get(identity types.SessionIdentity) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[identity]
	if !ok {
		return nil, &NotFoundError{Identity: identity}
	}
	return session, nil
}

// List returns a snapshot of every registered Session's status.
func (r *Registry) List() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Status())
	}
	return out
}

// Shutdown disconnects every registered Session. Used on server exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	identities := make([]types.SessionIdentity, 0, len(r.sessions))
	for id := range r.sessions {
		identities = append(identities, id)
	}
	r.mu.Unlock()

	for _, id := range identities {
		_ = r.Disconnect(id)
	}
}
