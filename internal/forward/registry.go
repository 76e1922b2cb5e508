package forward

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hopwire/sshfwd/internal/events"
	"github.com/hopwire/sshfwd/pkg/types"
)

// DuplicateError is returned by Add when a forwarding rule's identity
// (type:bind_host:bind_port) collides with an already-registered entry.
type DuplicateError struct{ Identity string }

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("forwarder %s already registered", e.Identity)
}

// NotFoundError is returned by Start/Stop/Remove/Status for an unknown
// forwarder ID.
type NotFoundError struct{ ID string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("forwarder %s not found", e.ID) }

// entry pairs a running Forwarder with the SessionIdentity it depends on,
// so StopAllForSession can find every forwarder affected by a session
// loss.
type entry struct {
	forwarder Forwarder
	identity  types.SessionIdentity
	rule      types.ForwardingRule
}

// Registry holds every configured forwarding rule, keyed by its computed
// identity, with Start/Stop/Remove lifecycle and session-loss cascading.
// It dials through whatever SessionDialer the transport registry hands
// back, rather than owning sessions itself.
type Registry struct {
	bus *events.Bus
	log zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty forward Registry.
func New(bus *events.Bus, log zerolog.Logger) *Registry {
	return &Registry{
		bus:     bus,
		log:     log.With().Str("component", "forward").Logger(),
		entries: make(map[string]*entry),
	}
}

// Add registers a new forwarder built from rule, dialing through dialer,
// without starting it. The forwarder's registry key is rule.Identity();
// duplicate identities are rejected.
func (r *Registry) Add(rule types.ForwardingRule, identity types.SessionIdentity, dialer SessionDialer, listener Listener) (string, error) {
	id := rule.Identity()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return "", &DuplicateError{Identity: id}
	}

	fwd, err := r.build(id, rule, dialer, listener)
	if err != nil {
		return "", err
	}

	r.entries[id] = &entry{forwarder: fwd, identity: identity, rule: rule}
	return id, nil
}

func (r *Registry) build(id string, rule types.ForwardingRule, dialer SessionDialer, listener Listener) (Forwarder, error) {
	switch rule.Type {
	case types.KindLocal:
		return NewLocalForwarder(id, rule.LocalHost, rule.LocalPort, rule.RemoteHost, rule.RemotePort, dialer, r.bus, r.log), nil
	case types.KindInternal:
		return NewInternalForwarder(id, rule.LocalHost, rule.LocalPort, rule.InternalHost, rule.InternalPort, dialer, r.bus, r.log), nil
	case types.KindDynamic:
		return NewDynamicForwarder(id, rule.BindHostOrDefault(), rule.BindPort, dialer, r.bus, r.log), nil
	case types.KindRemote:
		if listener == nil {
			return nil, fmt.Errorf("remote forwarder requires a Listen-capable session")
		}
		fwd := NewRemoteForwarder(id, rule.RemoteHost, rule.RemotePort, rule.LocalHost, rule.LocalPort, listener, r.bus, r.log, nil)
		fwd.onBound = func(resolved int) { r.rebindRemoteIdentity(fwd, resolved) }
		return fwd, nil
	default:
		return nil, fmt.Errorf("unknown forwarder type %q", rule.Type)
	}
}

// rebindRemoteIdentity moves a RemoteForwarder registered under a
// remote_port==0 identity to the identity reflecting the port the peer
// actually bound, per the ephemeral-port resolution contract. The entry
// is located by forwarder rather than by key so a Stop/Start cycle (which
// resolves a fresh port each time) rebinds correctly too. The swap
// happens under the registry lock so no caller ever observes a
// half-renamed entry.
func (r *Registry) rebindRemoteIdentity(f *RemoteForwarder, resolvedPort int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for oldID, e := range r.entries {
		if e.forwarder != Forwarder(f) {
			continue
		}
		rule := e.rule
		rule.RemotePort = resolvedPort
		newID := rule.Identity()
		if newID == oldID {
			return
		}
		if _, taken := r.entries[newID]; taken {
			r.log.Warn().Str("old_id", oldID).Str("new_id", newID).Msg("resolved remote identity already registered; keeping placeholder")
			return
		}
		delete(r.entries, oldID)
		e.rule = rule
		r.entries[newID] = e
		f.rename(newID)
		r.log.Info().Str("old_id", oldID).Str("new_id", newID).Msg("rebound ephemeral remote forwarder identity")
		return
	}
}

// Start begins accepting connections for the forwarder registered as id.
func (r *Registry) Start(ctx context.Context, id string) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return &NotFoundError{ID: id}
	}
	return e.forwarder.Start(ctx)
}

// Stop halts the forwarder registered as id without removing it.
func (r *Registry) Stop(id string) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return &NotFoundError{ID: id}
	}
	return e.forwarder.Stop()
}

// Remove stops (if running) and deregisters the forwarder for id.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return &NotFoundError{ID: id}
	}
	delete(r.entries, id)
	r.mu.Unlock()

	return e.forwarder.Stop()
}

// Status returns the current status of the forwarder registered as id.
func (r *Registry) Status(id string) (types.ForwarderStatus, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return types.ForwarderStatus{}, &NotFoundError{ID: id}
	}
	return e.forwarder.Status(), nil
}

// List returns a snapshot of every registered forwarder's status.
func (r *Registry) List() []types.ForwarderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ForwarderStatus, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.forwarder.Status())
	}
	return out
}

// StopAllForSession stops every forwarder that depends on identity,
// leaving each registered so List/Status still report it (now inactive).
// Only Remove deregisters a forwarder. Implements
// transport.ForwarderStopper, called synchronously by the transport
// Registry on Disconnect/session loss.
func (r *Registry) StopAllForSession(identity types.SessionIdentity) {
	r.mu.RLock()
	var affected []*entry
	for _, e := range r.entries {
		if e.identity == identity {
			affected = append(affected, e)
		}
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range affected {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			if err := e.forwarder.Stop(); err != nil {
				r.log.Warn().Err(err).Msg("error stopping forwarder on session loss")
			}
		}(e)
	}
	wg.Wait()
}

// Connections returns a snapshot of the live connections currently
// proxied by the forwarder registered as id.
func (r *Registry) Connections(id string) ([]types.ConnectionInfo, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return e.forwarder.Connections(), nil
}
