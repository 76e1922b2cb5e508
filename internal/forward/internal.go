package forward

import (
	"github.com/rs/zerolog"

	"github.com/hopwire/sshfwd/internal/events"
	"github.com/hopwire/sshfwd/pkg/types"
)

// NewInternalForwarder builds a forwarder for the internal rule kind: a
// LocalForwarder whose fixed target is the server-side-only
// internal_host/internal_port pair rather than remote_host/remote_port.
// The identity prefix ("internal:") that
// keeps these rules in their own namespace is assigned by the caller via
// types.ForwardingRule.Identity; the forwarder itself only needs to know
// it should report KindInternal.
func NewInternalForwarder(id, bindHost string, bindPort int, internalHost string, internalPort int, dialer SessionDialer, bus *events.Bus, log zerolog.Logger) *LocalForwarder {
	f := NewLocalForwarder(id, bindHost, bindPort, internalHost, internalPort, dialer, bus, log)
	f.log = log.With().Str("forwarder", id).Str("kind", string(types.KindInternal)).Logger()
	f.reportKind = types.KindInternal
	return f
}
