package forward

import (
	"context"
	"net"

	"github.com/hopwire/sshfwd/pkg/types"
)

// SessionDialer is the subset of transport.Session a Forwarder needs: a
// way to open connections through the SSH transport. Keeping this
// narrow lets forward depend on a contract instead of a concrete
// session type, and lets tests substitute a fake.
type SessionDialer interface {
	Dial(network, address string) (net.Conn, error)
	// DialOriginator is Dial with the accepted client's address carried
	// as the direct-tcpip channel's originator, so the peer sees the
	// real source endpoint instead of a zeroed origin.
	DialOriginator(network, address string, originator net.Addr) (net.Conn, error)
	IsConnected() bool
}

// Listener is implemented by SessionDialers that can also accept reverse
// forwarded connections (RemoteForwarder's requirement).
type Listener interface {
	SessionDialer
	Listen(network, address string) (net.Listener, error)
}

// Forwarder is one running forwarding rule: a local listener or SSH
// reverse-forward binding that proxies bytes to/from a Session.
type Forwarder interface {
	// Start begins accepting/serving connections. Idempotent: a Start
	// while already active is a no-op. A stopped forwarder may be
	// started again under the same identity.
	Start(ctx context.Context) error
	// Stop halts the forwarder, closing its listener and waiting (up to
	// a bounded grace period) for in-flight connections to finish.
	// Idempotent.
	Stop() error
	// Status returns a point-in-time snapshot.
	Status() types.ForwarderStatus
	// Connections snapshots the live connections being proxied.
	Connections() []types.ConnectionInfo
}
