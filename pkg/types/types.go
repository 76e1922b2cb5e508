// Package types holds the data model shared across the forwarding core:
// session identities, forwarding rule configuration, and the wire shape
// persisted by the surrounding configuration collaborator.
package types

import "fmt"

// ForwarderKind is the type of a forwarding rule.
type ForwarderKind string

const (
	KindLocal    ForwarderKind = "local"
	KindRemote   ForwarderKind = "remote"
	KindDynamic  ForwarderKind = "dynamic"
	KindInternal ForwarderKind = "internal"
)

// AuthMethod identifies how a Session authenticates to its peer.
type AuthMethod string

const (
	AuthMethodKey      AuthMethod = "key"
	AuthMethodPassword AuthMethod = "password"
	AuthMethodAgent    AuthMethod = "agent"
	AuthMethodCert     AuthMethod = "cert"
)

// SessionIdentity is the primary key of a Session in the TransportRegistry:
// the tuple (host, port, username).
type SessionIdentity struct {
	Host     string
	Port     int
	Username string
}

func (id SessionIdentity) String() string {
	return fmt.Sprintf("%s@%s:%d", id.Username, id.Host, id.Port)
}

// ForwarderIdentity builds the string "{type}:{bind_host}:{bind_port}" used
// as the ForwarderRegistry's primary key.
func ForwarderIdentity(kind ForwarderKind, bindHost string, bindPort int) string {
	return fmt.Sprintf("%s:%s:%d", kind, bindHost, bindPort)
}

// ForwardingRule is the persisted shape consumed from the external
// configuration collaborator, matching the connections.json rule schema
// of the wire spec. Local/Remote/Internal share LocalHost/LocalPort and
// RemoteHost/RemotePort; Dynamic uses BindHost/BindPort as its bind
// address; Internal additionally carries InternalHost/InternalPort as the
// fixed, server-side-only target.
type ForwardingRule struct {
	Type         ForwarderKind `json:"type"`
	LocalHost    string        `json:"local_host,omitempty"`
	LocalPort    int           `json:"local_port,omitempty"`
	RemoteHost   string        `json:"remote_host,omitempty"`
	RemotePort   int           `json:"remote_port,omitempty"`
	BindHost     string        `json:"bind_host,omitempty"`
	BindPort     int           `json:"bind_port,omitempty"`
	InternalHost string        `json:"internal_host,omitempty"`
	InternalPort int           `json:"internal_port,omitempty"`
	Active       bool          `json:"active"`
}

// BindAddress resolves the listener address a rule binds, per the
// per-kind field aliases in the persisted shape. A remote rule's
// listener lives on the SSH peer, so its bind side is
// remote_host:remote_port; the identity rewrite for remote_port==0
// relies on this.
func (r ForwardingRule) BindAddress() (host string, port int) {
	switch r.Type {
	case KindDynamic:
		return r.BindHost, r.BindPort
	case KindRemote:
		return r.RemoteHost, r.RemotePort
	default:
		return r.LocalHost, r.LocalPort
	}
}

// TargetAddress resolves the address a LocalForwarder/InternalForwarder
// dials on the remote side of the SSH transport.
func (r ForwardingRule) TargetAddress() (host string, port int) {
	if r.Type == KindInternal {
		return r.InternalHost, r.InternalPort
	}
	return r.RemoteHost, r.RemotePort
}

// BindHostOrDefault returns BindHost, falling back to LocalHost and then
// to 127.0.0.1 when both are unset.
func (r ForwardingRule) BindHostOrDefault() string {
	if r.BindHost != "" {
		return r.BindHost
	}
	if r.LocalHost != "" {
		return r.LocalHost
	}
	return "127.0.0.1"
}

// Identity computes this rule's ForwarderRegistry key.
func (r ForwardingRule) Identity() string {
	host, port := r.BindAddress()
	return ForwarderIdentity(r.Type, host, port)
}

// ForwarderState is the lifecycle state of a runtime Forwarder.
type ForwarderState string

const (
	StateInactive ForwarderState = "inactive"
	StateStarting ForwarderState = "starting"
	StateActive   ForwarderState = "active"
	StateStopping ForwarderState = "stopping"
)

// ConnectionInfo is a read-only snapshot of one live forwarded TCP flow,
// safe to hand to an observer without exposing the underlying socket or
// channel.
type ConnectionInfo struct {
	ID            string
	PeerAddr      string
	StartedAt     int64 // unix nanos, stamped by the caller
	BytesSent     int64
	BytesReceived int64
}

// ForwarderStatus is the read-only snapshot returned by
// ForwarderRegistry.Status / List. Active is State == StateActive,
// kept as its own field for observers that only care about the flag.
type ForwarderStatus struct {
	ID              string
	Kind            ForwarderKind
	State           ForwarderState
	Active          bool
	ConnectionCount int
	BytesSent       int64
	BytesReceived   int64
	UptimeSeconds   float64
	LastError       string
}
