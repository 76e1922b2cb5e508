// Package transport owns SSH client sessions keyed by (host, port, user),
// their dial/auth/keep-alive lifecycle, and the Session handle forwarders
// dial through. Sessions are single-hop: each one owns exactly one SSH
// connection to one peer.
package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/hopwire/sshfwd/internal/auth"
	"github.com/hopwire/sshfwd/pkg/types"
)

// AuthError is returned by Connect when the peer refuses authentication.
type AuthError struct{ Err error }

func (e *AuthError) Error() string { return fmt.Sprintf("authentication refused: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError is returned by Connect on dial/handshake failure, and
// recorded as a Session's lastError on an unexpected transport loss.
type NetworkError struct{ Err error }

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// KeepAliveDisabled turns the keep-alive loop off when assigned to
// Options.KeepAliveInterval (the zero value means "use the default").
const KeepAliveDisabled time.Duration = -1

// Options configures a Session beyond its identity.
type Options struct {
	KeepAliveInterval time.Duration // default 60s, KeepAliveDisabled = off
	// Compression is accepted for connections.json compatibility;
	// golang.org/x/crypto/ssh does not implement zlib, so the flag has
	// no wire effect.
	Compression    bool
	ConnectTimeout time.Duration // default 10s
	HostKeyPolicy  auth.HostKeyPolicy
	Password       string
	KeyPath        string
	Passphrase     string
	// UseAgent additionally offers ssh-agent signing, tried after the
	// key file and before the password. Never offered implicitly.
	UseAgent bool
}

func (o Options) withDefaults() Options {
	switch {
	case o.KeepAliveInterval < 0:
		o.KeepAliveInterval = 0
	case o.KeepAliveInterval == 0:
		o.KeepAliveInterval = 60 * time.Second
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.HostKeyPolicy == nil {
		o.HostKeyPolicy = auth.InsecureAcceptAll{}
	}
	return o
}

// DisconnectCallback is invoked when a Session's transport is lost
// unexpectedly (keep-alive failure or remote close), outside of an
// explicit Disconnect call.
type DisconnectCallback func(identity types.SessionIdentity, err error)

// Session is an established (or establishing) SSH client connection and
// the owner of its transport.
type Session struct {
	identity types.SessionIdentity
	opts     Options
	onLost   DisconnectCallback

	mu          sync.RWMutex
	client      *ssh.Client
	established bool
	connectedAt time.Time
	lastError   error
	authMethods []types.AuthMethod

	stopKeepAlive chan struct{}
	keepAliveOnce sync.Once
}

// Dial opens a net.Conn through this Session's transport, i.e. a
// direct-tcpip channel to network/address. Forwarders never touch the
// *ssh.Client directly; they go through this method.
func (s *Session) Dial(network, address string) (net.Conn, error) {
	client := s.Client()
	if client == nil {
		return nil, fmt.Errorf("session %s not connected", s.identity)
	}
	return client.Dial(network, address)
}

// DialOriginator opens a direct-tcpip channel to address with
// originator reported as the channel's source endpoint, for forwarders
// relaying an accepted client connection. The SSH library only carries
// an originator when the destination is an IP literal; hostname targets
// fall back to Dial's zeroed origin.
func (s *Session) DialOriginator(network, address string, originator net.Addr) (net.Conn, error) {
	client := s.Client()
	if client == nil {
		return nil, fmt.Errorf("session %s not connected", s.identity)
	}

	laddr, ok := originator.(*net.TCPAddr)
	if !ok {
		return client.Dial(network, address)
	}
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return client.Dial(network, address)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return client.DialTCP(network, laddr, &net.TCPAddr{IP: ip, Port: port})
}

// Listen asks the SSH peer to listen on network/address and returns the
// resulting net.Listener, for RemoteForwarder's reverse-forward bind.
func (s *Session) Listen(network, address string) (net.Listener, error) {
	client := s.Client()
	if client == nil {
		return nil, fmt.Errorf("session %s not connected", s.identity)
	}
	return client.Listen(network, address)
}

// Client returns the underlying *ssh.Client, or nil if not connected.
// Dial, DialOriginator, Listen and the keep-alive loop all go through it.
func (s *Session) Client() *ssh.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// IsConnected reports whether the Session currently holds a live
// transport.
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.established
}

// Identity returns this Session's registry key.
func (s *Session) Identity() types.SessionIdentity {
	return s.identity
}

// Status is a read-only snapshot of a Session's state. AuthMethods
// lists the methods that were offered to the peer, in try-order.
type Status struct {
	Identity    types.SessionIdentity
	Established bool
	ConnectedAt time.Time
	AuthMethods []types.AuthMethod
	LastError   error
}

// Status returns the current session status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Identity:    s.identity,
		Established: s.established,
		ConnectedAt: s.connectedAt,
		AuthMethods: s.authMethods,
		LastError:   s.lastError,
	}
}

func (s *Session) buildClientConfig() (*ssh.ClientConfig, error) {
	cfg := &ssh.ClientConfig{
		User:            s.identity.Username,
		Timeout:         s.opts.ConnectTimeout,
		HostKeyCallback: s.opts.HostKeyPolicy.Callback(),
	}

	// Try-order: (a) key file if provided, (b) ssh-agent if opted in,
	// (c) password if provided.
	var methods []ssh.AuthMethod
	if s.opts.KeyPath != "" {
		keyAuth := &auth.KeyAuthenticator{KeyPath: s.opts.KeyPath, Passphrase: s.opts.Passphrase}
		method, err := keyAuth.GetAuthMethod()
		if err != nil {
			return nil, &AuthError{Err: fmt.Errorf("key auth: %w", err)}
		}
		methods = append(methods, method)
		s.authMethods = append(s.authMethods, types.AuthMethodKey)
	}
	if s.opts.UseAgent {
		method, err := auth.NewAgentAuthenticator().GetAuthMethod()
		if err != nil {
			return nil, &AuthError{Err: fmt.Errorf("agent auth: %w", err)}
		}
		methods = append(methods, method)
		s.authMethods = append(s.authMethods, types.AuthMethodAgent)
	}
	if s.opts.Password != "" {
		pwAuth := &auth.PasswordAuthenticator{Password: s.opts.Password}
		method, err := pwAuth.GetAuthMethod()
		if err != nil {
			return nil, &AuthError{Err: fmt.Errorf("password auth: %w", err)}
		}
		methods = append(methods, method)
		s.authMethods = append(s.authMethods, types.AuthMethodPassword)
	}
	if len(methods) == 0 {
		return nil, &AuthError{Err: fmt.Errorf("no credentials supplied")}
	}
	cfg.Auth = methods

	return cfg, nil
}

// dialFunc opens the TCP leg a Session's SSH handshake runs over. The
// default is a plain net.Dialer; ConnectVia substitutes a dial through
// another Session's transport.
type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// connect performs the dial + handshake + auth sequence (the body of
// Registry.Connect), returning a typed AuthError/NetworkError on
// failure. It does not register anything; that's the Registry's job.
func connect(ctx context.Context, identity types.SessionIdentity, opts Options, dial dialFunc, onLost DisconnectCallback) (*Session, error) {
	opts = opts.withDefaults()

	s := &Session{
		identity:      identity,
		opts:          opts,
		onLost:        onLost,
		stopKeepAlive: make(chan struct{}),
	}

	cfg, err := s.buildClientConfig()
	if err != nil {
		return nil, err
	}

	addr := fmt.Sprintf("%s:%d", identity.Host, identity.Port)
	if dial == nil {
		dialer := net.Dialer{Timeout: opts.ConnectTimeout}
		dial = dialer.DialContext
	}
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, &NetworkError{Err: fmt.Errorf("dial %s: %w", addr, err)}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, &AuthError{Err: fmt.Errorf("authenticate with %s: %w", addr, err)}
		}
		return nil, &NetworkError{Err: fmt.Errorf("handshake with %s: %w", addr, err)}
	}

	s.client = ssh.NewClient(sshConn, chans, reqs)
	s.established = true
	s.connectedAt = time.Now()

	if opts.KeepAliveInterval > 0 {
		go s.keepAliveLoop(opts.KeepAliveInterval)
	}

	return s, nil
}

// keepAliveLoop sends periodic keep-alive requests; a missed response for
// two consecutive intervals triggers session.down and tears down the
// transport.
func (s *Session) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ticker.C:
			client := s.Client()
			if client == nil {
				return
			}
			// SendRequest blocks until the peer replies, so bound the wait
			// by one interval and count a silent peer as a miss.
			reply := make(chan error, 1)
			go func() {
				_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
				reply <- err
			}()
			var err error
			select {
			case err = <-reply:
			case <-time.After(interval):
				err = fmt.Errorf("no reply within %v", interval)
			case <-s.stopKeepAlive:
				return
			}
			if err != nil {
				misses++
				if misses >= 2 {
					s.markLost(fmt.Errorf("keep-alive: missed %d responses: %w", misses, err))
					return
				}
				continue
			}
			misses = 0
		case <-s.stopKeepAlive:
			return
		}
	}
}

func (s *Session) markLost(err error) {
	s.mu.Lock()
	if !s.established {
		s.mu.Unlock()
		return
	}
	s.established = false
	s.lastError = err
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client != nil {
		client.Close()
	}
	s.stopKeepAliveLoop()

	if s.onLost != nil {
		s.onLost(s.identity, err)
	}
}

func (s *Session) stopKeepAliveLoop() {
	s.keepAliveOnce.Do(func() { close(s.stopKeepAlive) })
}

// disconnect closes the transport. Idempotent.
func (s *Session) disconnect() error {
	s.mu.Lock()
	if !s.established {
		s.mu.Unlock()
		return nil
	}
	s.established = false
	client := s.client
	s.client = nil
	s.mu.Unlock()

	s.stopKeepAliveLoop()

	if client != nil {
		return client.Close()
	}
	return nil
}
