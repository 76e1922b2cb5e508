package forward

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hopwire/sshfwd/internal/events"
	"github.com/hopwire/sshfwd/pkg/types"
)

// RemoteForwarder asks the SSH peer to listen on its side and proxies
// every connection the peer accepts back to a local target. When the
// configured remote port is 0, the peer chooses an ephemeral port;
// RemoteForwarder then rewrites its own registry identity to the port
// the peer actually bound, under the ForwarderRegistry's lock.
type RemoteForwarder struct {
	id          string
	remoteHost  string
	remotePort  int
	localHost   string
	localPort   int
	dialer      Listener
	bus         *events.Bus
	log         zerolog.Logger
	onBound     func(resolvedPort int)

	connTracker

	mu           sync.Mutex
	listener     net.Listener
	cancel       context.CancelFunc
	startedAt    time.Time
	state        types.ForwarderState
	active       int32
	connCount    int32
	activeConns  sync.WaitGroup
	resolvedPort int
	lastError    string

	bytesSent     int64
	bytesReceived int64
}

// ChannelError wraps the peer's refusal of the reverse-forward
// registration requested by Start. A failed local dial for an accepted
// connection is not reported through it; that connection is just closed.
type ChannelError struct {
	Address string
	Err     error
}

func (e *ChannelError) Error() string { return fmt.Sprintf("channel %s: %v", e.Address, e.Err) }
func (e *ChannelError) Unwrap() error { return e.Err }

// NewRemoteForwarder constructs a RemoteForwarder. onBound, if non-nil, is
// invoked once Start succeeds with the port the peer actually bound
// (equal to remotePort unless remotePort was 0), so the owning registry
// can rewrite this forwarder's identity key.
func NewRemoteForwarder(id, remoteHost string, remotePort int, localHost string, localPort int, dialer Listener, bus *events.Bus, log zerolog.Logger, onBound func(int)) *RemoteForwarder {
	return &RemoteForwarder{
		id:         id,
		remoteHost: remoteHost,
		remotePort: remotePort,
		localHost:  localHost,
		localPort:  localPort,
		dialer:     dialer,
		bus:        bus,
		log:        log.With().Str("forwarder", id).Str("kind", string(types.KindRemote)).Logger(),
		onBound:    onBound,
	}
}

func (f *RemoteForwarder) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.listener != nil {
		f.mu.Unlock()
		return nil
	}

	if !f.dialer.IsConnected() {
		f.mu.Unlock()
		return fmt.Errorf("forwarder %s: underlying session not connected", f.id)
	}

	f.state = types.StateStarting
	addr := fmt.Sprintf("%s:%d", f.remoteHost, f.remotePort)
	ln, err := f.dialer.Listen("tcp", addr)
	if err != nil {
		f.state = types.StateInactive
		f.lastError = err.Error()
		f.mu.Unlock()
		return &ChannelError{Address: addr, Err: err}
	}

	resolved := f.remotePort
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		resolved = tcpAddr.Port
	}

	runCtx, cancel := context.WithCancel(ctx)
	f.listener = ln
	f.cancel = cancel
	f.startedAt = time.Now()
	f.resolvedPort = resolved
	f.state = types.StateActive
	f.lastError = ""
	f.mu.Unlock()

	// Resolve the ephemeral identity before announcing the forwarder as
	// active, so the state event already carries the rewritten key.
	if f.remotePort == 0 && f.onBound != nil {
		f.onBound(resolved)
	}

	atomic.StoreInt32(&f.active, 1)
	f.bus.Publish(events.ForwarderActive(f.currentID()))
	f.log.Info().Str("remote", addr).Int("resolved_port", resolved).Msg("forwarder started")

	go f.acceptLoop(runCtx, ln)
	return nil
}

// rename is called by the owning registry when a remote_port==0 identity
// is rebound to the port the peer allocated, so Status and subsequent
// events report the resolved key instead of the placeholder.
func (f *RemoteForwarder) rename(id string) {
	f.mu.Lock()
	f.id = id
	f.mu.Unlock()
}

func (f *RemoteForwarder) currentID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

func (f *RemoteForwarder) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := acceptWithWake(ctx, ln)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				f.log.Warn().Err(err).Msg("accept error")
			}
			return
		}

		f.activeConns.Add(1)
		atomic.AddInt32(&f.connCount, 1)
		go f.handleConnection(ctx, conn)
	}
}

func (f *RemoteForwarder) handleConnection(ctx context.Context, remote net.Conn) {
	defer f.activeConns.Done()
	defer atomic.AddInt32(&f.connCount, -1)

	target := fmt.Sprintf("%s:%d", f.localHost, f.localPort)
	local, err := net.Dial("tcp", target)
	if err != nil {
		f.log.Warn().Err(err).Str("target", target).Msg("dial local target failed")
		remote.Close()
		return
	}

	tc := f.track(remote.RemoteAddr().String())
	defer f.untrack(tc)

	// remote is the connection accepted on the peer's side; local is our
	// own dial. Run(ctx, remote, local) therefore copies peer->local as
	// its "sent" direction and local->peer as "received" -- the opposite
	// of what this forwarder reports, so the counters below are passed
	// swapped to correct for it.
	pump := NewBytePump(f.currentID(), f.bus, f.log,
		[]*int64{&f.bytesReceived, &tc.bytesReceived},
		[]*int64{&f.bytesSent, &tc.bytesSent})
	pump.Run(ctx, remote, local)
}

// Stop cancels the reverse forward (closing the peer-side listener sends
// cancel-tcpip-forward) before tearing down live connections.
func (f *RemoteForwarder) Stop() error {
	f.mu.Lock()
	ln := f.listener
	cancel := f.cancel
	f.listener = nil
	f.cancel = nil
	if ln != nil {
		f.state = types.StateStopping
	}
	f.mu.Unlock()

	if ln == nil {
		return nil
	}

	atomic.StoreInt32(&f.active, 0)
	stopErr := ln.Close()
	cancel()

	done := make(chan struct{})
	go func() {
		f.activeConns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		f.log.Warn().Msg("forwarder stop timed out waiting for active connections")
	}

	f.mu.Lock()
	f.state = types.StateInactive
	f.mu.Unlock()

	f.bus.Publish(events.ForwarderInactive(f.currentID(), nil))
	f.log.Info().Msg("forwarder stopped")
	return stopErr
}

func (f *RemoteForwarder) Status() types.ForwarderStatus {
	f.mu.Lock()
	id := f.id
	state := f.state
	started := f.startedAt
	lastError := f.lastError
	f.mu.Unlock()

	if state == "" {
		state = types.StateInactive
	}

	var uptime float64
	if !started.IsZero() {
		uptime = time.Since(started).Seconds()
	}

	return types.ForwarderStatus{
		ID:              id,
		Kind:            types.KindRemote,
		State:           state,
		Active:          atomic.LoadInt32(&f.active) == 1,
		ConnectionCount: int(atomic.LoadInt32(&f.connCount)),
		BytesSent:       atomic.LoadInt64(&f.bytesSent),
		BytesReceived:   atomic.LoadInt64(&f.bytesReceived),
		UptimeSeconds:   uptime,
		LastError:       lastError,
	}
}

// ResolvedPort returns the port actually bound on the remote peer.
func (f *RemoteForwarder) ResolvedPort() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolvedPort
}
