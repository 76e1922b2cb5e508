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

// LocalForwarder binds a local TCP listener and proxies every accepted
// connection to a fixed remote host:port, dialed through a Session.
// InternalForwarder is the same shape with a different target source, so
// it is implemented as a thin wrapper (see internal.go).
type LocalForwarder struct {
	id         string
	bindHost   string
	bindPort   int
	targetHost string
	targetPort int
	dialer     SessionDialer
	bus        *events.Bus
	log        zerolog.Logger
	reportKind types.ForwarderKind

	connTracker

	mu          sync.Mutex
	listener    net.Listener
	cancel      context.CancelFunc
	startedAt   time.Time
	state       types.ForwarderState
	active      int32
	connCount   int32
	activeConns sync.WaitGroup
	lastError   string

	bytesSent     int64
	bytesReceived int64
}

// NewLocalForwarder constructs a LocalForwarder for id, binding bindHost:bindPort
// and proxying to targetHost:targetPort via dialer.
func NewLocalForwarder(id, bindHost string, bindPort int, targetHost string, targetPort int, dialer SessionDialer, bus *events.Bus, log zerolog.Logger) *LocalForwarder {
	return &LocalForwarder{
		id:         id,
		bindHost:   bindHost,
		bindPort:   bindPort,
		targetHost: targetHost,
		targetPort: targetPort,
		dialer:     dialer,
		bus:        bus,
		log:        log.With().Str("forwarder", id).Str("kind", string(types.KindLocal)).Logger(),
		reportKind: types.KindLocal,
	}
}

// BindError wraps a listener bind failure (e.g. address already in use).
type BindError struct {
	Address string
	Err     error
}

func (e *BindError) Error() string { return fmt.Sprintf("bind %s: %v", e.Address, e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

func (f *LocalForwarder) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.listener != nil {
		f.mu.Unlock()
		return nil
	}

	f.state = types.StateStarting
	addr := fmt.Sprintf("%s:%d", f.bindHost, f.bindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		f.state = types.StateInactive
		f.lastError = err.Error()
		f.mu.Unlock()
		return &BindError{Address: addr, Err: err}
	}

	runCtx, cancel := context.WithCancel(ctx)
	f.listener = ln
	f.cancel = cancel
	f.startedAt = time.Now()
	f.state = types.StateActive
	f.lastError = ""
	f.mu.Unlock()

	atomic.StoreInt32(&f.active, 1)
	f.bus.Publish(events.ForwarderActive(f.id))
	f.log.Info().Str("bind", addr).Msg("forwarder started")

	go f.acceptLoop(runCtx, ln)
	return nil
}

// acceptWake bounds how long an accept loop blocks before re-checking
// its cancellation state.
const acceptWake = time.Second

// deadlineListener is satisfied by *net.TCPListener; SSH reverse-forward
// listeners don't support deadlines and rely on Close to unblock Accept.
type deadlineListener interface{ SetDeadline(time.Time) error }

func acceptWithWake(ctx context.Context, ln net.Listener) (net.Conn, error) {
	dl, _ := ln.(deadlineListener)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if dl != nil {
			dl.SetDeadline(time.Now().Add(acceptWake))
		}
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return nil, err
		}
		return conn, nil
	}
}

func (f *LocalForwarder) acceptLoop(ctx context.Context, ln net.Listener) {
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

func (f *LocalForwarder) handleConnection(ctx context.Context, local net.Conn) {
	defer f.activeConns.Done()
	defer atomic.AddInt32(&f.connCount, -1)

	target := fmt.Sprintf("%s:%d", f.targetHost, f.targetPort)
	remote, err := f.dialer.DialOriginator("tcp", target, local.RemoteAddr())
	if err != nil {
		f.mu.Lock()
		f.lastError = err.Error()
		f.mu.Unlock()
		f.log.Warn().Err(err).Str("target", target).Msg("dial target failed")
		local.Close()
		return
	}

	tc := f.track(local.RemoteAddr().String())
	defer f.untrack(tc)

	pump := NewBytePump(f.id, f.bus, f.log,
		[]*int64{&f.bytesSent, &tc.bytesSent},
		[]*int64{&f.bytesReceived, &tc.bytesReceived})
	pump.Run(ctx, local, remote)
}

// stopGrace bounds how long Stop waits for in-flight connections to
// drain before returning anyway.
const stopGrace = 10 * time.Second

func (f *LocalForwarder) Stop() error {
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
	cancel()
	stopErr := ln.Close()

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

	f.bus.Publish(events.ForwarderInactive(f.id, nil))
	f.log.Info().Msg("forwarder stopped")
	return stopErr
}

func (f *LocalForwarder) Status() types.ForwarderStatus {
	f.mu.Lock()
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
		ID:              f.id,
		Kind:            f.reportKind,
		State:           state,
		Active:          atomic.LoadInt32(&f.active) == 1,
		ConnectionCount: int(atomic.LoadInt32(&f.connCount)),
		BytesSent:       atomic.LoadInt64(&f.bytesSent),
		BytesReceived:   atomic.LoadInt64(&f.bytesReceived),
		UptimeSeconds:   uptime,
		LastError:       lastError,
	}
}
