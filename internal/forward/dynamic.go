package forward

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hopwire/sshfwd/internal/events"
	"github.com/hopwire/sshfwd/pkg/types"
)

// SOCKS5 protocol constants per RFC 1928.
const (
	socks5Version = 0x05

	socks5AuthNone = 0x00

	socks5CmdConnect = 0x01

	socks5AtypIPv4   = 0x01
	socks5AtypDomain = 0x03
	socks5AtypIPv6   = 0x04

	socks5ReplySucceeded           = 0x00
	socks5ReplyCommandNotSupported = 0x07
	socks5ReplyAtypNotSupported    = 0x08
	socks5ReplyHostUnreachable     = 0x04
	socks5ReplyGeneralFailure      = 0x01
)

const socks5NegotiationTimeout = 30 * time.Second

// DynamicForwarder binds a local TCP listener speaking the SOCKS5
// protocol and proxies each CONNECT request to the address requested by
// the client, dialed through a Session.
type DynamicForwarder struct {
	id       string
	bindHost string
	bindPort int
	dialer   SessionDialer
	bus      *events.Bus
	log      zerolog.Logger

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

// NewDynamicForwarder constructs a DynamicForwarder bound to
// bindHost:bindPort, dialing upstream targets through dialer.
func NewDynamicForwarder(id, bindHost string, bindPort int, dialer SessionDialer, bus *events.Bus, log zerolog.Logger) *DynamicForwarder {
	return &DynamicForwarder{
		id:       id,
		bindHost: bindHost,
		bindPort: bindPort,
		dialer:   dialer,
		bus:      bus,
		log:      log.With().Str("forwarder", id).Str("kind", string(types.KindDynamic)).Logger(),
	}
}

func (f *DynamicForwarder) Start(ctx context.Context) error {
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

func (f *DynamicForwarder) acceptLoop(ctx context.Context, ln net.Listener) {
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

func (f *DynamicForwarder) handleConnection(ctx context.Context, conn net.Conn) {
	defer f.activeConns.Done()
	defer atomic.AddInt32(&f.connCount, -1)

	conn.SetDeadline(time.Now().Add(socks5NegotiationTimeout))

	target, err := f.socks5Handshake(conn)
	if err != nil {
		f.log.Debug().Err(err).Msg("socks5 handshake failed")
		conn.Close()
		return
	}

	remote, err := f.dialer.DialOriginator("tcp", target, conn.RemoteAddr())
	if err != nil {
		f.log.Debug().Err(err).Str("target", target).Msg("socks5 upstream dial failed")
		f.socks5Reply(conn, socks5ReplyHostUnreachable)
		conn.Close()
		return
	}

	if err := f.socks5Reply(conn, socks5ReplySucceeded); err != nil {
		remote.Close()
		conn.Close()
		return
	}

	conn.SetDeadline(time.Time{})

	tc := f.track(conn.RemoteAddr().String())
	defer f.untrack(tc)

	pump := NewBytePump(f.id, f.bus, f.log,
		[]*int64{&f.bytesSent, &tc.bytesSent},
		[]*int64{&f.bytesReceived, &tc.bytesReceived})
	pump.Run(ctx, conn, remote)
}

// socks5Handshake reads the version greeting and the subsequent request,
// returning the requested "host:port" target on success. Any protocol
// violation yields an error and, where the protocol demands it, a reply
// is sent before returning.
func (f *DynamicForwarder) socks5Handshake(conn net.Conn) (string, error) {
	greeting := make([]byte, 2)
	if _, err := io.ReadFull(conn, greeting); err != nil {
		return "", fmt.Errorf("read greeting: %w", err)
	}
	if greeting[0] != socks5Version {
		return "", fmt.Errorf("unsupported socks version %d", greeting[0])
	}
	nMethods := int(greeting[1])
	methods := make([]byte, nMethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", fmt.Errorf("read auth methods: %w", err)
	}
	if _, err := conn.Write([]byte{socks5Version, socks5AuthNone}); err != nil {
		return "", fmt.Errorf("write method selection: %w", err)
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", fmt.Errorf("read request header: %w", err)
	}
	if header[0] != socks5Version {
		return "", fmt.Errorf("unsupported socks version %d", header[0])
	}
	if header[1] != socks5CmdConnect {
		f.socks5Reply(conn, socks5ReplyCommandNotSupported)
		return "", fmt.Errorf("unsupported command %d", header[1])
	}

	var host string
	switch header[3] {
	case socks5AtypIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", fmt.Errorf("read ipv4 address: %w", err)
		}
		host = net.IP(addr).String()
	case socks5AtypIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", fmt.Errorf("read ipv6 address: %w", err)
		}
		host = net.IP(addr).String()
	case socks5AtypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return "", fmt.Errorf("read domain length: %w", err)
		}
		if lenBuf[0] == 0 {
			f.socks5Reply(conn, socks5ReplyAtypNotSupported)
			return "", fmt.Errorf("zero-length domain name")
		}
		domain := make([]byte, int(lenBuf[0]))
		if _, err := io.ReadFull(conn, domain); err != nil {
			return "", fmt.Errorf("read domain: %w", err)
		}
		host = string(domain)
	default:
		f.socks5Reply(conn, socks5ReplyAtypNotSupported)
		return "", fmt.Errorf("unsupported address type %d", header[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return "", fmt.Errorf("read port: %w", err)
	}
	port := binary.BigEndian.Uint16(portBuf)

	return fmt.Sprintf("%s:%d", host, port), nil
}

// socks5Reply writes a SOCKS5 reply with a zeroed bind address and the
// given status byte.
func (f *DynamicForwarder) socks5Reply(conn net.Conn, status byte) error {
	reply := []byte{
		socks5Version, status, 0x00, socks5AtypIPv4,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00,
	}
	_, err := conn.Write(reply)
	return err
}

func (f *DynamicForwarder) Stop() error {
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

func (f *DynamicForwarder) Status() types.ForwarderStatus {
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
		Kind:            types.KindDynamic,
		State:           state,
		Active:          atomic.LoadInt32(&f.active) == 1,
		ConnectionCount: int(atomic.LoadInt32(&f.connCount)),
		BytesSent:       atomic.LoadInt64(&f.bytesSent),
		BytesReceived:   atomic.LoadInt64(&f.bytesReceived),
		UptimeSeconds:   uptime,
		LastError:       lastError,
	}
}
