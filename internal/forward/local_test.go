package forward

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hopwire/sshfwd/internal/events"
	"github.com/hopwire/sshfwd/pkg/types"
)

// passthroughDialer satisfies SessionDialer by dialing the real network,
// standing in for a Session during unit tests that don't need a live SSH
// peer.
type passthroughDialer struct{ connected bool }

func (d *passthroughDialer) Dial(network, address string) (net.Conn, error) {
	return net.Dial(network, address)
}

func (d *passthroughDialer) DialOriginator(network, address string, _ net.Addr) (net.Conn, error) {
	return net.Dial(network, address)
}

func (d *passthroughDialer) IsConnected() bool { return d.connected }

func startEchoServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func TestLocalForwarderEchoRoundTrip(t *testing.T) {
	echoAddr, stopEcho := startEchoServer(t)
	defer stopEcho()

	echoHost, echoPort, err := net.SplitHostPort(echoAddr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	_ = echoHost

	bus := events.New()
	dialer := &passthroughDialer{connected: true}
	fwd := NewLocalForwarder("local:127.0.0.1:0", "127.0.0.1", 0, "127.0.0.1", mustAtoi(t, echoPort), dialer, bus, zerolog.Nop())

	if err := fwd.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer fwd.Stop()

	// Find the actual bound port since we asked for :0.
	status := fwd.Status()
	if !status.Active {
		t.Fatal("expected forwarder to be active after Start")
	}

	fwd.mu.Lock()
	boundAddr := fwd.listener.Addr().String()
	fwd.mu.Unlock()

	conn, err := net.DialTimeout("tcp", boundAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial forwarder: %v", err)
	}
	defer conn.Close()

	msg := "hello through the tunnel\n"
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != msg {
		t.Fatalf("expected echo %q, got %q", msg, line)
	}
}

func TestLocalForwarderBindConflict(t *testing.T) {
	bus := events.New()
	dialer := &passthroughDialer{connected: true}

	first := NewLocalForwarder("local:127.0.0.1:19999", "127.0.0.1", 19999, "127.0.0.1", 80, dialer, bus, zerolog.Nop())
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer first.Stop()

	second := NewLocalForwarder("local:127.0.0.1:19999", "127.0.0.1", 19999, "127.0.0.1", 80, dialer, bus, zerolog.Nop())
	err := second.Start(context.Background())
	if err == nil {
		second.Stop()
		t.Fatal("expected bind conflict error")
	}
	if _, ok := err.(*BindError); !ok {
		t.Fatalf("expected *BindError, got %T: %v", err, err)
	}
}

func TestForwardRegistryDuplicateAdd(t *testing.T) {
	bus := events.New()
	reg := New(bus, zerolog.Nop())
	dialer := &passthroughDialer{connected: true}
	identity := types.SessionIdentity{Host: "h", Port: 22, Username: "u"}

	rule := types.ForwardingRule{Type: types.KindLocal, LocalHost: "127.0.0.1", LocalPort: 8080, RemoteHost: "10.0.0.1", RemotePort: 80}

	if _, err := reg.Add(rule, identity, dialer, nil); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	_, err := reg.Add(rule, identity, dialer, nil)
	if _, ok := err.(*DuplicateError); !ok {
		t.Fatalf("expected *DuplicateError, got %v (%T)", err, err)
	}
}

func TestForwardRegistryStopAllForSession(t *testing.T) {
	bus := events.New()
	reg := New(bus, zerolog.Nop())
	dialer := &passthroughDialer{connected: true}
	identity := types.SessionIdentity{Host: "h", Port: 22, Username: "u"}

	rule := types.ForwardingRule{Type: types.KindLocal, LocalHost: "127.0.0.1", LocalPort: 18080, RemoteHost: "10.0.0.1", RemotePort: 80}
	id, err := reg.Add(rule, identity, dialer, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := reg.Start(context.Background(), id); err != nil {
		t.Fatalf("Start: %v", err)
	}

	reg.StopAllForSession(identity)

	status, err := reg.Status(id)
	if err != nil {
		t.Fatalf("expected forwarder to remain registered after StopAllForSession, got: %v", err)
	}
	if status.Active {
		t.Fatal("expected forwarder to be inactive after StopAllForSession")
	}
}

func TestLocalForwarderStartIdempotent(t *testing.T) {
	bus := events.New()
	dialer := &passthroughDialer{connected: true}
	fwd := NewLocalForwarder("local:127.0.0.1:0", "127.0.0.1", 0, "127.0.0.1", 80, dialer, bus, zerolog.Nop())

	if err := fwd.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer fwd.Stop()

	if err := fwd.Start(context.Background()); err != nil {
		t.Fatalf("second Start should be a no-op, got: %v", err)
	}
	if !fwd.Status().Active {
		t.Fatal("expected forwarder to remain active after a redundant Start")
	}
}

func TestLocalForwarderDialFailureRecordsLastError(t *testing.T) {
	// Grab a port that is guaranteed closed by listening and releasing it.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen probe: %v", err)
	}
	_, closedPortStr, _ := net.SplitHostPort(probe.Addr().String())
	probe.Close()
	closedPort := mustAtoi(t, closedPortStr)

	bus := events.New()
	dialer := &passthroughDialer{connected: true}
	fwd := NewLocalForwarder("local:127.0.0.1:0", "127.0.0.1", 0, "127.0.0.1", closedPort, dialer, bus, zerolog.Nop())

	if err := fwd.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer fwd.Stop()

	fwd.mu.Lock()
	boundAddr := fwd.listener.Addr().String()
	fwd.mu.Unlock()

	conn, err := net.DialTimeout("tcp", boundAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial forwarder: %v", err)
	}
	defer conn.Close()

	// The upstream dial fails; the client socket is closed but the
	// forwarder stays up with the failure recorded.
	deadline := time.Now().Add(2 * time.Second)
	for {
		status := fwd.Status()
		if status.LastError != "" {
			if !status.Active {
				t.Fatal("expected forwarder to remain active after a per-connection failure")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for LastError to be recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLocalForwarderStopThenRestart(t *testing.T) {
	bus := events.New()
	dialer := &passthroughDialer{connected: true}
	fwd := NewLocalForwarder("local:127.0.0.1:0", "127.0.0.1", 0, "127.0.0.1", 80, dialer, bus, zerolog.Nop())

	if err := fwd.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := fwd.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if fwd.Status().Active {
		t.Fatal("expected forwarder inactive after Stop")
	}
	if err := fwd.Stop(); err != nil {
		t.Fatalf("redundant Stop should be a no-op, got: %v", err)
	}

	if err := fwd.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer fwd.Stop()

	status := fwd.Status()
	if !status.Active {
		t.Fatal("expected forwarder active after restart")
	}

	// The restarted listener must actually accept.
	fwd.mu.Lock()
	boundAddr := fwd.listener.Addr().String()
	fwd.mu.Unlock()
	conn, err := net.DialTimeout("tcp", boundAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial restarted forwarder: %v", err)
	}
	conn.Close()
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			t.Fatalf("not a port: %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n
}
