package forward

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hopwire/sshfwd/internal/events"
	"github.com/hopwire/sshfwd/pkg/types"
)

// refusingListenerDialer satisfies Listener but always refuses the
// reverse-forward registration, standing in for a peer that rejects the
// channel request.
type refusingListenerDialer struct{ connected bool }

func (d *refusingListenerDialer) Dial(network, address string) (net.Conn, error) {
	return net.Dial(network, address)
}
func (d *refusingListenerDialer) DialOriginator(network, address string, _ net.Addr) (net.Conn, error) {
	return net.Dial(network, address)
}
func (d *refusingListenerDialer) IsConnected() bool { return d.connected }
func (d *refusingListenerDialer) Listen(network, address string) (net.Listener, error) {
	return nil, errors.New("administratively prohibited")
}

func TestRemoteForwarderStartChannelRefused(t *testing.T) {
	bus := events.New()
	dialer := &refusingListenerDialer{connected: true}
	fwd := NewRemoteForwarder("remote:10.0.0.1:2222", "10.0.0.1", 2222, "127.0.0.1", 80, dialer, bus, zerolog.Nop(), nil)

	err := fwd.Start(context.Background())
	if err == nil {
		t.Fatal("expected Start to fail")
	}
	if _, ok := err.(*ChannelError); !ok {
		t.Fatalf("expected *ChannelError, got %T: %v", err, err)
	}

	status := fwd.Status()
	if status.Active {
		t.Fatal("expected forwarder to remain inactive")
	}
	if status.LastError == "" {
		t.Fatal("expected LastError to be set")
	}
}

// acceptOnceListenerDialer satisfies Listener, handing back a real TCP
// listener so RemoteForwarder's accept loop and byte pump can be
// exercised end to end.
type acceptOnceListenerDialer struct{ connected bool }

func (d *acceptOnceListenerDialer) Dial(network, address string) (net.Conn, error) {
	return net.Dial(network, address)
}
func (d *acceptOnceListenerDialer) DialOriginator(network, address string, _ net.Addr) (net.Conn, error) {
	return net.Dial(network, address)
}
func (d *acceptOnceListenerDialer) IsConnected() bool { return d.connected }
func (d *acceptOnceListenerDialer) Listen(network, address string) (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}

func TestRemoteForwarderReportsDirectionalBytes(t *testing.T) {
	// The local target replies with more data than the request carries,
	// so a naive swap in either direction would be caught by asserting
	// the exact byte counts rather than just that traffic flowed.
	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen target: %v", err)
	}
	defer targetLn.Close()

	request := []byte("hi")
	response := []byte("hello there, friend")

	go func() {
		conn, err := targetLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, len(request))
		io.ReadFull(conn, buf)
		conn.Write(response)
	}()

	_, targetPortStr, _ := net.SplitHostPort(targetLn.Addr().String())
	targetPort := mustAtoi(t, targetPortStr)

	bus := events.New()
	dialer := &acceptOnceListenerDialer{connected: true}
	fwd := NewRemoteForwarder("remote:127.0.0.1:0", "127.0.0.1", 0, "127.0.0.1", targetPort, dialer, bus, zerolog.Nop(), nil)

	if err := fwd.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer fwd.Stop()

	if fwd.ResolvedPort() == 0 {
		t.Fatal("expected a non-zero resolved port for remote_port==0")
	}

	fwd.mu.Lock()
	peerAddr := fwd.listener.Addr().String()
	fwd.mu.Unlock()

	conn, err := net.DialTimeout("tcp", peerAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial peer-side listener: %v", err)
	}
	defer conn.Close()

	conn.Write(request)
	got := make([]byte, len(response))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	io.ReadFull(conn, got)

	time.Sleep(50 * time.Millisecond)
	status := fwd.Status()
	if status.BytesReceived != int64(len(request)) {
		t.Fatalf("expected BytesReceived %d (request into local target), got %d", len(request), status.BytesReceived)
	}
	if status.BytesSent != int64(len(response)) {
		t.Fatalf("expected BytesSent %d (response back to peer), got %d", len(response), status.BytesSent)
	}
}

func TestRemoteForwarderEphemeralPortRebindsIdentity(t *testing.T) {
	bus := events.New()
	reg := New(bus, zerolog.Nop())
	dialer := &acceptOnceListenerDialer{connected: true}
	identity := types.SessionIdentity{Host: "h", Port: 22, Username: "u"}

	rule := types.ForwardingRule{Type: types.KindRemote, LocalHost: "127.0.0.1", LocalPort: 80, RemoteHost: "127.0.0.1", RemotePort: 0}
	placeholder, err := reg.Add(rule, identity, dialer, dialer)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if placeholder != "remote:127.0.0.1:0" {
		t.Fatalf("unexpected placeholder identity %q", placeholder)
	}

	if err := reg.Start(context.Background(), placeholder); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The placeholder key must be gone, replaced by the resolved one.
	if _, err := reg.Status(placeholder); err == nil {
		t.Fatal("expected placeholder identity to be replaced after Start")
	}
	statuses := reg.List()
	if len(statuses) != 1 {
		t.Fatalf("expected exactly one forwarder, got %d", len(statuses))
	}
	resolved := statuses[0].ID
	if resolved == placeholder {
		t.Fatalf("identity %q was not rewritten", resolved)
	}
	status, err := reg.Status(resolved)
	if err != nil {
		t.Fatalf("Status(%q): %v", resolved, err)
	}
	if status.ID != resolved || !status.Active {
		t.Fatalf("expected active forwarder under resolved id, got %+v", status)
	}

	if err := reg.Stop(resolved); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

