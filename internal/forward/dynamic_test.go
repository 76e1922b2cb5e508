package forward

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hopwire/sshfwd/internal/events"
)

func startDynamicForwarder(t *testing.T) (*DynamicForwarder, func()) {
	t.Helper()
	bus := events.New()
	dialer := &passthroughDialer{connected: true}
	fwd := NewDynamicForwarder("dynamic:127.0.0.1:0", "127.0.0.1", 0, dialer, bus, zerolog.Nop())
	if err := fwd.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return fwd, func() { fwd.Stop() }
}

func TestDynamicForwarderConnectRoundTrip(t *testing.T) {
	echoAddr, stopEcho := startEchoServer(t)
	defer stopEcho()

	fwd, stop := startDynamicForwarder(t)
	defer stop()

	fwd.mu.Lock()
	socksAddr := fwd.listener.Addr().String()
	fwd.mu.Unlock()

	conn, err := net.DialTimeout("tcp", socksAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial socks listener: %v", err)
	}
	defer conn.Close()

	// Greeting: version 5, one method, no-auth.
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	resp := make([]byte, 2)
	if _, err := readFull(conn, resp); err != nil {
		t.Fatalf("read method selection: %v", err)
	}
	if resp[0] != 0x05 || resp[1] != 0x00 {
		t.Fatalf("unexpected method selection: %v", resp)
	}

	echoHost, echoPortStr, _ := net.SplitHostPort(echoAddr)
	_ = echoHost
	echoPort := mustAtoi(t, echoPortStr)

	req := []byte{0x05, socks5CmdConnect, 0x00, socks5AtypIPv4, 127, 0, 0, 1, 0, 0}
	binary.BigEndian.PutUint16(req[8:], uint16(echoPort))
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write connect request: %v", err)
	}

	reply := make([]byte, 10)
	if _, err := readFull(conn, reply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if reply[1] != socks5ReplySucceeded {
		t.Fatalf("expected succeeded reply, got status %d", reply[1])
	}

	msg := []byte("socks round trip\n")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	echoBuf := make([]byte, len(msg))
	if _, err := readFull(conn, echoBuf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(echoBuf) != string(msg) {
		t.Fatalf("expected echo %q, got %q", msg, echoBuf)
	}
}

func TestDynamicForwarderRejectsUnsupportedCommand(t *testing.T) {
	fwd, stop := startDynamicForwarder(t)
	defer stop()

	fwd.mu.Lock()
	socksAddr := fwd.listener.Addr().String()
	fwd.mu.Unlock()

	conn, err := net.DialTimeout("tcp", socksAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial socks listener: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte{0x05, 0x01, 0x00})
	resp := make([]byte, 2)
	readFull(conn, resp)

	// BIND (0x02) is unsupported; server should reply 0x07 then close.
	req := []byte{0x05, 0x02, 0x00, socks5AtypIPv4, 127, 0, 0, 1, 0, 80}
	conn.Write(req)

	reply := make([]byte, 10)
	if _, err := readFull(conn, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != socks5ReplyCommandNotSupported {
		t.Fatalf("expected command-not-supported (7), got %d", reply[1])
	}
}

func TestDynamicForwarderRejectsZeroLengthDomain(t *testing.T) {
	fwd, stop := startDynamicForwarder(t)
	defer stop()

	fwd.mu.Lock()
	socksAddr := fwd.listener.Addr().String()
	fwd.mu.Unlock()

	conn, err := net.DialTimeout("tcp", socksAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial socks listener: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte{0x05, 0x01, 0x00})
	resp := make([]byte, 2)
	readFull(conn, resp)

	// ATYP=0x03 (domain) with a zero-length name.
	req := []byte{0x05, socks5CmdConnect, 0x00, socks5AtypDomain, 0x00, 0x00, 80}
	conn.Write(req)

	reply := make([]byte, 10)
	if _, err := readFull(conn, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != socks5ReplyAtypNotSupported {
		t.Fatalf("expected atyp-not-supported (%d), got %d", socks5ReplyAtypNotSupported, reply[1])
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
