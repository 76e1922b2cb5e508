package forward

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hopwire/sshfwd/internal/events"
)

func TestLocalForwarderConnectionsMatchAggregate(t *testing.T) {
	echoAddr, stopEcho := startEchoServer(t)
	defer stopEcho()

	echoHost, echoPortStr, _ := net.SplitHostPort(echoAddr)
	_ = echoHost

	bus := events.New()
	dialer := &passthroughDialer{connected: true}
	fwd := NewLocalForwarder("local:127.0.0.1:0", "127.0.0.1", 0, "127.0.0.1", mustAtoi(t, echoPortStr), dialer, bus, zerolog.Nop())

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

	msg := []byte("track me\n")
	conn.Write(msg)
	readBuf := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	conn.Read(readBuf)

	live := fwd.Connections()
	if len(live) != 1 {
		t.Fatalf("expected 1 live connection, got %d", len(live))
	}
	if live[0].PeerAddr == "" {
		t.Fatal("expected PeerAddr to be populated")
	}

	var liveSent, liveReceived int64
	for _, c := range live {
		liveSent += c.BytesSent
		liveReceived += c.BytesReceived
	}

	status := fwd.Status()
	if liveSent > status.BytesSent || liveReceived > status.BytesReceived {
		t.Fatalf("live connection totals (%d sent, %d received) exceed forwarder aggregate (%d sent, %d received)",
			liveSent, liveReceived, status.BytesSent, status.BytesReceived)
	}

	conn.Close()
	time.Sleep(50 * time.Millisecond)

	if len(fwd.Connections()) != 0 {
		t.Fatal("expected connection to be untracked after close")
	}
}
