package forward

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hopwire/sshfwd/pkg/types"
)

// trackedConn is one live proxied TCP flow. Its byte counters are updated
// in place by the BytePump handling it, so a snapshot taken mid-transfer
// reflects bytes actually copied so far, not just bytes copied by the
// time the connection closed.
type trackedConn struct {
	id            string
	peerAddr      string
	startedAt     int64
	bytesSent     int64
	bytesReceived int64
}

func (c *trackedConn) snapshot() types.ConnectionInfo {
	return types.ConnectionInfo{
		ID:            c.id,
		PeerAddr:      c.peerAddr,
		StartedAt:     c.startedAt,
		BytesSent:     atomic.LoadInt64(&c.bytesSent),
		BytesReceived: atomic.LoadInt64(&c.bytesReceived),
	}
}

// connTracker is embedded by each forwarder kind to maintain the set of
// currently live connections it is proxying.
type connTracker struct {
	connMu sync.Mutex
	conns  map[string]*trackedConn
}

// track registers a new live connection from peerAddr and returns its
// record. Callers must untrack it once the connection finishes.
func (t *connTracker) track(peerAddr string) *trackedConn {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conns == nil {
		t.conns = make(map[string]*trackedConn)
	}
	c := &trackedConn{id: uuid.NewString(), peerAddr: peerAddr, startedAt: time.Now().UnixNano()}
	t.conns[c.id] = c
	return c
}

func (t *connTracker) untrack(c *trackedConn) {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	delete(t.conns, c.id)
}

// Connections returns a snapshot of every connection currently being
// proxied. The sum of BytesSent/BytesReceived across the result is
// always at most the forwarder's own cumulative totals, since those
// also include connections that have already closed.
func (t *connTracker) Connections() []types.ConnectionInfo {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	out := make([]types.ConnectionInfo, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c.snapshot())
	}
	return out
}
