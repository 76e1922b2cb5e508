// Package forward implements the forwarding registry: local, remote,
// dynamic (SOCKS5), and internal TCP forwarding rules, each dialing
// through a Session borrowed from the transport layer.
package forward

import (
	"context"
	"io"
	"net"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/hopwire/sshfwd/internal/events"
)

// pumpCopyBufferSize is the chunk size used for each read/write cycle.
const pumpCopyBufferSize = 4096

// BytePump copies bytes bidirectionally between two net.Conns, crediting
// every completed write to every counter in sentCounters/receivedCounters
// (the caller typically supplies one forwarder-wide aggregate and one
// per-connection counter, so both stay in lockstep) and publishing
// forwarder.traffic events, until either side closes or ctx is
// cancelled. Both endpoints are always closed exactly once, from here,
// regardless of which side errors first.
type BytePump struct {
	forwarderID string
	bus         *events.Bus
	log         zerolog.Logger

	sentCounters     []*int64
	receivedCounters []*int64
}

// NewBytePump constructs a BytePump that attributes its traffic events
// to forwarderID. Every byte copied from local to remote is added to
// each pointer in sentCounters; every byte copied from remote to local
// is added to each pointer in receivedCounters.
func NewBytePump(forwarderID string, bus *events.Bus, log zerolog.Logger, sentCounters, receivedCounters []*int64) *BytePump {
	return &BytePump{forwarderID: forwarderID, bus: bus, log: log, sentCounters: sentCounters, receivedCounters: receivedCounters}
}

// Run pumps bytes between local and remote until one side closes, ctx is
// cancelled, or an I/O error occurs on either leg. It always closes both
// conns before returning, exactly once each.
func (p *BytePump) Run(ctx context.Context, local, remote net.Conn) {
	defer local.Close()
	defer remote.Close()

	done := make(chan struct{}, 2)

	go p.copyLoop(remote, local, p.sentCounters, true, done)
	go p.copyLoop(local, remote, p.receivedCounters, false, done)

	select {
	case <-ctx.Done():
	case <-done:
		// One direction finished (EOF or error); the deferred Close calls
		// tear both endpoints down, which also unblocks the other copy.
	}
}

func (p *BytePump) copyLoop(dst, src net.Conn, counters []*int64, isSent bool, done chan<- struct{}) {
	buf := make([]byte, pumpCopyBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if werr := writeAll(dst, buf[:n]); werr != nil {
				done <- struct{}{}
				return
			}
			for _, c := range counters {
				atomic.AddInt64(c, int64(n))
			}
			p.publishTraffic(isSent, int64(n))
		}
		if err != nil {
			if err != io.EOF {
				p.log.Debug().Str("forwarder", p.forwarderID).Err(err).Msg("pump read error")
			}
			done <- struct{}{}
			return
		}
	}
}

func (p *BytePump) publishTraffic(isSent bool, n int64) {
	if p.bus == nil {
		return
	}
	if isSent {
		p.bus.Publish(events.Traffic(p.forwarderID, n, 0))
	} else {
		p.bus.Publish(events.Traffic(p.forwarderID, 0, n))
	}
}

// writeAll writes the full buffer: a short write from the kernel is not
// treated as a completed copy.
func writeAll(w net.Conn, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
