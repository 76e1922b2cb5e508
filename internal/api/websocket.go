package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hopwire/sshfwd/internal/events"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsBroadcastWait  = 100 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wireEvent is the JSON shape an events.Event is translated to for
// wire delivery.
type wireEvent struct {
	Type            string `json:"type"`
	SessionIdentity string `json:"session_identity,omitempty"`
	Up              bool   `json:"up,omitempty"`
	ForwarderID     string `json:"forwarder_id,omitempty"`
	Active          bool   `json:"active,omitempty"`
	SentDelta       int64  `json:"sent_delta,omitempty"`
	RecvDelta       int64  `json:"recv_delta,omitempty"`
	Error           string `json:"error,omitempty"`
}

func toWireEvent(ev events.Event) wireEvent {
	w := wireEvent{
		SessionIdentity: ev.SessionIdentity,
		Up:              ev.Up,
		ForwarderID:     ev.ForwarderID,
		Active:          ev.Active,
		SentDelta:       ev.SentDelta,
		RecvDelta:       ev.RecvDelta,
	}
	if ev.Err != nil {
		w.Error = ev.Err.Error()
	}
	switch ev.Kind {
	case events.KindSessionState:
		w.Type = "session.state"
	case events.KindForwarderState:
		w.Type = "forwarder.state"
	case events.KindTraffic:
		w.Type = "forwarder.traffic"
	}
	return w
}

// wsClient is one connected WebSocket subscriber.
type wsClient struct {
	conn *websocket.Conn
	send chan wireEvent
}

// WebSocketHub re-publishes event bus events to every connected
// WebSocket client: a mutex-guarded client set fed by a single bus
// Observer, with a readPump/writePump ping-pong pair per client.
type WebSocketHub struct {
	bus *events.Bus
	log zerolog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	unsubscribe func()
}

// NewWebSocketHub constructs a hub subscribed to bus.
func NewWebSocketHub(bus *events.Bus, log zerolog.Logger) *WebSocketHub {
	hub := &WebSocketHub{
		bus:     bus,
		log:     log.With().Str("component", "websocket").Logger(),
		clients: make(map[*wsClient]struct{}),
	}
	hub.unsubscribe = bus.Subscribe(hub.broadcast)
	return hub
}

func (h *WebSocketHub) broadcast(ev events.Event) {
	wire := toWireEvent(ev)

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- wire:
		case <-time.After(wsBroadcastWait):
			h.log.Warn().Msg("dropping slow websocket client")
		}
	}
}

// HandleWebSocket upgrades the connection and adds it to the hub's
// client set for the lifetime of the socket.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn, send: make(chan wireEvent, 64)}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(r.Context())
	go h.readPump(ctx, cancel, client)
	go h.writePump(ctx, client)
}

func (h *WebSocketHub) readPump(ctx context.Context, cancel context.CancelFunc, c *wsClient) {
	defer func() {
		cancel()
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebSocketHub) writePump(ctx context.Context, c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close unsubscribes from the bus.
func (h *WebSocketHub) Close() {
	h.unsubscribe()
}
