package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/hopwire/sshfwd/internal/auth"
	"github.com/hopwire/sshfwd/internal/events"
	"github.com/hopwire/sshfwd/internal/forward"
	"github.com/hopwire/sshfwd/internal/transport"
)

// Config configures a Server. HostKeyPolicy, when set, is applied to
// every session the API connects (nil keeps the transport default of
// accepting all host keys).
type Config struct {
	Addr            string
	JWTSecret       []byte
	RateLimitPerSec float64
	RateLimitBurst  int
	HostKeyPolicy   auth.HostKeyPolicy
}

// Server is the REST+WebSocket supervising layer, wrapping the
// transport and forward registries behind an authenticated, rate
// limited HTTP API.
type Server struct {
	addr    string
	httpSrv *http.Server
	router  *mux.Router
	log     zerolog.Logger

	transportReg *transport.Registry
	forwardReg   *forward.Registry
	bus          *events.Bus
	hostKeys     auth.HostKeyPolicy

	auth    *AuthMiddleware
	limiter *RateLimiter
	metrics *Metrics
	wsHub   *WebSocketHub

	unsubscribeMetrics func()
}

// NewServer wires every collaborator and registers every route.
func NewServer(cfg Config, transportReg *transport.Registry, forwardReg *forward.Registry, bus *events.Bus, log zerolog.Logger) *Server {
	s := &Server{
		addr:         cfg.Addr,
		router:       mux.NewRouter(),
		log:          log.With().Str("component", "api").Logger(),
		transportReg: transportReg,
		forwardReg:   forwardReg,
		bus:          bus,
		hostKeys:     cfg.HostKeyPolicy,
		auth:         NewAuthMiddleware(cfg.JWTSecret),
		limiter:      NewRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst),
		metrics:      NewMetrics(),
		wsHub:        NewWebSocketHub(bus, log),
	}

	s.unsubscribeMetrics = bus.Subscribe(s.metrics.ObserveEvent)
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:    s.addr,
		Handler: s.loggingMiddleware(s.corsMiddleware(s.router)),
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/api/v1/metrics", s.metrics.HandleMetrics()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.auth.Middleware, s.limiter.Middleware, s.metrics.Middleware)

	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.handleConnect).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.handleDisconnect).Methods(http.MethodDelete)

	api.HandleFunc("/forwarders", s.handleListForwarders).Methods(http.MethodGet)
	api.HandleFunc("/forwarders", s.handleCreateForwarder).Methods(http.MethodPost)
	api.HandleFunc("/forwarders/{id}/start", s.handleStartForwarder).Methods(http.MethodPost)
	api.HandleFunc("/forwarders/{id}/stop", s.handleStopForwarder).Methods(http.MethodPost)
	api.HandleFunc("/forwarders/{id}", s.handleRemoveForwarder).Methods(http.MethodDelete)
	api.HandleFunc("/forwarders/{id}/status", s.handleForwarderStatus).Methods(http.MethodGet)
	api.HandleFunc("/forwarders/{id}/connections", s.handleForwarderConnections).Methods(http.MethodGet)

	api.HandleFunc("/events", s.wsHub.HandleWebSocket).Methods(http.MethodGet)
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins serving HTTP, blocking until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.addr).Msg("api server starting")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server and unsubscribes the
// WebSocket hub from the event bus.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Close()
	s.limiter.Stop()
	s.unsubscribeMetrics()
	return s.httpSrv.Shutdown(ctx)
}
