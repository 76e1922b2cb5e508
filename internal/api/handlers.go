package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/google/uuid"

	"github.com/hopwire/sshfwd/internal/forward"
	"github.com/hopwire/sshfwd/internal/transport"
	"github.com/hopwire/sshfwd/pkg/types"
)

// parseIdentity parses the "{user}@{host}:{port}" path form of a
// SessionIdentity, the inverse of types.SessionIdentity.String().
func parseIdentity(raw string) (types.SessionIdentity, error) {
	at := strings.LastIndex(raw, "@")
	colon := strings.LastIndex(raw, ":")
	if at < 0 || colon < at {
		return types.SessionIdentity{}, fmt.Errorf("malformed session id %q", raw)
	}
	username := raw[:at]
	host := raw[at+1 : colon]
	port, err := strconv.Atoi(raw[colon+1:])
	if err != nil {
		return types.SessionIdentity{}, fmt.Errorf("malformed port in session id %q: %w", raw, err)
	}
	return types.SessionIdentity{Host: host, Port: port, Username: username}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sessions := s.transportReg.List()
	forwarders := s.forwardReg.List()

	active := 0
	for _, f := range forwarders {
		if f.Active {
			active++
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "ok",
		"sessions":           len(sessions),
		"forwarders_total":   len(forwarders),
		"forwarders_active":  active,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.transportReg.List())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	identity := types.SessionIdentity{Host: req.Host, Port: req.Port, Username: req.Username}
	opts := transport.Options{
		Password:      req.Password,
		KeyPath:       req.KeyPath,
		Passphrase:    req.Passphrase,
		UseAgent:      req.UseAgent,
		HostKeyPolicy: s.hostKeys,
	}
	if req.KeepAlive != nil && !*req.KeepAlive {
		opts.KeepAliveInterval = transport.KeepAliveDisabled
	}

	var session *transport.Session
	var err error
	if req.Via != "" {
		via, perr := parseIdentity(req.Via)
		if perr != nil {
			respondError(w, BadRequestError(perr.Error()))
			return
		}
		session, err = s.transportReg.ConnectVia(r.Context(), via, identity, opts)
	} else {
		session, err = s.transportReg.Connect(r.Context(), identity, opts)
	}
	if err != nil {
		s.respondConnectError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, session.Status())
}

func (s *Server) respondConnectError(w http.ResponseWriter, err error) {
	switch e := err.(type) {
	case *transport.AlreadyExistsError:
		respondError(w, ConflictError(e.Error()))
	case *transport.NotFoundError:
		respondError(w, SessionNotFoundError(e.Identity.String()))
	case *transport.AuthError:
		respondError(w, AuthRefusedError(e.Error()))
	case *transport.NetworkError:
		respondError(w, NetworkFailureError(e.Error()))
	default:
		if strings.Contains(err.Error(), "circuit breaker") {
			respondError(w, CircuitBreakerOpenError(err.Error()))
			return
		}
		respondError(w, InternalError(err.Error()))
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	identity, err := parseIdentity(id)
	if err != nil {
		respondError(w, BadRequestError(err.Error()))
		return
	}

	if err := s.transportReg.Disconnect(identity); err != nil {
		respondError(w, InternalError(err.Error()))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListForwarders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.forwardReg.List())
}

func (s *Server) handleCreateForwarder(w http.ResponseWriter, r *http.Request) {
	var req CreateForwarderRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	identity := types.SessionIdentity{Host: req.Host, Port: req.Port, Username: req.Username}
	session, err := s.transportReg.Get(identity)
	if err != nil {
		respondError(w, SessionNotFoundError(identity.String()))
		return
	}

	rule := types.ForwardingRule{
		Type:         types.ForwarderKind(req.Type),
		LocalHost:    req.LocalHost,
		LocalPort:    req.LocalPort,
		RemoteHost:   req.RemoteHost,
		RemotePort:   req.RemotePort,
		BindHost:     req.BindHost,
		BindPort:     req.BindPort,
		InternalHost: req.InternalHost,
		InternalPort: req.InternalPort,
		Active:       false,
	}

	id, err := s.forwardReg.Add(rule, identity, session, session)
	if err != nil {
		if dupErr, ok := err.(*forward.DuplicateError); ok {
			respondError(w, ForwarderExistsError(dupErr.Identity))
			return
		}
		respondError(w, InternalError(err.Error()))
		return
	}

	s.metrics.ForwardersTotal.Set(float64(len(s.forwardReg.List())))
	respondJSON(w, http.StatusCreated, map[string]string{"id": id, "request_id": uuid.NewString()})
}

func (s *Server) handleStartForwarder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	// The forwarder outlives this request, so it must not inherit the
	// request context (cancelled as soon as the handler returns).
	if err := s.forwardReg.Start(context.Background(), id); err != nil {
		s.respondForwarderError(w, id, err)
		return
	}
	s.metrics.ForwarderStarts.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopForwarder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.forwardReg.Stop(id); err != nil {
		s.respondForwarderError(w, id, err)
		return
	}
	s.metrics.ForwarderStops.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveForwarder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.forwardReg.Remove(id); err != nil {
		s.respondForwarderError(w, id, err)
		return
	}
	s.metrics.ForwardersTotal.Set(float64(len(s.forwardReg.List())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleForwarderConnections(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conns, err := s.forwardReg.Connections(id)
	if err != nil {
		s.respondForwarderError(w, id, err)
		return
	}
	respondJSON(w, http.StatusOK, conns)
}

func (s *Server) handleForwarderStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	status, err := s.forwardReg.Status(id)
	if err != nil {
		s.respondForwarderError(w, id, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) respondForwarderError(w http.ResponseWriter, id string, err error) {
	switch err.(type) {
	case *forward.NotFoundError:
		respondError(w, NotFoundError("forwarder "+id+" not found"))
	case *forward.BindError:
		respondError(w, BindRefusedError(err.Error()))
	case *forward.ChannelError:
		respondError(w, ChannelRefusedError(err.Error()))
	default:
		respondError(w, InternalError(err.Error()))
	}
}
