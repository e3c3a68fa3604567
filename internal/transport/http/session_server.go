// Package http exposes the broker's JSON API to the notebook host.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/dataprochub/broker/internal/configdoc"
	"github.com/dataprochub/broker/internal/orchestrator"
	"github.com/dataprochub/broker/internal/resolver"
	"github.com/dataprochub/broker/internal/service"
	"github.com/dataprochub/broker/internal/types"
)

// SessionServer handles the session lifecycle API
type SessionServer struct {
	broker *service.Broker
	logger *zap.Logger
}

// NewSessionServer creates a new session API server
func NewSessionServer(broker *service.Broker, logger *zap.Logger) *SessionServer {
	return &SessionServer{
		broker: broker,
		logger: logger.Named("http"),
	}
}

// Register installs the API routes on the mux.
func (s *SessionServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/sessions", s.handleStart)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGet)
	mux.HandleFunc("GET /api/v1/sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleStop)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

// startRequest is the spawn request body. Either session or user must be
// set; overrides is a free-form config document applied after all template
// documents.
type startRequest struct {
	Session         string                 `json:"session,omitempty"`
	User            string                 `json:"user,omitempty"`
	Server          string                 `json:"server,omitempty"`
	ConfigLocations []string               `json:"configLocations,omitempty"`
	Overrides       map[string]interface{} `json:"overrides,omitempty"`
	Zone            string                 `json:"zone,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *SessionServer) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "BadRequest", fmt.Sprintf("invalid request body: %v", err))
		return
	}

	session, err := sessionFromRequest(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}

	spawn := resolver.SpawnRequest{
		Session:         session,
		ConfigLocations: req.ConfigLocations,
		Zone:            req.Zone,
	}
	if len(req.Overrides) > 0 {
		overrides, err := configdoc.FromInterface(req.Overrides)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "BadRequest", fmt.Sprintf("invalid overrides: %v", err))
			return
		}
		spawn.Overrides = overrides
	}

	ev, err := s.broker.Start(r.Context(), spawn)
	if err != nil {
		if errors.Is(err, service.ErrAlreadyInProgress) {
			s.writeError(w, http.StatusConflict, "AlreadyInProgress", err.Error())
			return
		}
		if errors.Is(err, types.ErrEmptyID) {
			s.writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
			return
		}
		s.logger.Error("Failed to start session", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, ev)
}

func (s *SessionServer) handleGet(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}

	ev, err := s.broker.CurrentState(session)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "SessionNotFound", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, ev)
}

func (s *SessionServer) handleStop(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}

	if err := s.broker.Stop(r.Context(), session); err != nil {
		s.logger.Error("Failed to stop session", session.ZapField(), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams lifecycle events as server-sent events. The stream
// starts with the current state and ends after a ready, failed, or stopped
// event.
func (s *SessionServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}

	events, cancel, err := s.broker.Subscribe(session)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "SessionNotFound", err.Error())
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "InternalError", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.State == orchestrator.StateReady || ev.State.Terminal() {
				return
			}
		}
	}
}

func (s *SessionServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *SessionServer) sessionFromPath(w http.ResponseWriter, r *http.Request) (types.SessionID, bool) {
	session, err := types.ParseSessionID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return "", false
	}
	return session, true
}

func sessionFromRequest(req startRequest) (types.SessionID, error) {
	if req.Session != "" {
		return types.ParseSessionID(req.Session)
	}
	return types.NewSessionID(req.User, req.Server)
}

func (s *SessionServer) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func (s *SessionServer) writeError(w http.ResponseWriter, status int, kind, message string) {
	s.writeJSON(w, status, errorResponse{Error: errorBody{Kind: kind, Message: message}})
}

func writeSSE(w http.ResponseWriter, ev orchestrator.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.State, data)
	return err
}
