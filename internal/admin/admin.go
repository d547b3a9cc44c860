// Package admin implements the JSON HTTP admin/status surface for the
// recovery controller. It is a thin adapter between HTTP and the recovery
// control loop: every handler reads or drives the ControlLoop and encodes
// the result as JSON, mirroring the shape of a ConnectRPC service without
// requiring generated protobuf stubs (no .proto sources for an admin API
// were retrieved alongside this repository).
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ctdbgo/recoverd/internal/ctdbproto"
	"github.com/ctdbgo/recoverd/internal/recovery"
)

// Server is a thin HTTP adapter between the admin API and the recovery
// control loop.
type Server struct {
	loop   *recovery.ControlLoop
	logger *slog.Logger
}

// New creates a Server delegating to loop.
func New(loop *recovery.ControlLoop, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{loop: loop, logger: logger.With(slog.String("component", "admin"))}
}

// Handler builds the gorilla/mux router serving the admin surface.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/recover", s.handleRecover).Methods(http.MethodPost)
	r.HandleFunc("/nodemap", s.handleNodeMap).Methods(http.MethodGet)
	r.HandleFunc("/vnnmap", s.handleVNNMap).Methods(http.MethodGet)
	return r
}

// statusResponse is the JSON body of GET /status.
type statusResponse struct {
	LocalNID      ctdbproto.NID `json:"local_nid"`
	NumActive     int           `json:"num_active"`
	Generation    uint32        `json:"generation"`
	LastRecovery  string        `json:"last_recovery,omitempty"`
	LastReason    string        `json:"last_reason,omitempty"`
	RecoveryCount int           `json:"recovery_count"`
	LastError     string        `json:"last_error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.loop.Status()
	resp := statusResponse{
		LocalNID:      st.LocalNID,
		NumActive:     st.NumActive,
		Generation:    st.Generation,
		LastReason:    st.LastReason,
		RecoveryCount: st.RecoveryCount,
		LastError:     st.LastError,
	}
	if !st.LastRecovery.IsZero() {
		resp.LastRecovery = st.LastRecovery.Format("2006-01-02T15:04:05Z07:00")
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// recoverResponse is the JSON body of POST /recover.
type recoverResponse struct {
	Accepted bool `json:"accepted"`
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("admin-forced recovery requested", slog.String("remote", r.RemoteAddr))
	s.loop.ForceRecovery()
	s.writeJSON(w, http.StatusAccepted, recoverResponse{Accepted: true})
}

func (s *Server) handleNodeMap(w http.ResponseWriter, r *http.Request) {
	st := s.loop.Status()
	s.writeJSON(w, http.StatusOK, st.NodeMap)
}

func (s *Server) handleVNNMap(w http.ResponseWriter, r *http.Request) {
	st := s.loop.Status()
	s.writeJSON(w, http.StatusOK, st.RoutingMap)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode admin response", slog.Any("error", err))
	}
}
