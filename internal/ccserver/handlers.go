package ccserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfleet/wolfleet/internal/auth"
	"github.com/wolfleet/wolfleet/internal/hostagg"
	"github.com/wolfleet/wolfleet/internal/nodesession"
	"github.com/wolfleet/wolfleet/internal/router"
	"github.com/wolfleet/wolfleet/internal/schedule"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWS resolves the connecting node's credentials from the
// Authorization header before handing the connection to
// nodesession.ServeWS; actual token/subject comparison happens inside
// Manager.handleRegister once the register frame arrives.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	authCtx := s.resolveAuthContext(token)
	nodesession.ServeWS(r.Context(), s.sessions, w, r, authCtx, s.log)
}

func (s *Server) resolveAuthContext(token string) *auth.Context {
	if s.tokenIssuer != nil {
		if nodeID, expiresAt, err := s.tokenIssuer.Validate(token); err == nil {
			return &auth.Context{Kind: auth.KindSessionToken, NodeID: nodeID, ExpiresAt: expiresAt}
		}
	}
	return &auth.Context{Kind: auth.KindStaticToken, Token: token}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return r.URL.Query().Get("token")
}

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.hostAgg.GetAllHosts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, hosts)
}

func (s *Server) handleWakeHost(w http.ResponseWriter, r *http.Request) {
	fqn := chi.URLParam(r, "fqn")
	idempotencyKey := r.URL.Query().Get("idempotencyKey")
	result, err := s.routes.RouteWake(r.Context(), fqn, router.WakeOptions{IdempotencyKey: idempotencyKey})
	s.writeCommandResult(w, result, err)
}

func (s *Server) handlePingHost(w http.ResponseWriter, r *http.Request) {
	fqn := chi.URLParam(r, "fqn")
	result, err := s.routes.RoutePingHostCommand(r.Context(), fqn)
	s.writeCommandResult(w, result, err)
}

func (s *Server) handleSleepHost(w http.ResponseWriter, r *http.Request) {
	fqn := chi.URLParam(r, "fqn")
	result, err := s.routes.RouteSleepHostCommand(r.Context(), fqn)
	s.writeCommandResult(w, result, err)
}

func (s *Server) handleShutdownHost(w http.ResponseWriter, r *http.Request) {
	fqn := chi.URLParam(r, "fqn")
	result, err := s.routes.RouteShutdownHostCommand(r.Context(), fqn)
	s.writeCommandResult(w, result, err)
}

func (s *Server) handleDeleteHost(w http.ResponseWriter, r *http.Request) {
	fqn := chi.URLParam(r, "fqn")
	result, err := s.routes.RouteDeleteHostCommand(r.Context(), fqn)
	s.writeCommandResult(w, result, err)
}

func (s *Server) writeCommandResult(w http.ResponseWriter, result any, err error) {
	if err != nil {
		if errors.Is(err, hostagg.ErrHostNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleListHostSchedules(w http.ResponseWriter, r *http.Request) {
	scheds, err := s.hostSchedules.List(r.Context(), nil, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, scheds)
}

func (s *Server) handleCreateHostSchedule(w http.ResponseWriter, r *http.Request) {
	var in schedule.HostScheduleInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	sched, err := s.hostSchedules.Create(r.Context(), in)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleDeleteHostSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.hostSchedules.Delete(r.Context(), id); err != nil {
		if errors.Is(err, schedule.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
