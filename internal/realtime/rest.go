package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"kalix-bridge/internal/program"
	"kalix-bridge/internal/protocol"
	"kalix-bridge/internal/session"
)

type commandRequest struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type queryRequest struct {
	QueryType  string         `json:"query_type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type stopRequest struct {
	Reason string `json:"reason"`
}

type runModelRequest struct {
	ModelINI  string `json:"model_ini"`
	ModelPath string `json:"model_path"`
}

type optimisationRequest struct {
	ModelINI string `json:"model_ini"`
}

type optimisationRunRequest struct {
	Config string `json:"config"`
}

type programResponse struct {
	Program    string   `json:"program"`
	State      string   `json:"state"`
	Parameters []string `json:"parameters,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// writeSessionError reports a refused session operation.
func writeSessionError(w http.ResponseWriter, err error) {
	code, status := classify(err)
	writeError(w, status, code, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidMessage, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req SessionStartPayload
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	sess, err := s.StartSession(r.Context(), req)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, session.ErrMaxSessions):
			status = http.StatusTooManyRequests
		case errors.Is(err, session.ErrSessionExists):
			status = http.StatusConflict
		}
		writeError(w, status, ErrStartFailed, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	sess, ok := s.sessions.GetSession(key)
	if !ok {
		writeError(w, http.StatusNotFound, ErrSessionNotFound, "session not found: "+key)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, ErrInvalidMessage, "command is required")
		return
	}
	if err := s.sessions.SendCommand(r.PathValue("key"), req.Command, req.Parameters); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleSendQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.QueryType == "" {
		writeError(w, http.StatusBadRequest, ErrInvalidMessage, "query_type is required")
		return
	}
	if err := s.sessions.SendQuery(r.PathValue("key"), req.QueryType, req.Parameters); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = protocol.DefaultStopReason
	}
	if err := s.sessions.StopOperation(r.PathValue("key"), req.Reason); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if _, ok := s.sessions.GetSession(key); !ok {
		writeError(w, http.StatusNotFound, ErrSessionNotFound, "session not found: "+key)
		return
	}
	s.sessions.TerminateSession(r.Context(), key)
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

func (s *Server) handleRemoveSession(w http.ResponseWriter, r *http.Request) {
	if err := s.RemoveSession(r.PathValue("key")); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleRunModel(w http.ResponseWriter, r *http.Request) {
	var req runModelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := s.StartRunModel(r.PathValue("key"), program.ModelSource{Path: req.ModelPath, INI: req.ModelINI})
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, programResponse{Program: p.Name(), State: p.State()})
}

func (s *Server) handleStartOptimisation(w http.ResponseWriter, r *http.Request) {
	var req optimisationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := s.StartOptimisation(r.PathValue("key"), req.ModelINI)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, programResponse{Program: p.Name(), State: p.State()})
}

func (s *Server) handleGetOptimisation(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	p, ok := s.optimisation(key)
	if !ok {
		writeError(w, http.StatusNotFound, ErrSessionNotFound, "no optimisation for session: "+key)
		return
	}
	writeJSON(w, http.StatusOK, programResponse{Program: p.Name(), State: p.State(), Parameters: p.Parameters()})
}

func (s *Server) handleRunOptimisation(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var req optimisationRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, ok := s.optimisation(key)
	if !ok {
		writeError(w, http.StatusNotFound, ErrSessionNotFound, "no optimisation for session: "+key)
		return
	}
	if err := p.Run(req.Config); err != nil {
		writeError(w, http.StatusConflict, ErrRejected, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, programResponse{Program: p.Name(), State: p.State()})
}

// handleLog returns the session's communication log, as JSON entries or,
// with format=text, as the plain-text dump.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	log, err := s.sessions.Log(r.PathValue("key"))
	if err != nil {
		writeSessionError(w, err)
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(log.Format()))
		return
	}

	recent := 0
	if v := r.URL.Query().Get("recent"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, ErrInvalidMessage, "recent must be a non-negative integer")
			return
		}
		recent = n
	}
	writeJSON(w, http.StatusOK, log.Recent(recent))
}
