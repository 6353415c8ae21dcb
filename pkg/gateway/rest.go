package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/harun/tether/pkg/registry"
	"github.com/harun/tether/pkg/runtime"
)

const maxBodyBytes = 1 << 20

func (s *Server) registerREST(api *mux.Router) {
	api.HandleFunc("/status", s.restStatus).Methods(http.MethodGet)
	api.HandleFunc("/reload", s.restReload).Methods(http.MethodPost)
	api.HandleFunc("/clients", s.restClients).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.restList).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.restCreate).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.restInfo).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.restEnd).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/resume", s.restResume).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/execute", s.restExecute).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/cancel", s.restCancel).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/approvals/{request_id}", s.restApproval).Methods(http.MethodPost)
}

func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authHandler.VerifyRequest(r) {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps registry errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	var rpcErr *RPCError
	switch {
	case errors.As(err, &rpcErr) && rpcErr.Code == InvalidParams:
		status, code = http.StatusBadRequest, "invalid_params"
	case errors.Is(err, registry.ErrSessionNotFound):
		status, code = http.StatusNotFound, "session_not_found"
	case errors.Is(err, registry.ErrCapabilityMissing):
		status, code = http.StatusUnprocessableEntity, "capability_missing"
	case errors.Is(err, registry.ErrTransientResource):
		status, code = http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, registry.ErrBundleLoad):
		status, code = http.StatusBadGateway, "bundle_load"
	case errors.Is(err, registry.ErrReconnect):
		status, code = http.StatusConflict, "reconnect_failed"
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf("invalid body: %v", err)}
}

func (s *Server) restStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

func (s *Server) restReload(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.ReloadBundle(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reloaded": true})
}

func (s *Server) restClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.GetConnectedClients())
}

func (s *Server) restList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

type createRequest struct {
	WorkingDir  string `json:"working_dir"`
	Bundle      string `json:"bundle"`
	Description string `json:"description"`
}

// restCreate starts a headless session; interactive sessions are created
// over /ws.
func (s *Server) restCreate(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	info, err := s.sessions.Create(r.Context(), registry.CreateOptions{
		WorkingDir:  body.WorkingDir,
		Bundle:      body.Bundle,
		Description: body.Description,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) restInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.GetInfo(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) restEnd(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.End(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) restResume(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkingDir string `json:"working_dir"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.sessions.Resume(r.Context(), id, body.WorkingDir, nil); err != nil {
		writeError(w, err)
		return
	}
	s.restInfo(w, r)
}

func (s *Server) restExecute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		writeError(w, &RPCError{Code: InvalidParams, Message: "prompt is required"})
		return
	}
	id := mux.Vars(r)["id"]
	resp, err := s.sessions.Execute(r.Context(), id, body.Prompt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executeResult{SessionID: id, Response: resp})
}

func (s *Server) restCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level string `json:"level"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	level, err := runtime.ParseCancelLevel(body.Level)
	if err != nil {
		writeError(w, &RPCError{Code: InvalidParams, Message: err.Error()})
		return
	}
	id := mux.Vars(r)["id"]
	s.sessions.Cancel(r.Context(), id, level)
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id, "level": string(level)})
}

func (s *Server) restApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Choice string `json:"choice"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Choice == "" {
		writeError(w, &RPCError{Code: InvalidParams, Message: "choice is required"})
		return
	}
	vars := mux.Vars(r)
	if !s.sessions.ResolveApproval(vars["id"], vars["request_id"], body.Choice) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no pending approval", Code: "approval_not_found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}
