package localapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"termbridge/internal/restcmd"
	"termbridge/internal/skill"
)

type commandRequest struct {
	Command             string `json:"command"`
	RequireConfirmation bool   `json:"requireConfirmation"`
	TimeoutMs           int    `json:"timeoutMs"`
	Wait                bool   `json:"wait"`
}

func (s *Server) registerSessionRoutes() {
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleCloseSession)
	s.mux.HandleFunc("POST /api/sessions/{id}/command", s.handleSubmitCommand)
	s.mux.HandleFunc("GET /api/command/{id}", s.handleGetCommand)
	s.mux.HandleFunc("DELETE /api/command/{id}", s.handleCancelCommand)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, s.deps.Registry.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Registry.Get(r.PathValue("id"))
	if err != nil {
		respondFailure(w, err, nil)
		return
	}
	commands := []restcmd.Command{}
	if s.deps.Commands != nil {
		commands = s.deps.Commands.List(sess.ID)
	}
	skills := []skill.View{}
	if s.deps.Skills != nil {
		skills = s.deps.Skills.List(sess.ID)
	}
	respondOK(w, map[string]any{
		"session":  sess.Info(),
		"commands": commands,
		"skills":   skills,
	})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Registry.Get(r.PathValue("id"))
	if err != nil {
		respondFailure(w, err, nil)
		return
	}
	sess.Terminate("closed by api")
	respondOK(w, map[string]any{"sessionId": sess.ID, "closed": true})
}

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	if s.deps.Commands == nil {
		respondError(w, http.StatusServiceUnavailable, "COMMANDS_UNAVAILABLE", "command bridge is not configured")
		return
	}
	var req commandRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if wait, err := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get("wait"))); err == nil {
		req.Wait = wait
	}
	cmd, err := s.deps.Commands.Submit(r.Context(), restcmd.SubmitRequest{
		SessionID:           r.PathValue("id"),
		Command:             req.Command,
		RequireConfirmation: req.RequireConfirmation,
		Timeout:             time.Duration(req.TimeoutMs) * time.Millisecond,
		Wait:                req.Wait,
	})
	if err != nil {
		if cmd.ID != "" {
			respondFailure(w, err, cmd)
			return
		}
		respondFailure(w, err, nil)
		return
	}
	respondOK(w, cmd)
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	if s.deps.Commands == nil {
		respondError(w, http.StatusNotFound, "COMMAND_NOT_FOUND", "command not found")
		return
	}
	cmd, err := s.deps.Commands.Get(r.PathValue("id"))
	if err != nil {
		respondFailure(w, err, nil)
		return
	}
	respondOK(w, cmd)
}

func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	if s.deps.Commands == nil {
		respondError(w, http.StatusNotFound, "COMMAND_NOT_FOUND", "command not found")
		return
	}
	cmd, err := s.deps.Commands.Cancel(r.PathValue("id"))
	if err != nil {
		respondFailure(w, err, nil)
		return
	}
	respondOK(w, cmd)
}
