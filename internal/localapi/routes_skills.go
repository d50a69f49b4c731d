package localapi

import (
	"net/http"
	"strings"

	"termbridge/internal/skill"
)

type skillMessageRequest struct {
	Text        string `json:"text"`
	UserMessage string `json:"userMessage"`
}

func (s *Server) registerSkillRoutes() {
	s.mux.HandleFunc("GET /api/skills", s.handleSkillCatalog)
	s.mux.HandleFunc("POST /api/skills/start", s.handleSkillStart)
	s.mux.HandleFunc("GET /api/skills/sessions", s.handleSkillSessions)
	s.mux.HandleFunc("GET /api/skills/{id}", s.handleSkillGet)
	s.mux.HandleFunc("GET /api/skills/{id}/output", s.handleSkillOutput)
	s.mux.HandleFunc("POST /api/skills/{id}/message", s.handleSkillMessage)
	s.mux.HandleFunc("POST /api/skills/{id}/command-result", s.handleSkillCommandResult)
	s.mux.HandleFunc("POST /api/skills/{id}/continue", s.handleSkillContinue)
	s.mux.HandleFunc("DELETE /api/skills/{id}", s.handleSkillCancel)
}

func (s *Server) skillsOrUnavailable(w http.ResponseWriter) bool {
	if s.deps.Skills == nil {
		respondError(w, http.StatusServiceUnavailable, "SKILLS_UNAVAILABLE", "skill engine is not configured")
		return false
	}
	return true
}

// respondView answers a skill call. A failed model turn still returns the
// session so the caller can retry with continue.
func respondView(w http.ResponseWriter, v skill.View, err error) {
	if err != nil {
		if v.SkillSessionID != "" {
			respondFailure(w, err, v)
			return
		}
		respondFailure(w, err, nil)
		return
	}
	respondOK(w, v)
}

func (s *Server) handleSkillCatalog(w http.ResponseWriter, r *http.Request) {
	if !s.skillsOrUnavailable(w) {
		return
	}
	list, err := s.deps.Skills.Catalog(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "SKILL_LIST_FAILED", err.Error())
		return
	}
	respondOK(w, list)
}

func (s *Server) handleSkillSessions(w http.ResponseWriter, r *http.Request) {
	if !s.skillsOrUnavailable(w) {
		return
	}
	respondOK(w, s.deps.Skills.List(strings.TrimSpace(r.URL.Query().Get("terminalSessionId"))))
}

func (s *Server) handleSkillStart(w http.ResponseWriter, r *http.Request) {
	if !s.skillsOrUnavailable(w) {
		return
	}
	var req skill.StartRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if strings.TrimSpace(req.TerminalSessionID) == "" || strings.TrimSpace(req.Skill) == "" {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "terminalSessionId and skill are required")
		return
	}
	v, err := s.deps.Skills.Start(r.Context(), req)
	respondView(w, v, err)
}

func (s *Server) handleSkillGet(w http.ResponseWriter, r *http.Request) {
	if !s.skillsOrUnavailable(w) {
		return
	}
	v, err := s.deps.Skills.Get(r.PathValue("id"))
	respondView(w, v, err)
}

func (s *Server) handleSkillOutput(w http.ResponseWriter, r *http.Request) {
	if !s.skillsOrUnavailable(w) {
		return
	}
	out, err := s.deps.Skills.Output(r.PathValue("id"))
	if err != nil {
		respondFailure(w, err, nil)
		return
	}
	respondOK(w, out)
}

func (s *Server) handleSkillMessage(w http.ResponseWriter, r *http.Request) {
	if !s.skillsOrUnavailable(w) {
		return
	}
	var req skillMessageRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	text := req.Text
	if text == "" {
		text = req.UserMessage
	}
	v, err := s.deps.Skills.Message(r.Context(), r.PathValue("id"), text)
	respondView(w, v, err)
}

func (s *Server) handleSkillCommandResult(w http.ResponseWriter, r *http.Request) {
	if !s.skillsOrUnavailable(w) {
		return
	}
	var rep skill.CommandReport
	if err := decodeBody(r, &rep); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	v, err := s.deps.Skills.CommandResult(r.Context(), r.PathValue("id"), rep)
	respondView(w, v, err)
}

func (s *Server) handleSkillContinue(w http.ResponseWriter, r *http.Request) {
	if !s.skillsOrUnavailable(w) {
		return
	}
	v, err := s.deps.Skills.Continue(r.Context(), r.PathValue("id"))
	respondView(w, v, err)
}

func (s *Server) handleSkillCancel(w http.ResponseWriter, r *http.Request) {
	if !s.skillsOrUnavailable(w) {
		return
	}
	v, err := s.deps.Skills.Cancel(r.PathValue("id"))
	respondView(w, v, err)
}
