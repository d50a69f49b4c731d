// Package localapi serves the REST routes and the terminal websocket.
package localapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"termbridge/internal/audit"
	"termbridge/internal/bridge"
	"termbridge/internal/inventory"
	"termbridge/internal/llm"
	"termbridge/internal/logging"
	"termbridge/internal/prompt"
	"termbridge/internal/restcmd"
	"termbridge/internal/session"
	"termbridge/internal/shell"
	"termbridge/internal/skill"
)

const maxBodyBytes = 1 << 20

type Inventory interface {
	Load() (*inventory.Inventory, error)
	Target(serverID string) (shell.Target, error)
}

type AuditLog interface {
	audit.Sink
	List(ctx context.Context, q audit.Query) ([]audit.Entry, error)
}

type CommandService interface {
	bridge.CommandReporter
	Submit(ctx context.Context, req restcmd.SubmitRequest) (restcmd.Command, error)
	Get(commandID string) (restcmd.Command, error)
	Cancel(commandID string) (restcmd.Command, error)
	List(sessionID string) []restcmd.Command
}

type SkillService interface {
	bridge.Skills
	Start(ctx context.Context, req skill.StartRequest) (skill.View, error)
	Get(id string) (skill.View, error)
	Output(id string) (skill.OutputView, error)
	Message(ctx context.Context, id, text string) (skill.View, error)
	CommandResult(ctx context.Context, id string, rep skill.CommandReport) (skill.View, error)
	Continue(ctx context.Context, id string) (skill.View, error)
	Cancel(id string) (skill.View, error)
	List(terminalSessionID string) []skill.View
}

type Deps struct {
	Registry  *session.Registry
	Inventory Inventory
	Dialer    shell.Dialer
	Audit     AuditLog
	Commands  CommandService
	Skills    SkillService
	Completer llm.Completer
	Prompts   bridge.SystemPrompts
	Detector  prompt.Detector
	Logger    *slog.Logger

	AICommandPrefix string
	KnowledgeFile   string

	// Zero keeps the default websocket heartbeat.
	PingInterval time.Duration
	PingTimeout  time.Duration
}

type Server struct {
	deps      Deps
	mux       *http.ServeMux
	logger    *slog.Logger
	terminals *terminalSessions

	connectTimeout time.Duration
	pingInterval   time.Duration
	pingTimeout    time.Duration
	testTimeout    time.Duration
}

func NewServer(deps Deps) *Server {
	if deps.Registry == nil {
		deps.Registry = session.NewRegistry()
	}
	s := &Server{
		deps:           deps,
		mux:            http.NewServeMux(),
		logger:         logging.Module(deps.Logger, "localapi"),
		terminals:      newTerminalSessions(nil),
		connectTimeout: defaultConnectTimeout,
		pingInterval:   defaultPingInterval,
		pingTimeout:    defaultPingTimeout,
		testTimeout:    defaultServerTestTimeout,
	}
	if deps.PingInterval > 0 {
		s.pingInterval = deps.PingInterval
	}
	if deps.PingTimeout > 0 {
		s.pingTimeout = deps.PingTimeout
	}
	s.registerSystemRoutes()
	s.registerSessionRoutes()
	s.registerSkillRoutes()
	s.registerTerminalRoutes()
	s.mux.HandleFunc("GET /ws/terminal", s.handleTerminalWS)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) bridgeOptions() bridge.Options {
	opts := bridge.Options{
		Registry:      s.deps.Registry,
		Detector:      s.deps.Detector,
		Completer:     s.deps.Completer,
		Prompts:       s.deps.Prompts,
		Logger:        s.deps.Logger,
		AIPrefix:      s.deps.AICommandPrefix,
		KnowledgeFile: s.deps.KnowledgeFile,
	}
	if s.deps.Audit != nil {
		opts.Audit = s.deps.Audit
	}
	if s.deps.Commands != nil {
		opts.Commands = s.deps.Commands
	}
	if s.deps.Skills != nil {
		opts.Skills = s.deps.Skills
	}
	return opts
}

func respondOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": data})
}

func respondError(w http.ResponseWriter, code int, errCode string, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": map[string]any{"code": errCode, "message": msg}})
}

// respondFailure maps a domain error to its status. A non-nil data value is
// the state left behind by the failed call.
func respondFailure(w http.ResponseWriter, err error, data any) {
	code, errCode := classify(err)
	body := map[string]any{"ok": false, "error": map[string]any{"code": errCode, "message": err.Error()}}
	if data != nil {
		body["data"] = data
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeBody reads an optional JSON body; an empty body leaves dst unchanged.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func classify(err error) (int, string) {
	var authErr *shell.AuthError
	var connErr *shell.ConnectError
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, restcmd.ErrSessionNotFound), errors.Is(err, errTerminalNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND"
	case errors.Is(err, restcmd.ErrNotFound):
		return http.StatusNotFound, "COMMAND_NOT_FOUND"
	case errors.Is(err, skill.ErrNotFound):
		return http.StatusNotFound, "SKILL_SESSION_NOT_FOUND"
	case errors.Is(err, skill.ErrSkillNotFound):
		return http.StatusNotFound, "SKILL_NOT_FOUND"
	case errors.Is(err, inventory.ErrServerNotFound):
		return http.StatusNotFound, "SERVER_NOT_FOUND"
	case errors.Is(err, restcmd.ErrEmptyCommand), errors.Is(err, skill.ErrInvalidPath):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, skill.ErrAnswerRequired):
		return http.StatusBadRequest, "ANSWER_REQUIRED"
	case errors.Is(err, skill.ErrSkillActive), errors.Is(err, session.ErrSubscriberBusy):
		return http.StatusConflict, "SESSION_BUSY"
	case errors.Is(err, session.ErrDetached):
		return http.StatusConflict, "SESSION_DETACHED"
	case errors.Is(err, skill.ErrInvalidState), errors.Is(err, skill.ErrCancelled):
		return http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, llm.ErrTimeout), errors.Is(err, shell.ErrTimeout):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case errors.Is(err, llm.ErrNotConfigured):
		return http.StatusServiceUnavailable, "AI_NOT_CONFIGURED"
	case errors.Is(err, skill.ErrBadResponse):
		return http.StatusBadGateway, "BAD_MODEL_RESPONSE"
	case errors.As(err, &authErr):
		return http.StatusBadGateway, "AUTH_FAILED"
	case errors.As(err, &connErr):
		return http.StatusBadGateway, "CONNECT_FAILED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
