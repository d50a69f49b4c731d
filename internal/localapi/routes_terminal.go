package localapi

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"termbridge/internal/audit"
	"termbridge/internal/protocol"
	"termbridge/internal/shell"
)

const (
	terminalIdleTimeout        = 10 * time.Minute
	terminalSweepInterval      = time.Minute
	defaultTerminalExecTimeout = 30 * time.Second
	maxTerminalExecTimeout     = 10 * time.Minute
	terminalConnectCommand     = "true"
)

var errTerminalNotFound = errors.New("terminal session not found or expired")

// terminalSession is a headless handle on one inventory server. Each exec
// dials its own connection; the handle pins the resolved target.
type terminalSession struct {
	ID        string    `json:"sessionId"`
	ServerID  string    `json:"serverId"`
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed"`

	target shell.Target
}

type terminalSessions struct {
	now  func() time.Time
	idle time.Duration

	mu   sync.Mutex
	byID map[string]*terminalSession
}

func newTerminalSessions(now func() time.Time) *terminalSessions {
	if now == nil {
		now = time.Now
	}
	return &terminalSessions{now: now, idle: terminalIdleTimeout, byID: map[string]*terminalSession{}}
}

func (t *terminalSessions) add(target shell.Target) terminalSession {
	now := t.now().UTC()
	sess := &terminalSession{
		ID:        uuid.NewString(),
		ServerID:  target.ServerID,
		CreatedAt: now,
		LastUsed:  now,
		target:    target,
	}
	t.mu.Lock()
	t.byID[sess.ID] = sess
	t.mu.Unlock()
	return *sess
}

// use marks the session active and returns a copy of it.
func (t *terminalSessions) use(id string) (terminalSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.byID[strings.TrimSpace(id)]
	if !ok {
		return terminalSession{}, errTerminalNotFound
	}
	sess.LastUsed = t.now().UTC()
	return *sess, nil
}

func (t *terminalSessions) remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	id = strings.TrimSpace(id)
	if _, ok := t.byID[id]; !ok {
		return false
	}
	delete(t.byID, id)
	return true
}

// sweep drops sessions idle for at least the idle timeout and returns their ids.
func (t *terminalSessions) sweep(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, sess := range t.byID {
		if now.Sub(sess.LastUsed) >= t.idle {
			delete(t.byID, id)
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (t *terminalSessions) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

type terminalCreateRequest struct {
	ServerID string `json:"serverId"`
}

type terminalExecRequest struct {
	Command   string `json:"command"`
	TimeoutMs int    `json:"timeoutMs"`
	// Timeout is the older name for TimeoutMs.
	Timeout int `json:"timeout"`
}

func (r terminalExecRequest) timeout() time.Duration {
	ms := r.TimeoutMs
	if ms <= 0 {
		ms = r.Timeout
	}
	if ms <= 0 {
		return defaultTerminalExecTimeout
	}
	d := time.Duration(ms) * time.Millisecond
	if d > maxTerminalExecTimeout {
		return maxTerminalExecTimeout
	}
	return d
}

func (s *Server) registerTerminalRoutes() {
	s.mux.HandleFunc("POST /api/v1/terminal/sessions", s.handleTerminalCreate)
	s.mux.HandleFunc("POST /api/v1/terminal/sessions/{id}/exec", s.handleTerminalExec)
	s.mux.HandleFunc("DELETE /api/v1/terminal/sessions/{id}", s.handleTerminalClose)
}

// handleTerminalCreate checks that the server accepts a connection and hands
// back a session id for later execs.
func (s *Server) handleTerminalCreate(w http.ResponseWriter, r *http.Request) {
	var req terminalCreateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	serverID := strings.TrimSpace(req.ServerID)
	if serverID == "" {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "serverId is required")
		return
	}
	if s.deps.Inventory == nil || s.deps.Dialer == nil {
		respondError(w, http.StatusServiceUnavailable, "INVENTORY_UNAVAILABLE", "no inventory configured")
		return
	}
	target, err := s.deps.Inventory.Target(serverID)
	if err != nil {
		respondFailure(w, err, nil)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.connectTimeout)
	defer cancel()
	if _, err := s.deps.Dialer.RunOnce(ctx, target, terminalConnectCommand); err != nil {
		s.logger.Warn("terminal session connect failed", "server_id", target.ServerID, "err", err)
		respondFailure(w, err, nil)
		return
	}
	sess := s.terminals.add(target)
	s.logger.Info("terminal session created", "session_id", sess.ID, "server_id", sess.ServerID)
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "data": sess})
}

func (s *Server) handleTerminalExec(w http.ResponseWriter, r *http.Request) {
	var req terminalExecRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "command is required")
		return
	}
	sess, err := s.terminals.use(r.PathValue("id"))
	if err != nil {
		respondFailure(w, err, nil)
		return
	}
	if s.deps.Dialer == nil {
		respondError(w, http.StatusServiceUnavailable, "INVENTORY_UNAVAILABLE", "no shell backend configured")
		return
	}
	s.auditExec(sess, audit.Entry{Type: audit.TypeRemoteCommand, Command: req.Command})

	ctx, cancel := context.WithTimeout(r.Context(), req.timeout())
	defer cancel()
	res, err := s.deps.Dialer.RunOnce(ctx, sess.target, req.Command)
	if err != nil {
		s.logger.Warn("terminal exec failed", "session_id", sess.ID, "server_id", sess.ServerID, "err", err)
		s.auditExec(sess, audit.Entry{
			Type:    audit.TypeRemoteCommandResult,
			Command: req.Command,
			Payload: protocol.MustRaw(map[string]any{"error": err.Error()}),
		})
		respondFailure(w, err, nil)
		return
	}
	s.auditExec(sess, audit.Entry{
		Type:    audit.TypeRemoteCommandResult,
		Command: req.Command,
		Output:  res.Stdout,
		Payload: protocol.MustRaw(map[string]any{"stderr": res.Stderr, "exitCode": res.ExitCode}),
	})
	respondOK(w, map[string]any{
		"sessionId": sess.ID,
		"exitCode":  res.ExitCode,
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
	})
}

func (s *Server) handleTerminalClose(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if !s.terminals.remove(id) {
		respondFailure(w, errTerminalNotFound, nil)
		return
	}
	s.logger.Info("terminal session closed", "session_id", id)
	respondOK(w, map[string]any{"sessionId": id, "closed": true})
}

func (s *Server) auditExec(sess terminalSession, e audit.Entry) {
	if s.deps.Audit == nil {
		return
	}
	e.SessionID = sess.ID
	e.ServerID = sess.target.ServerID
	e.ServerName = sess.target.Name
	e.ServerHost = sess.target.Host
	s.deps.Audit.Emit(e)
}

// Run reaps headless terminal sessions that have been idle for ten minutes.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(terminalSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, id := range s.terminals.sweep(time.Now()) {
				s.logger.Info("closed stale terminal session", "session_id", id)
			}
		}
	}
}
