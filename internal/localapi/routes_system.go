package localapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"termbridge/internal/audit"
	"termbridge/internal/inventory"
)

const (
	defaultServerTestTimeout = 5 * time.Second
	serverTestCommand        = "echo __OK__"
	serverTestMarker         = "__OK__"
)

func (s *Server) registerSystemRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/config", s.handleConfig)
	s.mux.HandleFunc("GET /api/logs", s.handleLogs)
	s.mux.HandleFunc("GET /api/servers", s.handleServers)
	s.mux.HandleFunc("POST /api/servers/{id}/test", s.handleServerTest)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, map[string]any{"status": "ok", "sessions": s.deps.Registry.Len()})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	prefix := strings.TrimSpace(s.deps.AICommandPrefix)
	if prefix == "" {
		prefix = "ai:"
	}
	respondOK(w, map[string]any{"aiCommandPrefix": prefix})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		respondOK(w, []audit.Entry{})
		return
	}
	q := audit.Query{
		SessionID: strings.TrimSpace(r.URL.Query().Get("session_id")),
		Type:      audit.Type(strings.TrimSpace(r.URL.Query().Get("type"))),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer")
			return
		}
		q.Limit = n
	}
	entries, err := s.deps.Audit.List(r.Context(), q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "LOG_READ_FAILED", err.Error())
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	respondOK(w, entries)
}

func (s *Server) handleServers(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Inventory == nil {
		respondOK(w, []inventory.Server{})
		return
	}
	inv, err := s.deps.Inventory.Load()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INVENTORY_LOAD_FAILED", err.Error())
		return
	}
	servers := inv.Servers()
	if servers == nil {
		servers = []inventory.Server{}
	}
	respondOK(w, servers)
}

// handleServerTest opens a fresh connection and runs a marker command to
// check the server's credential.
func (s *Server) handleServerTest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Inventory == nil || s.deps.Dialer == nil {
		respondError(w, http.StatusServiceUnavailable, "INVENTORY_UNAVAILABLE", "no inventory configured")
		return
	}
	target, err := s.deps.Inventory.Target(r.PathValue("id"))
	if err != nil {
		respondFailure(w, err, nil)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.testTimeout)
	defer cancel()
	res, err := s.deps.Dialer.RunOnce(ctx, target, serverTestCommand)
	if err != nil {
		s.logger.Warn("server test failed", "server_id", target.ServerID, "err", err)
		respondFailure(w, err, nil)
		return
	}
	respondOK(w, map[string]any{
		"serverId": target.ServerID,
		"ok":       res.ExitCode == 0 && strings.Contains(res.Stdout, serverTestMarker),
		"result":   res,
	})
}
