package localapi

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"termbridge/internal/audit"
	"termbridge/internal/shell"
)

type terminalExecResponse struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
}

func createTerminal(t *testing.T, env *testEnv) string {
	t.Helper()
	code, out := env.do(t, http.MethodPost, "/api/v1/terminal/sessions", `{"serverId":"web"}`)
	if code != http.StatusCreated {
		t.Fatalf("create status = %d %+v", code, out.Error)
	}
	var sess terminalSession
	decodeData(t, out, &sess)
	if sess.ID == "" || sess.ServerID != "web" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	return sess.ID
}

func TestTerminalAPI_CreateExecClose(t *testing.T) {
	env := newTestEnv(t, nil)
	id := createTerminal(t, env)
	if got := env.dialer.ranCommands(); len(got) != 1 || got[0] != terminalConnectCommand {
		t.Fatalf("connect check commands = %v", got)
	}

	env.dialer.mu.Lock()
	env.dialer.runRes = shell.ExecResult{ExitCode: 2, Stdout: "partial", Stderr: "ls: /nope: No such file"}
	env.dialer.mu.Unlock()
	code, out := env.do(t, http.MethodPost, "/api/v1/terminal/sessions/"+id+"/exec", `{"command":"ls /nope"}`)
	if code != http.StatusOK {
		t.Fatalf("exec status = %d %+v", code, out.Error)
	}
	var res terminalExecResponse
	decodeData(t, out, &res)
	if res.SessionID != id || res.ExitCode != 2 || res.Stdout != "partial" || res.Stderr != "ls: /nope: No such file" {
		t.Fatalf("unexpected exec result: %+v", res)
	}
	if got := env.dialer.ranCommands(); got[len(got)-1] != "ls /nope" {
		t.Fatalf("last command = %q", got[len(got)-1])
	}

	eventually(t, "exec audited", func() bool {
		_, out := env.do(t, http.MethodGet, "/api/logs?session_id="+id, "")
		var entries []audit.Entry
		decodeData(t, out, &entries)
		seen := map[audit.Type]bool{}
		for _, e := range entries {
			if e.ServerID == "web" && e.Command == "ls /nope" {
				seen[e.Type] = true
			}
		}
		return seen[audit.TypeRemoteCommand] && seen[audit.TypeRemoteCommandResult]
	})

	code, _ = env.do(t, http.MethodDelete, "/api/v1/terminal/sessions/"+id, "")
	if code != http.StatusOK {
		t.Fatalf("close status = %d", code)
	}
	code, out = env.do(t, http.MethodDelete, "/api/v1/terminal/sessions/"+id, "")
	if code != http.StatusNotFound || out.Error.Code != "SESSION_NOT_FOUND" {
		t.Fatalf("second close = %d %+v", code, out.Error)
	}
	code, out = env.do(t, http.MethodPost, "/api/v1/terminal/sessions/"+id+"/exec", `{"command":"uptime"}`)
	if code != http.StatusNotFound || out.Error.Code != "SESSION_NOT_FOUND" {
		t.Fatalf("exec after close = %d %+v", code, out.Error)
	}
}

func TestTerminalAPI_CreateFailures(t *testing.T) {
	env := newTestEnv(t, nil)

	code, out := env.do(t, http.MethodPost, "/api/v1/terminal/sessions", `{}`)
	if code != http.StatusBadRequest || out.Error.Code != "INVALID_REQUEST" {
		t.Fatalf("missing server = %d %+v", code, out.Error)
	}
	code, out = env.do(t, http.MethodPost, "/api/v1/terminal/sessions", `{"serverId":"nope"}`)
	if code != http.StatusNotFound || out.Error.Code != "SERVER_NOT_FOUND" {
		t.Fatalf("unknown server = %d %+v", code, out.Error)
	}

	env.dialer.mu.Lock()
	env.dialer.runErr = &shell.ConnectError{Server: "web", Err: errors.New("connection refused")}
	env.dialer.mu.Unlock()
	code, out = env.do(t, http.MethodPost, "/api/v1/terminal/sessions", `{"serverId":"web"}`)
	if code != http.StatusBadGateway || out.Error.Code != "CONNECT_FAILED" {
		t.Fatalf("connect failure = %d %+v", code, out.Error)
	}
	if n := env.srv.terminals.count(); n != 0 {
		t.Fatalf("no session should be kept, got %d", n)
	}
}

func TestTerminalAPI_ExecTimesOut(t *testing.T) {
	env := newTestEnv(t, nil)
	id := createTerminal(t, env)

	code, out := env.do(t, http.MethodPost, "/api/v1/terminal/sessions/"+id+"/exec", `{"command":"  "}`)
	if code != http.StatusBadRequest {
		t.Fatalf("empty command = %d %+v", code, out.Error)
	}

	env.dialer.mu.Lock()
	env.dialer.runBlocks = true
	env.dialer.mu.Unlock()
	start := time.Now()
	code, out = env.do(t, http.MethodPost, "/api/v1/terminal/sessions/"+id+"/exec", `{"command":"sleep 60","timeoutMs":50}`)
	if code != http.StatusGatewayTimeout || out.Error.Code != "TIMEOUT" {
		t.Fatalf("timeout = %d %+v", code, out.Error)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("exec ignored its timeout, took %v", elapsed)
	}
}

func TestTerminalExecRequest_Timeout(t *testing.T) {
	cases := []struct {
		req  terminalExecRequest
		want time.Duration
	}{
		{terminalExecRequest{}, defaultTerminalExecTimeout},
		{terminalExecRequest{TimeoutMs: 1500}, 1500 * time.Millisecond},
		{terminalExecRequest{Timeout: 2000}, 2 * time.Second},
		{terminalExecRequest{TimeoutMs: 100, Timeout: 2000}, 100 * time.Millisecond},
		{terminalExecRequest{TimeoutMs: 1 << 30}, maxTerminalExecTimeout},
	}
	for _, tc := range cases {
		if got := tc.req.timeout(); got != tc.want {
			t.Fatalf("%+v timeout = %v, want %v", tc.req, got, tc.want)
		}
	}
}

func TestTerminalSessions_SweepsOnlyIdle(t *testing.T) {
	clock := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	sessions := newTerminalSessions(func() time.Time { return clock })
	busy := sessions.add(shell.Target{ServerID: "web"})
	idle := sessions.add(shell.Target{ServerID: "db"})

	clock = clock.Add(9 * time.Minute)
	if _, err := sessions.use(busy.ID); err != nil {
		t.Fatalf("use: %v", err)
	}
	clock = clock.Add(time.Minute)
	if got := sessions.sweep(clock); len(got) != 1 || got[0] != idle.ID {
		t.Fatalf("first sweep = %v, want [%s]", got, idle.ID)
	}
	if got := sessions.sweep(clock.Add(8 * time.Minute)); len(got) != 0 {
		t.Fatalf("recently used session swept: %v", got)
	}
	if got := sessions.sweep(clock.Add(9 * time.Minute)); len(got) != 1 || got[0] != busy.ID {
		t.Fatalf("second sweep = %v, want [%s]", got, busy.ID)
	}
	if _, err := sessions.use(busy.ID); !errors.Is(err, errTerminalNotFound) {
		t.Fatalf("expected errTerminalNotFound, got %v", err)
	}
}

func TestServerRun_StopsOnCancel(t *testing.T) {
	srv := NewServer(Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}
