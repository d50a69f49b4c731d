package localapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"termbridge/internal/audit"
	"termbridge/internal/protocol"
	"termbridge/internal/restcmd"
	"termbridge/internal/session"
	"termbridge/internal/shell"
)

func TestTerminalWS_RelaysBothWays(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dialTerminal(t, "serverId=web&cols=120&rows=40")

	sessionMsg := readUntil(t, conn, protocol.TypeSession)
	if sessionMsg.SessionID == "" {
		t.Fatal("expected session id")
	}
	sess, err := env.registry.Get(sessionMsg.SessionID)
	if err != nil {
		t.Fatalf("session not registered: %v", err)
	}
	if sess.Origin.ServerID != "web" || sess.Origin.ServerHost != "10.0.0.5" {
		t.Fatalf("unexpected origin: %+v", sess.Origin)
	}

	ch := env.dialer.channel(t)
	sendMessage(t, conn, protocol.Message{Type: protocol.TypeData, Data: "ls\r"})
	eventually(t, "input reaches channel", func() bool { return ch.Written() == "ls\r" })

	if _, err := ch.outW.Write([]byte("hello\r\n")); err != nil {
		t.Fatalf("write stdout: %v", err)
	}
	got := ""
	for !strings.Contains(got, "hello") {
		got += readUntil(t, conn, protocol.TypeData).Data
	}
}

func TestTerminalWS_RemoteCommandRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dialTerminal(t, "serverId=web")
	id := readUntil(t, conn, protocol.TypeSession).SessionID

	code, out := env.do(t, http.MethodPost, "/api/sessions/"+id+"/command", `{"command":"uptime"}`)
	if code != http.StatusOK {
		t.Fatalf("submit status = %d %+v", code, out.Error)
	}
	var cmd restcmd.Command
	decodeData(t, out, &cmd)
	if cmd.Status != restcmd.StatusPending || cmd.ID == "" {
		t.Fatalf("unexpected command: %+v", cmd)
	}

	remote := readUntil(t, conn, protocol.TypeRemoteCommand)
	if remote.CommandID != cmd.ID || remote.Command != "uptime" {
		t.Fatalf("unexpected remote_command: %+v", remote)
	}
	exit := 0
	sendMessage(t, conn, protocol.Message{
		Type:      protocol.TypeCommandResult,
		CommandID: cmd.ID,
		Status:    "completed",
		Stdout:    "up 3 days",
		ExitCode:  &exit,
	})

	eventually(t, "command completed", func() bool {
		_, out := env.do(t, http.MethodGet, "/api/command/"+cmd.ID, "")
		var polled restcmd.Command
		decodeData(t, out, &polled)
		return polled.Status == restcmd.StatusCompleted && polled.Result != nil && polled.Result.Stdout == "up 3 days"
	})

	eventually(t, "audit entries readable", func() bool {
		_, out := env.do(t, http.MethodGet, "/api/logs?session_id="+id, "")
		var entries []audit.Entry
		decodeData(t, out, &entries)
		seen := map[audit.Type]bool{}
		for _, e := range entries {
			seen[e.Type] = true
		}
		return seen[audit.TypeRemoteCommand] && seen[audit.TypeRemoteCommandResult]
	})
}

func TestTerminalWS_SyncCommandWaitsForReport(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dialTerminal(t, "serverId=web")
	id := readUntil(t, conn, protocol.TypeSession).SessionID

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for {
			_, raw, err := conn.Read(ctx)
			if err != nil {
				return
			}
			msg, err := protocol.Decode(raw)
			if err != nil || msg.Type != protocol.TypeRemoteCommand {
				continue
			}
			reply, _ := json.Marshal(protocol.Message{Type: protocol.TypeCommandResult, CommandID: msg.CommandID, Stdout: "done"})
			_ = conn.Write(ctx, websocket.MessageText, reply)
			return
		}
	}()

	code, out := env.do(t, http.MethodPost, "/api/sessions/"+id+"/command?wait=true", `{"command":"make","timeoutMs":3000}`)
	if code != http.StatusOK {
		t.Fatalf("submit status = %d %+v", code, out.Error)
	}
	var cmd restcmd.Command
	decodeData(t, out, &cmd)
	if cmd.Status != restcmd.StatusCompleted || cmd.Result == nil || cmd.Result.Stdout != "done" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestTerminalWS_CloseSessionTearsDown(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dialTerminal(t, "serverId=web")
	id := readUntil(t, conn, protocol.TypeSession).SessionID
	ch := env.dialer.channel(t)

	code, out := env.do(t, http.MethodGet, "/api/sessions", "")
	var infos []session.Info
	decodeData(t, out, &infos)
	if code != http.StatusOK || len(infos) != 1 || infos[0].ID != id {
		t.Fatalf("list sessions = %d %+v", code, infos)
	}

	code, _ = env.do(t, http.MethodDelete, "/api/sessions/"+id, "")
	if code != http.StatusOK {
		t.Fatalf("close status = %d", code)
	}
	eventually(t, "session removed", func() bool { return env.registry.Len() == 0 })
	eventually(t, "channel closed", ch.closed)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}

	code, out = env.do(t, http.MethodDelete, "/api/sessions/"+id, "")
	if code != http.StatusNotFound || out.Error.Code != "SESSION_NOT_FOUND" {
		t.Fatalf("second close = %d %+v", code, out.Error)
	}
}

func TestTerminalWS_UnknownServerIsFatal(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dialTerminal(t, "serverId=nope")

	msg := readUntil(t, conn, protocol.TypeFatal)
	if !strings.Contains(msg.Error, "server not found") {
		t.Fatalf("fatal error = %q", msg.Error)
	}
	if env.registry.Len() != 0 {
		t.Fatal("no session should be registered")
	}
}

func TestTerminalWS_DialFailureIsFatal(t *testing.T) {
	env := newTestEnv(t, nil)
	env.dialer.mu.Lock()
	env.dialer.openErr = &shell.AuthError{Server: "web", Err: errors.New("no supported methods remain")}
	env.dialer.mu.Unlock()
	conn := env.dialTerminal(t, "serverId=web")

	msg := readUntil(t, conn, protocol.TypeFatal)
	if !strings.Contains(msg.Error, "authentication to web failed") {
		t.Fatalf("fatal error = %q", msg.Error)
	}
}

func TestSubmitCommand_UnknownSessionAndEmptyCommand(t *testing.T) {
	env := newTestEnv(t, nil)

	code, out := env.do(t, http.MethodPost, "/api/sessions/missing/command", `{"command":"ls"}`)
	if code != http.StatusNotFound || out.Error.Code != "SESSION_NOT_FOUND" {
		t.Fatalf("unknown session = %d %+v", code, out.Error)
	}

	conn := env.dialTerminal(t, "serverId=web")
	id := readUntil(t, conn, protocol.TypeSession).SessionID
	code, out = env.do(t, http.MethodPost, "/api/sessions/"+id+"/command", `{"command":"  "}`)
	if code != http.StatusBadRequest {
		t.Fatalf("empty command = %d %+v", code, out.Error)
	}

	code, _ = env.do(t, http.MethodGet, "/api/command/missing", "")
	if code != http.StatusNotFound {
		t.Fatalf("unknown command = %d", code)
	}
}

func TestTerminalWS_MissedPongEndsSession(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.PingInterval = 200 * time.Millisecond
		d.PingTimeout = 20 * time.Millisecond
	})
	removed := make(chan string, 1)
	env.registry.OnRemove(func(s *session.RemoteSession) { removed <- s.ID })

	// The client never reads, so pings are never answered.
	_ = env.dialTerminal(t, "serverId=web")
	var id string
	eventually(t, "session registered", func() bool {
		infos := env.registry.List()
		if len(infos) == 0 {
			return false
		}
		id = infos[0].ID
		return true
	})

	type submitted struct {
		cmd restcmd.Command
		err error
	}
	waiter := make(chan submitted, 1)
	go func() {
		cmd, err := env.commands.Submit(context.Background(), restcmd.SubmitRequest{
			SessionID: id,
			Command:   "sleep 60",
			Timeout:   30 * time.Second,
			Wait:      true,
		})
		waiter <- submitted{cmd: cmd, err: err}
	}()

	select {
	case got := <-removed:
		if got != id {
			t.Fatalf("removed session %q, want %q", got, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session was not removed after missed pong")
	}
	select {
	case res := <-waiter:
		if res.err != nil {
			t.Fatalf("submit: %v", res.err)
		}
		if res.cmd.Status != restcmd.StatusRejected {
			t.Fatalf("waiter status = %q, want rejected", res.cmd.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiting command was not rejected")
	}
	if _, err := env.registry.Get(id); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("session should be gone, got %v", err)
	}
}
