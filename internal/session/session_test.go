package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"termbridge/internal/protocol"
	"termbridge/internal/shell"
)

type fakeEndpoint struct {
	writes     []string
	sent       []protocol.Message
	terminated string
}

func (f *fakeEndpoint) WriteInput(data string) error {
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeEndpoint) Send(msg protocol.Message) error {
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeEndpoint) Exec(_ context.Context, command string) (shell.ExecResult, error) {
	return shell.ExecResult{Stdout: "ran " + command}, nil
}

func (f *fakeEndpoint) Terminate(reason string) { f.terminated = reason }

func TestClaim_DifferentOwnerIsBusy(t *testing.T) {
	s := New("s1", Origin{ServerID: "web1"}, time.Now())
	if err := s.Claim("skill:a", func(string) {}); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if err := s.Claim("restcmd", func(string) {}); !errors.Is(err, ErrSubscriberBusy) {
		t.Fatalf("expected ErrSubscriberBusy, got %v", err)
	}
	if s.SubscriberOwner() != "skill:a" {
		t.Fatalf("slot must keep the first owner, got %q", s.SubscriberOwner())
	}
}

func TestClaim_SameOwnerReplacesCallback(t *testing.T) {
	s := New("s1", Origin{}, time.Now())
	var got []string
	_ = s.Claim("restcmd", func(out string) { got = append(got, "old:"+out) })
	_ = s.Claim("restcmd", func(out string) { got = append(got, "new:"+out) })
	s.Notify("x")
	if len(got) != 1 || got[0] != "new:x" {
		t.Fatalf("unexpected notifications: %v", got)
	}
}

func TestRelease_StaleOwnerCannotRelease(t *testing.T) {
	s := New("s1", Origin{}, time.Now())
	_ = s.Claim("skill:a", func(string) {})
	if s.Release("skill:b") {
		t.Fatal("non-owner must not release the slot")
	}
	if !s.Release("skill:a") {
		t.Fatal("owner release should succeed")
	}
	if s.Notify("after release") {
		t.Fatal("notify after release must not reach any subscriber")
	}
}

func TestPendingLine_TakeClears(t *testing.T) {
	s := New("s1", Origin{}, time.Now())
	s.SetPendingLine(" line-1 ")
	if got := s.TakePendingLine(); got != "line-1" {
		t.Fatalf("unexpected pending line: %q", got)
	}
	if got := s.TakePendingLine(); got != "" {
		t.Fatalf("pending line should be cleared, got %q", got)
	}
}

func TestEndpointForwarding(t *testing.T) {
	s := New("s1", Origin{}, time.Now())
	if err := s.WriteInput("ls\n"); !errors.Is(err, ErrDetached) {
		t.Fatalf("expected ErrDetached before bind, got %v", err)
	}
	ep := &fakeEndpoint{}
	s.Bind(ep)
	if err := s.WriteInput("ls\n"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_ = s.Send(protocol.Data("x"))
	res, _ := s.Exec(context.Background(), "uptime")
	s.Terminate("api")
	if len(ep.writes) != 1 || len(ep.sent) != 1 || res.Stdout != "ran uptime" || ep.terminated != "api" {
		t.Fatalf("unexpected endpoint state: %+v res=%+v", ep, res)
	}
}

func TestRegistry_RemoveRunsHooksOnce(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	r.Add(New("b", Origin{}, base.Add(time.Second)))
	r.Add(New("a", Origin{}, base))

	removed := 0
	r.OnRemove(func(s *RemoteSession) { removed++ })

	list := r.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("unexpected list order: %+v", list)
	}
	if !r.Remove("a") {
		t.Fatal("first remove should report true")
	}
	if r.Remove("a") {
		t.Fatal("second remove should report false")
	}
	if removed != 1 {
		t.Fatalf("hook should run once, ran %d", removed)
	}
	if _, err := r.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("unexpected len: %d", r.Len())
	}
}

func TestRegistry_IndependentInstances(t *testing.T) {
	r1, r2 := NewRegistry(), NewRegistry()
	r1.Add(New("s1", Origin{}, time.Now()))
	if _, err := r2.Get("s1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("registries must not share sessions")
	}
}
