package shell

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLocalDialer_RunOnce(t *testing.T) {
	d := NewLocalDialer("/bin/sh")
	res, err := d.RunOnce(context.Background(), Target{}, "echo out; echo err >&2; exit 3")
	if err != nil {
		t.Fatalf("run once failed: %v", err)
	}
	if res.Stdout != "out\n" || res.Stderr != "err\n" || res.ExitCode != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestLocalDialer_RunOnceTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := NewLocalDialer("/bin/sh").RunOnce(ctx, Target{}, "sleep 5")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLocalDialer_OpenInteractive(t *testing.T) {
	ch, err := NewLocalDialer("/bin/sh").Open(context.Background(), Target{Transport: TransportLocal}, 100, 30)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	out := &lockedBuffer{}
	go func() { _, _ = io.Copy(out, ch.Stdout()) }()

	if err := ch.Resize(120, 40); err != nil {
		t.Fatalf("resize failed: %v", err)
	}
	if _, err := ch.Write([]byte("echo hello-$((40+2))\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "hello-42") {
		if time.Now().After(deadline) {
			t.Fatalf("did not see command output, got %q", out.String())
		}
		time.Sleep(20 * time.Millisecond)
	}

	_ = ch.Close()
	select {
	case <-ch.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("done channel not closed after Close")
	}
}

func TestDialers_RoutesByTransport(t *testing.T) {
	d := Dialers{Local: NewLocalDialer("/bin/sh")}
	res, err := d.RunOnce(context.Background(), Target{Transport: "LOCAL"}, "echo routed")
	if err != nil || res.Stdout != "routed\n" {
		t.Fatalf("unexpected local routing result: %+v err=%v", res, err)
	}

	var connErr *ConnectError
	if _, err := d.RunOnce(context.Background(), Target{Host: "h"}, "true"); !errors.As(err, &connErr) {
		t.Fatalf("missing ssh dialer should be ConnectError, got %v", err)
	}
	if _, err := d.Open(context.Background(), Target{Transport: "telnet"}, 80, 24); !errors.As(err, &connErr) {
		t.Fatalf("unknown transport should be ConnectError, got %v", err)
	}
}
