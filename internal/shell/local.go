package shell

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
)

// LocalDialer runs the shell on this host inside a PTY. The PTY merges stderr
// into stdout, so Stderr() is always empty.
type LocalDialer struct {
	Shell string
	Env   []string
}

func NewLocalDialer(shellPath string) *LocalDialer {
	return &LocalDialer{Shell: strings.TrimSpace(shellPath)}
}

func (d *LocalDialer) shell() string {
	if d != nil && strings.TrimSpace(d.Shell) != "" {
		return d.Shell
	}
	return "/bin/sh"
}

func (d *LocalDialer) Open(_ context.Context, target Target, cols, rows int) (Channel, error) {
	cols, rows = normalizeSize(cols, rows)
	cmd := exec.Command(d.shell())
	cmd.Env = append(append(os.Environ(), "TERM=xterm-color"), d.Env...)
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, &ConnectError{Server: target.label(), Err: err}
	}
	ch := &localChannel{dialer: d, cmd: cmd, pty: f, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(ch.done)
	}()
	return ch, nil
}

func (d *LocalDialer) RunOnce(ctx context.Context, _ Target, command string) (ExecResult, error) {
	return runLocal(ctx, d.shell(), command)
}

type localChannel struct {
	dialer *LocalDialer
	cmd    *exec.Cmd
	pty    *os.File
	done   chan struct{}
	once   sync.Once
}

func (c *localChannel) Write(p []byte) (int, error) { return c.pty.Write(p) }

func (c *localChannel) Stdout() io.Reader { return c.pty }

func (c *localChannel) Stderr() io.Reader { return strings.NewReader("") }

func (c *localChannel) Resize(cols, rows int) error {
	cols, rows = normalizeSize(cols, rows)
	return pty.Setsize(c.pty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (c *localChannel) Exec(ctx context.Context, command string) (ExecResult, error) {
	return runLocal(ctx, c.dialer.shell(), command)
}

func (c *localChannel) Done() <-chan struct{} { return c.done }

func (c *localChannel) Close() error {
	var err error
	c.once.Do(func() {
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		err = c.pty.Close()
	})
	return err
}

func runLocal(ctx context.Context, shellPath, command string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, shellPath, "-c", command)
	cmd.WaitDelay = 500 * time.Millisecond
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return ExecResult{}, ErrTimeout
		}
		return ExecResult{}, ctxErr
	}
	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, err
	}
	return res, nil
}
