// Package shell opens interactive shells and one-shot commands on inventory
// servers, over SSH or a local PTY.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrTimeout = errors.New("shell command timed out")

// AuthError reports a credential resolution or authentication failure.
type AuthError struct {
	Server string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication to %s failed: %v", e.Server, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConnectError reports a network or handshake failure.
type ConnectError struct {
	Server string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s failed: %v", e.Server, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

const (
	TransportSSH   = "ssh"
	TransportLocal = "local"
)

type Credential struct {
	PrivateKey     string
	PrivateKeyPath string
	Passphrase     string
	Password       string
	UseAgent       bool
}

// Target is a resolved inventory server.
type Target struct {
	ServerID   string
	Name       string
	Host       string
	Port       int
	User       string
	Transport  string
	OS         string
	Credential Credential
}

func (t Target) Address() string {
	port := t.Port
	if port <= 0 {
		port = 22
	}
	host := strings.TrimSpace(t.Host)
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func (t Target) label() string {
	if strings.TrimSpace(t.Name) != "" {
		return t.Name
	}
	if strings.TrimSpace(t.ServerID) != "" {
		return t.ServerID
	}
	return t.Address()
}

type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Channel is one live interactive shell.
type Channel interface {
	io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	Resize(cols, rows int) error
	// Exec runs a one-shot command on the same connection.
	Exec(ctx context.Context, command string) (ExecResult, error)
	// Done is closed once the remote shell has exited.
	Done() <-chan struct{}
	Close() error
}

type Dialer interface {
	Open(ctx context.Context, target Target, cols, rows int) (Channel, error)
	RunOnce(ctx context.Context, target Target, command string) (ExecResult, error)
}

// Dialers routes a target to the backend named by its transport.
type Dialers struct {
	SSH   Dialer
	Local Dialer
}

func (d Dialers) pick(target Target) (Dialer, error) {
	switch strings.ToLower(strings.TrimSpace(target.Transport)) {
	case "", TransportSSH:
		if d.SSH == nil {
			return nil, &ConnectError{Server: target.label(), Err: errors.New("ssh transport is not configured")}
		}
		return d.SSH, nil
	case TransportLocal:
		if d.Local == nil {
			return nil, &ConnectError{Server: target.label(), Err: errors.New("local transport is not configured")}
		}
		return d.Local, nil
	default:
		return nil, &ConnectError{Server: target.label(), Err: fmt.Errorf("unknown transport %q", target.Transport)}
	}
}

func (d Dialers) Open(ctx context.Context, target Target, cols, rows int) (Channel, error) {
	dialer, err := d.pick(target)
	if err != nil {
		return nil, err
	}
	return dialer.Open(ctx, target, cols, rows)
}

func (d Dialers) RunOnce(ctx context.Context, target Target, command string) (ExecResult, error) {
	dialer, err := d.pick(target)
	if err != nil {
		return ExecResult{}, err
	}
	return dialer.RunOnce(ctx, target, command)
}

func normalizeSize(cols, rows int) (int, int) {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	return cols, rows
}
