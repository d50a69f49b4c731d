package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"termbridge/internal/logging"
)

const defaultHandshakeTimeout = 20 * time.Second

type SSHDialer struct {
	KnownHostsPath   string
	HandshakeTimeout time.Duration
	Logger           *slog.Logger

	readFile  func(string) ([]byte, error)
	agentSock func() string
}

func NewSSHDialer(knownHostsPath string, logger *slog.Logger) *SSHDialer {
	return &SSHDialer{
		KnownHostsPath:   strings.TrimSpace(knownHostsPath),
		HandshakeTimeout: defaultHandshakeTimeout,
		Logger:           logging.Module(logger, "shell.ssh"),
	}
}

func (d *SSHDialer) logger() *slog.Logger {
	if d == nil || d.Logger == nil {
		return logging.Discard()
	}
	return d.Logger
}

// authMethods resolves credentials in order: key, passphrase-protected key,
// password, agent. All present methods are offered, first one first.
func (d *SSHDialer) authMethods(cred Credential) ([]ssh.AuthMethod, func(), error) {
	readFile := os.ReadFile
	if d.readFile != nil {
		readFile = d.readFile
	}
	methods := make([]ssh.AuthMethod, 0, 3)
	cleanup := func() {}

	keyPEM := []byte(cred.PrivateKey)
	var keyErr error
	if len(bytes.TrimSpace(keyPEM)) == 0 && strings.TrimSpace(cred.PrivateKeyPath) != "" {
		keyPEM, keyErr = readFile(expandHome(cred.PrivateKeyPath))
	}
	if len(bytes.TrimSpace(keyPEM)) > 0 {
		var signer ssh.Signer
		if cred.Passphrase != "" {
			signer, keyErr = ssh.ParsePrivateKeyWithPassphrase(keyPEM, []byte(cred.Passphrase))
		} else {
			signer, keyErr = ssh.ParsePrivateKey(keyPEM)
		}
		if keyErr == nil {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}
	if cred.Password != "" {
		password := cred.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if cred.UseAgent || len(methods) == 0 {
		sockPath := os.Getenv("SSH_AUTH_SOCK")
		if d.agentSock != nil {
			sockPath = d.agentSock()
		}
		if strings.TrimSpace(sockPath) != "" {
			conn, err := net.Dial("unix", sockPath)
			if err == nil {
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
				cleanup = func() { _ = conn.Close() }
			} else {
				d.logger().Warn("ssh agent unavailable", "err", err)
			}
		}
	}
	if len(methods) == 0 {
		if keyErr != nil {
			return nil, cleanup, keyErr
		}
		return nil, cleanup, errors.New("no usable credentials")
	}
	return methods, cleanup, nil
}

func (d *SSHDialer) hostKeyCallback() ssh.HostKeyCallback {
	if path := strings.TrimSpace(d.KnownHostsPath); path != "" {
		cb, err := knownhosts.New(expandHome(path))
		if err == nil {
			return cb
		}
		d.logger().Warn("known_hosts unreadable, host keys are not verified", "path", path, "err", err)
	}
	return ssh.InsecureIgnoreHostKey()
}

func (d *SSHDialer) connect(ctx context.Context, target Target) (*ssh.Client, error) {
	label := target.label()
	methods, cleanup, err := d.authMethods(target.Credential)
	if err != nil {
		cleanup()
		return nil, &AuthError{Server: label, Err: err}
	}
	defer cleanup()

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	cfg := &ssh.ClientConfig{
		User:            strings.TrimSpace(target.User),
		Auth:            methods,
		HostKeyCallback: d.hostKeyCallback(),
		Timeout:         timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var nd net.Dialer
	conn, err := nd.DialContext(dialCtx, "tcp", target.Address())
	if err != nil {
		return nil, &ConnectError{Server: label, Err: err}
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, target.Address(), cfg)
	if err != nil {
		_ = conn.Close()
		if isAuthFailure(err) {
			return nil, &AuthError{Server: label, Err: err}
		}
		return nil, &ConnectError{Server: label, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func isAuthFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain")
}

func (d *SSHDialer) Open(ctx context.Context, target Target, cols, rows int) (Channel, error) {
	client, err := d.connect(ctx, target)
	if err != nil {
		return nil, err
	}
	ch, err := openSSHShell(client, cols, rows)
	if err != nil {
		_ = client.Close()
		return nil, &ConnectError{Server: target.label(), Err: err}
	}
	return ch, nil
}

func (d *SSHDialer) RunOnce(ctx context.Context, target Target, command string) (ExecResult, error) {
	client, err := d.connect(ctx, target)
	if err != nil {
		return ExecResult{}, err
	}
	defer func() { _ = client.Close() }()
	return execSSH(ctx, client, command)
}

type sshChannel struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader
	done    chan struct{}
	once    sync.Once
}

func openSSHShell(client *ssh.Client, cols, rows int) (*sshChannel, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*sshChannel, error) {
		_ = sess.Close()
		return nil, err
	}
	cols, rows = normalizeSize(cols, rows)
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-color", rows, cols, modes); err != nil {
		return fail(fmt.Errorf("request pty: %w", err))
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		return fail(err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return fail(err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return fail(err)
	}
	if err := sess.Shell(); err != nil {
		return fail(fmt.Errorf("start shell: %w", err))
	}
	ch := &sshChannel{
		client:  client,
		session: sess,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		done:    make(chan struct{}),
	}
	go func() {
		_ = sess.Wait()
		close(ch.done)
	}()
	return ch, nil
}

func (c *sshChannel) Write(p []byte) (int, error) { return c.stdin.Write(p) }

func (c *sshChannel) Stdout() io.Reader { return c.stdout }

func (c *sshChannel) Stderr() io.Reader { return c.stderr }

func (c *sshChannel) Resize(cols, rows int) error {
	cols, rows = normalizeSize(cols, rows)
	return c.session.WindowChange(rows, cols)
}

func (c *sshChannel) Exec(ctx context.Context, command string) (ExecResult, error) {
	return execSSH(ctx, c.client, command)
}

func (c *sshChannel) Done() <-chan struct{} { return c.done }

func (c *sshChannel) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.stdin.Close()
		_ = c.session.Close()
		err = c.client.Close()
	})
	return err
}

func execSSH(ctx context.Context, client *ssh.Client, command string) (ExecResult, error) {
	sess, err := client.NewSession()
	if err != nil {
		return ExecResult{}, err
	}
	defer func() { _ = sess.Close() }()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ExecResult{}, ErrTimeout
		}
		return ExecResult{}, ctx.Err()
	case err := <-errCh:
		res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		var exitErr *ssh.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitStatus()
		default:
			return res, err
		}
		return res, nil
	}
}

func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
