// Package bridge relays one live shell channel to one client transport and
// segments the output into audited command units.
package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"termbridge/internal/audit"
	"termbridge/internal/llm"
	"termbridge/internal/logging"
	"termbridge/internal/prompt"
	"termbridge/internal/protocol"
	"termbridge/internal/session"
	"termbridge/internal/shell"
)

var ErrClosed = errors.New("bridge is closed")

const (
	defaultStderrFlushDelay = 500 * time.Millisecond
	defaultAITimeout        = 15 * time.Second
	defaultKnowledgeTimeout = 5 * time.Second
	defaultRemoteKnowledge  = "cat ~/.kosmos/README_kosmos.md 2>/dev/null"
	eventQueueSize          = 256
	readChunkSize           = 32 * 1024
	maxBufferBytes          = 1 << 20
	closeGrace              = 250 * time.Millisecond
)

// Transport is the client side of a session. Send must be safe for
// concurrent use.
type Transport interface {
	Send(msg protocol.Message) error
	Close(reason string) error
}

// CommandReporter receives command_result messages from the client.
type CommandReporter interface {
	Report(sessionID, commandID, status, stdout, stderr string, exitCode *int) bool
}

// Skills serves the skill protocol messages of the transport.
type Skills interface {
	Catalog(ctx context.Context) (any, error)
	Invoke(ctx context.Context, sessionID, name string, params map[string]string, prompt string) error
	Reply(ctx context.Context, skillSessionID, text string) error
}

type SystemPrompts interface {
	AISystemPrompt() string
}

type Options struct {
	Registry  *session.Registry
	Detector  prompt.Detector
	Audit     audit.Sink
	Completer llm.Completer
	Prompts   SystemPrompts
	Commands  CommandReporter
	Skills    Skills
	Logger    *slog.Logger

	AIPrefix               string
	KnowledgeFile          string
	RemoteKnowledgeCommand string
	AITimeout              time.Duration
	KnowledgeTimeout       time.Duration
	StderrFlushDelay       time.Duration

	readFile func(string) ([]byte, error)
}

func (o Options) withDefaults() Options {
	if o.Detector == nil {
		o.Detector = prompt.DefaultDetector()
	}
	if strings.TrimSpace(o.AIPrefix) == "" {
		o.AIPrefix = "ai:"
	}
	if strings.TrimSpace(o.RemoteKnowledgeCommand) == "" {
		o.RemoteKnowledgeCommand = defaultRemoteKnowledge
	}
	if o.AITimeout <= 0 {
		o.AITimeout = defaultAITimeout
	}
	if o.KnowledgeTimeout <= 0 {
		o.KnowledgeTimeout = defaultKnowledgeTimeout
	}
	if o.StderrFlushDelay <= 0 {
		o.StderrFlushDelay = defaultStderrFlushDelay
	}
	return o
}

// Bridge is the per-session actor. All session state below the event queue
// is owned by the dispatch goroutine.
type Bridge struct {
	sess   *session.RemoteSession
	ch     shell.Channel
	tr     Transport
	opts   Options
	logger *slog.Logger

	events  chan event
	stopped chan struct{}
	done    chan struct{}
	runOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	stdout      strings.Builder
	stderr      strings.Builder
	stderrTimer *time.Timer
	aiQueryID   string
}

func New(sess *session.RemoteSession, ch shell.Channel, tr Transport, opts Options) *Bridge {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		sess:    sess,
		ch:      ch,
		tr:      tr,
		opts:    opts,
		logger:  logging.Module(opts.Logger, "bridge").With("session_id", sess.ID),
		events:  make(chan event, eventQueueSize),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *Bridge) enqueue(ev event) bool {
	select {
	case <-b.stopped:
		return false
	default:
	}
	select {
	case b.events <- ev:
		return true
	case <-b.stopped:
		return false
	}
}

// Done is closed once the session has been fully torn down.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// HandleClientMessage queues one inbound transport message.
func (b *Bridge) HandleClientMessage(msg protocol.Message) {
	b.enqueue(evClientMessage{msg: msg})
}

// TransportClosed reports that the client side went away.
func (b *Bridge) TransportClosed(err error) {
	b.enqueue(evTransportClosed{err: err})
}

// WriteInput writes to the channel in queue order and waits for the write.
// It must not be called from a session subscriber callback.
func (b *Bridge) WriteInput(data string) error {
	done := make(chan error, 1)
	if !b.enqueue(evWrite{data: data, done: done}) {
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-b.stopped:
		return ErrClosed
	}
}

func (b *Bridge) Send(msg protocol.Message) error {
	select {
	case <-b.stopped:
		return ErrClosed
	default:
	}
	return b.tr.Send(msg)
}

func (b *Bridge) Exec(ctx context.Context, command string) (shell.ExecResult, error) {
	return b.ch.Exec(ctx, command)
}

func (b *Bridge) Terminate(reason string) {
	b.enqueue(evTerminate{reason: reason})
}

// Run pumps the channel and dispatches events until the session ends. Only
// the first call does anything.
func (b *Bridge) Run(ctx context.Context) error {
	var runErr error
	started := false
	b.runOnce.Do(func() {
		started = true
		runErr = b.run(ctx)
	})
	if !started {
		<-b.done
	}
	return runErr
}

func (b *Bridge) run(ctx context.Context) error {
	defer close(b.done)

	var pumps sync.WaitGroup
	stdoutDone := make(chan struct{})
	pumps.Add(3)
	go func() {
		defer pumps.Done()
		defer close(stdoutDone)
		err := b.pump(b.ch.Stdout(), func(s string) event { return evStdout{data: s} })
		b.enqueue(evChannelClosed{err: err})
	}()
	go func() {
		defer pumps.Done()
		_ = b.pump(b.ch.Stderr(), func(s string) event { return evStderr{data: s} })
	}()
	go func() {
		defer pumps.Done()
		select {
		case <-b.ch.Done():
			select {
			case <-stdoutDone:
			case <-time.After(closeGrace):
			}
			b.enqueue(evChannelClosed{})
		case <-ctx.Done():
			b.enqueue(evTerminate{reason: "shutdown"})
		case <-b.stopped:
		}
	}()

	var reason string
	var fatal error
	for reason == "" {
		reason, fatal = b.dispatch(<-b.events)
	}
	close(b.stopped)
	b.shutdown(reason, fatal)
	pumps.Wait()
	return fatal
}

// pump forwards channel output as events, keeping multi-byte runes whole.
func (b *Bridge) pump(r io.Reader, wrap func(string) event) error {
	if r == nil {
		return nil
	}
	buf := make([]byte, readChunkSize)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			complete, rest := splitUTF8(chunk)
			carry = append([]byte(nil), rest...)
			if len(complete) > 0 && !b.enqueue(wrap(string(complete))) {
				return nil
			}
		}
		if err != nil {
			if len(carry) > 0 {
				b.enqueue(wrap(string(carry)))
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
	}
}

// splitUTF8 holds back a trailing incomplete rune.
func splitUTF8(p []byte) ([]byte, []byte) {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if utf8.FullRune(p[i:]) {
			return p, nil
		}
		return p[:i], p[i:]
	}
	return p, nil
}

// keepTail returns at most n trailing bytes of s, starting on a rune boundary.
func keepTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}

// dispatch handles one event and returns a non-empty reason once the session
// must end.
func (b *Bridge) dispatch(ev event) (string, error) {
	switch e := ev.(type) {
	case evStdout:
		b.onStdout(e.data)
	case evStderr:
		b.onStderr(e.data)
	case evStderrFlush:
		b.stderrTimer = nil
		b.flushStderr()
	case evClientMessage:
		return b.handleClientMessage(e.msg)
	case evWrite:
		_, err := b.ch.Write([]byte(e.data))
		e.done <- err
	case evAIResult:
		b.onAIResult(e)
	case evChannelClosed:
		if e.err != nil {
			return "channel error", e.err
		}
		return "channel closed", nil
	case evTransportClosed:
		return "transport closed", nil
	case evTerminate:
		if strings.TrimSpace(e.reason) == "" {
			return "terminated", nil
		}
		return e.reason, nil
	}
	return "", nil
}

func (b *Bridge) onStdout(data string) {
	if err := b.tr.Send(protocol.Data(data)); err != nil {
		b.logger.Debug("relay stdout failed", "err", err)
	}
	b.stdout.WriteString(data)
	if b.stdout.Len() > maxBufferBytes {
		tail := keepTail(b.stdout.String(), maxBufferBytes/2)
		b.stdout.Reset()
		b.stdout.WriteString(tail)
	}
	boundary, ok := b.opts.Detector.Detect(b.stdout.String())
	if !ok {
		return
	}
	b.stdout.Reset()
	stdinID := b.sess.TakePendingLine()
	if boundary.Body != "" && !b.isAIEcho(boundary.Body) {
		entry := b.entry(audit.TypeStdout)
		entry.Output = boundary.Body
		entry.StdinID = stdinID
		b.emit(entry)
	}
	b.sess.Notify(boundary.Body)
}

func (b *Bridge) onStderr(data string) {
	if err := b.tr.Send(protocol.Stderr(data)); err != nil {
		b.logger.Debug("relay stderr failed", "err", err)
	}
	b.stderr.WriteString(data)
	if b.stderrTimer == nil {
		b.stderrTimer = time.AfterFunc(b.opts.StderrFlushDelay, func() {
			b.enqueue(evStderrFlush{})
		})
	}
}

func (b *Bridge) flushStderr() {
	text := strings.TrimSpace(prompt.StripANSI(b.stderr.String()))
	b.stderr.Reset()
	if text == "" {
		return
	}
	entry := b.entry(audit.TypeStderr)
	entry.Output = text
	entry.StdinID = b.sess.PendingLine()
	b.emit(entry)
}

func (b *Bridge) flushStdout() {
	raw := b.stdout.String()
	b.stdout.Reset()
	text := strings.TrimSpace(prompt.StripANSI(raw))
	if text == "" || b.isAIEcho(text) {
		return
	}
	entry := b.entry(audit.TypeStdout)
	entry.Output = text
	entry.StdinID = b.sess.TakePendingLine()
	b.emit(entry)
}

// isAIEcho reports whether the body is the shell echoing an assistant query line.
func (b *Bridge) isAIEcho(body string) bool {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), b.opts.AIPrefix) {
			return true
		}
	}
	return false
}

func (b *Bridge) entry(t audit.Type) audit.Entry {
	return audit.Entry{
		SessionID:  b.sess.ID,
		Type:       t,
		ServerID:   b.sess.Origin.ServerID,
		ServerName: b.sess.Origin.ServerName,
		ServerHost: b.sess.Origin.ServerHost,
	}
}

func (b *Bridge) emit(e audit.Entry) {
	if b.opts.Audit != nil {
		b.opts.Audit.Emit(e)
	}
}

func (b *Bridge) shutdown(reason string, fatal error) {
	if b.stderrTimer != nil {
		b.stderrTimer.Stop()
		b.stderrTimer = nil
	}
	b.flushStdout()
	b.flushStderr()
	b.cancel()

	b.logger.Info("session closing", "reason", reason, "err", fatal)
	if fatal != nil {
		_ = b.tr.Send(protocol.Fatal(fatal))
	}
	if b.opts.Registry != nil {
		b.opts.Registry.Remove(b.sess.ID)
	}
	if err := b.ch.Close(); err != nil {
		b.logger.Debug("channel close failed", "err", err)
	}
	if err := b.tr.Close(reason); err != nil {
		b.logger.Debug("transport close failed", "err", err)
	}
}
