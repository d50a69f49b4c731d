// Package restcmd injects REST-submitted commands into a live session through
// its client transport and tracks each one until the client reports back.
package restcmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"termbridge/internal/audit"
	"termbridge/internal/logging"
	"termbridge/internal/protocol"
	"termbridge/internal/session"
)

var (
	ErrNotFound        = errors.New("command not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrEmptyCommand    = errors.New("command is required")
)

type Status string

const (
	StatusPending              Status = "pending"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusCompleted            Status = "completed"
	StatusTimeout              Status = "timeout"
	StatusCancelled            Status = "cancelled"
	StatusRejected             Status = "rejected"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusTimeout, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

const (
	DefaultTimeout   = 30 * time.Second
	MaxTimeout       = 5 * time.Minute
	DefaultRetention = 10 * time.Minute
	sweepInterval    = time.Minute

	// SubscriberOwner is the slot owner used while commands are outstanding.
	SubscriberOwner = "restcmd"
)

type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode *int   `json:"exitCode"`
}

type Command struct {
	ID                  string     `json:"commandId"`
	SessionID           string     `json:"sessionId"`
	Command             string     `json:"command"`
	RequireConfirmation bool       `json:"requireConfirmation"`
	Status              Status     `json:"status"`
	Result              *Result    `json:"result,omitempty"`
	Observed            string     `json:"observedOutput,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
}

type SubmitRequest struct {
	SessionID           string
	Command             string
	RequireConfirmation bool
	Timeout             time.Duration
	Wait                bool
}

type Options struct {
	Registry  *session.Registry
	Audit     audit.Sink
	Logger    *slog.Logger
	Now       func() time.Time
	Retention time.Duration
}

type pending struct {
	cmd    Command
	sess   *session.RemoteSession
	origin session.Origin
	done   chan struct{}
	timer  *time.Timer
}

type Manager struct {
	registry  *session.Registry
	sink      audit.Sink
	logger    *slog.Logger
	now       func() time.Time
	retention time.Duration

	mu       sync.Mutex
	commands map[string]*pending
}

func NewManager(opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Manager{
		registry:  opts.Registry,
		sink:      opts.Audit,
		logger:    logging.Module(opts.Logger, "restcmd"),
		now:       now,
		retention: retention,
		commands:  map[string]*pending{},
	}
}

func clampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

// Submit relays the command to the session's client. With Wait set it blocks
// until the client reports, the command times out, or ctx ends.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (Command, error) {
	sess, err := m.registry.Get(req.SessionID)
	if err != nil {
		return Command{}, fmt.Errorf("%w: %s", ErrSessionNotFound, strings.TrimSpace(req.SessionID))
	}
	text := strings.TrimSpace(req.Command)
	if text == "" {
		return Command{}, ErrEmptyCommand
	}
	status := StatusPending
	if req.RequireConfirmation {
		status = StatusAwaitingConfirmation
	}
	p := &pending{
		cmd: Command{
			ID:                  uuid.NewString(),
			SessionID:           sess.ID,
			Command:             text,
			RequireConfirmation: req.RequireConfirmation,
			Status:              status,
			CreatedAt:           m.now().UTC(),
		},
		sess:   sess,
		origin: sess.Origin,
		done:   make(chan struct{}),
	}
	id := p.cmd.ID
	// The slot is claimed and released under m.mu so a command resolving
	// concurrently never releases it out from under a new one.
	m.mu.Lock()
	if err := sess.Claim(SubscriberOwner, m.observe(sess.ID)); err != nil {
		m.mu.Unlock()
		return Command{}, fmt.Errorf("claim session output: %w", err)
	}
	m.commands[id] = p
	p.timer = time.AfterFunc(clampTimeout(req.Timeout), func() {
		m.resolve(id, StatusTimeout, nil)
	})
	m.mu.Unlock()

	m.emit(p.origin, audit.Entry{
		SessionID: sess.ID,
		Type:      audit.TypeRemoteCommand,
		Command:   text,
		Payload:   protocol.MustRaw(map[string]any{"commandId": id, "requireConfirmation": req.RequireConfirmation}),
	})
	m.logger.Info("remote command submitted", "command_id", id, "session_id", sess.ID, "wait", req.Wait)

	err = sess.Send(protocol.Message{
		Type:                protocol.TypeRemoteCommand,
		CommandID:           id,
		Command:             text,
		RequireConfirmation: req.RequireConfirmation,
	})
	if err != nil {
		m.resolve(id, StatusRejected, nil)
		snap, _ := m.Get(id)
		return snap, fmt.Errorf("send remote command: %w", err)
	}
	if !req.Wait {
		return m.Get(id)
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		snap, _ := m.Get(id)
		return snap, ctx.Err()
	}
	return m.Get(id)
}

// Report resolves a command from the command_result of the session that
// owns it. It returns false when the id is unknown, belongs to another
// session, or is already terminal.
func (m *Manager) Report(sessionID, commandID, status, stdout, stderr string, exitCode *int) bool {
	m.mu.Lock()
	p, ok := m.commands[strings.TrimSpace(commandID)]
	owner, observed := "", ""
	if ok {
		owner, observed = p.cmd.SessionID, p.cmd.Observed
	}
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("command result for unknown command", "command_id", commandID)
		return false
	}
	if owner != sessionID {
		m.logger.Warn("command result from another session ignored", "command_id", commandID, "session_id", sessionID, "owner", owner)
		return false
	}
	if stdout == "" {
		stdout = observed
	}
	return m.resolve(p.cmd.ID, reportedStatus(status), &Result{Stdout: stdout, Stderr: stderr, ExitCode: exitCode})
}

func reportedStatus(s string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusRejected:
		return StatusRejected
	case StatusCancelled:
		return StatusCancelled
	case StatusTimeout:
		return StatusTimeout
	default:
		return StatusCompleted
	}
}

// Cancel tells the client to drop the command and rejects any waiter. A
// command that already finished is returned unchanged.
func (m *Manager) Cancel(commandID string) (Command, error) {
	snap, err := m.Get(commandID)
	if err != nil {
		return Command{}, err
	}
	if snap.Status.Terminal() {
		return snap, nil
	}
	if sess, err := m.registry.Get(snap.SessionID); err == nil {
		if err := sess.Send(protocol.Message{Type: protocol.TypeCancelCommand, CommandID: snap.ID}); err != nil {
			m.logger.Warn("send cancel failed", "command_id", snap.ID, "err", err)
		}
	}
	m.resolve(snap.ID, StatusCancelled, nil)
	return m.Get(commandID)
}

func (m *Manager) Get(commandID string) (Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.commands[strings.TrimSpace(commandID)]
	if !ok {
		return Command{}, ErrNotFound
	}
	return snapshot(p.cmd), nil
}

// List returns the tracked commands of one session, oldest first.
func (m *Manager) List(sessionID string) []Command {
	m.mu.Lock()
	out := make([]Command, 0)
	for _, p := range m.commands {
		if p.cmd.SessionID == sessionID {
			out = append(out, snapshot(p.cmd))
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RejectSession fails every outstanding command of a session that went away.
func (m *Manager) RejectSession(s *session.RemoteSession) {
	if s == nil {
		return
	}
	m.mu.Lock()
	var ids []string
	for id, p := range m.commands {
		if p.cmd.SessionID == s.ID && !p.cmd.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.resolve(id, StatusRejected, nil)
	}
}

func (m *Manager) resolve(id string, status Status, result *Result) bool {
	m.mu.Lock()
	p, ok := m.commands[id]
	if !ok || p.cmd.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	now := m.now().UTC()
	p.cmd.Status = status
	p.cmd.Result = result
	p.cmd.CompletedAt = &now
	if p.timer != nil {
		p.timer.Stop()
	}
	close(p.done)
	outstanding := false
	for _, other := range m.commands {
		if other.cmd.SessionID == p.cmd.SessionID && !other.cmd.Status.Terminal() {
			outstanding = true
			break
		}
	}
	if !outstanding {
		p.sess.Release(SubscriberOwner)
	}
	cmd := snapshot(p.cmd)
	origin := p.origin
	m.mu.Unlock()

	entry := audit.Entry{SessionID: cmd.SessionID, Type: audit.TypeRemoteCommandResult, Command: cmd.Command}
	payload := map[string]any{"commandId": cmd.ID, "status": cmd.Status}
	if result != nil {
		entry.Output = result.Stdout
		payload["stderr"] = result.Stderr
		payload["exitCode"] = result.ExitCode
	}
	entry.Payload = protocol.MustRaw(payload)
	m.emit(origin, entry)
	m.logger.Info("remote command resolved", "command_id", cmd.ID, "session_id", cmd.SessionID, "status", cmd.Status)
	return true
}

// observe collects prompt-boundary output for the session's open commands.
func (m *Manager) observe(sessionID string) session.Subscriber {
	return func(output string) {
		output = strings.TrimSpace(output)
		if output == "" {
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, p := range m.commands {
			if p.cmd.SessionID != sessionID || p.cmd.Status.Terminal() {
				continue
			}
			if p.cmd.Observed == "" {
				p.cmd.Observed = output
			} else {
				p.cmd.Observed += "\n" + output
			}
		}
	}
}

// Sweep drops terminal commands older than the retention window.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, p := range m.commands {
		if p.cmd.CompletedAt != nil && now.Sub(*p.cmd.CompletedAt) >= m.retention {
			delete(m.commands, id)
			removed++
		}
	}
	return removed
}

func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.Sweep(m.now()); n > 0 {
				m.logger.Debug("swept finished commands", "count", n)
			}
		}
	}
}

func (m *Manager) emit(origin session.Origin, e audit.Entry) {
	if m.sink == nil {
		return
	}
	e.ServerID = origin.ServerID
	e.ServerName = origin.ServerName
	e.ServerHost = origin.ServerHost
	m.sink.Emit(e)
}

func snapshot(c Command) Command {
	if c.Result != nil {
		r := *c.Result
		c.Result = &r
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		c.CompletedAt = &t
	}
	return c
}
