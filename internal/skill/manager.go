// Package skill drives a live terminal session from a model conversation that
// answers in the [CMD]/[ASK]/[MESSAGE]/[DONE] step grammar.
package skill

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
	"termbridge/internal/llm"
	"termbridge/internal/logging"
	"termbridge/internal/prompt"
	"termbridge/internal/protocol"
	"termbridge/internal/session"
)

var (
	ErrNotFound       = errors.New("skill session not found")
	ErrInvalidState   = errors.New("skill session cannot accept this call now")
	ErrSkillActive    = errors.New("a skill is already active on this terminal session")
	ErrAnswerRequired = errors.New("an answer is required")
	ErrCancelled      = errors.New("skill session was cancelled")
	ErrBadResponse    = errors.New("model reply could not be interpreted")
)

type State string

const (
	StateIdle        State = "idle"
	StateWaitingCmd  State = "waiting_cmd"
	StateWaitingUser State = "waiting_user"
	StateDone        State = "done"
)

const (
	DefaultMaxSteps     = 100
	DefaultIdleTimeout  = 30 * time.Minute
	DefaultModelTimeout = 30 * time.Second

	sweepInterval    = 5 * time.Minute
	knowledgeTimeout = 5 * time.Second
	outputLines      = 7
	modelTemperature = 0.3
	modelMaxTokens   = 512
	maxStepsMessage  = "Maximum steps reached"
	snapshotMessages = 6
	snapshotRunes    = 500
)

type Prompts interface {
	SkillSystemPrompt() string
}

type Options struct {
	Registry  *session.Registry
	Loader    *Loader
	Completer llm.Completer
	Prompts   Prompts
	Audit     audit.Sink
	Logger    *slog.Logger

	MaxSteps     int
	IdleTimeout  time.Duration
	ModelTimeout time.Duration
	Now          func() time.Time
}

type StartRequest struct {
	TerminalSessionID string            `json:"terminalSessionId"`
	Skill             string            `json:"skill"`
	Source            string            `json:"source"`
	Params            map[string]string `json:"params"`
	Prompt            string            `json:"prompt"`
	// AutoAdvance reports a command finished on the next prompt boundary
	// instead of waiting for a command-result call.
	AutoAdvance bool `json:"autoAdvance"`
}

type CommandReport struct {
	Stdout  string `json:"stdout"`
	Skipped bool   `json:"skipped"`
}

// Session is one automation run bound to a terminal session. Fields are
// guarded by the manager lock.
type Session struct {
	ID                string
	TerminalSessionID string
	SkillName         string
	SkillDescription  string
	Messages          []llm.Message
	Step              int
	MaxSteps          int
	State             State
	PendingCommand    string
	PendingQuestion   string
	QuestionRequired  bool
	OutputBuffer      []string
	AutoAdvance       bool
	LastResponse      *Response
	CreatedAt         time.Time
	LastActivity      time.Time

	terminal *session.RemoteSession
	// busy is held for a whole model turn, including the write of the
	// command it produced. A cancel that lands meanwhile only sets
	// cancelReason and the turn finishes the teardown.
	busy          bool
	writing       bool
	advanceQueued bool
	cancelReason  string
}

type View struct {
	SkillSessionID    string    `json:"skillSessionId"`
	TerminalSessionID string    `json:"terminalSessionId"`
	SkillName         string    `json:"skillName"`
	SkillDescription  string    `json:"skillDescription"`
	State             State     `json:"state"`
	Step              int       `json:"step"`
	MaxSteps          int       `json:"maxSteps"`
	PendingCommand    string    `json:"pendingCommand,omitempty"`
	PendingQuestion   string    `json:"pendingQuestion,omitempty"`
	QuestionRequired  bool      `json:"questionRequired,omitempty"`
	AutoAdvance       bool      `json:"autoAdvance"`
	Response          *Response `json:"aiResponse,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	LastActivity      time.Time `json:"lastActivity"`
}

type OutputView struct {
	LastOutput string `json:"lastOutput"`
	State      State  `json:"state"`
	Step       int    `json:"step"`
}

func (s *Session) view() View {
	v := View{
		SkillSessionID:    s.ID,
		TerminalSessionID: s.TerminalSessionID,
		SkillName:         s.SkillName,
		SkillDescription:  s.SkillDescription,
		State:             s.State,
		Step:              s.Step,
		MaxSteps:          s.MaxSteps,
		PendingCommand:    s.PendingCommand,
		PendingQuestion:   s.PendingQuestion,
		QuestionRequired:  s.QuestionRequired,
		AutoAdvance:       s.AutoAdvance,
		CreatedAt:         s.CreatedAt,
		LastActivity:      s.LastActivity,
	}
	if s.LastResponse != nil {
		r := *s.LastResponse
		v.Response = &r
	}
	return v
}

func subscriberOwner(id string) string { return "skill:" + id }

// effects are the side effects of a transition, applied after the manager
// lock is released.
type effects struct {
	terminal *session.RemoteSession
	entries  []audit.Entry
	messages []protocol.Message
	write    string
}

type Manager struct {
	registry     *session.Registry
	loader       *Loader
	completer    llm.Completer
	prompts      Prompts
	sink         audit.Sink
	logger       *slog.Logger
	maxSteps     int
	idleTimeout  time.Duration
	modelTimeout time.Duration
	now          func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	active   map[string]string

	background sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		registry:     opts.Registry,
		loader:       opts.Loader,
		completer:    opts.Completer,
		prompts:      opts.Prompts,
		sink:         opts.Audit,
		logger:       logging.Module(opts.Logger, "skill"),
		maxSteps:     opts.MaxSteps,
		idleTimeout:  opts.IdleTimeout,
		modelTimeout: opts.ModelTimeout,
		now:          opts.Now,
		sessions:     map[string]*Session{},
		active:       map[string]string{},
	}
	if m.loader == nil {
		m.loader = NewLoader("", opts.Logger)
	}
	if m.maxSteps <= 0 {
		m.maxSteps = DefaultMaxSteps
	}
	if m.idleTimeout <= 0 {
		m.idleTimeout = DefaultIdleTimeout
	}
	if m.modelTimeout <= 0 {
		m.modelTimeout = DefaultModelTimeout
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Start loads the skill, builds the conversation and runs the first model
// turn. A terminal session with an unfinished skill is refused with
// ErrSkillActive.
func (m *Manager) Start(ctx context.Context, req StartRequest) (View, error) {
	term, err := m.registry.Get(req.TerminalSessionID)
	if err != nil {
		return View{}, err
	}
	now := m.now()
	s := &Session{
		ID:                uuid.NewString(),
		TerminalSessionID: term.ID,
		SkillName:         strings.TrimSpace(req.Skill),
		MaxSteps:          m.maxSteps,
		State:             StateIdle,
		AutoAdvance:       req.AutoAdvance,
		CreatedAt:         now,
		LastActivity:      now,
		terminal:          term,
		busy:              true,
	}
	m.mu.Lock()
	if id, ok := m.active[term.ID]; ok {
		m.mu.Unlock()
		return View{}, fmt.Errorf("%w: %s", ErrSkillActive, id)
	}
	m.active[term.ID] = s.ID
	m.sessions[s.ID] = s
	m.mu.Unlock()

	def, err := m.loader.Load(ctx, term, req.Source, req.Skill)
	if err != nil {
		m.drop(s)
		return View{}, err
	}
	knowledge := m.fetchKnowledge(ctx, term)

	m.mu.Lock()
	if s.cancelReason != "" {
		fx, _ := m.releaseLocked(s)
		m.mu.Unlock()
		m.flush(fx)
		return View{}, ErrCancelled
	}
	s.SkillName = def.Name
	s.SkillDescription = def.Description
	s.Messages = []llm.Message{{
		Role:    llm.RoleSystem,
		Content: buildSystemPrompt(m.systemPrompt(), knowledge, def.Name, def.Content),
	}}
	started := m.entryLocked(s, audit.TypeSkillStart)
	started.Step = 1
	started.Output = req.Prompt
	started.Payload = protocol.MustRaw(map[string]any{
		"description": def.Description,
		"params":      req.Params,
		"source":      def.Source,
		"path":        def.Path,
		"autoAdvance": req.AutoAdvance,
	})
	m.mu.Unlock()

	m.emit(started)
	m.logger.Info("skill session started", "skill_session_id", s.ID, "session_id", term.ID, "skill", def.Name)

	initial := buildInitialUserPrompt(def.Name, req.Params, req.Prompt)
	return m.turn(ctx, s.ID, s, func(*Session) (string, *audit.Entry, error) {
		return initial, nil, nil
	})
}

// Message answers an ASK or replies to a MESSAGE.
func (m *Manager) Message(ctx context.Context, id, text string) (View, error) {
	return m.turn(ctx, id, nil, func(s *Session) (string, *audit.Entry, error) {
		if s.State != StateWaitingUser {
			return "", nil, fmt.Errorf("%w: not waiting for user input", ErrInvalidState)
		}
		answer := strings.TrimSpace(text)
		if answer == "" {
			if s.PendingQuestion == "" || s.QuestionRequired {
				return "", nil, ErrAnswerRequired
			}
			answer = skippedAnswer
		}
		e := m.entryLocked(s, audit.TypeSkillUserInput)
		e.Output = answer
		e.Payload = protocol.MustRaw(map[string]any{"kind": "answer", "question": s.PendingQuestion})
		return userResponsePrompt(answer), &e, nil
	})
}

// CommandResult reports that the pending command finished. Empty stdout falls
// back to the lines harvested from the terminal.
func (m *Manager) CommandResult(ctx context.Context, id string, rep CommandReport) (View, error) {
	return m.commandResult(ctx, id, rep, nil)
}

func (m *Manager) commandResult(ctx context.Context, id string, rep CommandReport, held *Session) (View, error) {
	return m.turn(ctx, id, held, func(s *Session) (string, *audit.Entry, error) {
		if s.State != StateWaitingCmd {
			return "", nil, fmt.Errorf("%w: not waiting for a command result", ErrInvalidState)
		}
		e := m.entryLocked(s, audit.TypeSkillUserInput)
		e.Command = s.PendingCommand
		if rep.Skipped {
			e.Payload = protocol.MustRaw(map[string]any{"kind": "skipped"})
			return skippedPrompt, &e, nil
		}
		out := rep.Stdout
		if strings.TrimSpace(out) == "" {
			out = strings.Join(s.OutputBuffer, "\n")
		}
		out = prompt.CleanOutputForAI(out)
		e.Output = out
		e.Payload = protocol.MustRaw(map[string]any{"kind": "command_output"})
		return commandOutputPrompt(out), &e, nil
	})
}

// Continue resumes after a MESSAGE, or retries after a failed model turn.
func (m *Manager) Continue(ctx context.Context, id string) (View, error) {
	return m.turn(ctx, id, nil, func(s *Session) (string, *audit.Entry, error) {
		switch {
		case s.State == StateIdle:
		case s.State == StateWaitingUser && s.PendingQuestion == "":
		default:
			return "", nil, fmt.Errorf("%w: cannot continue from %s", ErrInvalidState, s.State)
		}
		e := m.entryLocked(s, audit.TypeSkillUserInput)
		e.Payload = protocol.MustRaw(map[string]any{"kind": "continue"})
		return continuePrompt, &e, nil
	})
}

// turn runs one model round-trip. prepare validates the state and returns the
// user content under the manager lock. A non-nil held session is one whose
// busy flag the caller already set.
func (m *Manager) turn(ctx context.Context, id string, held *Session, prepare func(*Session) (string, *audit.Entry, error)) (View, error) {
	reserved := held != nil
	m.mu.Lock()
	s := held
	if s == nil {
		var ok bool
		if s, ok = m.sessions[id]; !ok {
			m.mu.Unlock()
			return View{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if s.busy {
			v := s.view()
			m.mu.Unlock()
			return v, fmt.Errorf("%w: model turn in progress", ErrInvalidState)
		}
	} else if s.cancelReason != "" {
		fx, _ := m.releaseLocked(s)
		m.mu.Unlock()
		m.flush(fx)
		return View{}, ErrCancelled
	}
	if s.State == StateDone {
		s.busy = false
		v := s.view()
		m.mu.Unlock()
		return v, fmt.Errorf("%w: skill is done", ErrInvalidState)
	}
	content, input, err := prepare(s)
	if err != nil {
		if reserved {
			s.busy = false
		}
		v := s.view()
		m.mu.Unlock()
		return v, err
	}

	s.terminal.Release(subscriberOwner(s.ID))
	s.State = StateIdle
	s.PendingCommand = ""
	s.PendingQuestion = ""
	s.QuestionRequired = false
	s.LastActivity = m.now()
	s.Step++
	if s.Step > s.MaxSteps {
		s.Step = s.MaxSteps
		s.busy = false
		fx := m.finishLocked(s, maxStepsMessage, nil)
		v := s.view()
		m.mu.Unlock()
		m.flush(fx)
		return v, nil
	}
	if input != nil {
		input.Step = s.Step
	}
	s.Messages = append(s.Messages, llm.Message{Role: llm.RoleUser, Content: withStep(content, s.Step, s.MaxSteps)})
	s.busy = true
	msgs := append([]llm.Message(nil), s.Messages...)
	stepNotice := m.noticeLocked(s, protocol.TypeSkillStep)
	term := s.terminal
	m.mu.Unlock()

	if input != nil {
		m.emit(*input)
	}
	m.send(term, stepNotice)

	reply, err := m.complete(ctx, msgs)

	m.mu.Lock()
	if fx, ok := m.releaseLocked(s); !ok {
		m.mu.Unlock()
		m.flush(fx)
		return View{}, ErrCancelled
	}
	s.LastActivity = m.now()
	var resp Response
	if err == nil {
		resp = ParseResponse(reply)
		if resp.Type == ResponseUnknown {
			err = ErrBadResponse
		}
	}
	if err != nil {
		fx := m.failLocked(s, err)
		v := s.view()
		m.mu.Unlock()
		m.flush(fx)
		return v, err
	}
	if resp.Implicit {
		m.logger.Warn("untagged model reply treated as command", "skill_session_id", s.ID, "command", resp.Command)
	}
	s.Messages = append(s.Messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
	s.LastResponse = &resp
	fx, err := m.applyLocked(s, resp)
	if err != nil {
		fx = m.failLocked(s, err)
	}
	if fx.write != "" {
		s.busy = true
	}
	v := s.view()
	m.mu.Unlock()

	if fx.write == "" {
		m.flush(fx)
		return v, err
	}
	return m.writeCommand(s, fx, v)
}

// writeCommand delivers a CMD step to the terminal. The session stays busy
// until the write is done, so a cancel can never be overtaken by the write.
func (m *Manager) writeCommand(s *Session, fx effects, v View) (View, error) {
	for _, e := range fx.entries {
		m.emit(e)
	}
	m.mu.Lock()
	if s.cancelReason != "" {
		cfx, _ := m.releaseLocked(s)
		m.mu.Unlock()
		m.flush(cfx)
		return View{}, ErrCancelled
	}
	s.writing = true
	m.mu.Unlock()

	werr := fx.terminal.WriteInput(fx.write)

	m.mu.Lock()
	s.writing = false
	advance := s.advanceQueued && werr == nil
	s.advanceQueued = false
	cfx, ok := m.releaseLocked(s)
	if ok && advance {
		s.busy = true
	}
	m.mu.Unlock()
	if !ok {
		m.flush(cfx)
		return View{}, ErrCancelled
	}
	if werr != nil {
		return m.commandWriteFailed(s, v.PendingCommand, werr)
	}
	for _, msg := range fx.messages {
		m.send(fx.terminal, msg)
	}
	if advance {
		m.advance(s)
	}
	return v, nil
}

// releaseLocked clears the busy flag and completes a cancel that arrived
// during the turn. It reports false for a cancelled session.
func (m *Manager) releaseLocked(s *Session) (effects, bool) {
	s.busy = false
	if s.cancelReason == "" {
		return effects{}, true
	}
	return m.teardownLocked(s), false
}

func (m *Manager) applyLocked(s *Session, resp Response) (effects, error) {
	fx := effects{terminal: s.terminal}
	switch resp.Type {
	case ResponseCMD:
		if err := s.terminal.Claim(subscriberOwner(s.ID), m.onOutput(s.ID)); err != nil {
			return fx, fmt.Errorf("claim terminal output: %w", err)
		}
		s.State = StateWaitingCmd
		s.PendingCommand = resp.Command
		s.OutputBuffer = nil
		e := m.entryLocked(s, audit.TypeSkillCommand)
		e.Command = resp.Command
		e.Payload = m.payloadLocked(s, resp)
		fx.entries = append(fx.entries, e)
		fx.write = resp.Command + "\n"
		msg := m.noticeLocked(s, protocol.TypeSkillCommand)
		msg.Command = resp.Command
		fx.messages = append(fx.messages, msg)
	case ResponseASK:
		s.State = StateWaitingUser
		s.PendingQuestion = resp.Question
		s.QuestionRequired = !resp.Optional
		e := m.entryLocked(s, audit.TypeSkillAsk)
		e.Output = resp.Question
		e.Payload = m.payloadLocked(s, resp)
		fx.entries = append(fx.entries, e)
		msg := m.noticeLocked(s, protocol.TypeSkillAsk)
		msg.Text = resp.Question
		msg.Optional = resp.Optional
		fx.messages = append(fx.messages, msg)
	case ResponseMessage:
		s.State = StateWaitingUser
		e := m.entryLocked(s, audit.TypeSkillMessage)
		e.Output = resp.Message
		e.Payload = m.payloadLocked(s, resp)
		fx.entries = append(fx.entries, e)
		msg := m.noticeLocked(s, protocol.TypeSkillMessage)
		msg.Text = resp.Message
		fx.messages = append(fx.messages, msg)
	case ResponseDone:
		return m.finishLocked(s, resp.Message, &resp), nil
	default:
		return fx, ErrBadResponse
	}
	return fx, nil
}

// commandWriteFailed rolls a CMD step back to idle when the command could not
// reach the terminal.
func (m *Manager) commandWriteFailed(s *Session, command string, werr error) (View, error) {
	err := fmt.Errorf("write command: %w", werr)
	m.mu.Lock()
	var fx effects
	if m.sessions[s.ID] == s && s.State == StateWaitingCmd && s.PendingCommand == command {
		s.terminal.Release(subscriberOwner(s.ID))
		s.State = StateIdle
		s.PendingCommand = ""
		fx = m.failLocked(s, err)
	}
	v := s.view()
	m.mu.Unlock()
	m.flush(fx)
	return v, err
}

func (m *Manager) finishLocked(s *Session, summary string, resp *Response) effects {
	s.terminal.Release(subscriberOwner(s.ID))
	s.State = StateDone
	s.PendingCommand = ""
	s.PendingQuestion = ""
	s.QuestionRequired = false
	if m.active[s.TerminalSessionID] == s.ID {
		delete(m.active, s.TerminalSessionID)
	}
	e := m.entryLocked(s, audit.TypeSkillComplete)
	e.Output = summary
	if resp != nil {
		e.Payload = m.payloadLocked(s, *resp)
	}
	msg := m.noticeLocked(s, protocol.TypeSkillComplete)
	msg.Text = summary
	m.logger.Info("skill session finished", "skill_session_id", s.ID, "step", s.Step, "summary", summary)
	return effects{terminal: s.terminal, entries: []audit.Entry{e}, messages: []protocol.Message{msg}}
}

func (m *Manager) failLocked(s *Session, err error) effects {
	m.logger.Warn("skill step failed", "skill_session_id", s.ID, "step", s.Step, "err", err)
	e := m.entryLocked(s, audit.TypeSkillError)
	e.Output = err.Error()
	msg := m.noticeLocked(s, protocol.TypeSkillError)
	msg.Error = err.Error()
	return effects{terminal: s.terminal, entries: []audit.Entry{e}, messages: []protocol.Message{msg}}
}

// cancelLocked forgets the session at once. A busy session keeps its
// terminal until the running turn calls releaseLocked.
func (m *Manager) cancelLocked(s *Session, reason string) effects {
	if s.cancelReason != "" {
		return effects{}
	}
	s.cancelReason = reason
	delete(m.sessions, s.ID)
	if m.active[s.TerminalSessionID] == s.ID {
		delete(m.active, s.TerminalSessionID)
	}
	if s.busy {
		return effects{}
	}
	return m.teardownLocked(s)
}

func (m *Manager) teardownLocked(s *Session) effects {
	s.terminal.Release(subscriberOwner(s.ID))
	wasDone := s.State == StateDone
	s.State = StateDone
	s.PendingCommand = ""
	s.PendingQuestion = ""
	s.QuestionRequired = false
	fx := effects{terminal: s.terminal}
	if wasDone {
		return fx
	}
	e := m.entryLocked(s, audit.TypeSkillCancel)
	e.Output = s.cancelReason
	fx.entries = append(fx.entries, e)
	msg := m.noticeLocked(s, protocol.TypeSkillError)
	msg.Error = "skill cancelled: " + s.cancelReason
	fx.messages = append(fx.messages, msg)
	m.logger.Info("skill session cancelled", "skill_session_id", s.ID, "reason", s.cancelReason)
	return fx
}

// onOutput harvests prompt-boundary output while a command is pending.
func (m *Manager) onOutput(id string) session.Subscriber {
	return func(output string) {
		m.mu.Lock()
		s, ok := m.sessions[id]
		if !ok || s.State != StateWaitingCmd || (s.busy && !s.writing) {
			m.mu.Unlock()
			return
		}
		s.OutputBuffer = recentLines(output, s.PendingCommand)
		s.LastActivity = m.now()
		if !s.AutoAdvance {
			m.mu.Unlock()
			return
		}
		if s.writing {
			s.advanceQueued = true
			m.mu.Unlock()
			return
		}
		s.busy = true
		m.mu.Unlock()
		m.advance(s)
	}
}

// advance reports the pending command finished on behalf of the client. The
// caller has set s.busy.
func (m *Manager) advance(s *Session) {
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.modelTimeout+time.Second)
		defer cancel()
		if _, err := m.commandResult(ctx, s.ID, CommandReport{}, s); err != nil && !errors.Is(err, ErrCancelled) {
			m.logger.Debug("auto advance stopped", "skill_session_id", s.ID, "err", err)
		}
	}()
}

// recentLines keeps the last lines of a boundary body, minus the echoed
// command line the shell printed before running it.
func recentLines(output, command string) []string {
	lines := strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n")
	if len(lines) > 0 && command != "" && strings.TrimSpace(lines[0]) == strings.TrimSpace(command) {
		lines = lines[1:]
	}
	return prompt.LastLines(strings.Join(lines, "\n"), outputLines)
}

func (m *Manager) Get(id string) (View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return View{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.view(), nil
}

func (m *Manager) Output(id string) (OutputView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return OutputView{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return OutputView{LastOutput: strings.Join(s.OutputBuffer, "\n"), State: s.State, Step: s.Step}, nil
}

// List returns the skill sessions of one terminal session, oldest first.
func (m *Manager) List(terminalSessionID string) []View {
	m.mu.Lock()
	out := make([]View, 0)
	for _, s := range m.sessions {
		if s.TerminalSessionID == terminalSessionID {
			out = append(out, s.view())
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Cancel stops and forgets a skill session; the terminal stays open.
func (m *Manager) Cancel(id string) (View, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return View{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fx := m.cancelLocked(s, "cancelled by user")
	v := s.view()
	v.State = StateDone
	v.PendingCommand = ""
	m.mu.Unlock()
	m.flush(fx)
	return v, nil
}

// CancelForTerminal drops every skill bound to a terminal session that went away.
func (m *Manager) CancelForTerminal(term *session.RemoteSession) {
	if term == nil {
		return
	}
	m.mu.Lock()
	var all []effects
	for _, s := range m.sessions {
		if s.TerminalSessionID == term.ID {
			all = append(all, m.cancelLocked(s, "terminal session closed"))
		}
	}
	m.mu.Unlock()
	for _, fx := range all {
		fx.messages = nil
		m.flush(fx)
	}
}

// Sweep reclaims sessions idle for longer than the idle timeout.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	var all []effects
	for _, s := range m.sessions {
		if !s.busy && now.Sub(s.LastActivity) > m.idleTimeout {
			all = append(all, m.cancelLocked(s, "idle timeout"))
		}
	}
	m.mu.Unlock()
	for _, fx := range all {
		m.flush(fx)
	}
	return len(all)
}

func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.background.Wait()
			return nil
		case <-ticker.C:
			if n := m.Sweep(m.now()); n > 0 {
				m.logger.Info("reclaimed idle skill sessions", "count", n)
			}
		}
	}
}

// Invoke starts a self-advancing skill for the transport's skill_invoke.
// Failures after the session exists were already reported to the client.
func (m *Manager) Invoke(ctx context.Context, terminalSessionID, name string, params map[string]string, userPrompt string) error {
	v, err := m.Start(ctx, StartRequest{
		TerminalSessionID: terminalSessionID,
		Skill:             name,
		Params:            params,
		Prompt:            userPrompt,
		AutoAdvance:       true,
	})
	if err != nil && v.SkillSessionID == "" {
		return err
	}
	return nil
}

// Reply answers the current question of a skill from the transport.
func (m *Manager) Reply(ctx context.Context, skillSessionID, text string) error {
	_, err := m.Message(ctx, skillSessionID, text)
	return err
}

func (m *Manager) Catalog(context.Context) (any, error) {
	return m.loader.List()
}

func (m *Manager) drop(s *Session) {
	m.mu.Lock()
	if m.sessions[s.ID] == s {
		delete(m.sessions, s.ID)
	}
	if m.active[s.TerminalSessionID] == s.ID {
		delete(m.active, s.TerminalSessionID)
	}
	m.mu.Unlock()
}

func (m *Manager) systemPrompt() string {
	if m.prompts == nil {
		return llm.DefaultSkillSystemPrompt
	}
	return m.prompts.SkillSystemPrompt()
}

func (m *Manager) fetchKnowledge(ctx context.Context, term *session.RemoteSession) string {
	ctx, cancel := context.WithTimeout(ctx, knowledgeTimeout)
	defer cancel()
	res, err := term.Exec(ctx, knowledgeCommand)
	if err != nil {
		m.logger.Debug("skill knowledge unavailable", "session_id", term.ID, "err", err)
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

func (m *Manager) complete(ctx context.Context, msgs []llm.Message) (string, error) {
	if m.completer == nil {
		return "", llm.ErrNotConfigured
	}
	return m.completer.Complete(ctx, llm.Request{
		Messages:    msgs,
		Temperature: modelTemperature,
		MaxTokens:   modelMaxTokens,
		Timeout:     m.modelTimeout,
	})
}

func (m *Manager) entryLocked(s *Session, t audit.Type) audit.Entry {
	return audit.Entry{
		SessionID:  s.TerminalSessionID,
		Type:       t,
		ServerID:   s.terminal.Origin.ServerID,
		ServerName: s.terminal.Origin.ServerName,
		ServerHost: s.terminal.Origin.ServerHost,
		SkillLogID: s.ID,
		SkillName:  s.SkillName,
		Step:       s.Step,
		MaxSteps:   s.MaxSteps,
	}
}

func (m *Manager) payloadLocked(s *Session, resp Response) []byte {
	start := len(s.Messages) - snapshotMessages
	if start < 0 {
		start = 0
	}
	convo := make([]llm.Message, 0, len(s.Messages)-start)
	for _, msg := range s.Messages[start:] {
		if r := []rune(msg.Content); len(r) > snapshotRunes {
			msg.Content = string(r[:snapshotRunes]) + "..."
		}
		convo = append(convo, msg)
	}
	return protocol.MustRaw(map[string]any{"aiResponse": resp.Content, "conversation": convo})
}

func (m *Manager) noticeLocked(s *Session, typ string) protocol.Message {
	return protocol.Message{Type: typ, SkillSessionID: s.ID, Step: s.Step, Max: s.MaxSteps}
}

func (m *Manager) emit(e audit.Entry) {
	if m.sink != nil {
		m.sink.Emit(e)
	}
}

func (m *Manager) send(term *session.RemoteSession, msg protocol.Message) {
	if err := term.Send(msg); err != nil {
		m.logger.Debug("skill notice not delivered", "session_id", term.ID, "type", msg.Type, "err", err)
	}
}

// flush applies the audit entries and client notices of a transition. Command
// writes go through writeCommand.
func (m *Manager) flush(fx effects) {
	for _, e := range fx.entries {
		m.emit(e)
	}
	if fx.terminal == nil {
		return
	}
	for _, msg := range fx.messages {
		m.send(fx.terminal, msg)
	}
}
