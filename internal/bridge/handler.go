package bridge

import (
	"strings"

	"github.com/google/uuid"

	"termbridge/internal/audit"
	"termbridge/internal/protocol"
)

func (b *Bridge) handleClientMessage(msg protocol.Message) (string, error) {
	switch msg.Type {
	case protocol.TypeData:
		if _, err := b.ch.Write([]byte(msg.Data)); err != nil {
			b.logger.Warn("channel write failed", "err", err)
		}
	case protocol.TypeResize:
		if msg.Cols > 0 && msg.Rows > 0 {
			if err := b.ch.Resize(msg.Cols, msg.Rows); err != nil {
				b.logger.Debug("resize failed", "cols", msg.Cols, "rows", msg.Rows, "err", err)
			}
		}
	case protocol.TypeClose:
		return "client requested close", nil
	case protocol.TypeCommandLog:
		b.handleCommandLog(msg.Command)
	case protocol.TypeCommandResult:
		b.handleCommandResult(msg)
	case protocol.TypeAIQuery:
		b.handleAIQuery(msg.Prompt)
	case protocol.TypePing:
		_ = b.tr.Send(protocol.Message{Type: protocol.TypePong})
	case protocol.TypeSkillsList:
		b.handleSkillsList()
	case protocol.TypeSkillInvoke:
		b.handleSkillInvoke(msg)
	case protocol.TypeSkillMessage:
		b.handleSkillReply(msg)
	default:
		b.logger.Debug("unknown client message ignored", "type", msg.Type)
	}
	return "", nil
}

// handleCommandLog records a command the user submitted from the client. It
// only correlates; the keystrokes already reached the shell as data.
func (b *Bridge) handleCommandLog(command string) {
	command = strings.TrimSpace(command)
	if command == "" {
		return
	}
	stdinID := uuid.NewString()
	entry := b.entry(audit.TypeStdin)
	entry.ID = stdinID
	entry.Command = command
	if b.aiQueryID != "" {
		entry.AIQueryID = b.aiQueryID
		b.aiQueryID = ""
	}
	b.emit(entry)
	b.sess.SetPendingLine(stdinID)
}

func (b *Bridge) handleCommandResult(msg protocol.Message) {
	if b.opts.Commands == nil || strings.TrimSpace(msg.CommandID) == "" {
		return
	}
	if !b.opts.Commands.Report(b.sess.ID, msg.CommandID, msg.Status, msg.Stdout, msg.Stderr, msg.ExitCode) {
		b.logger.Debug("command result ignored", "command_id", msg.CommandID, "status", msg.Status)
	}
}

func (b *Bridge) handleSkillsList() {
	if b.opts.Skills == nil {
		_ = b.tr.Send(protocol.Message{Type: protocol.TypeSkillsList, Skills: protocol.MustRaw([]any{})})
		return
	}
	ctx := b.ctx
	go func() {
		skills, err := b.opts.Skills.Catalog(ctx)
		if err != nil {
			_ = b.Send(protocol.Message{Type: protocol.TypeSkillError, Error: err.Error()})
			return
		}
		_ = b.Send(protocol.Message{Type: protocol.TypeSkillsList, Skills: protocol.MustRaw(skills)})
	}()
}

func (b *Bridge) handleSkillInvoke(msg protocol.Message) {
	if b.opts.Skills == nil {
		_ = b.tr.Send(protocol.Message{Type: protocol.TypeSkillError, Error: "skills are not available"})
		return
	}
	ctx := b.ctx
	sessionID := b.sess.ID
	go func() {
		if err := b.opts.Skills.Invoke(ctx, sessionID, msg.Name, msg.Params, msg.Prompt); err != nil && ctx.Err() == nil {
			_ = b.Send(protocol.Message{Type: protocol.TypeSkillError, Error: err.Error()})
		}
	}()
}

func (b *Bridge) handleSkillReply(msg protocol.Message) {
	if b.opts.Skills == nil || strings.TrimSpace(msg.SkillSessionID) == "" {
		return
	}
	ctx := b.ctx
	go func() {
		if err := b.opts.Skills.Reply(ctx, msg.SkillSessionID, msg.Text); err != nil && ctx.Err() == nil {
			_ = b.Send(protocol.Message{Type: protocol.TypeSkillError, SkillSessionID: msg.SkillSessionID, Error: err.Error()})
		}
	}()
}
