package bridge

import (
	"context"
	"errors"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"termbridge/internal/audit"
	"termbridge/internal/llm"
	"termbridge/internal/protocol"
)

var errNoCommand = errors.New("model returned no command")

// handleAIQuery erases the typed line, records the query and starts the model
// call off the dispatch goroutine.
func (b *Bridge) handleAIQuery(typed string) {
	if n := utf8.RuneCountInString(typed); n > 0 {
		if _, err := b.ch.Write([]byte(strings.Repeat("\b", n))); err != nil {
			b.logger.Debug("erase typed line failed", "err", err)
		}
	}
	query := extractQuery(typed, b.opts.AIPrefix)
	queryID := uuid.NewString()
	b.aiQueryID = queryID

	entry := b.entry(audit.TypeAIQuery)
	entry.ID = queryID
	entry.AIQueryID = queryID
	entry.AIQuery = query
	b.emit(entry)

	if query == "" {
		b.onAIResult(evAIResult{queryID: queryID, err: errors.New("empty query")})
		return
	}
	if b.opts.Completer == nil {
		b.onAIResult(evAIResult{queryID: queryID, query: query, err: llm.ErrNotConfigured})
		return
	}
	ctx := b.ctx
	go func() {
		command, err := b.askModel(ctx, query)
		b.enqueue(evAIResult{queryID: queryID, query: query, command: command, err: err})
	}()
}

func extractQuery(typed, prefix string) string {
	if i := strings.Index(typed, prefix); i >= 0 {
		return strings.TrimSpace(typed[i+len(prefix):])
	}
	return strings.TrimSpace(typed)
}

func (b *Bridge) askModel(ctx context.Context, query string) (string, error) {
	local, remote := b.gatherKnowledge(ctx)
	base := llm.DefaultAISystemPrompt
	if b.opts.Prompts != nil {
		base = b.opts.Prompts.AISystemPrompt()
	}
	reply, err := b.opts.Completer.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: buildAISystemPrompt(base, local, remote)},
			{Role: llm.RoleUser, Content: query},
		},
		Timeout: b.opts.AITimeout,
	})
	if err != nil {
		return "", err
	}
	command := llm.FirstCommandLine(reply)
	if command == "" {
		return "", errNoCommand
	}
	return command, nil
}

// gatherKnowledge reads the local and remote context files in parallel. Both
// are optional; failures only leave the part empty.
func (b *Bridge) gatherKnowledge(ctx context.Context) (string, string) {
	var local, remote string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		path := strings.TrimSpace(b.opts.KnowledgeFile)
		if path == "" {
			return nil
		}
		readFile := os.ReadFile
		if b.opts.readFile != nil {
			readFile = b.opts.readFile
		}
		raw, err := readFile(path)
		if err == nil {
			local = strings.TrimSpace(string(raw))
		}
		return nil
	})
	g.Go(func() error {
		execCtx, cancel := context.WithTimeout(gctx, b.opts.KnowledgeTimeout)
		defer cancel()
		res, err := b.ch.Exec(execCtx, b.opts.RemoteKnowledgeCommand)
		if err != nil {
			b.logger.Debug("remote knowledge unavailable", "err", err)
			return nil
		}
		if res.ExitCode == 0 {
			remote = strings.TrimSpace(res.Stdout)
		}
		return nil
	})
	_ = g.Wait()
	return local, remote
}

func buildAISystemPrompt(base, local, remote string) string {
	var b strings.Builder
	if local != "" {
		b.WriteString("Context from panel server:\n")
		b.WriteString(local)
		b.WriteString("\n\n---\n\n")
	}
	if remote != "" {
		b.WriteString("Context from remote system:\n")
		b.WriteString(remote)
		b.WriteString("\n\n---\n\n")
	}
	b.WriteString(base)
	return b.String()
}

func (b *Bridge) onAIResult(res evAIResult) {
	if res.err != nil {
		b.logger.Warn("ai query failed", "ai_query_id", res.queryID, "err", res.err)
		_ = b.tr.Send(protocol.Data("\r\n\x1b[1;31m[AI Error] " + res.err.Error() + "\x1b[0m\r\n"))
		if _, err := b.ch.Write([]byte("\r")); err != nil {
			b.logger.Debug("channel write failed", "err", err)
		}
		if b.aiQueryID == res.queryID {
			b.aiQueryID = ""
		}
		return
	}
	if _, err := b.ch.Write([]byte(res.command + "\r")); err != nil {
		b.logger.Warn("channel write failed", "err", err)
		return
	}
	stdinID := uuid.NewString()
	entry := b.entry(audit.TypeStdin)
	entry.ID = stdinID
	entry.Command = res.command
	entry.AIQuery = res.query
	entry.AIQueryID = res.queryID
	b.emit(entry)
	b.sess.SetPendingLine(stdinID)
	if b.aiQueryID == res.queryID {
		b.aiQueryID = ""
	}
}
