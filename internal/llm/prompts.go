package llm

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	toml "github.com/pelletier/go-toml/v2"

	"termbridge/internal/logging"
)

const DefaultAISystemPrompt = "You are a Linux terminal assistant. Turn the user's request into one valid shell command and reply with that command only, without any explanation."

const DefaultSkillSystemPrompt = `You are a terminal assistant carrying out a multi-step skill on a live shell.

Answer with EXACTLY ONE of these forms:

1. [CMD] command
   Run the command in the terminal. Its output comes back in the next message.

2. [ASK] question
   Ask the user something and wait. The user must answer.
   Use it for input you cannot guess: a commit message, a confirmation, a choice.

3. [ASK:optional] question
   Ask the user something they may skip by sending an empty answer.

4. [MESSAGE] text
   Tell the user about progress or a warning. Nothing is waited for; reply to the
   next "Continue." with your next step.

5. [DONE] summary
   The skill is finished. Summarize what was done.

Rules:
- Start every answer with [CMD], [ASK], [ASK:optional], [MESSAGE] or [DONE].
- One form per answer.
- [CMD] carries the bare command and nothing else.
- Each message ends with [Step N of M]; finish before the budget runs out.`

// Prompts is the on-disk override file.
type Prompts struct {
	AISystemPrompt    string `toml:"ai_system_prompt"`
	SkillSystemPrompt string `toml:"skill_system_prompt"`
}

// PromptStore serves system prompts: file overrides first, then the
// AI_SYSTEM_PROMPT environment value, then the built-in defaults.
type PromptStore struct {
	path     string
	envAI    string
	logger   *slog.Logger
	mu       sync.RWMutex
	override Prompts
}

func NewPromptStore(path, envAISystemPrompt string, logger *slog.Logger) *PromptStore {
	s := &PromptStore{
		path:   strings.TrimSpace(path),
		envAI:  strings.TrimSpace(envAISystemPrompt),
		logger: logging.Module(logger, "llm.prompts"),
	}
	if err := s.Reload(); err != nil {
		s.logger.Warn("prompts file ignored", "path", s.path, "err", err)
	}
	return s
}

func (s *PromptStore) AISystemPrompt() string {
	if s == nil {
		return DefaultAISystemPrompt
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v := strings.TrimSpace(s.override.AISystemPrompt); v != "" {
		return v
	}
	if s.envAI != "" {
		return s.envAI
	}
	return DefaultAISystemPrompt
}

func (s *PromptStore) SkillSystemPrompt() string {
	if s == nil {
		return DefaultSkillSystemPrompt
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v := strings.TrimSpace(s.override.SkillSystemPrompt); v != "" {
		return v
	}
	return DefaultSkillSystemPrompt
}

// Reload rereads the overrides file. A missing file clears the overrides; a
// malformed one keeps the previous values.
func (s *PromptStore) Reload() error {
	if s == nil || s.path == "" {
		return nil
	}
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.set(Prompts{})
		return nil
	}
	if err != nil {
		return err
	}
	var p Prompts
	if err := toml.Unmarshal(raw, &p); err != nil {
		return err
	}
	s.set(p)
	return nil
}

func (s *PromptStore) set(p Prompts) {
	s.mu.Lock()
	s.override = p
	s.mu.Unlock()
}

// Watch reloads the overrides whenever the file changes, until ctx ends.
func (s *PromptStore) Watch(ctx context.Context) error {
	if s == nil || s.path == "" {
		<-ctx.Done()
		return nil
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(dir); err != nil {
		return err
	}
	name := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("prompts reload failed", "path", s.path, "err", err)
				continue
			}
			s.logger.Info("prompts reloaded", "path", s.path)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("prompts watcher error", "err", err)
		}
	}
}
