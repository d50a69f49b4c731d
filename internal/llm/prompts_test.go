package llm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPromptStore_Fallbacks(t *testing.T) {
	s := NewPromptStore(filepath.Join(t.TempDir(), "missing.toml"), "", nil)
	if s.AISystemPrompt() != DefaultAISystemPrompt {
		t.Fatalf("unexpected default ai prompt: %q", s.AISystemPrompt())
	}
	if s.SkillSystemPrompt() != DefaultSkillSystemPrompt {
		t.Fatal("unexpected default skill prompt")
	}

	s = NewPromptStore("", "  from env  ", nil)
	if s.AISystemPrompt() != "from env" {
		t.Fatalf("env prompt should win over default, got %q", s.AISystemPrompt())
	}
}

func TestPromptStore_FileOverridesEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.toml")
	if err := os.WriteFile(path, []byte("ai_system_prompt = \"file prompt\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := NewPromptStore(path, "env prompt", nil)
	if s.AISystemPrompt() != "file prompt" {
		t.Fatalf("file should win, got %q", s.AISystemPrompt())
	}
	if s.SkillSystemPrompt() != DefaultSkillSystemPrompt {
		t.Fatal("unset skill prompt should fall back to default")
	}

	if err := os.WriteFile(path, []byte("ai_system_prompt = [broken"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Reload(); err == nil {
		t.Fatal("expected parse error")
	}
	if s.AISystemPrompt() != "file prompt" {
		t.Fatal("malformed file must keep previous overrides")
	}
}

func TestPromptStore_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.toml")
	s := NewPromptStore(path, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(3 * time.Second)
	for s.SkillSystemPrompt() != "watched" {
		if time.Now().After(deadline) {
			t.Fatalf("watch did not reload, prompt=%q", s.SkillSystemPrompt())
		}
		_ = os.WriteFile(path, []byte("skill_system_prompt = \"watched\"\n"), 0o600)
		time.Sleep(50 * time.Millisecond)
	}
}
