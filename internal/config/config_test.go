package config

import (
	"path/filepath"
	"testing"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("TERMBRIDGE_LOG_LEVEL", "")
	t.Setenv("TERMBRIDGE_HOST", "")
	t.Setenv("TERMBRIDGE_PORT", "")
	t.Setenv("TERMBRIDGE_CONFIG_DIR", "/tmp/tb-config")
	t.Setenv("TERMBRIDGE_DB_DSN", "")
	t.Setenv("TERMBRIDGE_INVENTORY", "")
	t.Setenv("TERMBRIDGE_SKILLS_DIR", "")
	t.Setenv("TERMBRIDGE_PROMPTS_FILE", "")
	t.Setenv("TERMBRIDGE_KNOWLEDGE_FILE", "")
	t.Setenv("AI_COMMAND_PREFIX", "")
	t.Setenv("SKILL_MAX_STEPS", "")
	t.Setenv("OPENAI_ENDPOINT", "")
	t.Setenv("OPENAI_MODEL", "")
	t.Setenv("OPENAI_API_KEY", "")

	cfg := LoadConfig()
	if cfg.ListenLogLevel != "info" {
		t.Fatalf("unexpected ListenLogLevel: %s", cfg.ListenLogLevel)
	}
	if cfg.LocalHost != "127.0.0.1" {
		t.Fatalf("unexpected local host: %s", cfg.LocalHost)
	}
	if cfg.LocalPort != 3000 {
		t.Fatalf("unexpected local port: %d", cfg.LocalPort)
	}
	if cfg.DBDSN != filepath.Join("/tmp/tb-config", "termbridge.db") {
		t.Fatalf("unexpected db dsn: %s", cfg.DBDSN)
	}
	if cfg.InventoryPath != filepath.Join("/tmp/tb-config", "inventory.toml") {
		t.Fatalf("unexpected inventory path: %s", cfg.InventoryPath)
	}
	if cfg.SkillsDir != filepath.Join("/tmp/tb-config", "skills") {
		t.Fatalf("unexpected skills dir: %s", cfg.SkillsDir)
	}
	if cfg.PromptsFile != filepath.Join("/tmp/tb-config", "prompts.toml") {
		t.Fatalf("unexpected prompts file: %s", cfg.PromptsFile)
	}
	if cfg.KnowledgeFile != filepath.Join(".kosmos", "README_kosmos_server.md") {
		t.Fatalf("unexpected knowledge file: %s", cfg.KnowledgeFile)
	}
	if cfg.AICommandPrefix != "ai:" {
		t.Fatalf("unexpected ai prefix: %q", cfg.AICommandPrefix)
	}
	if cfg.SkillMaxSteps != 100 {
		t.Fatalf("unexpected skill max steps: %d", cfg.SkillMaxSteps)
	}
	if cfg.OpenAIEndpoint != "" || cfg.OpenAIModel != "" || cfg.OpenAIAPIKey != "" {
		t.Fatalf("openai env should default empty, got endpoint=%q model=%q key-set=%v", cfg.OpenAIEndpoint, cfg.OpenAIModel, cfg.OpenAIAPIKey != "")
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("TERMBRIDGE_PORT", "4700")
	t.Setenv("TERMBRIDGE_HOST", "0.0.0.0")
	t.Setenv("TERMBRIDGE_DB_DSN", "/var/lib/tb/audit.db")
	t.Setenv("AI_COMMAND_PREFIX", "??")
	t.Setenv("SKILL_MAX_STEPS", "12")
	t.Setenv("OPENAI_ENDPOINT", "https://api.example.com/v1")
	t.Setenv("OPENAI_MODEL", "gpt-5-mini")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg := LoadConfig()
	if cfg.LocalPort != 4700 {
		t.Fatalf("unexpected local port: %d", cfg.LocalPort)
	}
	if cfg.LocalHost != "0.0.0.0" {
		t.Fatalf("unexpected local host: %s", cfg.LocalHost)
	}
	if cfg.DBDSN != "/var/lib/tb/audit.db" {
		t.Fatalf("unexpected dsn: %s", cfg.DBDSN)
	}
	if cfg.AICommandPrefix != "??" {
		t.Fatalf("unexpected prefix: %s", cfg.AICommandPrefix)
	}
	if cfg.SkillMaxSteps != 12 {
		t.Fatalf("unexpected max steps: %d", cfg.SkillMaxSteps)
	}
	if cfg.OpenAIEndpoint != "https://api.example.com/v1" || cfg.OpenAIModel != "gpt-5-mini" || cfg.OpenAIAPIKey != "sk-test" {
		t.Fatalf("unexpected openai config: %+v", cfg)
	}
}

func TestLoadConfig_MalformedNumbersFallBack(t *testing.T) {
	t.Setenv("TERMBRIDGE_PORT", "80a")
	t.Setenv("SKILL_MAX_STEPS", "-3")
	cfg := LoadConfig()
	if cfg.LocalPort != 3000 {
		t.Fatalf("expected fallback port, got %d", cfg.LocalPort)
	}
	if cfg.SkillMaxSteps != 100 {
		t.Fatalf("expected fallback max steps, got %d", cfg.SkillMaxSteps)
	}
}
