package config

import (
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	ListenLogLevel string
	LocalHost      string
	LocalPort      int
	ConfigDir      string
	DBDSN          string
	InventoryPath  string
	SkillsDir      string
	KnowledgeFile  string
	PromptsFile    string
	KnownHostsPath string
	LocalShell     string

	AICommandPrefix string
	AISystemPrompt  string
	OpenAIEndpoint  string
	OpenAIModel     string
	OpenAIAPIKey    string
	SkillMaxSteps   int
}

const (
	defaultLocalPort     = 3000
	defaultSkillMaxSteps = 100
	defaultAIPrefix      = "ai:"
)

// LoadConfig reads the environment, applying defaults for anything unset.
func LoadConfig() Config {
	level := os.Getenv("TERMBRIDGE_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	localHost := os.Getenv("TERMBRIDGE_HOST")
	if localHost == "" {
		localHost = "127.0.0.1"
	}
	localPort := atoiOrDefault(os.Getenv("TERMBRIDGE_PORT"), defaultLocalPort)

	configDir := strings.TrimSpace(os.Getenv("TERMBRIDGE_CONFIG_DIR"))
	if configDir == "" {
		configDir = defaultConfigDir()
	}
	dsn := envOr("TERMBRIDGE_DB_DSN", filepath.Join(configDir, "termbridge.db"))
	inventory := envOr("TERMBRIDGE_INVENTORY", filepath.Join(configDir, "inventory.toml"))
	skillsDir := envOr("TERMBRIDGE_SKILLS_DIR", filepath.Join(configDir, "skills"))
	knowledge := envOr("TERMBRIDGE_KNOWLEDGE_FILE", filepath.Join(".kosmos", "README_kosmos_server.md"))
	prompts := envOr("TERMBRIDGE_PROMPTS_FILE", filepath.Join(configDir, "prompts.toml"))
	knownHosts := strings.TrimSpace(os.Getenv("TERMBRIDGE_KNOWN_HOSTS"))
	shell := envOr("TERMBRIDGE_LOCAL_SHELL", os.Getenv("SHELL"))
	if shell == "" {
		shell = "/bin/sh"
	}

	prefix := os.Getenv("AI_COMMAND_PREFIX")
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultAIPrefix
	}
	maxSteps := atoiOrDefault(os.Getenv("SKILL_MAX_STEPS"), defaultSkillMaxSteps)

	return Config{
		ListenLogLevel:  level,
		LocalHost:       localHost,
		LocalPort:       localPort,
		ConfigDir:       configDir,
		DBDSN:           dsn,
		InventoryPath:   inventory,
		SkillsDir:       skillsDir,
		KnowledgeFile:   knowledge,
		PromptsFile:     prompts,
		KnownHostsPath:  knownHosts,
		LocalShell:      shell,
		AICommandPrefix: prefix,
		AISystemPrompt:  os.Getenv("AI_SYSTEM_PROMPT"),
		OpenAIEndpoint:  os.Getenv("OPENAI_ENDPOINT"),
		OpenAIModel:     os.Getenv("OPENAI_MODEL"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		SkillMaxSteps:   maxSteps,
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Clean(".termbridge")
	}
	return filepath.Join(home, ".config", "termbridge")
}

func atoiOrDefault(v string, fallback int) int {
	n := 0
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return fallback
		}
		n = n*10 + int(v[i]-'0')
	}
	if n == 0 {
		return fallback
	}
	return n
}
