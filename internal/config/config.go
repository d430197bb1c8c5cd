// Package config provides configuration loading for northstar.
//
// Configuration is loaded from environment variables with sensible defaults,
// optionally merged over a YAML file. This package covers the HTTP server,
// the record store, capability session lifecycle, and the external
// integrations (chat, GitHub, analytics, fast-apply merge, LLM).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the complete northstar configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	Session   SessionConfig   `koanf:"session"`
	Intent    IntentConfig    `koanf:"intent"`
	Proposal  ProposalConfig  `koanf:"proposal"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	LLM       LLMConfig       `koanf:"llm"`
	Chat      ChatConfig      `koanf:"chat"`
	GitHub    GitHubConfig    `koanf:"github"`
	Analytics AnalyticsConfig `koanf:"analytics"`
	Morph     MorphConfig     `koanf:"morph"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StoreConfig holds record store configuration.
type StoreConfig struct {
	Path string `koanf:"path"` // SQLite database path; ":memory:" for tests
}

// SessionConfig holds capability session lifecycle settings.
type SessionConfig struct {
	TTL         time.Duration `koanf:"ttl"`          // Warm session lifetime
	DialTimeout time.Duration `koanf:"dial_timeout"` // Per-capability open timeout
}

// IntentConfig holds intent classification settings.
type IntentConfig struct {
	Timeout time.Duration `koanf:"timeout"` // Latency budget for the triage call
}

// ProposalConfig holds proposal generation settings.
type ProposalConfig struct {
	ContextLimit int `koanf:"context_limit"` // Max codebase context chars fed to generation
}

// PipelineConfig holds patch application pipeline settings.
type PipelineConfig struct {
	BaseBranch     string        `koanf:"base_branch"`
	BranchPrefix   string        `koanf:"branch_prefix"`
	CallTimeout    time.Duration `koanf:"call_timeout"` // Bound per external call
	CommitterName  string        `koanf:"committer_name"`
	CommitterEmail string        `koanf:"committer_email"`
}

// LLMConfig holds settings for the classifier/generator model.
type LLMConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  Secret `koanf:"api_key"`
}

// ChatConfig holds chat transport settings.
type ChatConfig struct {
	BaseURL     string `koanf:"base_url"`
	BotToken    Secret `koanf:"bot_token"`
	TriggerWord string `koanf:"trigger_word"` // Messages without this word are ignored
}

// GitHubConfig holds code host settings.
type GitHubConfig struct {
	Token Secret `koanf:"token"`
}

// AnalyticsConfig holds analytics source settings.
type AnalyticsConfig struct {
	BaseURL   string `koanf:"base_url"`
	APIKey    Secret `koanf:"api_key"`
	ProjectID string `koanf:"project_id"`
}

// MorphConfig holds fast-apply merge endpoint settings.
type MorphConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  Secret `koanf:"api_key"`
}

// Load loads configuration from environment variables with defaults.
//
// Environment variables:
//   - SERVER_HOST / SERVER_PORT: HTTP listen address (default: localhost:8090)
//   - SERVER_SHUTDOWN_TIMEOUT: graceful shutdown timeout (default: 10s)
//   - STORE_PATH: SQLite database path (default: northstar.db)
//   - SESSION_TTL: warm capability session lifetime (default: 5m)
//   - SESSION_DIAL_TIMEOUT: per-capability open timeout (default: 5s)
//   - INTENT_TIMEOUT: triage latency budget (default: 250ms)
//   - PROPOSAL_CONTEXT_LIMIT: context ceiling in chars (default: 20000)
//   - PIPELINE_BASE_BRANCH: PR base branch (default: main)
//   - PIPELINE_BRANCH_PREFIX: experiment branch prefix (default: northstar)
//   - PIPELINE_CALL_TIMEOUT: per-network-call bound (default: 30s)
//   - LLM_BASE_URL / LLM_MODEL / OPENAI_API_KEY: generation model
//   - CHAT_BASE_URL / CHAT_BOT_TOKEN / CHAT_TRIGGER_WORD: chat transport
//   - GITHUB_TOKEN: code host token
//   - ANALYTICS_BASE_URL / ANALYTICS_API_KEY / ANALYTICS_PROJECT_ID
//   - MORPH_BASE_URL / MORPH_MODEL / MORPH_API_KEY: fast-apply endpoint
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            getEnvString("SERVER_HOST", "localhost"),
			Port:            getEnvInt("SERVER_PORT", 8090),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Store: StoreConfig{
			Path: getEnvString("STORE_PATH", "northstar.db"),
		},
		Session: SessionConfig{
			TTL:         getEnvDuration("SESSION_TTL", 5*time.Minute),
			DialTimeout: getEnvDuration("SESSION_DIAL_TIMEOUT", 5*time.Second),
		},
		Intent: IntentConfig{
			Timeout: getEnvDuration("INTENT_TIMEOUT", 250*time.Millisecond),
		},
		Proposal: ProposalConfig{
			ContextLimit: getEnvInt("PROPOSAL_CONTEXT_LIMIT", 20000),
		},
		Pipeline: PipelineConfig{
			BaseBranch:     getEnvString("PIPELINE_BASE_BRANCH", "main"),
			BranchPrefix:   getEnvString("PIPELINE_BRANCH_PREFIX", "northstar"),
			CallTimeout:    getEnvDuration("PIPELINE_CALL_TIMEOUT", 30*time.Second),
			CommitterName:  getEnvString("PIPELINE_COMMITTER_NAME", "northstar"),
			CommitterEmail: getEnvString("PIPELINE_COMMITTER_EMAIL", "northstar@localhost"),
		},
		LLM: LLMConfig{
			BaseURL: getEnvString("LLM_BASE_URL", "https://api.openai.com/v1"),
			Model:   getEnvString("LLM_MODEL", "gpt-4o"),
			APIKey:  Secret(os.Getenv("OPENAI_API_KEY")),
		},
		Chat: ChatConfig{
			BaseURL:     getEnvString("CHAT_BASE_URL", "https://slack.com/api"),
			BotToken:    Secret(os.Getenv("CHAT_BOT_TOKEN")),
			TriggerWord: getEnvString("CHAT_TRIGGER_WORD", "northstar"),
		},
		GitHub: GitHubConfig{
			Token: Secret(os.Getenv("GITHUB_TOKEN")),
		},
		Analytics: AnalyticsConfig{
			BaseURL:   getEnvString("ANALYTICS_BASE_URL", "https://app.posthog.com"),
			APIKey:    Secret(os.Getenv("ANALYTICS_API_KEY")),
			ProjectID: getEnvString("ANALYTICS_PROJECT_ID", ""),
		},
		Morph: MorphConfig{
			BaseURL: getEnvString("MORPH_BASE_URL", "https://api.morphllm.com/v1"),
			Model:   getEnvString("MORPH_MODEL", "morph-v3-fast"),
			APIKey:  Secret(os.Getenv("MORPH_API_KEY")),
		},
	}
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Shutdown timeout is not positive
//   - Session TTL or dial timeout is not positive
//   - Proposal context limit is not positive
//   - Pipeline base branch or branch prefix is empty
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Store.Path == "" {
		return errors.New("store path cannot be empty")
	}
	if c.Session.TTL <= 0 {
		return errors.New("session ttl must be positive")
	}
	if c.Session.DialTimeout <= 0 {
		return errors.New("session dial timeout must be positive")
	}
	if c.Intent.Timeout <= 0 {
		return errors.New("intent timeout must be positive")
	}
	if c.Proposal.ContextLimit <= 0 {
		return errors.New("proposal context limit must be positive")
	}
	if c.Pipeline.BaseBranch == "" {
		return errors.New("pipeline base branch cannot be empty")
	}
	if c.Pipeline.BranchPrefix == "" {
		return errors.New("pipeline branch prefix cannot be empty")
	}
	if c.Pipeline.CallTimeout <= 0 {
		return errors.New("pipeline call timeout must be positive")
	}
	return nil
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
