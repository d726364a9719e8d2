package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for redeven-chat.
//
// Secrets (provider keys, bearer tokens) are never read from this file; each
// is named by an environment variable instead.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`

	// LogFormat is "json", "text" or "console".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`

	Chat      ChatConfig             `yaml:"chat"`
	Providers []ProviderConfig       `yaml:"providers"`
	Routes    map[string]RouteConfig `yaml:"routes,omitempty"`
	Auth      AuthConfig             `yaml:"auth"`
	NATS      NATSConfig             `yaml:"nats,omitempty"`
	Memory    MemoryConfig           `yaml:"memory,omitempty"`
	WebSearch WebSearchConfig        `yaml:"web_search,omitempty"`
}

type ChatConfig struct {
	SystemPrompt    string `yaml:"system_prompt,omitempty"`
	HistoryLimit    int    `yaml:"history_limit,omitempty"`
	MaxOutputTokens int    `yaml:"max_output_tokens,omitempty"`
	MaxMessageChars int    `yaml:"max_message_chars,omitempty"`
	AttachmentChars int    `yaml:"attachment_chars,omitempty"`
}

type AuthConfig struct {
	// TokensEnv names the variable holding "token=user_id" pairs separated by commas.
	TokensEnv string `yaml:"tokens_env,omitempty"`
}

// NATSConfig enables the shared task registry and thread-started events.
// Both fall back to in-process implementations when URL is empty.
type NATSConfig struct {
	URL           string        `yaml:"url,omitempty"`
	TaskBucket    string        `yaml:"task_bucket,omitempty"`
	TaskTTL       time.Duration `yaml:"task_ttl,omitempty"`
	NotifySubject string        `yaml:"notify_subject,omitempty"`
}

type MemoryConfig struct {
	BaseURL   string  `yaml:"base_url,omitempty"`
	APIKeyEnv string  `yaml:"api_key_env,omitempty"`
	MinScore  float64 `yaml:"min_score,omitempty"`
	Limit     int     `yaml:"limit,omitempty"`
}

type WebSearchConfig struct {
	Enabled   bool   `yaml:"enabled,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

const (
	defaultListenAddr    = "127.0.0.1:8080"
	defaultTokensEnv     = "REDEVEN_CHAT_TOKENS"
	defaultTaskBucket    = "chat_turns"
	defaultTaskTTL       = 10 * time.Minute
	defaultNotifySubject = "chat.thread.started"
	defaultBraveKeyEnv   = "BRAVE_API_KEY"
	defaultMemoryKeyEnv  = "REDEVEN_CHAT_MEMORY_API_KEY"
)

// DefaultConfigPath returns the default config path:
//
//	~/.redeven-chat/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "redeven-chat.config.yaml"
	}
	return filepath.Join(home, ".redeven-chat", "config.yaml")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "redeven-chat.db"
	}
	return filepath.Join(home, ".redeven-chat", "chat.db")
}

// applyDefaults fills every unset optional field.
func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = defaultListenAddr
	}
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = defaultDBPath()
	}
	if strings.TrimSpace(c.Auth.TokensEnv) == "" {
		c.Auth.TokensEnv = defaultTokensEnv
	}
	if strings.TrimSpace(c.NATS.TaskBucket) == "" {
		c.NATS.TaskBucket = defaultTaskBucket
	}
	if c.NATS.TaskTTL <= 0 {
		c.NATS.TaskTTL = defaultTaskTTL
	}
	if strings.TrimSpace(c.NATS.NotifySubject) == "" {
		c.NATS.NotifySubject = defaultNotifySubject
	}
	if strings.TrimSpace(c.Memory.APIKeyEnv) == "" {
		c.Memory.APIKeyEnv = defaultMemoryKeyEnv
	}
	if strings.TrimSpace(c.WebSearch.APIKeyEnv) == "" {
		c.WebSearch.APIKeyEnv = defaultBraveKeyEnv
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("missing listen_addr")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("missing db_path")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text", "console":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Chat.HistoryLimit < 0 || c.Chat.MaxOutputTokens < 0 || c.Chat.MaxMessageChars < 0 || c.Chat.AttachmentChars < 0 {
		return errors.New("chat limits must not be negative")
	}
	if err := validateProviders(c.Providers); err != nil {
		return err
	}
	if err := validateRoutes(c.Providers, c.Routes); err != nil {
		return err
	}
	if c.Memory.MinScore < 0 || c.Memory.Limit < 0 {
		return errors.New("memory limits must not be negative")
	}
	if u := strings.TrimSpace(c.Memory.BaseURL); u != "" {
		if err := validateHTTPURL(u); err != nil {
			return fmt.Errorf("memory.base_url: %w", err)
		}
	}
	return nil
}

// Load reads the YAML config at path, then applies defaults and environment
// overrides before validating.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
