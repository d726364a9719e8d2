package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REDEVEN_CHAT_"

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// applyEnv overrides scalar settings from REDEVEN_CHAT_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("LISTEN_ADDR", &c.ListenAddr)
	str("DB_PATH", &c.DBPath)
	str("LOG_FORMAT", &c.LogFormat)
	str("LOG_LEVEL", &c.LogLevel)
	str("NATS_URL", &c.NATS.URL)
	str("MEMORY_URL", &c.Memory.BaseURL)
	str("SYSTEM_PROMPT", &c.Chat.SystemPrompt)

	if v, ok := lookup(EnvPrefix + "WEB_SEARCH"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			c.WebSearch.Enabled = b
		}
	}
	if v, ok := lookup(EnvPrefix + "TASK_TTL"); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && d > 0 {
			c.NATS.TaskTTL = d
		}
	}
}

// Tokens parses the bearer-token table named by auth.tokens_env.
// The value is "token=user_id" pairs separated by commas.
func (c *Config) Tokens() map[string]string {
	out := map[string]string{}
	if c == nil {
		return out
	}
	for _, pair := range strings.Split(os.Getenv(c.Auth.TokensEnv), ",") {
		tok, user, ok := strings.Cut(pair, "=")
		tok, user = strings.TrimSpace(tok), strings.TrimSpace(user)
		if !ok || tok == "" || user == "" {
			continue
		}
		out[tok] = user
	}
	return out
}

func (c *Config) MemoryAPIKey() string {
	return strings.TrimSpace(os.Getenv(c.Memory.APIKeyEnv))
}

func (c *Config) WebSearchAPIKey() string {
	return strings.TrimSpace(os.Getenv(c.WebSearch.APIKeyEnv))
}
