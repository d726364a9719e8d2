package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// ProviderConfig is one upstream LLM endpoint.
//
// Notes:
//   - Providers own their allowed model list; a model id on the wire is <provider_id>/<model_name>.
//   - Exactly one model across all providers must be marked is_default.
type ProviderConfig struct {
	// ID is a stable id used in model ids and routes. It must not contain "/".
	ID string `yaml:"id"`

	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `yaml:"type"`

	// Family is one of: "gpt" | "claude" | "open_weight".
	Family string `yaml:"family"`

	// BaseURL overrides the provider endpoint. Required for openai_compatible.
	BaseURL string `yaml:"base_url,omitempty"`

	// APIKeyEnv names the variable holding the key. Defaults per type.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	Timeout    time.Duration `yaml:"timeout,omitempty"`
	MaxRetries *int          `yaml:"max_retries,omitempty"`

	Models []ModelConfig `yaml:"models"`
}

type ModelConfig struct {
	ModelName string `yaml:"model_name"`
	IsDefault bool   `yaml:"is_default,omitempty"`
}

// RouteConfig is the fallback plan of one family.
type RouteConfig struct {
	Fallback      string        `yaml:"fallback,omitempty"`
	FallbackModel string        `yaml:"fallback_model,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
}

var families = map[string]struct{}{"gpt": {}, "claude": {}, "open_weight": {}}

func validateProviders(providers []ProviderConfig) error {
	if len(providers) == 0 {
		return errors.New("missing providers")
	}
	seen := make(map[string]struct{}, len(providers))
	defaultCount := 0
	for i := range providers {
		p := providers[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if strings.Contains(id, "/") {
			return fmt.Errorf("providers[%d]: invalid id %q (must not contain /)", i, id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		t := strings.TrimSpace(p.Type)
		switch t {
		case "openai", "anthropic", "openai_compatible":
		default:
			return fmt.Errorf("providers[%d]: invalid type %q", i, t)
		}
		if _, ok := families[strings.ToLower(strings.TrimSpace(p.Family))]; !ok {
			return fmt.Errorf("providers[%d]: invalid family %q", i, p.Family)
		}

		baseURL := strings.TrimSpace(p.BaseURL)
		if t == "openai_compatible" && baseURL == "" {
			return fmt.Errorf("providers[%d]: base_url is required for openai_compatible", i)
		}
		if baseURL != "" {
			if err := validateHTTPURL(baseURL); err != nil {
				return fmt.Errorf("providers[%d]: %w", i, err)
			}
		}
		if p.Timeout < 0 {
			return fmt.Errorf("providers[%d]: negative timeout", i)
		}
		if p.MaxRetries != nil && (*p.MaxRetries < 0 || *p.MaxRetries > 5) {
			return fmt.Errorf("providers[%d]: invalid max_retries %d (must be in [0,5])", i, *p.MaxRetries)
		}

		if len(p.Models) == 0 {
			return fmt.Errorf("providers[%d]: missing models", i)
		}
		modelNames := make(map[string]struct{}, len(p.Models))
		for j := range p.Models {
			m := p.Models[j]
			name := strings.TrimSpace(m.ModelName)
			if name == "" {
				return fmt.Errorf("providers[%d].models[%d]: missing model_name", i, j)
			}
			if _, ok := modelNames[name]; ok {
				return fmt.Errorf("providers[%d].models[%d]: duplicate model_name %q", i, j, name)
			}
			modelNames[name] = struct{}{}
			if m.IsDefault {
				defaultCount++
			}
		}
	}

	if defaultCount == 0 {
		return errors.New("missing default model (providers[].models[].is_default)")
	}
	if defaultCount > 1 {
		return errors.New("multiple default models (providers[].models[].is_default)")
	}
	return nil
}

func validateRoutes(providers []ProviderConfig, routes map[string]RouteConfig) error {
	byID := make(map[string]ProviderConfig, len(providers))
	for _, p := range providers {
		byID[strings.TrimSpace(p.ID)] = p
	}
	for fam, r := range routes {
		if _, ok := families[fam]; !ok {
			return fmt.Errorf("routes: unknown family %q", fam)
		}
		if r.Timeout < 0 {
			return fmt.Errorf("routes.%s: negative timeout", fam)
		}
		fb := strings.TrimSpace(r.Fallback)
		if fb == "" {
			continue
		}
		p, ok := byID[fb]
		if !ok {
			return fmt.Errorf("routes.%s: unknown fallback provider %q", fam, fb)
		}
		m := strings.TrimSpace(r.FallbackModel)
		if m == "" {
			return fmt.Errorf("routes.%s: fallback_model is required with fallback", fam)
		}
		if !hasModel(p, m) {
			return fmt.Errorf("routes.%s: provider %q has no model %q", fam, fb, m)
		}
	}
	return nil
}

func hasModel(p ProviderConfig, name string) bool {
	for _, m := range p.Models {
		if strings.TrimSpace(m.ModelName) == name {
			return true
		}
	}
	return false
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u == nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("invalid base_url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("invalid base_url host")
	}
	return nil
}

// DefaultModelID returns the default model wire id (<provider_id>/<model_name>).
//
// It assumes Validate() has passed. When config is invalid/incomplete, it returns ("", false).
func (c *Config) DefaultModelID() (string, bool) {
	if c == nil {
		return "", false
	}
	for _, p := range c.Providers {
		pid := strings.TrimSpace(p.ID)
		if pid == "" {
			continue
		}
		for _, m := range p.Models {
			if !m.IsDefault {
				continue
			}
			if mn := strings.TrimSpace(m.ModelName); mn != "" {
				return pid + "/" + mn, true
			}
		}
	}
	return "", false
}

// KeyEnv returns the variable the provider's API key is read from.
func (p ProviderConfig) KeyEnv() string {
	if v := strings.TrimSpace(p.APIKeyEnv); v != "" {
		return v
	}
	switch strings.TrimSpace(p.Type) {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	default:
		return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(p.ID), "-", "_")) + "_API_KEY"
	}
}

// APIKey reads the provider's key from the environment.
func (p ProviderConfig) APIKey() string {
	return strings.TrimSpace(os.Getenv(p.KeyEnv()))
}

// EffectiveMaxRetries returns the configured retries, or -1 to use the
// adapter default.
func (p ProviderConfig) EffectiveMaxRetries() int {
	if p.MaxRetries == nil {
		return -1
	}
	return *p.MaxRetries
}
