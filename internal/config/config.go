// Package config loads the single JSON configuration file under $OSA_HOME
// and merges it with environment variables (spec.md §6), following the
// teacher's internal/config shape: a Config struct with Load/mergeEnv, env
// override precedence over file values, and joho/godotenv for loading a
// developer's .env file before the process environment is read.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// DefaultHomeDirName is the directory under the user's home used when
// OSA_HOME is not set.
const DefaultHomeDirName = ".osa"

// Config is the root configuration structure (spec.md §6).
type Config struct {
	MaxTokens              int     `json:"max_tokens"`
	MaxIterations          int     `json:"max_iterations"`
	MaxConsecutiveFailures int     `json:"max_consecutive_failures"`
	NoiseBandLow           float64 `json:"noise_band_low"`
	NoiseBandHigh          float64 `json:"noise_band_high"`
	DefaultProvider        string  `json:"default_provider"`
	DefaultModel           string  `json:"default_model"`
	SandboxEnabled         bool    `json:"sandbox_enabled"`
	DailyBudgetUSD         float64 `json:"daily_budget_usd"`
	MonthlyBudgetUSD       float64 `json:"monthly_budget_usd"`
	PerCallBudgetUSD       float64 `json:"per_call_budget_usd"`

	HTTPPort    int  `json:"http_port"`
	RequireAuth bool `json:"require_auth"`

	Providers ProvidersConfig `json:"providers"`
}

// ProvidersConfig carries per-provider credentials and endpoints. API keys
// are read from `<PROVIDER>_API_KEY` environment variables, never stored in
// the JSON file, matching spec.md §6's "no built-in secret management
// beyond transit of API credentials from configuration" non-goal.
type ProvidersConfig struct {
	Anthropic ProviderEndpoint `json:"anthropic"`
	OpenAI    ProviderEndpoint `json:"openai"`
	Bedrock   ProviderEndpoint `json:"bedrock"`
	Local     ProviderEndpoint `json:"local"`
}

// ProviderEndpoint configures one provider adapter's model and optional
// base URL (used for OpenAI-compatible local servers).
type ProviderEndpoint struct {
	Model   string `json:"model"`
	BaseURL string `json:"base_url,omitempty"`
	Region  string `json:"region,omitempty"`
}

// Default returns a Config populated with spec.md §6's documented defaults.
func Default() *Config {
	return &Config{
		MaxTokens:              128000,
		MaxIterations:          30,
		MaxConsecutiveFailures: 3,
		NoiseBandLow:           0.3,
		NoiseBandHigh:          0.6,
		DefaultProvider:        "anthropic",
		HTTPPort:               8080,
		Providers: ProvidersConfig{
			Anthropic: ProviderEndpoint{Model: "claude-sonnet-4-5"},
			OpenAI:    ProviderEndpoint{Model: "gpt-4o"},
			Bedrock:   ProviderEndpoint{Model: "anthropic.claude-3-5-sonnet-20241022-v2:0", Region: "us-east-1"},
		},
	}
}

// Home resolves $OSA_HOME, defaulting to ~/.osa.
func Home() string {
	if home := os.Getenv("OSA_HOME"); home != "" {
		return home
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return DefaultHomeDirName
	}
	return filepath.Join(dir, DefaultHomeDirName)
}

// Load reads the config JSON file at path (defaulting to
// $OSA_HOME/config.json), loads a .env file if present for development,
// then merges environment variable overrides on top. Env vars always win
// over file values, per spec.md §6.
func Load(path string) (*Config, error) {
	if path == "" {
		path = filepath.Join(Home(), "config.json")
	}

	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	cfg := Default()
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg.mergeEnv()
	return cfg, nil
}

// mergeEnv applies environment-variable overrides on top of file values.
// default_model is resolved strictly from the active provider's own config
// (spec.md §6: "never from an unrelated env var" — e.g. a local-model
// variable must never override a cloud default).
func (c *Config) mergeEnv() {
	if v := os.Getenv("OSA_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HTTPPort = n
		}
	}
	if v := os.Getenv("OSA_REQUIRE_AUTH"); v != "" {
		c.RequireAuth = v == "1" || v == "true"
	}
	if v := os.Getenv("OSA_DEFAULT_PROVIDER"); v != "" {
		c.DefaultProvider = v
	}

	switch c.DefaultProvider {
	case "anthropic":
		if v := os.Getenv("ANTHROPIC_DEFAULT_MODEL"); v != "" {
			c.Providers.Anthropic.Model = v
		}
		c.DefaultModel = c.Providers.Anthropic.Model
	case "openai":
		if v := os.Getenv("OPENAI_DEFAULT_MODEL"); v != "" {
			c.Providers.OpenAI.Model = v
		}
		c.DefaultModel = c.Providers.OpenAI.Model
	case "bedrock":
		if v := os.Getenv("BEDROCK_DEFAULT_MODEL"); v != "" {
			c.Providers.Bedrock.Model = v
		}
		c.DefaultModel = c.Providers.Bedrock.Model
	case "local":
		if v := os.Getenv("LOCAL_DEFAULT_MODEL"); v != "" {
			c.Providers.Local.Model = v
		}
		c.DefaultModel = c.Providers.Local.Model
	default:
		if c.DefaultModel == "" {
			c.DefaultModel = c.Providers.Anthropic.Model
		}
	}
}

// APIKey returns the API key env var for a named provider
// (`<PROVIDER>_API_KEY`, spec.md §6; AWS_ACCESS_KEY_ID for bedrock), empty
// if unset or for any other provider name.
func APIKey(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "bedrock":
		return os.Getenv("AWS_ACCESS_KEY_ID")
	default:
		return ""
	}
}
