package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	OpenAI    OpenAIConfig     `mapstructure:"openai"`
	Slack     SlackConfig      `mapstructure:"slack"`
	Telegram  TelegramConfig   `mapstructure:"telegram"`
	Providers []ProviderConfig `mapstructure:"providers"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Limits    LimitsConfig     `mapstructure:"limits"`
}

type OpenAIConfig struct {
	APIKey          string `mapstructure:"api_key"`
	BaseURL         string `mapstructure:"base_url"`
	Model           string `mapstructure:"model"`
	SummaryModel    string `mapstructure:"summary_model"`
	ReasoningEffort string `mapstructure:"reasoning_effort"`
	MaxOutputTokens int    `mapstructure:"max_output_tokens"`
	Instructions    string `mapstructure:"instructions"`
}

type SlackConfig struct {
	BotToken string `mapstructure:"bot_token"` // xoxb-
	AppToken string `mapstructure:"app_token"` // xapp-, Socket Mode
}

type TelegramConfig struct {
	Token            string   `mapstructure:"token"`
	AllowedUserIDs   []int64  `mapstructure:"allowed_user_ids"`
	AllowedUsernames []string `mapstructure:"allowed_usernames"`
	IdleTimeout      int      `mapstructure:"idle_timeout"` // minutes
}

// ProviderConfig describes one MCP monitoring provider endpoint.
type ProviderConfig struct {
	Label       string `mapstructure:"label"`
	URL         string `mapstructure:"url"`
	Token       string `mapstructure:"token"`
	InsecureTLS bool   `mapstructure:"insecure_tls"`
}

// MetricsConfig points at a Prometheus-compatible query endpoint.
type MetricsConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

type LimitsConfig struct {
	CacheEntries int `mapstructure:"cache_entries"` // tool-result cache size
	PageSize     int `mapstructure:"page_size"`     // default collection page
}

func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)
	viper.AddConfigPath(".")

	viper.SetDefault("openai.base_url", "https://api.openai.com/v1")
	viper.SetDefault("openai.model", "gpt-5.2")
	viper.SetDefault("openai.summary_model", "gpt-5.2-mini")
	viper.SetDefault("openai.reasoning_effort", "medium")
	viper.SetDefault("telegram.idle_timeout", 30)
	viper.SetDefault("limits.cache_entries", 256)
	viper.SetDefault("limits.page_size", 100)

	// Config file is optional; env vars can carry everything.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expand()
	return &cfg, nil
}

// expand resolves ${VAR} references and environment fallbacks for secrets.
func (c *Config) expand() {
	c.OpenAI.APIKey = expandEnv(c.OpenAI.APIKey)
	if c.OpenAI.APIKey == "" {
		c.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	c.Slack.BotToken = expandEnv(c.Slack.BotToken)
	if c.Slack.BotToken == "" {
		c.Slack.BotToken = os.Getenv("SLACK_BOT_TOKEN")
	}
	c.Slack.AppToken = expandEnv(c.Slack.AppToken)
	if c.Slack.AppToken == "" {
		c.Slack.AppToken = os.Getenv("SLACK_APP_TOKEN")
	}
	c.Telegram.Token = expandEnv(c.Telegram.Token)
	if c.Telegram.Token == "" {
		c.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	c.Metrics.URL = expandEnv(c.Metrics.URL)
	c.Metrics.Token = expandEnv(c.Metrics.Token)
	for i := range c.Providers {
		c.Providers[i].URL = expandEnv(c.Providers[i].URL)
		c.Providers[i].Token = expandEnv(c.Providers[i].Token)
	}
}

// Validate checks the parts every run needs. Platform tokens are checked by
// the platform adapters so `m8b tools` works without chat credentials.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.OpenAI.APIKey) == "" {
		return fmt.Errorf("openai.api_key is not set (or OPENAI_API_KEY)")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if strings.TrimSpace(p.Label) == "" {
			return fmt.Errorf("provider with url %q has no label", p.URL)
		}
		if strings.TrimSpace(p.URL) == "" {
			return fmt.Errorf("provider %q has no url", p.Label)
		}
		if seen[p.Label] {
			return fmt.Errorf("duplicate provider label %q", p.Label)
		}
		seen[p.Label] = true
	}
	return nil
}

// expandEnv expands ${VAR} or $VAR in a string
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		varName := s[2 : len(s)-1]
		return os.Getenv(varName)
	}
	if strings.HasPrefix(s, "$") {
		return os.Getenv(s[1:])
	}
	return s
}

// GetConfigDir returns the XDG config directory for m8b-slack.
// Uses $XDG_CONFIG_HOME if set, otherwise ~/.config
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, "m8b-slack"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "m8b-slack"), nil
}
