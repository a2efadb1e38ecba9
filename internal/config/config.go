package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Server Server `yaml:"server"`
	Store  Store  `yaml:"store"`
	Pool   Pool   `yaml:"pool"`
	LLM    LLM    `yaml:"llm"`
	Agent  Agent  `yaml:"agent"`

	// SecretKey encrypts stored account credentials. Required.
	SecretKey string `yaml:"secret_key"`
}

// Server holds HTTP listener settings.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Store holds persistent store settings.
type Store struct {
	Path string `yaml:"path"`
}

// Pool holds SMTP connection pool settings.
type Pool struct {
	MaxConnectionsPerAccount int   `yaml:"max_connections_per_account"`
	MaxIdleSeconds           int   `yaml:"max_idle_seconds"`
	MaxLifetimeSeconds       int   `yaml:"max_lifetime_seconds"`
	CleanupIntervalSeconds   int   `yaml:"cleanup_interval_seconds"`
	NoopCheckBeforeUse       *bool `yaml:"noop_check_before_use"`
}

// NoopCheck reports whether pooled connections are probed before reuse.
// Defaults to true.
func (p Pool) NoopCheck() bool {
	return p.NoopCheckBeforeUse == nil || *p.NoopCheckBeforeUse
}

// LLM holds settings for the classification and embeddings service.
type LLM struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	EmbeddingModel string `yaml:"embedding_model"`
}

// Agent holds inbox agent settings.
type Agent struct {
	Enabled             bool   `yaml:"enabled"`
	AccountID           string `yaml:"account_id"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	EscalationEmail     string `yaml:"escalation_email"`
	SendFrom            string `yaml:"send_from"`
}

// Load reads configuration from an optional YAML file, then applies
// environment overrides and defaults. Pass an empty path to run on
// environment variables alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("config: ENVELOPE_SECRET_KEY is required")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.SecretKey, "ENVELOPE_SECRET_KEY")
	setString(&c.Store.Path, "ENVELOPE_DB_PATH")
	setString(&c.Server.Host, "HOST")
	setInt(&c.Server.Port, "PORT")

	setString(&c.LLM.APIKey, "OPENROUTER_API_KEY")
	setString(&c.LLM.BaseURL, "OPENROUTER_BASE_URL")
	setString(&c.LLM.Model, "OPENROUTER_MODEL")
	setString(&c.LLM.EmbeddingModel, "EMBEDDING_MODEL")

	setBool(&c.Agent.Enabled, "AGENT_ENABLED")
	setString(&c.Agent.AccountID, "AGENT_ACCOUNT_ID")
	setInt(&c.Agent.PollIntervalSeconds, "AGENT_POLL_INTERVAL")
	setString(&c.Agent.EscalationEmail, "AGENT_ESCALATION_EMAIL")
	setString(&c.Agent.SendFrom, "AGENT_SEND_FROM")
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Store.Path == "" {
		c.Store.Path = "envelope.db"
	}
	if c.Pool.MaxConnectionsPerAccount == 0 {
		c.Pool.MaxConnectionsPerAccount = 2
	}
	if c.Pool.MaxIdleSeconds == 0 {
		c.Pool.MaxIdleSeconds = 270
	}
	if c.Pool.MaxLifetimeSeconds == 0 {
		c.Pool.MaxLifetimeSeconds = 3600
	}
	if c.Pool.CleanupIntervalSeconds == 0 {
		c.Pool.CleanupIntervalSeconds = 60
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://openrouter.ai/api/v1"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "anthropic/claude-sonnet-4-20250514"
	}
	if c.LLM.EmbeddingModel == "" {
		c.LLM.EmbeddingModel = "openai/text-embedding-3-small"
	}
	if c.Agent.PollIntervalSeconds == 0 {
		c.Agent.PollIntervalSeconds = 120
	}
}

// PollInterval returns the agent poll interval as a duration.
func (a Agent) PollInterval() time.Duration {
	return time.Duration(a.PollIntervalSeconds) * time.Second
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
