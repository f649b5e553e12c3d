package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"shellchat/internal/provider"
	"shellchat/internal/sandbox"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	LLM       LLMConfig       `yaml:"llm"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Database  DatabaseConfig  `yaml:"database"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Security  SecurityConfig  `yaml:"security"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	APIBase       string                `yaml:"api_base"`
	APIKeyEnv     string                `yaml:"api_key_env"`
	Defaults      provider.CreateConfig `yaml:"defaults"`
	ProbeTimeout  time.Duration         `yaml:"probe_timeout"`
	SweepInterval time.Duration         `yaml:"sweep_interval"`
	IdleThreshold time.Duration         `yaml:"idle_threshold"`
	Pricing       sandbox.Pricing       `yaml:"pricing"`
}

type LLMConfig struct {
	APIKeyEnv      string `yaml:"api_key_env"`
	BaseURL        string `yaml:"base_url"`
	ChatModel      string `yaml:"chat_model"`
	EmbeddingModel string `yaml:"embedding_model"`
	EmbeddingDims  int    `yaml:"embedding_dims"`
}

type RetrievalConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	ContextMaxTokens    int     `yaml:"context_max_tokens"`
	EmbeddingCacheSize  int     `yaml:"embedding_cache_size"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    16 * time.Minute, // > slow command timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Sandbox: SandboxConfig{
			APIBase:   "https://api.sandbox.example.com",
			APIKeyEnv: "SANDBOX_API_KEY",
			Defaults: provider.CreateConfig{
				Template:          "base",
				TotalTimeout:      10 * time.Minute,
				PerCommandTimeout: 5 * time.Minute,
				MaxMemoryMB:       512,
				MaxCPUs:           1,
			},
			ProbeTimeout:  5 * time.Second,
			SweepInterval: time.Minute,
			IdleThreshold: 5 * time.Minute,
			Pricing:       sandbox.DefaultPricing(),
		},
		LLM: LLMConfig{
			APIKeyEnv:      "OPENAI_API_KEY",
			ChatModel:      "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
			EmbeddingDims:  1536,
		},
		Retrieval: RetrievalConfig{
			SimilarityThreshold: 0.7,
			ContextMaxTokens:    1500,
			EmbeddingCacheSize:  10000,
		},
		Database: DatabaseConfig{
			DSN: "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Sandbox.APIBase == "" {
		return fmt.Errorf("sandbox.api_base is required")
	}
	if c.Sandbox.Defaults.PerCommandTimeout > c.Sandbox.Defaults.TotalTimeout {
		return fmt.Errorf("sandbox.defaults.per_command_timeout (%s) must be <= total_timeout (%s)",
			c.Sandbox.Defaults.PerCommandTimeout, c.Sandbox.Defaults.TotalTimeout)
	}
	if c.Sandbox.Defaults.MaxMemoryMB < 16 {
		return fmt.Errorf("sandbox.defaults.max_memory_mb must be >= 16")
	}
	if c.Sandbox.Pricing.PerSecond < 0 || c.Sandbox.Pricing.CreationFee < 0 {
		return fmt.Errorf("sandbox.pricing rates must be >= 0")
	}
	if c.Retrieval.SimilarityThreshold < 0 || c.Retrieval.SimilarityThreshold > 1 {
		return fmt.Errorf("retrieval.similarity_threshold must be in [0,1], got %g", c.Retrieval.SimilarityThreshold)
	}
	if c.Retrieval.ContextMaxTokens < 0 {
		return fmt.Errorf("retrieval.context_max_tokens must be >= 0")
	}
	if c.LLM.ChatModel == "" {
		return fmt.Errorf("llm.chat_model is required")
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
