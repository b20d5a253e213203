package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/conduitworks/maestro/pkg/schema"
)

// Config holds all maestro server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	BaseURL    string `json:"base_url"`
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`
	PoolSize   int    `json:"pool_size"`

	// Executor backends. Task types without a configured backend are
	// rejected at dispatch time.
	OpenAIAPIKey string `json:"openai_api_key"`
	LLMModel     string `json:"llm_model"`
	MCPServerURL string `json:"mcp_server_url"`
	AgentBaseURL string `json:"agent_base_url"`

	// Instance defaults, applied when a definition omits them.
	DefaultFailurePolicy string `json:"default_failure_policy"`
	DefaultTimeout       string `json:"default_timeout"`
	DefaultMaxRetries    int    `json:"default_max_retries"`
	DefaultBackoffBase   string `json:"default_backoff_base"`
	DefaultBackoffMax    string `json:"default_backoff_max"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4700",
		DBPath:     filepath.Join(maestroDir(), "maestro.db"),
		LogLevel:   "info",
		PoolSize:   8,
		LLMModel:   "gpt-4o-mini",
	}
}

func maestroDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".maestro"
	}
	return filepath.Join(home, ".maestro")
}

func settingsPath() string {
	return filepath.Join(maestroDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("MAESTRO_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("MAESTRO_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("MAESTRO_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MAESTRO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MAESTRO_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("MAESTRO_LLM_MODEL"); v != "" {
		cfg.LLMModel = v
	}
	if v := os.Getenv("MAESTRO_MCP_SERVER_URL"); v != "" {
		cfg.MCPServerURL = v
	}
	if v := os.Getenv("MAESTRO_AGENT_BASE_URL"); v != "" {
		cfg.AgentBaseURL = v
	}
	if v := os.Getenv("MAESTRO_FAILURE_POLICY"); v != "" {
		cfg.DefaultFailurePolicy = v
	}
	if v := os.Getenv("MAESTRO_WORKFLOW_TIMEOUT"); v != "" {
		cfg.DefaultTimeout = v
	}
	if v := os.Getenv("MAESTRO_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultMaxRetries = n
		}
	}

	// Derive base_url from listen_addr if empty.
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}

	return cfg
}

// defaultRetry builds the fallback retry config, nil when retries are off.
func (c Config) defaultRetry() *schema.RetryConfig {
	if c.DefaultMaxRetries <= 0 {
		return nil
	}
	return &schema.RetryConfig{
		MaxRetries:  c.DefaultMaxRetries,
		BackoffBase: c.DefaultBackoffBase,
		BackoffMax:  c.DefaultBackoffMax,
		Jitter:      true,
	}
}
