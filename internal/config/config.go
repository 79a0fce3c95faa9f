package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig              `mapstructure:"server"`
	Logging      LoggingConfig             `mapstructure:"logging"`
	Orchestrator OrchestratorConfig        `mapstructure:"orchestrator"`
	Providers    map[string]ProviderConfig `mapstructure:"providers"`
	Fallbacks    map[string][]string       `mapstructure:"fallbacks"` // "provider/target" -> ordered alternates
	TokenStore   TokenStoreConfig          `mapstructure:"token_store"`
	Usage        UsageConfig               `mapstructure:"usage"`
	History      HistoryConfig             `mapstructure:"history"`
	Events       EventsConfig              `mapstructure:"events"`
	Agents       AgentsConfig              `mapstructure:"agents"`
}

type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OrchestratorConfig holds the uniform dispatch policy applied to every
// provider slot.
type OrchestratorConfig struct {
	TimeoutMs             int         `mapstructure:"timeout_ms"`
	MaxResultsPerProvider int         `mapstructure:"max_results_per_provider"`
	MaxMergedResults      int         `mapstructure:"max_merged_results"`
	Retry                 RetryConfig `mapstructure:"retry"`
}

// RetryConfig is the backoff policy for rate-limited provider calls.
type RetryConfig struct {
	MaxAttempts int     `mapstructure:"max_attempts"`
	BaseDelayMs int     `mapstructure:"base_delay_ms"`
	MaxDelayMs  int     `mapstructure:"max_delay_ms"`
	Jitter      float64 `mapstructure:"jitter"`
}

// ProviderConfig describes one configured provider instance
type ProviderConfig struct {
	Type               string   `mapstructure:"type"` // "rest", "gateway", "hub"
	BaseURL            string   `mapstructure:"base_url"`
	APIKey             string   `mapstructure:"api_key"`
	DefaultModel       string   `mapstructure:"default_model"` // gateway: model when request has no target
	Capabilities       []string `mapstructure:"capabilities"`
	RequiresAuth       bool     `mapstructure:"requires_auth"`
	RateLimitPerMinute int      `mapstructure:"rate_limit_per_minute"`
	Enabled            *bool    `mapstructure:"enabled"` // nil = enabled
	Timeout            int      `mapstructure:"timeout"` // seconds, per-provider HTTP client timeout
}

// IsEnabled treats an unset Enabled flag as true
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

type TokenStoreConfig struct {
	Backend           string `mapstructure:"backend"` // "memory", "bolt", "redis"
	Path              string `mapstructure:"path"`    // bolt database path
	RedisAddr         string `mapstructure:"redis_addr"`
	RedisDB           int    `mapstructure:"redis_db"`
	DefaultTTLMinutes int    `mapstructure:"default_ttl_minutes"`
}

type UsageConfig struct {
	HealthWindowMinutes int `mapstructure:"health_window_minutes"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type EventsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type AgentsConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

func Load(cfgFile string) *Config {
	// Load .env file if exists (ignore error if not found)
	godotenv.Load()
	godotenv.Load(".env.local")

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure environment variable handling
	// Replace . with _ for nested config keys
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("SMX")
	v.AutomaticEnv()

	// Read config file
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")          // Same directory as executable (priority)
		v.AddConfigPath("./configs")  // configs/ subdirectory
		v.AddConfigPath("../configs") // For running from bin/ directory
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is ok, use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic("Error reading config file: " + err.Error())
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic("Error unmarshaling config: " + err.Error())
	}

	return &cfg
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 60)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	// Orchestrator defaults
	v.SetDefault("orchestrator.timeout_ms", 10000)
	v.SetDefault("orchestrator.max_results_per_provider", 10)
	v.SetDefault("orchestrator.max_merged_results", 100)
	v.SetDefault("orchestrator.retry.max_attempts", 3)
	v.SetDefault("orchestrator.retry.base_delay_ms", 500)
	v.SetDefault("orchestrator.retry.max_delay_ms", 8000)
	v.SetDefault("orchestrator.retry.jitter", 0.2)

	// Fallback chain defaults: gateway model alternates. Opaque routing
	// data, not semantic equivalence rules.
	v.SetDefault("fallbacks", map[string][]string{
		"gateway/openai/gpt-4":              {"gateway/anthropic/claude-3-opus", "gateway/google/gemini-pro"},
		"gateway/openai/gpt-3.5-turbo":      {"gateway/anthropic/claude-3-haiku", "gateway/meta-llama/llama-3-8b-instruct"},
		"gateway/anthropic/claude-3-opus":   {"gateway/openai/gpt-4", "gateway/google/gemini-pro"},
		"gateway/anthropic/claude-3-sonnet": {"gateway/openai/gpt-4", "gateway/google/gemini-pro"},
		"gateway/meta-llama/llama-3-70b":    {"gateway/openai/gpt-4", "gateway/anthropic/claude-3-opus"},
	})

	// Token store defaults
	v.SetDefault("token_store.backend", "memory")
	v.SetDefault("token_store.path", "./data/tokens.db")
	v.SetDefault("token_store.redis_addr", "127.0.0.1:6379")
	v.SetDefault("token_store.redis_db", 0)
	v.SetDefault("token_store.default_ttl_minutes", 60)

	// Usage defaults
	v.SetDefault("usage.health_window_minutes", 5)

	// History defaults
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "./data/history.db")

	// Events defaults
	v.SetDefault("events.enabled", false)
	v.SetDefault("events.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("events.subject_prefix", "searchmux")

	// Agent pool defaults
	v.SetDefault("agents.workers", 4)
	v.SetDefault("agents.queue_size", 64)
}
