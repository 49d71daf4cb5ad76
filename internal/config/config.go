package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Claude    ClaudeConfig    `yaml:"claude" mapstructure:"claude"`
	Gateway   GatewayConfig   `yaml:"gateway" mapstructure:"gateway"`
	Knowledge KnowledgeConfig `yaml:"knowledge" mapstructure:"knowledge"`
	Resolver  ResolverConfig  `yaml:"resolver" mapstructure:"resolver"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Health    HealthConfig    `yaml:"health" mapstructure:"health"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// ClaudeConfig holds Anthropic API settings. The three model slots form the
// gateway's fallback chain, tried strictly in order.
type ClaudeConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	PrimaryModel   string  `yaml:"primary_model" mapstructure:"primary_model"`
	SecondaryModel string  `yaml:"secondary_model" mapstructure:"secondary_model"`
	FallbackModel  string  `yaml:"fallback_model" mapstructure:"fallback_model"`
	MaxTokens      int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature    float64 `yaml:"temperature" mapstructure:"temperature"`
}

// Models returns the fallback chain in trial order, skipping empty slots.
func (c ClaudeConfig) Models() []string {
	var out []string
	for _, m := range []string{c.PrimaryModel, c.SecondaryModel, c.FallbackModel} {
		if m != "" {
			out = append(out, m)
		}
	}
	return out
}

// GatewayConfig configures per-call behavior of the model gateway.
type GatewayConfig struct {
	RetriesPerModel int     `yaml:"retries_per_model" mapstructure:"retries_per_model"`
	CallTimeoutSecs int     `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	RequestsPerSec  float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	BreakerFailures int     `yaml:"breaker_failures" mapstructure:"breaker_failures"`
}

// KnowledgeConfig configures the external drug vocabulary store.
type KnowledgeConfig struct {
	DatabaseURL     string   `yaml:"database_url" mapstructure:"database_url"`
	QueryTimeoutSecs int     `yaml:"query_timeout_secs" mapstructure:"query_timeout_secs"`
	AliasFiles      []string `yaml:"alias_files" mapstructure:"alias_files"`
}

// ResolverConfig holds drug-name resolution policy knobs.
type ResolverConfig struct {
	AcceptanceThreshold float64 `yaml:"acceptance_threshold" mapstructure:"acceptance_threshold"`
	FuzzyFloor          float64 `yaml:"fuzzy_floor" mapstructure:"fuzzy_floor"`
	FuzzyTopK           int     `yaml:"fuzzy_top_k" mapstructure:"fuzzy_top_k"`
}

// PipelineConfig configures orchestrator behavior.
type PipelineConfig struct {
	DeadlineSecs            int     `yaml:"deadline_secs" mapstructure:"deadline_secs"`
	HallucinationSimilarity float64 `yaml:"hallucination_similarity" mapstructure:"hallucination_similarity"`
	DefaultTranslateTo      string  `yaml:"default_translate_to" mapstructure:"default_translate_to"`
}

// StoreConfig configures the audit store.
type StoreConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// HealthConfig configures the dependency prober.
type HealthConfig struct {
	CacheTTLSecs int `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
}

// BatchConfig configures the batch command.
type BatchConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RXSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("store.path", "rxscan.db")
	v.SetDefault("claude.key", "")
	v.SetDefault("claude.primary_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("claude.secondary_model", "claude-haiku-4-5-20251001")
	v.SetDefault("claude.fallback_model", "claude-opus-4-6")
	v.SetDefault("claude.max_tokens", 4096)
	v.SetDefault("claude.temperature", 0.0)
	v.SetDefault("gateway.retries_per_model", 3)
	v.SetDefault("gateway.call_timeout_secs", 60)
	v.SetDefault("gateway.requests_per_sec", 2.0)
	v.SetDefault("gateway.breaker_failures", 5)
	v.SetDefault("knowledge.database_url", "")
	v.SetDefault("knowledge.query_timeout_secs", 10)
	v.SetDefault("knowledge.alias_files", []string{})
	v.SetDefault("resolver.acceptance_threshold", 0.95)
	v.SetDefault("resolver.fuzzy_floor", 0.63)
	v.SetDefault("resolver.fuzzy_top_k", 5)
	v.SetDefault("pipeline.deadline_secs", 300)
	v.SetDefault("pipeline.hallucination_similarity", 0.5)
	v.SetDefault("pipeline.default_translate_to", "")
	v.SetDefault("health.cache_ttl_secs", 300)
	v.SetDefault("batch.max_concurrent", 4)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
