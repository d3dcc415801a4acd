// Package config loads gateway configuration from environment variables and
// an optional YAML file, and initializes the global logger. Environment
// names follow the deployment contract: REDIS_URL, LOG_LEVEL, DEBUG,
// RATE_LIMIT_PER_MINUTE, CIRCUIT_BREAKER_THRESHOLD, CIRCUIT_BREAKER_TIMEOUT,
// LLM_TIMEOUT, MAX_PAYLOAD_SIZE, and the per-provider API key variables
// named by the provider descriptors.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"circuit_breaker" mapstructure:"circuit_breaker"`
	Pool      PoolConfig      `yaml:"pool" mapstructure:"pool"`
	Judge     JudgeConfig     `yaml:"judge" mapstructure:"judge"`
	Providers ProvidersConfig `yaml:"providers" mapstructure:"providers"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Debug     bool            `yaml:"debug" mapstructure:"debug"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
	// MaxPayloadBytes caps the request body, matching the ingress
	// client-max-body-size.
	MaxPayloadBytes int64 `yaml:"max_payload_size" mapstructure:"max_payload_size"`
	// RequestTimeoutSecs bounds one whole evaluation request.
	RequestTimeoutSecs int `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	// ShutdownGraceSecs bounds graceful shutdown.
	ShutdownGraceSecs int `yaml:"shutdown_grace_secs" mapstructure:"shutdown_grace_secs"`
}

// RedisConfig configures the rate-limit store connection.
type RedisConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
	// DialTimeoutSecs bounds connection establishment.
	DialTimeoutSecs int `yaml:"dial_timeout_secs" mapstructure:"dial_timeout_secs"`
}

// RateLimitConfig configures the shared token bucket.
type RateLimitConfig struct {
	// PerMinute is the sustained per-provider request budget; it sets both
	// the refill rate (PerMinute/60 per second) and the bucket capacity.
	PerMinute int `yaml:"per_minute" mapstructure:"per_minute"`
	// LocalFastPath enables the replica-local pre-check layer.
	LocalFastPath bool `yaml:"local_fast_path" mapstructure:"local_fast_path"`
}

// BreakerConfig configures the per-provider circuit breakers.
type BreakerConfig struct {
	Threshold int `yaml:"threshold" mapstructure:"threshold"`
	// TimeoutSecs is the open-state cooldown in seconds.
	TimeoutSecs int `yaml:"timeout" mapstructure:"timeout"`
	// WindowSecs is the sliding failure-count window in seconds.
	WindowSecs int `yaml:"window_secs" mapstructure:"window_secs"`
}

// PoolConfig configures the provider connection pools.
type PoolConfig struct {
	QueueTimeoutSecs int `yaml:"queue_timeout_secs" mapstructure:"queue_timeout_secs"`
}

// JudgeConfig configures the judge calls issued to providers.
type JudgeConfig struct {
	MaxTokens int `yaml:"max_tokens" mapstructure:"max_tokens"`
	// TimeoutSecs is the default per-call timeout applied to descriptors
	// that do not set their own.
	TimeoutSecs int     `yaml:"timeout" mapstructure:"timeout"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
}

// ProvidersConfig locates the provider descriptor file.
type ProvidersConfig struct {
	// File is the path to the YAML descriptor list. When empty or missing
	// the built-in defaults apply.
	File string `yaml:"file" mapstructure:"file"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/arbiter")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_payload_size", 2<<20)
	v.SetDefault("server.request_timeout_secs", 90)
	v.SetDefault("server.shutdown_grace_secs", 15)
	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("redis.dial_timeout_secs", 5)
	v.SetDefault("rate_limit.per_minute", 100)
	v.SetDefault("rate_limit.local_fast_path", true)
	v.SetDefault("circuit_breaker.threshold", 5)
	v.SetDefault("circuit_breaker.timeout", 30)
	v.SetDefault("circuit_breaker.window_secs", 60)
	v.SetDefault("pool.queue_timeout_secs", 5)
	v.SetDefault("judge.max_tokens", 1000)
	v.SetDefault("judge.timeout", 60)
	v.SetDefault("judge.temperature", 0.1)
	v.SetDefault("providers.file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("debug", false)

	// The deployment injects LLM_TIMEOUT; keep it as an alias for the
	// judge call timeout.
	if err := v.BindEnv("judge.timeout", "LLM_TIMEOUT", "JUDGE_TIMEOUT"); err != nil {
		return nil, eris.Wrap(err, "config: bind env")
	}
	if err := v.BindEnv("server.max_payload_size", "MAX_PAYLOAD_SIZE"); err != nil {
		return nil, eris.Wrap(err, "config: bind env")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if cfg.Debug && cfg.Log.Level == "info" {
		cfg.Log.Level = "debug"
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
