// Package config loads process-level configuration from the environment
// and the collector TOML document.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// EnvConfig holds process-level settings that change between deployments
// but not between exchanges: where to listen, where to log, and where the
// optional sinks live. Exchange-specific settings live in the collector
// TOML document (see collector.go).
type EnvConfig struct {
	MetricsAddr string `env:"CC_METRICS_ADDR" envDefault:":9102"`

	MongoURI        string `env:"CC_MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase   string `env:"CC_MONGO_DATABASE" envDefault:"market_data"`
	MongoCollection string `env:"CC_MONGO_COLLECTION" envDefault:"crypto_envelopes"`

	SpoolDir string `env:"CC_SPOOL_DIR" envDefault:"/var/lib/crypto-collector/spool"`

	NATSURL      string `env:"CC_NATS_URL" envDefault:""`
	KafkaBrokers string `env:"CC_KAFKA_BROKERS" envDefault:""`

	MetricsInterval time.Duration `env:"CC_METRICS_INTERVAL" envDefault:"15s"`

	LogLevel  string `env:"CC_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"CC_LOG_FORMAT" envDefault:"json"`

	Environment string `env:"CC_ENVIRONMENT" envDefault:"development"`
}

// LoadEnv reads configuration from an optional .env file and the process
// environment. Priority: env vars > .env file > defaults.
func LoadEnv(logger *zerolog.Logger) (*EnvConfig, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &EnvConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("env config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the env config for obvious misconfiguration.
func (c *EnvConfig) Validate() error {
	if c.MetricsAddr == "" {
		return fmt.Errorf("CC_METRICS_ADDR is required")
	}
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("CC_LOG_LEVEL must be one of trace,debug,info,warn,error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("CC_LOG_FORMAT must be one of json,pretty (got %q)", c.LogFormat)
	}
	return nil
}

// LogConfig emits the loaded env config as a structured startup event.
func (c *EnvConfig) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("metrics_addr", c.MetricsAddr).
		Str("mongo_database", c.MongoDatabase).
		Str("spool_dir", c.SpoolDir).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("environment configuration loaded")
}
