package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// CollectorConfig is the top-level collector.toml document: which
// exchanges to run and how to persist what they collect.
type CollectorConfig struct {
	Run         RunConfig          `toml:"run"`
	Exchanges   []ExchangeInstance `toml:"exchange"`
	Persistence PersistenceConfig  `toml:"persistence"`
}

type RunConfig struct {
	HTTPPort uint16 `toml:"http_port"`
	LogLevel string `toml:"log_level"`
}

// ExchangeInstance binds a descriptor file to a set of symbols/channels
// to subscribe to, with an optional per-instance overrides table.
type ExchangeInstance struct {
	Name           string         `toml:"name"`
	Enabled        *bool          `toml:"enabled"`
	DescriptorPath string         `toml:"descriptor_path"`
	Symbols        []string       `toml:"symbols"`
	Channels       []string       `toml:"channels"`
	Overrides      map[string]any `toml:"overrides"`
}

// IsEnabled returns the effective enabled flag; unset defaults to true,
// matching original_source/config.rs's default_enabled().
func (e ExchangeInstance) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// PersistenceConfig maps to collector.toml's [persistence] section. Every
// sub-section defaults to disabled so existing configs that omit
// [persistence] keep working.
type PersistenceConfig struct {
	MongoURI                         string `toml:"mongo_uri"`
	MongoDatabase                     string `toml:"mongo_database"`
	MongoCollection                   string `toml:"mongo_collection"`
	MongoMaxRetries                   uint32 `toml:"mongo_max_retries"`
	MongoRetryBaseMs                  uint64 `toml:"mongo_retry_base_ms"`
	MongoConsecutiveFailuresDegraded  uint32 `toml:"mongo_consecutive_failures_for_degraded"`

	Spool SpoolConfigToml `toml:"spool"`
	Dedup DedupConfigToml `toml:"dedup"`
}

type SpoolConfigToml struct {
	Enabled      bool   `toml:"enabled"`
	Dir          string `toml:"dir"`
	MaxSegmentMB uint64 `toml:"max_segment_mb"`
	MaxTotalMB   uint64 `toml:"max_total_mb"`
	OnFull       string `toml:"on_full"`
}

type DedupConfigToml struct {
	Enabled       bool   `toml:"enabled"`
	WindowSeconds uint64 `toml:"window_seconds"`
	MaxKeys       int    `toml:"max_keys"`
}

// defaultPersistence fills in the same defaults as original_source/config.rs's
// serde(default = "...") functions.
func defaultPersistence() PersistenceConfig {
	return PersistenceConfig{
		MongoURI:                         "mongodb://localhost:27017",
		MongoDatabase:                     "market_data",
		MongoCollection:                   "crypto_envelopes",
		MongoMaxRetries:                   3,
		MongoRetryBaseMs:                  100,
		MongoConsecutiveFailuresDegraded:  3,
		Spool: SpoolConfigToml{
			Enabled:      false,
			Dir:          "/tmp/crypto-spool",
			MaxSegmentMB: 64,
			MaxTotalMB:   1024,
			OnFull:       "drop_ticker_depth_keep_trade",
		},
		Dedup: DedupConfigToml{
			Enabled:       false,
			WindowSeconds: 300,
			MaxKeys:       100_000,
		},
	}
}

// LoadCollectorConfig reads and validates a collector.toml file.
func LoadCollectorConfig(path string) (*CollectorConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	return ParseCollectorConfig(content)
}

// ParseCollectorConfig parses and validates a collector.toml document from
// bytes, applying persistence defaults before unmarshalling user overrides.
func ParseCollectorConfig(content []byte) (*CollectorConfig, error) {
	cfg := &CollectorConfig{Persistence: defaultPersistence()}
	if err := toml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config TOML: %w", err)
	}
	if errs := validateCollectorConfig(cfg); len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}
	return cfg, nil
}

// ValidationError aggregates every validation failure found, matching the
// original's "collect everything, never fail-fast" approach.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("config validation failed:\n")
	for i, msg := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, msg)
	}
	return b.String()
}

func validateCollectorConfig(cfg *CollectorConfig) []string {
	var errs []string

	if cfg.Run.HTTPPort == 0 {
		errs = append(errs, "run.http_port must be > 0")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if cfg.Run.LogLevel == "" {
		cfg.Run.LogLevel = "info"
	}
	if !validLevels[strings.ToLower(cfg.Run.LogLevel)] {
		errs = append(errs, fmt.Sprintf(
			"run.log_level %q is not a valid level (expected one of: trace, debug, info, warn, error)",
			cfg.Run.LogLevel))
	}

	if len(cfg.Exchanges) == 0 {
		errs = append(errs, "at least one [[exchange]] instance must be defined")
	}

	seen := make(map[string]bool, len(cfg.Exchanges))
	for i := range cfg.Exchanges {
		inst := &cfg.Exchanges[i]
		if seen[inst.Name] {
			errs = append(errs, fmt.Sprintf("exchange '%s': duplicate instance name", inst.Name))
		}
		seen[inst.Name] = true
		errs = validateExchangeInstance(inst, errs)
	}

	return errs
}

func validateExchangeInstance(inst *ExchangeInstance, errs []string) []string {
	ctx := inst.Name

	if inst.Name == "" {
		errs = append(errs, "exchange instance has empty name")
	}
	if inst.DescriptorPath == "" {
		errs = append(errs, fmt.Sprintf("exchange '%s': descriptor_path is empty", ctx))
	}

	if inst.IsEnabled() {
		if len(inst.Symbols) == 0 {
			errs = append(errs, fmt.Sprintf("exchange '%s': symbols must be non-empty for enabled instances", ctx))
		}
		if len(inst.Channels) == 0 {
			errs = append(errs, fmt.Sprintf("exchange '%s': channels must be non-empty for enabled instances", ctx))
		}
	}

	return errs
}
