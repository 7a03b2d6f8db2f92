package config

import (
	"strings"
	"testing"
)

const validTOML = `
[run]
http_port = 8080
log_level = "info"

[[exchange]]
name = "binance"
enabled = true
descriptor_path = "exchanges/binance_v1_4.toml"
symbols = ["BTC/USDT", "ETH/USDT"]
channels = ["trades", "orderbook"]

[[exchange]]
name = "kraken"
enabled = false
descriptor_path = "exchanges/kraken_v1_4.toml"
symbols = []
channels = []
`

func TestParseValidConfig(t *testing.T) {
	cfg, err := ParseCollectorConfig([]byte(validTOML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Run.HTTPPort != 8080 {
		t.Fatalf("expected http_port 8080, got %d", cfg.Run.HTTPPort)
	}
	if len(cfg.Exchanges) != 2 {
		t.Fatalf("expected 2 exchanges, got %d", len(cfg.Exchanges))
	}
	if !cfg.Exchanges[0].IsEnabled() {
		t.Fatalf("expected binance enabled")
	}
	if cfg.Exchanges[1].IsEnabled() {
		t.Fatalf("expected kraken disabled")
	}
}

func TestRejectDuplicateNames(t *testing.T) {
	doc := `
[run]
http_port = 8080
log_level = "info"

[[exchange]]
name = "binance"
descriptor_path = "exchanges/binance.toml"
symbols = ["BTC/USDT"]
channels = ["trades"]

[[exchange]]
name = "binance"
descriptor_path = "exchanges/binance2.toml"
symbols = ["ETH/USDT"]
channels = ["trades"]
`
	_, err := ParseCollectorConfig([]byte(doc))
	if err == nil || !strings.Contains(err.Error(), "duplicate instance name") {
		t.Fatalf("expected duplicate instance name error, got %v", err)
	}
}

func TestRejectZeroPort(t *testing.T) {
	doc := `
[run]
http_port = 0
log_level = "info"

[[exchange]]
name = "test"
descriptor_path = "test.toml"
symbols = ["X"]
channels = ["Y"]
`
	_, err := ParseCollectorConfig([]byte(doc))
	if err == nil || !strings.Contains(err.Error(), "http_port must be > 0") {
		t.Fatalf("expected port error, got %v", err)
	}
}

func TestRejectEmptySymbolsForEnabled(t *testing.T) {
	doc := `
[run]
http_port = 8080
log_level = "info"

[[exchange]]
name = "test"
enabled = true
descriptor_path = "test.toml"
symbols = []
channels = ["trades"]
`
	_, err := ParseCollectorConfig([]byte(doc))
	if err == nil || !strings.Contains(err.Error(), "symbols must be non-empty") {
		t.Fatalf("expected symbols error, got %v", err)
	}
}

func TestRejectInvalidLogLevel(t *testing.T) {
	doc := `
[run]
http_port = 8080
log_level = "banana"

[[exchange]]
name = "test"
descriptor_path = "test.toml"
symbols = ["X"]
channels = ["Y"]
`
	_, err := ParseCollectorConfig([]byte(doc))
	if err == nil || !strings.Contains(err.Error(), "not a valid level") {
		t.Fatalf("expected log level error, got %v", err)
	}
}

func TestAllowDisabledWithEmptySymbols(t *testing.T) {
	doc := `
[run]
http_port = 8080
log_level = "info"

[[exchange]]
name = "test"
enabled = false
descriptor_path = "test.toml"
symbols = []
channels = []
`
	cfg, err := ParseCollectorConfig([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Exchanges[0].IsEnabled() {
		t.Fatalf("expected instance disabled")
	}
}
