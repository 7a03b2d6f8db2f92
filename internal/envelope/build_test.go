package envelope

import (
	"testing"

	"github.com/teru1991/crypto-collector/internal/descriptor"
	"github.com/teru1991/crypto-collector/internal/maps"
)

func TestBuildFromPayloadBasic(t *testing.T) {
	payload := map[string]any{
		"channel": "trade",
		"symbol":  "btcusdt",
		"ts":      1700000000000.0,
		"seq":     7.0,
	}
	serverTime := "/ts"
	sequence := "/seq"
	parse := descriptor.ParseSection{
		Channel:    "/channel",
		Symbol:     "/symbol",
		ServerTime: &serverTime,
		Sequence:   &sequence,
	}
	m := maps.New()
	m.SymbolMap["btcusdt"] = "BTC_USDT"
	m.ChannelMap["trade"] = "trades"

	env, err := BuildFromPayload(payload, parse, m, "binance-main", "main", 99)
	if err != nil {
		t.Fatal(err)
	}
	if env.Symbol != "BTC_USDT" || env.Channel != "trades" {
		t.Fatalf("got %+v", env)
	}
	if env.ServerTime == nil || *env.ServerTime != 1700000000000 {
		t.Fatalf("got %v", env.ServerTime)
	}
	if env.Sequence == nil || *env.Sequence != 7 {
		t.Fatalf("got %v", env.Sequence)
	}
	if env.AdapterVersion != AdapterVersion {
		t.Fatalf("got %q", env.AdapterVersion)
	}
}

func TestBuildFromPayloadFallsBackToUnknown(t *testing.T) {
	payload := map[string]any{"channel": "", "symbol": ""}
	parse := descriptor.ParseSection{Channel: "/channel", Symbol: "/symbol"}
	env, err := BuildFromPayload(payload, parse, maps.New(), "ex", "cid", 0)
	if err != nil {
		t.Fatal(err)
	}
	if env.Symbol != "UNKNOWN" || env.Channel != "unknown" {
		t.Fatalf("got %+v", env)
	}
}
