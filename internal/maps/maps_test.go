package maps

import "testing"

func TestNormalizeWithMaps(t *testing.T) {
	m := New()
	m.SymbolMap["btcusdt"] = "BTC_USDT"
	m.ChannelMap["trade"] = "trades"

	if got := m.NormalizeSymbol("btcusdt"); got != "BTC_USDT" {
		t.Fatalf("got %q", got)
	}
	if got := m.NormalizeChannel("trade"); got != "trades" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizePassthroughOnNoMap(t *testing.T) {
	m := New()
	if got := m.NormalizeSymbol("ETH_BTC"); got != "ETH_BTC" {
		t.Fatalf("got %q", got)
	}
	if got := m.NormalizeChannel("orderbook"); got != "orderbook" {
		t.Fatalf("got %q", got)
	}
}

func TestFromChannelMapSkipsNonStrings(t *testing.T) {
	raw := map[string]any{
		"trade": "trades",
		"bad":   42,
	}
	out := FromChannelMap(raw)
	if len(out) != 1 || out["trade"] != "trades" {
		t.Fatalf("got %v", out)
	}
}
