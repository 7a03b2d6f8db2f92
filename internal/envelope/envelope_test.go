package envelope

import "testing"

func TestBuilderRequiredFields(t *testing.T) {
	env := NewBuilder("adapter@1", "cid", "binance-main", "BTCUSDT", "trade", map[string]any{"k": 1.0}).Build()
	if env.AdapterVersion != "adapter@1" || env.ConnID != "cid" || env.Exchange != "binance-main" {
		t.Fatalf("got %+v", env)
	}
	if env.Symbol != "BTCUSDT" || env.Channel != "trade" {
		t.Fatalf("got %+v", env)
	}
	if env.ServerTime != nil || env.Sequence != nil || env.MessageID != nil {
		t.Fatalf("expected optional fields unset, got %+v", env)
	}
}

func TestBuilderOptionalFields(t *testing.T) {
	env := NewBuilder("adapter@1", "cid", "ex", "BTC", "trade", nil).
		LocalTimeNs(12345).
		ServerTime(1700000000000).
		Sequence(42).
		MessageID("msg-1").
		Build()

	if env.LocalTimeNs != 12345 {
		t.Fatalf("got %d", env.LocalTimeNs)
	}
	if env.ServerTime == nil || *env.ServerTime != 1700000000000 {
		t.Fatalf("got %v", env.ServerTime)
	}
	if env.Sequence == nil || *env.Sequence != 42 {
		t.Fatalf("got %v", env.Sequence)
	}
	if env.MessageID == nil || *env.MessageID != "msg-1" {
		t.Fatalf("got %v", env.MessageID)
	}
}
