package envelope

import "testing"

func TestCanonicalRoundTrip(t *testing.T) {
	seq := uint64(7)
	env := NewBuilder("adapter@1", "cid", "binance", "BTCUSDT", "trade", map[string]any{"x": 1.0}).
		ReceivedAtMs(1234).
		Sequence(seq).
		Build()

	data, err := env.EncodeCanonical()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodeCanonical(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Exchange != env.Exchange || got.Symbol != env.Symbol || got.Channel != env.Channel {
		t.Fatalf("roundtrip mismatch: %+v vs %+v", got, env)
	}
	if got.Sequence == nil || *got.Sequence != seq {
		t.Fatalf("sequence not preserved: %+v", got.Sequence)
	}
}
