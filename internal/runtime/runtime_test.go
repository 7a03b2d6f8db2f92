package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/teru1991/crypto-collector/internal/descriptor"
	"github.com/teru1991/crypto-collector/internal/maps"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestDeterministicBackoffWithSeed(t *testing.T) {
	a := SeededBackoffPolicy(10, 200, 5, 7)
	b := SeededBackoffPolicy(10, 200, 5, 7)
	if a.NextDelayMs(0) != b.NextDelayMs(0) {
		t.Fatal("attempt 0 mismatch")
	}
	if a.NextDelayMs(1) != b.NextDelayMs(1) {
		t.Fatal("attempt 1 mismatch")
	}
	if a.NextDelayMs(2) != b.NextDelayMs(2) {
		t.Fatal("attempt 2 mismatch")
	}
}

func TestUrlRotationCycles(t *testing.T) {
	r := NewUrlRotator([]string{"a", "b", "c"})
	if r.Current() != "a" {
		t.Fatalf("got %q", r.Current())
	}
	if r.Rotate() != "b" {
		t.Fatal("expected b")
	}
	if r.Rotate() != "c" {
		t.Fatal("expected c")
	}
	if r.Rotate() != "a" {
		t.Fatal("expected wraparound to a")
	}
}

func TestAckGateMatchesByCorrelation(t *testing.T) {
	matcher := &descriptor.AckMatcher{Field: "/type", Value: "subscribed", TimeoutMs: 5000}
	expected := map[string]struct{}{"s1": {}, "s2": {}}
	gate := NewAckGate(matcher, "/id", expected)

	msgs := []any{
		map[string]any{"type": "subscribed", "id": "s1"},
		map[string]any{"type": "subscribed", "id": "s2"},
	}
	i := 0
	next := func() (any, bool) {
		if i >= len(msgs) {
			return nil, false
		}
		m := msgs[i]
		i++
		return m, true
	}

	err := gate.WaitUntil(context.Background(), 50*time.Millisecond, next)
	if err != nil {
		t.Fatal(err)
	}
	if !gate.IsComplete() {
		t.Fatal("expected gate complete")
	}
}

func TestAckGateTimeout(t *testing.T) {
	matcher := &descriptor.AckMatcher{Field: "/type", Value: "subscribed", TimeoutMs: 5000}
	expected := map[string]struct{}{"x": {}}
	gate := NewAckGate(matcher, "/id", expected)

	sent := false
	next := func() (any, bool) {
		if sent {
			return nil, false
		}
		sent = true
		return map[string]any{"type": "noop"}, true
	}

	err := gate.WaitUntil(context.Background(), 5*time.Millisecond, next)
	if err != ErrAckTimeout {
		t.Fatalf("got %v", err)
	}
}

func TestExtractionAndNormalizeToEnvelope(t *testing.T) {
	payload := map[string]any{
		"topic": "trade",
		"s":     "XBTUSD",
		"ts":    1000.0,
		"seq":   7.0,
		"id":    "m1",
	}
	serverTime := "/ts"
	sequence := "/seq"
	messageID := "/id"
	parse := descriptor.ParseSection{
		Channel:    "/topic",
		Symbol:     "/s",
		ServerTime: &serverTime,
		Sequence:   &sequence,
		MessageID:  &messageID,
	}

	m := maps.New()
	m.SymbolMap["XBTUSD"] = "BTCUSD"
	m.ChannelMap["trade"] = "trades"

	env, err := BuildEnvelope(payload, parse, &m, "bitmex", "conn-1", 123)
	if err != nil {
		t.Fatal(err)
	}
	if env.Symbol != "BTCUSD" || env.Channel != "trades" {
		t.Fatalf("got %+v", env)
	}
	if env.ServerTime == nil || *env.ServerTime != 1000 {
		t.Fatalf("got %v", env.ServerTime)
	}
	if env.Sequence == nil || *env.Sequence != 7 {
		t.Fatalf("got %v", env.Sequence)
	}
}

func TestTimeQualityTrackerPresenceRatio(t *testing.T) {
	var tr TimeQualityTracker
	st := int64(1000)
	tr.Record(&st, 1_005_000_000)
	tr.Record(nil, 2_000_000_000)
	if tr.Total != 2 || tr.WithServerTime != 1 {
		t.Fatalf("got %+v", tr)
	}
	if tr.PresenceRatio() != 0.5 {
		t.Fatalf("got %v", tr.PresenceRatio())
	}
}

func TestInstanceSupervisorRecoversPanic(t *testing.T) {
	sup := NewInstanceSupervisor(testLogger())
	sup.SpawnGuarded("conn-a", func() {
		panic("boom")
	})
	sup.JoinAll()

	snap, ok := sup.States.Get("conn-a")
	if !ok || snap.State != StateDegraded {
		t.Fatalf("got %+v, %v", snap, ok)
	}
}

func TestInstanceSupervisorCleanReturn(t *testing.T) {
	sup := NewInstanceSupervisor(testLogger())
	done := make(chan struct{})
	sup.SpawnGuarded("conn-b", func() {
		close(done)
	})
	sup.JoinAll()
	<-done

	snap, ok := sup.States.Get("conn-b")
	if !ok || snap.State != StateDisconnected {
		t.Fatalf("got %+v, %v", snap, ok)
	}
}

func TestParseWsPayloadBinaryNonJSONWraps(t *testing.T) {
	raw := []byte{0xff, 0xfe, 0x00, 0x01}
	v, err := ParseWsPayload(raw, true)
	if err != nil {
		t.Fatal(err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("got %T", v)
	}
	if _, ok := m["binary_base64"]; !ok {
		t.Fatalf("got %+v", m)
	}
}
