package ingestion

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/teru1991/crypto-collector/internal/envelope"
)

type memorySink struct {
	mu      sync.Mutex
	batches [][]envelope.Envelope
}

func (m *memorySink) EmitBatch(batch []envelope.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, batch)
	return nil
}

func (m *memorySink) snapshot() [][]envelope.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]envelope.Envelope, len(m.batches))
	copy(out, m.batches)
	return out
}

func env(channel string) envelope.Envelope {
	return envelope.NewBuilder("adapter@1", "cid", "binance-main", "BTCUSDT", channel, map[string]any{"k": 1}).Build()
}

func TestBatchingByCountThreshold(t *testing.T) {
	sink := &memorySink{}
	sender, handle := Spawn(16, 2, time.Second, sink)

	must(t, sender.TrySend(env("trade")))
	must(t, sender.TrySend(env("trade")))
	time.Sleep(30 * time.Millisecond)

	got := sink.snapshot()
	if len(got) != 1 || len(got[0]) != 2 {
		t.Fatalf("got %v batches, want one batch of 2", got)
	}
	handle.Shutdown()
}

func TestBatchingByTimeInterval(t *testing.T) {
	sink := &memorySink{}
	sender, handle := Spawn(16, 50, 30*time.Millisecond, sink)

	must(t, sender.TrySend(env("trade")))
	time.Sleep(80 * time.Millisecond)

	got := sink.snapshot()
	if len(got) != 1 || len(got[0]) != 1 {
		t.Fatalf("got %v batches, want one batch of 1", got)
	}
	handle.Shutdown()
}

func TestFlushDrainsRemainingItems(t *testing.T) {
	sink := &memorySink{}
	sender, handle := Spawn(16, 50, time.Second, sink)

	must(t, sender.TrySend(env("trade")))
	handle.Flush()

	got := sink.snapshot()
	if len(got) != 1 || len(got[0]) != 1 {
		t.Fatalf("got %v batches, want one batch of 1", got)
	}
	handle.Shutdown()
}

// unreadSender builds an IngestSender over a channel nothing drains, so
// overflow behaviour can be asserted deterministically without racing a
// live runBuffer goroutine.
func unreadSender(capacity int) *IngestSender {
	return &IngestSender{ch: make(chan envelope.Envelope, capacity), closed: &atomic.Bool{}}
}

func TestTickerOverflowDropsSilently(t *testing.T) {
	sender := unreadSender(1)

	must(t, sender.TrySend(env("ticker")))
	if err := sender.TrySend(env("ticker")); err != nil {
		t.Fatalf("ticker overflow should drop silently, got err: %v", err)
	}
}

func TestTradeOverflowErrors(t *testing.T) {
	sender := unreadSender(1)

	must(t, sender.TrySend(env("trade")))
	if err := sender.TrySend(env("trade")); err != ErrTradeOverflow {
		t.Fatalf("err = %v, want ErrTradeOverflow", err)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
