package replay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/teru1991/crypto-collector/internal/envelope"
	"github.com/teru1991/crypto-collector/internal/mongosink"
	"github.com/teru1991/crypto-collector/internal/spool"
)

type memoryTarget struct {
	mu      sync.Mutex
	batches [][]envelope.Envelope
}

func (m *memoryTarget) InsertManyEnvelopes(_ context.Context, envelopes []envelope.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]envelope.Envelope, len(envelopes))
	copy(cp, envelopes)
	m.batches = append(m.batches, cp)
	return nil
}

func (m *memoryTarget) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func makeEnv(seq uint64) envelope.Envelope {
	return envelope.NewBuilder("adapter@1", "cid", "binance", "BTCUSDT", "trade", map[string]any{}).
		ReceivedAtMs(1000 + int64(seq)).
		Sequence(seq).
		Build()
}

func TestReplayOldestSegmentDrainsAndDeletes(t *testing.T) {
	dir := t.TempDir()
	sp, err := spool.Open(spool.Config{Dir: dir, MaxSegmentBytes: 40, MaxTotalBytes: 1 << 20, OnFull: spool.DropAll})
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}

	for i := uint64(1); i <= 4; i++ {
		if _, err := sp.AppendBatch([]envelope.Envelope{makeEnv(i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	complete, err := sp.CompleteSegments()
	if err != nil {
		t.Fatalf("complete segments: %v", err)
	}
	if len(complete) == 0 {
		t.Fatal("expected at least one complete segment before replay")
	}

	target := &memoryTarget{}
	w := New(sp, target, Config{BatchSize: 2, RateLimitMs: 0, PollIntervalMs: 10}, nil)

	drained, err := w.ReplayOldestSegment(context.Background())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !drained {
		t.Fatal("expected a segment to be drained")
	}

	remaining, err := sp.CompleteSegments()
	if err != nil {
		t.Fatalf("complete segments after replay: %v", err)
	}
	if len(remaining) >= len(complete) {
		t.Fatalf("expected fewer complete segments after replay: before=%d after=%d", len(complete), len(remaining))
	}
	if target.total() == 0 {
		t.Fatal("expected replay to insert at least one envelope")
	}
}

func TestReplayOldestSegmentNoopWhenNothingComplete(t *testing.T) {
	dir := t.TempDir()
	sp, err := spool.Open(spool.Config{Dir: dir, MaxSegmentBytes: 1 << 20, MaxTotalBytes: 1 << 20, OnFull: spool.DropAll})
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}

	// A single small batch stays in the current (incomplete) segment only.
	if _, err := sp.AppendBatch([]envelope.Envelope{makeEnv(1)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	target := &memoryTarget{}
	w := New(sp, target, DefaultConfig(), nil)

	drained, err := w.ReplayOldestSegment(context.Background())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if drained {
		t.Fatal("expected no segment to drain when only the current segment exists")
	}
}

type fixedState struct {
	state mongosink.State
}

func (f fixedState) State() mongosink.State { return f.state }

func TestRunSkipsScanWhileSinkUnavailable(t *testing.T) {
	dir := t.TempDir()
	sp, err := spool.Open(spool.Config{Dir: dir, MaxSegmentBytes: 40, MaxTotalBytes: 1 << 20, OnFull: spool.DropAll})
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	for i := uint64(1); i <= 4; i++ {
		if _, err := sp.AppendBatch([]envelope.Envelope{makeEnv(i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	target := &memoryTarget{}
	w := New(sp, target, Config{BatchSize: 2, RateLimitMs: 0, PollIntervalMs: 5}, fixedState{state: mongosink.MongoUnavailable})

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if target.total() != 0 {
		t.Fatalf("expected no replay while sink reports MongoUnavailable, got %d envelopes", target.total())
	}

	complete, err := sp.CompleteSegments()
	if err != nil {
		t.Fatalf("complete segments: %v", err)
	}
	if len(complete) == 0 {
		t.Fatal("expected spool segments to remain intact while the sink is unavailable")
	}
}
