package spool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/teru1991/crypto-collector/internal/envelope"
)

func makeEnv(channel string, seq uint64) envelope.Envelope {
	return envelope.NewBuilder("adapter@1", "cid", "binance", "BTCUSDT", channel, map[string]any{"n": float64(seq)}).
		ReceivedAtMs(1000 + int64(seq)).
		Sequence(seq).
		Build()
}

func openTestSpool(t *testing.T, cfg Config) *Spool {
	t.Helper()
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestWriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	s := openTestSpool(t, Config{Dir: dir, MaxSegmentBytes: 1 << 20, MaxTotalBytes: 1 << 20, OnFull: DropAll})

	batch := []envelope.Envelope{makeEnv("trade", 1), makeEnv("trade", 2), makeEnv("trade", 3)}
	n, err := s.AppendBatch(batch)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 written, got %d", n)
	}

	segs, err := listSegments(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}

	got, err := s.ReadSegment(segs[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	for i, env := range got {
		if *env.Sequence != uint64(i+1) {
			t.Fatalf("record %d: expected sequence %d, got %d", i, i+1, *env.Sequence)
		}
	}
}

func TestSegmentRotationBySize(t *testing.T) {
	dir := t.TempDir()
	// Each record is small; force rotation after a couple of records by
	// setting a tiny max segment size.
	s := openTestSpool(t, Config{Dir: dir, MaxSegmentBytes: 80, MaxTotalBytes: 1 << 20, OnFull: DropAll})

	for i := uint64(1); i <= 5; i++ {
		if _, err := s.AppendBatch([]envelope.Envelope{makeEnv("trade", i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	segs, err := listSegments(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(segs) < 2 {
		t.Fatalf("expected rotation to produce multiple segments, got %d", len(segs))
	}

	var total int
	for _, seq := range segs {
		recs, err := s.ReadSegment(seq)
		if err != nil {
			t.Fatalf("read segment %d: %v", seq, err)
		}
		total += len(recs)
	}
	if total != 5 {
		t.Fatalf("expected 5 total records across segments, got %d", total)
	}
}

func TestDropAllOnFullPolicy(t *testing.T) {
	dir := t.TempDir()
	s := openTestSpool(t, Config{Dir: dir, MaxSegmentBytes: 1 << 20, MaxTotalBytes: 10, OnFull: DropAll})

	n, err := s.AppendBatch([]envelope.Envelope{makeEnv("trade", 1), makeEnv("trade", 2)})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected everything dropped once over cap, got %d written", n)
	}
}

func TestDropTickerDepthKeepTradePolicy(t *testing.T) {
	dir := t.TempDir()
	s := openTestSpool(t, Config{Dir: dir, MaxSegmentBytes: 1 << 20, MaxTotalBytes: 1, OnFull: DropTickerDepthKeepTrade})

	n, err := s.AppendBatch([]envelope.Envelope{makeEnv("ticker", 1)})
	if err != nil {
		t.Fatalf("append ticker: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected ticker to be dropped over cap, got %d written", n)
	}
}

func TestPartialWriteCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	s := openTestSpool(t, Config{Dir: dir, MaxSegmentBytes: 1 << 20, MaxTotalBytes: 1 << 20, OnFull: DropAll})

	if _, err := s.AppendBatch([]envelope.Envelope{makeEnv("trade", 1), makeEnv("trade", 2)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	segs, err := listSegments(dir)
	if err != nil || len(segs) != 1 {
		t.Fatalf("expected single segment, got %v err=%v", segs, err)
	}
	path := segmentPath(dir, segs[0])

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	// Truncate off the last few bytes to simulate a torn write mid-frame.
	if err := os.Truncate(path, info.Size()-3); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	reopened, err := Open(Config{Dir: dir, MaxSegmentBytes: 1 << 20, MaxTotalBytes: 1 << 20, OnFull: DropAll})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	got, err := reopened.ReadSegment(segs[0])
	if err != nil {
		t.Fatalf("read after recovery: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected only the first whole record to survive recovery, got %d", len(got))
	}
	if *got[0].Sequence != 1 {
		t.Fatalf("expected surviving record to be sequence 1, got %d", *got[0].Sequence)
	}

	// The recovered spool must still accept further appends.
	if _, err := reopened.AppendBatch([]envelope.Envelope{makeEnv("trade", 99)}); err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	got, err = reopened.ReadSegment(segs[0])
	if err != nil {
		t.Fatalf("read after append: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records after post-recovery append, got %d", len(got))
	}
}

func TestDeleteSegmentUpdatesTotals(t *testing.T) {
	dir := t.TempDir()
	s := openTestSpool(t, Config{Dir: dir, MaxSegmentBytes: 80, MaxTotalBytes: 1 << 20, OnFull: DropAll})

	for i := uint64(1); i <= 5; i++ {
		if _, err := s.AppendBatch([]envelope.Envelope{makeEnv("trade", i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	complete, err := s.CompleteSegments()
	if err != nil {
		t.Fatalf("complete segments: %v", err)
	}
	if len(complete) == 0 {
		t.Fatal("expected at least one complete (non-current) segment")
	}

	before := s.TotalBytes()
	if err := s.DeleteSegment(complete[0]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	after := s.TotalBytes()
	if after >= before {
		t.Fatalf("expected total bytes to shrink after delete: before=%d after=%d", before, after)
	}

	if _, err := os.Stat(segmentPath(dir, complete[0])); !os.IsNotExist(err) {
		t.Fatalf("expected segment file removed, stat err=%v", err)
	}
}

func TestSegmentPathNaming(t *testing.T) {
	got := segmentPath("/tmp/x", 7)
	want := filepath.Join("/tmp/x", "spool_000007.dat")
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
