// Package replay drains spooled envelopes back into the Mongo sink once it
// recovers, one complete segment at a time, at a bounded rate.
package replay

import (
	"context"
	"time"

	"github.com/teru1991/crypto-collector/internal/envelope"
	"github.com/teru1991/crypto-collector/internal/metricsx"
	"github.com/teru1991/crypto-collector/internal/mongosink"
	"github.com/teru1991/crypto-collector/internal/spool"
)

// Config tunes the replay worker's batch size and pacing.
type Config struct {
	BatchSize      int
	RateLimitMs    uint64
	PollIntervalMs uint64
}

// DefaultConfig matches the reference worker's defaults.
func DefaultConfig() Config {
	return Config{BatchSize: 500, RateLimitMs: 0, PollIntervalMs: 1000}
}

// Target is the subset of the Mongo sink's surface replay needs: a place to
// re-insert drained envelopes.
type Target interface {
	InsertManyEnvelopes(ctx context.Context, envelopes []envelope.Envelope) error
}

// StateSource reports the sink's current health; satisfied by
// *mongosink.Sink. Passing nil to New disables the gate and the worker
// always attempts a scan, matching the reference behaviour for targets
// with no attached health state.
type StateSource interface {
	State() mongosink.State
}

// Worker drains complete spool segments into target at the configured pace.
type Worker struct {
	spool  *spool.Spool
	target Target
	sink   StateSource
	cfg    Config
}

// New builds a replay Worker. sink, if non-nil, gates each scan: while the
// sink reports MongoUnavailable the worker skips replay entirely rather than
// repeatedly failing inserts against a downstream it already knows is down.
func New(sp *spool.Spool, target Target, cfg Config, sink StateSource) *Worker {
	return &Worker{spool: sp, target: target, cfg: cfg, sink: sink}
}

// ReplayOldestSegment reads the oldest complete segment, re-inserts its
// envelopes (chunked to cfg.BatchSize) via target, and deletes the segment
// once every chunk has been accepted. Returns false with no error when
// there is nothing to replay.
func (w *Worker) ReplayOldestSegment(ctx context.Context) (bool, error) {
	complete, err := w.spool.CompleteSegments()
	if err != nil {
		return false, err
	}
	if len(complete) == 0 {
		return false, nil
	}
	oldest := complete[0]

	records, err := w.spool.ReadSegment(oldest)
	if err != nil {
		return false, err
	}

	batchSize := w.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = len(records)
		if batchSize == 0 {
			batchSize = 1
		}
	}

	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]
		if len(chunk) == 0 {
			continue
		}
		if err := w.target.InsertManyEnvelopes(ctx, chunk); err != nil {
			return false, err
		}
		metricsx.SpoolReplayTotal.WithLabelValues().Add(float64(len(chunk)))

		if w.cfg.RateLimitMs > 0 && end < len(records) {
			select {
			case <-time.After(time.Duration(w.cfg.RateLimitMs) * time.Millisecond):
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
	}

	if err := w.spool.DeleteSegment(oldest); err != nil {
		return false, err
	}
	return true, nil
}

// Run polls for complete segments and drains them until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	interval := time.Duration(w.cfg.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.sink != nil && w.sink.State() == mongosink.MongoUnavailable {
				continue
			}
			for {
				drained, err := w.ReplayOldestSegment(ctx)
				if err != nil || !drained {
					break
				}
			}
		}
	}
}

var _ Target = (*mongosink.CollectionTarget)(nil)
