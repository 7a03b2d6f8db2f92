// Package mongosink implements the retrying bulk-insert persistence sink.
// It wraps a Target (in production, a Mongo collection) with bounded
// retries, exponential backoff, and a three-state health machine
// (Ok -> MongoUnavailable -> Degraded) that the pipeline layer consults to
// decide when to fall back to the spool.
package mongosink

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/teru1991/crypto-collector/internal/envelope"
	"github.com/teru1991/crypto-collector/internal/metricsx"
)

// State reports the sink's current health.
type State int

const (
	Ok State = iota
	MongoUnavailable
	Degraded
)

func (s State) String() string {
	switch s {
	case Ok:
		return "ok"
	case MongoUnavailable:
		return "mongo_unavailable"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Target abstracts the insert operation so tests can substitute a fake
// without a live Mongo deployment.
type Target interface {
	InsertManyEnvelopes(ctx context.Context, envelopes []envelope.Envelope) error
}

// ErrUnavailable is returned once every retry attempt for a batch has been
// exhausted.
type ErrUnavailable struct {
	Retries uint32
	Msg     string
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("mongosink: unavailable after %d retries: %s", e.Retries, e.Msg)
}

// Config tunes retry count, backoff, and the degraded-state threshold.
type Config struct {
	MaxRetries                    uint32
	RetryBaseMs                   uint64
	ConsecutiveFailuresForDegraded uint32
}

// DefaultConfig matches the reference sink's defaults.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, RetryBaseMs: 100, ConsecutiveFailuresForDegraded: 3}
}

// Sink is a Mongo bulk-insert sink with bounded retry and state tracking.
type Sink struct {
	target Target
	cfg    Config

	state               atomic.Int32
	consecutiveFailures atomic.Uint32
}

// New builds a Sink around target.
func New(target Target, cfg Config) *Sink {
	return &Sink{target: target, cfg: cfg}
}

// State reports the sink's current health.
func (s *Sink) State() State { return State(s.state.Load()) }

// WriteBatch attempts to insert batch, retrying with exponential backoff
// (base * 2^(attempt-1), capped at 2^6) up to cfg.MaxRetries times. An empty
// batch is a no-op success.
func (s *Sink) WriteBatch(ctx context.Context, batch []envelope.Envelope) error {
	if len(batch) == 0 {
		return nil
	}

	exchange := batchExchange(batch)
	start := time.Now()

	var lastErr error
	for attempt := uint32(0); attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			shift := attempt - 1
			if shift > 6 {
				shift = 6
			}
			delay := time.Duration(s.cfg.RetryBaseMs*(uint64(1)<<shift)) * time.Millisecond
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := s.target.InsertManyEnvelopes(ctx, batch); err == nil {
			metricsx.WriteBatchLatencyMs.Observe(float64(time.Since(start).Milliseconds()))
			s.state.Store(int32(Ok))
			s.consecutiveFailures.Store(0)
			return nil
		} else {
			lastErr = err
		}
	}

	metricsx.IngestErrorsTotal.WithLabelValues(exchange).Inc()

	failures := s.consecutiveFailures.Add(1)
	if failures >= s.cfg.ConsecutiveFailuresForDegraded {
		s.state.Store(int32(Degraded))
	} else {
		s.state.Store(int32(MongoUnavailable))
	}

	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return &ErrUnavailable{Retries: s.cfg.MaxRetries, Msg: msg}
}

// batchExchange attributes the batch to the first envelope's exchange.
// When a batch mixes exchanges (it shouldn't, in practice), the error
// metric is only attributed to the first one — a known, accepted quirk
// carried over from the reference sink.
func batchExchange(batch []envelope.Envelope) string {
	if len(batch) == 0 {
		return "unknown"
	}
	return batch[0].Exchange
}

// CollectionTarget is the production Target backed by a live Mongo
// collection via go.mongodb.org/mongo-driver.
type CollectionTarget struct {
	collection *mongo.Collection
}

// NewCollectionTarget wraps collection as a Target.
func NewCollectionTarget(collection *mongo.Collection) *CollectionTarget {
	return &CollectionTarget{collection: collection}
}

// InsertManyEnvelopes converts each envelope to its canonical BSON shape
// and inserts the whole batch in one call.
func (c *CollectionTarget) InsertManyEnvelopes(ctx context.Context, envelopes []envelope.Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(envelopes))
	for _, env := range envelopes {
		data, err := env.EncodeCanonical()
		if err != nil {
			return fmt.Errorf("mongosink: encode envelope: %w", err)
		}
		var doc bson.M
		if err := bson.UnmarshalExtJSON(data, false, &doc); err != nil {
			return fmt.Errorf("mongosink: convert envelope to bson: %w", err)
		}
		docs = append(docs, doc)
	}
	_, err := c.collection.InsertMany(ctx, docs)
	return err
}

// ErrEmptyBatch reports an empty batch handed to a Target. Nothing in this
// module returns it; the production Sink never passes an empty batch to a
// Target.
var ErrEmptyBatch = errors.New("mongosink: empty batch")
