// Package republish fans persisted envelopes out to a Kafka topic for
// downstream consumers, mirroring the teacher's kafka.Consumer shape
// (config validation, published/failed counters) but in the producer
// direction.
package republish

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/teru1991/crypto-collector/internal/envelope"
)

// Config configures the republish producer.
type Config struct {
	Brokers []string
	Topic   string
	Logger  zerolog.Logger
}

// Producer publishes envelopes to Kafka, keyed by exchange+symbol so a
// downstream consumer sees ordered per-instrument traffic.
type Producer struct {
	client *kgo.Client
	topic  string
	logger zerolog.Logger

	published atomic.Uint64
	failed    atomic.Uint64

	wg sync.WaitGroup
}

// New validates cfg and opens the underlying Kafka client.
func New(cfg Config) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("republish: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("republish: topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
	)
	if err != nil {
		return nil, fmt.Errorf("republish: create kafka client: %w", err)
	}

	return &Producer{client: client, topic: cfg.Topic, logger: cfg.Logger}, nil
}

// PublishBatch republishes every envelope in batch as its own record,
// keyed by "<exchange>:<symbol>". Publication is fire-and-forget from the
// caller's perspective: errors are counted and logged, never returned,
// since a republish failure must not block the persistence path.
func (p *Producer) PublishBatch(ctx context.Context, batch []envelope.Envelope) {
	for _, env := range batch {
		data, err := env.EncodeCanonical()
		if err != nil {
			p.failed.Add(1)
			p.logger.Error().Err(err).Str("exchange", env.Exchange).Msg("republish: failed to encode envelope")
			continue
		}

		key := env.Exchange + ":" + env.Symbol
		record := &kgo.Record{Topic: p.topic, Key: []byte(key), Value: data}

		p.wg.Add(1)
		p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
			defer p.wg.Done()
			if err != nil {
				p.failed.Add(1)
				p.logger.Error().Err(err).Str("exchange", env.Exchange).Msg("republish: produce failed")
				return
			}
			p.published.Add(1)
		})
	}
}

// Flush blocks until every in-flight produce call from PublishBatch has
// completed its callback.
func (p *Producer) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}

// Close flushes and releases the underlying Kafka client.
func (p *Producer) Close() {
	p.wg.Wait()
	p.client.Close()
}

// Metrics returns the running published/failed record counts.
func (p *Producer) Metrics() (published, failed uint64) {
	return p.published.Load(), p.failed.Load()
}
