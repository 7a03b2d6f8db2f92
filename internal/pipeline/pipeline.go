// Package pipeline composes the dedup window, the Mongo sink, and the spool
// fallback into the single write_batch entry point the ingestion buffer
// calls. A batch that Mongo rejects as unavailable falls through to the
// spool rather than being lost; a spool-disabled pipeline propagates the
// Mongo failure instead.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/teru1991/crypto-collector/internal/dedup"
	"github.com/teru1991/crypto-collector/internal/envelope"
	"github.com/teru1991/crypto-collector/internal/mongosink"
	"github.com/teru1991/crypto-collector/internal/spool"
)

// ErrSpoolDisabled is returned when Mongo is unavailable and no spool is
// configured to absorb the batch.
var ErrSpoolDisabled = errors.New("pipeline: mongo unavailable and spool is disabled")

// Sink is the stable interface exposed to the ingestion buffer; its shape
// must not change once wired into the rest of the service.
type Sink interface {
	EmitBatch(batch []envelope.Envelope) error
	State() mongosink.State
}

// Pipeline wires dedup, mongo, and spool together behind the Sink
// interface.
type Pipeline struct {
	mongo *mongosink.Sink
	spool *spool.Spool // nil disables spool fallback
	dedup *dedup.Window // nil disables dedup
}

// Config assembles a Pipeline's dependencies; Spool and Dedup are optional.
type Config struct {
	Mongo *mongosink.Sink
	Spool *spool.Spool
	Dedup *dedup.Window
}

// New builds a Pipeline. Mongo is required; Spool and Dedup may be nil to
// disable those stages.
func New(cfg Config) *Pipeline {
	return &Pipeline{mongo: cfg.Mongo, spool: cfg.Spool, dedup: cfg.Dedup}
}

// EmitBatch runs batch through dedup (if enabled), then Mongo, falling back
// to the spool on Mongo unavailability. An empty batch, or one reduced to
// nothing by dedup, is a no-op success.
func (p *Pipeline) EmitBatch(batch []envelope.Envelope) error {
	if len(batch) == 0 {
		return nil
	}

	if p.dedup != nil {
		batch = p.dedup.Filter(batch)
		if len(batch) == 0 {
			return nil
		}
	}

	err := p.mongo.WriteBatch(context.Background(), batch)
	if err == nil {
		return nil
	}

	var unavailable *mongosink.ErrUnavailable
	if !errors.As(err, &unavailable) {
		return err
	}

	if p.spool == nil {
		return ErrSpoolDisabled
	}

	if _, spoolErr := p.spool.AppendBatch(batch); spoolErr != nil {
		return fmt.Errorf("pipeline: spool fallback failed: %w", spoolErr)
	}
	return nil
}

// State reports the underlying Mongo sink's health for observability.
func (p *Pipeline) State() mongosink.State { return p.mongo.State() }

var _ Sink = (*Pipeline)(nil)
