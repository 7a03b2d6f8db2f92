// Package ingestion buffers decoded envelopes per connection and flushes
// them in batches to a downstream Sink, applying a channel-specific drop
// policy when the buffer is full.
package ingestion

import (
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/teru1991/crypto-collector/internal/envelope"
	"github.com/teru1991/crypto-collector/internal/metricsx"
)

// ChannelPolicy governs what happens to a push when the buffer is full.
type ChannelPolicy int

const (
	// TradeNoDrop fails the push with ErrTradeOverflow rather than losing data.
	TradeNoDrop ChannelPolicy = iota
	// TickerDropOldKeepLatest silently drops the incoming envelope.
	TickerDropOldKeepLatest
	// DropOldDeltasBestEffort is the same best-effort drop as ticker, used for
	// depth/orderbook channels where the next snapshot repairs any loss.
	DropOldDeltasBestEffort
)

// PolicyForChannel maps a canonical channel name to its drop policy. Any
// channel not explicitly listed defaults to TradeNoDrop — silent loss is
// never the default.
func PolicyForChannel(channel string) ChannelPolicy {
	switch channel {
	case "trade":
		return TradeNoDrop
	case "ticker":
		return TickerDropOldKeepLatest
	case "depth", "orderbook":
		return DropOldDeltasBestEffort
	default:
		return TradeNoDrop
	}
}

// ErrTradeOverflow is returned by TrySend when a trade-channel envelope hits
// a full buffer; the caller is expected to retry.
var ErrTradeOverflow = errors.New("ingestion: trade overflow")

// ErrClosed is returned by TrySend once the runner has shut down.
var ErrClosed = errors.New("ingestion: channel closed")

// Sink receives finished batches. The runner starts a fresh buffer after
// every flush and never reuses a batch's backing array, so implementations
// may retain batch beyond the call.
type Sink interface {
	EmitBatch(batch []envelope.Envelope) error
}

// IngestSender is the hot-path handle used by connection readers; TrySend
// never blocks.
type IngestSender struct {
	ch      chan envelope.Envelope
	closed  *atomic.Bool
	limiter *rate.Limiter
}

// SetLimiter attaches a token-bucket throttle to the sender: once set, any
// envelope arriving faster than the bucket refills is handled as if the
// buffer were full, subject to the same per-channel drop policy. Passing
// nil disables throttling. Exchanges with no configured rate limit never
// call this, so TrySend stays a plain channel send for them.
func (s *IngestSender) SetLimiter(limiter *rate.Limiter) {
	s.limiter = limiter
}

// TrySend enqueues env, applying the channel policy on overflow. It updates
// the ingest_messages_total/trade_overflow_total/drop_count/ingest_errors_total
// metrics exactly as the buffer accepts, drops, or rejects the envelope.
func (s *IngestSender) TrySend(env envelope.Envelope) error {
	metricsx.IngestMessagesTotal.WithLabelValues(env.Exchange, env.Channel).Inc()

	if s.closed.Load() {
		metricsx.IngestErrorsTotal.WithLabelValues(env.Exchange).Inc()
		return ErrClosed
	}

	if s.limiter != nil && !s.limiter.Allow() {
		switch PolicyForChannel(env.Channel) {
		case TradeNoDrop:
			metricsx.TradeOverflowTotal.WithLabelValues(env.Exchange).Inc()
			metricsx.IngestErrorsTotal.WithLabelValues(env.Exchange).Inc()
			return ErrTradeOverflow
		default:
			metricsx.DropCount.WithLabelValues(env.Exchange, env.Channel).Inc()
			return nil
		}
	}

	select {
	case s.ch <- env:
		return nil
	default:
	}

	switch PolicyForChannel(env.Channel) {
	case TradeNoDrop:
		metricsx.TradeOverflowTotal.WithLabelValues(env.Exchange).Inc()
		metricsx.IngestErrorsTotal.WithLabelValues(env.Exchange).Inc()
		return ErrTradeOverflow
	default:
		metricsx.DropCount.WithLabelValues(env.Exchange, env.Channel).Inc()
		return nil
	}
}

// controlKind distinguishes the two control requests a PipelineHandle can
// issue to the runner goroutine.
type controlKind int

const (
	ctrlFlush controlKind = iota
	ctrlShutdown
)

type controlMsg struct {
	kind controlKind
	done chan struct{}
}

// PipelineHandle lets a caller force a flush or drive an orderly shutdown of
// the runBuffer goroutine started by Spawn.
type PipelineHandle struct {
	control chan controlMsg
	joined  chan struct{}
	closed  *atomic.Bool
}

// Flush drains any pending envelopes and forces an immediate batch emission,
// blocking until the runner has acknowledged completion.
func (h *PipelineHandle) Flush() {
	done := make(chan struct{})
	h.control <- controlMsg{kind: ctrlFlush, done: done}
	<-done
}

// Shutdown requests the runner drain and flush, then blocks until its
// goroutine has exited.
func (h *PipelineHandle) Shutdown() {
	done := make(chan struct{})
	h.control <- controlMsg{kind: ctrlShutdown, done: done}
	<-done
	<-h.joined
	h.closed.Store(true)
}

// Spawn starts the batching runner goroutine and returns the sender/handle
// pair. capacity bounds the envelope channel; a batch flushes once it
// reaches maxBatchItems or maxBatchInterval elapses over a non-empty buffer.
func Spawn(capacity, maxBatchItems int, maxBatchInterval time.Duration, sink Sink) (*IngestSender, *PipelineHandle) {
	if maxBatchItems < 1 {
		maxBatchItems = 1
	}
	if maxBatchInterval <= 0 {
		maxBatchInterval = time.Second
	}

	ch := make(chan envelope.Envelope, capacity)
	control := make(chan controlMsg)
	joined := make(chan struct{})
	closed := &atomic.Bool{}

	sender := &IngestSender{ch: ch, closed: closed}
	handle := &PipelineHandle{control: control, joined: joined, closed: closed}

	go runBuffer(ch, control, joined, maxBatchItems, maxBatchInterval, sink)

	return sender, handle
}

func runBuffer(ch <-chan envelope.Envelope, control <-chan controlMsg, joined chan<- struct{}, maxBatchItems int, maxBatchInterval time.Duration, sink Sink) {
	defer close(joined)

	buffer := make([]envelope.Envelope, 0, maxBatchItems)
	ticker := time.NewTicker(maxBatchInterval)
	defer ticker.Stop()

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		exchange := buffer[0].Exchange
		batch := buffer
		buffer = make([]envelope.Envelope, 0, maxBatchItems)
		if err := sink.EmitBatch(batch); err != nil {
			metricsx.IngestErrorsTotal.WithLabelValues(exchange).Inc()
		}
		metricsx.BufferDepth.WithLabelValues(exchange).Set(0)
	}

	drainNonBlocking := func() {
		for {
			select {
			case env := <-ch:
				buffer = append(buffer, env)
			default:
				return
			}
		}
	}

	for {
		select {
		case <-ticker.C:
			flush()

		case ctrl := <-control:
			switch ctrl.kind {
			case ctrlFlush:
				drainNonBlocking()
				flush()
				close(ctrl.done)
			case ctrlShutdown:
				drainNonBlocking()
				flush()
				close(ctrl.done)
				return
			}

		case env, ok := <-ch:
			if !ok {
				flush()
				return
			}
			buffer = append(buffer, env)
			metricsx.BufferDepth.WithLabelValues(env.Exchange).Set(float64(len(buffer)))
			if len(buffer) >= maxBatchItems {
				flush()
			}
		}
	}
}
