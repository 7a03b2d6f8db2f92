// Package metricsx defines the collector's Prometheus surface. Names are
// contractual — see spec §6 "Metrics surface".
package metricsx

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IngestMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_messages_total",
		Help: "Total envelopes offered to the ingestion buffer, counted before it accepts, drops, or rejects them.",
	}, []string{"exchange", "channel"})

	IngestErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_errors_total",
		Help: "Total ingestion/sink errors, keyed by exchange.",
	}, []string{"exchange"})

	TradeOverflowTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trade_overflow_total",
		Help: "Total trade envelopes rejected because the ingestion buffer was full.",
	}, []string{"exchange"})

	DropCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drop_count",
		Help: "Total ticker/depth envelopes silently dropped on a full buffer.",
	}, []string{"exchange", "channel"})

	DedupDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dedup_dropped_total",
		Help: "Total envelopes dropped by the dedup window.",
	}, []string{"exchange", "channel"})

	SpoolDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spool_dropped_total",
		Help: "Total envelopes dropped by a spool on_full policy.",
	}, []string{"exchange", "channel"})

	SpoolReplayTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spool_replay_total",
		Help: "Total envelopes successfully replayed from the spool.",
	}, []string{})

	WsReconnectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_reconnect_total",
		Help: "Total reconnect attempts across all connections.",
	}, []string{"exchange"})

	WsResubscribeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_resubscribe_total",
		Help: "Total subscribe frames sent in connection subscribe phases, on the first connect as well as on each reconnect.",
	}, []string{"exchange"})

	WsOrderbookGapTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_orderbook_gap_total",
		Help: "Total sequence gaps detected in orderbook deltas.",
	}, []string{"exchange", "symbol"})

	WsOrderbookResyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_orderbook_resync_total",
		Help: "Total forced orderbook resyncs.",
	}, []string{"exchange", "symbol"})

	WsOrderbookRecoveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_orderbook_recovered_total",
		Help: "Total orderbook recoveries via a fresh snapshot.",
	}, []string{"exchange", "symbol"})

	WsBackpressureDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_backpressure_drops_total",
		Help: "Total outbound frames dropped by the priority queue overflow policy.",
	}, []string{"exchange", "priority"})

	BufferDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "buffer_depth",
		Help: "Current ingestion buffer depth.",
	}, []string{"exchange"})

	SpoolBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spool_bytes",
		Help: "Total bytes currently held in the spool.",
	})

	SpoolSegments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spool_segments",
		Help: "Total spool segment files currently on disk.",
	})

	WsConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ws_connected",
		Help: "1 if the connection is in the Running state, else 0.",
	}, []string{"exchange"})

	WriteBatchLatencyMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "write_batch_latency_ms",
		Help:    "Latency of sink write_batch calls, in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	})
)
