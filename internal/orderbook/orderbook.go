// Package orderbook maintains a per-(exchange,symbol) orderbook from a
// snapshot-plus-delta feed, detecting sequence gaps and tracking a degraded
// state until the next snapshot restores continuity. Prices are compared as
// strings, never parsed to numbers, so the book never diverges from the
// venue's own rounding.
package orderbook

import (
	"sync"

	"github.com/teru1991/crypto-collector/internal/metricsx"
)

// Level is one price level: qty as the venue's own string representation.
type Level struct {
	Price string
	Qty   string
}

// ErrDesync is returned by ApplyDelta when the book is degraded or the
// incoming delta does not chain from last_sequence.
type ErrDesync struct {
	Reason string
}

func (e *ErrDesync) Error() string { return "orderbook desync: " + e.Reason }

// State is the resync engine for one (exchange, symbol) book.
type State struct {
	Exchange string
	Symbol   string

	mu            sync.Mutex
	bids          map[string]string // price -> qty
	asks          map[string]string
	lastSequence  uint64
	haveSequence  bool
	degraded      bool
	pendingDeltas []pendingDelta
	haveSnapshot  bool
}

type pendingDelta struct {
	firstID, finalID uint64
	bids, asks       []Level
}

// New returns a fresh, non-degraded book with no established sequence.
func New(exchange, symbol string) *State {
	return &State{
		Exchange: exchange,
		Symbol:   symbol,
		bids:     make(map[string]string),
		asks:     make(map[string]string),
	}
}

// Degraded reports whether the book currently rejects deltas.
func (s *State) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// LastSequence returns the last applied sequence number and whether one has
// been established yet.
func (s *State) LastSequence() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSequence, s.haveSequence
}

// ApplySnapshot unconditionally resets the book to the given levels and
// clears the degraded flag. If the book was previously degraded, it bumps
// ws_orderbook_recovered_total. Buffered pre-snapshot deltas whose final id
// is at or below the snapshot sequence are discarded; a buffered delta whose
// first id lies past the next expected sequence forces a degraded
// transition instead of silently reapplying.
func (s *State) ApplySnapshot(seq uint64, bids, asks []Level) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bids = make(map[string]string, len(bids))
	for _, l := range bids {
		s.setLevelLocked(s.bids, l)
	}
	s.asks = make(map[string]string, len(asks))
	for _, l := range asks {
		s.setLevelLocked(s.asks, l)
	}
	s.lastSequence = seq
	s.haveSequence = true
	s.haveSnapshot = true

	wasDegraded := s.degraded
	s.degraded = false

	pending := s.pendingDeltas
	s.pendingDeltas = nil
	for _, d := range pending {
		if d.finalID <= seq {
			continue // stale, discard
		}
		if d.firstID > s.lastSequence+1 {
			s.degraded = true
			metricsx.WsOrderbookGapTotal.WithLabelValues(s.Exchange, s.Symbol).Inc()
			metricsx.WsOrderbookResyncTotal.WithLabelValues(s.Exchange, s.Symbol).Inc()
			continue
		}
		s.applyLevelsLocked(d.bids, d.asks)
		s.lastSequence = d.finalID
	}

	if wasDegraded && !s.degraded {
		metricsx.WsOrderbookRecoveredTotal.WithLabelValues(s.Exchange, s.Symbol).Inc()
	}
}

// ApplyDelta applies one sequence-bounded delta. It succeeds only when the
// book has an established sequence, is not degraded, and firstID chains
// directly from last_sequence. Any other case — a gap, a duplicate, or an
// out-of-order delta — is treated identically: the book is marked degraded
// and ErrDesync is returned. If no snapshot has arrived yet, the delta is
// buffered for reconciliation against the first snapshot.
func (s *State) ApplyDelta(firstID, finalID uint64, bids, asks []Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.haveSnapshot {
		s.pendingDeltas = append(s.pendingDeltas, pendingDelta{firstID: firstID, finalID: finalID, bids: bids, asks: asks})
		return nil
	}

	if s.degraded || !s.haveSequence || firstID != s.lastSequence+1 {
		s.degraded = true
		metricsx.WsOrderbookGapTotal.WithLabelValues(s.Exchange, s.Symbol).Inc()
		metricsx.WsOrderbookResyncTotal.WithLabelValues(s.Exchange, s.Symbol).Inc()
		return &ErrDesync{Reason: "sequence gap or out-of-order delta"}
	}

	s.applyLevelsLocked(bids, asks)
	s.lastSequence = finalID
	s.haveSequence = true
	return nil
}

func (s *State) applyLevelsLocked(bids, asks []Level) {
	for _, l := range bids {
		s.setLevelLocked(s.bids, l)
	}
	for _, l := range asks {
		s.setLevelLocked(s.asks, l)
	}
}

func (s *State) setLevelLocked(side map[string]string, l Level) {
	if l.Qty == "0" {
		delete(side, l.Price)
		return
	}
	side[l.Price] = l.Qty
}

// Bids returns a snapshot copy of the bid side, price -> qty.
func (s *State) Bids() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSide(s.bids)
}

// Asks returns a snapshot copy of the ask side, price -> qty.
func (s *State) Asks() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSide(s.asks)
}

func cloneSide(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
