// Package dedup implements the time-bounded per-key suppression window that
// sits in front of the persistence sink: an envelope already seen for the
// same (exchange, channel, symbol, identity) inside the window is dropped
// rather than written twice.
package dedup

import (
	"strconv"
	"sync"

	"github.com/teru1991/crypto-collector/internal/envelope"
	"github.com/teru1991/crypto-collector/internal/metricsx"
)

// Config tunes the window and the bounded-size eviction policy.
type Config struct {
	WindowSeconds uint64
	MaxKeys       int
}

type entry struct {
	seenAtMs int64
}

// Window is a dedup filter keyed by (exchange, channel, symbol, identity).
// Identity prefers the envelope's message id when non-empty, falling back to
// its sequence number — see the package-level doc on Key for the precedence
// rule this encodes.
type Window struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]entry
	// order tracks insertion order for oldest-first eviction when the table
	// exceeds MaxKeys.
	order []string
}

// New builds an empty dedup window.
func New(cfg Config) *Window {
	return &Window{cfg: cfg, entries: make(map[string]entry)}
}

// Key computes the stable dedup identity for env. Precedence: a non-empty
// message id wins; otherwise the sequence number; if neither is present the
// key degrades to the envelope's receive time, which never dedups by design
// (every such envelope is its own key).
func Key(env envelope.Envelope) string {
	identity := ""
	if env.MessageID != nil && *env.MessageID != "" {
		identity = "m:" + *env.MessageID
	} else if env.Sequence != nil {
		identity = "s:" + strconv.FormatUint(*env.Sequence, 10)
	} else {
		identity = "t:" + strconv.FormatInt(env.ReceivedAtMs, 10)
	}
	return env.Exchange + "\x00" + env.Channel + "\x00" + env.Symbol + "\x00" + identity
}

// Filter returns the subset of batch not seen within the window, recording
// every admitted key's arrival time. Presence is judged against the
// envelope's own received_at_ms, so upstream clock skew in server-reported
// time never enlarges or shrinks the window.
func (w *Window) Filter(batch []envelope.Envelope) []envelope.Envelope {
	w.mu.Lock()
	defer w.mu.Unlock()

	windowMs := int64(w.cfg.WindowSeconds) * 1000
	out := make([]envelope.Envelope, 0, len(batch))

	for _, env := range batch {
		key := Key(env)
		now := env.ReceivedAtMs

		if e, ok := w.entries[key]; ok {
			if now-e.seenAtMs < windowMs {
				metricsx.DedupDroppedTotal.WithLabelValues(env.Exchange, env.Channel).Inc()
				continue
			}
		}

		w.removeFromOrderLocked(key)
		w.entries[key] = entry{seenAtMs: now}
		w.order = append(w.order, key)
		out = append(out, env)

		w.evictExpiredLocked(now, windowMs)
		w.evictOverflowLocked()
	}

	return out
}

// removeFromOrderLocked drops key's existing position from order, if any, so
// a re-touch doesn't leave a stale duplicate that overflow eviction could
// later pop ahead of genuinely older keys.
func (w *Window) removeFromOrderLocked(key string) {
	for i, k := range w.order {
		if k == key {
			w.order = append(w.order[:i], w.order[i+1:]...)
			return
		}
	}
}

// evictExpiredLocked drops entries whose window has elapsed relative to now,
// run lazily on every touch rather than on a timer.
func (w *Window) evictExpiredLocked(now int64, windowMs int64) {
	if windowMs <= 0 {
		return
	}
	kept := w.order[:0]
	for _, k := range w.order {
		e, ok := w.entries[k]
		if !ok {
			continue
		}
		if now-e.seenAtMs >= windowMs {
			delete(w.entries, k)
			continue
		}
		kept = append(kept, k)
	}
	w.order = kept
}

// evictOverflowLocked discards the oldest entries once the live key count
// exceeds MaxKeys.
func (w *Window) evictOverflowLocked() {
	if w.cfg.MaxKeys <= 0 {
		return
	}
	for len(w.entries) > w.cfg.MaxKeys && len(w.order) > 0 {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.entries, oldest)
	}
}

// Len reports the current number of live keys, for tests and diagnostics.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
