// Package priority implements the bounded, three-class outbound queue that
// sits between the descriptor runtime and the WebSocket writer: Control
// frames (close requests, auth refresh) always drain before Private
// (authenticated/order-path) frames, which always drain before Public
// (market-data) frames.
package priority

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/teru1991/crypto-collector/internal/metricsx"
)

// Priority is the outbound frame's scheduling class.
type Priority int

const (
	Control Priority = iota
	Private
	Public
)

func (p Priority) String() string {
	switch p {
	case Control:
		return "control"
	case Private:
		return "private"
	default:
		return "public"
	}
}

// ClassifyOpID applies the fixed heuristic: any op id containing ".private."
// is Private; everything else is Public. Control is never produced by this
// classifier — it is reserved for frames the runtime itself originates.
func ClassifyOpID(opID string) Priority {
	if strings.Contains(strings.ToLower(opID), ".private.") {
		return Private
	}
	return Public
}

// FrameKind distinguishes the payload carried by a QueuedFrame.
type FrameKind int

const (
	FrameText FrameKind = iota
	FramePong
	FrameCloseRequest
)

// Frame is one outbound unit: either a text/pong payload, or a close-request
// marker that must serialise in order with everything queued ahead of it so
// the writer can perform an orderly WS close.
type Frame struct {
	Priority Priority
	OpID     string
	Symbol   string
	Kind     FrameKind
	Bytes    []byte
}

// CloseRequest builds the Control-priority close marker.
func CloseRequest() Frame {
	return Frame{Priority: Control, Kind: FrameCloseRequest}
}

// DropMode selects how Drop{} sheds load when the queue is full.
type DropMode int

const (
	DropNewest DropMode = iota
	DropOldestLowPriority
)

// Outcome reports what happened to a pushed frame.
type Outcome int

const (
	Enqueued Outcome = iota
	Dropped
	Spilled
)

// Spooler is the minimal disk-spill target an overflow policy can use. No
// type in this module implements it, and nothing outside this package
// builds a SpillToDiskPolicy.
type Spooler interface {
	SpillFrame(exchangeID, connID, opID, kind, priority string, bytes []byte) error
}

// Policy governs push-time overflow handling. Exactly one of its modes is
// active, selected by which constructor produced it.
type Policy struct {
	kind     policyKind
	dropMode DropMode

	maxWait  time.Duration
	fallback DropMode

	spooler    Spooler
	spoolExch  string
	spoolConn  string
	spillBack  DropMode
}

type policyKind int

const (
	policyDrop policyKind = iota
	policySlowDown
	policySpillToDisk
)

// DropPolicy sheds load immediately per mode, never blocking the caller.
func DropPolicy(mode DropMode) Policy { return Policy{kind: policyDrop, dropMode: mode} }

// SlowDownPolicy waits up to maxWait for space, falling back to fallback's
// drop semantics on timeout.
func SlowDownPolicy(maxWait time.Duration, fallback DropMode) Policy {
	return Policy{kind: policySlowDown, maxWait: maxWait, fallback: fallback}
}

// SpillToDiskPolicy spills the frame to spooler on overflow, falling back to
// fallback's drop semantics if the spill itself fails.
func SpillToDiskPolicy(spooler Spooler, exchangeID, connID string, fallback DropMode) Policy {
	return Policy{kind: policySpillToDisk, spooler: spooler, spoolExch: exchangeID, spoolConn: connID, spillBack: fallback}
}

type inner struct {
	control []Frame
	private []Frame
	public  []Frame
}

func (q *inner) isEmpty() bool { return len(q.control) == 0 && len(q.private) == 0 && len(q.public) == 0 }

func (q *inner) len() int { return len(q.control) + len(q.private) + len(q.public) }

func (q *inner) push(f Frame) {
	switch f.Priority {
	case Control:
		q.control = append(q.control, f)
	case Private:
		q.private = append(q.private, f)
	default:
		q.public = append(q.public, f)
	}
}

func (q *inner) pop() (Frame, bool) {
	if len(q.control) > 0 {
		f := q.control[0]
		q.control = q.control[1:]
		return f, true
	}
	if len(q.private) > 0 {
		f := q.private[0]
		q.private = q.private[1:]
		return f, true
	}
	if len(q.public) > 0 {
		f := q.public[0]
		q.public = q.public[1:]
		return f, true
	}
	return Frame{}, false
}

// dropOldestLowPriority evicts one element from Public first, else Private,
// never Control. Reports whether anything was evicted.
func (q *inner) dropOldestLowPriority() bool {
	if len(q.public) > 0 {
		q.public = q.public[1:]
		return true
	}
	if len(q.private) > 0 {
		q.private = q.private[1:]
		return true
	}
	return false
}

// Queue is a bounded, priority-ordered, FIFO-within-class outbound queue.
type Queue struct {
	exchangeID string

	cap int
	mu  sync.Mutex
	q   inner

	itemCh  chan struct{}
	closed  bool
	closing bool
}

// New builds a Queue with the given capacity (minimum 1), labelled by
// exchangeID for backpressure-drop metrics.
func New(exchangeID string, capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		exchangeID: exchangeID,
		cap:        capacity,
		itemCh:     make(chan struct{}, 1),
	}
}

func (q *Queue) notifyItem() {
	select {
	case q.itemCh <- struct{}{}:
	default:
	}
}

// Len reports the current total queue depth across all three classes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.q.control) + len(q.q.private) + len(q.q.public)
}

// BeginClosing causes subsequent non-Control pushes to be rejected.
func (q *Queue) BeginClosing() {
	q.mu.Lock()
	q.closing = true
	q.mu.Unlock()
}

// Close wakes any blocked receiver; Recv drains remaining frames then
// returns ok=false once the queue is empty.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notifyItem()
}

func (q *Queue) canAccept(f Frame) bool {
	if q.closed {
		return false
	}
	if q.closing {
		return f.Priority == Control
	}
	return true
}

// Push enqueues f, applying policy when the queue is at capacity.
func (q *Queue) Push(ctx context.Context, f Frame, policy Policy) (Outcome, error) {
	q.mu.Lock()
	if !q.canAccept(f) {
		q.mu.Unlock()
		metricsx.WsBackpressureDropsTotal.WithLabelValues(q.exchangeID, f.Priority.String()).Inc()
		return Dropped, nil
	}
	if q.q.len() < q.cap {
		q.q.push(f)
		q.mu.Unlock()
		q.notifyItem()
		return Enqueued, nil
	}
	q.mu.Unlock()

	switch policy.kind {
	case policyDrop:
		return q.applyDropMode(f, policy.dropMode), nil

	case policySlowDown:
		deadline := time.Now().Add(policy.maxWait)
		for time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return Dropped, ctx.Err()
			case <-time.After(minDuration(50*time.Millisecond, time.Until(deadline))):
			}
			q.mu.Lock()
			if q.closed {
				q.mu.Unlock()
				return Dropped, nil
			}
			if q.q.len() < q.cap {
				q.q.push(f)
				q.mu.Unlock()
				q.notifyItem()
				return Enqueued, nil
			}
			q.mu.Unlock()
		}
		return q.applyDropMode(f, policy.fallback), nil

	case policySpillToDisk:
		if policy.spooler != nil {
			if err := policy.spooler.SpillFrame(policy.spoolExch, policy.spoolConn, f.OpID, frameKindName(f.Kind), f.Priority.String(), f.Bytes); err == nil {
				return Spilled, nil
			}
		}
		return q.applyDropMode(f, policy.spillBack), nil

	default:
		return q.applyDropMode(f, DropNewest), nil
	}
}

func (q *Queue) applyDropMode(f Frame, mode DropMode) Outcome {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch mode {
	case DropNewest:
		metricsx.WsBackpressureDropsTotal.WithLabelValues(q.exchangeID, f.Priority.String()).Inc()
		return Dropped
	case DropOldestLowPriority:
		if q.q.dropOldestLowPriority() {
			q.q.push(f)
			q.notifyItem()
			return Enqueued
		}
		metricsx.WsBackpressureDropsTotal.WithLabelValues(q.exchangeID, f.Priority.String()).Inc()
		return Dropped
	default:
		metricsx.WsBackpressureDropsTotal.WithLabelValues(q.exchangeID, f.Priority.String()).Inc()
		return Dropped
	}
}

// Recv blocks until a frame is available in priority order, or the queue is
// closed and empty (ok=false).
func (q *Queue) Recv(ctx context.Context) (Frame, bool) {
	for {
		q.mu.Lock()
		if f, ok := q.q.pop(); ok {
			q.mu.Unlock()
			return f, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Frame{}, false
		}

		select {
		case <-ctx.Done():
			return Frame{}, false
		case <-q.itemCh:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func frameKindName(k FrameKind) string {
	switch k {
	case FrameText:
		return "text"
	case FramePong:
		return "pong"
	default:
		return "close_request"
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
