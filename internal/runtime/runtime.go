// Package runtime drives a single WebSocket connection through its
// lifecycle: connecting, authenticating, subscribing (gated on exchange
// acks), running, and recovering from failure with jittered exponential
// backoff and URL rotation. It also tracks clock-skew/latency quality per
// connection and supervises the goroutines running each connection so a
// single panic degrades one connection instead of the process.
package runtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"runtime/debug"

	"github.com/rs/zerolog"

	"github.com/teru1991/crypto-collector/internal/descriptor"
	"github.com/teru1991/crypto-collector/internal/engine"
	"github.com/teru1991/crypto-collector/internal/envelope"
	"github.com/teru1991/crypto-collector/internal/jsonpointer"
	"github.com/teru1991/crypto-collector/internal/maps"
	"github.com/teru1991/crypto-collector/internal/metricsx"
)

// ---------------------------------------------------------------------------
// Connection state
// ---------------------------------------------------------------------------

// ConnectionState is the lifecycle phase of a single WebSocket connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAuthenticating
	StateSubscribing
	StateRunning
	StateDegraded
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribing:
		return "subscribing"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// ConnectionSnapshot is a point-in-time view of one connection's state.
type ConnectionSnapshot struct {
	State     ConnectionState
	UpdatedAt time.Time
	LastError string
}

// StateRegistry holds the latest ConnectionSnapshot per connection key,
// safe for concurrent readers (metrics scrape, health endpoint) and a
// single writer per connection.
type StateRegistry struct {
	mu    sync.Mutex
	inner map[string]ConnectionSnapshot
}

// NewStateRegistry returns an empty registry.
func NewStateRegistry() *StateRegistry {
	return &StateRegistry{inner: make(map[string]ConnectionSnapshot)}
}

// Set records a new snapshot for key.
func (r *StateRegistry) Set(key string, state ConnectionState, lastError string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inner[key] = ConnectionSnapshot{State: state, UpdatedAt: time.Now(), LastError: lastError}
}

// Get returns the snapshot for key, if any.
func (r *StateRegistry) Get(key string) (ConnectionSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.inner[key]
	return s, ok
}

// ---------------------------------------------------------------------------
// Backoff
// ---------------------------------------------------------------------------

// BackoffPolicy computes jittered exponential reconnect delays from a seeded
// PRNG, so retry schedules are reproducible in tests and postmortems.
type BackoffPolicy struct {
	BaseMs   uint64
	CapMs    uint64
	JitterMs uint64
	rng      *rand.Rand
}

// SeededBackoffPolicy builds a BackoffPolicy whose jitter sequence is fully
// determined by seed.
func SeededBackoffPolicy(baseMs, capMs, jitterMs, seed uint64) *BackoffPolicy {
	return &BackoffPolicy{
		BaseMs:   baseMs,
		CapMs:    capMs,
		JitterMs: jitterMs,
		rng:      rand.New(rand.NewSource(int64(seed))),
	}
}

// NextDelayMs returns the delay before the next reconnect attempt given the
// zero-based attempt count.
func (b *BackoffPolicy) NextDelayMs(attempt uint32) uint64 {
	shift := attempt
	if shift > 16 {
		shift = 16
	}
	exp := b.BaseMs * (uint64(1) << shift)
	capped := exp
	if capped > b.CapMs {
		capped = b.CapMs
	}
	var jitter uint64
	if b.JitterMs > 0 {
		jitter = uint64(b.rng.Int63n(int64(b.JitterMs) + 1))
	}
	return capped + jitter
}

// ---------------------------------------------------------------------------
// URL rotation
// ---------------------------------------------------------------------------

// UrlRotator cycles through a connection's configured URLs on reconnect.
type UrlRotator struct {
	urls []string
	idx  int
}

// NewUrlRotator builds a rotator starting at the first URL.
func NewUrlRotator(urls []string) *UrlRotator {
	return &UrlRotator{urls: urls}
}

// Current returns the URL currently in use, or "" if none are configured.
func (r *UrlRotator) Current() string {
	if len(r.urls) == 0 {
		return ""
	}
	return r.urls[r.idx]
}

// Rotate advances to the next URL and returns it.
func (r *UrlRotator) Rotate() string {
	if len(r.urls) == 0 {
		return ""
	}
	r.idx = (r.idx + 1) % len(r.urls)
	return r.Current()
}

// ---------------------------------------------------------------------------
// Payload decoding
// ---------------------------------------------------------------------------

// ParseWsPayload decodes one inbound frame. Text frames (and binary frames
// holding valid UTF-8 JSON) decode directly; binary frames that aren't
// valid JSON text are wrapped as {"binary_base64":..., "binary_len":...}
// rather than dropped, so non-JSON venues still produce a usable envelope.
func ParseWsPayload(raw []byte, isBinary bool) (any, error) {
	if !isBinary {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v, nil
	}

	return map[string]any{
		"binary_base64": base64.StdEncoding.EncodeToString(raw),
		"binary_len":    float64(len(raw)),
	}, nil
}

// ---------------------------------------------------------------------------
// Ack gating
// ---------------------------------------------------------------------------

// AckGate blocks the Subscribing→Running transition until every expected
// subscription id has been acknowledged (or a correlation-free matcher has
// seen a single matching message).
type AckGate struct {
	matcher            *descriptor.AckMatcher
	correlationPointer string
	expected           map[string]struct{}
	Acked              map[string]struct{}
}

// NewAckGate builds a gate for the given expected id set. A nil matcher
// means the subscription needs no ack at all; the gate is immediately
// complete.
func NewAckGate(matcher *descriptor.AckMatcher, correlationPointer string, expected map[string]struct{}) *AckGate {
	return &AckGate{
		matcher:            matcher,
		correlationPointer: correlationPointer,
		expected:           expected,
		Acked:              make(map[string]struct{}),
	}
}

// OnMessage inspects one inbound payload and updates the acked set.
func (g *AckGate) OnMessage(payload any) {
	if g.matcher == nil {
		return
	}
	field, _ := ResolveString(payload, g.matcher.Field)
	if field != g.matcher.Value {
		return
	}

	if g.correlationPointer != "" {
		if corr, ok := ResolveString(payload, g.correlationPointer); ok {
			if _, expected := g.expected[corr]; expected {
				g.Acked[corr] = struct{}{}
			}
		}
		return
	}

	g.Acked = make(map[string]struct{}, len(g.expected))
	for k := range g.expected {
		g.Acked[k] = struct{}{}
	}
}

// IsComplete reports whether every expected id has been acked.
func (g *AckGate) IsComplete() bool {
	if g.matcher == nil {
		return true
	}
	for k := range g.expected {
		if _, ok := g.Acked[k]; !ok {
			return false
		}
	}
	return true
}

// ErrAckTimeout is returned by WaitUntil when the deadline elapses before
// the gate completes.
var ErrAckTimeout = fmt.Errorf("ack timeout")

// WaitUntil polls next for inbound messages until the gate completes or
// timeout elapses. next returns (nil, false) when no message is currently
// available.
func (g *AckGate) WaitUntil(ctx context.Context, timeout time.Duration, next func() (any, bool)) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if msg, ok := next(); ok {
			g.OnMessage(msg)
			if g.IsComplete() {
				return nil
			}
		} else {
			time.Sleep(time.Millisecond)
		}
	}
	return ErrAckTimeout
}

// ResolveString resolves a JSON pointer against a decoded payload and
// returns its value as a string, if present and string-typed. Exported so
// callers outside this package (e.g. wsclient, matching an outbound
// subscribe message's own embedded id against the same correlation pointer
// used to read an inbound ack) can apply the identical resolution rule.
func ResolveString(payload any, ptr string) (string, bool) {
	v, ok := jsonpointer.Resolve(payload, ptr)
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ---------------------------------------------------------------------------
// Envelope assembly and dispatch
// ---------------------------------------------------------------------------

// BuildEnvelope extracts and normalizes metadata from a decoded payload and
// assembles an Envelope, defaulting to an empty normalization map set when
// normMaps is nil.
func BuildEnvelope(
	payload any,
	parseRules descriptor.ParseSection,
	normMaps *maps.NormalizationMaps,
	exchange, connID string,
	localTimeNs uint64,
) (envelope.Envelope, error) {
	m := maps.New()
	if normMaps != nil {
		m = *normMaps
	}
	return envelope.BuildFromPayload(payload, parseRules, m, exchange, connID, localTimeNs)
}

// IngestSender accepts finished envelopes onto the ingestion pipeline; it is
// satisfied by *ingestion.IngestSender.
type IngestSender interface {
	TrySend(env envelope.Envelope) error
}

// SendEnvelope publishes an envelope and updates connectivity/error metrics
// around the attempt.
func SendEnvelope(sender IngestSender, env envelope.Envelope) {
	metricsx.WsConnected.WithLabelValues(env.Exchange).Set(1)
	if err := sender.TrySend(env); err != nil {
		metricsx.IngestErrorsTotal.WithLabelValues(env.Exchange).Inc()
	}
}

// ---------------------------------------------------------------------------
// Supervision
// ---------------------------------------------------------------------------

// InstanceSupervisor runs one goroutine per connection, converting any
// panic into a Degraded state transition instead of crashing the process.
type InstanceSupervisor struct {
	States *StateRegistry
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewInstanceSupervisor builds a supervisor that logs recovered panics
// through logger.
func NewInstanceSupervisor(logger zerolog.Logger) *InstanceSupervisor {
	return &InstanceSupervisor{States: NewStateRegistry(), logger: logger}
}

// SpawnGuarded runs task in its own goroutine under panic recovery. The
// registry transitions key through Connecting → Disconnected on a clean
// return, or Connecting → Degraded with the panic value recorded as
// last-error on a panic.
func (s *InstanceSupervisor) SpawnGuarded(key string, task func()) {
	s.wg.Add(1)
	s.States.Set(key, StateConnecting, "")
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Str("connection", key).
					Interface("panic_value", r).
					Str("stack_trace", string(debug.Stack())).
					Msg("connection supervisor caught panic")
				s.States.Set(key, StateDegraded, fmt.Sprintf("panic detected: %v", r))
				return
			}
			s.States.Set(key, StateDisconnected, "")
		}()
		task()
	}()
}

// JoinAll blocks until every spawned task has returned.
func (s *InstanceSupervisor) JoinAll() {
	s.wg.Wait()
}

// ---------------------------------------------------------------------------
// Time quality tracking
// ---------------------------------------------------------------------------

// TimeQualityTracker accumulates clock-skew and end-to-end lag samples
// derived from comparing exchange-reported server time against local
// receive time, to surface venue clock drift.
type TimeQualityTracker struct {
	Total          uint64
	WithServerTime uint64
	ClockSkewMs    []float64
	EndToEndLagMs  []float64
}

// Record folds one message's timing into the tracker. serverTime is nil
// when the message carried no server timestamp.
func (t *TimeQualityTracker) Record(serverTime *int64, localTimeNs uint64) {
	t.Total++
	if serverTime == nil {
		return
	}
	t.WithServerTime++
	localMs := float64(localTimeNs) / 1_000_000.0
	skew := localMs - float64(*serverTime)
	t.ClockSkewMs = append(t.ClockSkewMs, skew)
	lag := skew
	if lag < 0 {
		lag = 0
	}
	t.EndToEndLagMs = append(t.EndToEndLagMs, lag)
}

// PresenceRatio is the fraction of recorded messages that carried a server
// timestamp.
func (t *TimeQualityTracker) PresenceRatio() float64 {
	if t.Total == 0 {
		return 0
	}
	return float64(t.WithServerTime) / float64(t.Total)
}

// ---------------------------------------------------------------------------
// Subscribe message generation
// ---------------------------------------------------------------------------

// GenerateSubscribeMessages runs a subscription generator for one
// connection with the runtime's fixed output cap.
func GenerateSubscribeMessages(source string, symbols, channels []string, connID string) ([]string, error) {
	ctx := engine.SubscriptionContext{
		Symbols:    symbols,
		Channels:   channels,
		ConnID:     connID,
		Args:       map[string]string{},
		MaxOutputs: 1_000_000,
	}
	return engine.GenerateSubscriptions(source, ctx, 0)
}
