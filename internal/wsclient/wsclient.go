// Package wsclient drives the outbound side of one exchange WebSocket
// connection: dialing, subscribing, and running paired read/write pumps.
// It adapts the server-side read/write pump pattern in
// internal/shared/pump_read.go and pump_write.go to a client dialing out to
// an exchange, and composes internal/runtime's connection-lifecycle
// building blocks (backoff, URL rotation, ack gating, envelope dispatch,
// panic-isolating supervision) into one per-connection goroutine.
package wsclient

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/teru1991/crypto-collector/internal/descriptor"
	"github.com/teru1991/crypto-collector/internal/maps"
	"github.com/teru1991/crypto-collector/internal/metricsx"
	"github.com/teru1991/crypto-collector/internal/priority"
	"github.com/teru1991/crypto-collector/internal/runtime"
)

const (
	defaultDialTimeout    = 10 * time.Second
	defaultAckTimeout     = 5 * time.Second
	outboxCapacity        = 1024
	inboundChannelDepth   = 256
)

// StateRegistry is the subset of *runtime.StateRegistry wsclient needs,
// kept narrow so callers can substitute a test double.
type StateRegistry interface {
	Set(key string, state runtime.ConnectionState, lastError string)
}

// Config assembles everything one connection needs to run: its descriptor
// slice, the parsed subscriptions targeting it, and the shared pieces
// (sender, state registry, logger) common to every connection in an
// exchange adapter.
type Config struct {
	Exchange       string
	AdapterVersion string
	Conn           descriptor.WsConnection
	Subscriptions  []descriptor.Subscription
	ParseRules     descriptor.ParseSection
	NormMaps       *maps.NormalizationMaps
	Sender         runtime.IngestSender
	States         StateRegistry
	Logger         zerolog.Logger

	// GenerateMessages builds the outbound subscribe payloads for one
	// subscription, typically a closure over runtime.GenerateSubscribeMessages
	// bound to that subscription's resolved symbols/channels.
	GenerateMessages func(sub descriptor.Subscription) ([]string, error)
}

// Connection runs one exchange WebSocket connection end-to-end, including
// reconnect-with-backoff on failure.
type Connection struct {
	cfg     Config
	rotator *runtime.UrlRotator
	backoff *runtime.BackoffPolicy
}

// New builds a Connection ready to Run.
func New(cfg Config, backoffSeed uint64) *Connection {
	return &Connection{
		cfg:     cfg,
		rotator: runtime.NewUrlRotator(cfg.Conn.URLs),
		backoff: runtime.SeededBackoffPolicy(500, 30_000, 250, backoffSeed),
	}
}

// Run drives the connection through connect/subscribe/run cycles until ctx
// is cancelled, reconnecting with jittered exponential backoff on any
// failure.
func (c *Connection) Run(ctx context.Context) {
	key := c.cfg.Exchange + ":" + c.cfg.Conn.ID
	var attempt uint32

	for {
		select {
		case <-ctx.Done():
			c.cfg.States.Set(key, runtime.StateDisconnected, "")
			return
		default:
		}

		c.cfg.States.Set(key, runtime.StateConnecting, "")
		if err := c.runOnce(ctx, key); err != nil {
			metricsx.WsReconnectTotal.WithLabelValues(c.cfg.Exchange).Inc()
			metricsx.WsConnected.WithLabelValues(c.cfg.Exchange).Set(0)
			c.cfg.States.Set(key, runtime.StateDegraded, err.Error())
			c.cfg.Logger.Warn().Err(err).Str("connection", key).Msg("connection failed, will reconnect")

			delay := time.Duration(c.backoff.NextDelayMs(attempt)) * time.Millisecond
			attempt++
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
	}
}

// runOnce performs one full connect -> subscribe -> run cycle, returning
// when the connection drops or the context is cancelled.
func (c *Connection) runOnce(ctx context.Context, key string) error {
	url := c.rotator.Current()

	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	conn, _, _, err := ws.DefaultDialer.Dial(dialCtx, url)
	if err != nil {
		c.rotator.Rotate()
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()

	outbox := priority.New(key, outboxCapacity)
	inbound := make(chan any, inboundChannelDepth)
	readErrCh := make(chan error, 1)
	writeErrCh := make(chan error, 1)

	c.cfg.States.Set(key, runtime.StateSubscribing, "")
	go c.readLoop(conn, inbound, readErrCh)

	if err := c.subscribeAll(ctx, outbox, inbound); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	c.cfg.States.Set(key, runtime.StateRunning, "")
	metricsx.WsConnected.WithLabelValues(c.cfg.Exchange).Set(1)

	go c.writeLoop(ctx, conn, outbox, writeErrCh)
	if c.cfg.Conn.Keepalive != nil {
		go c.keepaliveLoop(connCtx, outbox)
	}

	readTimeout := time.Duration(c.cfg.Conn.ReadTimeoutMs) * time.Millisecond
	if readTimeout <= 0 {
		readTimeout = defaultDialTimeout
	}
	idleTimer := time.NewTimer(readTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			outbox.Close()
			return nil
		case err := <-readErrCh:
			outbox.Close()
			return err
		case err := <-writeErrCh:
			return err
		case payload := <-inbound:
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(readTimeout)
			c.dispatch(payload)
		case <-idleTimer.C:
			outbox.Close()
			return fmt.Errorf("idle timeout: no inbound frame for %s", readTimeout)
		}
	}
}

// keepaliveLoop emits the descriptor's configured keepalive payload at
// Keepalive.IntervalMs, as a Control-priority frame so it preempts
// market-data traffic under backpressure. Mode "pong" sends an unsolicited
// pong frame (some venues expect this instead of a text heartbeat);
// anything else sends Keepalive.Template as a text frame, or nothing if no
// template is configured.
func (c *Connection) keepaliveLoop(ctx context.Context, outbox *priority.Queue) {
	ka := c.cfg.Conn.Keepalive
	interval := time.Duration(ka.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := priority.Frame{Priority: priority.Control, Kind: priority.FrameText}
			switch {
			case ka.Mode == "pong":
				frame.Kind = priority.FramePong
			case ka.Template != nil:
				frame.Bytes = []byte(*ka.Template)
			default:
				continue
			}
			_, _ = outbox.Push(ctx, frame, priority.DropPolicy(priority.DropOldestLowPriority))
		}
	}
}

// readLoop reads server frames until the connection errors or closes,
// decoding each via runtime.ParseWsPayload and forwarding the result on
// inbound. This mirrors internal/shared/pump_read.go's loop, adapted to
// the client side (wsutil.ReadServerData instead of ReadClientData; no
// per-message rate limiting, since the exchange rate-limits us, not the
// reverse).
func (c *Connection) readLoop(conn net.Conn, inbound chan<- any, errCh chan<- error) {
	for {
		msg, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			errCh <- err
			return
		}
		if op == ws.OpClose {
			errCh <- fmt.Errorf("server closed connection")
			return
		}
		payload, err := runtime.ParseWsPayload(msg, op == ws.OpBinary)
		if err != nil {
			c.cfg.Logger.Debug().Err(err).Msg("dropping unparseable frame")
			continue
		}
		select {
		case inbound <- payload:
		default:
			// Inbound channel full: drop this newest payload rather than
			// block the read loop, like the ticker/depth drop-on-full
			// posture of the ingestion buffer.
		}
	}
}

// writeLoop drains the priority outbox and writes each frame to conn,
// mirroring pump_write.go's buffered-writer pattern adapted to a single
// outbound frame at a time.
func (c *Connection) writeLoop(ctx context.Context, conn net.Conn, outbox *priority.Queue, errCh chan<- error) {
	writer := bufio.NewWriter(conn)
	for {
		frame, ok := outbox.Recv(ctx)
		if !ok {
			return
		}

		var opErr error
		switch frame.Kind {
		case priority.FramePong:
			opErr = wsutil.WriteClientMessage(writer, ws.OpPong, frame.Bytes)
		case priority.FrameCloseRequest:
			opErr = wsutil.WriteClientMessage(writer, ws.OpClose, nil)
		default:
			opErr = wsutil.WriteClientMessage(writer, ws.OpText, frame.Bytes)
		}
		if opErr == nil {
			opErr = writer.Flush()
		}
		if opErr != nil {
			errCh <- opErr
			return
		}
	}
}

// subscribeAll generates and enqueues the subscribe messages for every
// subscription targeting this connection, then waits for each one's ack
// gate (when it has one) to complete before moving to the next.
func (c *Connection) subscribeAll(ctx context.Context, outbox *priority.Queue, inbound <-chan any) error {
	for _, sub := range c.cfg.Subscriptions {
		if sub.ConnectionID != c.cfg.Conn.ID {
			continue
		}

		messages, err := c.cfg.GenerateMessages(sub)
		if err != nil {
			return fmt.Errorf("generate subscribe messages for %s: %w", sub.ConnectionID, err)
		}

		correlation := ""
		if sub.Ack != nil && sub.Ack.CorrelationPointer != nil {
			correlation = *sub.Ack.CorrelationPointer
		}

		// With a correlation pointer, the exchange echoes back an id it read
		// out of the request itself, so the expected set must hold the ids
		// actually embedded in each outbound message, not their slice index.
		// Resolving that requires decoding what we just generated the same
		// way an inbound JSON frame would be decoded; a message that isn't
		// JSON, or doesn't carry the correlated field, falls back to its
		// index so it's still accounted for by a correlation-free ack.
		expected := make(map[string]struct{}, len(messages))
		for i, m := range messages {
			id := fmt.Sprintf("%d", i)
			if correlation != "" {
				if doc, err := runtime.ParseWsPayload([]byte(m), false); err == nil {
					if v, ok := runtime.ResolveString(doc, correlation); ok {
						id = v
					}
				}
			}
			expected[id] = struct{}{}
		}
		gate := runtime.NewAckGate(sub.Ack, correlation, expected)

		for _, m := range messages {
			if _, err := outbox.Push(ctx, priority.Frame{
				Priority: priority.Control,
				Kind:     priority.FrameText,
				Bytes:    []byte(m),
			}, priority.DropPolicy(priority.DropOldestLowPriority)); err != nil {
				return err
			}
		}
		metricsx.WsResubscribeTotal.WithLabelValues(c.cfg.Exchange).Add(float64(len(messages)))

		if sub.Ack == nil {
			continue
		}

		timeout := time.Duration(sub.Ack.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = defaultAckTimeout
		}
		if err := gate.WaitUntil(ctx, timeout, func() (any, bool) {
			select {
			case payload := <-inbound:
				return payload, true
			default:
				return nil, false
			}
		}); err != nil {
			return fmt.Errorf("ack wait for %s: %w", sub.ConnectionID, err)
		}
	}
	return nil
}

// dispatch builds an envelope from one inbound payload and forwards it to
// the ingestion sender, mirroring runtime.BuildEnvelope/SendEnvelope.
func (c *Connection) dispatch(payload any) {
	now := time.Now()
	env, err := runtime.BuildEnvelope(payload, c.cfg.ParseRules, c.cfg.NormMaps, c.cfg.Exchange, c.cfg.Conn.ID, uint64(now.UnixNano()))
	if err != nil {
		c.cfg.Logger.Debug().Err(err).Msg("failed to build envelope from inbound payload")
		return
	}
	env.ReceivedAtMs = now.UnixMilli()
	runtime.SendEnvelope(c.cfg.Sender, env)
}
