package wsclient

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/teru1991/crypto-collector/internal/descriptor"
	"github.com/teru1991/crypto-collector/internal/priority"
	"github.com/teru1991/crypto-collector/internal/runtime"
)

type noopStates struct{}

func (noopStates) Set(key string, state runtime.ConnectionState, lastError string) {}

func TestSubscribeAllWithoutAckCompletesImmediately(t *testing.T) {
	c := &Connection{
		cfg: Config{
			Exchange: "binance",
			Conn:     descriptor.WsConnection{ID: "main"},
			Subscriptions: []descriptor.Subscription{
				{ConnectionID: "main", Generator: "plain"},
			},
			States: noopStates{},
			Logger: zerolog.Nop(),
			GenerateMessages: func(sub descriptor.Subscription) ([]string, error) {
				return []string{`{"op":"subscribe"}`}, nil
			},
		},
	}

	outbox := priority.New("test", 8)
	inbound := make(chan any, 4)

	if err := c.subscribeAll(context.Background(), outbox, inbound); err != nil {
		t.Fatalf("subscribeAll: %v", err)
	}
	if outbox.Len() != 1 {
		t.Fatalf("expected 1 queued subscribe frame, got %d", outbox.Len())
	}
}

func TestSubscribeAllSkipsOtherConnections(t *testing.T) {
	c := &Connection{
		cfg: Config{
			Exchange: "binance",
			Conn:     descriptor.WsConnection{ID: "main"},
			Subscriptions: []descriptor.Subscription{
				{ConnectionID: "other", Generator: "plain"},
			},
			States: noopStates{},
			Logger: zerolog.Nop(),
			GenerateMessages: func(sub descriptor.Subscription) ([]string, error) {
				t.Fatal("should not be called for a subscription targeting another connection")
				return nil, nil
			},
		},
	}

	outbox := priority.New("test", 8)
	inbound := make(chan any, 4)

	if err := c.subscribeAll(context.Background(), outbox, inbound); err != nil {
		t.Fatalf("subscribeAll: %v", err)
	}
	if outbox.Len() != 0 {
		t.Fatalf("expected no frames queued, got %d", outbox.Len())
	}
}

func TestSubscribeAllWaitsForAck(t *testing.T) {
	timeoutMs := uint64(200)
	c := &Connection{
		cfg: Config{
			Exchange: "binance",
			Conn:     descriptor.WsConnection{ID: "main"},
			Subscriptions: []descriptor.Subscription{
				{
					ConnectionID: "main",
					Generator:    "plain",
					Ack: &descriptor.AckMatcher{
						Field:     "/type",
						Value:     "subscribed",
						TimeoutMs: timeoutMs,
					},
				},
			},
			States: noopStates{},
			Logger: zerolog.Nop(),
			GenerateMessages: func(sub descriptor.Subscription) ([]string, error) {
				return []string{`{"op":"subscribe"}`}, nil
			},
		},
	}

	outbox := priority.New("test", 8)
	inbound := make(chan any, 4)

	go func() {
		time.Sleep(10 * time.Millisecond)
		inbound <- map[string]any{"type": "subscribed"}
	}()

	if err := c.subscribeAll(context.Background(), outbox, inbound); err != nil {
		t.Fatalf("expected ack to complete subscribeAll, got %v", err)
	}
}

func TestSubscribeAllAckTimeoutPropagates(t *testing.T) {
	c := &Connection{
		cfg: Config{
			Exchange: "binance",
			Conn:     descriptor.WsConnection{ID: "main"},
			Subscriptions: []descriptor.Subscription{
				{
					ConnectionID: "main",
					Generator:    "plain",
					Ack: &descriptor.AckMatcher{
						Field:     "/type",
						Value:     "subscribed",
						TimeoutMs: 20,
					},
				},
			},
			States: noopStates{},
			Logger: zerolog.Nop(),
			GenerateMessages: func(sub descriptor.Subscription) ([]string, error) {
				return []string{`{"op":"subscribe"}`}, nil
			},
		},
	}

	outbox := priority.New("test", 8)
	inbound := make(chan any, 4)

	if err := c.subscribeAll(context.Background(), outbox, inbound); err == nil {
		t.Fatal("expected ack timeout error")
	}
}

func TestSubscribeAllMatchesAckByEmbeddedCorrelationID(t *testing.T) {
	correlationPointer := "/id"
	c := &Connection{
		cfg: Config{
			Exchange: "binance",
			Conn:     descriptor.WsConnection{ID: "main"},
			Subscriptions: []descriptor.Subscription{
				{
					ConnectionID: "main",
					Generator:    "plain",
					Ack: &descriptor.AckMatcher{
						Field:              "/event",
						Value:              "subscribed",
						CorrelationPointer: &correlationPointer,
						TimeoutMs:          200,
					},
				},
			},
			States: noopStates{},
			Logger: zerolog.Nop(),
			GenerateMessages: func(sub descriptor.Subscription) ([]string, error) {
				// The exchange echoes back whatever id the request embeds;
				// here it is not the message's slice index ("0") but an
				// arbitrary request id the descriptor author chose.
				return []string{`{"id":"sub-req-xyz","op":"subscribe"}`}, nil
			},
		},
	}

	outbox := priority.New("test", 8)
	inbound := make(chan any, 4)

	go func() {
		time.Sleep(10 * time.Millisecond)
		inbound <- map[string]any{"event": "subscribed", "id": "sub-req-xyz"}
	}()

	if err := c.subscribeAll(context.Background(), outbox, inbound); err != nil {
		t.Fatalf("expected ack keyed by embedded correlation id to complete subscribeAll, got %v", err)
	}
}
