// Package control is the collector's lightweight control plane: descriptor
// hot-reload notifications and connection-state-change broadcasts shared
// between collector replicas over NATS, published under a
// "crypto.control.*" subject tree.
package control

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

const (
	// SubjectDescriptorReload carries a DescriptorReloadEvent whenever an
	// operator updates an exchange descriptor on disk.
	SubjectDescriptorReload = "crypto.control.descriptor.reload"
	// SubjectConnectionState carries a ConnectionStateEvent whenever a
	// connection's lifecycle state changes.
	SubjectConnectionState = "crypto.control.connection.state"
)

// DescriptorReloadEvent announces that exchange's descriptor should be
// re-read from Path.
type DescriptorReloadEvent struct {
	Exchange string `json:"exchange"`
	Path     string `json:"path"`
}

// ConnectionStateEvent announces a connection's lifecycle transition, for
// cross-replica observability dashboards.
type ConnectionStateEvent struct {
	Exchange   string `json:"exchange"`
	ConnID     string `json:"conn_id"`
	State      string `json:"state"`
	LastError  string `json:"last_error,omitempty"`
	InstanceID string `json:"instance_id"`
}

// Bus wraps a NATS connection with the collector's two control subjects.
type Bus struct {
	conn *nats.Conn
}

// Connect dials url (a "nats://host:port" address) and returns a ready
// Bus. An empty url disables the control plane; callers should skip
// calling Connect entirely in that case rather than passing "".
func Connect(url string) (*Bus, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("control: connect to nats: %w", err)
	}
	return &Bus{conn: conn}, nil
}

// Close closes the underlying NATS connection without draining it.
func (b *Bus) Close() {
	b.conn.Close()
}

// PublishDescriptorReload announces a descriptor change.
func (b *Bus) PublishDescriptorReload(event DescriptorReloadEvent) error {
	return b.publish(SubjectDescriptorReload, event)
}

// PublishConnectionState announces a connection lifecycle transition.
func (b *Bus) PublishConnectionState(event ConnectionStateEvent) error {
	return b.publish(SubjectConnectionState, event)
}

func (b *Bus) publish(subject string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("control: encode %s event: %w", subject, err)
	}
	return b.conn.Publish(subject, data)
}

// SubscribeDescriptorReload registers handler for every descriptor reload
// event seen on the bus.
func (b *Bus) SubscribeDescriptorReload(handler func(DescriptorReloadEvent)) (*nats.Subscription, error) {
	return b.conn.Subscribe(SubjectDescriptorReload, func(msg *nats.Msg) {
		var event DescriptorReloadEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return
		}
		handler(event)
	})
}

// SubscribeConnectionState registers handler for every connection-state
// event seen on the bus.
func (b *Bus) SubscribeConnectionState(handler func(ConnectionStateEvent)) (*nats.Subscription, error) {
	return b.conn.Subscribe(SubjectConnectionState, func(msg *nats.Msg) {
		var event ConnectionStateEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return
		}
		handler(event)
	})
}
