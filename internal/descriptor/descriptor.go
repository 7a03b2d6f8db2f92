// Package descriptor models and validates the per-exchange descriptor file:
// the declarative specification of how to connect to, subscribe to, and
// parse messages from one venue (schema v1.4).
package descriptor

import (
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/pelletier/go-toml/v2"
)

// ExchangeDescriptor is the root of the descriptor document.
type ExchangeDescriptor struct {
	Meta          Meta           `toml:"meta"`
	WS            WsSection      `toml:"ws"`
	Rest          *RestSection   `toml:"rest"`
	Subscriptions []Subscription `toml:"subscriptions"`
	Parse         ParseSection   `toml:"parse"`
	Maps          *MapsSection   `toml:"maps"`
}

type Meta struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

type WsSection struct {
	Connections []WsConnection `toml:"connections"`
}

type WsConnection struct {
	ID            string             `toml:"id"`
	URLs          []string           `toml:"urls"`
	TLS           *TlsSettings       `toml:"tls"`
	ReadTimeoutMs uint64             `toml:"read_timeout_ms"`
	Keepalive     *KeepaliveSettings `toml:"keepalive"`
}

const defaultReadTimeoutMs = 30_000

type TlsSettings struct {
	Enabled    bool    `toml:"enabled"`
	CACertPath *string `toml:"ca_cert_path"`
}

type KeepaliveSettings struct {
	Mode        string  `toml:"mode"`
	IntervalMs  uint64  `toml:"interval_ms"`
	Template    *string `toml:"template"`
}

const defaultKeepaliveIntervalMs = 30_000

type RestSection struct {
	BaseURLs  []string   `toml:"base_urls"`
	RateLimit *RateLimit `toml:"rate_limit"`
}

type RateLimit struct {
	RequestsPerMinute *uint32     `toml:"requests_per_minute"`
	TokenBucket       *TokenBucket `toml:"token_bucket"`
}

type TokenBucket struct {
	Capacity        uint32  `toml:"capacity"`
	RefillPerSecond float64 `toml:"refill_per_second"`
}

// Subscription binds a connection id to a DSL generator source plus an
// optional ack matcher gating the Subscribing→Running transition.
type Subscription struct {
	ConnectionID string      `toml:"connection_id"`
	Generator    string      `toml:"generator"`
	Ack          *AckMatcher `toml:"ack"`
}

// AckMatcher adopts the fuller shape used by the runtime's ack gate: a
// field/value pair, an optional correlation pointer distinguishing which
// expected id an ack satisfies, and a wait deadline.
type AckMatcher struct {
	Field             string  `toml:"field"`
	Value             string  `toml:"value"`
	CorrelationPointer *string `toml:"correlation_pointer"`
	TimeoutMs         uint64  `toml:"timeout_ms"`
}

type ParseSection struct {
	Channel    string         `toml:"channel"`
	Symbol     string         `toml:"symbol"`
	ServerTime *string        `toml:"server_time"`
	Sequence   *string        `toml:"sequence"`
	MessageID  *string        `toml:"message_id"`
	Expr       *ExprSettings  `toml:"expr"`
}

type ExprSettings struct {
	Enabled             bool     `toml:"enabled"`
	Expressions         []string `toml:"expressions"`
	MaxExpressionLength int      `toml:"max_expression_length"`
}

const defaultMaxExprLen = 4096

type MapsSection struct {
	SymbolMapFile *string        `toml:"symbol_map_file"`
	ChannelMap    map[string]any `toml:"channel_map"`
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// ValidationError aggregates every validation failure found, rather than
// stopping at the first, so an operator sees the full list in one pass.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("descriptor validation failed:\n")
	for i, msg := range e.Errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, msg)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads and validates a descriptor from a TOML file path.
func Load(path string) (*ExchangeDescriptor, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor file '%s': %w", path, err)
	}
	return Parse(string(content))
}

// Parse parses and validates a descriptor from a TOML string.
func Parse(content string) (*ExchangeDescriptor, error) {
	var desc ExchangeDescriptor
	if err := toml.Unmarshal([]byte(content), &desc); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor TOML: %w", err)
	}
	applyDefaults(&desc)
	if err := validate(&desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

func applyDefaults(desc *ExchangeDescriptor) {
	for i := range desc.WS.Connections {
		if desc.WS.Connections[i].ReadTimeoutMs == 0 {
			desc.WS.Connections[i].ReadTimeoutMs = defaultReadTimeoutMs
		}
		if ka := desc.WS.Connections[i].Keepalive; ka != nil && ka.IntervalMs == 0 {
			ka.IntervalMs = defaultKeepaliveIntervalMs
		}
	}
	if desc.Parse.Expr != nil && desc.Parse.Expr.MaxExpressionLength == 0 {
		desc.Parse.Expr.MaxExpressionLength = defaultMaxExprLen
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func validate(desc *ExchangeDescriptor) error {
	var errs []string

	if desc.Meta.Name == "" {
		errs = append(errs, "meta.name must not be empty")
	}
	if desc.Meta.Version == "" {
		errs = append(errs, "meta.version must not be empty")
	}

	if len(desc.WS.Connections) == 0 {
		errs = append(errs, "ws.connections must have at least one entry")
	}

	connIDs := make(map[string]struct{})
	for _, conn := range desc.WS.Connections {
		if conn.ID == "" {
			errs = append(errs, "ws.connections: entry has empty id")
		}
		if _, dup := connIDs[conn.ID]; dup {
			errs = append(errs, fmt.Sprintf("ws.connections: duplicate connection id '%s'", conn.ID))
		} else {
			connIDs[conn.ID] = struct{}{}
		}
		if len(conn.URLs) == 0 {
			errs = append(errs, fmt.Sprintf("ws.connections '%s': urls must be non-empty", conn.ID))
		}
		if conn.Keepalive != nil && conn.Keepalive.Mode == "" {
			errs = append(errs, fmt.Sprintf("ws.connections '%s': keepalive.mode must not be empty", conn.ID))
		}
	}

	if desc.Rest != nil && len(desc.Rest.BaseURLs) == 0 {
		errs = append(errs, "rest.base_urls must be non-empty when rest section is present")
	}

	for i, sub := range desc.Subscriptions {
		ctx := fmt.Sprintf("subscriptions[%d]", i)

		if sub.ConnectionID == "" {
			errs = append(errs, fmt.Sprintf("%s: connection_id must not be empty", ctx))
		} else if _, ok := connIDs[sub.ConnectionID]; !ok {
			errs = append(errs, fmt.Sprintf("%s: connection_id '%s' does not reference any ws.connections.id (available: %v)", ctx, sub.ConnectionID, connIDKeys(connIDs)))
		}

		if sub.Generator == "" {
			errs = append(errs, fmt.Sprintf("%s: generator must not be empty", ctx))
		}

		if sub.Ack != nil && sub.Ack.Field == "" {
			errs = append(errs, fmt.Sprintf("%s: ack.field must not be empty", ctx))
		}
	}

	validatePointer("parse.channel", desc.Parse.Channel, &errs)
	validatePointer("parse.symbol", desc.Parse.Symbol, &errs)
	if desc.Parse.ServerTime != nil {
		validatePointer("parse.server_time", *desc.Parse.ServerTime, &errs)
	}
	if desc.Parse.Sequence != nil {
		validatePointer("parse.sequence", *desc.Parse.Sequence, &errs)
	}
	if desc.Parse.MessageID != nil {
		validatePointer("parse.message_id", *desc.Parse.MessageID, &errs)
	}

	if desc.Parse.Expr != nil {
		for i, e := range desc.Parse.Expr.Expressions {
			if len(e) > desc.Parse.Expr.MaxExpressionLength {
				errs = append(errs, fmt.Sprintf("parse.expr.expressions[%d]: length %d exceeds max %d", i, len(e), desc.Parse.Expr.MaxExpressionLength))
			}
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func connIDKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// validatePointer applies a basic RFC-6901-like sanity check: the pointer
// must start with '/' and each segment must be printable. A trailing empty
// segment (pointer ending in '/') is tolerated — only an empty segment
// before the last one is flagged — preserving the original validator's
// permissiveness rather than tightening it.
func validatePointer(fieldName, pointer string, errs *[]string) {
	if pointer == "" {
		*errs = append(*errs, fmt.Sprintf("%s: pointer must not be empty", fieldName))
		return
	}
	if !strings.HasPrefix(pointer, "/") {
		*errs = append(*errs, fmt.Sprintf("%s: pointer '%s' must start with '/'", fieldName, pointer))
		return
	}
	segments := strings.Split(pointer[1:], "/")
	for i, seg := range segments {
		if seg == "" && i < len(segments)-1 {
			*errs = append(*errs, fmt.Sprintf("%s: pointer '%s' has empty segment at position %d", fieldName, pointer, i))
		}
		for _, r := range seg {
			if unicode.IsControl(r) {
				*errs = append(*errs, fmt.Sprintf("%s: pointer '%s' segment %d contains control characters", fieldName, pointer, i))
				break
			}
		}
	}
}
