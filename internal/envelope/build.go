package envelope

import (
	"fmt"

	"github.com/teru1991/crypto-collector/internal/descriptor"
	"github.com/teru1991/crypto-collector/internal/engine"
	"github.com/teru1991/crypto-collector/internal/maps"
)

// AdapterVersion tags every envelope this module produces, so a downstream
// reader can tell which generation of the parse pipeline built a record.
const AdapterVersion = "descriptor-runtime@1.4"

// BuildFromPayload extracts and normalizes metadata from a decoded payload
// per parseSection, then assembles an Envelope. A missing or null symbol or
// channel fails the build with the extraction error; an empty-string value
// normalizes to "UNKNOWN"/"unknown" respectively.
func BuildFromPayload(
	payload any,
	parseSection descriptor.ParseSection,
	normMaps maps.NormalizationMaps,
	exchange string,
	connID string,
	localTimeNs uint64,
) (Envelope, error) {
	rules := engine.ParseRules{
		ChannelPointer:    parseSection.Channel,
		SymbolPointer:     parseSection.Symbol,
		ServerTimePointer: parseSection.ServerTime,
		SequencePointer:   parseSection.Sequence,
		MessageIDPointer:  parseSection.MessageID,
	}
	if parseSection.Expr != nil {
		rules.ExprEnabled = parseSection.Expr.Enabled
		rules.Expressions = parseSection.Expr.Expressions
	}

	extracted, err := engine.ExtractMetadata(payload, rules)
	if err != nil {
		return Envelope{}, fmt.Errorf("building envelope: %w", err)
	}
	normalized := engine.NormalizeMetadata(extracted, normMaps)

	symbol := "UNKNOWN"
	if normalized.Symbol != nil {
		symbol = *normalized.Symbol
	}
	channel := "unknown"
	if normalized.Channel != nil {
		channel = *normalized.Channel
	}

	b := NewBuilder(AdapterVersion, connID, exchange, symbol, channel, payload).
		LocalTimeNs(localTimeNs)

	if v, ok := asInt64(normalized.ServerTime); ok {
		b.ServerTime(v)
	}
	if v, ok := asUint64(normalized.Sequence); ok {
		b.Sequence(v)
	}
	if v, ok := normalized.MessageID.(string); ok {
		b.MessageID(v)
	}

	return b.Build(), nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

func asUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	default:
		return 0, false
	}
}
