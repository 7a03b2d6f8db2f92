// Package engine composes the subscription DSL, placeholder substitution,
// JSON pointer extraction, and mini-expression evaluation into the three
// operations a descriptor-driven connection actually needs: turning a
// generator source into outbound subscribe messages, pulling typed fields
// out of a decoded payload, and mapping those fields onto canonical names.
// It does no networking; callers own the wire.
package engine

import (
	"fmt"

	"github.com/teru1991/crypto-collector/internal/dsl"
	"github.com/teru1991/crypto-collector/internal/expr"
	"github.com/teru1991/crypto-collector/internal/jsonpointer"
	"github.com/teru1991/crypto-collector/internal/maps"
	"github.com/teru1991/crypto-collector/internal/placeholder"
)

// ---------------------------------------------------------------------------
// Subscription generation
// ---------------------------------------------------------------------------

// SubscriptionContext combines the DSL's loop context with the placeholder
// engine's substitution context for one connection.
type SubscriptionContext struct {
	Symbols    []string
	Channels   []string
	ConnID     string
	Args       map[string]string
	MaxOutputs int
}

// DefaultSubscriptionContext returns a SubscriptionContext with the same
// default output cap as the DSL interpreter.
func DefaultSubscriptionContext() SubscriptionContext {
	return SubscriptionContext{
		Args:       map[string]string{},
		MaxOutputs: 1_000_000,
	}
}

// GenerateSubscriptions executes a DSL generator source against ctx and
// applies placeholder substitution to every emitted template.
//
// The DSL interpreter already substitutes {symbol}, {ch}, {conn_id} and
// named args at emit time (see internal/dsl), so its output normally holds
// no brace tokens. A message that still contains a '{' (for example from a
// substituted value that itself has braces) goes through the placeholder
// engine a second time with the connection id and named args; a message
// with no braces at all is passed through without invoking the engine.
func GenerateSubscriptions(generatorSource string, ctx SubscriptionContext, subIndex int) ([]string, error) {
	dslCtx := dsl.Context{
		Symbols:    ctx.Symbols,
		Channels:   ctx.Channels,
		ConnID:     ctx.ConnID,
		Args:       ctx.Args,
		MaxOutputs: ctx.MaxOutputs,
	}

	raw, err := dsl.Execute(generatorSource, dslCtx, subIndex)
	if err != nil {
		return nil, fmt.Errorf("DSL error: %w", err)
	}

	connID := ctx.ConnID
	phCtx := placeholder.Context{
		ConnID: &connID,
		Args:   ctx.Args,
	}

	rendered := make([]string, 0, len(raw))
	for i, tmpl := range raw {
		if !containsBrace(tmpl) {
			rendered = append(rendered, tmpl)
			continue
		}
		s, err := placeholder.Substitute(tmpl, phCtx)
		if err != nil {
			return nil, fmt.Errorf("placeholder error in message[%d]: %w", i, err)
		}
		rendered = append(rendered, s)
	}
	return rendered, nil
}

func containsBrace(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '{' {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Metadata extraction
// ---------------------------------------------------------------------------

// ParseRules mirrors a descriptor's parse section: where to find each
// canonical field in a decoded payload, plus the optional expression set
// evaluated alongside the pointer lookups.
type ParseRules struct {
	ChannelPointer    string
	SymbolPointer     string
	ServerTimePointer *string
	SequencePointer   *string
	MessageIDPointer  *string
	ExprEnabled       bool
	Expressions       []string
	ExprConfig        expr.Config
}

// ExtractedMetadata holds the raw values pulled from a payload before
// normalization (symbol/channel mapping) is applied.
type ExtractedMetadata struct {
	Channel    any
	Symbol     any
	ServerTime any
	Sequence   any
	MessageID  any
	ExprValues map[string]any
}

// ExtractMetadata pulls channel, symbol, and the optional server-time,
// sequence, and message-id fields out of payload using JSON pointers, and
// evaluates any configured expressions against the same payload. A
// zero-value ExprConfig evaluates with expr.DefaultConfig().
func ExtractMetadata(payload any, rules ParseRules) (ExtractedMetadata, error) {
	channel, _, err := jsonpointer.ExtractTyped(payload, rules.ChannelPointer, false, jsonpointer.CastString)
	if err != nil {
		return ExtractedMetadata{}, fmt.Errorf("JSON pointer error: %w", err)
	}
	symbol, _, err := jsonpointer.ExtractTyped(payload, rules.SymbolPointer, false, jsonpointer.CastString)
	if err != nil {
		return ExtractedMetadata{}, fmt.Errorf("JSON pointer error: %w", err)
	}

	var serverTime, sequence, messageID any
	if rules.ServerTimePointer != nil {
		serverTime, _, err = jsonpointer.ExtractTyped(payload, *rules.ServerTimePointer, true, jsonpointer.CastRaw)
		if err != nil {
			return ExtractedMetadata{}, fmt.Errorf("JSON pointer error: %w", err)
		}
	}
	if rules.SequencePointer != nil {
		sequence, _, err = jsonpointer.ExtractTyped(payload, *rules.SequencePointer, true, jsonpointer.CastRaw)
		if err != nil {
			return ExtractedMetadata{}, fmt.Errorf("JSON pointer error: %w", err)
		}
	}
	if rules.MessageIDPointer != nil {
		messageID, _, err = jsonpointer.ExtractTyped(payload, *rules.MessageIDPointer, true, jsonpointer.CastRaw)
		if err != nil {
			return ExtractedMetadata{}, fmt.Errorf("JSON pointer error: %w", err)
		}
	}

	exprValues := make(map[string]any)
	if rules.ExprEnabled {
		cfg := rules.ExprConfig
		if cfg == (expr.Config{}) {
			cfg = expr.DefaultConfig()
		}
		for _, e := range rules.Expressions {
			val, err := expr.Evaluate(e, payload, cfg)
			if err != nil {
				return ExtractedMetadata{}, fmt.Errorf("expression error: %w", err)
			}
			exprValues[e] = val
		}
	}

	return ExtractedMetadata{
		Channel:    channel,
		Symbol:     symbol,
		ServerTime: serverTime,
		Sequence:   sequence,
		MessageID:  messageID,
		ExprValues: exprValues,
	}, nil
}

// ---------------------------------------------------------------------------
// Metadata normalization
// ---------------------------------------------------------------------------

// NormalizedMetadata is the canonical form of ExtractedMetadata: channel and
// symbol run through the normalization maps, everything else passes through.
type NormalizedMetadata struct {
	Channel    *string
	Symbol     *string
	ServerTime any
	Sequence   any
	MessageID  any
}

// NormalizeMetadata applies symbol/channel normalization maps to extracted
// metadata. An empty or missing raw channel/symbol yields a nil pointer
// rather than an empty-string canonical name.
func NormalizeMetadata(extracted ExtractedMetadata, m maps.NormalizationMaps) NormalizedMetadata {
	rawChannel, _ := extracted.Channel.(string)
	rawSymbol, _ := extracted.Symbol.(string)

	var channel, symbol *string
	if rawChannel != "" {
		v := m.NormalizeChannel(rawChannel)
		channel = &v
	}
	if rawSymbol != "" {
		v := m.NormalizeSymbol(rawSymbol)
		symbol = &v
	}

	return NormalizedMetadata{
		Channel:    channel,
		Symbol:     symbol,
		ServerTime: extracted.ServerTime,
		Sequence:   extracted.Sequence,
		MessageID:  extracted.MessageID,
	}
}
