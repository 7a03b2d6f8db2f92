// Package coverage implements the compile-time manifest validation gate
// that runs once at startup, after config and descriptor loading but
// before any connection dials out: it proves that every enabled exchange
// instance's descriptor actually produces subscribe traffic for the
// symbols/channels the operator configured, and that no WebSocket
// connection in a descriptor is left dangling with nothing subscribing to
// it. Catching a broken descriptor here turns a silent "this venue never
// sends data" into a startup failure with a precise cause.
package coverage

import (
	"fmt"
	"strings"

	"github.com/teru1991/crypto-collector/internal/config"
	"github.com/teru1991/crypto-collector/internal/descriptor"
	"github.com/teru1991/crypto-collector/internal/engine"
)

// Error aggregates every coverage failure found across every enabled
// exchange instance, matching the aggregate-everything validation style
// used by internal/config and internal/descriptor.
type Error struct {
	Errors []string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("coverage gate failed:\n")
	for i, msg := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, msg)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Check validates cfg against descriptors, a map of exchange instance name
// to its already-loaded descriptor. It is pure and side-effect-free: no
// network calls, no mutation of either input.
func Check(cfg *config.CollectorConfig, descriptors map[string]*descriptor.ExchangeDescriptor) error {
	var errs []string

	for _, inst := range cfg.Exchanges {
		if !inst.IsEnabled() {
			continue
		}

		desc, ok := descriptors[inst.Name]
		if !ok {
			errs = append(errs, fmt.Sprintf("exchange '%s': enabled but no descriptor was loaded for it", inst.Name))
			continue
		}

		errs = append(errs, checkInstance(inst.Name, desc, inst.Symbols, inst.Channels)...)
	}

	if len(errs) > 0 {
		return &Error{Errors: errs}
	}
	return nil
}

// checkInstance validates one exchange's descriptor against its
// configured symbols/channels: every ws connection must be targeted by at
// least one subscription, and every subscription's generator must produce
// at least one frame when dry-run against the real symbol/channel set.
func checkInstance(name string, desc *descriptor.ExchangeDescriptor, symbols, channels []string) []string {
	var errs []string

	targeted := make(map[string]bool, len(desc.WS.Connections))
	for _, sub := range desc.Subscriptions {
		targeted[sub.ConnectionID] = true
	}
	for _, conn := range desc.WS.Connections {
		if !targeted[conn.ID] {
			errs = append(errs, fmt.Sprintf(
				"exchange '%s': connection '%s' has no subscription targeting it",
				name, conn.ID))
		}
	}

	for i, sub := range desc.Subscriptions {
		ctx := engine.SubscriptionContext{
			Symbols:    symbols,
			Channels:   channels,
			ConnID:     sub.ConnectionID,
			Args:       map[string]string{},
			MaxOutputs: 100_000,
		}
		frames, err := engine.GenerateSubscriptions(sub.Generator, ctx, i)
		if err != nil {
			errs = append(errs, fmt.Sprintf(
				"exchange '%s': subscriptions[%d] (connection '%s') failed to generate against configured symbols/channels: %v",
				name, i, sub.ConnectionID, err))
			continue
		}
		if len(frames) == 0 && len(symbols) > 0 && len(channels) > 0 {
			errs = append(errs, fmt.Sprintf(
				"exchange '%s': subscriptions[%d] (connection '%s') produced zero subscribe frames for %d symbol(s) and %d channel(s)",
				name, i, sub.ConnectionID, len(symbols), len(channels)))
		}
	}

	return errs
}
