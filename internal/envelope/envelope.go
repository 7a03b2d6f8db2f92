// Package envelope defines the canonical record produced for every decoded
// exchange message: the adapter version that produced it, which connection
// and exchange it came from, its canonical symbol and channel, the optional
// server-supplied timing/ordering fields, and the moment it was received.
// Everything downstream — dedup, spooling, the Mongo sink, Kafka republish —
// operates on this one shape.
package envelope

// Envelope is immutable once built; every identifying field is established
// in one step via Builder so a half-populated envelope can never leak past
// construction.
type Envelope struct {
	AdapterVersion string
	ConnID         string
	Exchange       string
	Symbol         string
	Channel        string
	Payload        any

	ServerTime *int64
	Sequence   *uint64
	MessageID  *string

	// LocalTimeNs is a monotonic receive timestamp in nanoseconds, used for
	// latency accounting; it is not wall-clock time.
	LocalTimeNs uint64
	// ReceivedAtMs is the wall-clock receive time in epoch milliseconds,
	// persisted alongside the envelope for audit and replay ordering.
	ReceivedAtMs int64
}

// Builder assembles an Envelope field by field. Use Builder rather than a
// struct literal so every call site shares the same required-field set.
type Builder struct {
	env Envelope
}

// NewBuilder starts an Envelope with its required fields: the adapter
// identity that decoded the message, which connection and exchange it came
// from, and its canonical symbol/channel plus the raw decoded payload.
func NewBuilder(adapterVersion, connID, exchange, symbol, channel string, payload any) *Builder {
	return &Builder{
		env: Envelope{
			AdapterVersion: adapterVersion,
			ConnID:         connID,
			Exchange:       exchange,
			Symbol:         symbol,
			Channel:        channel,
			Payload:        payload,
		},
	}
}

// LocalTimeNs sets the monotonic receive timestamp.
func (b *Builder) LocalTimeNs(ns uint64) *Builder {
	b.env.LocalTimeNs = ns
	return b
}

// ReceivedAtMs sets the wall-clock receive timestamp.
func (b *Builder) ReceivedAtMs(ms int64) *Builder {
	b.env.ReceivedAtMs = ms
	return b
}

// ServerTime sets the exchange-reported server timestamp, when present.
func (b *Builder) ServerTime(v int64) *Builder {
	b.env.ServerTime = &v
	return b
}

// Sequence sets the exchange-reported sequence number, when present.
func (b *Builder) Sequence(v uint64) *Builder {
	b.env.Sequence = &v
	return b
}

// MessageID sets the exchange-reported message id, when present.
func (b *Builder) MessageID(v string) *Builder {
	b.env.MessageID = &v
	return b
}

// Build finalizes the Envelope.
func (b *Builder) Build() Envelope {
	return b.env
}
