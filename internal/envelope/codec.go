package envelope

import "encoding/json"

// canonicalDoc mirrors the wire shape from spec §6: a fixed key order
// (adapter tag, connection id, exchange, symbol, channel, optional
// server-time-ms, optional sequence, optional message id, received-at-ms,
// payload). encoding/json marshals struct fields in declaration order, so
// this struct's field order IS the canonical encoding's key order — no
// separate ordered-map machinery is needed.
type canonicalDoc struct {
	AdapterVersion string  `json:"adapter_version"`
	ConnID         string  `json:"conn_id"`
	Exchange       string  `json:"exchange"`
	Symbol         string  `json:"symbol"`
	Channel        string  `json:"channel"`
	ServerTimeMs   *int64  `json:"server_time_ms,omitempty"`
	Sequence       *uint64 `json:"sequence,omitempty"`
	MessageID      *string `json:"message_id,omitempty"`
	ReceivedAtMs   int64   `json:"received_at_ms"`
	Payload        any     `json:"payload"`
}

// EncodeCanonical serialises env to the canonical document encoding used by
// the spool and the Mongo sink.
func (env Envelope) EncodeCanonical() ([]byte, error) {
	doc := canonicalDoc{
		AdapterVersion: env.AdapterVersion,
		ConnID:         env.ConnID,
		Exchange:       env.Exchange,
		Symbol:         env.Symbol,
		Channel:        env.Channel,
		ServerTimeMs:   env.ServerTime,
		Sequence:       env.Sequence,
		MessageID:      env.MessageID,
		ReceivedAtMs:   env.ReceivedAtMs,
		Payload:        env.Payload,
	}
	return json.Marshal(doc)
}

// DecodeCanonical parses the canonical document encoding back into an
// Envelope, as read back from a spool segment or a replay batch.
func DecodeCanonical(data []byte) (Envelope, error) {
	var doc canonicalDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return Envelope{}, err
	}
	return Envelope{
		AdapterVersion: doc.AdapterVersion,
		ConnID:         doc.ConnID,
		Exchange:       doc.Exchange,
		Symbol:         doc.Symbol,
		Channel:        doc.Channel,
		Payload:        doc.Payload,
		ServerTime:     doc.ServerTimeMs,
		Sequence:       doc.Sequence,
		MessageID:      doc.MessageID,
		LocalTimeNs:    0,
		ReceivedAtMs:   doc.ReceivedAtMs,
	}, nil
}
