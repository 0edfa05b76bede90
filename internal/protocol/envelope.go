// ABOUTME: Bridge envelope exchanged with the terminal UI over the websocket.
// ABOUTME: Every frame carries {type, payload, id?}; replies echo the request id.

package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound envelope types sent by the UI.
const (
	EnvelopeSpawn         = "spawn"
	EnvelopeKill          = "kill"
	EnvelopeMessage       = "message"
	EnvelopeList          = "list"
	EnvelopeStats         = "stats"
	EnvelopeHumanResponse = "human-response"
)

// Outbound-only envelope types.
const (
	EnvelopeNotification = "notification"
	EnvelopeAck          = "ack"
	EnvelopeError        = "error"
)

// Envelope is a single bridge frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	ID      string          `json:"id,omitempty"`
}

// NewEnvelope builds an envelope, encoding payload as JSON.
func NewEnvelope(typ, id string, payload any) (Envelope, error) {
	env := Envelope{Type: typ, ID: id}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", typ, err)
	}
	env.Payload = data
	return env, nil
}

// DecodePayload decodes the envelope payload into v. An empty payload leaves v untouched.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}
