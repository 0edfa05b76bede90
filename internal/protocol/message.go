// ABOUTME: Wire types for the line-oriented subprocess protocol.
// ABOUTME: Decodes agent output lines into AgentMessage and encodes input lines.

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotObject indicates a line parsed as JSON but was not a JSON object.
var ErrNotObject = errors.New("message is not a JSON object")

// Kind classifies an AgentMessage.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindStream   Kind = "stream"
	KindError    Kind = "error"
)

// Line types with special meaning to the stream splitter and orchestrator.
const (
	TypeResponse    = "response"
	TypeRequest     = "request"
	TypeError       = "error"
	TypeStream      = "stream"
	TypeStreamStart = "stream:start"
	TypeStreamChunk = "stream:chunk"
	TypeStreamEnd   = "stream:end"
	TypeDecision    = "decision"
)

// AgentMessage is one structured message emitted by an agent subprocess.
// Payload holds the complete original line so no field the agent sent is lost.
type AgentMessage struct {
	AgentID       string          `json:"agentId"`
	Kind          Kind            `json:"kind"`
	Type          string          `json:"type,omitempty"`
	StreamID      string          `json:"streamId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
}

// header is the subset of fields every output line may carry.
type header struct {
	Type          string `json:"type"`
	StreamID      string `json:"streamId"`
	CorrelationID string `json:"correlationId"`
}

// Decode parses a single output line from agentID into an AgentMessage.
// The line must be a JSON object; anything else returns an error so the
// caller can demote it to raw output.
func Decode(agentID string, line []byte, now time.Time) (AgentMessage, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return AgentMessage{}, ErrNotObject
	}

	var h header
	if err := json.Unmarshal(line, &h); err != nil {
		return AgentMessage{}, fmt.Errorf("decoding agent line: %w", err)
	}

	payload := make(json.RawMessage, len(line))
	copy(payload, line)

	return AgentMessage{
		AgentID:       agentID,
		Kind:          kindForType(h.Type),
		Type:          h.Type,
		StreamID:      h.StreamID,
		CorrelationID: h.CorrelationID,
		Payload:       payload,
		Timestamp:     now,
	}, nil
}

func kindForType(t string) Kind {
	switch t {
	case TypeRequest:
		return KindRequest
	case TypeResponse:
		return KindResponse
	case TypeError:
		return KindError
	default:
		return KindStream
	}
}

// Unmarshal decodes the message payload into v.
func (m AgentMessage) Unmarshal(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Field returns the raw value of a top-level payload field, or nil if absent.
func (m AgentMessage) Field(name string) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(m.Payload, &fields); err != nil {
		return nil
	}
	return fields[name]
}

// Text returns the human-readable text of the message: the "content" field,
// falling back to "text", "message" and "error". Non-string values are
// returned in their JSON form.
func (m AgentMessage) Text() string {
	for _, name := range []string{"content", "text", "message", "error"} {
		raw := m.Field(name)
		if raw == nil {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		return string(raw)
	}
	return ""
}

// Input is one line written to an agent's stdin.
type Input struct {
	Type          string `json:"type,omitempty"`
	Content       string `json:"content"`
	CorrelationID string `json:"correlationId,omitempty"`
	From          string `json:"from,omitempty"`
	Payload       any    `json:"payload,omitempty"`
}

// MarshalLine encodes the input as a single newline-terminated JSON line.
func (in Input) MarshalLine() ([]byte, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encoding input: %w", err)
	}
	return append(data, '\n'), nil
}
