// ABOUTME: Inbound UI commands (spawn, kill, message, list, stats, human-response) and their replies
// ABOUTME: Every command is answered with an ack or error envelope that echoes the request id

package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/coven-mux/internal/config"
	"github.com/2389/coven-mux/internal/gate"
	"github.com/2389/coven-mux/internal/mux"
	"github.com/2389/coven-mux/internal/protocol"
)

// ErrUnknownCommand indicates an envelope type the bridge does not accept.
var ErrUnknownCommand = errors.New("unknown command")

// ErrRequestClosed indicates a human response for a request that is no longer open.
var ErrRequestClosed = errors.New("request is not open")

// SpawnCommand is the payload of a spawn envelope.
type SpawnCommand struct {
	ID           string   `json:"id,omitempty"`
	Role         string   `json:"role,omitempty"`
	Args         []string `json:"args,omitempty"`
	Peer         bool     `json:"peer,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// KillCommand is the payload of a kill envelope.
type KillCommand struct {
	AgentID string `json:"agentId"`
}

// MessageCommand is the payload of a message envelope. An empty AgentID
// sends to every agent.
type MessageCommand struct {
	AgentID       string          `json:"agentId,omitempty"`
	Type          string          `json:"type,omitempty"`
	Content       string          `json:"content"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// HumanResponseCommand answers an open human request.
type HumanResponseCommand struct {
	RequestID string `json:"requestId"`
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason,omitempty"`
	Text      string `json:"text,omitempty"`
}

// ListResult is the ack payload of a list envelope.
type ListResult struct {
	Agents  []mux.AgentInfo `json:"agents"`
	Peers   []string        `json:"peers"`
	Pending []gate.Request  `json:"pending"`
}

func (s *Server) dispatch(c *client, env protocol.Envelope) {
	if env.Type == protocol.EnvelopeStats {
		s.sendStats(c, env.ID)
		return
	}

	result, err := s.execute(env)
	if err != nil {
		s.logger.Debug("bridge command failed", "client_id", c.id, "type", env.Type, "error", err)
		c.sendEnvelope(errorEnvelope(env.ID, err))
		return
	}

	ack, err := protocol.NewEnvelope(protocol.EnvelopeAck, env.ID, result)
	if err != nil {
		c.sendEnvelope(errorEnvelope(env.ID, err))
		return
	}
	c.sendEnvelope(ack)
}

func (s *Server) execute(env protocol.Envelope) (any, error) {
	switch env.Type {
	case protocol.EnvelopeSpawn:
		var cmd SpawnCommand
		if err := env.DecodePayload(&cmd); err != nil {
			return nil, err
		}
		id, err := s.backend.SpawnAgent(s.ctx, config.AgentSpec{
			ID:           cmd.ID,
			Role:         cmd.Role,
			Args:         cmd.Args,
			Peer:         cmd.Peer,
			Capabilities: cmd.Capabilities,
		})
		if err != nil {
			return nil, err
		}
		return map[string]string{"agentId": id}, nil

	case protocol.EnvelopeKill:
		var cmd KillCommand
		if err := env.DecodePayload(&cmd); err != nil {
			return nil, err
		}
		if cmd.AgentID == "" {
			return nil, errors.New("agentId is required")
		}
		if err := s.backend.KillAgent(s.ctx, cmd.AgentID); err != nil {
			return nil, err
		}
		return map[string]string{"agentId": cmd.AgentID}, nil

	case protocol.EnvelopeMessage:
		var cmd MessageCommand
		if err := env.DecodePayload(&cmd); err != nil {
			return nil, err
		}
		in := protocol.Input{
			Type:          cmd.Type,
			Content:       cmd.Content,
			CorrelationID: cmd.CorrelationID,
			From:          "ui",
		}
		if len(cmd.Payload) > 0 {
			in.Payload = cmd.Payload
		}
		if cmd.AgentID == "" {
			s.backend.Broadcast(in)
			return map[string]int{"recipients": len(s.backend.Agents())}, nil
		}
		if err := s.backend.Send(cmd.AgentID, in); err != nil {
			return nil, err
		}
		return map[string]string{"agentId": cmd.AgentID}, nil

	case protocol.EnvelopeList:
		return ListResult{
			Agents:  s.backend.Agents(),
			Peers:   s.backend.Peers(),
			Pending: s.backend.PendingRequests(),
		}, nil

	case protocol.EnvelopeHumanResponse:
		var cmd HumanResponseCommand
		if err := env.DecodePayload(&cmd); err != nil {
			return nil, err
		}
		if cmd.RequestID == "" {
			return nil, errors.New("requestId is required")
		}
		if !s.backend.Respond(cmd.RequestID, gate.Response{
			Approved: cmd.Approved,
			Reason:   cmd.Reason,
			Text:     cmd.Text,
		}) {
			return nil, fmt.Errorf("%w: %s", ErrRequestClosed, cmd.RequestID)
		}
		return map[string]string{"requestId": cmd.RequestID}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, env.Type)
	}
}

func errorEnvelope(id string, err error) protocol.Envelope {
	env, encErr := protocol.NewEnvelope(protocol.EnvelopeError, id, map[string]string{"error": err.Error()})
	if encErr != nil {
		return protocol.Envelope{Type: protocol.EnvelopeError, ID: id}
	}
	return env
}
