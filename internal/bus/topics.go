// ABOUTME: Topic names forming the wire contract between components.
// ABOUTME: Defines one payload type per topic family (agent, message, peer, route, registry, human, stream).

package bus

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/2389/coven-mux/internal/protocol"
)

// Agent lifecycle topics carry an AgentEvent.
const (
	TopicAgentSpawn  = "agent:spawn"
	TopicAgentExit   = "agent:exit"
	TopicAgentError  = "agent:error"
	TopicAgentOutput = "agent:output"
)

// Message topics carry a MessageEvent.
const (
	TopicMessageSend    = "message:send"
	TopicMessageReceive = "message:receive"
)

// Peer topics carry a PeerEvent.
const (
	TopicPeerAnnounce   = "peer:announce"
	TopicPeerDiscovered = "peer:discovered"
	TopicPeerMessage    = "peer:message"
	TopicPeerRequest    = "peer:request"
	TopicPeerResponse   = "peer:response"
	TopicPeerLeave      = "peer:leave"
)

// Route topics carry a RouteEvent.
const (
	TopicRouteAdded   = "route:added"
	TopicRouteMessage = "route:message"
	TopicRouteResult  = "route:result"
	TopicRouteError   = "route:error"
	TopicRouteRequest = "route:request"
)

// Registry topics carry a RegistryEvent.
const (
	TopicRegistryAll       = "registry:*"
	TopicRegistryRegister  = "registry:register"
	TopicRegistryHeartbeat = "registry:heartbeat"
	TopicRegistryExpired   = "registry:expired"
	TopicRegistryRemove    = "registry:remove"
)

// Human gate topics carry a HumanEvent.
const (
	TopicHumanRequest   = "human:request"
	TopicHumanAttention = "human:attention"
	TopicHumanResolved  = "human:resolved"
)

// Stream topics carry a StreamEvent.
const (
	TopicStreamStart   = "stream:start"
	TopicStreamChunk   = "stream:chunk"
	TopicStreamEnd     = "stream:end"
	TopicStreamMessage = "stream:message"
)

// Family returns the family prefix of a topic ("peer" for "peer:announce").
func Family(topic string) string {
	if i := strings.IndexByte(topic, ':'); i >= 0 {
		return topic[:i]
	}
	return topic
}

// AgentEvent is the payload of agent:* topics.
type AgentEvent struct {
	AgentID  string   `json:"agentId"`
	Role     string   `json:"role,omitempty"`
	PID      int      `json:"pid,omitempty"`
	Args     []string `json:"args,omitempty"`
	ExitCode int      `json:"exitCode,omitempty"`
	Stream   string   `json:"stream,omitempty"` // "stdout" or "stderr" for agent:output
	Line     string   `json:"line,omitempty"`
	Op       string   `json:"op,omitempty"`
	Err      string   `json:"error,omitempty"`
}

// MessageEvent is the payload of message:* topics. Input is set for
// message:send, Message for message:receive.
type MessageEvent struct {
	AgentID string                 `json:"agentId"`
	Input   *protocol.Input        `json:"input,omitempty"`
	Message *protocol.AgentMessage `json:"message,omitempty"`
}

// PeerEvent is the payload of peer:* topics.
type PeerEvent struct {
	NodeID        string   `json:"nodeId"`
	AgentID       string   `json:"agentId,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	To            string   `json:"to,omitempty"`
	MessageID     string   `json:"messageId,omitempty"`
	CorrelationID string   `json:"correlationId,omitempty"`
	Content       any      `json:"content,omitempty"`
}

// RouteEvent is the payload of route:* topics and request reply topics.
type RouteEvent struct {
	Topic     string `json:"topic,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
	Priority  int    `json:"priority,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	ReplyTo   string `json:"replyTo,omitempty"`
	Message   any    `json:"message,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	Success   bool   `json:"success"`
}

// RegistryEvent is the payload of registry:* topics.
type RegistryEvent struct {
	NodeID       string    `json:"nodeId"`
	AgentID      string    `json:"agentId,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	LastSeen     time.Time `json:"lastSeen"`
	Reason       string    `json:"reason,omitempty"`
}

// HumanEvent is the payload of human:* topics.
type HumanEvent struct {
	RequestID string     `json:"requestId,omitempty"`
	Type      string     `json:"type,omitempty"`
	Priority  string     `json:"priority,omitempty"`
	From      string     `json:"from"`
	Message   string     `json:"message,omitempty"`
	Context   any        `json:"context,omitempty"`
	Keyword   string     `json:"keyword,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	Approved  bool       `json:"approved,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// StreamEvent is the payload of stream:* topics.
type StreamEvent struct {
	StreamID   string          `json:"streamId"`
	AgentID    string          `json:"agentId"`
	Kind       string          `json:"kind"`
	ChunkCount int             `json:"chunkCount"`
	StartedAt  time.Time       `json:"startedAt"`
	Duration   time.Duration   `json:"duration,omitempty"`
	Bytes      int             `json:"bytes,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}
