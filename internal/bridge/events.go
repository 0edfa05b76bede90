// ABOUTME: Relays bus events to every UI client as outbound envelopes
// ABOUTME: Lifecycle and agent output become spawn/kill/message; gate and error events become notifications

package bridge

import (
	"github.com/2389/coven-mux/internal/bus"
	"github.com/2389/coven-mux/internal/protocol"
)

// Notification is the payload of a notification envelope. Kind is the bus
// topic that raised it.
type Notification struct {
	Kind  string `json:"kind"`
	Event any    `json:"event"`
}

// relayed maps bus topics to the outbound envelope type they produce.
var relayed = map[string]string{
	bus.TopicAgentSpawn:      protocol.EnvelopeSpawn,
	bus.TopicAgentExit:       protocol.EnvelopeKill,
	bus.TopicMessageReceive:  protocol.EnvelopeMessage,
	bus.TopicHumanRequest:    protocol.EnvelopeNotification,
	bus.TopicHumanAttention:  protocol.EnvelopeNotification,
	bus.TopicHumanResolved:   protocol.EnvelopeNotification,
	bus.TopicAgentError:      protocol.EnvelopeNotification,
	bus.TopicRegistryExpired: protocol.EnvelopeNotification,
	bus.TopicRouteError:      protocol.EnvelopeNotification,
	bus.TopicPeerLeave:       protocol.EnvelopeNotification,
	bus.TopicPeerDiscovered:  protocol.EnvelopeNotification,
}

func (s *Server) subscribe() {
	subs := make([]bus.Subscription, 0, len(relayed))
	for topic, typ := range relayed {
		subs = append(subs, s.node.On(topic, func(ev bus.Event) {
			s.relay(typ, ev)
		}))
	}
	s.mu.Lock()
	s.subs = subs
	s.mu.Unlock()
}

func (s *Server) relay(typ string, ev bus.Event) {
	if s.Clients() == 0 {
		return
	}

	var payload any
	switch typ {
	case protocol.EnvelopeMessage:
		me, ok := ev.Payload.(bus.MessageEvent)
		if !ok || me.Message == nil {
			return
		}
		payload = me.Message
	case protocol.EnvelopeNotification:
		payload = Notification{Kind: ev.Topic, Event: ev.Payload}
	default:
		payload = ev.Payload
	}

	env, err := protocol.NewEnvelope(typ, "", payload)
	if err != nil {
		s.logger.Warn("failed to encode event", "topic", ev.Topic, "error", err)
		return
	}
	s.Publish(env)
}
