// ABOUTME: Bus handlers and router routes connecting agent output to the splitter, gate and peers
// ABOUTME: Defines the agent-side decision, human-request and peer-send line types

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/2389/coven-mux/internal/bus"
	"github.com/2389/coven-mux/internal/gate"
	"github.com/2389/coven-mux/internal/protocol"
	"github.com/2389/coven-mux/internal/router"
	"github.com/2389/coven-mux/internal/store"
)

// Agent output line types handled here. "decision" is protocol.TypeDecision.
const (
	TypeHumanRequest = "human-request"
	TypePeerSend     = "peer-send"
)

// Input types written back to agents.
const (
	InputDecisionResult = "decision-result"
	InputHumanResponse  = "human-response"
	InputQuery          = "query"
)

// Route topics registered on the router.
const (
	routeDecisions = "decisions"
	routeHuman     = "human"
	routePeers     = "peers"
	routeInspect   = "inspect"
)

// decisionLine is the agent's proposal for an action.
type decisionLine struct {
	Action      string          `json:"action"`
	Description string          `json:"description"`
	Confidence  *float64        `json:"confidence"`
	Priority    string          `json:"priority"`
	Context     json.RawMessage `json:"context"`
}

// humanRequestLine asks the human a question.
type humanRequestLine struct {
	RequestType string `json:"requestType"`
	Question    string `json:"question"`
	Priority    string `json:"priority"`
}

// peerSendLine asks the agent's peer node to message another node.
type peerSendLine struct {
	To      string `json:"to"`
	Content any    `json:"content"`
}

var anyMessage = regexp.MustCompile(`.`)

func (o *Orchestrator) installRoutes() error {
	routes := []struct {
		topic string
		route router.Route
	}{
		{routeDecisions, router.Route{Pattern: protocol.TypeDecision, Handler: router.HandlerFunc(o.handleDecision), Priority: 100}},
		{routeHuman, router.Route{Pattern: TypeHumanRequest, Handler: router.HandlerFunc(o.handleHumanRequest), Priority: 90}},
		{routePeers, router.Route{Pattern: TypePeerSend, Handler: router.HandlerFunc(o.handlePeerSend), Priority: 50}},
		{routeInspect, router.Route{Pattern: "notify", Match: anyMessage, Handler: router.HandlerFunc(o.handleInspect)}},
	}
	for _, r := range routes {
		if err := o.router.AddRoute(r.topic, r.route); err != nil {
			return fmt.Errorf("adding %s route: %w", r.topic, err)
		}
	}
	return nil
}

// onAgentMessage feeds every decoded agent message to the splitter and the router.
func (o *Orchestrator) onAgentMessage(ev bus.Event) {
	me, ok := ev.Payload.(bus.MessageEvent)
	if !ok || me.Message == nil {
		return
	}
	msg := *me.Message

	o.splitter.RouteMessage(msg)

	err := o.router.Route(router.Message{
		Topic:   string(msg.Kind),
		Type:    msg.Type,
		AgentID: msg.AgentID,
		Payload: msg,
	})
	if err != nil && !errors.Is(err, router.ErrRouterClosed) {
		o.logger.Warn("failed to route agent message", "agent_id", msg.AgentID, "error", err)
	}
}

func (o *Orchestrator) onAgentSpawn(ev bus.Event) {
	ae, ok := ev.Payload.(bus.AgentEvent)
	if !ok {
		return
	}
	if ae.Role != "" {
		applied, err := o.gate.ApplyRole(ae.AgentID, ae.Role)
		switch {
		case err != nil:
			o.logger.Warn("role policy rejected", "agent_id", ae.AgentID, "role", ae.Role, "error", err)
		case applied:
			o.logger.Debug("role policy applied", "agent_id", ae.AgentID, "role", ae.Role)
		}
	}
	o.logActivity(&store.Activity{
		AgentID: ae.AgentID,
		Kind:    store.ActivitySpawn,
		Action:  "spawn",
		Detail:  map[string]any{"pid": ae.PID, "role": ae.Role},
	})
}

func (o *Orchestrator) onAgentExit(ev bus.Event) {
	ae, ok := ev.Payload.(bus.AgentEvent)
	if !ok {
		return
	}
	o.splitter.DropAgent(ae.AgentID)
	o.gate.RemovePolicy(ae.AgentID)
	o.logActivity(&store.Activity{
		AgentID: ae.AgentID,
		Kind:    store.ActivityExit,
		Action:  "exit",
		Detail:  map[string]any{"exit_code": ae.ExitCode},
	})

	if e := o.takePeer(ae.AgentID); e != nil {
		o.goSupervised(ae.AgentID, "peer-leave", e.leave)
	}
}

// onAgentOutput checks raw and stderr lines against notify patterns.
func (o *Orchestrator) onAgentOutput(ev bus.Event) {
	ae, ok := ev.Payload.(bus.AgentEvent)
	if !ok || ae.Line == "" {
		return
	}
	o.gate.Inspect(ae.AgentID, ae.Line)
}

func agentMessage(msg router.Message) (protocol.AgentMessage, error) {
	am, ok := msg.Payload.(protocol.AgentMessage)
	if !ok {
		return protocol.AgentMessage{}, fmt.Errorf("unexpected payload %T", msg.Payload)
	}
	return am, nil
}

// handleDecision evaluates the proposal off the router goroutine and writes
// the result back to the agent.
func (o *Orchestrator) handleDecision(_ context.Context, msg router.Message) (any, error) {
	am, err := agentMessage(msg)
	if err != nil {
		return nil, err
	}
	var line decisionLine
	if err := am.Unmarshal(&line); err != nil {
		return nil, fmt.Errorf("decoding decision: %w", err)
	}
	if line.Action == "" {
		return nil, errors.New("decision without action")
	}

	d := gate.Decision{
		AgentID:     am.AgentID,
		Action:      line.Action,
		Description: line.Description,
		Confidence:  line.Confidence,
		Priority:    gate.Priority(line.Priority),
	}
	if len(line.Context) > 0 {
		d.Context = line.Context
	}

	o.goSupervised(am.AgentID, "decision", func(ctx context.Context) error {
		res, err := o.gate.Evaluate(ctx, d)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("evaluating %s: %w", d.Action, err)
		}
		return o.reply(am, protocol.Input{
			Type:    InputDecisionResult,
			Content: string(res.Outcome),
			Payload: res,
		})
	})
	return map[string]string{"action": line.Action, "status": "evaluating"}, nil
}

func (o *Orchestrator) handleHumanRequest(_ context.Context, msg router.Message) (any, error) {
	am, err := agentMessage(msg)
	if err != nil {
		return nil, err
	}
	var line humanRequestLine
	if err := am.Unmarshal(&line); err != nil {
		return nil, fmt.Errorf("decoding human request: %w", err)
	}

	o.goSupervised(am.AgentID, "human-request", func(ctx context.Context) error {
		resp, err := o.gate.RequestInput(ctx, am.AgentID, gate.RequestType(line.RequestType), line.Question, gate.Priority(line.Priority))
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return o.reply(am, protocol.Input{
			Type:    InputHumanResponse,
			Content: resp.Text,
			Payload: resp,
		})
	})
	return nil, nil
}

func (o *Orchestrator) handlePeerSend(_ context.Context, msg router.Message) (any, error) {
	am, err := agentMessage(msg)
	if err != nil {
		return nil, err
	}
	pa := o.Peer(am.AgentID)
	if pa == nil {
		return nil, fmt.Errorf("agent %s is not a peer", am.AgentID)
	}
	var line peerSendLine
	if err := am.Unmarshal(&line); err != nil {
		return nil, fmt.Errorf("decoding peer send: %w", err)
	}
	if line.To == "" {
		return nil, errors.New("peer send without target")
	}

	id, err := pa.SendToPeer(line.To, line.Content)
	if err != nil {
		return nil, err
	}
	return map[string]string{"messageId": id, "to": line.To}, nil
}

func (o *Orchestrator) handleInspect(_ context.Context, msg router.Message) (any, error) {
	am, err := agentMessage(msg)
	if err != nil {
		return nil, err
	}
	o.gate.Inspect(am.AgentID, am.Text())
	return nil, nil
}

// reply writes in to the agent that sent am, echoing its correlation id.
func (o *Orchestrator) reply(am protocol.AgentMessage, in protocol.Input) error {
	in.CorrelationID = am.CorrelationID
	if err := o.mux.Send(am.AgentID, in); err != nil {
		return fmt.Errorf("replying to %s: %w", am.AgentID, err)
	}
	return nil
}
