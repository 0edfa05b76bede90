// ABOUTME: Query fans a question out to several agents and collects whatever answers arrive in time
// ABOUTME: Also answers "mux:query" router requests so other bus nodes can query without a reference

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-mux/internal/protocol"
)

// TopicQuery is the router request topic served by answerQuery.
const TopicQuery = "mux:query"

// DefaultQueryTimeout bounds a query when neither the caller nor the config sets one.
const DefaultQueryTimeout = 10 * time.Second

// ErrNoAgents indicates a query had nobody to ask.
var ErrNoAgents = errors.New("no agents to query")

// QueryRequest is the payload accepted on TopicQuery.
type QueryRequest struct {
	Content  string        `json:"content"`
	AgentIDs []string      `json:"agentIds,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

// QueryResult is one agent's answer.
type QueryResult struct {
	AgentID       string          `json:"agentId"`
	CorrelationID string          `json:"correlationId"`
	Kind          protocol.Kind   `json:"kind"`
	Text          string          `json:"text,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Latency       time.Duration   `json:"latency"`
}

// Query sends content to agentIDs (every live agent when empty) and waits up
// to timeout for their responses. Agents that fail to answer in time are left
// out of the result; a partial collection is not an error.
func (o *Orchestrator) Query(ctx context.Context, content string, agentIDs []string, timeout time.Duration) ([]QueryResult, error) {
	if len(agentIDs) == 0 {
		for _, info := range o.mux.List() {
			agentIDs = append(agentIDs, info.ID)
		}
	}
	if len(agentIDs) == 0 {
		return nil, ErrNoAgents
	}
	if timeout <= 0 {
		timeout = o.cfg.Timeouts.Query
	}
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		results []QueryResult
		wg      sync.WaitGroup
	)
	start := time.Now()

	for _, id := range agentIDs {
		corr := uuid.New().String()
		w, err := o.splitter.Expect(corr)
		if err != nil {
			return nil, fmt.Errorf("registering query waiter: %w", err)
		}
		err = o.mux.Send(id, protocol.Input{
			Type:          InputQuery,
			Content:       content,
			CorrelationID: corr,
			From:          NodeID,
		})
		if err != nil {
			w.Cancel()
			o.logger.Warn("query not delivered", "agent_id", id, "error", err)
			continue
		}

		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			msg, err := w.Wait(ctx)
			if err != nil {
				o.logger.Debug("query unanswered", "agent_id", agentID, "correlation_id", corr, "error", err)
				return
			}
			mu.Lock()
			results = append(results, QueryResult{
				AgentID:       agentID,
				CorrelationID: corr,
				Kind:          msg.Kind,
				Text:          msg.Text(),
				Payload:       msg.Payload,
				Latency:       time.Since(start),
			})
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].AgentID < results[j].AgentID })
	o.logger.Info("query collected",
		"asked", len(agentIDs),
		"answered", len(results),
		"duration", time.Since(start),
	)
	return results, nil
}

// answerQuery serves TopicQuery requests. The payload is a QueryRequest, a
// pointer to one, or a plain string.
func (o *Orchestrator) answerQuery(ctx context.Context, payload any) (any, error) {
	var req QueryRequest
	switch p := payload.(type) {
	case QueryRequest:
		req = p
	case *QueryRequest:
		if p == nil {
			return nil, errors.New("nil query")
		}
		req = *p
	case string:
		req.Content = p
	default:
		return nil, fmt.Errorf("unsupported query payload %T", payload)
	}
	return o.Query(ctx, req.Content, req.AgentIDs, req.Timeout)
}
