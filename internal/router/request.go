// ABOUTME: Request/reply over the bus: route:request envelopes answered on a per-request reply topic.
// ABOUTME: Each pending request settles exactly once, by reply or by timeout.

package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-mux/internal/bus"
)

// ErrRequestTimeout indicates no reply arrived before the request's deadline.
var ErrRequestTimeout = errors.New("request timed out")

// RemoteError is a failure reported by the node that handled a request.
type RemoteError struct {
	Topic   string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("request %s failed: %s", e.Topic, e.Message)
}

// RequestHandler answers requests registered with OnRequest.
type RequestHandler func(ctx context.Context, payload any) (any, error)

func replyTopic(id string) string {
	return "route:reply:" + id
}

// Request emits a route:request for topic and waits for its reply. A zero
// timeout uses the router's default.
func (r *Router) Request(ctx context.Context, topic string, payload any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = r.opts.RequestTimeout
	}

	id := uuid.New().String()
	reply := replyTopic(id)
	ch := make(chan bus.RouteEvent, 1)

	r.pendingMu.Lock()
	r.pending[id] = ch
	r.pendingMu.Unlock()

	sub := r.node.Once(reply, func(ev bus.Event) {
		if re, ok := ev.Payload.(bus.RouteEvent); ok {
			r.settle(id, re)
		}
	})
	defer r.node.Off(sub)

	r.node.Emit(bus.TopicRouteRequest, bus.RouteEvent{
		Topic:     topic,
		RequestID: id,
		ReplyTo:   reply,
		Payload:   payload,
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res bus.RouteEvent
	select {
	case res = <-ch:
	case <-timer.C:
		if !r.abandon(id) {
			res = <-ch
			break
		}
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, topic, timeout)
	case <-ctx.Done():
		if !r.abandon(id) {
			res = <-ch
			break
		}
		return nil, ctx.Err()
	}

	if !res.Success {
		if res.Error == ErrRouterClosed.Error() {
			return nil, ErrRouterClosed
		}
		return nil, &RemoteError{Topic: topic, Message: res.Error}
	}
	return res.Result, nil
}

// settle resolves a pending request. Only the caller that removes the entry
// may send on its channel.
func (r *Router) settle(id string, res bus.RouteEvent) bool {
	r.pendingMu.Lock()
	ch, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.pendingMu.Unlock()

	if !ok {
		return false
	}
	ch <- res
	return true
}

// abandon removes a pending request. It returns false if a reply already
// claimed it.
func (r *Router) abandon(id string) bool {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if _, ok := r.pending[id]; !ok {
		return false
	}
	delete(r.pending, id)
	return true
}

// PendingRequests returns the number of requests awaiting replies.
func (r *Router) PendingRequests() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}

// OnRequest answers route:request events for topic with handler. Handlers run
// on their own goroutine and reply with {result, success:true} or
// {error, success:false}. The returned subscription can be passed to Off.
func (r *Router) OnRequest(ctx context.Context, topic string, handler RequestHandler) bus.Subscription {
	return r.node.On(bus.TopicRouteRequest, func(ev bus.Event) {
		req, ok := ev.Payload.(bus.RouteEvent)
		if !ok || req.Topic != topic || req.ReplyTo == "" {
			return
		}
		go r.answer(ctx, req, handler)
	})
}

// Off removes a subscription returned by OnRequest.
func (r *Router) Off(sub bus.Subscription) {
	r.node.Off(sub)
}

func (r *Router) answer(ctx context.Context, req bus.RouteEvent, handler RequestHandler) {
	result, err := func() (result any, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("handler panicked: %v", p)
			}
		}()
		return handler(ctx, req.Payload)
	}()

	reply := bus.RouteEvent{Topic: req.Topic, RequestID: req.RequestID}
	if err != nil {
		r.logger.Warn("request handler failed", "topic", req.Topic, "request_id", req.RequestID, "error", err)
		reply.Error = err.Error()
	} else {
		reply.Result = result
		reply.Success = true
	}
	r.node.Emit(req.ReplyTo, reply)
}
