// Package router dispatches messages to prioritized handlers and provides
// request/reply over the event bus.
//
// Routes are grouped by topic and ordered by priority, highest first. A route
// matches a message when its pattern equals the message's topic or type, or
// when its regular expression matches the message's JSON encoding. Run drains
// queued messages one at a time; all matching handlers for a message run
// concurrently and the next message waits for them.
//
// Request emits route:request with a fresh ID and waits on a per-request reply
// topic. OnRequest answers such requests for one topic.
package router
