// Package peer connects agent subprocesses to each other over the event bus.
//
// A PeerAgent fronts one agent. It announces itself on peer:announce, learns
// about other nodes from their announcements, and answers every broadcast
// announcement with a directed one so late joiners discover existing nodes.
// Messages are at-most-once; receivers drop repeated message IDs. Requests are
// forwarded to the subprocess and answered when it replies with the same
// correlation ID. A request nobody answers resolves to nil.
//
// Registry keeps a last-seen table of peers for operators and expires peers
// that stop heartbeating.
package peer
