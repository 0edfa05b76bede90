// Package orchestrator wires the coven-mux components onto one bus hub.
//
// Every decoded agent line arrives as message:receive. The orchestrator hands
// it to the stream splitter, which tracks logical streams and settles
// correlated responses, and to the router, whose routes send decisions to the
// human gate, questions to the human and peer-send lines to the agent's
// PeerAgent. Work that may block, such as waiting for an approval, runs on
// supervised goroutines so the router queue keeps draining. Their failures
// surface on agent:error.
//
// Query asks several agents the same question and returns whatever answers
// arrive before the timeout. Silence from some agents is not an error.
package orchestrator
