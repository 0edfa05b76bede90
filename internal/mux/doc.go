// Package mux spawns and supervises agent subprocesses.
//
// # Overview
//
// The Multiplexer owns every live agent process. It writes line-delimited
// JSON to each agent's stdin and reassembles stdout into typed messages:
//
//	m := mux.New(mux.Config{MaxAgents: 5, Command: "coven-agent"}, mux.ExecSpawner{}, node, logger)
//	id, err := m.Spawn(ctx, mux.SpawnOptions{Role: "coder"})
//
// Key operations:
//
//   - Spawn(ctx, opts): Start an agent, failing with ErrCapacityExceeded at the limit
//   - Send(id, input): Write one JSON line to the agent
//   - Broadcast(input): Send to every agent, tolerating individual failures
//   - Kill(id) / KillAll(): Terminate agents; unknown IDs are a no-op
//
// # Events
//
// The multiplexer emits on its bus node:
//
//   - agent:spawn after a process starts
//   - agent:exit once per process, after its output has drained
//   - agent:error when spawning, waiting or broadcasting fails
//   - agent:output for stderr lines and stdout lines that are not JSON objects
//   - message:send before each write to stdin
//   - message:receive for each complete JSON message on stdout
//
// # Capacity
//
// Processes that are starting count against MaxAgents, so concurrent Spawn
// calls cannot overshoot the limit. Kill frees the slot immediately.
package mux
