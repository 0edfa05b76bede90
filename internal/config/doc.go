// Package config handles configuration loading for coven-mux.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion. Every field has a default, so an empty file is valid.
//
// # Configuration File
//
// ResolvePath picks the file in this order:
//
//  1. The --config flag
//  2. Path from COVEN_MUX_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/mux.yaml (or ~/.config/coven/mux.yaml)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	bridge:
//	  jwt_secret: "${COVEN_MUX_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
// Agents:
//
//	mux:
//	  max_agents: 5
//	  command: "coven-agent"
//	  args: ["--stdio"]
//	  kill_grace: "5s"
//	  agents:
//	    - id: "coder"
//	      role: "developer"
//	      capabilities: ["code"]
//	      peer: true
//
// Timeouts (Go duration syntax):
//
//	timeouts:
//	  demux_response: "30s"
//	  peer_request: "30s"
//	  router_request: "30s"
//	  approval: "30s"
//	  query: "10s"
//
// Human gate:
//
//	gate:
//	  confidence_threshold: 0.8
//	  default_autonomy: "supervised"   # full, supervised, manual
//	  policy_file: "~/.config/coven/policy.toml"
//	  roles:
//	    developer:
//	      autonomy: "supervised"
//	      requires_approval_for: ["deploy"]
//	      notify_for: ["push"]
//
// Peer registry, UI bridge, audit database and logging:
//
//	registry:
//	  heartbeat_interval: "30s"
//	  expiry: "90s"
//	bridge:
//	  enabled: true
//	  addr: "127.0.0.1:7777"
//	  jwt_secret: "${COVEN_MUX_JWT_SECRET}"
//	database:
//	  path: "/var/lib/coven/mux.db"
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load validates agent capacity against the startup agent list, the
// confidence threshold range, autonomy values, the bridge JWT secret
// length (32 bytes minimum) and logging values. Durations must be positive.
package config
