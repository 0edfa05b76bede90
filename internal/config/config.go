// ABOUTME: Configuration loading and parsing for coven-mux
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted by ResolvePath.
const EnvConfigPath = "COVEN_MUX_CONFIG"

// Autonomy levels accepted in gate configuration.
var validAutonomy = []string{"full", "supervised", "manual"}

// Config represents the complete coven-mux configuration
type Config struct {
	Mux      MuxConfig      `yaml:"mux"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Gate     GateConfig     `yaml:"gate"`
	Registry RegistryConfig `yaml:"registry"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// MuxConfig holds the agent process settings
type MuxConfig struct {
	MaxAgents int               `yaml:"max_agents"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	Agents    []AgentSpec       `yaml:"agents"` // started by `serve`

	KillGrace    time.Duration `yaml:"-"`
	KillGraceRaw string        `yaml:"kill_grace"`
}

// AgentSpec describes an agent started at boot
type AgentSpec struct {
	ID           string   `yaml:"id"`
	Role         string   `yaml:"role"`
	Args         []string `yaml:"args"`
	Capabilities []string `yaml:"capabilities"`
	Peer         bool     `yaml:"peer"` // join the peer network
}

// TimeoutsConfig holds the bounds on every awaited operation
type TimeoutsConfig struct {
	DemuxResponse time.Duration `yaml:"-"`
	PeerRequest   time.Duration `yaml:"-"`
	RouterRequest time.Duration `yaml:"-"`
	Approval      time.Duration `yaml:"-"`
	Query         time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	DemuxResponseRaw string `yaml:"demux_response"`
	PeerRequestRaw   string `yaml:"peer_request"`
	RouterRequestRaw string `yaml:"router_request"`
	ApprovalRaw      string `yaml:"approval"`
	QueryRaw         string `yaml:"query"`
}

// GateConfig holds human-gate policy defaults
type GateConfig struct {
	ConfidenceThreshold float64               `yaml:"confidence_threshold"`
	DefaultAutonomy     string                `yaml:"default_autonomy"`
	PolicyFile          string                `yaml:"policy_file"`
	Roles               map[string]RolePolicy `yaml:"roles"`
}

// RolePolicy is the policy template applied to agents spawned with a role
type RolePolicy struct {
	Autonomy            string   `yaml:"autonomy"`
	RequiresApprovalFor []string `yaml:"requires_approval_for"`
	NotifyFor           []string `yaml:"notify_for"`
}

// RegistryConfig holds peer registry timing
type RegistryConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	Expiry            time.Duration `yaml:"-"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	ExpiryRaw            string `yaml:"expiry"`
}

// BridgeConfig holds the websocket UI bridge settings
type BridgeConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	JWTSecret      string        `yaml:"jwt_secret"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	StatsInterval  time.Duration `yaml:"-"`

	StatsIntervalRaw string `yaml:"stats_interval"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"` // empty disables the audit store
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration from memory.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// ResolvePath picks the config file: the explicit flag value, then
// $COVEN_MUX_CONFIG, then $XDG_CONFIG_HOME/coven/mux.yaml (or
// ~/.config/coven/mux.yaml). It returns "" when none exists.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}

	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	p := filepath.Join(dir, "coven", "mux.yaml")
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Mux.MaxAgents == 0 {
		cfg.Mux.MaxAgents = 5
	}
	if cfg.Mux.Command == "" {
		cfg.Mux.Command = "coven-agent"
	}
	if cfg.Mux.KillGrace == 0 {
		cfg.Mux.KillGrace = 5 * time.Second
	}

	for _, d := range []*time.Duration{
		&cfg.Timeouts.DemuxResponse,
		&cfg.Timeouts.PeerRequest,
		&cfg.Timeouts.RouterRequest,
		&cfg.Timeouts.Approval,
	} {
		if *d == 0 {
			*d = 30 * time.Second
		}
	}
	if cfg.Timeouts.Query == 0 {
		cfg.Timeouts.Query = 10 * time.Second
	}

	if cfg.Gate.ConfidenceThreshold == 0 {
		cfg.Gate.ConfidenceThreshold = 0.8
	}
	if cfg.Gate.DefaultAutonomy == "" {
		cfg.Gate.DefaultAutonomy = "supervised"
	}

	if cfg.Registry.HeartbeatInterval == 0 {
		cfg.Registry.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Registry.Expiry == 0 {
		cfg.Registry.Expiry = 90 * time.Second
	}

	if cfg.Bridge.Addr == "" {
		cfg.Bridge.Addr = "127.0.0.1:7777"
	}
	if cfg.Bridge.StatsInterval == 0 {
		cfg.Bridge.StatsInterval = 5 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Mux.MaxAgents < 1 {
		return fmt.Errorf("mux.max_agents must be at least 1, got %d", c.Mux.MaxAgents)
	}
	if c.Mux.Command == "" {
		return fmt.Errorf("mux.command is required")
	}

	seen := make(map[string]bool, len(c.Mux.Agents))
	for i, a := range c.Mux.Agents {
		if a.ID == "" {
			return fmt.Errorf("mux.agents[%d].id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("mux.agents[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
	}
	if len(c.Mux.Agents) > c.Mux.MaxAgents {
		return fmt.Errorf("mux.agents lists %d agents but max_agents is %d", len(c.Mux.Agents), c.Mux.MaxAgents)
	}

	if c.Gate.ConfidenceThreshold < 0 || c.Gate.ConfidenceThreshold > 1 {
		return fmt.Errorf("gate.confidence_threshold must be between 0 and 1, got %v", c.Gate.ConfidenceThreshold)
	}
	if !slices.Contains(validAutonomy, c.Gate.DefaultAutonomy) {
		return fmt.Errorf("gate.default_autonomy %q must be one of %v", c.Gate.DefaultAutonomy, validAutonomy)
	}
	for role, p := range c.Gate.Roles {
		if p.Autonomy != "" && !slices.Contains(validAutonomy, p.Autonomy) {
			return fmt.Errorf("gate.roles.%s.autonomy %q must be one of %v", role, p.Autonomy, validAutonomy)
		}
	}

	if c.Bridge.Enabled {
		if c.Bridge.Addr == "" {
			return fmt.Errorf("bridge.addr is required when the bridge is enabled")
		}
		if len(c.Bridge.JWTSecret) < 32 {
			return fmt.Errorf("bridge.jwt_secret must be at least 32 bytes")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"mux.kill_grace", cfg.Mux.KillGraceRaw, &cfg.Mux.KillGrace},
		{"timeouts.demux_response", cfg.Timeouts.DemuxResponseRaw, &cfg.Timeouts.DemuxResponse},
		{"timeouts.peer_request", cfg.Timeouts.PeerRequestRaw, &cfg.Timeouts.PeerRequest},
		{"timeouts.router_request", cfg.Timeouts.RouterRequestRaw, &cfg.Timeouts.RouterRequest},
		{"timeouts.approval", cfg.Timeouts.ApprovalRaw, &cfg.Timeouts.Approval},
		{"timeouts.query", cfg.Timeouts.QueryRaw, &cfg.Timeouts.Query},
		{"registry.heartbeat_interval", cfg.Registry.HeartbeatIntervalRaw, &cfg.Registry.HeartbeatInterval},
		{"registry.expiry", cfg.Registry.ExpiryRaw, &cfg.Registry.Expiry},
		{"bridge.stats_interval", cfg.Bridge.StatsIntervalRaw, &cfg.Bridge.StatsInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
