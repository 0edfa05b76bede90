// ABOUTME: TOML policy file loading and fsnotify-based hot reload for the human gate
// ABOUTME: A failed reload keeps the previous policies and logs the error

package gate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// PolicyFile is the on-disk gate policy:
//
//	default_autonomy = "supervised"
//	confidence_threshold = 0.75
//
//	[roles.developer]
//	autonomy = "supervised"
//	requires_approval_for = ["deploy", "delete_branch"]
//	notify_for = ["(?i)panic", "error"]
//
//	[agents.coder]
//	autonomy = "manual"
type PolicyFile struct {
	DefaultAutonomy     string                `toml:"default_autonomy"`
	ConfidenceThreshold float64               `toml:"confidence_threshold"`
	Roles               map[string]PolicySpec `toml:"roles"`
	Agents              map[string]PolicySpec `toml:"agents"`
}

// PolicySpec is one policy entry in a PolicyFile.
type PolicySpec struct {
	Autonomy            string   `toml:"autonomy"`
	RequiresApprovalFor []string `toml:"requires_approval_for"`
	NotifyFor           []string `toml:"notify_for"`
}

func (s PolicySpec) policy(agentID string) Policy {
	return Policy{
		AgentID:             agentID,
		Autonomy:            Autonomy(s.Autonomy),
		RequiresApprovalFor: s.RequiresApprovalFor,
		NotifyFor:           s.NotifyFor,
	}
}

// LoadPolicyFile reads and validates a TOML policy file.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	var pf PolicyFile
	if _, err := toml.Decode(string(data), &pf); err != nil {
		return nil, fmt.Errorf("parsing policy file: %w", err)
	}

	if _, err := ParseAutonomy(pf.DefaultAutonomy, AutonomySupervised); err != nil {
		return nil, fmt.Errorf("default_autonomy: %w", err)
	}
	if pf.ConfidenceThreshold < 0 || pf.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("confidence_threshold must be between 0 and 1, got %v", pf.ConfidenceThreshold)
	}
	for name, spec := range pf.Roles {
		if _, err := ParseAutonomy(spec.Autonomy, AutonomySupervised); err != nil {
			return nil, fmt.Errorf("roles.%s: %w", name, err)
		}
	}
	for id, spec := range pf.Agents {
		if _, err := ParseAutonomy(spec.Autonomy, AutonomySupervised); err != nil {
			return nil, fmt.Errorf("agents.%s: %w", id, err)
		}
	}
	return &pf, nil
}

// ApplyPolicyFile merges pf into the coordinator: defaults first, then role
// templates, then per-agent policies (last writer wins).
func (c *Coordinator) ApplyPolicyFile(pf *PolicyFile) error {
	if pf.DefaultAutonomy != "" {
		a, err := ParseAutonomy(pf.DefaultAutonomy, AutonomySupervised)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.defaultAutonomy = a
		c.mu.Unlock()
	}
	if pf.ConfidenceThreshold > 0 {
		c.SetThreshold(pf.ConfidenceThreshold)
	}
	for name, spec := range pf.Roles {
		c.SetRole(name, spec.policy(""))
	}

	ids := make([]string, 0, len(pf.Agents))
	for id := range pf.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := c.SetPolicy(pf.Agents[id].policy(id)); err != nil {
			return fmt.Errorf("agents.%s: %w", id, err)
		}
	}
	return nil
}

// ReloadPolicyFile loads path and applies it.
func (c *Coordinator) ReloadPolicyFile(path string) error {
	pf, err := LoadPolicyFile(path)
	if err != nil {
		return err
	}
	if err := c.ApplyPolicyFile(pf); err != nil {
		return err
	}
	c.logger.Info("policy file loaded", "path", path, "roles", len(pf.Roles), "agents", len(pf.Agents))
	return nil
}

// WatchPolicyFile loads path, then reapplies it whenever it changes until
// ctx is done. The parent directory is watched so editors that replace the
// file by rename are picked up.
func (c *Coordinator) WatchPolicyFile(ctx context.Context, path string) error {
	path = filepath.Clean(path)
	if err := c.ReloadPolicyFile(path); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating policy watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watching policy directory: %w", err)
	}

	go c.watchLoop(ctx, w, path)
	return nil
}

func (c *Coordinator) watchLoop(ctx context.Context, w *fsnotify.Watcher, path string) {
	defer func() { _ = w.Close() }()

	debounce := time.NewTimer(reloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			debounce.Stop()
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(reloadDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			c.logger.Warn("policy watcher error", "path", path, "error", err)
		case <-debounce.C:
			if err := c.ReloadPolicyFile(path); err != nil {
				c.logger.Warn("policy reload failed, keeping previous policies", "path", path, "error", err)
			}
		}
	}
}
