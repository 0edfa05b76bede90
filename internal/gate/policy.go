// ABOUTME: Agent policies for the human gate: autonomy level, approval-required actions, notify keywords
// ABOUTME: Policies are last-writer-wins per agent; role templates seed policies for new agents

package gate

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Autonomy controls how much of an agent's activity needs a human.
type Autonomy string

const (
	// AutonomyFull skips low-confidence reviews. Approval-required actions still block.
	AutonomyFull Autonomy = "full"
	// AutonomySupervised blocks approval-required actions and reviews low-confidence ones.
	AutonomySupervised Autonomy = "supervised"
	// AutonomyManual blocks on every action.
	AutonomyManual Autonomy = "manual"
)

// ParseAutonomy validates an autonomy name. Empty input yields def.
func ParseAutonomy(s string, def Autonomy) (Autonomy, error) {
	switch a := Autonomy(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return def, nil
	case AutonomyFull, AutonomySupervised, AutonomyManual:
		return a, nil
	default:
		return "", fmt.Errorf("unknown autonomy level %q", s)
	}
}

// Policy is the gate configuration for one agent.
type Policy struct {
	AgentID             string   `json:"agentId"`
	Autonomy            Autonomy `json:"autonomy"`
	RequiresApprovalFor []string `json:"requiresApprovalFor,omitempty"`
	NotifyFor           []string `json:"notifyFor,omitempty"`
}

// RequiresApproval reports whether action is on the approval list.
func (p Policy) RequiresApproval(action string) bool {
	return slices.Contains(p.RequiresApprovalFor, action)
}

// compiledPolicy caches the notify patterns of a Policy.
type compiledPolicy struct {
	Policy
	notify []notifyPattern
}

type notifyPattern struct {
	keyword string
	re      *regexp.Regexp
}

// compile builds the notify matchers. Patterns are case-insensitive regular
// expressions; a pattern that does not compile matches literally.
func compile(p Policy) compiledPolicy {
	cp := compiledPolicy{Policy: p}
	for _, kw := range p.NotifyFor {
		if kw == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + kw)
		if err != nil {
			re = regexp.MustCompile("(?i)" + regexp.QuoteMeta(kw))
		}
		cp.notify = append(cp.notify, notifyPattern{keyword: kw, re: re})
	}
	return cp
}

// matches returns the notify keywords found in text, in policy order.
func (cp compiledPolicy) matches(text string) []string {
	var hits []string
	for _, n := range cp.notify {
		if n.re.MatchString(text) {
			hits = append(hits, n.keyword)
		}
	}
	return hits
}

func clonePolicy(p Policy) Policy {
	p.RequiresApprovalFor = slices.Clone(p.RequiresApprovalFor)
	p.NotifyFor = slices.Clone(p.NotifyFor)
	return p
}
