package bridge

import (
	"strconv"
	"strings"
	"sync"

	"github.com/gear6io/polycall/pkg/errors"
)

// RoutingRule sends paths starting with SourcePattern to TargetEndpoint.
// Higher priority rules are consulted first.
type RoutingRule struct {
	SourcePattern  string `json:"source_pattern" yaml:"source_pattern"`
	TargetEndpoint string `json:"target_endpoint" yaml:"target_endpoint"`
	Priority       int    `json:"priority" yaml:"priority"`
}

func (r RoutingRule) matches(path string) bool {
	return strings.HasPrefix(path, r.SourcePattern)
}

// RoutingTable keeps rules sorted by descending priority. Among equal
// priorities the earlier rule stays first.
type RoutingTable struct {
	mu    sync.RWMutex
	rules []RoutingRule
}

func NewRoutingTable() *RoutingTable {
	return &RoutingTable{}
}

// Add inserts rule before the first rule with a strictly lower priority
func (t *RoutingTable) Add(rule RoutingRule) error {
	if rule.SourcePattern == "" || rule.TargetEndpoint == "" {
		return errors.New(errors.FFIInvalidParameters, "routing rule requires a source pattern and a target endpoint", nil)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	at := len(t.rules)
	for i, existing := range t.rules {
		if existing.Priority < rule.Priority {
			at = i
			break
		}
	}
	t.rules = append(t.rules, RoutingRule{})
	copy(t.rules[at+1:], t.rules[at:])
	t.rules[at] = rule
	return nil
}

// Remove deletes the rule matching source and target exactly. A missing
// rule is a warning.
func (t *RoutingTable) Remove(source, target string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, r := range t.rules {
		if r.SourcePattern == source && r.TargetEndpoint == target {
			t.rules = append(t.rules[:i], t.rules[i+1:]...)
			return nil
		}
	}
	return errors.New(errors.ProtocolRuleNotFound, "routing rule not found", nil).
		AddContext("source_pattern", source).
		AddContext("target_endpoint", target)
}

// Resolve returns the first rule whose source pattern prefixes path
func (t *RoutingTable) Resolve(path string) (RoutingRule, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, r := range t.rules {
		if r.matches(path) {
			return r, nil
		}
	}
	return RoutingRule{}, errors.New(errors.FFIInvalidParameters, "no routing rule matches path", nil).
		AddContext("path", path).
		AddContext("rules", strconv.Itoa(len(t.rules)))
}

// Rules returns a snapshot in evaluation order
func (t *RoutingTable) Rules() []RoutingRule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]RoutingRule(nil), t.rules...)
}

func (t *RoutingTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rules)
}
