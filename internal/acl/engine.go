// Package acl implements the policy engine: compiled priority-ordered
// rules, group-aware evaluation, hot reload, and decision stats.
package acl

import (
	"strings"
	"sync"
	"time"

	"github.com/riftproxy/socksentry/internal/codec"
	"github.com/riftproxy/socksentry/pkg/logger"
)

// Engine holds the compiled ACL config behind a reader-writer lock,
// swapped atomically on reload — the lock is held only long enough to
// clone the handle, per the ownership model in §3.
type Engine struct {
	mu     sync.RWMutex
	config *Config
	stats  *Stats
	log    *logger.Logger
}

func NewEngine(cfg *Config) *Engine {
	return &Engine{config: cfg, stats: newStats(), log: logger.Named("acl")}
}

// Decision is the outcome of Evaluate: the action taken and the
// description of the rule (or default policy) responsible.
type Decision struct {
	Action      Action
	RuleMatched string
}

// Evaluate runs the decision walk of §4.2: collect the user's own
// rules, extend with each matching runtime group's rules (looked up
// case-insensitively), sort Block-first/priority-descending, and take
// the first match. An unknown user or no match falls through to the
// default policy.
func (e *Engine) Evaluate(user string, addr codec.Address, port uint16, proto Protocol, groups []string) Decision {
	e.mu.RLock()
	cfg := e.config
	e.mu.RUnlock()

	combined := cfg.Users[user].Rules
	for _, g := range groups {
		if ga, ok := cfg.GroupsLowercased[strings.ToLower(g)]; ok {
			combined = mergeSorted(combined, ga.Rules)
		}
	}

	var decision Decision
	matched := false
	for _, r := range combined {
		if r.Matches(addr, port, proto) {
			decision = Decision{Action: r.Action, RuleMatched: r.Description}
			matched = true
			break
		}
	}
	if !matched {
		decision = Decision{Action: cfg.DefaultPolicy, RuleMatched: "Default policy"}
	}

	e.stats.record(user, decision.Action)
	return decision
}

// Reload validates and compiles raw, then swaps it in behind the
// writer lock. A failed compile never mutates the engine. Exceeding
// 100ms is logged as a warning, not treated as an error.
func (e *Engine) Reload(raw RawConfig) error {
	start := time.Now()
	cfg, err := Compile(raw)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.config = cfg
	e.mu.Unlock()

	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		e.log.Warn("acl reload exceeded target latency", "elapsed", elapsed)
	}
	return nil
}

func (e *Engine) UserCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config.UserCount()
}

func (e *Engine) GroupCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config.GroupCount()
}

func (e *Engine) Stats() Snapshot {
	return e.stats.Snapshot()
}
