package acl

import (
	"fmt"
	"strings"
)

// RuleSpec is the TOML-decoded shape of one rule, before compilation.
type RuleSpec struct {
	Action       string   `toml:"action"`
	Description  string   `toml:"description"`
	Destinations []string `toml:"destinations"`
	Ports        []string `toml:"ports"`
	Protocols    string   `toml:"protocols"`
	Priority     uint32   `toml:"priority"`
}

type GroupSpec struct {
	Name  string     `toml:"name"`
	Rules []RuleSpec `toml:"rules"`
}

type UserSpec struct {
	Name  string     `toml:"name"`
	Rules []RuleSpec `toml:"rules"`
}

type GlobalSpec struct {
	DefaultPolicy string `toml:"default_policy"`
}

// RawConfig is the decoded ACL TOML document, as described in §6.
type RawConfig struct {
	Global GlobalSpec  `toml:"global"`
	Groups []GroupSpec `toml:"groups"`
	Users  []UserSpec  `toml:"users"`
}

// UserAcl and GroupAcl hold a pre-sorted compiled rule list.
type UserAcl struct {
	Rules []Rule
}

type GroupAcl struct {
	Rules []Rule
}

// Config is the compiled ACL document described in §3: default policy,
// per-user and per-group rule sets, plus a lowercased group index so
// per-LDAP-group matching is O(#user-groups) rather than
// O(#config-groups * #user-groups).
type Config struct {
	DefaultPolicy    Action
	Users            map[string]UserAcl
	Groups           map[string]GroupAcl
	GroupsLowercased map[string]GroupAcl
}

func compileAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "allow":
		return ActionAllow, nil
	case "block":
		return ActionBlock, nil
	default:
		return 0, fmt.Errorf("invalid action %q", s)
	}
}

func compileRuleSpec(spec RuleSpec) (Rule, error) {
	action, err := compileAction(spec.Action)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", spec.Description, err)
	}
	proto, err := parseProtocol(spec.Protocols)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", spec.Description, err)
	}
	dests := make([]DestMatcher, 0, len(spec.Destinations))
	for _, d := range spec.Destinations {
		m, err := CompileDestination(d)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %q: destination %q: %w", spec.Description, d, err)
		}
		dests = append(dests, m)
	}
	ports := make([]PortMatcher, 0, len(spec.Ports))
	for _, p := range spec.Ports {
		m, err := CompilePort(p)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %q: port %q: %w", spec.Description, p, err)
		}
		ports = append(ports, m)
	}
	return Rule{
		Action:       action,
		Destinations: dests,
		Ports:        ports,
		Protocols:    proto,
		Priority:     spec.Priority,
		Description:  spec.Description,
	}, nil
}

func compileRuleSpecs(specs []RuleSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, s := range specs {
		r, err := compileRuleSpec(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	sortRules(rules)
	return rules, nil
}

// Compile is total: any parse error anywhere fails the whole reload
// atomically, so the caller never installs a partially-compiled config.
func Compile(raw RawConfig) (*Config, error) {
	defaultPolicy, err := compileAction(raw.Global.DefaultPolicy)
	if err != nil {
		return nil, fmt.Errorf("global.default_policy: %w", err)
	}

	users := make(map[string]UserAcl, len(raw.Users))
	for _, u := range raw.Users {
		rules, err := compileRuleSpecs(u.Rules)
		if err != nil {
			return nil, fmt.Errorf("user %q: %w", u.Name, err)
		}
		users[u.Name] = UserAcl{Rules: rules}
	}

	groups := make(map[string]GroupAcl, len(raw.Groups))
	groupsLower := make(map[string]GroupAcl, len(raw.Groups))
	for _, g := range raw.Groups {
		rules, err := compileRuleSpecs(g.Rules)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", g.Name, err)
		}
		ga := GroupAcl{Rules: rules}
		groups[g.Name] = ga
		groupsLower[strings.ToLower(g.Name)] = ga
	}

	return &Config{
		DefaultPolicy:    defaultPolicy,
		Users:            users,
		Groups:           groups,
		GroupsLowercased: groupsLower,
	}, nil
}

func (c *Config) UserCount() int  { return len(c.Users) }
func (c *Config) GroupCount() int { return len(c.Groups) }
