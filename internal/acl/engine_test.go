package acl

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riftproxy/socksentry/internal/codec"
)

func mustCompile(t *testing.T, raw RawConfig) *Config {
	t.Helper()
	cfg, err := Compile(raw)
	require.NoError(t, err)
	return cfg
}

func TestBlockAlwaysWinsOverAllow(t *testing.T) {
	raw := RawConfig{
		Global: GlobalSpec{DefaultPolicy: "allow"},
		Users: []UserSpec{{
			Name: "alice",
			Rules: []RuleSpec{
				{Action: "block", Description: "block admin", Destinations: []string{"admin.example.com"}, Ports: []string{"*"}, Priority: 1000},
				{Action: "allow", Description: "allow all", Destinations: []string{"*"}, Ports: []string{"*"}, Priority: 100},
			},
		}},
	}
	engine := NewEngine(mustCompile(t, raw))
	d := engine.Evaluate("alice", codec.AddressFromDomain("admin.example.com"), 443, ProtoTCP, nil)
	require.Equal(t, ActionBlock, d.Action)
}

func TestUnknownUserFallsThroughToDefault(t *testing.T) {
	raw := RawConfig{Global: GlobalSpec{DefaultPolicy: "block"}}
	engine := NewEngine(mustCompile(t, raw))
	d := engine.Evaluate("ghost", codec.AddressFromDomain("example.com"), 80, ProtoTCP, nil)
	require.Equal(t, ActionBlock, d.Action)
	require.Equal(t, "Default policy", d.RuleMatched)
}

func TestCaseInsensitiveGroupMatching(t *testing.T) {
	raw := RawConfig{
		Global: GlobalSpec{DefaultPolicy: "block"},
		Groups: []GroupSpec{{
			Name: "developers",
			Rules: []RuleSpec{
				{Action: "allow", Description: "dev allow", Destinations: []string{"*"}, Ports: []string{"*"}, Priority: 1},
			},
		}},
	}
	engine := NewEngine(mustCompile(t, raw))
	d1 := engine.Evaluate("bob", codec.AddressFromDomain("example.com"), 80, ProtoTCP, []string{"Developers"})
	d2 := engine.Evaluate("bob", codec.AddressFromDomain("example.com"), 80, ProtoTCP, []string{"developers"})
	require.Equal(t, d1.Action, d2.Action)
	require.Equal(t, ActionAllow, d1.Action)
}

func TestReloadWithInvalidConfigKeepsPrior(t *testing.T) {
	raw := RawConfig{Global: GlobalSpec{DefaultPolicy: "allow"}, Users: []UserSpec{{Name: "alice"}}}
	engine := NewEngine(mustCompile(t, raw))
	require.Equal(t, 1, engine.UserCount())

	bad := RawConfig{Global: GlobalSpec{DefaultPolicy: "not-a-policy"}}
	err := engine.Reload(bad)
	require.Error(t, err)
	require.Equal(t, 1, engine.UserCount())
}

func TestEmptyDestinationListMatchesNothing(t *testing.T) {
	raw := RawConfig{
		Global: GlobalSpec{DefaultPolicy: "block"},
		Users: []UserSpec{{
			Name: "alice",
			Rules: []RuleSpec{
				{Action: "allow", Description: "empty dest", Destinations: []string{}, Ports: []string{"*"}, Priority: 1},
			},
		}},
	}
	engine := NewEngine(mustCompile(t, raw))
	d := engine.Evaluate("alice", codec.AddressFromDomain("example.com"), 80, ProtoTCP, nil)
	require.Equal(t, ActionBlock, d.Action)
}

func TestDomainLiteralIPMatchesIPRule(t *testing.T) {
	raw := RawConfig{
		Global: GlobalSpec{DefaultPolicy: "block"},
		Users: []UserSpec{{
			Name: "alice",
			Rules: []RuleSpec{
				{Action: "allow", Description: "allow cidr", Destinations: []string{"10.0.0.0/8"}, Ports: []string{"*"}, Priority: 1},
			},
		}},
	}
	engine := NewEngine(mustCompile(t, raw))
	addr := codec.AddressFromDomain("10.1.2.3")
	d := engine.Evaluate("alice", addr, 80, ProtoTCP, nil)
	require.Equal(t, ActionAllow, d.Action)
}

func TestPortRangeInclusive(t *testing.T) {
	m, err := CompilePort("100-200")
	require.NoError(t, err)
	require.True(t, m.Match(100))
	require.True(t, m.Match(200))
	require.False(t, m.Match(99))
	require.False(t, m.Match(201))
}

func TestWildcardDomainNeverMatchesIP(t *testing.T) {
	m, err := CompileDestination("*.example.com")
	require.NoError(t, err)
	require.True(t, m.Match(codec.AddressFromDomain("foo.example.com")))
	require.False(t, m.Match(codec.AddressFromIP(net.IPv4(1, 2, 3, 4))))
}
