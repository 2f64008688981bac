package acl

import (
	"net"
	"regexp"
	"strings"

	"golang.org/x/net/idna"

	"github.com/riftproxy/socksentry/internal/codec"
)

// Protocol is the rule-matching protocol axis; Both overlaps everything.
type Protocol int

const (
	ProtoTCP Protocol = iota
	ProtoUDP
	ProtoBoth
)

func (p Protocol) Overlaps(other Protocol) bool {
	return p == ProtoBoth || other == ProtoBoth || p == other
}

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoBoth:
		return "both"
	default:
		return "unknown"
	}
}

// Action is a rule's or the default policy's disposition.
type Action int

const (
	ActionAllow Action = iota
	ActionBlock
)

func (a Action) String() string {
	if a == ActionBlock {
		return "block"
	}
	return "allow"
}

// normalizeDomain lowercases and, where possible, converts a Unicode
// domain to its ASCII (punycode) form before comparison, so real-world
// IDN hosts match the same rule as their ASCII equivalent.
func normalizeDomain(s string) string {
	if ascii, err := idna.Lookup.ToASCII(s); err == nil {
		return strings.ToLower(ascii)
	}
	return strings.ToLower(s)
}

// destKind tags the five destination matcher variants from the data
// model. A tagged struct is used instead of an interface-per-kind so
// compilation decides the tag once and hot evaluation is a branch.
type destKind int

const (
	destMatchAll destKind = iota
	destIP
	destCIDR
	destExactDomain
	destWildcardDomain
)

type DestMatcher struct {
	kind     destKind
	ip       net.IP
	cidr     *net.IPNet
	exact    string // already lowercased/normalized
	wildcard *regexp.Regexp
}

// Match implements the address match semantics of §4.2: MatchAll
// matches anything; Ip/Cidr additionally promote a Domain that parses
// as a literal IP; ExactDomain compares case-insensitively;
// WildcardDomain never matches an IP.
func (m DestMatcher) Match(addr codec.Address) bool {
	switch m.kind {
	case destMatchAll:
		return true
	case destIP:
		ip, ok := addr.AsIP()
		return ok && ip.Equal(m.ip)
	case destCIDR:
		ip, ok := addr.AsIP()
		return ok && m.cidr.Contains(ip)
	case destExactDomain:
		if addr.Type != codec.ATYPDomain {
			return false
		}
		return normalizeDomain(addr.Domain) == m.exact
	case destWildcardDomain:
		if addr.Type != codec.ATYPDomain {
			return false
		}
		return m.wildcard.MatchString(normalizeDomain(addr.Domain))
	default:
		return false
	}
}

type portKind int

const (
	portAny portKind = iota
	portSingle
	portRange
	portSet
)

type PortMatcher struct {
	kind   portKind
	single uint16
	start  uint16
	end    uint16
	set    map[uint16]struct{}
}

// Match implements Range as inclusive on both ends and Set as an
// unordered membership test.
func (m PortMatcher) Match(port uint16) bool {
	switch m.kind {
	case portAny:
		return true
	case portSingle:
		return port == m.single
	case portRange:
		return port >= m.start && port <= m.end
	case portSet:
		_, ok := m.set[port]
		return ok
	default:
		return false
	}
}
