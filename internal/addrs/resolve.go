// Package addrs resolves a SOCKS5 request address into an ordered list
// of dial candidates, IPv6 first.
package addrs

import (
	"context"
	"net"
	"sort"

	appErr "github.com/riftproxy/socksentry/pkg/errors"

	"github.com/riftproxy/socksentry/internal/codec"
)

// Resolver looks up dial candidates for a codec.Address. The zero value
// uses net.DefaultResolver.
type Resolver struct {
	net.Resolver
}

// Candidates returns socket addresses to try, in order, IPv6 first.
// Literal IPv4/IPv6 addresses resolve to themselves with no lookup.
func (r *Resolver) Candidates(ctx context.Context, addr codec.Address, port uint16) ([]net.TCPAddr, error) {
	switch addr.Type {
	case codec.ATYPIPv4, codec.ATYPIPv6:
		return []net.TCPAddr{{IP: addr.IP, Port: int(port)}}, nil
	case codec.ATYPDomain:
		if ip := net.ParseIP(addr.Domain); ip != nil {
			return []net.TCPAddr{{IP: ip, Port: int(port)}}, nil
		}
		ips, err := r.LookupIPAddr(ctx, addr.Domain)
		if err != nil {
			return nil, appErr.Wrap(appErr.CodeHostUnreachable, "resolve domain", err)
		}
		if len(ips) == 0 {
			return nil, appErr.New(appErr.CodeHostUnreachable, "domain resolved to no addresses")
		}
		sort.SliceStable(ips, func(i, j int) bool {
			return isV6(ips[i].IP) && !isV6(ips[j].IP)
		})
		out := make([]net.TCPAddr, 0, len(ips))
		for _, ip := range ips {
			out = append(out, net.TCPAddr{IP: ip.IP, Port: int(port)})
		}
		return out, nil
	default:
		return nil, appErr.New(appErr.CodeUnsupportedAddressType, "unsupported address type")
	}
}

func isV6(ip net.IP) bool {
	return ip.To4() == nil
}
