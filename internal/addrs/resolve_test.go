package addrs

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riftproxy/socksentry/internal/codec"
)

func TestCandidatesLiteralIP(t *testing.T) {
	r := &Resolver{}
	out, err := r.Candidates(context.Background(), codec.AddressFromIP(net.IPv4(1, 1, 1, 1)), 53)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, 53, out[0].Port)
}

func TestCandidatesDomainLiteralIP(t *testing.T) {
	r := &Resolver{}
	out, err := r.Candidates(context.Background(), codec.AddressFromDomain("127.0.0.1"), 8080)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.True(t, out[0].IP.Equal(net.IPv4(127, 0, 0, 1)))
}
