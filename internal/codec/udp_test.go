package codec

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDatagramRoundTrip(t *testing.T) {
	d := Datagram{
		Address: AddressFromIP(net.IPv4(8, 8, 8, 8)),
		Port:    53,
		Payload: []byte("hello"),
	}
	encoded := SerializeDatagram(d)
	decoded, err := ParseDatagram(encoded)
	require.NoError(t, err)
	require.Equal(t, d.Frag, decoded.Frag)
	require.Equal(t, d.Port, decoded.Port)
	require.Equal(t, d.Payload, decoded.Payload)
	require.True(t, net.IP(decoded.Address.IP).Equal(net.IPv4(8, 8, 8, 8)))
}

func TestDatagramRejectsFragmentation(t *testing.T) {
	pkt := []byte{0x00, 0x00, 0x01, 0x01, 127, 0, 0, 1, 0, 80}
	_, err := ParseDatagram(pkt)
	require.Error(t, err)
}

func TestDatagramDomainRoundTrip(t *testing.T) {
	d := Datagram{
		Address: AddressFromDomain("example.com"),
		Port:    443,
		Payload: []byte{0x01, 0x02, 0x03},
	}
	decoded, err := ParseDatagram(SerializeDatagram(d))
	require.NoError(t, err)
	require.Equal(t, "example.com", decoded.Address.Domain)
	require.Equal(t, d.Payload, decoded.Payload)
}

func TestDatagramTooShort(t *testing.T) {
	_, err := ParseDatagram([]byte{0x00, 0x00})
	require.Error(t, err)
}
