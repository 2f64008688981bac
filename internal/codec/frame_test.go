package codec

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseGreetingRejectsBadVersion(t *testing.T) {
	_, err := ParseGreeting(bytes.NewReader([]byte{0x04, 0x01, 0x00}))
	require.Error(t, err)
}

func TestParseGreetingRejectsZeroMethods(t *testing.T) {
	_, err := ParseGreeting(bytes.NewReader([]byte{0x05, 0x00}))
	require.Error(t, err)
}

func TestParseGreetingOK(t *testing.T) {
	g, err := ParseGreeting(bytes.NewReader([]byte{0x05, 0x02, 0x00, 0x02}))
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x02}, g.Methods)
}

func TestSelectMethod(t *testing.T) {
	require.Equal(t, MethodNoAuth, SelectMethod([]byte{0x00, 0x02}, MethodUserPass, true))
	require.Equal(t, MethodUserPass, SelectMethod([]byte{0x02}, MethodUserPass, true))
	require.Equal(t, MethodNoAccept, SelectMethod([]byte{0x01}, MethodUserPass, false))
}

func TestParseUserPassAuthAllowsEmptyFields(t *testing.T) {
	buf := []byte{0x01, 0x00, 0x00}
	a, err := ParseUserPassAuth(bytes.NewReader(buf))
	require.NoError(t, err)
	require.Empty(t, a.Username)
	require.Empty(t, a.Password)
}

func TestParseRequestRejectsUnsupportedCommand(t *testing.T) {
	buf := []byte{0x05, 0x09, 0x00, 0x01, 127, 0, 0, 1, 0, 80}
	_, err := ParseRequest(bytes.NewReader(buf))
	require.Error(t, err)
}

func TestParseRequestRejectsUnsupportedAddressType(t *testing.T) {
	buf := []byte{0x05, 0x01, 0x00, 0x09}
	_, err := ParseRequest(bytes.NewReader(buf))
	require.Error(t, err)
}

func TestParseRequestConnectIPv4(t *testing.T) {
	buf := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0, 80}
	req, err := ParseRequest(bytes.NewReader(buf))
	require.NoError(t, err)
	require.Equal(t, CmdConnect, req.Command)
	require.Equal(t, uint16(80), req.Port)
	require.True(t, net.IP(req.Address.IP).Equal(net.IPv4(127, 0, 0, 1)))
}

func TestParseRequestDomainAllowsEmpty(t *testing.T) {
	buf := []byte{0x05, 0x01, 0x00, 0x03, 0x00, 0x00, 0x50}
	req, err := ParseRequest(bytes.NewReader(buf))
	require.NoError(t, err)
	require.Equal(t, ATYPDomain, req.Address.Type)
	require.Empty(t, req.Address.Domain)
}

func TestWriteReplyIPv4Bytes(t *testing.T) {
	var buf bytes.Buffer
	err := WriteReply(&buf, ReplySucceeded, AddressFromIP(net.IPv4(10, 0, 0, 1)), 1080)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00, 0x00, 0x01, 10, 0, 0, 1, 0x04, 0x38}, buf.Bytes())
}
