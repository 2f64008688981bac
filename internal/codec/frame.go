package codec

import (
	"encoding/binary"
	"io"

	appErr "github.com/riftproxy/socksentry/pkg/errors"
)

const (
	socksVersion     byte = 0x05
	userpassVersion  byte = 0x01
	userpassOK       byte = 0x00
	userpassFailed   byte = 0x01
	MethodNoAuth     byte = 0x00
	MethodUserPass   byte = 0x02
	MethodNoAccept   byte = 0xFF
)

// Command is the SOCKS5 request command.
type Command byte

const (
	CmdConnect      Command = 0x01
	CmdBind         Command = 0x02
	CmdUDPAssociate Command = 0x03
)

func (c Command) String() string {
	switch c {
	case CmdConnect:
		return "CONNECT"
	case CmdBind:
		return "BIND"
	case CmdUDPAssociate:
		return "UDP_ASSOCIATE"
	default:
		return "UNKNOWN"
	}
}

// Reply is a SOCKS5 reply status byte, per RFC 1928 §6.
type Reply byte

const (
	ReplySucceeded           Reply = 0x00
	ReplyGeneralFailure      Reply = 0x01
	ReplyConnectionNotAllowed Reply = 0x02
	ReplyHostUnreachable     Reply = 0x04
	ReplyCommandNotSupported Reply = 0x07
)

// Greeting is the client's opening offer of authentication methods.
type Greeting struct {
	Methods []byte
}

// ParseGreeting reads [ver, nmethods, methods...]. ver must be 5 and
// nmethods must be nonzero.
func ParseGreeting(r io.Reader) (Greeting, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Greeting{}, appErr.Wrap(appErr.CodeIO, "read greeting header", err)
	}
	if hdr[0] != socksVersion {
		return Greeting{}, appErr.New(appErr.CodeProtocol, "unsupported SOCKS version")
	}
	nmethods := int(hdr[1])
	if nmethods == 0 {
		return Greeting{}, appErr.New(appErr.CodeProtocol, "no authentication methods provided")
	}
	methods := make([]byte, nmethods)
	if _, err := io.ReadFull(r, methods); err != nil {
		return Greeting{}, appErr.Wrap(appErr.CodeIO, "read greeting methods", err)
	}
	return Greeting{Methods: methods}, nil
}

// SelectMethod chooses the server's method from the client's offer.
// configuredMethod is the server's single configured method (NoAuth or
// UserPass); NoAuth is additionally accepted whenever allowNoAuth is
// set, regardless of configuredMethod. Returns MethodNoAccept if there
// is no overlap.
func SelectMethod(offered []byte, configuredMethod byte, allowNoAuth bool) byte {
	has := func(m byte) bool {
		for _, o := range offered {
			if o == m {
				return true
			}
		}
		return false
	}
	if allowNoAuth && has(MethodNoAuth) {
		return MethodNoAuth
	}
	if has(configuredMethod) {
		return configuredMethod
	}
	return MethodNoAccept
}

// WriteMethodSelect emits [5, method].
func WriteMethodSelect(w io.Writer, method byte) error {
	_, err := w.Write([]byte{socksVersion, method})
	if err != nil {
		return appErr.Wrap(appErr.CodeIO, "write method select", err)
	}
	return nil
}

// UserPassAuth is one RFC 1929 username/password exchange.
type UserPassAuth struct {
	Username string
	Password string
}

// ParseUserPassAuth reads [ver, ulen, uname, plen, passwd]. Zero-length
// username or password is a valid parse; acceptance is the
// authenticator's decision, not the codec's.
func ParseUserPassAuth(r io.Reader) (UserPassAuth, error) {
	var ver [1]byte
	if _, err := io.ReadFull(r, ver[:]); err != nil {
		return UserPassAuth{}, appErr.Wrap(appErr.CodeIO, "read userpass version", err)
	}
	if ver[0] != userpassVersion {
		return UserPassAuth{}, appErr.New(appErr.CodeProtocol, "unsupported userpass auth version")
	}
	user, err := readLenPrefixed(r)
	if err != nil {
		return UserPassAuth{}, err
	}
	pass, err := readLenPrefixed(r)
	if err != nil {
		return UserPassAuth{}, err
	}
	return UserPassAuth{Username: string(user), Password: string(pass)}, nil
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var l [1]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, appErr.Wrap(appErr.CodeIO, "read length prefix", err)
	}
	buf := make([]byte, int(l[0]))
	if len(buf) > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, appErr.Wrap(appErr.CodeIO, "read length-prefixed field", err)
		}
	}
	return buf, nil
}

// WriteUserPassStatus emits [1, status]. success selects status 0x00.
func WriteUserPassStatus(w io.Writer, success bool) error {
	status := userpassFailed
	if success {
		status = userpassOK
	}
	_, err := w.Write([]byte{userpassVersion, status})
	if err != nil {
		return appErr.Wrap(appErr.CodeIO, "write userpass status", err)
	}
	return nil
}

// Request is a parsed SOCKS5 request: [ver, cmd, rsv, atyp, addr, port].
type Request struct {
	Command Command
	Address Address
	Port    uint16
}

// ParseRequest reads a full request frame.
func ParseRequest(r io.Reader) (Request, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Request{}, appErr.Wrap(appErr.CodeIO, "read request header", err)
	}
	if hdr[0] != socksVersion {
		return Request{}, appErr.New(appErr.CodeProtocol, "unsupported SOCKS version")
	}
	cmd := Command(hdr[1])
	switch cmd {
	case CmdConnect, CmdBind, CmdUDPAssociate:
	default:
		return Request{}, appErr.New(appErr.CodeUnsupportedCommand, "unsupported command")
	}
	addr, err := readAddress(r, AddrType(hdr[3]))
	if err != nil {
		return Request{}, err
	}
	port, err := readPort(r)
	if err != nil {
		return Request{}, err
	}
	return Request{Command: cmd, Address: addr, Port: port}, nil
}

func readAddress(r io.Reader, atyp AddrType) (Address, error) {
	switch atyp {
	case ATYPIPv4:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Address{}, appErr.Wrap(appErr.CodeIO, "read ipv4 address", err)
		}
		return Address{Type: ATYPIPv4, IP: buf}, nil
	case ATYPIPv6:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Address{}, appErr.Wrap(appErr.CodeIO, "read ipv6 address", err)
		}
		return Address{Type: ATYPIPv6, IP: buf}, nil
	case ATYPDomain:
		// Empty domain (len=0) parses successfully; downstream
		// resolution fails it.
		name, err := readLenPrefixed(r)
		if err != nil {
			return Address{}, err
		}
		return Address{Type: ATYPDomain, Domain: string(name)}, nil
	default:
		return Address{}, appErr.New(appErr.CodeUnsupportedAddressType, "unsupported address type")
	}
}

func readPort(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, appErr.Wrap(appErr.CodeIO, "read port", err)
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

// WriteReply emits [5, reply, 0, atyp, addr, port].
func WriteReply(w io.Writer, reply Reply, bound Address, port uint16) error {
	buf := serializeAddress(bound)
	out := make([]byte, 0, 4+len(buf)+2)
	out = append(out, socksVersion, byte(reply), 0x00, byte(bound.Type))
	out = append(out, buf...)
	out = binary.BigEndian.AppendUint16(out, port)
	if _, err := w.Write(out); err != nil {
		return appErr.Wrap(appErr.CodeIO, "write reply", err)
	}
	return nil
}

func serializeAddress(a Address) []byte {
	switch a.Type {
	case ATYPIPv4:
		ip := a.IP.To4()
		if ip == nil {
			ip = make([]byte, 4)
		}
		return ip
	case ATYPIPv6:
		ip := a.IP.To16()
		if ip == nil {
			ip = make([]byte, 16)
		}
		return ip
	case ATYPDomain:
		out := make([]byte, 0, 1+len(a.Domain))
		out = append(out, byte(len(a.Domain)))
		out = append(out, a.Domain...)
		return out
	default:
		return make([]byte, 4)
	}
}
