package codec

import (
	"encoding/binary"

	appErr "github.com/riftproxy/socksentry/pkg/errors"
)

// Datagram is the UDP relay envelope: rsv(2) frag(1) atyp(1), address,
// port, payload. Frag must be zero; fragmentation is not supported.
type Datagram struct {
	Frag    byte
	Address Address
	Port    uint16
	Payload []byte
}

// ParseDatagram decodes one UDP relay packet. Minimum size is 10 bytes
// (IPv4 form: 4 header + 4 address + 2 port).
func ParseDatagram(pkt []byte) (Datagram, error) {
	if len(pkt) < 4 {
		return Datagram{}, appErr.New(appErr.CodeProtocol, "UDP datagram too short")
	}
	frag := pkt[2]
	if frag != 0 {
		return Datagram{}, appErr.New(appErr.CodeProtocol, "UDP fragmentation not supported")
	}
	atyp := AddrType(pkt[3])
	off := 4

	var addr Address
	switch atyp {
	case ATYPIPv4:
		if len(pkt) < off+4+2 {
			return Datagram{}, appErr.New(appErr.CodeProtocol, "UDP datagram truncated (ipv4)")
		}
		addr = Address{Type: ATYPIPv4, IP: append([]byte(nil), pkt[off:off+4]...)}
		off += 4
	case ATYPIPv6:
		if len(pkt) < off+16+2 {
			return Datagram{}, appErr.New(appErr.CodeProtocol, "UDP datagram truncated (ipv6)")
		}
		addr = Address{Type: ATYPIPv6, IP: append([]byte(nil), pkt[off:off+16]...)}
		off += 16
	case ATYPDomain:
		if len(pkt) < off+1 {
			return Datagram{}, appErr.New(appErr.CodeProtocol, "UDP datagram truncated (domain length)")
		}
		l := int(pkt[off])
		off++
		if len(pkt) < off+l+2 {
			return Datagram{}, appErr.New(appErr.CodeProtocol, "UDP datagram truncated (domain)")
		}
		addr = Address{Type: ATYPDomain, Domain: string(pkt[off : off+l])}
		off += l
	default:
		return Datagram{}, appErr.New(appErr.CodeUnsupportedAddressType, "unsupported UDP address type")
	}

	port := binary.BigEndian.Uint16(pkt[off : off+2])
	off += 2
	payload := pkt[off:]

	return Datagram{Frag: frag, Address: addr, Port: port, Payload: payload}, nil
}

// SerializeDatagram pre-allocates the exact byte count and writes the
// envelope header followed by payload.
func SerializeDatagram(d Datagram) []byte {
	addrBytes := serializeAddress(d.Address)
	out := make([]byte, 0, 4+len(addrBytes)+2+len(d.Payload))
	out = append(out, 0x00, 0x00, d.Frag, byte(d.Address.Type))
	out = append(out, addrBytes...)
	out = binary.BigEndian.AppendUint16(out, d.Port)
	out = append(out, d.Payload...)
	return out
}
