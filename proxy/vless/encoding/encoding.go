// Package encoding is the VLESS wire codec: it turns a contiguous byte
// buffer into a decoded request header, and turns a response header into
// bytes. It performs no I/O of its own — callers own reading the buffer
// and writing the response — mirroring the teacher's separation between
// proxy/vless/encoding (pure framing) and proxy/vless/inbound (I/O).
package encoding

import (
	"bytes"
	"net"
	"unicode/utf8"

	"github.com/xtls-vision/vlessd/internal/errors"
	"github.com/xtls-vision/vlessd/internal/vlessid"
	"github.com/xtls-vision/vlessd/proxy/vless"
)

// minHeaderLen is the minimum number of bytes needed before addons: 1
// version byte + 16 UUID bytes + 1 addons-length byte.
const minHeaderLen = 1 + 16 + 1

// Address is the decoded destination of a request: exactly one of IP or
// Domain is set, selected by Type.
type Address struct {
	Type   vless.AddressType
	IP     net.IP
	Domain string
}

func (a Address) String() string {
	switch a.Type {
	case vless.AddressTypeDomain:
		return a.Domain
	default:
		return a.IP.String()
	}
}

// Request is a decoded VLESS request header.
type Request struct {
	Version   byte
	UUID      vlessid.ID
	Addons    []byte
	Flow      vless.Flow
	Command   vless.Command
	Port      uint16
	Address   Address
	Remaining []byte
}

// DecodeRequest decodes a VLESS request header from a single contiguous
// buffer. It never reads beyond buf: if buf does not hold a complete
// header, it returns an error instead of asking for more bytes — the
// session layer is responsible for supplying one full read (§ Header
// re-reads in SPEC_FULL.md).
func DecodeRequest(buf []byte) (*Request, error) {
	if len(buf) < minHeaderLen {
		return nil, errors.New("vless header too short: ", len(buf), " bytes").AtWarning()
	}

	req := &Request{}
	pos := 0

	req.Version = buf[pos]
	pos++
	if req.Version != 0 && req.Version != 1 {
		return nil, errors.New("invalid vless version: ", req.Version).AtWarning()
	}

	id, err := vlessid.FromBytes(buf[pos : pos+16])
	if err != nil {
		return nil, errors.New("failed to read vless uuid").Base(err).AtWarning()
	}
	req.UUID = id
	pos += 16

	addonsLen := int(buf[pos])
	pos++
	if len(buf) < pos+addonsLen+1+2+1 {
		return nil, errors.New("vless header too short for addons/command/port/address type").AtWarning()
	}
	req.Addons = buf[pos : pos+addonsLen]
	req.Flow = detectFlow(req.Addons)
	pos += addonsLen

	command := vless.Command(buf[pos])
	pos++
	if !command.Valid() {
		return nil, errors.New("invalid vless command: ", command).AtWarning()
	}
	req.Command = command

	req.Port = uint16(buf[pos])<<8 | uint16(buf[pos+1])
	pos += 2

	addrType := vless.AddressType(buf[pos])
	pos++

	addr, consumed, err := decodeAddress(addrType, buf[pos:])
	if err != nil {
		return nil, err
	}
	req.Address = addr
	pos += consumed

	req.Remaining = buf[pos:]
	return req, nil
}

func decodeAddress(addrType vless.AddressType, buf []byte) (Address, int, error) {
	switch addrType {
	case vless.AddressTypeIPv4:
		if len(buf) < 4 {
			return Address{}, 0, errors.New("vless header too short for ipv4 address").AtWarning()
		}
		ip := make(net.IP, 4)
		copy(ip, buf[:4])
		return Address{Type: addrType, IP: ip}, 4, nil

	case vless.AddressTypeIPv6:
		if len(buf) < 16 {
			return Address{}, 0, errors.New("vless header too short for ipv6 address").AtWarning()
		}
		ip := make(net.IP, 16)
		copy(ip, buf[:16])
		return Address{Type: addrType, IP: ip}, 16, nil

	case vless.AddressTypeDomain:
		if len(buf) < 1 {
			return Address{}, 0, errors.New("vless header too short for domain length").AtWarning()
		}
		domainLen := int(buf[0])
		if domainLen == 0 {
			return Address{}, 0, errors.New("vless domain address has zero length").AtWarning()
		}
		if len(buf) < 1+domainLen {
			return Address{}, 0, errors.New("vless header too short for domain bytes").AtWarning()
		}
		domainBytes := buf[1 : 1+domainLen]
		if !utf8.Valid(domainBytes) {
			return Address{}, 0, errors.New("vless domain address is not valid utf-8").AtWarning()
		}
		return Address{Type: addrType, Domain: string(domainBytes)}, 1 + domainLen, nil

	default:
		return Address{}, 0, errors.New("invalid vless address type: ", addrType).AtWarning()
	}
}

// detectFlow does a substring search over the opaque addons payload for
// the two recognised ASCII flow tags. Any other content, or an empty
// payload, means FlowNone.
func detectFlow(addons []byte) vless.Flow {
	if bytes.Contains(addons, []byte("xtls-rprx-vision-udp443")) {
		return vless.FlowVisionUDP443
	}
	if bytes.Contains(addons, []byte("xtls-rprx-vision")) {
		return vless.FlowVision
	}
	return vless.FlowNone
}

// EncodeResponse builds the two-byte VLESS response frame: the echoed
// version followed by a zero addons length. This design never sends
// response addons.
func EncodeResponse(version byte) []byte {
	return []byte{version, 0x00}
}
