// Package protocol parses and encodes the SOCKS5 messages the proxy speaks.
// Parsers work on whatever bytes are buffered and never perform I/O.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	Version = txsocks5.Ver

	MethodNoAuth = txsocks5.MethodNone

	CmdConnect = txsocks5.CmdConnect

	AtypIPv4   = txsocks5.ATYPIPv4
	AtypDomain = txsocks5.ATYPDomain
	AtypIPv6   = txsocks5.ATYPIPv6

	RepSuccess             = txsocks5.RepSuccess
	RepHostUnreachable     = txsocks5.RepHostUnreachable
	RepConnectionRefused   = txsocks5.RepConnectionRefused
	RepCommandNotSupported = txsocks5.RepCommandNotSupported
	RepAddrNotSupported    = txsocks5.RepAddressNotSupported
)

// MaxRequestLen is the longest request: header, length-prefixed domain of
// 255 bytes and port.
const MaxRequestLen = 4 + 1 + 255 + 2

var (
	// ErrIncomplete means more bytes are needed before the message can be
	// decoded. It is not a failure.
	ErrIncomplete = errors.New("incomplete message")
	// ErrMalformed means the buffered bytes can never form a valid message.
	ErrMalformed = errors.New("malformed message")
)

type Greeting struct {
	Version byte
	Methods []byte
}

// Offers reports whether the client offered the given auth method.
func (g Greeting) Offers(method byte) bool {
	return bytes.IndexByte(g.Methods, method) >= 0
}

type Request struct {
	Version  byte
	Command  byte
	AddrType byte
	// DstAddr holds 4 bytes for IPv4, 16 for IPv6 and the bare name for domains.
	DstAddr []byte
	DstPort uint16
}

// Host returns the destination host in printable form.
func (r Request) Host() string {
	switch r.AddrType {
	case AtypIPv4, AtypIPv6:
		if a, ok := netip.AddrFromSlice(r.DstAddr); ok {
			return a.String()
		}
	}
	return string(r.DstAddr)
}

func (r Request) String() string {
	return net.JoinHostPort(r.Host(), strconv.Itoa(int(r.DstPort)))
}

// AddrPort returns the IPv4 destination. ok is false for other address types.
func (r Request) AddrPort() (netip.AddrPort, bool) {
	if r.AddrType != AtypIPv4 || len(r.DstAddr) != 4 {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte(r.DstAddr)), r.DstPort), true
}

// ParseGreeting decodes a client hello: [ver][nmethods][methods...].
// The buffer must hold exactly one greeting; extra bytes mean the declared
// method count is inconsistent with what the client sent.
func ParseGreeting(b []byte) (Greeting, int, error) {
	if len(b) < 2 {
		return Greeting{}, 0, ErrIncomplete
	}
	if b[0] != Version {
		return Greeting{}, 0, fmt.Errorf("%w: greeting version %d", ErrMalformed, b[0])
	}
	size := 2 + int(b[1])
	if len(b) < size {
		return Greeting{}, 0, ErrIncomplete
	}
	if len(b) > size {
		return Greeting{}, 0, fmt.Errorf("%w: greeting declares %d bytes, have %d", ErrMalformed, size, len(b))
	}
	return Greeting{
		Version: b[0],
		Methods: append([]byte(nil), b[2:size]...),
	}, size, nil
}

// ParseRequest decodes [ver][cmd][rsv][atyp][dst.addr][dst.port] and returns
// the number of bytes it occupied. Bytes past the request are left alone.
func ParseRequest(b []byte) (Request, int, error) {
	if len(b) < 4 {
		return Request{}, 0, ErrIncomplete
	}
	if b[0] != Version {
		return Request{}, 0, fmt.Errorf("%w: request version %d", ErrMalformed, b[0])
	}

	off := 4
	var addrLen int
	switch atyp := b[3]; atyp {
	case AtypIPv4:
		addrLen = net.IPv4len
	case AtypIPv6:
		addrLen = net.IPv6len
	case AtypDomain:
		if len(b) < 5 {
			return Request{}, 0, ErrIncomplete
		}
		addrLen = int(b[4])
		if addrLen == 0 {
			return Request{}, 0, fmt.Errorf("%w: empty domain name", ErrMalformed)
		}
		off++
	default:
		return Request{}, 0, fmt.Errorf("%w: address type %d", ErrMalformed, atyp)
	}

	size := off + addrLen + 2
	if len(b) < size {
		return Request{}, 0, ErrIncomplete
	}
	return Request{
		Version:  b[0],
		Command:  b[1],
		AddrType: b[3],
		DstAddr:  append([]byte(nil), b[off:off+addrLen]...),
		DstPort:  binary.BigEndian.Uint16(b[off+addrLen : size]),
	}, size, nil
}

// EncodeGreetingReply always selects "no authentication".
func EncodeGreetingReply() []byte {
	var buf bytes.Buffer
	_, _ = txsocks5.NewNegotiationReply(MethodNoAuth).WriteTo(&buf)
	return buf.Bytes()
}

// EncodeRequestReply builds the CONNECT reply. The bound address is not
// reported and stays zero.
func EncodeRequestReply(success bool) []byte {
	if success {
		return encodeReply(RepSuccess)
	}
	return encodeReply(RepHostUnreachable)
}

// EncodeFailureReply builds a reply carrying a specific failure code.
func EncodeFailureReply(code byte) []byte {
	return encodeReply(code)
}

func encodeReply(rep byte) []byte {
	var buf bytes.Buffer
	_, _ = txsocks5.NewReply(rep, AtypIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(&buf)
	return buf.Bytes()
}
