// Package protocol implements the UDPGW wire codec: the framed,
// length-prefixed message format used by tun2socks/BadVPN-compatible
// clients to multiplex UDP datagrams over a single TCP connection.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// Frame flags (body byte 0).
const (
	FlagKeepalive uint8 = 1 << 0 // no payload intent; discard and read the next frame
	FlagRebind    uint8 = 1 << 1 // discard any existing PortForward for this conn_id
	FlagDNS       uint8 = 1 << 2 // advisory: payload is a DNS query (informational only)
	FlagIPv6      uint8 = 1 << 3 // address field is 16 bytes instead of 4
)

const (
	// MaxPayloadSize is the largest datagram payload the protocol carries.
	// Larger client datagrams are never fragmented across frames; they are dropped.
	MaxPayloadSize = 32768

	// MaxPreambleSize is the widest possible frame header (IPv6 variant):
	// 2 (size) + 1 (flags) + 2 (conn_id) + 16 (addr) + 2 (port).
	MaxPreambleSize = 23

	// MaxMessageSize bounds the bytes following (and including) the 2-byte
	// size prefix that the decoder will ever read for one frame.
	MaxMessageSize = MaxPreambleSize + MaxPayloadSize

	// minBodySizeIPv4 / minBodySizeIPv6 are the smallest legal `size` values,
	// i.e. the header length with a zero-byte payload: flags(1)+conn_id(2)+addr+port(2).
	minBodySizeIPv4 = 1 + 2 + 4 + 2  // 9
	minBodySizeIPv6 = 1 + 2 + 16 + 2 // 21

	// PreambleSizeIPv4 / PreambleSizeIPv6 are the full wire preambles
	// (length prefix included) a downstream frame reserves before its
	// payload: 2(size)+1(flags)+2(conn_id)+addr+2(port).
	PreambleSizeIPv4 = 2 + minBodySizeIPv4 // 11
	PreambleSizeIPv6 = 2 + minBodySizeIPv6 // 23
)

// ErrMalformed is returned for a framing violation: a `size` outside the
// protocol's bounds, or an address width that doesn't match the declared
// size. A short read is not wrapped in it; ReadFrame returns the underlying
// read error (io.EOF or io.ErrUnexpectedEOF) instead. The caller must treat
// either as end-of-session — the decoder never attempts to resynchronize on
// a malformed stream.
var ErrMalformed = errors.New("protocol: malformed udpgw frame")

// Frame is one decoded upstream UDPGW message, with leading keepalive
// frames already filtered out by Decoder.ReadFrame.
type Frame struct {
	ConnID       uint16
	Flags        uint8
	RemoteIP     net.IP // 4 or 16 raw bytes, as declared by FlagIPv6
	RemotePort   uint16
	Payload      []byte
	PreambleSize int // 11 (IPv4) or 23 (IPv6): the size this frame's reply would need
}

// IsRebind reports whether the client asked to discard any existing
// PortForward bound to this frame's conn_id.
func (f *Frame) IsRebind() bool { return f.Flags&FlagRebind != 0 }

// IsDNS reports the DNS-advisory hint. It carries no routing consequence.
func (f *Frame) IsDNS() bool { return f.Flags&FlagDNS != 0 }

// PreambleSizeFor returns the wire preamble width for an address of the
// given byte length (4 or 16). It panics on any other width, since no
// other width is representable by the protocol.
func PreambleSizeFor(ipLen int) int {
	switch ipLen {
	case 4:
		return PreambleSizeIPv4
	case 16:
		return PreambleSizeIPv6
	default:
		panic(fmt.Sprintf("protocol: invalid remote_ip length %d", ipLen))
	}
}

// Decoder reads a sequence of UDPGW frames from a stream, reusing a single
// internal buffer across calls.
type Decoder struct {
	r      io.Reader
	lenBuf [2]byte
	body   []byte

	// OnKeepalive, if set, is called once for every keepalive frame
	// discarded internally by ReadFrame — the caller's only hook into
	// traffic that never otherwise surfaces as a Frame.
	OnKeepalive func()
}

// NewDecoder wraps r (typically a *net.TCPConn with any read deadline
// already applied by the caller) in a Decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:    r,
		body: make([]byte, MaxMessageSize-2),
	}
}

// ReadFrame reads one application frame, transparently discarding any
// number of leading keepalive frames by looping — never recursing, so an
// adversarial peer that only ever sends keepalives cannot grow the stack.
// It returns ErrMalformed, wrapped with context, on any framing violation,
// and the underlying read error (including io.EOF) otherwise.
func (d *Decoder) ReadFrame() (*Frame, error) {
	for {
		if _, err := io.ReadFull(d.r, d.lenBuf[:]); err != nil {
			return nil, err
		}
		size := binary.LittleEndian.Uint16(d.lenBuf[:])

		if size < 3 || int(size) > len(d.body) {
			return nil, fmt.Errorf("%w: size %d out of bounds", ErrMalformed, size)
		}

		body := d.body[:size]
		if _, err := io.ReadFull(d.r, body); err != nil {
			return nil, err
		}

		flags := body[0]
		connID := binary.LittleEndian.Uint16(body[1:3])

		if flags&FlagKeepalive != 0 {
			if d.OnKeepalive != nil {
				d.OnKeepalive()
			}
			continue // discard, decode the next one
		}

		var ipLen int
		if flags&FlagIPv6 != 0 {
			if size < minBodySizeIPv6 {
				return nil, fmt.Errorf("%w: ipv6 body too short (%d)", ErrMalformed, size)
			}
			ipLen = 16
		} else {
			if size < minBodySizeIPv4 {
				return nil, fmt.Errorf("%w: ipv4 body too short (%d)", ErrMalformed, size)
			}
			ipLen = 4
		}

		addrStart := 3
		portStart := addrStart + ipLen
		headerLen := portStart + 2

		ip := make(net.IP, ipLen)
		copy(ip, body[addrStart:portStart])
		port := binary.BigEndian.Uint16(body[portStart:headerLen])

		payload := make([]byte, int(size)-headerLen)
		copy(payload, body[headerLen:size])

		return &Frame{
			ConnID:       connID,
			Flags:        flags,
			RemoteIP:     ip,
			RemotePort:   port,
			Payload:      payload,
			PreambleSize: PreambleSizeFor(ipLen),
		}, nil
	}
}

// WritePreamble writes a downstream reply header in place at
// buf[0:preambleSize], where preambleSize = PreambleSizeFor(len(remoteIP)).
// The caller must already have placed payloadSize bytes of payload at
// buf[preambleSize:]; WritePreamble never touches them. It returns the
// total number of bytes to write to the wire: preambleSize + payloadSize.
//
// Layout: size(u16 LE) | flags=0 | conn_id(u16 LE) | remote_ip | remote_port(u16 BE)
func WritePreamble(buf []byte, connID uint16, remoteIP net.IP, remotePort uint16, payloadSize int) (int, error) {
	ipLen := len(remoteIP)
	preambleSize := PreambleSizeFor(ipLen)
	if len(buf) < preambleSize {
		return 0, fmt.Errorf("protocol: buffer too small for preamble (%d < %d)", len(buf), preambleSize)
	}

	size := preambleSize - 2 + payloadSize
	if size > 0xFFFF {
		return 0, fmt.Errorf("protocol: encoded frame too large (%d)", size)
	}

	binary.LittleEndian.PutUint16(buf[0:2], uint16(size))
	buf[2] = 0 // replies never set keepalive/rebind/dns bits
	binary.LittleEndian.PutUint16(buf[3:5], connID)
	copy(buf[5:5+ipLen], remoteIP)
	binary.BigEndian.PutUint16(buf[5+ipLen:7+ipLen], remotePort)

	return preambleSize + payloadSize, nil
}
