// Package pktcodec parses and builds IPv4/IPv6 + TCP/UDP/ICMPv6 frames.
//
// Parsing is total: every call to Parse returns one of the enumerated Kind
// variants or a sentinel error, never a panic. It is not allocation-free:
// Parse copies the source and destination addresses and heap-allocates the
// transport header.
package pktcodec

import (
	"errors"
	"net"
)

// Protocol numbers, as carried in the IPv4 protocol / IPv6 next-header field.
const (
	ProtoICMPv4 = 1
	ProtoTCP    = 6
	ProtoUDP    = 17
	ProtoICMPv6 = 58
)

// Kind enumerates what Parse found in a frame.
type Kind int

const (
	KindOther Kind = iota
	KindTCP
	KindUDP
)

// Sentinel parse errors, one per rejected malformed-input case.
var (
	ErrEmpty                  = errors.New("pktcodec: empty frame")
	ErrUnsupportedIPVersion   = errors.New("pktcodec: unsupported ip version")
	ErrMalformedIPv4Header    = errors.New("pktcodec: malformed ipv4 header")
	ErrMalformedIPv6Header    = errors.New("pktcodec: malformed ipv6 header")
	ErrMalformedTCPSegment    = errors.New("pktcodec: malformed tcp segment")
	ErrMalformedUDPDatagram   = errors.New("pktcodec: malformed udp datagram")
)

// TCPFlags mirrors the flags byte at offset 13 of a TCP header.
type TCPFlags struct {
	FIN, SYN, RST, PSH, ACK, URG, ECE, CWR bool
}

func tcpFlagsFromByte(b byte) TCPFlags {
	return TCPFlags{
		FIN: b&0x01 != 0,
		SYN: b&0x02 != 0,
		RST: b&0x04 != 0,
		PSH: b&0x08 != 0,
		ACK: b&0x10 != 0,
		URG: b&0x20 != 0,
		ECE: b&0x40 != 0,
		CWR: b&0x80 != 0,
	}
}

func (f TCPFlags) byte() byte {
	var b byte
	if f.FIN {
		b |= 0x01
	}
	if f.SYN {
		b |= 0x02
	}
	if f.RST {
		b |= 0x04
	}
	if f.PSH {
		b |= 0x08
	}
	if f.ACK {
		b |= 0x10
	}
	if f.URG {
		b |= 0x20
	}
	if f.ECE {
		b |= 0x40
	}
	if f.CWR {
		b |= 0x80
	}
	return b
}

// TCPHeader is the subset of the TCP header the flow engine needs.
type TCPHeader struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	DataOffset       int // in bytes
	Flags            TCPFlags
	Window           uint16
	Payload          []byte
}

// UDPHeader is the subset of the UDP header the flow engine needs.
type UDPHeader struct {
	SrcPort, DstPort uint16
	Payload          []byte
}

// Parsed is the result of a successful Parse.
type Parsed struct {
	Kind      Kind
	IPVersion int // 4 or 6
	SrcIP     net.IP
	DstIP     net.IP
	Proto     uint8

	TCP *TCPHeader
	UDP *UDPHeader

	// IPPayloadLen is the length of the transport segment as declared by
	// the IP header (used by frame builders that echo back original bytes).
	IPPayloadLen int
}

// Parse validates and decodes bytes into a Parsed frame. It never panics.
func Parse(b []byte) (Parsed, error) {
	if len(b) == 0 {
		return Parsed{}, ErrEmpty
	}
	switch b[0] >> 4 {
	case 4:
		return parseIPv4(b)
	case 6:
		return parseIPv6(b)
	default:
		return Parsed{}, ErrUnsupportedIPVersion
	}
}

func parseIPv4(b []byte) (Parsed, error) {
	if len(b) < 20 {
		return Parsed{}, ErrMalformedIPv4Header
	}
	ihl := int(b[0]&0x0f) * 4
	if ihl < 20 {
		return Parsed{}, ErrMalformedIPv4Header
	}
	totalLen := int(b[2])<<8 | int(b[3])
	if totalLen > len(b) || ihl > totalLen {
		return Parsed{}, ErrMalformedIPv4Header
	}
	if len(b) < ihl {
		return Parsed{}, ErrMalformedIPv4Header
	}
	proto := b[9]
	srcIP := net.IP(append([]byte(nil), b[12:16]...))
	dstIP := net.IP(append([]byte(nil), b[16:20]...))

	segment := b[ihl:totalLen]

	p := Parsed{
		IPVersion:    4,
		SrcIP:        srcIP,
		DstIP:        dstIP,
		Proto:        proto,
		IPPayloadLen: len(segment),
	}

	switch proto {
	case ProtoTCP:
		hdr, err := parseTCP(segment)
		if err != nil {
			return Parsed{}, err
		}
		p.Kind = KindTCP
		p.TCP = &hdr
	case ProtoUDP:
		hdr, err := parseUDP(segment)
		if err != nil {
			return Parsed{}, err
		}
		p.Kind = KindUDP
		p.UDP = &hdr
	default:
		p.Kind = KindOther
	}
	return p, nil
}

func parseIPv6(b []byte) (Parsed, error) {
	if len(b) < 40 {
		return Parsed{}, ErrMalformedIPv6Header
	}
	payloadLen := int(b[4])<<8 | int(b[5])
	if 40+payloadLen > len(b) {
		return Parsed{}, ErrMalformedIPv6Header
	}
	nextHeader := b[6]
	srcIP := net.IP(append([]byte(nil), b[8:24]...))
	dstIP := net.IP(append([]byte(nil), b[24:40]...))

	segment := b[40 : 40+payloadLen]

	p := Parsed{
		IPVersion:    6,
		SrcIP:        srcIP,
		DstIP:        dstIP,
		Proto:        nextHeader,
		IPPayloadLen: len(segment),
	}

	switch nextHeader {
	case ProtoTCP:
		hdr, err := parseTCP(segment)
		if err != nil {
			return Parsed{}, err
		}
		p.Kind = KindTCP
		p.TCP = &hdr
	case ProtoUDP:
		hdr, err := parseUDP(segment)
		if err != nil {
			return Parsed{}, err
		}
		p.Kind = KindUDP
		p.UDP = &hdr
	default:
		p.Kind = KindOther
	}
	return p, nil
}

func parseTCP(b []byte) (TCPHeader, error) {
	if len(b) < 20 {
		return TCPHeader{}, ErrMalformedTCPSegment
	}
	dataOffset := int(b[12]>>4) * 4
	if dataOffset < 20 || dataOffset > len(b) {
		return TCPHeader{}, ErrMalformedTCPSegment
	}
	return TCPHeader{
		SrcPort:    uint16(b[0])<<8 | uint16(b[1]),
		DstPort:    uint16(b[2])<<8 | uint16(b[3]),
		Seq:        uint32(b[4])<<24 | uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7]),
		Ack:        uint32(b[8])<<24 | uint32(b[9])<<16 | uint32(b[10])<<8 | uint32(b[11]),
		DataOffset: dataOffset,
		Flags:      tcpFlagsFromByte(b[13]),
		Window:     uint16(b[14])<<8 | uint16(b[15]),
		Payload:    b[dataOffset:],
	}, nil
}

func parseUDP(b []byte) (UDPHeader, error) {
	if len(b) < 8 {
		return UDPHeader{}, ErrMalformedUDPDatagram
	}
	declared := int(b[4])<<8 | int(b[5])
	if declared < 8 || declared > len(b) {
		return UDPHeader{}, ErrMalformedUDPDatagram
	}
	return UDPHeader{
		SrcPort: uint16(b[0])<<8 | uint16(b[1]),
		DstPort: uint16(b[2])<<8 | uint16(b[3]),
		Payload: b[8:declared],
	}, nil
}
