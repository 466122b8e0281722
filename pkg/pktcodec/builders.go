package pktcodec

import (
	"fmt"
	"net"
)

// FiveTuple is the client-observable direction of a flow: SrcIP/SrcPort is
// the tunnel client, DstIP/DstPort is the real server. Frame builders that
// answer "as" the server swap these internally.
type FiveTuple struct {
	Family           int // 4 or 6
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
}

// FormatFlowKey renders a five-tuple as "proto client->server" for log
// lines and telemetry debugging.
func FormatFlowKey(proto uint8, ft FiveTuple) string {
	name := "udp"
	if proto == ProtoTCP {
		name = "tcp"
	}
	return fmt.Sprintf("%s %s:%d->%s:%d", name, ft.SrcIP, ft.SrcPort, ft.DstIP, ft.DstPort)
}

func ipBytes(ip net.IP, family int) []byte {
	if family == 4 {
		v4 := ip.To4()
		if v4 == nil {
			return make([]byte, 4)
		}
		return v4
	}
	v6 := ip.To16()
	if v6 == nil {
		return make([]byte, 16)
	}
	return v6
}

// BuildTCPRST builds an at-rest-valid TCP RST|ACK frame answering a blocked
// or rejected TCP packet, swapping the 5-tuple so it flows back to the
// client. seq echoes the incoming segment's own ack field (if ACK was
// set), and ack advances past the incoming sequence number, payload, and
// one more for each of SYN/FIN present.
func BuildTCPRST(orig Parsed) []byte {
	in := orig.TCP
	var ack uint32 = in.Seq + uint32(len(in.Payload))
	if in.Flags.SYN {
		ack++
	}
	if in.Flags.FIN {
		ack++
	}
	var seq uint32
	if in.Flags.ACK {
		seq = in.Ack
	}

	flags := TCPFlags{RST: true, ACK: true}

	tcpSeg := make([]byte, 20)
	putU16(tcpSeg[0:2], in.DstPort) // swapped: answer as the server
	putU16(tcpSeg[2:4], in.SrcPort)
	putU32(tcpSeg[4:8], seq)
	putU32(tcpSeg[8:12], ack)
	tcpSeg[12] = 5 << 4 // data offset = 20 bytes, no options
	tcpSeg[13] = flags.byte()
	putU16(tcpSeg[14:16], 0) // window
	// checksum filled below
	putU16(tcpSeg[18:20], 0) // urgent pointer

	if orig.IPVersion == 4 {
		src := [4]byte{}
		dst := [4]byte{}
		copy(src[:], ipBytes(orig.DstIP, 4))
		copy(dst[:], ipBytes(orig.SrcIP, 4))
		cks := tcpChecksumIPv4(src, dst, tcpSeg)
		putU16(tcpSeg[16:18], cks)
		return buildIPv4(src, dst, ProtoTCP, tcpSeg)
	}
	src := [16]byte{}
	dst := [16]byte{}
	copy(src[:], ipBytes(orig.DstIP, 6))
	copy(dst[:], ipBytes(orig.SrcIP, 6))
	cks := tcpChecksumIPv6(src, dst, tcpSeg)
	putU16(tcpSeg[16:18], cks)
	return buildIPv6(src, dst, ProtoTCP, tcpSeg)
}

// BuildUDPResponse builds a server->client UDP/IP frame for a known flow
// key, used directly by the data path since UDP bypasses the embedded
// stack's socket layer entirely.
func BuildUDPResponse(ft FiveTuple, payload []byte) []byte {
	udp := make([]byte, 8+len(payload))
	putU16(udp[0:2], ft.DstPort) // answer as the server
	putU16(udp[2:4], ft.SrcPort)
	putU16(udp[4:6], uint16(len(udp)))
	putU16(udp[6:8], 0) // checksum filled below
	copy(udp[8:], payload)

	if ft.Family == 4 {
		src := [4]byte{}
		dst := [4]byte{}
		copy(src[:], ipBytes(ft.DstIP, 4))
		copy(dst[:], ipBytes(ft.SrcIP, 4))
		cks := udpChecksumIPv4(src, dst, udp)
		putU16(udp[6:8], cks)
		return buildIPv4(src, dst, ProtoUDP, udp)
	}
	src := [16]byte{}
	dst := [16]byte{}
	copy(src[:], ipBytes(ft.DstIP, 6))
	copy(dst[:], ipBytes(ft.SrcIP, 6))
	cks := udpChecksumIPv6(src, dst, udp)
	putU16(udp[6:8], cks)
	return buildIPv6(src, dst, ProtoUDP, udp)
}

// BuildICMPUnreachableAdminProhibited builds the ICMP (IPv4) or ICMPv6
// destination-unreachable/admin-prohibited frame sent to the client in
// answer to a blocked UDP datagram. originalFrame is the full IP frame
// that triggered the block.
func BuildICMPUnreachableAdminProhibited(orig Parsed, originalFrame []byte) []byte {
	// Echo: original IP header + UDP header + first 8 bytes of UDP payload.
	ipHeaderLen := 20
	if orig.IPVersion == 6 {
		ipHeaderLen = 40
	}
	udpHeaderLen := 8
	echoLen := ipHeaderLen + udpHeaderLen + 8
	if echoLen > len(originalFrame) {
		echoLen = len(originalFrame)
	}
	echo := originalFrame[:echoLen]

	if orig.IPVersion == 4 {
		icmp := make([]byte, 8+len(echo))
		icmp[0] = 3  // destination unreachable
		icmp[1] = 13 // communication administratively prohibited
		// icmp[2:4] checksum filled below; icmp[4:8] unused/zero
		copy(icmp[8:], echo)
		cks := checksum16(icmp, 0)
		putU16(icmp[2:4], cks)

		src := [4]byte{}
		dst := [4]byte{}
		copy(src[:], ipBytes(orig.DstIP, 4)) // answers as the original destination
		copy(dst[:], ipBytes(orig.SrcIP, 4))
		return buildIPv4(src, dst, ProtoICMPv4, icmp)
	}

	icmp := make([]byte, 8+len(echo))
	icmp[0] = 1 // destination unreachable
	icmp[1] = 1 // administratively prohibited
	copy(icmp[8:], echo)

	src := [16]byte{}
	dst := [16]byte{}
	copy(src[:], ipBytes(orig.DstIP, 6))
	copy(dst[:], ipBytes(orig.SrcIP, 6))
	cks := icmpv6Checksum(src, dst, icmp)
	putU16(icmp[2:4], cks)
	return buildIPv6(src, dst, ProtoICMPv6, icmp)
}

// StripECNIfNeeded clears ECE/CWR on an IPv4 TCP SYN-ACK frame and
// recomputes its checksum, defending against embedded-stack peers (notably
// mobile TCP/IP stacks) that reject ECN-marked SYN-ACKs when the original
// SYN did not advertise ECN. Returns the frame unmodified if nothing needed
// stripping.
func StripECNIfNeeded(frame []byte, ecnNegotiated bool) []byte {
	if ecnNegotiated || len(frame) < 20 || frame[0]>>4 != 4 {
		return frame
	}
	ihl := int(frame[0]&0x0f) * 4
	if ihl < 20 || len(frame) < ihl+14 || frame[9] != ProtoTCP {
		return frame
	}
	flagsOff := ihl + 13
	if flagsOff >= len(frame) {
		return frame
	}
	flags := frame[flagsOff]
	if flags&0xc0 == 0 { // neither ECE nor CWR set
		return frame
	}
	if flags&0x12 != 0x12 { // only defend SYN-ACKs (SYN and ACK set)
		return frame
	}

	out := append([]byte(nil), frame...)
	out[flagsOff] = flags &^ 0xc0

	tcpSeg := out[ihl:]
	tcpSeg[16], tcpSeg[17] = 0, 0
	src := [4]byte{}
	dst := [4]byte{}
	copy(src[:], out[12:16])
	copy(dst[:], out[16:20])
	cks := tcpChecksumIPv4(src, dst, tcpSeg)
	putU16(tcpSeg[16:18], cks)
	return out
}

func buildIPv4(src, dst [4]byte, proto uint8, segment []byte) []byte {
	totalLen := 20 + len(segment)
	out := make([]byte, totalLen)
	out[0] = 0x45 // version 4, IHL 5
	out[1] = 0    // DSCP/ECN
	putU16(out[2:4], uint16(totalLen))
	putU16(out[4:6], 0) // identification
	putU16(out[6:8], 0) // flags/fragment offset
	out[8] = 64         // TTL
	out[9] = proto
	putU16(out[10:12], 0) // checksum filled below
	copy(out[12:16], src[:])
	copy(out[16:20], dst[:])
	cks := ipv4HeaderChecksum(out[0:20])
	putU16(out[10:12], cks)
	copy(out[20:], segment)
	return out
}

func buildIPv6(src, dst [16]byte, nextHeader uint8, segment []byte) []byte {
	out := make([]byte, 40+len(segment))
	out[0] = 0x60 // version 6, traffic class 0
	putU16(out[4:6], uint16(len(segment)))
	out[6] = nextHeader
	out[7] = 64 // hop limit
	copy(out[8:24], src[:])
	copy(out[24:40], dst[:])
	copy(out[40:], segment)
	return out
}

func putU16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
