// Package netstack wires a gVisor embedded TCP/IP stack to the flow
// engine: the stack terminates the tunnel client's TCP handshake,
// retransmission, and flow control; the flow engine only sees admitted
// Endpoints and raw outbound frames.
//
// UDP is deliberately kept out of the embedded stack: the UDP data path
// reads and builds frames straight from pkg/pktcodec, since a
// connectionless protocol gets nothing from gVisor's TCP state machine
// that would justify the extra endpoint bookkeeping.
package netstack

import (
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/relaytun/flowbridge/pkg/flowengine"
)

const nicID tcpip.NICID = 1

// Resolver looks up the flow handle the engine admitted for an inbound SYN's
// five-tuple. ok is false for a SYN the engine never saw forwarded to it
// (shouldn't happen in practice, since InjectInbound is only called for
// frames HandleTCPFrame already approved) or one it has since pruned; either
// way the forwarder resets the connection.
type Resolver func(srcIP netip.Addr, srcPort uint16, dstIP netip.Addr, dstPort uint16) (handle uint64, ok bool)

// OnEndpoint hands a freshly created embedded TCP socket to the flow engine
// (flowengine.Engine.AttachSocket, via pkg/engine).
type OnEndpoint func(handle uint64, ep flowengine.Endpoint)

// Adapter owns the embedded stack and its virtual NIC.
type Adapter struct {
	st *stack.Stack
	ep *channel.Endpoint

	rxQueueDepth int
}

// New builds an embedded stack with a single channel-backed NIC carrying
// all tunnel traffic. ringCapacity sizes the NIC's outbound frame queue,
// rxQueueDepth bounds each accepted TCP endpoint's client->server byte
// buffer (see tcpEndpoint), and tcpRxBuf/tcpTxBuf size the stack's own
// per-socket TCP windows.
func New(mtu, ringCapacity, rxQueueDepth, tcpRxBuf, tcpTxBuf int, resolve Resolver, onEndpoint OnEndpoint) (*Adapter, error) {
	st := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol},
	})

	if tcpRxBuf > 0 {
		opt := tcpip.TCPReceiveBufferSizeRangeOption{Min: tcp.MinBufferSize, Default: tcpRxBuf, Max: tcpRxBuf}
		_ = st.SetTransportProtocolOption(tcp.ProtocolNumber, &opt)
	}
	if tcpTxBuf > 0 {
		opt := tcpip.TCPSendBufferSizeRangeOption{Min: tcp.MinBufferSize, Default: tcpTxBuf, Max: tcpTxBuf}
		_ = st.SetTransportProtocolOption(tcp.ProtocolNumber, &opt)
	}

	if ringCapacity <= 0 {
		ringCapacity = 512
	}
	ep := channel.New(ringCapacity, uint32(mtu), "")
	if err := st.CreateNIC(nicID, ep); err != nil {
		return nil, fmt.Errorf("netstack: CreateNIC: %v", err)
	}
	// The tunnel hands us packets for arbitrary destinations, never our own
	// NIC address, so both promiscuous mode and spoofing must be on. The
	// NIC still carries its stable gateway addresses (10.0.0.1/24,
	// fd00:1::1/64) so locally originated frames (ICMP errors, RSTs from
	// the forwarder) have a sane source.
	_ = st.SetPromiscuousMode(nicID, true)
	_ = st.SetSpoofing(nicID, true)

	for _, pa := range []tcpip.ProtocolAddress{
		{
			Protocol:          ipv4.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{Address: tcpip.AddrFrom4([4]byte{10, 0, 0, 1}), PrefixLen: 24},
		},
		{
			Protocol:          ipv6.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{Address: tcpip.AddrFrom16([16]byte{0xfd, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01}), PrefixLen: 64},
		},
	} {
		if err := st.AddProtocolAddress(nicID, pa, stack.AddressProperties{}); err != nil {
			return nil, fmt.Errorf("netstack: AddProtocolAddress: %v", err)
		}
	}

	st.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})

	a := &Adapter{st: st, ep: ep, rxQueueDepth: rxQueueDepth}

	fwd := tcp.NewForwarder(st, 0, 65535, func(r *tcp.ForwarderRequest) {
		id := r.ID()
		// The stack's local side of a forwarded connection is the SYN's
		// destination; its remote side is the tunnel client.
		srcIP := addrFromTCPIP(id.RemoteAddress)
		dstIP := addrFromTCPIP(id.LocalAddress)

		handle, ok := resolve(srcIP, id.RemotePort, dstIP, id.LocalPort)
		if !ok {
			r.Complete(true) // reset: the engine never admitted this flow
			return
		}

		var wq waiter.Queue
		gep, err := r.CreateEndpoint(&wq)
		if err != nil {
			r.Complete(true)
			return
		}
		r.Complete(false)

		conn := gonet.NewTCPConn(&wq, gep)
		onEndpoint(handle, newTCPEndpoint(conn, gep, a.rxQueueDepth))
	})
	st.SetTransportProtocolHandler(tcp.ProtocolNumber, fwd.HandlePacket)

	return a, nil
}

func addrFromTCPIP(a tcpip.Address) netip.Addr {
	if a.Len() == 4 {
		return netip.AddrFrom4([4]byte(a.AsSlice()))
	}
	return netip.AddrFrom16([16]byte(a.AsSlice()))
}

// InjectInbound hands a raw IP frame read from the tunnel to the embedded
// stack. Callers must only pass frames HandleTCPFrame has already approved
// (admitted flows and fresh, unblocked SYNs); everything else never reaches
// the embedded stack at all.
func (a *Adapter) InjectInbound(frame []byte) {
	var proto tcpip.NetworkProtocolNumber
	switch frame[0] >> 4 {
	case 4:
		proto = ipv4.ProtocolNumber
	case 6:
		proto = ipv6.ProtocolNumber
	default:
		return
	}
	pb := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	a.ep.InjectInbound(proto, pb)
	pb.DecRef()
}

// Outbound drains one frame the embedded stack produced on its own
// (SYN-ACKs, ACKs, retransmissions, FINs, RSTs) for writing back to the
// tunnel. ok is false when nothing is pending; callers should poll this
// once per tick rather than block on it.
func (a *Adapter) Outbound() ([]byte, bool) {
	pb := a.ep.Read()
	if pb == nil {
		return nil, false
	}
	v := pb.ToView()
	b := append([]byte(nil), v.AsSlice()...)
	pb.DecRef()
	return b, true
}

// Close tears down the embedded stack and every live endpoint within it.
func (a *Adapter) Close() {
	a.st.Close()
}
