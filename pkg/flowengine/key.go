// Package flowengine implements the admission, dial, data-path, shaping,
// backpressure, and pruning logic — the core of the flow-routing engine.
// One mutex (Engine.mu) guards the flow table, the socket set, and the
// memory tracker.
package flowengine

import "net/netip"

// Kind distinguishes TCP and UDP flows sharing the same dial/admission
// state machine.
type Kind uint8

const (
	TCP Kind = iota
	UDP
)

func (k Kind) String() string {
	if k == TCP {
		return "tcp"
	}
	return "udp"
}

// Key is the canonical, immutable five-tuple identifying a flow for its
// lifetime. SrcIP/SrcPort is the tunnel client; DstIP/DstPort is the
// real server.
type Key struct {
	SrcIP   netip.Addr
	SrcPort uint16
	DstIP   netip.Addr
	DstPort uint16
	Kind    Kind
}
