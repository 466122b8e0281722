// Package engine is the facade: lifecycle (New/Start/Stop), the
// lock-free packet ingress path, the poll loop, and the host-callback FFI
// surface. Everything else (flow admission, dial protocol,
// shaping/backpressure, policy, DNS, telemetry, the embedded TCP/IP stack)
// lives in pkg/flowengine, pkg/policy, pkg/dnssnoop, pkg/telemetry, and
// pkg/netstack; this package only wires them together and owns the
// goroutine that drives them.
package engine

import "time"

// Profile selects one of two named budget presets. Config.ApplyProfile
// fills any zero field from the selected profile, following the
// all-zero-fields-default convention used elsewhere in this module.
type Profile int

const (
	// ProfileDesktop is the general-purpose/server budget: 16 MiB memory,
	// 16-32 KiB TCP buffers, 16 KiB UDP buffers, 512-deep rings, 256 KiB
	// shaped bytes.
	ProfileDesktop Profile = iota
	// ProfileEmbedded is the constrained-target budget: 4 MiB memory, 4 KiB
	// TCP/UDP buffers, 256-deep rings, 32 KiB shaped bytes.
	ProfileEmbedded
)

// Config is the external configuration surface. All-zero fields default
// to profile-tuned values in ApplyProfile, which New calls before
// constructing anything.
type Config struct {
	Profile Profile

	MTU                int
	PacketPoolBytes    int
	PerFlowBytes       int
	ShapedBytes        int
	PollMinInterval    time.Duration
	PollMaxInterval    time.Duration
	SocketMemoryBudget int
	TCPRxBufferSize    int
	TCPTxBufferSize    int
	UDPBufferSize      int
	RingCapacity       int

	// IngressChannelCapacity bounds the lock-free MPSC packet channel
	// between HandlePacket callers and the poll loop; it is bounded and
	// drops on full. Distinct from RingCapacity, which sizes the TUN
	// outbound ring.
	IngressChannelCapacity int

	// TelemetryCapacity bounds pkg/telemetry's Ring.
	TelemetryCapacity int

	// RXQueueDepth bounds each admitted TCP endpoint's client->server byte
	// buffer inside pkg/netstack (the adapter's own internal pump).
	RXQueueDepth int
}

// ApplyProfile fills every zero field of c from the selected profile's
// defaults and returns c for chaining.
func (c Config) ApplyProfile() Config {
	d := desktopDefaults
	if c.Profile == ProfileEmbedded {
		d = embeddedDefaults
	}
	if c.MTU == 0 {
		c.MTU = d.MTU
	}
	if c.PacketPoolBytes == 0 {
		c.PacketPoolBytes = d.PacketPoolBytes
	}
	if c.PerFlowBytes == 0 {
		c.PerFlowBytes = d.PerFlowBytes
	}
	if c.ShapedBytes == 0 {
		c.ShapedBytes = d.ShapedBytes
	}
	if c.PollMinInterval == 0 {
		c.PollMinInterval = d.PollMinInterval
	}
	if c.PollMaxInterval == 0 {
		c.PollMaxInterval = d.PollMaxInterval
	}
	if c.SocketMemoryBudget == 0 {
		c.SocketMemoryBudget = d.SocketMemoryBudget
	}
	if c.TCPRxBufferSize == 0 {
		c.TCPRxBufferSize = d.TCPRxBufferSize
	}
	if c.TCPTxBufferSize == 0 {
		c.TCPTxBufferSize = d.TCPTxBufferSize
	}
	if c.UDPBufferSize == 0 {
		c.UDPBufferSize = d.UDPBufferSize
	}
	if c.RingCapacity == 0 {
		c.RingCapacity = d.RingCapacity
	}
	if c.IngressChannelCapacity == 0 {
		// Size the ingress channel to hold roughly PacketPoolBytes of
		// MTU-sized frames, with the TUN ring depth as the floor.
		c.IngressChannelCapacity = c.PacketPoolBytes / c.MTU
		if c.IngressChannelCapacity < c.RingCapacity {
			c.IngressChannelCapacity = c.RingCapacity
		}
	}
	if c.TelemetryCapacity == 0 {
		c.TelemetryCapacity = 1024
	}
	if c.RXQueueDepth == 0 {
		c.RXQueueDepth = d.TCPRxBufferSize / 64
		if c.RXQueueDepth < 32 {
			c.RXQueueDepth = 32
		}
	}
	return c
}

var desktopDefaults = Config{
	MTU:                1500,
	PacketPoolBytes:    64 << 10,
	PerFlowBytes:       32 << 10,
	ShapedBytes:        256 << 10,
	PollMinInterval:    10 * time.Millisecond,
	PollMaxInterval:    250 * time.Millisecond,
	SocketMemoryBudget: 16 << 20,
	TCPRxBufferSize:    32 << 10,
	TCPTxBufferSize:    32 << 10,
	UDPBufferSize:      16 << 10,
	RingCapacity:       512,
}

var embeddedDefaults = Config{
	MTU:                1500,
	PacketPoolBytes:    16 << 10,
	PerFlowBytes:       8 << 10,
	ShapedBytes:        32 << 10,
	PollMinInterval:    10 * time.Millisecond,
	PollMaxInterval:    250 * time.Millisecond,
	SocketMemoryBudget: 4 << 20,
	TCPRxBufferSize:    4 << 10,
	TCPTxBufferSize:    4 << 10,
	UDPBufferSize:      4 << 10,
	RingCapacity:       256,
}
