package flowengine

import "time"

// Tunables are the flow-engine-relevant knobs of the engine config.
// pkg/engine derives these from its own Config when constructing an
// Engine.
type Tunables struct {
	MaxDialAttempts int
	DialBackoffBase time.Duration // 50ms, doubled per attempt up to 2^4
	DialBackoffCap  int           // max doubling exponent (4)

	DialPendingTimeout time.Duration // 30s
	TCPSynSentTimeout  time.Duration // 15s
	UDPIdleTimeout     time.Duration // 10s

	TCPBackpressureInitialCooldown time.Duration // 10ms
	TCPBackpressureMaxCooldown     time.Duration // 200ms

	MaxBufferedPayloads int // per-flow pre-ready buffer cap
	MaxBufferedBytes    int
	UDPBufferBytes      int // overrides MaxBufferedBytes for UDP flows when > 0

	MaxShapedPayloads int // per-flow shaping queue cap
	MaxShapedBytes    int

	// TCPSocketCost/UDPSocketCost is what admitting one flow charges
	// against the memory budget up front (the embedded socket's RX+TX
	// buffers), returned in full when the flow is removed.
	TCPSocketCost int
	UDPSocketCost int

	SocketMemoryBudget int // total bytes across all sockets plus buffered/shaped payloads
}

// DefaultTunables returns this engine's default tuning constants.
func DefaultTunables() Tunables {
	return Tunables{
		MaxDialAttempts: 3,
		DialBackoffBase: 50 * time.Millisecond,
		DialBackoffCap:  4,

		DialPendingTimeout: 30 * time.Second,
		TCPSynSentTimeout:  15 * time.Second,
		UDPIdleTimeout:     10 * time.Second,

		TCPBackpressureInitialCooldown: 10 * time.Millisecond,
		TCPBackpressureMaxCooldown:     200 * time.Millisecond,

		MaxBufferedPayloads: 256,
		MaxBufferedBytes:    1 << 20, // 1 MiB

		MaxShapedPayloads: 256,
		MaxShapedBytes:    1 << 20,

		TCPSocketCost: 64 << 10, // 32 KiB RX + 32 KiB TX
		UDPSocketCost: 16 << 10,

		SocketMemoryBudget: 64 << 20, // 64 MiB
	}
}

// dialBackoff returns the retry delay before dial attempt n+1, following
// 50ms * 2^min(n-1, 4) for n >= 1.
func dialBackoff(t Tunables, attempt int) time.Duration {
	e := attempt - 1
	if e < 0 {
		e = 0
	}
	if e > t.DialBackoffCap {
		e = t.DialBackoffCap
	}
	return t.DialBackoffBase * time.Duration(uint64(1)<<uint(e))
}
