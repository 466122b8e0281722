package engine

// Callbacks is the fixed set of function-pointer capabilities the host
// installs once at Start: a small, fixed surface that never reflects over
// host state. A callback is invoked either from Engine's own poll-loop
// goroutine (a tick's batch) or from the goroutine of the host's On* call
// whose batch it dispatches; either way the flow-engine lock has already
// been released — callbacks never run while holding Engine's internal lock,
// so they may safely call back into Engine's On* entry points without
// deadlocking.
type Callbacks struct {
	// EmitPackets delivers one poll tick's worth of outbound TUN frames.
	EmitPackets func(frames [][]byte)

	// RequestTCPDial / RequestUDPDial ask the host to open the real
	// outbound connection for handle. The host replies asynchronously via
	// Engine.OnDialResult.
	RequestTCPDial func(handle uint64, host string, port uint16)
	RequestUDPDial func(handle uint64, host string, port uint16)

	// TCPSend / UDPSend ask the host to write bytes to the real connection.
	TCPSend func(handle uint64, payload []byte)
	UDPSend func(handle uint64, payload []byte)

	// TCPClose / UDPClose ask the host to release the real connection.
	// reason is one of: client_fin, client_rst, server_closed,
	// tcp_closed (<state>), dial_timeout, connection_timeout,
	// udp_idle_timeout, tcp_invalid_state, send_failed, or the host's own
	// dial-failure reason (dial_failed when the host supplied none).
	TCPClose func(handle uint64, reason string)
	UDPClose func(handle uint64, reason string)

	// RecordDNS surfaces a host -> addresses observation extracted by the
	// DNS snooper.
	RecordDNS func(host string, addresses []string, ttlSeconds uint32)
}

// validate fills in no-op defaults for any callback the host left nil, so
// the poll loop never has to nil-check before calling one — a nil
// callback is misuse the engine tolerates rather than one that can crash
// the poll loop.
func (c Callbacks) validate() Callbacks {
	if c.EmitPackets == nil {
		c.EmitPackets = func([][]byte) {}
	}
	if c.RequestTCPDial == nil {
		c.RequestTCPDial = func(uint64, string, uint16) {}
	}
	if c.RequestUDPDial == nil {
		c.RequestUDPDial = func(uint64, string, uint16) {}
	}
	if c.TCPSend == nil {
		c.TCPSend = func(uint64, []byte) {}
	}
	if c.UDPSend == nil {
		c.UDPSend = func(uint64, []byte) {}
	}
	if c.TCPClose == nil {
		c.TCPClose = func(uint64, string) {}
	}
	if c.UDPClose == nil {
		c.UDPClose = func(uint64, string) {}
	}
	if c.RecordDNS == nil {
		c.RecordDNS = func(string, []string, uint32) {}
	}
	return c
}
