package flowengine

// SendOutcome is the result of writing client or server bytes into a flow's
// embedded-stack socket.
type SendOutcome int

const (
	SendOK SendOutcome = iota
	SendPartial
	SendWouldBlock
	SendInvalidState
)

// Endpoint is the embedded TCP/IP stack's per-flow socket handle, as
// required by the dial and data-path logic. pkg/netstack supplies the
// concrete gVisor-backed implementation; flowengine never depends on
// gVisor types directly, only on this contract.
type Endpoint interface {
	// Send writes server->client bytes (TCP) into the embedded socket's RX
	// queue so the embedded stack can deliver them to the tunnel client.
	// UDP flows bypass Send entirely; their server->client frames are
	// built directly via pktcodec.
	Send(b []byte) (SendOutcome, int)

	// RecvNonBlocking drains bytes the embedded stack has already received
	// from the tunnel client (client->server direction) without blocking.
	// ok is false when nothing is ready.
	RecvNonBlocking() ([]byte, bool)

	// Closed reports whether the embedded stack has torn down this socket
	// (e.g. TCP reached CLOSED, or RST was received).
	Closed() bool

	// Established reports whether the embedded stack's TCP handshake with
	// the tunnel client has completed. Meaningless for UDP endpoints, which
	// always report true.
	Established() bool

	// PeerClosed reports whether the embedded stack has observed the
	// tunnel client's half of the connection close (its TCP state machine
	// sitting in CloseWait/LastAck/TimeWait following a client FIN), as
	// distinct from Closed's fully-torn-down check — this is what
	// produces the client_fin close reason.
	PeerClosed() bool

	// Close tears down the embedded socket.
	Close()
}
