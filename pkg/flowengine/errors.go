package flowengine

import "errors"

var (
	// ErrUnknownHandle is returned by every host-facing callback (on_tcp_receive,
	// on_udp_receive, on_tcp_close, on_udp_close, on_*_send_failed,
	// on_dial_result) when the handle no longer names a live flow. A stale
	// handle is expected (the flow may have been pruned concurrently) and
	// must never be treated as a hard error by callers.
	ErrUnknownHandle = errors.New("flowengine: unknown or expired handle")

	// ErrWrongKind is returned when a TCP callback targets a UDP flow or vice versa.
	ErrWrongKind = errors.New("flowengine: handle kind mismatch")
)
