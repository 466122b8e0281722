package engine

import "errors"

var (
	// ErrNotRunning is returned by entry points invoked before Start or
	// after Stop: a fatal misuse propagated as a normal error rather than
	// a panic across the FFI boundary.
	ErrNotRunning = errors.New("engine: not running")

	// ErrAlreadyRunning is returned by a second Start call.
	ErrAlreadyRunning = errors.New("engine: already running")

	// ErrInvalidFrame is returned by HandlePacket for an empty frame or one
	// whose declared family does not match the frame's own IP version
	// nibble. Frames are not parsed here.
	ErrInvalidFrame = errors.New("engine: invalid frame")

	// ErrIngressFull is returned by HandlePacket when the bounded ingress
	// channel has no room; the packet is dropped and this error is the
	// only breadcrumb.
	ErrIngressFull = errors.New("engine: ingress channel full")
)
