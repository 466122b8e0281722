package netstack

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"

	"github.com/relaytun/flowbridge/pkg/flowengine"
	"github.com/relaytun/flowbridge/pkg/tunring"
)

// writeAttemptWindow bounds how long a Send blocks before it's reported as
// SendWouldBlock. flowengine.Engine.Tick calls Send from its own poll step,
// so this must stay short: it is not a real timeout, just the width of the
// non-blocking-write approximation net.Conn forces on us.
const writeAttemptWindow = 2 * time.Millisecond

// tcpEndpoint adapts a gVisor TCP connection to flowengine.Endpoint. Reads
// are pumped into a bounded ring by a background goroutine so
// RecvNonBlocking never blocks the engine's poll loop; writes use a short
// deadline to approximate a non-blocking Write, since net.Conn has no
// TryWrite.
type tcpEndpoint struct {
	conn *gonet.TCPConn
	ep   tcpip.Endpoint
	rx   *tunring.Ring

	closed    atomic.Bool
	closeOnce sync.Once
}

func newTCPEndpoint(conn *gonet.TCPConn, ep tcpip.Endpoint, rxQueueDepth int) *tcpEndpoint {
	if rxQueueDepth <= 0 {
		rxQueueDepth = 256
	}
	t := &tcpEndpoint{conn: conn, ep: ep, rx: tunring.New(rxQueueDepth)}
	go t.pump()
	return t
}

func (t *tcpEndpoint) pump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			t.rx.Push(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			t.closed.Store(true)
			return
		}
	}
}

func (t *tcpEndpoint) Send(b []byte) (flowengine.SendOutcome, int) {
	if t.closed.Load() {
		return flowengine.SendInvalidState, 0
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeAttemptWindow))
	n, err := t.conn.Write(b)
	if err == nil {
		return flowengine.SendOK, n
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if n > 0 {
			return flowengine.SendPartial, n
		}
		return flowengine.SendWouldBlock, 0
	}
	t.closed.Store(true)
	return flowengine.SendInvalidState, n
}

func (t *tcpEndpoint) RecvNonBlocking() ([]byte, bool) {
	return t.rx.Pop()
}

func (t *tcpEndpoint) Closed() bool {
	if t.closed.Load() {
		return true
	}
	return tcp.EndpointState(t.ep.State()) == tcp.StateClose
}

func (t *tcpEndpoint) Established() bool {
	return tcp.EndpointState(t.ep.State()) == tcp.StateEstablished
}

func (t *tcpEndpoint) PeerClosed() bool {
	switch tcp.EndpointState(t.ep.State()) {
	case tcp.StateCloseWait, tcp.StateLastAck, tcp.StateTimeWait:
		return true
	default:
		return false
	}
}

func (t *tcpEndpoint) Close() {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.conn.Close()
	})
}
