package flowengine

import (
	"net"
	"testing"
	"time"

	"github.com/relaytun/flowbridge/pkg/pktcodec"
	"github.com/relaytun/flowbridge/pkg/policy"
	"github.com/relaytun/flowbridge/pkg/telemetry"
)

func synParsed(srcIP, dstIP string, srcPort, dstPort uint16) pktcodec.Parsed {
	return pktcodec.Parsed{
		Kind:      pktcodec.KindTCP,
		IPVersion: 4,
		SrcIP:     net.ParseIP(srcIP).To4(),
		DstIP:     net.ParseIP(dstIP).To4(),
		Proto:     pktcodec.ProtoTCP,
		TCP:       &pktcodec.TCPHeader{SrcPort: srcPort, DstPort: dstPort, Seq: 100, Flags: pktcodec.TCPFlags{SYN: true}},
	}
}

func rstParsed(srcIP, dstIP string, srcPort, dstPort uint16) pktcodec.Parsed {
	return pktcodec.Parsed{
		Kind:      pktcodec.KindTCP,
		IPVersion: 4,
		SrcIP:     net.ParseIP(srcIP).To4(),
		DstIP:     net.ParseIP(dstIP).To4(),
		Proto:     pktcodec.ProtoTCP,
		TCP:       &pktcodec.TCPHeader{SrcPort: srcPort, DstPort: dstPort, Seq: 200, Flags: pktcodec.TCPFlags{RST: true}},
	}
}

func udpParsed(srcIP, dstIP string, srcPort, dstPort uint16, payload []byte) pktcodec.Parsed {
	return pktcodec.Parsed{
		Kind:      pktcodec.KindUDP,
		IPVersion: 4,
		SrcIP:     net.ParseIP(srcIP).To4(),
		DstIP:     net.ParseIP(dstIP).To4(),
		Proto:     pktcodec.ProtoUDP,
		UDP:       &pktcodec.UDPHeader{SrcPort: srcPort, DstPort: dstPort, Payload: payload},
	}
}

func testTunables() Tunables {
	t := DefaultTunables()
	t.DialPendingTimeout = 30 * time.Second
	t.TCPSynSentTimeout = 15 * time.Second
	t.UDPIdleTimeout = 10 * time.Second
	t.TCPBackpressureInitialCooldown = 10 * time.Millisecond
	t.TCPBackpressureMaxCooldown = 200 * time.Millisecond
	return t
}

func TestHandleTCPFrame_AdmitsAndDials(t *testing.T) {
	e := New(testTunables(), policy.New())
	now := time.Unix(1000, 0)
	batch := &Batch{}

	fwd := e.HandleTCPFrame(synParsed("10.0.0.1", "93.184.216.34", 5555, 443), now, batch)
	if !fwd {
		t.Fatalf("expected new SYN to be forwarded to the embedded stack")
	}
	if len(batch.DialRequests) != 1 {
		t.Fatalf("expected 1 dial request, got %d", len(batch.DialRequests))
	}
	dr := batch.DialRequests[0]
	if dr.Kind != TCP || dr.Host != "93.184.216.34" || dr.Port != 443 {
		t.Fatalf("unexpected dial request: %+v", dr)
	}
	if e.FlowCount() != 1 {
		t.Fatalf("expected 1 flow, got %d", e.FlowCount())
	}
}

func TestHandleTCPFrame_PolicyBlock(t *testing.T) {
	store := policy.New()
	store.InstallRule("10.0.0.5", policy.ActionBlock, 0, 0)
	e := New(testTunables(), store)
	now := time.Unix(1000, 0)
	batch := &Batch{}

	fwd := e.HandleTCPFrame(synParsed("10.0.0.1", "10.0.0.5", 5555, 443), now, batch)
	if fwd {
		t.Fatalf("expected blocked SYN not to be forwarded")
	}
	if len(batch.Frames) != 1 {
		t.Fatalf("expected a synthetic RST frame, got %d frames", len(batch.Frames))
	}
	if len(batch.DialRequests) != 0 {
		t.Fatalf("blocked flow must not dial")
	}
	if e.FlowCount() != 0 {
		t.Fatalf("blocked flow must not be admitted")
	}
}

func TestHandleTCPFrame_PolicyBlock_TelemetryRecordsMatchedHost(t *testing.T) {
	store := policy.New()
	store.InstallRule("*.blocked.test", policy.ActionBlock, 0, 0)
	store.ObserveDNSMapping("api.blocked.test", []net.IP{net.ParseIP("203.0.113.55")}, 60*time.Second)
	e := New(testTunables(), store)
	now := time.Unix(1000, 0)
	batch := &Batch{}

	fwd := e.HandleTCPFrame(synParsed("10.0.0.1", "203.0.113.55", 5555, 443), now, batch)
	if fwd {
		t.Fatalf("expected blocked SYN not to be forwarded")
	}
	if len(batch.Telemetry) != 1 {
		t.Fatalf("expected one telemetry event, got %d", len(batch.Telemetry))
	}
	ev := batch.Telemetry[0]
	if ev.Flags&telemetry.FlagPolicyBlock == 0 {
		t.Fatalf("expected FlagPolicyBlock set, got flags=%v", ev.Flags)
	}
	if ev.DNSQName != "api.blocked.test" {
		t.Fatalf("expected dns_qname = api.blocked.test, got %q", ev.DNSQName)
	}
}

func TestHandleTCPFrame_MemoryBudgetExhausted_EmitsRST(t *testing.T) {
	tun := testTunables()
	tun.SocketMemoryBudget = tun.TCPSocketCost + tun.TCPSocketCost/2 // room for one socket, not two
	e := New(tun, policy.New())
	now := time.Unix(1000, 0)

	if !e.HandleTCPFrame(synParsed("10.0.0.1", "93.184.216.34", 5555, 443), now, &Batch{}) {
		t.Fatalf("first flow should be admitted within budget")
	}

	second := &Batch{}
	if e.HandleTCPFrame(synParsed("10.0.0.1", "93.184.216.34", 5556, 443), now, second) {
		t.Fatalf("expected budget-exhausted SYN to be rejected")
	}
	if len(second.Frames) != 1 {
		t.Fatalf("expected a synthetic RST frame, got %d frames", len(second.Frames))
	}
	if len(second.DialRequests) != 0 {
		t.Fatalf("rejected flow must not dial")
	}
	if e.FlowCount() != 1 {
		t.Fatalf("rejected flow must not be inserted, got %d flows", e.FlowCount())
	}
	if tcpFails, _ := e.AdmissionFailures(); tcpFails != 1 {
		t.Fatalf("expected tcp admission failure counted once, got %d", tcpFails)
	}

	// Closing the admitted flow returns its socket cost; the next SYN fits.
	e.OnHostClose(1, TCP, now, &Batch{})
	if !e.HandleTCPFrame(synParsed("10.0.0.1", "93.184.216.34", 5557, 443), now, &Batch{}) {
		t.Fatalf("expected admission to succeed once the budget is returned")
	}
}

func TestHandleUDPFrame_MemoryBudgetExhausted_EmitsICMP(t *testing.T) {
	tun := testTunables()
	tun.SocketMemoryBudget = tun.UDPSocketCost + 64 // one socket plus its first datagram
	e := New(tun, policy.New())
	now := time.Unix(1000, 0)

	first := &Batch{}
	e.HandleUDPFrame(udpParsed("10.0.0.1", "8.8.8.8", 5555, 9999, []byte("q")), nil, now, first)
	if e.FlowCount() != 1 {
		t.Fatalf("first flow should be admitted within budget")
	}

	second := &Batch{}
	e.HandleUDPFrame(udpParsed("10.0.0.1", "8.8.8.8", 5556, 9999, []byte("q")), nil, now, second)
	if e.FlowCount() != 1 {
		t.Fatalf("rejected flow must not be inserted, got %d flows", e.FlowCount())
	}
	if len(second.Frames) != 1 {
		t.Fatalf("expected an ICMP admin-prohibited frame, got %d frames", len(second.Frames))
	}
	if len(second.DialRequests) != 0 {
		t.Fatalf("rejected flow must not dial")
	}
	if _, udpFails := e.AdmissionFailures(); udpFails != 1 {
		t.Fatalf("expected udp admission failure counted once, got %d", udpFails)
	}
}

func TestHandleTCPFrame_DialRequestCarriesSnoopedHostname(t *testing.T) {
	store := policy.New()
	store.ObserveDNSMapping("cdn.example.net", []net.IP{net.ParseIP("93.184.216.34")}, 60*time.Second)
	e := New(testTunables(), store)
	now := time.Unix(1000, 0)
	batch := &Batch{}

	e.HandleTCPFrame(synParsed("10.0.0.1", "93.184.216.34", 5555, 443), now, batch)
	if len(batch.DialRequests) != 1 || batch.DialRequests[0].Host != "cdn.example.net" {
		t.Fatalf("expected dial request to name the snooped host, got %+v", batch.DialRequests)
	}
}

func TestHandleTCPFrame_StraySegmentForUnknownFlow(t *testing.T) {
	e := New(testTunables(), policy.New())
	now := time.Unix(1000, 0)
	batch := &Batch{}

	ack := synParsed("10.0.0.1", "93.184.216.34", 5555, 443)
	ack.TCP.Flags = pktcodec.TCPFlags{ACK: true}

	fwd := e.HandleTCPFrame(ack, now, batch)
	if fwd {
		t.Fatalf("expected non-SYN segment for unknown flow to be dropped")
	}
	if e.FlowCount() != 0 {
		t.Fatalf("stray segment must not create a flow")
	}
}

func TestHandleTCPFrame_ClientRST_ClosesFlow(t *testing.T) {
	e := New(testTunables(), policy.New())
	now := time.Unix(1000, 0)
	batch := &Batch{}
	e.HandleTCPFrame(synParsed("10.0.0.1", "93.184.216.34", 5555, 443), now, batch)

	batch2 := &Batch{}
	e.HandleTCPFrame(rstParsed("10.0.0.1", "93.184.216.34", 5555, 443), now, batch2)

	if e.FlowCount() != 0 {
		t.Fatalf("expected flow to be removed after client RST")
	}
	if len(batch2.Closes) != 1 || batch2.Closes[0].Reason != "client_rst" {
		t.Fatalf("expected a close request with reason client_rst, got %+v", batch2.Closes)
	}
}

func TestOnDialResult_Success_FlushesBufferedUDP(t *testing.T) {
	e := New(testTunables(), policy.New())
	now := time.Unix(1000, 0)
	batch := &Batch{}
	e.HandleUDPFrame(udpParsed("10.0.0.1", "8.8.8.8", 5555, 9999, []byte("hello")), nil, now, batch)
	if len(batch.DialRequests) != 1 {
		t.Fatalf("expected 1 dial request")
	}
	handle := batch.DialRequests[0].Handle

	batch2 := &Batch{}
	if err := e.OnDialResult(handle, true, "", now, batch2); err != nil {
		t.Fatalf("OnDialResult: %v", err)
	}
	if len(batch2.UDPSends) != 1 || string(batch2.UDPSends[0].Payload) != "hello" {
		t.Fatalf("expected buffered payload to flush, got %+v", batch2.UDPSends)
	}

	batch3 := &Batch{}
	e.HandleUDPFrame(udpParsed("10.0.0.1", "8.8.8.8", 5555, 9999, []byte("again")), nil, now, batch3)
	if len(batch3.UDPSends) != 1 || string(batch3.UDPSends[0].Payload) != "again" {
		t.Fatalf("expected ready flow to forward immediately, got %+v", batch3.UDPSends)
	}
}

func TestOnDialResult_MaxAttemptsExceeded_Closes(t *testing.T) {
	tun := testTunables()
	tun.MaxDialAttempts = 2
	e := New(tun, policy.New())
	now := time.Unix(1000, 0)
	batch := &Batch{}
	e.HandleUDPFrame(udpParsed("10.0.0.1", "8.8.8.8", 5555, 9999, []byte("x")), nil, now, batch)
	handle := batch.DialRequests[0].Handle

	b1 := &Batch{}
	e.OnDialResult(handle, false, "net_err", now, b1) // attempt 2, still under max
	if e.FlowCount() != 1 {
		t.Fatalf("flow should survive one failed attempt")
	}

	b2 := &Batch{}
	e.OnDialResult(handle, false, "net_err", now, b2) // attempt 3, exceeds max of 2
	if e.FlowCount() != 0 {
		t.Fatalf("flow should be closed after exceeding max dial attempts")
	}
	if len(b2.Closes) != 1 || b2.Closes[0].Reason != "net_err" {
		t.Fatalf("expected the host's own failure reason surfaced on the close, got %+v", b2.Closes)
	}
}

func TestOnDialResult_MaxAttemptsExceeded_BlankReasonFallsBack(t *testing.T) {
	tun := testTunables()
	tun.MaxDialAttempts = 1
	e := New(tun, policy.New())
	now := time.Unix(1000, 0)
	batch := &Batch{}
	e.HandleUDPFrame(udpParsed("10.0.0.1", "8.8.8.8", 5555, 9999, []byte("x")), nil, now, batch)
	handle := batch.DialRequests[0].Handle

	b := &Batch{}
	e.OnDialResult(handle, false, "", now, b)
	if len(b.Closes) != 1 || b.Closes[0].Reason != "dial_failed" {
		t.Fatalf("expected dial_failed fallback for a blank host reason, got %+v", b.Closes)
	}
}

func TestTick_RedialAfterBackoff(t *testing.T) {
	e := New(testTunables(), policy.New())
	now := time.Unix(1000, 0)
	batch := &Batch{}
	e.HandleUDPFrame(udpParsed("10.0.0.1", "8.8.8.8", 5555, 9999, []byte("x")), nil, now, batch)
	handle := batch.DialRequests[0].Handle

	e.OnDialResult(handle, false, "net_err", now, &Batch{}) // schedules redial at now+50ms

	tooSoon := &Batch{}
	e.Tick(now.Add(10*time.Millisecond), tooSoon)
	if len(tooSoon.DialRequests) != 0 {
		t.Fatalf("must not redial before backoff elapses")
	}

	dueBatch := &Batch{}
	e.Tick(now.Add(60*time.Millisecond), dueBatch)
	if len(dueBatch.DialRequests) != 1 {
		t.Fatalf("expected redial once backoff elapses, got %d", len(dueBatch.DialRequests))
	}
}

func TestTick_DialPendingTimeout_ForcesFailure(t *testing.T) {
	tun := testTunables()
	tun.DialPendingTimeout = 5 * time.Second
	tun.MaxDialAttempts = 1
	e := New(tun, policy.New())
	now := time.Unix(1000, 0)
	batch := &Batch{}
	e.HandleUDPFrame(udpParsed("10.0.0.1", "8.8.8.8", 5555, 9999, []byte("x")), nil, now, batch)

	late := &Batch{}
	e.Tick(now.Add(6*time.Second), late)
	if e.FlowCount() != 0 {
		t.Fatalf("expected dial-pending timeout to close the flow")
	}
	if len(late.Closes) != 1 || late.Closes[0].Reason != "dial_timeout" {
		t.Fatalf("expected a dial_timeout close, got %+v", late.Closes)
	}
}

func TestOnHostReceive_TCP_ReadyDeliversToSocket(t *testing.T) {
	e := New(testTunables(), policy.New())
	now := time.Unix(1000, 0)
	batch := &Batch{}
	e.HandleTCPFrame(synParsed("10.0.0.1", "93.184.216.34", 5555, 443), now, batch)
	handle := batch.DialRequests[0].Handle

	ep := &fakeEndpoint{established: true}
	e.AttachSocket(handle, ep)
	e.OnDialResult(handle, true, "", now, &Batch{})

	if err := e.OnHostReceive(handle, TCP, []byte("server says hi"), now, &Batch{}); err != nil {
		t.Fatalf("OnHostReceive: %v", err)
	}
	if len(ep.sent) != 1 || string(ep.sent[0]) != "server says hi" {
		t.Fatalf("expected payload delivered to socket, got %+v", ep.sent)
	}
}

func TestOnHostReceive_Backpressure_RetriesOnTick(t *testing.T) {
	e := New(testTunables(), policy.New())
	now := time.Unix(1000, 0)
	batch := &Batch{}
	e.HandleTCPFrame(synParsed("10.0.0.1", "93.184.216.34", 5555, 443), now, batch)
	handle := batch.DialRequests[0].Handle

	ep := &fakeEndpoint{established: true, sendOutcomes: []SendOutcome{SendWouldBlock}, sendNs: []int{0}}
	e.AttachSocket(handle, ep)
	e.OnDialResult(handle, true, "", now, &Batch{})

	e.OnHostReceive(handle, TCP, []byte("payload"), now, &Batch{})
	if len(ep.sent) != 1 {
		t.Fatalf("expected first send attempt recorded")
	}

	// Immediate tick: cooldown hasn't elapsed yet (retryAt reset to zero-time
	// by queueBackpressure means the very first tick is allowed to retry).
	e.Tick(now, &Batch{})
	if len(ep.sent) < 2 {
		t.Fatalf("expected a retry attempt on the first tick after WouldBlock")
	}
}

func TestOnHostReceive_Shaped_DelaysUDPDelivery(t *testing.T) {
	store := policy.New()
	store.InstallRule("8.8.8.8", policy.ActionShape, 50, 0)
	e := New(testTunables(), store)
	now := time.Unix(1000, 0)
	batch := &Batch{}
	e.HandleUDPFrame(udpParsed("10.0.0.1", "8.8.8.8", 5555, 9999, []byte("q")), nil, now, batch)
	handle := batch.DialRequests[0].Handle
	e.OnDialResult(handle, true, "", now, &Batch{})

	recvBatch := &Batch{}
	e.OnHostReceive(handle, UDP, []byte("answer"), now, recvBatch)
	if len(recvBatch.Frames) != 0 {
		t.Fatalf("shaped payload must not be delivered immediately")
	}

	early := &Batch{}
	e.Tick(now.Add(10*time.Millisecond), early)
	if len(early.Frames) != 0 {
		t.Fatalf("shaped payload must not be delivered before its delay elapses")
	}

	late := &Batch{}
	e.Tick(now.Add(60*time.Millisecond), late)
	if len(late.Frames) != 1 {
		t.Fatalf("expected shaped payload to be delivered once its delay elapses, got %d frames", len(late.Frames))
	}
}

func TestOnHostReceive_TCP_PreReadyBuffersThenFlushesInOrder(t *testing.T) {
	e := New(testTunables(), policy.New())
	now := time.Unix(1000, 0)
	batch := &Batch{}
	e.HandleTCPFrame(synParsed("10.0.0.1", "93.184.216.34", 5555, 443), now, batch)
	handle := batch.DialRequests[0].Handle

	base := e.MemoryUsed() // the admitted socket's own cost

	// Host bytes arriving before the dial completes must be held, not lost.
	if err := e.OnHostReceive(handle, TCP, []byte("first"), now, &Batch{}); err != nil {
		t.Fatalf("OnHostReceive: %v", err)
	}
	if err := e.OnHostReceive(handle, TCP, []byte("second"), now, &Batch{}); err != nil {
		t.Fatalf("OnHostReceive: %v", err)
	}
	if used := e.MemoryUsed(); used != base+len("first")+len("second") {
		t.Fatalf("expected buffered bytes charged to the memory tracker, used=%d base=%d", used, base)
	}

	ep := &fakeEndpoint{established: true}
	e.AttachSocket(handle, ep)
	e.OnDialResult(handle, true, "", now, &Batch{})

	if len(ep.sent) != 2 || string(ep.sent[0]) != "first" || string(ep.sent[1]) != "second" {
		t.Fatalf("expected buffered payloads pushed to the socket in order, got %v", ep.sent)
	}
	if used := e.MemoryUsed(); used != base {
		t.Fatalf("expected buffered bytes returned after flush, used=%d base=%d", used, base)
	}
}

func TestOnHostReceive_TCP_PreReadyBufferCapRetainsLatest(t *testing.T) {
	tun := testTunables()
	tun.MaxBufferedPayloads = 3
	e := New(tun, policy.New())
	now := time.Unix(1000, 0)
	batch := &Batch{}
	e.HandleTCPFrame(synParsed("10.0.0.1", "93.184.216.34", 5555, 443), now, batch)
	handle := batch.DialRequests[0].Handle

	for _, p := range []string{"a", "b", "c", "d"} {
		e.OnHostReceive(handle, TCP, []byte(p), now, &Batch{})
	}

	ep := &fakeEndpoint{established: true}
	e.AttachSocket(handle, ep)
	e.OnDialResult(handle, true, "", now, &Batch{})

	if len(ep.sent) != 3 {
		t.Fatalf("expected exactly the cap's worth of payloads, got %d", len(ep.sent))
	}
	if string(ep.sent[0]) != "b" || string(ep.sent[2]) != "d" {
		t.Fatalf("expected oldest evicted and latest retained, got %v", ep.sent)
	}
}

func TestOnHostReceive_InvalidState_ClosesWithReason(t *testing.T) {
	e := New(testTunables(), policy.New())
	now := time.Unix(1000, 0)
	batch := &Batch{}
	e.HandleTCPFrame(synParsed("10.0.0.1", "93.184.216.34", 5555, 443), now, batch)
	handle := batch.DialRequests[0].Handle

	ep := &fakeEndpoint{established: true, sendOutcomes: []SendOutcome{SendInvalidState}, sendNs: []int{0}}
	e.AttachSocket(handle, ep)
	e.OnDialResult(handle, true, "", now, &Batch{})

	recvBatch := &Batch{}
	e.OnHostReceive(handle, TCP, []byte("x"), now, recvBatch)
	if e.FlowCount() != 0 {
		t.Fatalf("expected flow closed on InvalidState")
	}
	if len(recvBatch.Closes) != 1 || recvBatch.Closes[0].Reason != "tcp_invalid_state" {
		t.Fatalf("expected tcp_invalid_state close, got %+v", recvBatch.Closes)
	}
}

func TestTick_TCPDialPendingStale_ClosesWithConnectionTimeout(t *testing.T) {
	tun := testTunables()
	tun.TCPSynSentTimeout = 5 * time.Second
	e := New(tun, policy.New())
	now := time.Unix(1000, 0)
	batch := &Batch{}
	e.HandleTCPFrame(synParsed("10.0.0.1", "93.184.216.34", 5555, 443), now, batch)

	stale := &Batch{}
	e.Tick(now.Add(6*time.Second), stale)
	if e.FlowCount() != 0 {
		t.Fatalf("expected stale not-yet-ready TCP flow closed")
	}
	if len(stale.Closes) != 1 || stale.Closes[0].Reason != "connection_timeout" {
		t.Fatalf("expected connection_timeout close, got %+v", stale.Closes)
	}
}

func TestTick_UDPIdleTimeout_Closes(t *testing.T) {
	tun := testTunables()
	tun.UDPIdleTimeout = 2 * time.Second
	e := New(tun, policy.New())
	now := time.Unix(1000, 0)
	batch := &Batch{}
	e.HandleUDPFrame(udpParsed("10.0.0.1", "8.8.8.8", 5555, 9999, []byte("q")), nil, now, batch)
	handle := batch.DialRequests[0].Handle
	e.OnDialResult(handle, true, "", now, &Batch{})

	idle := &Batch{}
	e.Tick(now.Add(3*time.Second), idle)
	if e.FlowCount() != 0 {
		t.Fatalf("expected idle UDP flow to be closed")
	}
	if len(idle.Closes) != 1 || idle.Closes[0].Reason != "udp_idle_timeout" {
		t.Fatalf("expected udp_idle_timeout close, got %+v", idle.Closes)
	}
}

func TestTick_EmbeddedSocketClosed_ClosesFlow(t *testing.T) {
	e := New(testTunables(), policy.New())
	now := time.Unix(1000, 0)
	batch := &Batch{}
	e.HandleTCPFrame(synParsed("10.0.0.1", "93.184.216.34", 5555, 443), now, batch)
	handle := batch.DialRequests[0].Handle

	ep := &fakeEndpoint{established: true}
	e.AttachSocket(handle, ep)
	e.OnDialResult(handle, true, "", now, &Batch{})

	ep.closed = true
	closeBatch := &Batch{}
	e.Tick(now, closeBatch)
	if e.FlowCount() != 0 {
		t.Fatalf("expected flow to be removed once the embedded socket reports closed")
	}
}

func TestTick_ClientFIN_ClosesWithReason(t *testing.T) {
	e := New(testTunables(), policy.New())
	now := time.Unix(1000, 0)
	batch := &Batch{}
	e.HandleTCPFrame(synParsed("10.0.0.1", "93.184.216.34", 5555, 443), now, batch)
	handle := batch.DialRequests[0].Handle

	ep := &fakeEndpoint{established: true}
	e.AttachSocket(handle, ep)
	e.OnDialResult(handle, true, "", now, &Batch{})

	ep.peerClosed = true
	closeBatch := &Batch{}
	e.Tick(now, closeBatch)
	if e.FlowCount() != 0 {
		t.Fatalf("expected flow to be removed once the client's FIN reaches CloseWait/LastAck/TimeWait")
	}
	if len(closeBatch.Closes) != 1 || closeBatch.Closes[0].Reason != "client_fin" {
		t.Fatalf("expected a client_fin close, got %+v", closeBatch.Closes)
	}
}

func TestOnHostClose_ClosesFlow(t *testing.T) {
	e := New(testTunables(), policy.New())
	now := time.Unix(1000, 0)
	batch := &Batch{}
	e.HandleUDPFrame(udpParsed("10.0.0.1", "8.8.8.8", 5555, 9999, []byte("q")), nil, now, batch)
	handle := batch.DialRequests[0].Handle

	closeBatch := &Batch{}
	if err := e.OnHostClose(handle, UDP, now, closeBatch); err != nil {
		t.Fatalf("OnHostClose: %v", err)
	}
	if e.FlowCount() != 0 {
		t.Fatalf("expected flow removed")
	}
	if len(closeBatch.Closes) != 1 || closeBatch.Closes[0].Reason != "server_closed" {
		t.Fatalf("expected server_closed close, got %+v", closeBatch.Closes)
	}
}

func TestUnknownHandle_ReturnsErrUnknownHandle(t *testing.T) {
	e := New(testTunables(), policy.New())
	now := time.Unix(1000, 0)
	if err := e.OnHostClose(9999, TCP, now, &Batch{}); err != ErrUnknownHandle {
		t.Fatalf("expected ErrUnknownHandle, got %v", err)
	}
	if err := e.OnHostReceive(9999, TCP, []byte("x"), now, &Batch{}); err != ErrUnknownHandle {
		t.Fatalf("expected ErrUnknownHandle, got %v", err)
	}
	if err := e.OnDialResult(9999, true, "", now, &Batch{}); err != ErrUnknownHandle {
		t.Fatalf("expected ErrUnknownHandle, got %v", err)
	}
}

func TestOnHostReceive_WrongKind_ReturnsErrWrongKind(t *testing.T) {
	e := New(testTunables(), policy.New())
	now := time.Unix(1000, 0)
	batch := &Batch{}
	e.HandleUDPFrame(udpParsed("10.0.0.1", "8.8.8.8", 5555, 9999, []byte("q")), nil, now, batch)
	handle := batch.DialRequests[0].Handle

	if err := e.OnHostReceive(handle, TCP, []byte("x"), now, &Batch{}); err != ErrWrongKind {
		t.Fatalf("OnHostReceive with mismatched kind = %v, want ErrWrongKind", err)
	}
	if err := e.OnHostClose(handle, TCP, now, &Batch{}); err != ErrWrongKind {
		t.Fatalf("OnHostClose with mismatched kind = %v, want ErrWrongKind", err)
	}
	if err := e.OnHostSendFailed(handle, TCP, now, &Batch{}); err != ErrWrongKind {
		t.Fatalf("OnHostSendFailed with mismatched kind = %v, want ErrWrongKind", err)
	}
}

func TestMemoryTracker_ReserveRelease(t *testing.T) {
	m := NewMemoryTracker(10)
	if !m.TryReserve(6) {
		t.Fatalf("expected reservation within budget to succeed")
	}
	if m.TryReserve(6) {
		t.Fatalf("expected reservation exceeding budget to fail")
	}
	m.Release(6)
	if m.Used() != 0 {
		t.Fatalf("expected used=0 after release, got %d", m.Used())
	}
}
