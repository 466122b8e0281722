package engine

import (
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/relaytun/flowbridge/internal/logging"
	"github.com/relaytun/flowbridge/pkg/flowengine"
	"github.com/relaytun/flowbridge/pkg/netstack"
	"github.com/relaytun/flowbridge/pkg/pktcodec"
	"github.com/relaytun/flowbridge/pkg/policy"
	"github.com/relaytun/flowbridge/pkg/telemetry"
)

const maxPacketsPerTick = 512

type ingressPacket struct {
	bytes  []byte
	family int
}

// Engine is the host-facing facade: a single poll-loop goroutine driving
// pkg/flowengine and the embedded TCP/IP stack (pkg/netstack), fed by a
// bounded lock-free ingress channel, exposing host callbacks installed
// once at Start.
type Engine struct {
	cfg Config

	fe     *flowengine.Engine
	policy *policy.Store
	tele   *telemetry.Ring
	ns     *netstack.Adapter

	ingress chan ingressPacket
	wake    chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}

	runMu   sync.Mutex
	running bool
	cb      Callbacks

	counters counters
}

type counters struct {
	mu             sync.Mutex
	invalidIP      uint64
	invalidTCP     uint64
	invalidUDP     uint64
	ingressDropped uint64
}

// New constructs an Engine and its embedded TCP/IP stack. It does not start
// the poll loop; call Start for that.
func New(cfg Config) (*Engine, error) {
	cfg = cfg.ApplyProfile()

	policyStore := policy.New()
	tele := telemetry.New(cfg.TelemetryCapacity)

	tun := flowengine.DefaultTunables()
	tun.SocketMemoryBudget = cfg.SocketMemoryBudget
	tun.MaxBufferedBytes = cfg.PerFlowBytes
	tun.UDPBufferBytes = cfg.UDPBufferSize
	tun.MaxShapedBytes = cfg.ShapedBytes
	tun.TCPSocketCost = cfg.TCPRxBufferSize + cfg.TCPTxBufferSize
	tun.UDPSocketCost = cfg.UDPBufferSize

	fe := flowengine.New(tun, policyStore)

	e := &Engine{
		cfg:     cfg,
		fe:      fe,
		policy:  policyStore,
		tele:    tele,
		ingress: make(chan ingressPacket, cfg.IngressChannelCapacity),
		wake:    make(chan struct{}, 1),
	}

	ns, err := netstack.New(cfg.MTU, cfg.RingCapacity, cfg.RXQueueDepth, cfg.TCPRxBufferSize, cfg.TCPTxBufferSize, e.resolve, e.onEndpoint)
	if err != nil {
		return nil, err
	}
	e.ns = ns
	return e, nil
}

func (e *Engine) resolve(srcIP netip.Addr, srcPort uint16, dstIP netip.Addr, dstPort uint16) (uint64, bool) {
	return e.fe.LookupHandle(flowengine.Key{
		SrcIP: srcIP, SrcPort: srcPort, DstIP: dstIP, DstPort: dstPort, Kind: flowengine.TCP,
	})
}

func (e *Engine) onEndpoint(handle uint64, ep flowengine.Endpoint) {
	if err := e.fe.AttachSocket(handle, ep); err != nil {
		ep.Close()
	}
}

// Start installs the host callback set and launches the poll-loop
// goroutine. Returns ErrAlreadyRunning if already started.
func (e *Engine) Start(cb Callbacks) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}
	e.cb = cb.validate()
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.running = true
	go e.pollLoop()
	return nil
}

// Stop requests the poll loop to exit and waits up to ~500ms for it to do
// so gracefully. It is safe to call Stop on an already-stopped Engine.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	e.running = false
	stopCh, doneCh := e.stopCh, e.doneCh
	e.runMu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-time.After(500 * time.Millisecond):
		logging.L().Sugar().Warn("engine: poll loop did not exit within 500ms")
	}
}

// Close tears down the embedded TCP/IP stack. Call after Stop; splitting
// "stop the poll loop" from "release the embedded stack" lets the poll
// loop's own goroutine wind down before the stack underneath it is torn
// out, since Go's GC handles the Engine value itself.
func (e *Engine) Close() {
	e.ns.Close()
}

func (e *Engine) isRunning() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.running
}

// HandlePacket is the ingress entry point for one raw IP frame read from
// the TUN device. It rejects an empty frame or one whose IP version nibble
// does not match family (when family is 4 or 6), and pushes it onto the
// bounded MPSC channel; the poll loop does the parsing and the actual
// admission/routing work. Never blocks: a full channel drops the packet.
func (e *Engine) HandlePacket(b []byte, family int) error {
	if !e.isRunning() {
		return ErrNotRunning
	}
	if len(b) == 0 {
		return ErrInvalidFrame
	}
	if v := int(b[0] >> 4); (family == 4 || family == 6) && v != family {
		return ErrInvalidFrame
	}
	frame := append([]byte(nil), b...)
	select {
	case e.ingress <- ingressPacket{bytes: frame, family: family}:
	default:
		e.counters.mu.Lock()
		e.counters.ingressDropped++
		e.counters.mu.Unlock()
		return ErrIngressFull
	}
	e.signalWake()
	return nil
}

func (e *Engine) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// OnTCPReceive is on_tcp_receive: the host delivers bytes read from the
// real server, to be forwarded to the tunnel client.
func (e *Engine) OnTCPReceive(handle uint64, payload []byte) error {
	return e.withBatch(func(b *flowengine.Batch) error {
		return e.fe.OnHostReceive(handle, flowengine.TCP, payload, time.Now(), b)
	})
}

// OnUDPReceive is on_udp_receive.
func (e *Engine) OnUDPReceive(handle uint64, payload []byte) error {
	return e.withBatch(func(b *flowengine.Batch) error {
		return e.fe.OnHostReceive(handle, flowengine.UDP, payload, time.Now(), b)
	})
}

// OnTCPClose is on_tcp_close.
func (e *Engine) OnTCPClose(handle uint64) error {
	return e.withBatch(func(b *flowengine.Batch) error {
		return e.fe.OnHostClose(handle, flowengine.TCP, time.Now(), b)
	})
}

// OnUDPClose is on_udp_close.
func (e *Engine) OnUDPClose(handle uint64) error {
	return e.withBatch(func(b *flowengine.Batch) error {
		return e.fe.OnHostClose(handle, flowengine.UDP, time.Now(), b)
	})
}

// OnTCPSendFailed is on_tcp_send_failed.
func (e *Engine) OnTCPSendFailed(handle uint64, _ error) error {
	return e.withBatch(func(b *flowengine.Batch) error {
		return e.fe.OnHostSendFailed(handle, flowengine.TCP, time.Now(), b)
	})
}

// OnUDPSendFailed is on_udp_send_failed.
func (e *Engine) OnUDPSendFailed(handle uint64, _ error) error {
	return e.withBatch(func(b *flowengine.Batch) error {
		return e.fe.OnHostSendFailed(handle, flowengine.UDP, time.Now(), b)
	})
}

// OnDialResult is on_dial_result.
func (e *Engine) OnDialResult(handle uint64, success bool, reason string) error {
	return e.withBatch(func(b *flowengine.Batch) error {
		return e.fe.OnDialResult(handle, success, reason, time.Now(), b)
	})
}

// withBatch runs fn against a fresh batch and dispatches the result. Host
// callbacks acquire the flow-engine lock briefly to mutate state (fn,
// which takes flowengine's own internal lock) and wake the poll loop
// (signalWake); dispatch happens here, after fn returns and the
// flow-engine lock has been released.
func (e *Engine) withBatch(fn func(*flowengine.Batch) error) error {
	if !e.isRunning() {
		return ErrNotRunning
	}
	batch := &flowengine.Batch{}
	err := fn(batch)
	e.dispatch(batch)
	e.signalWake()
	return err
}

// HostRuleAdd installs a policy rule and returns its id.
func (e *Engine) HostRuleAdd(pattern string, action policy.Action, latencyMs, jitterMs int) uint64 {
	return e.fe.InstallRule(pattern, action, latencyMs, jitterMs)
}

// HostRuleRemove removes a previously installed rule.
func (e *Engine) HostRuleRemove(id uint64) bool {
	return e.fe.RemoveRule(id)
}

// DrainTelemetry pops up to max buffered events and reports the
// cumulative drop count.
func (e *Engine) DrainTelemetry(max int) (events []telemetry.Event, dropped uint64) {
	return e.tele.Drain(max)
}

// ResolveHost is resolve_host: a blocking lookup answered from the DNS
// snooper's observation cache rather than a live resolver. ok is false
// when no unexpired observation names the host.
func (e *Engine) ResolveHost(host string) (addresses []string, ttlSeconds uint32, ok bool) {
	ips, remain, ok := e.policy.AddressesForHost(host)
	if !ok {
		return nil, 0, false
	}
	addresses = make([]string, len(ips))
	for i, ip := range ips {
		addresses[i] = ip.String()
	}
	return addresses, uint32(remain / time.Second), true
}

// Stats is the get_stats surface.
type Stats struct {
	FlowCount           int
	MemoryUsed          int
	InvalidIPPackets    uint64
	InvalidTCPSegments  uint64
	InvalidUDPDatagrams uint64
	TCPAdmissionFail    uint64
	UDPAdmissionFail    uint64
	IngressDropped      uint64
	TelemetryDropped    uint64
}

// Counters is the get_counters surface: the cumulative error and drop
// counters alone, without the flow-table snapshot GetStats adds.
type Counters struct {
	InvalidIPPackets    uint64
	InvalidTCPSegments  uint64
	InvalidUDPDatagrams uint64
	TCPAdmissionFail    uint64
	UDPAdmissionFail    uint64
	IngressDropped      uint64
	TelemetryDropped    uint64
}

// GetCounters returns the cumulative error/drop counters.
func (e *Engine) GetCounters() Counters {
	e.counters.mu.Lock()
	c := Counters{
		InvalidIPPackets:    e.counters.invalidIP,
		InvalidTCPSegments:  e.counters.invalidTCP,
		InvalidUDPDatagrams: e.counters.invalidUDP,
		IngressDropped:      e.counters.ingressDropped,
	}
	e.counters.mu.Unlock()
	c.TCPAdmissionFail, c.UDPAdmissionFail = e.fe.AdmissionFailures()
	c.TelemetryDropped = e.tele.Dropped()
	return c
}

// GetStats returns a snapshot of engine-wide counters.
func (e *Engine) GetStats() Stats {
	e.counters.mu.Lock()
	invalidIP := e.counters.invalidIP
	invalidTCP := e.counters.invalidTCP
	invalidUDP := e.counters.invalidUDP
	ingressDropped := e.counters.ingressDropped
	e.counters.mu.Unlock()
	tcpAdm, udpAdm := e.fe.AdmissionFailures()
	return Stats{
		FlowCount:           e.fe.FlowCount(),
		MemoryUsed:          e.fe.MemoryUsed(),
		InvalidIPPackets:    invalidIP,
		InvalidTCPSegments:  invalidTCP,
		InvalidUDPDatagrams: invalidUDP,
		TCPAdmissionFail:    tcpAdm,
		UDPAdmissionFail:    udpAdm,
		IngressDropped:      ingressDropped,
		TelemetryDropped:    e.tele.Dropped(),
	}
}

func (e *Engine) pollLoop() {
	defer close(e.doneCh)
	interval := e.cfg.PollMinInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-timer.C:
		case <-e.wake:
			if !timer.Stop() {
				drainTimer(timer)
			}
		}

		didWork := e.tick()

		if didWork {
			interval = e.cfg.PollMinInterval
		} else {
			interval *= 2
			if interval > e.cfg.PollMaxInterval {
				interval = e.cfg.PollMaxInterval
			}
		}
		timer.Reset(interval)
	}
}

func drainTimer(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}

// tick runs one poll-loop iteration and reports whether any work was
// done, for the adaptive cadence.
func (e *Engine) tick() bool {
	now := time.Now()
	batch := &flowengine.Batch{}
	work := false

	for i := 0; i < maxPacketsPerTick; i++ {
		select {
		case pkt := <-e.ingress:
			e.processPacket(pkt, now, batch)
			work = true
		default:
			i = maxPacketsPerTick
		}
	}

	for {
		frame, ok := e.ns.Outbound()
		if !ok {
			break
		}
		// The embedded stack never negotiates ECN on our NIC, so any
		// ECE/CWR on an outbound SYN-ACK reflects a peer's own stack
		// quirk rather than a real negotiated codepoint.
		batch.Frames = append(batch.Frames, pktcodec.StripECNIfNeeded(frame, false))
		work = true
	}

	e.fe.Tick(now, batch)
	if !batch.Empty() {
		work = true
	}

	e.dispatch(batch)
	return work
}

func (e *Engine) processPacket(pkt ingressPacket, now time.Time, batch *flowengine.Batch) {
	parsed, err := pktcodec.Parse(pkt.bytes)
	if err != nil {
		category := "invalid_ip"
		e.counters.mu.Lock()
		switch {
		case errors.Is(err, pktcodec.ErrMalformedTCPSegment):
			e.counters.invalidTCP++
			category = "invalid_tcp"
		case errors.Is(err, pktcodec.ErrMalformedUDPDatagram):
			e.counters.invalidUDP++
			category = "invalid_udp"
		default:
			e.counters.invalidIP++
		}
		e.counters.mu.Unlock()
		if logging.Allowed(category) {
			logging.L().Sugar().Debugw("dropping unparseable frame", "err", err)
		}
		return
	}

	switch parsed.Kind {
	case pktcodec.KindTCP:
		if e.fe.HandleTCPFrame(parsed, now, batch) {
			e.ns.InjectInbound(pkt.bytes)
		}
	case pktcodec.KindUDP:
		e.fe.HandleUDPFrame(parsed, pkt.bytes, now, batch)
	default:
		// Non-TCP/UDP traffic is out of scope here; drop silently.
	}
}

// dispatch executes one tick's batch in a fixed order: frames, dials,
// TCP sends, UDP sends, closes, DNS records.
// Telemetry is pushed to the ring independently of callback order.
func (e *Engine) dispatch(b *flowengine.Batch) {
	if len(b.Frames) > 0 {
		e.cb.EmitPackets(b.Frames)
	}
	for _, d := range b.DialRequests {
		if d.Kind == flowengine.TCP {
			e.cb.RequestTCPDial(d.Handle, d.Host, d.Port)
		} else {
			e.cb.RequestUDPDial(d.Handle, d.Host, d.Port)
		}
	}
	for _, s := range b.TCPSends {
		e.cb.TCPSend(s.Handle, s.Payload)
	}
	for _, s := range b.UDPSends {
		e.cb.UDPSend(s.Handle, s.Payload)
	}
	for _, c := range b.Closes {
		if c.Kind == flowengine.TCP {
			e.cb.TCPClose(c.Handle, c.Reason)
		} else {
			e.cb.UDPClose(c.Handle, c.Reason)
		}
	}
	for _, d := range b.DNSRecords {
		e.cb.RecordDNS(d.Host, d.Addresses, d.TTLSeconds)
	}
	for _, ev := range b.Telemetry {
		e.tele.Push(ev)
	}
}
