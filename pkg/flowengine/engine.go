package flowengine

import (
	"sync"
	"time"

	"github.com/relaytun/flowbridge/internal/logging"
	"github.com/relaytun/flowbridge/pkg/dnssnoop"
	"github.com/relaytun/flowbridge/pkg/pktcodec"
	"github.com/relaytun/flowbridge/pkg/policy"
	"github.com/relaytun/flowbridge/pkg/telemetry"
)

// Engine is the flow table plus the admission, dial-protocol, data-path,
// shaping, backpressure, and pruning state machine. A single mutex
// guards the table, the memory tracker, and every entry reachable from
// it: flows are not expected to be numerous enough, nor held long enough
// per call, for finer-grained locking to pay for its complexity.
//
// Engine never touches the embedded TCP/IP stack directly. TCP flows are
// handed an Endpoint once the host's netstack adapter admits the SYN;
// UDP flows, being connectionless, never get one — their payloads are
// read from and written to raw frames directly via pkg/pktcodec,
// bypassing the embedded socket entirely for UDP.
type Engine struct {
	mu     sync.Mutex
	tun    Tunables
	policy *policy.Store
	mem    *MemoryTracker
	table  *Table

	tcpAdmissionFail uint64
	udpAdmissionFail uint64
}

// New constructs a flow engine bound to a shared policy store.
func New(t Tunables, policyStore *policy.Store) *Engine {
	return &Engine{
		tun:    t,
		policy: policyStore,
		mem:    NewMemoryTracker(t.SocketMemoryBudget),
		table:  newTable(),
	}
}

// HandleTCPFrame is the engine's side of every inbound TCP segment read
// from the tunnel. It returns true when the caller should inject the frame
// into the embedded stack (admitted or already-live flows), false when the
// frame was rejected outright (blocked at admission, or a stray segment for
// an unknown flow) and a synthetic RST may already be queued in batch.
func (e *Engine) HandleTCPFrame(parsed pktcodec.Parsed, now time.Time, batch *Batch) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := keyFromParsed(parsed)
	if entry, ok := e.table.byKeyLookup(key); ok {
		e.handleAdmittedTCPFrame(entry, parsed, now, batch)
		return true
	}

	if !parsed.TCP.Flags.SYN || parsed.TCP.Flags.ACK {
		return false // stray segment for a flow we never admitted
	}

	decision, matched := e.policy.DecisionForIP(key.dstNetIP())
	if matched && decision.Action == policy.ActionBlock {
		batch.addFrame(pktcodec.BuildTCPRST(parsed))
		batch.addTelemetry(e.telemetryEventWithHost(key, telemetry.ClientToNetwork, 0, decision.Host, telemetry.FlagPolicyBlock, now))
		return false
	}

	// The budget gates admission itself, not just buffering: an RST tells
	// the client it hit a hard failure rather than a silent black hole.
	if !e.mem.TryReserve(e.tun.TCPSocketCost) {
		e.tcpAdmissionFail++
		batch.addFrame(pktcodec.BuildTCPRST(parsed))
		return false
	}

	handle := e.table.allocHandle()
	entry := newFlowEntry(key, handle, now, e.tun)
	entry.reservedBytes = e.tun.TCPSocketCost
	if matched && decision.Action == policy.ActionShape {
		entry.shaper = NewFlowShaper(decision.LatencyMs, decision.JitterMs, uint32(handle), e.tun.MaxShapedPayloads, e.tun.MaxShapedBytes)
	}
	e.table.insert(entry)

	e.beginDial(entry, now, batch)

	flags := telemetry.Flags(0)
	dnsQName := ""
	if matched && decision.Action == policy.ActionShape {
		flags |= telemetry.FlagPolicyShape
		dnsQName = decision.Host
	}
	batch.addTelemetry(e.telemetryEventWithHost(key, telemetry.ClientToNetwork, len(parsed.TCP.Payload), dnsQName, flags, now))
	return true
}

func (e *Engine) handleAdmittedTCPFrame(entry *FlowEntry, parsed pktcodec.Parsed, now time.Time, batch *Batch) {
	entry.lastActivity = now
	if parsed.TCP.Flags.RST {
		e.closeFlow(entry, "client_rst", now, batch)
		return
	}
	if parsed.TCP.Flags.FIN {
		// The segment itself still gets injected into the embedded stack
		// by the caller (HandleTCPFrame returns true for admitted flows);
		// the actual teardown happens once its TCP state machine reaches
		// CloseWait/LastAck/TimeWait (tickEntry's PeerClosed check), which
		// is what produces the client_fin close. This just records that a
		// FIN was seen at the flow-engine level.
		entry.clientClosed = true
	}
}

// HandleUDPFrame is the engine's side of every inbound UDP datagram read
// from the tunnel.
func (e *Engine) HandleUDPFrame(parsed pktcodec.Parsed, rawFrame []byte, now time.Time, batch *Batch) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := keyFromParsed(parsed)
	isDNS := dnssnoop.IsDNSPort(parsed.UDP.SrcPort, parsed.UDP.DstPort)

	if entry, ok := e.table.byKeyLookup(key); ok {
		entry.lastActivity = now
		if entry.ready {
			batch.addSend(UDP, entry.Handle, parsed.UDP.Payload)
		} else {
			e.bufferPayload(entry, parsed.UDP.Payload)
		}
		flags := telemetry.Flags(0)
		if isDNS {
			flags |= telemetry.FlagDNS
		}
		batch.addTelemetry(e.telemetryEvent(key, telemetry.ClientToNetwork, len(parsed.UDP.Payload), flags, now))
		return
	}

	var decision policy.Decision
	matched := false
	if !isDNS {
		decision, matched = e.policy.DecisionForIP(key.dstNetIP())
		if matched && decision.Action == policy.ActionBlock {
			batch.addFrame(pktcodec.BuildICMPUnreachableAdminProhibited(parsed, rawFrame))
			batch.addTelemetry(e.telemetryEventWithHost(key, telemetry.ClientToNetwork, 0, decision.Host, telemetry.FlagPolicyBlock, now))
			return
		}
	}

	if !e.mem.TryReserve(e.tun.UDPSocketCost) {
		e.udpAdmissionFail++
		batch.addFrame(pktcodec.BuildICMPUnreachableAdminProhibited(parsed, rawFrame))
		return
	}

	handle := e.table.allocHandle()
	entry := newFlowEntry(key, handle, now, e.tun)
	entry.reservedBytes = e.tun.UDPSocketCost
	if matched && decision.Action == policy.ActionShape {
		entry.shaper = NewFlowShaper(decision.LatencyMs, decision.JitterMs, uint32(handle), e.tun.MaxShapedPayloads, e.tun.MaxShapedBytes)
	}
	e.table.insert(entry)
	e.bufferPayload(entry, parsed.UDP.Payload)
	e.beginDial(entry, now, batch)

	flags := telemetry.Flags(0)
	dnsQName := ""
	if isDNS {
		flags |= telemetry.FlagDNS
	}
	if matched && decision.Action == policy.ActionShape {
		flags |= telemetry.FlagPolicyShape
		dnsQName = decision.Host
	}
	batch.addTelemetry(e.telemetryEventWithHost(key, telemetry.ClientToNetwork, len(parsed.UDP.Payload), dnsQName, flags, now))
}

func (e *Engine) beginDial(entry *FlowEntry, now time.Time, batch *Batch) {
	// The host side resolves and connects itself, so hand it the snooped
	// hostname when DNS told us one; the IP literal is the fallback.
	entry.dialHost = entry.Key.DstIP.String()
	if host, ok := e.policy.HostForIP(entry.Key.dstNetIP()); ok {
		entry.dialHost = host
	}
	entry.pendingDial = true
	entry.dialAttempts = 1
	entry.dialStartedAt = now
	entry.State = StateDialing
	batch.addDial(entry.Handle, entry.Key.Kind, entry.dialHost, entry.Key.DstPort)
}

// AttachSocket binds the embedded-stack endpoint the netstack adapter
// created for an admitted TCP flow's SYN. UDP flows never call this.
func (e *Engine) AttachSocket(handle uint64, ep Endpoint) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.table.byHandleLookup(handle)
	if !ok {
		return ErrUnknownHandle
	}
	entry.socket = ep
	return nil
}

// OnDialResult is the host's reply to a request_tcp_dial/request_udp_dial.
// reason is the host's failure explanation (e.g. "network_down"); it is
// surfaced verbatim in the close callback once MAX_DIAL_ATTEMPTS is
// exhausted, and ignored on success.
func (e *Engine) OnDialResult(handle uint64, success bool, reason string, now time.Time, batch *Batch) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.table.byHandleLookup(handle)
	if !ok || entry.removed {
		return ErrUnknownHandle
	}
	e.applyDialResult(entry, success, reason, now, batch)
	return nil
}

// flushBuffered drains a flow's pre-ready payload queue. Direction
// depends on the flow kind: a UDP flow's queue holds the client
// datagrams that triggered admission (forwarded to the host once the
// dial completes), a TCP flow's queue holds server->client bytes the
// host delivered before ready (pushed into the embedded socket).
func (e *Engine) flushBuffered(entry *FlowEntry, now time.Time, batch *Batch) {
	items := entry.buffered.drainAll()
	released := 0
	for _, item := range items {
		released += len(item)
	}
	e.release(entry, released)
	for _, item := range items {
		if entry.removed {
			return
		}
		if entry.Key.Kind == UDP {
			e.deliverToServer(entry, item, batch)
		} else {
			e.deliverToClient(entry, item, now, batch)
		}
	}
}

func (e *Engine) deliverToServer(entry *FlowEntry, payload []byte, batch *Batch) {
	batch.addSend(entry.Key.Kind, entry.Handle, payload)
}

func (e *Engine) bufferPayload(entry *FlowEntry, payload []byte) {
	if !e.reserve(entry, len(payload)) {
		logging.L().Sugar().Debugw("dropping payload: memory budget exceeded",
			"handle", entry.Handle, "flow", pktcodec.FormatFlowKey(protoFor(entry.Key.Kind), entry.Key.fiveTuple()))
		return
	}
	evicted := entry.buffered.push(payload)
	e.release(entry, evicted)
}

// OnHostReceive is on_tcp_receive/on_udp_receive: the host delivers bytes
// read from the real server, to be forwarded to the tunnel client. kind
// must match the handle's own flow kind: a TCP callback fired against a
// UDP handle, or vice versa, is a host-side logic error distinct from a
// stale handle.
func (e *Engine) OnHostReceive(handle uint64, kind Kind, payload []byte, now time.Time, batch *Batch) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.table.byHandleLookup(handle)
	if !ok || entry.removed {
		return ErrUnknownHandle
	}
	if entry.Key.Kind != kind {
		return ErrWrongKind
	}
	entry.lastActivity = now

	if entry.Key.Kind == UDP && dnssnoop.IsDNSPort(entry.Key.SrcPort, entry.Key.DstPort) {
		if mappings, ok := dnssnoop.Parse(payload); ok {
			for _, m := range mappings {
				e.policy.ObserveDNSMapping(m.Host, m.Addresses, m.TTL)
				addrs := make([]string, len(m.Addresses))
				for i, ip := range m.Addresses {
					addrs[i] = ip.String()
				}
				batch.DNSRecords = append(batch.DNSRecords, DNSRecord{
					Host:       m.Host,
					Addresses:  addrs,
					TTLSeconds: uint32(m.TTL / time.Second),
				})
			}
			batch.addTelemetry(e.telemetryEvent(entry.Key, telemetry.NetworkToClient, len(payload), telemetry.FlagDNS|telemetry.FlagDNSResponse, now))
		}
	}

	if entry.shaper != nil {
		if !e.reserve(entry, len(payload)) {
			return nil
		}
		evicted := entry.shaper.Enqueue(payload, now)
		e.release(entry, evicted)
		return nil
	}

	e.deliverToClient(entry, payload, now, batch)
	return nil
}

func (e *Engine) deliverToClient(entry *FlowEntry, payload []byte, now time.Time, batch *Batch) {
	if entry.Key.Kind == UDP {
		batch.addFrame(pktcodec.BuildUDPResponse(entry.Key.fiveTuple(), payload))
		return
	}
	if !entry.ready || entry.socket == nil || entry.buffered.len() > 0 {
		// Not dialed yet, no embedded socket yet, or older pre-ready bytes
		// still queued ahead of this payload: hold it so the client sees a
		// contiguous byte stream.
		e.bufferPayload(entry, payload)
		return
	}
	e.sendToSocket(entry, payload, now, batch)
}

func (e *Engine) sendToSocket(entry *FlowEntry, payload []byte, now time.Time, batch *Batch) {
	if len(entry.backpressurePending) > 0 {
		// Bytes rejected earlier must go first; sending around them would
		// reorder the stream.
		e.queueBackpressure(entry, payload)
		return
	}
	outcome, n := entry.socket.Send(payload)
	switch outcome {
	case SendOK:
		return
	case SendPartial:
		if n < len(payload) {
			e.queueBackpressure(entry, payload[n:])
		}
	case SendWouldBlock:
		e.queueBackpressure(entry, payload)
	case SendInvalidState:
		e.closeFlow(entry, "tcp_invalid_state", now, batch)
	}
}

func (e *Engine) queueBackpressure(entry *FlowEntry, payload []byte) {
	if !e.reserve(entry, len(payload)) {
		return
	}
	entry.backpressurePending = append(entry.backpressurePending, payload)
	if entry.backpressureCooldown == 0 {
		entry.backpressureCooldown = e.tun.TCPBackpressureInitialCooldown
	}
	entry.backpressureRetryAt = time.Time{} // retry on the very next tick
}

// OnHostClose is on_tcp_close/on_udp_close: the host's side of the real
// connection closed.
func (e *Engine) OnHostClose(handle uint64, kind Kind, now time.Time, batch *Batch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.table.byHandleLookup(handle)
	if !ok {
		return ErrUnknownHandle
	}
	if entry.Key.Kind != kind {
		return ErrWrongKind
	}
	entry.serverClosed = true
	e.closeFlow(entry, "server_closed", now, batch)
	return nil
}

// OnHostSendFailed is on_tcp_send_failed/on_udp_send_failed.
func (e *Engine) OnHostSendFailed(handle uint64, kind Kind, now time.Time, batch *Batch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.table.byHandleLookup(handle)
	if !ok {
		return ErrUnknownHandle
	}
	if entry.Key.Kind != kind {
		return ErrWrongKind
	}
	e.closeFlow(entry, "send_failed", now, batch)
	return nil
}

// HostRuleAdd/HostRuleRemove pass straight through to the policy store;
// they exist on Engine only so pkg/engine has one narrow surface to call.
func (e *Engine) InstallRule(pattern string, action policy.Action, latencyMs, jitterMs int) uint64 {
	return e.policy.InstallRule(pattern, action, latencyMs, jitterMs)
}

func (e *Engine) RemoveRule(id uint64) bool {
	return e.policy.RemoveRule(id)
}

// Tick drives one poll-loop step: dispatching due redials, expiring timed
// out flows, draining shaping queues, retrying backpressured sends, and
// pulling client->server bytes the embedded stack has buffered for ready
// TCP flows. It never blocks.
func (e *Engine) Tick(now time.Time, batch *Batch) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, entry := range e.table.all() {
		if entry.removed {
			continue
		}
		e.tickEntry(entry, now, batch)
	}
}

func (e *Engine) tickEntry(entry *FlowEntry, now time.Time, batch *Batch) {
	if entry.pendingDial {
		if entry.Key.Kind == TCP && now.Sub(entry.createdAt) > e.tun.TCPSynSentTimeout {
			e.closeFlow(entry, "connection_timeout", now, batch)
			return
		}
		if !entry.nextRedialAt.IsZero() && !now.Before(entry.nextRedialAt) {
			entry.nextRedialAt = time.Time{}
			entry.dialStartedAt = now
			batch.addDial(entry.Handle, entry.Key.Kind, entry.dialHost, entry.Key.DstPort)
			return
		}
		if now.Sub(entry.dialStartedAt) > e.tun.DialPendingTimeout {
			e.closeFlow(entry, "dial_timeout", now, batch)
		}
		return
	}

	if entry.Key.Kind == TCP && entry.socket != nil {
		if entry.socket.Closed() {
			// The embedded stack tore the socket down on its own (e.g. a
			// stack-internal abort after backpressure) without going
			// through notify_close first; the generic state string may
			// hide the real cause, so it is reported verbatim rather
			// than invented.
			e.closeFlow(entry, "tcp_closed (closed)", now, batch)
			return
		}
		if entry.socket.PeerClosed() {
			entry.clientClosed = true
			e.closeFlow(entry, "client_fin", now, batch)
			return
		}
		if entry.ready && !entry.socket.Established() && now.Sub(entry.createdAt) > e.tun.TCPSynSentTimeout {
			e.closeFlow(entry, "connection_timeout", now, batch)
			return
		}
	}

	if entry.Key.Kind == UDP && entry.ready && now.Sub(entry.lastActivity) > e.tun.UDPIdleTimeout {
		e.closeFlow(entry, "udp_idle_timeout", now, batch)
		return
	}

	if entry.ready && entry.Key.Kind == TCP && entry.socket != nil {
		if entry.buffered.len() > 0 {
			// Server bytes that arrived before the embedded socket existed.
			e.flushBuffered(entry, now, batch)
		}
		if !entry.removed {
			e.drainBackpressure(entry, now, batch)
		}
		if !entry.removed {
			e.drainEmbeddedSocket(entry, now, batch)
		}
	}

	if entry.shaper != nil && !entry.removed {
		for _, payload := range entry.shaper.DrainReady(now) {
			e.release(entry, len(payload))
			e.deliverToClient(entry, payload, now, batch)
		}
	}
}

// applyDialResult applies a dial outcome; callers must hold e.mu. reason is
// the host's failure explanation, surfaced verbatim in the close callback
// once MAX_DIAL_ATTEMPTS is exhausted; a blank reason falls back to
// "dial_failed".
func (e *Engine) applyDialResult(entry *FlowEntry, success bool, reason string, now time.Time, batch *Batch) {
	if success {
		entry.pendingDial = false
		entry.ready = true
		entry.State = StateReady
		entry.nextRedialAt = time.Time{}
		e.flushBuffered(entry, now, batch)
		return
	}
	entry.dialAttempts++
	if entry.dialAttempts > e.tun.MaxDialAttempts {
		if reason == "" {
			reason = "dial_failed"
		}
		e.closeFlow(entry, reason, now, batch)
		return
	}
	entry.nextRedialAt = now.Add(dialBackoff(e.tun, entry.dialAttempts-1))
}

const maxBackpressureRetriesPerTick = 64

func (e *Engine) drainBackpressure(entry *FlowEntry, now time.Time, batch *Batch) {
	if len(entry.backpressurePending) == 0 {
		return
	}
	if !entry.backpressureRetryAt.IsZero() && now.Before(entry.backpressureRetryAt) {
		return
	}
	for i := 0; i < maxBackpressureRetriesPerTick && len(entry.backpressurePending) > 0; i++ {
		payload := entry.backpressurePending[0]
		outcome, n := entry.socket.Send(payload)
		switch outcome {
		case SendOK:
			e.release(entry, len(payload))
			entry.backpressurePending = entry.backpressurePending[1:]
			entry.backpressureCooldown = e.tun.TCPBackpressureInitialCooldown
		case SendPartial:
			e.release(entry, n)
			entry.backpressurePending[0] = payload[n:]
			entry.backpressureCooldown = e.tun.TCPBackpressureInitialCooldown
		case SendWouldBlock:
			entry.backpressureCooldown *= 2
			if entry.backpressureCooldown > e.tun.TCPBackpressureMaxCooldown {
				entry.backpressureCooldown = e.tun.TCPBackpressureMaxCooldown
			}
			entry.backpressureRetryAt = now.Add(entry.backpressureCooldown)
			return
		case SendInvalidState:
			e.closeFlow(entry, "tcp_invalid_state", now, batch)
			return
		}
	}
}

const maxSocketDrainsPerTick = 64

func (e *Engine) drainEmbeddedSocket(entry *FlowEntry, now time.Time, batch *Batch) {
	for i := 0; i < maxSocketDrainsPerTick; i++ {
		payload, ok := entry.socket.RecvNonBlocking()
		if !ok {
			return
		}
		entry.lastActivity = now
		batch.addSend(TCP, entry.Handle, payload)
	}
}

func (e *Engine) closeFlow(entry *FlowEntry, reason string, now time.Time, batch *Batch) {
	if entry.removed {
		return
	}
	entry.removed = true
	entry.State = StateRemoved
	entry.closeReason = reason

	if logging.Allowed("flow_close") {
		logging.L().Sugar().Debugw("closing flow",
			"flow", pktcodec.FormatFlowKey(protoFor(entry.Key.Kind), entry.Key.fiveTuple()), "reason", reason)
	}

	if entry.reservedBytes > 0 {
		e.mem.Release(entry.reservedBytes)
		entry.reservedBytes = 0
	}
	if entry.socket != nil {
		entry.socket.Close()
	}
	e.table.remove(entry)

	batch.addClose(entry.Handle, entry.Key.Kind, reason)
	batch.addTelemetry(e.telemetryEvent(entry.Key, telemetry.NetworkToClient, 0, 0, now))
}

func (e *Engine) reserve(entry *FlowEntry, n int) bool {
	if n == 0 {
		return true
	}
	if !e.mem.TryReserve(n) {
		return false
	}
	entry.reservedBytes += n
	return true
}

func (e *Engine) release(entry *FlowEntry, n int) {
	if n == 0 {
		return
	}
	e.mem.Release(n)
	entry.reservedBytes -= n
	if entry.reservedBytes < 0 {
		entry.reservedBytes = 0
	}
}

func protoFor(k Kind) uint8 {
	if k == TCP {
		return pktcodec.ProtoTCP
	}
	return pktcodec.ProtoUDP
}

func (e *Engine) telemetryEvent(k Key, dir telemetry.Direction, payloadLen int, flags telemetry.Flags, now time.Time) telemetry.Event {
	return e.telemetryEventWithHost(k, dir, payloadLen, "", flags, now)
}

// telemetryEventWithHost is telemetryEvent plus the host a policy decision
// matched against: a POLICY_BLOCK event records the qname that resolved
// to the blocked IP, when the match came from a DNS observation rather
// than a literal-IP rule.
func (e *Engine) telemetryEventWithHost(k Key, dir telemetry.Direction, payloadLen int, dnsQName string, flags telemetry.Flags, now time.Time) telemetry.Event {
	return telemetry.Event{
		TimestampMs: now.UnixMilli(),
		Protocol:    protoFor(k.Kind),
		Direction:   dir,
		PayloadLen:  payloadLen,
		Src:         k.SrcIP.String(),
		Dst:         k.DstIP.String(),
		DNSQName:    dnsQName,
		Flags:       flags,
	}
}

// LookupHandle resolves a flow key to its handle, for the embedded stack's
// TCP forwarder (pkg/netstack's Resolver): a SYN HandleTCPFrame already
// admitted arrives at the forwarder by five-tuple, not by handle.
func (e *Engine) LookupHandle(key Key) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.table.byKeyLookup(key)
	if !ok {
		return 0, false
	}
	return entry.Handle, true
}

// AdmissionFailures returns how many TCP and UDP flows were refused at
// admission because the memory budget could not cover another socket.
func (e *Engine) AdmissionFailures() (tcp, udp uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tcpAdmissionFail, e.udpAdmissionFail
}

// FlowCount returns the number of live flows, for GetCounters/GetStats.
func (e *Engine) FlowCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table.len()
}

// MemoryUsed returns the bytes currently charged against the socket memory budget.
func (e *Engine) MemoryUsed() int {
	return e.mem.Used()
}
