package flowengine

import "github.com/relaytun/flowbridge/pkg/telemetry"

// DialRequest asks the host to open an outbound connection for handle and
// report back via Engine.OnDialResult.
type DialRequest struct {
	Handle uint64
	Kind   Kind
	Host   string
	Port   uint16
}

// SendRequest asks the host to write bytes to the real server for handle
// (request_tcp_send / request_udp_send).
type SendRequest struct {
	Handle  uint64
	Payload []byte
}

// CloseRequest asks the host to tear down its side of handle
// (notify_close).
type CloseRequest struct {
	Handle uint64
	Kind   Kind
	Reason string
}

// DNSRecord is a host->addresses observation to surface via record_dns.
type DNSRecord struct {
	Host       string
	Addresses  []string
	TTLSeconds uint32
}

// Batch accumulates one poll-tick's worth of outbound work, dispatched in
// a fixed order the host must honor: Frames, then DialRequests, then
// TCPSends, then UDPSends, then Closes, then DNSRecords. Telemetry is
// appended opportunistically and drained separately.
type Batch struct {
	Frames       [][]byte
	DialRequests []DialRequest
	TCPSends     []SendRequest
	UDPSends     []SendRequest
	Closes       []CloseRequest
	DNSRecords   []DNSRecord
	Telemetry    []telemetry.Event
}

func (b *Batch) addFrame(f []byte) {
	b.Frames = append(b.Frames, f)
}

func (b *Batch) addDial(h uint64, k Kind, host string, port uint16) {
	b.DialRequests = append(b.DialRequests, DialRequest{Handle: h, Kind: k, Host: host, Port: port})
}

func (b *Batch) addSend(k Kind, h uint64, payload []byte) {
	req := SendRequest{Handle: h, Payload: payload}
	if k == TCP {
		b.TCPSends = append(b.TCPSends, req)
	} else {
		b.UDPSends = append(b.UDPSends, req)
	}
}

func (b *Batch) addClose(h uint64, k Kind, reason string) {
	b.Closes = append(b.Closes, CloseRequest{Handle: h, Kind: k, Reason: reason})
}

func (b *Batch) addTelemetry(e telemetry.Event) {
	b.Telemetry = append(b.Telemetry, e)
}

// Empty reports whether the batch has no work for the host at all (used by
// the poll loop to decide whether the tick found work; dispatch still runs).
func (b *Batch) Empty() bool {
	return len(b.Frames) == 0 && len(b.DialRequests) == 0 && len(b.TCPSends) == 0 &&
		len(b.UDPSends) == 0 && len(b.Closes) == 0 && len(b.DNSRecords) == 0
}
