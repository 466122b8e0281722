package flowengine

import (
	"sync"
	"time"
)

// DialState labels where a flow sits in the admission/dial/close
// lifecycle: Admitted -> Dialing -> Ready -> Closing -> Removed, with
// Failed and AbortClosed branches. The booleans on FlowEntry (ready,
// pendingDial, clientClosed, serverClosed) are what the engine actually
// branches on; State exists for telemetry and introspection.
type DialState int

const (
	StateAdmitted DialState = iota
	StateDialing
	StateReady
	StateClosing
	StateFailed
	StateAbortClosed
	StateRemoved
)

func (s DialState) String() string {
	switch s {
	case StateAdmitted:
		return "admitted"
	case StateDialing:
		return "dialing"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	case StateAbortClosed:
		return "abort_closed"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// FlowEntry holds the full mutable state of one admitted flow.
type FlowEntry struct {
	Key    Key
	Handle uint64
	State  DialState

	socket Endpoint // nil only before the embedded stack hands one back

	dialHost      string // what dial requests name: the snooped hostname, or the destination IP literal
	pendingDial   bool
	dialAttempts  int
	dialStartedAt time.Time
	nextRedialAt  time.Time

	ready        bool
	clientClosed bool
	serverClosed bool // TCP only; UDP flows never set this

	createdAt    time.Time
	lastActivity time.Time

	buffered *payloadQueue // payloads withheld until ready: the triggering client datagram (UDP) or server->client bytes (TCP)
	shaper   *FlowShaper   // nil unless a shape rule matched at admission

	backpressureRetryAt  time.Time
	backpressureCooldown time.Duration
	backpressurePending  [][]byte // server->client bytes that Send rejected

	closeReason string
	removed     bool

	// reservedBytes tracks what this flow has charged against the shared
	// memory tracker, so Release is exact regardless of queue contents at
	// teardown time.
	reservedBytes int
}

func newFlowEntry(key Key, handle uint64, now time.Time, t Tunables) *FlowEntry {
	maxBytes := t.MaxBufferedBytes
	if key.Kind == UDP && t.UDPBufferBytes > 0 {
		maxBytes = t.UDPBufferBytes
	}
	return &FlowEntry{
		Key:          key,
		Handle:       handle,
		State:        StateAdmitted,
		createdAt:    now,
		lastActivity: now,
		buffered:     newPayloadQueue(t.MaxBufferedPayloads, maxBytes),
	}
}

// MemoryTracker enforces the process-wide socket memory budget: each
// admitted flow's socket cost plus its buffered and shaped payloads.
// Admission consults it before creating a socket.
type MemoryTracker struct {
	mu     sync.Mutex
	budget int
	used   int
}

func NewMemoryTracker(budget int) *MemoryTracker {
	return &MemoryTracker{budget: budget}
}

func (m *MemoryTracker) TryReserve(n int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.used+n > m.budget {
		return false
	}
	m.used += n
	return true
}

func (m *MemoryTracker) Release(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used -= n
	if m.used < 0 {
		m.used = 0
	}
}

func (m *MemoryTracker) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Table maps flow keys and handles to entries: every live handle maps to
// exactly one key and vice versa.
type Table struct {
	byKey      map[Key]*FlowEntry
	byHandle   map[uint64]*FlowEntry
	nextHandle uint64
}

func newTable() *Table {
	return &Table{
		byKey:    make(map[Key]*FlowEntry),
		byHandle: make(map[uint64]*FlowEntry),
	}
}

func (t *Table) allocHandle() uint64 {
	t.nextHandle++
	return t.nextHandle
}

func (t *Table) insert(e *FlowEntry) {
	t.byKey[e.Key] = e
	t.byHandle[e.Handle] = e
}

func (t *Table) byKeyLookup(k Key) (*FlowEntry, bool) {
	e, ok := t.byKey[k]
	return e, ok
}

func (t *Table) byHandleLookup(h uint64) (*FlowEntry, bool) {
	e, ok := t.byHandle[h]
	return e, ok
}

func (t *Table) remove(e *FlowEntry) {
	delete(t.byKey, e.Key)
	delete(t.byHandle, e.Handle)
}

func (t *Table) all() []*FlowEntry {
	out := make([]*FlowEntry, 0, len(t.byHandle))
	for _, e := range t.byHandle {
		out = append(out, e)
	}
	return out
}

func (t *Table) len() int {
	return len(t.byHandle)
}
