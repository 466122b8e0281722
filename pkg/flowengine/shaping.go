package flowengine

import (
	"time"

	"github.com/relaytun/flowbridge/internal/xorshift"
)

// payloadQueue is a bounded FIFO of byte payloads, used as a flow's
// pre-ready buffer. Overflow evicts the
// oldest entry: producers are never blocked and never allowed to grow
// memory without bound.
type payloadQueue struct {
	items    [][]byte
	maxItems int
	maxBytes int
	bytes    int
	evicted  uint64
}

func newPayloadQueue(maxItems, maxBytes int) *payloadQueue {
	if maxItems <= 0 {
		maxItems = 1
	}
	if maxBytes <= 0 {
		maxBytes = 1
	}
	return &payloadQueue{maxItems: maxItems, maxBytes: maxBytes}
}

// push appends b, evicting the oldest entries until both caps are satisfied.
// Returns the number of bytes evicted (0 if none), for memory-tracker bookkeeping.
func (q *payloadQueue) push(b []byte) int {
	q.items = append(q.items, b)
	q.bytes += len(b)
	evictedBytes := 0
	for len(q.items) > q.maxItems || q.bytes > q.maxBytes {
		evictedBytes += len(q.items[0])
		q.bytes -= len(q.items[0])
		q.items = q.items[1:]
		q.evicted++
	}
	return evictedBytes
}

func (q *payloadQueue) drainAll() [][]byte {
	out := q.items
	q.items = nil
	q.bytes = 0
	return out
}

func (q *payloadQueue) len() int { return len(q.items) }

// shapedItem is one payload waiting in a flow's shaping queue until its
// artificial delivery time.
type shapedItem struct {
	payload []byte
	readyAt time.Time
}

// FlowShaper delays delivery of a shaped flow's payloads in arrival order,
// applying a fixed latency plus uniform jitter drawn from a private
// xorshift32 generator. One generator per flow keeps shaping delay
// reproducible under a fixed seed without any shared state.
type FlowShaper struct {
	latency time.Duration
	jitter  time.Duration
	rng     *xorshift.State

	items    []shapedItem
	maxItems int
	maxBytes int
	bytes    int
}

// NewFlowShaper builds a shaper for a flow whose matched policy rule carries
// the given latency/jitter in milliseconds. seed should be derived from the
// flow handle so repeated runs with the same handle sequence are reproducible.
func NewFlowShaper(latencyMs, jitterMs int, seed uint32, maxItems, maxBytes int) *FlowShaper {
	if maxItems <= 0 {
		maxItems = 1
	}
	if maxBytes <= 0 {
		maxBytes = 1
	}
	return &FlowShaper{
		latency:  time.Duration(latencyMs) * time.Millisecond,
		jitter:   time.Duration(jitterMs) * time.Millisecond,
		rng:      xorshift.New(seed),
		maxItems: maxItems,
		maxBytes: maxBytes,
	}
}

// Enqueue schedules payload for delivery at now + latency + uniform[0, jitter]
// (whole milliseconds).
// Returns the number of bytes evicted by cap enforcement, if any.
func (s *FlowShaper) Enqueue(payload []byte, now time.Time) int {
	delayMs := uint32(s.jitter.Milliseconds())
	jitter := time.Duration(0)
	if delayMs > 0 {
		jitter = time.Duration(s.rng.UniformN(delayMs+1)) * time.Millisecond
	}
	s.items = append(s.items, shapedItem{payload: payload, readyAt: now.Add(s.latency + jitter)})
	s.bytes += len(payload)

	evicted := 0
	for len(s.items) > s.maxItems || s.bytes > s.maxBytes {
		evicted += len(s.items[0].payload)
		s.bytes -= len(s.items[0].payload)
		s.items = s.items[1:]
	}
	return evicted
}

// DrainReady removes and returns the leading run of payloads whose delivery
// time has arrived, oldest first. It stops at the first payload not yet due,
// so a later payload with an earlier delivery time waits behind it.
func (s *FlowShaper) DrainReady(now time.Time) [][]byte {
	i := 0
	for i < len(s.items) && !s.items[i].readyAt.After(now) {
		i++
	}
	if i == 0 {
		return nil
	}
	out := make([][]byte, i)
	for j := 0; j < i; j++ {
		out[j] = s.items[j].payload
		s.bytes -= len(s.items[j].payload)
	}
	s.items = s.items[i:]
	return out
}
