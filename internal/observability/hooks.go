// Package observability implements the relay's counters and optional capture
// sinks consumed by the (out of scope) admin API.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// CaptureRecord is one structured per-request or per-connection record
// handed to optional capture sinks.
type CaptureRecord struct {
	TunnelID  string
	Kind      string // "tcp", "tls", "http", "https"
	Timestamp time.Time
	BytesIn   uint64
	BytesOut  uint64
	Method    string // http/https only
	Status    int    // http/https only
}

// Counters is a point-in-time snapshot of one tunnel's traffic counters.
type Counters struct {
	BytesIn           uint64
	BytesOut          uint64
	StreamsOpened     uint64
	RequestsCompleted uint64
	StatusHistogram   map[int]uint64
}

// tunnelCounters holds the live, mutable counters for a single tunnel.
// Scalar fields are atomic; the histogram is guarded by its own mutex since
// maps cannot be updated atomically.
type tunnelCounters struct {
	bytesIn           atomic.Uint64
	bytesOut          atomic.Uint64
	streamsOpened     atomic.Uint64
	requestsCompleted atomic.Uint64

	histMu sync.Mutex
	hist   map[int]uint64
}

func newTunnelCounters() *tunnelCounters {
	return &tunnelCounters{hist: make(map[int]uint64)}
}

// DefaultCaptureBuffer is the per-subscriber channel capacity used when the
// caller doesn't specify one.
const DefaultCaptureBuffer = 256

// Hooks is the relay-wide observability surface: per-tunnel counters plus a
// best-effort fan-out of CaptureRecords to any number of subscribers.
// Capture publication never blocks the data path: a full subscriber channel
// simply drops the record.
type Hooks struct {
	mu       sync.RWMutex
	counters map[string]*tunnelCounters

	subMu sync.RWMutex
	subs  map[int]chan CaptureRecord
	nextID int
}

// NewHooks creates an empty Hooks instance.
func NewHooks() *Hooks {
	return &Hooks{
		counters: make(map[string]*tunnelCounters),
		subs:     make(map[int]chan CaptureRecord),
	}
}

func (h *Hooks) counterFor(tunnelID string) *tunnelCounters {
	h.mu.RLock()
	c, ok := h.counters[tunnelID]
	h.mu.RUnlock()
	if ok {
		return c
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.counters[tunnelID]; ok {
		return c
	}
	c = newTunnelCounters()
	h.counters[tunnelID] = c
	return c
}

// AddBytes accumulates bytes transferred in either direction for tunnelID.
func (h *Hooks) AddBytes(tunnelID string, in, out uint64) {
	c := h.counterFor(tunnelID)
	if in > 0 {
		c.bytesIn.Add(in)
	}
	if out > 0 {
		c.bytesOut.Add(out)
	}
}

// IncStreamsOpened records that a new stream was opened for tunnelID.
func (h *Hooks) IncStreamsOpened(tunnelID string) {
	h.counterFor(tunnelID).streamsOpened.Add(1)
}

// RecordRequest records one completed HTTP/HTTPS request and its status code.
func (h *Hooks) RecordRequest(tunnelID string, status int) {
	c := h.counterFor(tunnelID)
	c.requestsCompleted.Add(1)
	c.histMu.Lock()
	c.hist[status]++
	c.histMu.Unlock()
}

// Snapshot returns a copy of the current counters for tunnelID.
func (h *Hooks) Snapshot(tunnelID string) Counters {
	c := h.counterFor(tunnelID)
	c.histMu.Lock()
	hist := make(map[int]uint64, len(c.hist))
	for k, v := range c.hist {
		hist[k] = v
	}
	c.histMu.Unlock()

	return Counters{
		BytesIn:           c.bytesIn.Load(),
		BytesOut:          c.bytesOut.Load(),
		StreamsOpened:     c.streamsOpened.Load(),
		RequestsCompleted: c.requestsCompleted.Load(),
		StatusHistogram:   hist,
	}
}

// Forget drops the counters kept for tunnelID, e.g. once it reaches the
// Terminal state and its reservation has fully expired.
func (h *Hooks) Forget(tunnelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.counters, tunnelID)
}

// Subscribe registers a new capture sink with the given channel capacity
// (DefaultCaptureBuffer if <= 0) and returns the receive channel plus an
// unsubscribe function. Callers MUST call unsubscribe when done to avoid
// leaking the channel entry.
func (h *Hooks) Subscribe(bufferSize int) (<-chan CaptureRecord, func()) {
	if bufferSize <= 0 {
		bufferSize = DefaultCaptureBuffer
	}

	ch := make(chan CaptureRecord, bufferSize)

	h.subMu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.subMu.Unlock()

	unsubscribe := func() {
		h.subMu.Lock()
		delete(h.subs, id)
		h.subMu.Unlock()
	}

	return ch, unsubscribe
}

// Capture publishes rec to every subscriber without blocking; a subscriber
// whose buffer is full simply misses the record.
func (h *Hooks) Capture(rec CaptureRecord) {
	h.subMu.RLock()
	defer h.subMu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}
