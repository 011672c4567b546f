package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Stream counters
	ticksReceived  atomic.Uint64
	ticksDelivered atomic.Uint64
	ticksDropped   atomic.Uint64
	decodeErrors   atomic.Uint64
	reconnects     atomic.Uint64
	handlerPanics  atomic.Uint64

	// REST counters
	requestsTotal   atomic.Uint64
	requestErrors   atomic.Uint64
	sessionExpiries atomic.Uint64

	// Latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
	subscribers       atomic.Int32
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordTickReceived counts one decoded tick taken off the stream.
func (m *Metrics) RecordTickReceived() {
	m.ticksReceived.Add(1)
}

// RecordTickDelivered counts one tick handed to one subscriber.
func (m *Metrics) RecordTickDelivered() {
	m.ticksDelivered.Add(1)
}

// RecordTickDropped counts one tick discarded because a subscriber queue was full.
func (m *Metrics) RecordTickDropped() {
	m.ticksDropped.Add(1)
}

// RecordDecodeError records a frame or payload that could not be decoded.
func (m *Metrics) RecordDecodeError() {
	m.decodeErrors.Add(1)
}

// RecordReconnect records one reconnection attempt.
func (m *Metrics) RecordReconnect() {
	m.reconnects.Add(1)
}

// RecordHandlerPanic records a recovered subscriber panic.
func (m *Metrics) RecordHandlerPanic() {
	m.handlerPanics.Add(1)
}

// RecordRequest records a REST round trip with latency.
func (m *Metrics) RecordRequest(latency time.Duration, failed bool) {
	m.requestsTotal.Add(1)
	if failed {
		m.requestErrors.Add(1)
	}
	m.latencySumNs.Add(latency.Nanoseconds())
	m.latencyCount.Add(1)
}

// RecordSessionExpired records a forced sign-out.
func (m *Metrics) RecordSessionExpired() {
	m.sessionExpiries.Add(1)
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// SetSubscribers sets the current subscriber gauge.
func (m *Metrics) SetSubscribers(n int) {
	m.subscribers.Store(int32(n))
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	TicksReceived     uint64    `json:"ticksReceived"`
	TicksDelivered    uint64    `json:"ticksDelivered"`
	TicksDropped      uint64    `json:"ticksDropped"`
	DecodeErrors      uint64    `json:"decodeErrors"`
	Reconnects        uint64    `json:"reconnects"`
	HandlerPanics     uint64    `json:"handlerPanics"`
	RequestsTotal     uint64    `json:"requestsTotal"`
	RequestErrors     uint64    `json:"requestErrors"`
	SessionExpiries   uint64    `json:"sessionExpiries"`
	AvgLatencyNs      int64     `json:"avgLatencyNs"`
	ActiveConnections int32     `json:"activeConnections"`
	Subscribers       int32     `json:"subscribers"`
	Timestamp         time.Time `json:"timestamp"`
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		TicksReceived:     m.ticksReceived.Load(),
		TicksDelivered:    m.ticksDelivered.Load(),
		TicksDropped:      m.ticksDropped.Load(),
		DecodeErrors:      m.decodeErrors.Load(),
		Reconnects:        m.reconnects.Load(),
		HandlerPanics:     m.handlerPanics.Load(),
		RequestsTotal:     m.requestsTotal.Load(),
		RequestErrors:     m.requestErrors.Load(),
		SessionExpiries:   m.sessionExpiries.Load(),
		AvgLatencyNs:      avgLatency,
		ActiveConnections: m.activeConnections.Load(),
		Subscribers:       m.subscribers.Load(),
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.ticksReceived.Store(0)
	m.ticksDelivered.Store(0)
	m.ticksDropped.Store(0)
	m.decodeErrors.Store(0)
	m.reconnects.Store(0)
	m.handlerPanics.Store(0)
	m.requestsTotal.Store(0)
	m.requestErrors.Store(0)
	m.sessionExpiries.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.activeConnections.Store(0)
	m.subscribers.Store(0)
}
