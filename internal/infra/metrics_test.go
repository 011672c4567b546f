package infra

import (
	"sync"
	"testing"
	"time"
)

func TestMetrics_RecordRequest(t *testing.T) {
	m := &Metrics{}

	m.RecordRequest(1000*time.Nanosecond, false)
	m.RecordRequest(2000*time.Nanosecond, true)
	m.RecordRequest(3000*time.Nanosecond, false)

	snap := m.Snapshot()

	if snap.RequestsTotal != 3 {
		t.Errorf("Expected 3 requests, got %d", snap.RequestsTotal)
	}
	if snap.RequestErrors != 1 {
		t.Errorf("Expected 1 request error, got %d", snap.RequestErrors)
	}

	// Average latency: (1000 + 2000 + 3000) / 3 = 2000
	if snap.AvgLatencyNs != 2000 {
		t.Errorf("Expected avg latency 2000, got %d", snap.AvgLatencyNs)
	}
}

func TestMetrics_Connections(t *testing.T) {
	m := &Metrics{}

	m.IncrementConnections()
	m.IncrementConnections()
	m.IncrementConnections()

	snap := m.Snapshot()
	if snap.ActiveConnections != 3 {
		t.Errorf("Expected 3 connections, got %d", snap.ActiveConnections)
	}

	m.DecrementConnections()
	snap = m.Snapshot()
	if snap.ActiveConnections != 2 {
		t.Errorf("Expected 2 connections, got %d", snap.ActiveConnections)
	}
}

func TestMetrics_TickCounters(t *testing.T) {
	m := &Metrics{}

	m.RecordTickReceived()
	m.RecordTickDelivered()
	m.RecordTickDelivered()
	m.RecordTickDropped()
	m.RecordDecodeError()
	m.RecordReconnect()
	m.RecordHandlerPanic()
	m.RecordSessionExpired()
	m.SetSubscribers(4)

	snap := m.Snapshot()
	if snap.TicksReceived != 1 || snap.TicksDelivered != 2 || snap.TicksDropped != 1 {
		t.Errorf("unexpected tick counters: %+v", snap)
	}
	if snap.DecodeErrors != 1 || snap.Reconnects != 1 || snap.HandlerPanics != 1 {
		t.Errorf("unexpected error counters: %+v", snap)
	}
	if snap.SessionExpiries != 1 {
		t.Errorf("Expected 1 session expiry, got %d", snap.SessionExpiries)
	}
	if snap.Subscribers != 4 {
		t.Errorf("Expected 4 subscribers, got %d", snap.Subscribers)
	}
}

func TestMetrics_Reset(t *testing.T) {
	m := &Metrics{}

	m.RecordTickReceived()
	m.RecordRequest(time.Millisecond, true)
	m.IncrementConnections()
	m.SetSubscribers(2)

	m.Reset()

	snap := m.Snapshot()
	if snap.TicksReceived != 0 || snap.RequestsTotal != 0 || snap.RequestErrors != 0 {
		t.Error("Expected all counters to be 0 after reset")
	}
	if snap.ActiveConnections != 0 || snap.Subscribers != 0 {
		t.Error("Expected gauges to be 0 after reset")
	}
}

func TestMetrics_Concurrent(t *testing.T) {
	m := &Metrics{}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordTickReceived()
			m.RecordTickDelivered()
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	if snap.TicksReceived != 100 || snap.TicksDelivered != 100 {
		t.Errorf("Expected 100/100, got %d/%d", snap.TicksReceived, snap.TicksDelivered)
	}
}
