// Package backpressure implements AeroDB's connection/queue/per-connection
// caps and load-status classification (spec §4.6 "BackpressureManager").
package backpressure

import (
	"sync/atomic"
	"time"

	"github.com/aerodb/aerodb/internal/aeroerr"
)

// LoadStatus is derived from the highest percentage across the connection
// and queue counters; per-connection operation counts are not included.
type LoadStatus string

const (
	LoadNormal   LoadStatus = "normal"
	LoadWarning  LoadStatus = "warning"
	LoadCritical LoadStatus = "critical"
)

// Limits configures the three independent caps.
type Limits struct {
	MaxConnections    int64
	MaxQueueDepth     int64
	MaxOpsPerConn     int64
	QueueTimeout      time.Duration
}

// Manager tracks active connections, queued operations, and per-connection
// in-flight operation counts.
type Manager struct {
	limits Limits

	connections atomic.Int64
	queued      atomic.Int64
}

// New builds a Manager with the given limits.
func New(limits Limits) *Manager {
	return &Manager{limits: limits}
}

// ConnGuard releases a connection slot on Release.
type ConnGuard struct{ m *Manager }

func (g *ConnGuard) Release() {
	if g == nil || g.m == nil {
		return
	}
	g.m.connections.Add(-1)
}

// AcquireConnection reserves one connection slot.
func (m *Manager) AcquireConnection() (*ConnGuard, error) {
	if m.limits.MaxConnections <= 0 {
		return &ConnGuard{}, nil
	}
	n := m.connections.Add(1)
	if n > m.limits.MaxConnections {
		m.connections.Add(-1)
		return nil, aeroerr.New(aeroerr.CodeBackpressureConnLimit, "connection limit reached", aeroerr.SeverityWarning).Retryable("1s")
	}
	return &ConnGuard{m: m}, nil
}

// QueueTicket tracks one queued operation's enqueue instant so the worker
// can reject it with QueueTimeout if it waited too long (spec §4.6).
type QueueTicket struct {
	m         *Manager
	enqueued  time.Time
	timeout   time.Duration
	dequeued  bool
}

// Enqueue reserves a queue slot and starts the operation's wait clock.
func (m *Manager) Enqueue() (*QueueTicket, error) {
	if m.limits.MaxQueueDepth > 0 {
		n := m.queued.Add(1)
		if n > m.limits.MaxQueueDepth {
			m.queued.Add(-1)
			return nil, aeroerr.New(aeroerr.CodeBackpressureQueueFull, "operation queue is full", aeroerr.SeverityWarning).Retryable("500ms")
		}
	}
	return &QueueTicket{m: m, enqueued: time.Now(), timeout: m.limits.QueueTimeout}, nil
}

// Dequeue releases the queue slot and checks whether the operation waited
// past queue_timeout_ms; if so it returns QueueTimeout instead of letting
// the caller proceed to execute a stale request.
func (t *QueueTicket) Dequeue() error {
	if t == nil || t.dequeued {
		return nil
	}
	t.dequeued = true
	if t.m != nil && t.m.limits.MaxQueueDepth > 0 {
		t.m.queued.Add(-1)
	}
	if t.timeout > 0 && time.Since(t.enqueued) > t.timeout {
		return aeroerr.New(aeroerr.CodeBackpressureQueueTO, "operation exceeded queue timeout", aeroerr.SeverityWarning).Retryable("100ms")
	}
	return nil
}

// PerConnCounter tracks one connection's in-flight operation count.
type PerConnCounter struct {
	m       *Manager
	inFlight atomic.Int64
}

// NewPerConnCounter creates a per-connection operation counter bound to
// m's configured limit.
func (m *Manager) NewPerConnCounter() *PerConnCounter {
	return &PerConnCounter{m: m}
}

// OpGuard releases a per-connection operation slot on Release.
type OpGuard struct{ c *PerConnCounter }

func (g *OpGuard) Release() {
	if g == nil || g.c == nil {
		return
	}
	g.c.inFlight.Add(-1)
}

// AcquireOp reserves one per-connection operation slot.
func (c *PerConnCounter) AcquireOp() (*OpGuard, error) {
	limit := c.m.limits.MaxOpsPerConn
	if limit <= 0 {
		return &OpGuard{}, nil
	}
	n := c.inFlight.Add(1)
	if n > limit {
		c.inFlight.Add(-1)
		return nil, aeroerr.New(aeroerr.CodeBackpressurePerConnCap, "per-connection operation limit reached", aeroerr.SeverityWarning).Retryable("100ms")
	}
	return &OpGuard{c: c}, nil
}

// Status reports the load classification derived from the highest
// percentage across the connection and queue counters (spec §4.6: ">=90%
// = Critical, >=75% = Warning, else Normal").
func (m *Manager) Status() LoadStatus {
	var highest float64
	if m.limits.MaxConnections > 0 {
		pct := float64(m.connections.Load()) / float64(m.limits.MaxConnections)
		if pct > highest {
			highest = pct
		}
	}
	if m.limits.MaxQueueDepth > 0 {
		pct := float64(m.queued.Load()) / float64(m.limits.MaxQueueDepth)
		if pct > highest {
			highest = pct
		}
	}
	switch {
	case highest >= 0.90:
		return LoadCritical
	case highest >= 0.75:
		return LoadWarning
	default:
		return LoadNormal
	}
}
