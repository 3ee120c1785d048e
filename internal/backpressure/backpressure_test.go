package backpressure

import (
	"testing"
	"time"
)

func TestConnectionLimitRejectsBeyondCap(t *testing.T) {
	m := New(Limits{MaxConnections: 1})
	g1, err := m.AcquireConnection()
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := m.AcquireConnection(); err == nil {
		t.Fatalf("expected second acquire to be rejected")
	}
	g1.Release()
	if _, err := m.AcquireConnection(); err != nil {
		t.Fatalf("expected acquire to succeed after release: %v", err)
	}
}

func TestQueueTimeoutFiresAfterDeadline(t *testing.T) {
	m := New(Limits{MaxQueueDepth: 10, QueueTimeout: 5 * time.Millisecond})
	ticket, err := m.Enqueue()
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := ticket.Dequeue(); err == nil {
		t.Fatalf("expected queue timeout error")
	}
}

func TestStatusClassification(t *testing.T) {
	m := New(Limits{MaxConnections: 10})
	for i := 0; i < 9; i++ {
		if _, err := m.AcquireConnection(); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if got := m.Status(); got != LoadCritical {
		t.Fatalf("expected Critical at 90%%, got %v", got)
	}
}

func TestPerConnCounterEnforcesLimit(t *testing.T) {
	m := New(Limits{MaxOpsPerConn: 1})
	c := m.NewPerConnCounter()
	g, err := c.AcquireOp()
	if err != nil {
		t.Fatalf("first op: %v", err)
	}
	if _, err := c.AcquireOp(); err == nil {
		t.Fatalf("expected second op to be rejected")
	}
	g.Release()
	if _, err := c.AcquireOp(); err != nil {
		t.Fatalf("expected op to succeed after release: %v", err)
	}
}
