package admission

import "testing"

func TestUnlimitedWritesAlwaysAcquire(t *testing.T) {
	c := New(0, 0)
	for i := 0; i < 5; i++ {
		if err := c.TryAcquireWrite(); err != nil {
			t.Fatalf("unexpected rate limit at iteration %d: %v", i, err)
		}
	}
}

func TestWriteRateLimitRejectsBeyondBurst(t *testing.T) {
	c := New(1, 0)
	rejected := false
	for i := 0; i < 10; i++ {
		if err := c.TryAcquireWrite(); err != nil {
			rejected = true
			break
		}
	}
	if !rejected {
		t.Fatalf("expected at least one rejection under a tight rate limit")
	}
}

func TestQueryGuardEnforcesConcurrencyCap(t *testing.T) {
	c := New(0, 1)
	g1, err := c.AcquireQuery()
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := c.AcquireQuery(); err == nil {
		t.Fatalf("expected second acquire to be rejected at cap 1")
	}
	g1.Release()
	if _, err := c.AcquireQuery(); err != nil {
		t.Fatalf("expected acquire to succeed after release: %v", err)
	}
}
