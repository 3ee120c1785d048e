package resource

import "testing"

func TestTryAllocateRejectsBeforeExceedingLimit(t *testing.T) {
	m := New(100, 0, nil)
	if err := m.TryAllocate(60); err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	if err := m.TryAllocate(60); err == nil {
		t.Fatalf("expected second allocate to be rejected")
	}
	if m.MemoryUsed() != 60 {
		t.Fatalf("rejected allocation must not have been applied, got %d", m.MemoryUsed())
	}
}

func TestReleaseFreesCapacity(t *testing.T) {
	m := New(100, 0, nil)
	if err := m.TryAllocate(60); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	m.Release(60)
	if err := m.TryAllocate(80); err != nil {
		t.Fatalf("expected allocate to succeed after release: %v", err)
	}
}

func TestCheckDiskSpaceEntersReadOnlyBelowThreshold(t *testing.T) {
	m := New(0, 1000, func() (uint64, error) { return 10, nil })
	err := m.CheckDiskSpace()
	if err == nil {
		t.Fatalf("expected disk-full error")
	}
	if !m.ReadOnly() {
		t.Fatalf("expected read-only mode to be set")
	}
}

func TestCheckWritableReflectsReadOnlyFlag(t *testing.T) {
	m := New(0, 0, nil)
	if err := m.CheckWritable(); err != nil {
		t.Fatalf("expected writable by default: %v", err)
	}
	m.SetReadOnly(true)
	if err := m.CheckWritable(); err == nil {
		t.Fatalf("expected read-only error")
	}
}
