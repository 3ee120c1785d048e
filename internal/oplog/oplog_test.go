package oplog

import (
	"errors"
	"testing"
	"time"
)

func TestAppendThenRecentReturnsNewestLast(t *testing.T) {
	l := NewLog(10)
	l.Append("users", OpPut, time.Millisecond, nil)
	l.Append("users", OpGet, time.Millisecond, errors.New("boom"))

	recent := l.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(recent))
	}
	if recent[1].Operation != OpGet || recent[1].Error != "boom" {
		t.Fatalf("unexpected last entry: %+v", recent[1])
	}
}

func TestLogDropsOldestBeyondCapacity(t *testing.T) {
	l := NewLog(2)
	l.Append("a", OpPut, time.Millisecond, nil)
	l.Append("b", OpPut, time.Millisecond, nil)
	l.Append("c", OpPut, time.Millisecond, nil)

	recent := l.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("expected ring to cap at 2, got %d", len(recent))
	}
	if recent[0].Collection != "b" || recent[1].Collection != "c" {
		t.Fatalf("expected oldest entry dropped, got %+v", recent)
	}
}

func TestSlowQueryTrackerOnlyRecordsAboveThreshold(t *testing.T) {
	tr := NewSlowQueryTracker(50*time.Millisecond, 10)
	tr.Observe("users", OpScan, 10*time.Millisecond, nil)
	tr.Observe("users", OpScan, 100*time.Millisecond, nil)

	recent := tr.Recent(10)
	if len(recent) != 1 {
		t.Fatalf("expected only the slow operation recorded, got %d", len(recent))
	}
	if recent[0].DurationMs < 100 {
		t.Fatalf("expected recorded duration >= 100ms, got %v", recent[0].DurationMs)
	}
}
