// Package oplog implements AeroDB's append-only operation log and slow
// query tracker, modeled on the original implementation's
// observability/operation_log.rs and observability/slow_query.rs:
// explicit, deterministic, non-blocking, no hidden aggregation.
package oplog

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// OperationType is the kind of operation recorded.
type OperationType string

const (
	OpPut    OperationType = "put"
	OpGet    OperationType = "get"
	OpDelete OperationType = "delete"
	OpScan   OperationType = "scan"
	OpSchema OperationType = "schema"
)

// Entry is a single operation log record.
type Entry struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	Collection string        `json:"collection,omitempty"`
	Operation  OperationType `json:"operation"`
	DurationMs float64       `json:"duration_ms"`
	Error      string        `json:"error,omitempty"`
}

// Log is a bounded, append-only ring of operation entries. Logging never
// blocks operation execution: Append takes a single mutex for an O(1)
// slice append and never performs I/O itself.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	cap     int
}

// NewLog creates a Log holding at most capacity entries (oldest dropped
// first once full).
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Log{cap: capacity}
}

// Append records one operation. Same inputs produce the same entry
// (excluding timestamp/id), matching the original's determinism
// principle.
func (l *Log) Append(collection string, op OperationType, duration time.Duration, err error) Entry {
	e := Entry{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		Collection: collection,
		Operation:  op,
		DurationMs: float64(duration.Microseconds()) / 1000.0,
	}
	if err != nil {
		e.Error = err.Error()
	}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}
	l.mu.Unlock()

	return e
}

// Recent returns a copy of the last n entries (or fewer if the log holds
// fewer), newest last.
func (l *Log) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Entry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

// SlowQueryTracker records operations whose dispatch time exceeds a
// configured threshold, append-only and separate from the main log so
// slow-query analysis never has to scan unrelated fast operations.
type SlowQueryTracker struct {
	threshold time.Duration
	log       *Log
}

// NewSlowQueryTracker builds a tracker that records to its own Log any
// operation slower than threshold.
func NewSlowQueryTracker(threshold time.Duration, capacity int) *SlowQueryTracker {
	return &SlowQueryTracker{threshold: threshold, log: NewLog(capacity)}
}

// Observe records the operation if its duration exceeds the tracker's
// threshold.
func (t *SlowQueryTracker) Observe(collection string, op OperationType, duration time.Duration, err error) {
	if duration <= t.threshold {
		return
	}
	t.log.Append(collection, op, duration, err)
}

// Recent returns the n most recently recorded slow operations.
func (t *SlowQueryTracker) Recent(n int) []Entry {
	return t.log.Recent(n)
}
