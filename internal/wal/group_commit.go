package wal

import (
	"sync"
	"time"
)

// Default group-commit bounds (spec §4.1: "Fsync is triggered when any of
// the following hold: batched bytes >= threshold, pending acks >=
// threshold, or elapsed time ... >= max-latency").
const (
	DefaultMaxBatchBytes = 4 * 1024 * 1024
	DefaultMaxBatchAcks  = 256
	DefaultMaxLatency    = 5 * time.Millisecond
	fsyncWarnThreshold   = 200 * time.Millisecond
)

// commitRequest is one appender waiting for its batch to be durable.
type commitRequest struct {
	bytes    int
	response chan error
}

// GroupCommitter batches concurrent appenders' fsync requests into a
// single WAL.Sync() call, amortizing fsync cost across N writers (spec
// §4.1's "group commit", glossary). Adapted from bunbase's
// internal/wal.GroupCommitter, generalized with the three independent
// trigger conditions the spec requires instead of count-only batching.
type GroupCommitter struct {
	wal *WAL

	maxBatchBytes int
	maxBatchAcks  int
	maxLatency    time.Duration

	mu       sync.Mutex
	pending  []*commitRequest
	pendingBytes int
	firstEnqueued time.Time
	timer    *time.Timer
	onWarn   func(d time.Duration)
}

// NewGroupCommitter creates a committer with the given batching bounds.
// Pass zero values to use the spec defaults.
func NewGroupCommitter(w *WAL, maxBatchBytes, maxBatchAcks int, maxLatency time.Duration) *GroupCommitter {
	if maxBatchBytes <= 0 {
		maxBatchBytes = DefaultMaxBatchBytes
	}
	if maxBatchAcks <= 0 {
		maxBatchAcks = DefaultMaxBatchAcks
	}
	if maxLatency <= 0 {
		maxLatency = DefaultMaxLatency
	}
	return &GroupCommitter{
		wal:           w,
		maxBatchBytes: maxBatchBytes,
		maxBatchAcks:  maxBatchAcks,
		maxLatency:    maxLatency,
	}
}

// OnSlowFsync registers a callback invoked whenever a flush's fsync
// exceeds the warn threshold (spec §5: "any fsync exceeding a
// warn-threshold is logged").
func (gc *GroupCommitter) OnSlowFsync(fn func(d time.Duration)) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	gc.onWarn = fn
}

// CommitAndWait enqueues bytesWritten worth of pending data for the next
// flush and blocks until that flush's fsync completes, returning its
// error. This is the WAL fsync suspension point described in spec §5.
func (gc *GroupCommitter) CommitAndWait(bytesWritten int) error {
	req := &commitRequest{bytes: bytesWritten, response: make(chan error, 1)}

	gc.mu.Lock()
	if len(gc.pending) == 0 {
		gc.firstEnqueued = time.Now()
	}
	gc.pending = append(gc.pending, req)
	gc.pendingBytes += bytesWritten

	flushNow := gc.pendingBytes >= gc.maxBatchBytes || len(gc.pending) >= gc.maxBatchAcks
	var deadlineExceeded bool
	if !flushNow && !gc.firstEnqueued.IsZero() {
		deadlineExceeded = time.Since(gc.firstEnqueued) >= gc.maxLatency
	}

	if flushNow || deadlineExceeded {
		batch := gc.pending
		gc.pending = nil
		gc.pendingBytes = 0
		gc.firstEnqueued = time.Time{}
		gc.mu.Unlock()
		gc.flush(batch)
	} else {
		if gc.timer == nil {
			gc.timer = time.AfterFunc(gc.maxLatency, gc.flushDue)
		}
		gc.mu.Unlock()
	}

	return <-req.response
}

// flushDue is invoked by the latency timer when no size/count trigger has
// fired in time.
func (gc *GroupCommitter) flushDue() {
	gc.mu.Lock()
	if len(gc.pending) == 0 {
		gc.timer = nil
		gc.mu.Unlock()
		return
	}
	batch := gc.pending
	gc.pending = nil
	gc.pendingBytes = 0
	gc.firstEnqueued = time.Time{}
	gc.timer = nil
	gc.mu.Unlock()

	gc.flush(batch)
}

// flush performs the single fsync and unblocks every appender in the
// batch atomically with the result, per spec §4.1: "All appenders ...
// unblocked atomically with their LSN" (the LSN itself was already
// assigned synchronously by WAL.Append; this unblocks on durability).
func (gc *GroupCommitter) flush(batch []*commitRequest) {
	start := time.Now()
	err := gc.wal.Sync()
	elapsed := time.Since(start)

	if elapsed >= fsyncWarnThreshold {
		gc.mu.Lock()
		warn := gc.onWarn
		gc.mu.Unlock()
		if warn != nil {
			warn(elapsed)
		}
	}

	for _, req := range batch {
		req.response <- err
	}
}
