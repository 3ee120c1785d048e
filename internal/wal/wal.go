package wal

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/aerodb/aerodb/internal/aeroerr"
)

// WAL coordinates segment rollover, LSN assignment, and buffered append.
// Adapted from bunbase/internal/wal.WAL: a single writer buffer guarded by
// a mutex (spec §5's "Shared-resource policy").
type WAL struct {
	dir         string
	maxSegSize  int64
	mu          sync.Mutex
	segment     *Segment
	nextSegID   SegmentID
	currentLSN  atomic.Uint64
	poisoned    atomic.Bool
	poisonedErr atomic.Pointer[error]
}

// Open opens (or creates) a WAL rooted at dir. lastLSN is the highest LSN
// known to be durable from a prior run (0 if none); new appends continue
// from lastLSN+1.
func Open(dir string, maxSegSize int64, lastLSN LSN) (*WAL, error) {
	if maxSegSize <= 0 {
		maxSegSize = DefaultSegmentSize
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeWALAppendFailed, "failed to create WAL directory", aeroerr.SeverityFatal, err)
	}

	ids, err := ListSegmentIDs(dir)
	if err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeWALAppendFailed, "failed to list WAL segments", aeroerr.SeverityFatal, err)
	}

	w := &WAL{dir: dir, maxSegSize: maxSegSize}
	w.currentLSN.Store(uint64(lastLSN))

	if len(ids) == 0 {
		seg, err := CreateSegment(dir, 0, maxSegSize)
		if err != nil {
			return nil, err
		}
		w.segment = seg
		w.nextSegID = 1
		return w, nil
	}

	lastID := ids[len(ids)-1]
	seg, err := OpenSegment(dir, lastID, maxSegSize)
	if err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeWALAppendFailed, "failed to open latest WAL segment", aeroerr.SeverityFatal, err)
	}
	w.segment = seg
	w.nextSegID = lastID + 1
	return w, nil
}

// Dir returns the WAL's root directory.
func (w *WAL) Dir() string { return w.dir }

// poison transitions the WAL into the failure state spec §4.1 mandates:
// "the WAL transitions to a poisoned state, outstanding appends fail".
func (w *WAL) poison(err error) {
	w.poisoned.Store(true)
	w.poisonedErr.Store(&err)
}

// Poisoned reports whether a prior I/O error has poisoned the WAL.
func (w *WAL) Poisoned() (bool, error) {
	if !w.poisoned.Load() {
		return false, nil
	}
	if p := w.poisonedErr.Load(); p != nil {
		return true, *p
	}
	return true, nil
}

// Append assigns the next LSN, frames record, and appends it to the
// active segment, rotating segments as needed. It does not fsync.
func (w *WAL) Append(rec *Record) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if poisoned, perr := w.Poisoned(); poisoned {
		return 0, aeroerr.Wrap(aeroerr.CodeWALPoisoned, "WAL is poisoned after a prior I/O failure", aeroerr.SeverityFatal, perr)
	}

	lsn := LSN(w.currentLSN.Add(1))
	rec.LSN = lsn

	if w.segment.IsFull() {
		if err := w.rotate(); err != nil {
			w.poison(err)
			return 0, err
		}
	}

	frame := rec.Encode()
	if err := w.segment.Append(frame); err != nil {
		w.poison(err)
		return 0, err
	}
	return lsn, nil
}

func (w *WAL) rotate() error {
	if err := w.segment.Close(); err != nil {
		return aeroerr.Wrap(aeroerr.CodeWALFsyncFailed, "failed to close WAL segment on rotation", aeroerr.SeverityFatal, err)
	}
	seg, err := CreateSegment(w.dir, w.nextSegID, w.maxSegSize)
	if err != nil {
		return err
	}
	w.segment = seg
	w.nextSegID++
	return nil
}

// Sync performs the durability-boundary fsync (spec §4.1/I1). Only full
// sync_all is used, never fdatasync-only.
func (w *WAL) Sync() error {
	w.mu.Lock()
	seg := w.segment
	w.mu.Unlock()

	if err := seg.Sync(); err != nil {
		w.poison(err)
		return err
	}
	return nil
}

// CurrentLSN returns the highest LSN assigned so far (not necessarily
// fsynced).
func (w *WAL) CurrentLSN() LSN {
	return LSN(w.currentLSN.Load())
}

// AdvanceLSN is used by recovery to seed the in-memory cursor from the
// last LSN found on disk, so post-recovery appends continue correctly.
func (w *WAL) AdvanceLSN(lsn LSN) {
	for {
		cur := w.currentLSN.Load()
		if uint64(lsn) <= cur {
			return
		}
		if w.currentLSN.CompareAndSwap(cur, uint64(lsn)) {
			return
		}
	}
}

// Close closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segment.Close()
}

// TruncateBefore removes all sealed segments whose records are entirely
// at or below checkpointLSN. The active segment is never removed (spec
// §4.1's "Segments with all records <= a durable checkpoint LSN may be
// removed").
func (w *WAL) TruncateBefore(checkpointLSN LSN, segmentMaxLSN func(SegmentID) (LSN, bool)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids, err := ListSegmentIDs(w.dir)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == w.segment.ID {
			continue
		}
		maxLSN, known := segmentMaxLSN(id)
		if !known || maxLSN > checkpointLSN {
			continue
		}
		seg, err := OpenSegment(w.dir, id, w.maxSegSize)
		if err != nil {
			continue
		}
		if err := seg.Remove(); err != nil {
			return err
		}
	}
	return nil
}

// SegmentMaxLSN scans one sealed segment and returns the highest LSN it
// contains, used to decide which segments are safe to truncate after a
// checkpoint.
func SegmentMaxLSN(dir string, id SegmentID, maxSegSize int64) (LSN, bool, error) {
	seg, err := OpenSegment(dir, id, maxSegSize)
	if err != nil {
		return 0, false, err
	}
	defer seg.Close()

	data, err := seg.ReadAll()
	if err != nil {
		return 0, false, err
	}

	var max LSN
	found := false
	off := 0
	for off < len(data) {
		rec, n, err := DecodeAt(data[off:])
		if err != nil {
			break
		}
		if rec.LSN > max {
			max = rec.LSN
		}
		found = true
		off += n
	}
	return max, found, nil
}

// CheckpointTruncate removes sealed segments whose records are entirely at
// or below checkpointLSN, called once a checkpoint has durably advanced
// the storage watermark (spec §4.1/§4.2: "segments with all records <= a
// durable checkpoint LSN may be removed").
func (w *WAL) CheckpointTruncate(checkpointLSN LSN) error {
	return w.TruncateBefore(checkpointLSN, func(id SegmentID) (LSN, bool) {
		max, found, err := SegmentMaxLSN(w.dir, id, w.maxSegSize)
		if err != nil {
			return 0, false
		}
		return max, found
	})
}

// SegmentPaths returns the on-disk paths of every segment, ascending,
// including the active one. Used by backup/snapshot to copy the WAL tail.
func (w *WAL) SegmentPaths() ([]string, error) {
	ids, err := ListSegmentIDs(w.dir)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(ids))
	for _, id := range ids {
		paths = append(paths, filepath.Join(w.dir, segmentName(id)))
	}
	return paths, nil
}
