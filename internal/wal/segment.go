package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aerodb/aerodb/internal/aeroerr"
)

// SegmentID uniquely identifies a WAL segment file.
type SegmentID uint64

// DefaultSegmentSize matches max_wal_size_bytes' role as the per-segment
// rollover threshold (spec §6) when no override is supplied.
const DefaultSegmentSize = 64 * 1024 * 1024

func segmentName(id SegmentID) string {
	return fmt.Sprintf("wal-%08d.log", uint64(id))
}

// Segment is a single, append-only WAL log file.
type Segment struct {
	ID      SegmentID
	dir     string
	file    *os.File
	size    int64
	maxSize int64
	mu      sync.Mutex
}

// CreateSegment creates a brand-new segment file and fsyncs the WAL
// directory so the new file's existence survives a crash (spec §4.1).
func CreateSegment(dir string, id SegmentID, maxSize int64) (*Segment, error) {
	path := filepath.Join(dir, segmentName(id))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeWALAppendFailed, "failed to create WAL segment", aeroerr.SeverityFatal, err)
	}
	if err := syncDir(dir); err != nil {
		f.Close()
		return nil, err
	}
	return &Segment{ID: id, dir: dir, file: f, maxSize: maxSize}, nil
}

// OpenSegment opens an existing segment for append (and for scanning
// during recovery/backup).
func OpenSegment(dir string, id SegmentID, maxSize int64) (*Segment, error) {
	path := filepath.Join(dir, segmentName(id))
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Segment{ID: id, dir: dir, file: f, size: info.Size(), maxSize: maxSize}, nil
}

// Append writes one encoded record frame to the segment. It does not
// fsync; callers batch fsyncs via the group committer.
func (s *Segment) Append(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.file.Write(frame)
	if err != nil {
		return aeroerr.Wrap(aeroerr.CodeWALAppendFailed, "WAL append failed", aeroerr.SeverityFatal, err)
	}
	s.size += int64(n)
	return nil
}

// Sync performs a full fsync (including metadata), the only sync mode the
// spec permits (§4.1: "Only sync_all ... is permitted").
func (s *Segment) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		return aeroerr.Wrap(aeroerr.CodeWALFsyncFailed, "WAL fsync failed", aeroerr.SeverityFatal, err)
	}
	return nil
}

// IsFull reports whether the segment has reached its rollover threshold.
func (s *Segment) IsFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size >= s.maxSize
}

func (s *Segment) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Close syncs and closes the underlying file.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	_ = s.file.Sync()
	err := s.file.Close()
	s.file = nil
	return err
}

// Path returns the segment's file path.
func (s *Segment) Path() string {
	return filepath.Join(s.dir, segmentName(s.ID))
}

// ReadAll reads the full contents of the segment file for scanning. It
// does not interpret frames; that is the Reader's job.
func (s *Segment) ReadAll() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.ReadFile(s.Path())
}

// Remove deletes the segment file and fsyncs the containing directory
// (spec §4.1: "fsyncs the containing directory after creating or
// unlinking a segment").
func (s *Segment) Remove() error {
	path := s.Path()
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return err
	}
	return syncDir(s.dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return aeroerr.Wrap(aeroerr.CodeWALAppendFailed, "failed to open WAL directory for fsync", aeroerr.SeverityFatal, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return aeroerr.Wrap(aeroerr.CodeWALFsyncFailed, "failed to fsync WAL directory", aeroerr.SeverityFatal, err)
	}
	return nil
}

// ListSegmentIDs returns every segment id present in dir, sorted
// ascending.
func ListSegmentIDs(dir string) ([]SegmentID, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []SegmentID
	for _, e := range entries {
		var id uint64
		if _, err := fmt.Sscanf(e.Name(), "wal-%08d.log", &id); err == nil {
			ids = append(ids, SegmentID(id))
		}
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids, nil
}
