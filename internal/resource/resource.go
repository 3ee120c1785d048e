// Package resource implements AeroDB's ResourceManager: atomic tracking
// of memory, file descriptors, and disk free bytes, plus the process-wide
// read-only mode flag (spec §4.7).
package resource

import (
	"fmt"
	"sync/atomic"

	"github.com/aerodb/aerodb/internal/aeroerr"
)

// Manager tracks logical memory usage, open file descriptors, and disk
// free bytes, refusing acquisition before any limit would be exceeded.
type Manager struct {
	maxMemoryBytes   int64
	minFreeDiskBytes int64

	memoryUsed atomic.Int64
	fdsOpen    atomic.Int64
	readOnly   atomic.Bool

	diskFreeBytesFn func() (uint64, error)
}

// New builds a Manager with the given limits. diskFreeBytesFn supplies
// the platform's statvfs-derived free-byte count; pass nil to skip disk
// polling (tests, or environments where it is unavailable).
func New(maxMemoryBytes, minFreeDiskBytes int64, diskFreeBytesFn func() (uint64, error)) *Manager {
	return &Manager{
		maxMemoryBytes:   maxMemoryBytes,
		minFreeDiskBytes: minFreeDiskBytes,
		diskFreeBytesFn:  diskFreeBytesFn,
	}
}

// TryAllocate reserves size logical bytes of memory, refusing before
// acquisition if it would push usage over max_memory_bytes (spec §4.7:
// "Refusals happen before resource acquisition, never after").
func (m *Manager) TryAllocate(size int64) error {
	if m.maxMemoryBytes <= 0 {
		m.memoryUsed.Add(size)
		return nil
	}
	for {
		cur := m.memoryUsed.Load()
		next := cur + size
		if next > m.maxMemoryBytes {
			return aeroerr.New(aeroerr.CodeResourceMemoryLimit, fmt.Sprintf("allocation of %d bytes would exceed max_memory_bytes=%d (currently %d)", size, m.maxMemoryBytes, cur), aeroerr.SeverityError)
		}
		if m.memoryUsed.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

// Release returns size logical bytes previously reserved by TryAllocate.
func (m *Manager) Release(size int64) {
	m.memoryUsed.Add(-size)
}

// MemoryUsed returns the current logical memory usage.
func (m *Manager) MemoryUsed() int64 { return m.memoryUsed.Load() }

// AcquireFD records one more open file descriptor (WAL segment, page
// file, archive file).
func (m *Manager) AcquireFD() { m.fdsOpen.Add(1) }

// ReleaseFD records one fewer open file descriptor.
func (m *Manager) ReleaseFD() { m.fdsOpen.Add(-1) }

// OpenFDs returns the current tracked file-descriptor count.
func (m *Manager) OpenFDs() int64 { return m.fdsOpen.Load() }

// CheckDiskSpace polls disk free bytes and enters read-only mode if below
// min_free_disk_bytes (spec §4.7). Called before any write that increases
// storage size by more than a configured delta.
func (m *Manager) CheckDiskSpace() error {
	if m.diskFreeBytesFn == nil || m.minFreeDiskBytes <= 0 {
		return nil
	}
	free, err := m.diskFreeBytesFn()
	if err != nil {
		return aeroerr.Wrap(aeroerr.CodeResourceDiskFull, "failed to poll disk free space", aeroerr.SeverityError, err)
	}
	if int64(free) < m.minFreeDiskBytes {
		m.SetReadOnly(true)
		return aeroerr.New(aeroerr.CodeResourceDiskFull, fmt.Sprintf("disk free bytes %d below min_free_disk_bytes %d", free, m.minFreeDiskBytes), aeroerr.SeverityFatal)
	}
	return nil
}

// SetReadOnly sets or clears the read-only flag. Clearing requires an
// explicit operator action after remediation (spec §4.7); this method is
// the mechanism, not the policy gate.
func (m *Manager) SetReadOnly(v bool) { m.readOnly.Store(v) }

// ReadOnly reports whether the database is currently refusing writes.
func (m *Manager) ReadOnly() bool { return m.readOnly.Load() }

// CheckWritable returns AERO_READ_ONLY_MODE if the database is currently
// read-only, nil otherwise. Callers check this before any mutating
// operation.
func (m *Manager) CheckWritable() error {
	if m.readOnly.Load() {
		return aeroerr.New(aeroerr.CodeReadOnlyMode, "database is in read-only mode", aeroerr.SeverityError)
	}
	return nil
}
