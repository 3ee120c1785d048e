// Package storage implements the page-addressed storage layer of AeroDB.
//
// It is responsible for:
//  1. Pager: direct disk I/O, managing a single data file split into 8KB
//     pages.
//  2. BufferPool: an in-memory SLRU cache that minimizes disk access and
//     tracks dirty pages for checkpointing.
//  3. Page: the fundamental on-disk unit, carrying a CRC'd header plus
//     document entries addressed by primary key.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aerodb/aerodb/internal/aeroerr"
)

// Pager manages disk I/O for fixed-size pages.
type Pager struct {
	file       *os.File
	mu         sync.RWMutex
	nextPageID PageID
}

// NewPager creates a new Pager backed by filename, creating the parent
// directory and the file if necessary.
func NewPager(filename string) (*Pager, error) {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeStorageIOFailure, "failed to create storage directory", aeroerr.SeverityFatal, err)
	}

	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeStorageIOFailure, "failed to open data file", aeroerr.SeverityFatal, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, aeroerr.Wrap(aeroerr.CodeStorageIOFailure, "failed to stat data file", aeroerr.SeverityFatal, err)
	}

	nextPageID := PageID(info.Size() / PageSize)

	return &Pager{
		file:       file,
		nextPageID: nextPageID,
	}, nil
}

// AllocatePage reserves a new PageID and extends the file size.
func (p *Pager) AllocatePage() (PageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pageID := p.nextPageID
	p.nextPageID++

	newSize := int64(p.nextPageID) * PageSize
	if err := p.file.Truncate(newSize); err != nil {
		return 0, aeroerr.Wrap(aeroerr.CodeStorageIOFailure, "failed to extend data file", aeroerr.SeverityFatal, err)
	}

	return pageID, nil
}

// ReadPage reads a page from disk and verifies its checksum. A CRC
// mismatch is reported as AERO_STORAGE_PAGE_CORRUPT rather than silently
// returning bad data (spec's consistency-check contract).
func (p *Pager) ReadPage(pageID PageID) (*Page, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if pageID >= p.nextPageID {
		return nil, aeroerr.New(aeroerr.CodeStorageInvalidPageID, fmt.Sprintf("page %d does not exist", pageID), aeroerr.SeverityError)
	}

	page := &Page{ID: pageID}
	offset := int64(pageID) * PageSize

	n, err := p.file.ReadAt(page.Data[:], offset)
	if err != nil && n == 0 {
		return nil, aeroerr.Wrap(aeroerr.CodeStorageIOFailure, "failed to read page", aeroerr.SeverityFatal, err)
	}

	if !page.VerifyCRC() {
		return nil, aeroerr.New(aeroerr.CodeStoragePageCorrupt, fmt.Sprintf("page %d failed CRC verification", pageID), aeroerr.SeverityFatal)
	}

	return page, nil
}

// WritePage seals and writes a page to disk.
func (p *Pager) WritePage(page *Page) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if page.ID >= p.nextPageID {
		return aeroerr.New(aeroerr.CodeStorageInvalidPageID, fmt.Sprintf("page %d does not exist", page.ID), aeroerr.SeverityError)
	}

	page.Seal()

	offset := int64(page.ID) * PageSize
	if _, err := p.file.WriteAt(page.Data[:], offset); err != nil {
		return aeroerr.Wrap(aeroerr.CodeStorageIOFailure, "failed to write page", aeroerr.SeverityFatal, err)
	}

	page.mu.Lock()
	page.IsDirty = false
	page.mu.Unlock()

	return nil
}

// Sync flushes all pending writes to disk.
func (p *Pager) Sync() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.file.Sync(); err != nil {
		return aeroerr.Wrap(aeroerr.CodeStorageIOFailure, "failed to fsync data file", aeroerr.SeverityFatal, err)
	}
	return nil
}

// Close closes the pager.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file != nil {
		if err := p.file.Sync(); err != nil {
			return aeroerr.Wrap(aeroerr.CodeStorageIOFailure, "failed to fsync data file on close", aeroerr.SeverityFatal, err)
		}
		return p.file.Close()
	}
	return nil
}

// GetNextPageID returns the next available page ID.
func (p *Pager) GetNextPageID() PageID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nextPageID
}
