package storage

import (
	"encoding/binary"
	"hash/crc32"
	"sync"
)

// PageID uniquely identifies a page in the database.
type PageID uint64

// PageSize is the size of each page in bytes (8KB).
const PageSize = 8192

// Page types.
const (
	PageTypeInvalid = iota
	PageTypeMeta    // schema/checkpoint metadata page
	PageTypeFree    // free page list
	PageTypeData    // holds document entries keyed by primary key
	PageTypeOverflow
)

// Page header layout, adapted from bunbase's B+Tree page header to the
// hash-addressed document page this module needs:
//
//	offset 0:  PageType       (1 byte)
//	offset 1:  Flags          (1 byte)
//	offset 2:  KeyCount       (2 bytes)
//	offset 4:  FreeSpace      (2 bytes) - offset to free space
//	offset 6:  reserved       (2 bytes)
//	offset 8:  LastLSNApplied (8 bytes) - idempotent-apply watermark
//	offset 16: NextOverflow   (8 bytes) - PageID of overflow chain, 0 = none
//	offset 24: CRC32          (4 bytes) - covers header[0:24]+payload
//	offset 28: reserved       (4 bytes)
const PageHeaderSize = 32

var pageCRCTable = crc32.MakeTable(crc32.Castagnoli)

// Page represents a single page in the database.
type Page struct {
	ID       PageID
	Data     [PageSize]byte
	IsDirty  bool
	PinCount int32
	mu       sync.RWMutex
}

// NewPage creates a new page with the given ID and type.
func NewPage(id PageID, pageType byte) *Page {
	p := &Page{ID: id}
	p.SetPageType(pageType)
	p.SetKeyCount(0)
	p.SetFreeSpace(PageHeaderSize)
	p.SetNextOverflow(0)
	return p
}

// Pin increments the pin count (page is in use).
func (p *Page) Pin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PinCount++
}

// Unpin decrements the pin count (page is no longer in use).
func (p *Page) Unpin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PinCount > 0 {
		p.PinCount--
	}
}

// IsPinned returns true if the page is currently pinned.
func (p *Page) IsPinned() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.PinCount > 0
}

// MarkDirty marks the page as modified.
func (p *Page) MarkDirty() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.IsDirty = true
}

// GetPageType returns the page type.
func (p *Page) GetPageType() byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Data[0]
}

// SetPageType sets the page type.
func (p *Page) SetPageType(pageType byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Data[0] = pageType
	p.IsDirty = true
}

// GetKeyCount returns the number of entries in the page.
func (p *Page) GetKeyCount() uint16 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return binary.LittleEndian.Uint16(p.Data[2:4])
}

// SetKeyCount sets the number of entries in the page.
func (p *Page) SetKeyCount(count uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	binary.LittleEndian.PutUint16(p.Data[2:4], count)
	p.IsDirty = true
}

// GetFreeSpace returns the offset to free space in the page.
func (p *Page) GetFreeSpace() uint16 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return binary.LittleEndian.Uint16(p.Data[4:6])
}

// SetFreeSpace sets the offset to free space in the page.
func (p *Page) SetFreeSpace(offset uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	binary.LittleEndian.PutUint16(p.Data[4:6], offset)
	p.IsDirty = true
}

// GetLastLSNApplied returns the LSN of the last WAL record folded into
// this page. A replayed record with LSN <= this value is a no-op, which is
// how recovery's replay stays idempotent across repeated crashes.
func (p *Page) GetLastLSNApplied() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return binary.LittleEndian.Uint64(p.Data[8:16])
}

// SetLastLSNApplied records the LSN just folded into this page.
func (p *Page) SetLastLSNApplied(lsn uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	binary.LittleEndian.PutUint64(p.Data[8:16], lsn)
	p.IsDirty = true
}

// GetNextOverflow returns the PageID of this page's overflow continuation,
// or 0 if none.
func (p *Page) GetNextOverflow() PageID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PageID(binary.LittleEndian.Uint64(p.Data[16:24]))
}

// SetNextOverflow sets the overflow continuation page.
func (p *Page) SetNextOverflow(id PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	binary.LittleEndian.PutUint64(p.Data[16:24], uint64(id))
	p.IsDirty = true
}

func (p *Page) computeCRCLocked() uint32 {
	buf := make([]byte, 0, PageSize-4)
	buf = append(buf, p.Data[0:24]...)
	buf = append(buf, p.Data[28:]...)
	return crc32.Checksum(buf, pageCRCTable)
}

// Seal stamps the page's checksum into its header. Must be called before
// the page is handed to the pager for a disk write.
func (p *Page) Seal() {
	p.mu.Lock()
	defer p.mu.Unlock()
	crc := p.computeCRCLocked()
	binary.LittleEndian.PutUint32(p.Data[24:28], crc)
}

// VerifyCRC reports whether the page's stored checksum matches its
// current contents.
func (p *Page) VerifyCRC() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stored := binary.LittleEndian.Uint32(p.Data[24:28])
	return stored == p.computeCRCLocked()
}

// RemainingSpace returns the available space in the page.
func (p *Page) RemainingSpace() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	freeSpace := int(binary.LittleEndian.Uint16(p.Data[4:6]))
	return PageSize - freeSpace
}

// Copy creates a deep copy of the page data, used when handing a page to a
// snapshot or overflow-chain writer without holding the original's lock.
func (p *Page) Copy() *Page {
	p.mu.RLock()
	defer p.mu.RUnlock()

	newPage := &Page{
		ID:       p.ID,
		IsDirty:  p.IsDirty,
		PinCount: p.PinCount,
	}
	copy(newPage.Data[:], p.Data[:])
	return newPage
}
