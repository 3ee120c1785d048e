package storage

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/aerodb/aerodb/internal/aeroerr"
	"github.com/aerodb/aerodb/internal/wal"
)

// metaPageID holds the storage header: checkpoint LSN and bucket count
// (spec §4.2's "storage header").
const metaPageID PageID = 0

// DefaultNumBuckets is the size of the hash directory used to address
// document pages by primary key. Chosen so a freshly initialized database
// gets O(1) expected lookup without a separate directory structure (spec
// §4.2: "Documents are hashed by pk to a page").
const DefaultNumBuckets = 1024

// Entry is one decoded document-page payload entry.
type Entry struct {
	Collection string
	PK         string
	Tombstone  bool
	Doc        []byte
}

// ScanResult is one live document returned by Scan.
type ScanResult struct {
	PK  string
	Doc []byte
}

// Store is the page-addressed document store: StorageWriter and
// StorageReader in one type, since both share the buffer pool and hash
// directory (spec §4.2).
type Store struct {
	path       string
	pool       *BufferPool
	numBuckets uint64
}

// Open opens (or initializes) a Store backed by the data file at path.
func Open(path string, numBuckets int) (*Store, error) {
	if numBuckets <= 0 {
		numBuckets = DefaultNumBuckets
	}

	pager, err := NewPager(path)
	if err != nil {
		return nil, err
	}
	pool := NewBufferPool(1024, pager)

	s := &Store{path: path, pool: pool, numBuckets: uint64(numBuckets)}

	if pager.GetNextPageID() == 0 {
		if err := s.initFresh(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) initFresh() error {
	meta, err := s.pool.NewPage(PageTypeMeta)
	if err != nil {
		return err
	}
	if meta.ID != metaPageID {
		return aeroerr.New(aeroerr.CodeStorageIOFailure, "meta page did not land at page 0 on a fresh store", aeroerr.SeverityFatal)
	}
	s.setCheckpointLSNLocked(meta, 0)
	s.setBucketCountLocked(meta, s.numBuckets)
	if err := s.pool.UnpinPage(meta.ID, true); err != nil {
		return err
	}

	for i := uint64(0); i < s.numBuckets; i++ {
		p, err := s.pool.NewPage(PageTypeData)
		if err != nil {
			return err
		}
		if err := s.pool.UnpinPage(p.ID, true); err != nil {
			return err
		}
	}
	return s.pool.FlushAllPages()
}

func (s *Store) setCheckpointLSNLocked(meta *Page, lsn uint64) {
	binary.LittleEndian.PutUint64(meta.Data[PageHeaderSize:PageHeaderSize+8], lsn)
	meta.MarkDirty()
}

func (s *Store) setBucketCountLocked(meta *Page, n uint64) {
	binary.LittleEndian.PutUint64(meta.Data[PageHeaderSize+8:PageHeaderSize+16], n)
	meta.MarkDirty()
}

// LastCheckpointLSN reads the durable checkpoint watermark from the
// storage header (spec §4.3 step 1: "Read last-checkpoint-LSN from
// storage header (0 if none)").
func (s *Store) LastCheckpointLSN() (uint64, error) {
	meta, err := s.pool.FetchPage(metaPageID)
	if err != nil {
		return 0, err
	}
	defer s.pool.UnpinPage(meta.ID, false)
	return binary.LittleEndian.Uint64(meta.Data[PageHeaderSize : PageHeaderSize+8]), nil
}

// Checkpoint fsyncs every dirty page and then stamps the new checkpoint
// LSN into the storage header, in that order, so a crash mid-checkpoint
// never advances the watermark past what is actually durable.
func (s *Store) Checkpoint(lsn uint64) error {
	for _, id := range s.pool.DirtyPageIDs() {
		if err := s.pool.FlushPage(id); err != nil {
			return err
		}
	}
	if err := s.pool.pager.Sync(); err != nil {
		return err
	}

	meta, err := s.pool.FetchPage(metaPageID)
	if err != nil {
		return err
	}
	s.setCheckpointLSNLocked(meta, lsn)
	if err := s.pool.UnpinPage(meta.ID, true); err != nil {
		return err
	}
	return s.pool.FlushPage(metaPageID)
}

func (s *Store) bucketFor(collection, pk string) PageID {
	h := fnv.New64a()
	h.Write([]byte(collection))
	h.Write([]byte{0})
	h.Write([]byte(pk))
	bucket := h.Sum64() % s.numBuckets
	return PageID(1 + bucket)
}

// Apply idempotently folds one WAL record into the page holding its
// target key (spec §4.2: "a second apply of the same LSN is a no-op").
func (s *Store) Apply(rec *wal.Record) error {
	switch rec.Type {
	case wal.RecordPut:
		p, err := wal.DecodePutPayload(rec.Payload)
		if err != nil {
			return aeroerr.Wrap(aeroerr.CodeStorageApplyFailed, "corrupt put payload", aeroerr.SeverityFatal, err)
		}
		return s.put(p.Collection, p.PK, p.Doc, uint64(rec.LSN))
	case wal.RecordDelete:
		p, err := wal.DecodeDeletePayload(rec.Payload)
		if err != nil {
			return aeroerr.Wrap(aeroerr.CodeStorageApplyFailed, "corrupt delete payload", aeroerr.SeverityFatal, err)
		}
		return s.delete(p.Collection, p.PK, uint64(rec.LSN))
	default:
		// Begin/Commit/Abort/Schema/Checkpoint carry no storage mutation of
		// their own; schema ops are folded by the schema loader, checkpoints
		// by Checkpoint above.
		return nil
	}
}

func (s *Store) put(collection, pk string, doc []byte, lsn uint64) error {
	head := s.bucketFor(collection, pk)
	return s.withChain(head, func(chain *[]*Page) error {
		if chainMaxLSN(*chain) >= lsn && lsn != 0 {
			return nil
		}

		// Tombstone any existing live entry for this key anywhere in the
		// chain before appending the fresh value, so at most one live
		// entry for (collection, pk) exists at a time.
		for _, pg := range *chain {
			tombstoneEntry(pg, collection, pk)
		}

		entry := encodeEntry(collection, pk, false, doc)
		target, err := s.pageWithRoom(chain, len(entry))
		if err != nil {
			return err
		}
		appendEntry(target, entry)
		target.SetLastLSNApplied(lsn)
		return nil
	})
}

func (s *Store) delete(collection, pk string, lsn uint64) error {
	head := s.bucketFor(collection, pk)
	return s.withChain(head, func(chain *[]*Page) error {
		if chainMaxLSN(*chain) >= lsn && lsn != 0 {
			return nil
		}
		found := false
		for _, pg := range *chain {
			if tombstoneEntry(pg, collection, pk) {
				found = true
			}
		}
		if found {
			(*chain)[0].SetLastLSNApplied(lsn)
		}
		return nil
	})
}

func chainMaxLSN(chain []*Page) uint64 {
	var max uint64
	for _, pg := range chain {
		if v := pg.GetLastLSNApplied(); v > max {
			max = v
		}
	}
	return max
}

// pageWithRoom returns the first page in *chain with room for size bytes,
// allocating and linking a new overflow page if none has room. A newly
// allocated page is appended to *chain so withChain's deferred unpin
// reaches it too; otherwise it would stay pinned forever and eventually
// exhaust the buffer pool.
func (s *Store) pageWithRoom(chain *[]*Page, size int) (*Page, error) {
	for _, pg := range *chain {
		if int(pg.GetFreeSpace())+size <= PageSize {
			return pg, nil
		}
	}
	last := (*chain)[len(*chain)-1]
	next, err := s.pool.NewPage(PageTypeOverflow)
	if err != nil {
		return nil, err
	}
	last.SetNextOverflow(next.ID)
	*chain = append(*chain, next)
	return next, nil
}

// withChain fetches every page in the overflow chain rooted at head,
// pinned for the duration of fn, and unpins (marking dirty) afterward. fn
// receives a pointer so it can grow the chain (pageWithRoom) and still
// have the growth observed by the deferred unpin below.
func (s *Store) withChain(head PageID, fn func(chain *[]*Page) error) error {
	var chain []*Page
	id := head
	for {
		pg, err := s.pool.FetchPage(id)
		if err != nil {
			return err
		}
		chain = append(chain, pg)
		next := pg.GetNextOverflow()
		if next == 0 {
			break
		}
		id = next
	}
	defer func() {
		for _, pg := range chain {
			s.pool.UnpinPage(pg.ID, pg.IsDirty)
		}
	}()
	return fn(&chain)
}

// Get returns the live document for (collection, pk), if any.
func (s *Store) Get(collection, pk string) ([]byte, bool, error) {
	head := s.bucketFor(collection, pk)
	var doc []byte
	var found bool
	err := s.withChain(head, func(chain *[]*Page) error {
		for _, pg := range *chain {
			// A dirty page's header CRC is resealed only when it is written,
			// so only clean pages can be checked against it.
			pg.mu.RLock()
			dirty := pg.IsDirty
			pg.mu.RUnlock()
			if !dirty && !pg.VerifyCRC() {
				return aeroerr.New(aeroerr.CodeStoragePageCorrupt, "page failed CRC verification", aeroerr.SeverityFatal)
			}
			for _, e := range iterateEntries(pg) {
				if e.Collection == collection && e.PK == pk && !e.Tombstone {
					doc = e.Doc
					found = true
				}
			}
		}
		return nil
	})
	return doc, found, err
}

// Exists reports whether a live document exists for (collection, pk).
func (s *Store) Exists(collection, pk string) (bool, error) {
	_, found, err := s.Get(collection, pk)
	return found, err
}

// Scan iterates every live document in collection, applying filter (which
// may be nil to select all), by walking the entire page file sequentially
// (spec §4.2: "full scan is sequential I/O").
func (s *Store) Scan(collection string, filter func(pk string, doc []byte) bool) ([]ScanResult, error) {
	var results []ScanResult
	next := s.pool.pager.GetNextPageID()
	for id := PageID(1); id < next; id++ {
		pg, err := s.pool.FetchPage(id)
		if err != nil {
			return nil, err
		}
		if pg.GetPageType() == PageTypeData || pg.GetPageType() == PageTypeOverflow {
			for _, e := range iterateEntries(pg) {
				if e.Collection != collection || e.Tombstone {
					continue
				}
				if filter == nil || filter(e.PK, e.Doc) {
					results = append(results, ScanResult{PK: e.PK, Doc: e.Doc})
				}
			}
		}
		s.pool.UnpinPage(id, false)
	}
	return results, nil
}

// Close flushes and closes the underlying buffer pool and pager.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Path returns the data file backing this Store, used by the snapshot
// manager to copy storage pages into a point-in-time directory.
func (s *Store) Path() string { return s.path }

// Flush writes every dirty page to disk and fsyncs the data file, without
// advancing the checkpoint LSN. Used by the snapshot manager to ensure the
// on-disk file it copies reflects every page mutation applied so far.
func (s *Store) Flush() error {
	for _, id := range s.pool.DirtyPageIDs() {
		if err := s.pool.FlushPage(id); err != nil {
			return err
		}
	}
	return s.pool.pager.Sync()
}

// --- entry encoding ---

// encodeEntry serializes one document-page entry for put. It assembles the
// body in a pooled scratch buffer (GetBuffer/PutBuffer) and copies it into
// one newly allocated, length-prefixed slice, which it returns.
func encodeEntry(collection, pk string, tombstone bool, doc []byte) []byte {
	collB := []byte(collection)
	pkB := []byte(pk)

	scratch := GetBuffer()
	defer PutBuffer(scratch)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint16(lenBuf[0:2], uint16(len(collB)))
	scratch.Write(lenBuf[0:2])
	scratch.Write(collB)
	binary.LittleEndian.PutUint16(lenBuf[0:2], uint16(len(pkB)))
	scratch.Write(lenBuf[0:2])
	scratch.Write(pkB)
	if tombstone {
		scratch.WriteByte(1)
	} else {
		scratch.WriteByte(0)
	}
	binary.LittleEndian.PutUint32(lenBuf[0:4], uint32(len(doc)))
	scratch.Write(lenBuf[0:4])
	scratch.Write(doc)

	bodyLen := scratch.Len()
	buf := make([]byte, 4+bodyLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(bodyLen))
	copy(buf[4:], scratch.Bytes())
	return buf
}

// iterateEntries decodes every entry in a page's payload region, in
// on-disk order.
func iterateEntries(pg *Page) []Entry {
	pg.mu.RLock()
	defer pg.mu.RUnlock()

	var entries []Entry
	off := PageHeaderSize
	limit := int(binary.LittleEndian.Uint16(pg.Data[4:6]))
	for off+4 <= limit {
		bodyLen := int(binary.LittleEndian.Uint32(pg.Data[off : off+4]))
		body := pg.Data[off+4 : off+4+bodyLen]
		e, ok := decodeEntryBody(body)
		if ok {
			entries = append(entries, e)
		}
		off += 4 + bodyLen
	}
	return entries
}

func decodeEntryBody(body []byte) (Entry, bool) {
	if len(body) < 2 {
		return Entry{}, false
	}
	off := 0
	collLen := int(binary.LittleEndian.Uint16(body[off:]))
	off += 2
	if off+collLen+2 > len(body) {
		return Entry{}, false
	}
	coll := string(body[off : off+collLen])
	off += collLen
	pkLen := int(binary.LittleEndian.Uint16(body[off:]))
	off += 2
	if off+pkLen+1+4 > len(body) {
		return Entry{}, false
	}
	pk := string(body[off : off+pkLen])
	off += pkLen
	tombstone := body[off] != 0
	off++
	docLen := int(binary.LittleEndian.Uint32(body[off:]))
	off += 4
	if off+docLen > len(body) {
		return Entry{}, false
	}
	doc := append([]byte(nil), body[off:off+docLen]...)
	return Entry{Collection: coll, PK: pk, Tombstone: tombstone, Doc: doc}, true
}

// appendEntry writes a pre-encoded entry at the page's current free-space
// offset and advances it, growing KeyCount.
func appendEntry(pg *Page, entry []byte) {
	pg.mu.Lock()
	off := int(binary.LittleEndian.Uint16(pg.Data[4:6]))
	copy(pg.Data[off:], entry)
	binary.LittleEndian.PutUint16(pg.Data[4:6], uint16(off+len(entry)))
	keyCount := binary.LittleEndian.Uint16(pg.Data[2:4])
	binary.LittleEndian.PutUint16(pg.Data[2:4], keyCount+1)
	pg.IsDirty = true
	pg.mu.Unlock()
}

// tombstoneEntry flips the tombstone byte of the live entry matching
// (collection, pk) in pg, if present. Returns whether an entry was found.
func tombstoneEntry(pg *Page, collection, pk string) bool {
	pg.mu.Lock()
	defer pg.mu.Unlock()

	off := PageHeaderSize
	limit := int(binary.LittleEndian.Uint16(pg.Data[4:6]))
	found := false
	for off+4 <= limit {
		bodyLen := int(binary.LittleEndian.Uint32(pg.Data[off : off+4]))
		bodyStart := off + 4
		body := pg.Data[bodyStart : bodyStart+bodyLen]
		e, ok := decodeEntryBody(body)
		if ok && e.Collection == collection && e.PK == pk && !e.Tombstone {
			tombstoneOffset := bodyStart + 2 + len(e.Collection) + 2 + len(e.PK)
			pg.Data[tombstoneOffset] = 1
			pg.IsDirty = true
			found = true
		}
		off += 4 + bodyLen
	}
	return found
}
