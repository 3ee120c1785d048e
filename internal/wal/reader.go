package wal

// Reader iterates WAL records in LSN order across all sealed segments plus
// the active one, starting after a given LSN. Per spec §5, readers
// (recovery, backup) open independent file handles and read lock-free —
// Reader never touches WAL's mutex.
type Reader struct {
	dir       string
	fromLSN   LSN
	recordsFn func() ([]*Record, error)
}

// NewReaderFromLSN builds a Reader over every segment in dir, yielding
// only records with LSN > fromLSN.
func NewReaderFromLSN(dir string, fromLSN LSN) (*Reader, error) {
	return &Reader{dir: dir, fromLSN: fromLSN}, nil
}

// ReadResult captures the records read plus whether reading terminated early due
// to a torn tail (which is not an error, per spec §4.1).
type ReadResult struct {
	Records []*Record
	Torn     bool
	TornAt   int // byte offset within the segment where the tear was found
}

// ReadAll scans every segment in LSN order and returns all records with
// LSN > fromLSN. It stops at the first torn/corrupt frame it encounters
// (in the last segment it reads) and reports that fact rather than
// erroring, per the torn-write-tolerance contract.
func (r *Reader) ReadAll() (*ReadResult, error) {
	ids, err := ListSegmentIDs(r.dir)
	if err != nil {
		return nil, err
	}

	result := &ReadResult{}
	for _, id := range ids {
		seg, err := OpenSegment(r.dir, id, DefaultSegmentSize)
		if err != nil {
			continue
		}
		data, err := seg.ReadAll()
		seg.Close()
		if err != nil {
			return nil, err
		}

		off := 0
		for off < len(data) {
			rec, n, err := DecodeAt(data[off:])
			if err != nil {
				// Torn or corrupt frame: this bounds the recoverable
				// prefix. Stop scanning entirely (later segments, if any,
				// are the product of a writer that continued past a
				// corruption it couldn't have known about, which should
				// not happen in practice but is handled the same way).
				result.Torn = true
				result.TornAt = off
				return result, nil
			}
			if rec.LSN > r.fromLSN {
				result.Records = append(result.Records, rec)
			}
			off += n
		}
	}
	return result, nil
}
