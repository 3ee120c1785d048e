// Package wal implements AeroDB's write-ahead log: an append-only, framed,
// fsync-bounded record log whose offset is the system's durability cursor.
//
// Key components, adapted from bunbase/internal/wal but reworked for the
// bit-exact frame format and torn-write tolerance spec §4.1/§6 require:
//   - Record: a single WAL entry (header + payload + trailing length).
//   - Segment: one log file, rolled when it exceeds its size budget.
//   - WAL: coordinates segments, LSN assignment, and fsync.
//   - GroupCommitter: batches concurrent appenders into one fsync.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// RecordType identifies the kind of WAL record (spec §6, bit-exact values).
type RecordType uint8

const (
	RecordInvalid  RecordType = 0
	RecordBegin    RecordType = 1
	RecordCommit   RecordType = 2
	RecordAbort    RecordType = 3
	RecordPut      RecordType = 4
	RecordDelete   RecordType = 5
	RecordSchema   RecordType = 6
	RecordCheckpoint RecordType = 7
)

func (t RecordType) String() string {
	switch t {
	case RecordBegin:
		return "Begin"
	case RecordCommit:
		return "Commit"
	case RecordAbort:
		return "Abort"
	case RecordPut:
		return "Put"
	case RecordDelete:
		return "Delete"
	case RecordSchema:
		return "Schema"
	case RecordCheckpoint:
		return "Checkpoint"
	default:
		return "Invalid"
	}
}

// LSN is a Log Sequence Number: a monotonically increasing durability
// cursor assigned to every WAL record.
type LSN uint64

// castagnoliTable is the CRC32C table (polynomial 0x1EDC6F41) spec §6
// requires. The stdlib ships this exact table; no third-party CRC library
// in the pack improves on it (see DESIGN.md).
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Frame layout (spec §6, little-endian throughout):
//
//	offset 0:  u32 length           (covers type..payload)
//	offset 4:  u32 crc32c           (of bytes [8 .. 8+length))
//	offset 8:  u8  type
//	offset 9:  u64 lsn
//	offset 17: u64 txn_id
//	offset 25: payload
//	offset 25+len(payload): u32 trailing_length (== length)
const (
	lengthFieldSize    = 4
	crcFieldSize       = 4
	typeFieldSize      = 1
	lsnFieldSize       = 8
	txnFieldSize       = 8
	fixedHeaderSize    = typeFieldSize + lsnFieldSize + txnFieldSize // 17, the part covered by "length"
	frameOverhead      = lengthFieldSize + crcFieldSize + fixedHeaderSize + lengthFieldSize // + trailing length
	typeOffsetInHeader = 0
)

// Record is a single WAL entry.
type Record struct {
	LSN     LSN
	TxnID   uint64 // 0 for autocommit
	Type    RecordType
	Payload []byte
}

// EncodedSize returns the number of bytes Encode will produce.
func (r *Record) EncodedSize() int {
	return lengthFieldSize + crcFieldSize + fixedHeaderSize + len(r.Payload) + lengthFieldSize
}

// Encode serializes the record to the bit-exact on-disk frame.
func (r *Record) Encode() []byte {
	length := uint32(fixedHeaderSize + len(r.Payload))
	buf := make([]byte, lengthFieldSize+crcFieldSize+int(length)+lengthFieldSize)

	binary.LittleEndian.PutUint32(buf[0:4], length)

	body := buf[8:]
	body[0] = byte(r.Type)
	binary.LittleEndian.PutUint64(body[1:9], uint64(r.LSN))
	binary.LittleEndian.PutUint64(body[9:17], r.TxnID)
	copy(body[17:], r.Payload)

	crc := crc32.Checksum(buf[8:8+length], castagnoliTable)
	binary.LittleEndian.PutUint32(buf[4:8], crc)

	binary.LittleEndian.PutUint32(buf[8+length:8+length+4], length)

	return buf
}

// torn is returned by DecodeAt when the frame is incomplete, its CRC
// disagrees, or its trailing length does not match: callers treat this as
// end-of-log, not as an error to surface, per spec §4.1 ("torn frames are
// not an error"). The reason string says which check failed.
type torn struct{ reason string }

func (t *torn) Error() string { return "torn WAL frame: " + t.reason }

// IsTorn reports whether err marks the end of the recoverable prefix:
// an incomplete tail frame and a frame whose CRC disagrees both count.
func IsTorn(err error) bool {
	_, ok := err.(*torn)
	return ok
}

// DecodeAt decodes one frame starting at data[0]. It returns the record,
// the number of bytes consumed, and an error. A *torn error means "stop
// reading here, the recoverable prefix ends before this frame" — it is not
// an operational failure.
func DecodeAt(data []byte) (*Record, int, error) {
	if len(data) < lengthFieldSize+crcFieldSize {
		return nil, 0, &torn{"not enough bytes for length+crc header"}
	}

	length := binary.LittleEndian.Uint32(data[0:4])
	expectedCRC := binary.LittleEndian.Uint32(data[4:8])

	if length < fixedHeaderSize {
		return nil, 0, &torn{"length field smaller than fixed header"}
	}

	total := lengthFieldSize + crcFieldSize + int(length) + lengthFieldSize
	if len(data) < total {
		return nil, 0, &torn{"buffer shorter than framed length"}
	}

	body := data[8 : 8+length]
	actualCRC := crc32.Checksum(body, castagnoliTable)
	if actualCRC != expectedCRC {
		return nil, 0, &torn{"crc mismatch"}
	}

	trailing := binary.LittleEndian.Uint32(data[8+length : 8+length+4])
	if trailing != length {
		return nil, 0, &torn{"trailing length disagrees with header length"}
	}

	rec := &Record{
		Type:    RecordType(body[0]),
		LSN:     LSN(binary.LittleEndian.Uint64(body[1:9])),
		TxnID:   binary.LittleEndian.Uint64(body[9:17]),
		Payload: append([]byte(nil), body[17:]...),
	}
	return rec, total, nil
}

// PutPayload is the payload layout for RecordPut: coll, pk, bytes.
type PutPayload struct {
	Collection string
	PK         string
	Doc        []byte
}

func (p *PutPayload) Encode() []byte {
	collB := []byte(p.Collection)
	pkB := []byte(p.PK)
	buf := make([]byte, 4+len(collB)+4+len(pkB)+len(p.Doc))
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(collB)))
	off += 4
	copy(buf[off:], collB)
	off += len(collB)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(pkB)))
	off += 4
	copy(buf[off:], pkB)
	off += len(pkB)
	copy(buf[off:], p.Doc)
	return buf
}

func DecodePutPayload(data []byte) (*PutPayload, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("put payload too short")
	}
	collLen := int(binary.LittleEndian.Uint32(data[0:4]))
	off := 4
	if off+collLen+4 > len(data) {
		return nil, fmt.Errorf("put payload truncated at collection")
	}
	coll := string(data[off : off+collLen])
	off += collLen
	pkLen := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	if off+pkLen > len(data) {
		return nil, fmt.Errorf("put payload truncated at pk")
	}
	pk := string(data[off : off+pkLen])
	off += pkLen
	doc := append([]byte(nil), data[off:]...)
	return &PutPayload{Collection: coll, PK: pk, Doc: doc}, nil
}

// DeletePayload is the payload layout for RecordDelete: coll, pk.
type DeletePayload struct {
	Collection string
	PK         string
}

func (p *DeletePayload) Encode() []byte {
	collB := []byte(p.Collection)
	pkB := []byte(p.PK)
	buf := make([]byte, 4+len(collB)+len(pkB))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(collB)))
	copy(buf[4:], collB)
	copy(buf[4+len(collB):], pkB)
	return buf
}

func DecodeDeletePayload(data []byte) (*DeletePayload, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("delete payload too short")
	}
	collLen := int(binary.LittleEndian.Uint32(data[0:4]))
	if 4+collLen > len(data) {
		return nil, fmt.Errorf("delete payload truncated")
	}
	coll := string(data[4 : 4+collLen])
	pk := string(data[4+collLen:])
	return &DeletePayload{Collection: coll, PK: pk}, nil
}

// CheckpointPayload is the payload for RecordCheckpoint: the LSN up to and
// including which all records are durably reflected on disk.
type CheckpointPayload struct {
	LSN LSN
}

func (p *CheckpointPayload) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(p.LSN))
	return buf
}

func DecodeCheckpointPayload(data []byte) (*CheckpointPayload, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("checkpoint payload too short")
	}
	return &CheckpointPayload{LSN: LSN(binary.LittleEndian.Uint64(data[0:8]))}, nil
}
