package wal

import (
	"bytes"
	"testing"
)

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	put := &PutPayload{Collection: "users", PK: "u1", Doc: []byte(`{"v":1}`)}
	rec := &Record{LSN: 42, TxnID: 7, Type: RecordPut, Payload: put.Encode()}

	frame := rec.Encode()
	if len(frame) != rec.EncodedSize() {
		t.Fatalf("EncodedSize mismatch: got frame len %d, EncodedSize %d", len(frame), rec.EncodedSize())
	}

	got, n, err := DecodeAt(frame)
	if err != nil {
		t.Fatalf("DecodeAt: %v", err)
	}
	if n != len(frame) {
		t.Fatalf("consumed %d bytes, want %d", n, len(frame))
	}
	if got.LSN != rec.LSN || got.TxnID != rec.TxnID || got.Type != rec.Type {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, rec)
	}
	if !bytes.Equal(got.Payload, rec.Payload) {
		t.Fatalf("payload mismatch")
	}

	decodedPut, err := DecodePutPayload(got.Payload)
	if err != nil {
		t.Fatalf("DecodePutPayload: %v", err)
	}
	if decodedPut.Collection != put.Collection || decodedPut.PK != put.PK || !bytes.Equal(decodedPut.Doc, put.Doc) {
		t.Fatalf("put payload round-trip mismatch: got %+v", decodedPut)
	}
}

func TestDecodeAtDetectsCRCCorruption(t *testing.T) {
	rec := &Record{LSN: 1, Type: RecordPut, Payload: []byte("hello")}
	frame := rec.Encode()
	frame[10] ^= 0xFF // flip a byte inside the header/payload region

	_, _, err := DecodeAt(frame)
	if err == nil {
		t.Fatalf("expected corruption to be detected")
	}
	if !IsTorn(err) {
		t.Fatalf("expected a torn/corrupt classification, got %v", err)
	}
}

func TestDecodeAtTreatsTruncatedFrameAsTorn(t *testing.T) {
	rec := &Record{LSN: 1, Type: RecordPut, Payload: []byte("hello world")}
	frame := rec.Encode()

	for n := 1; n < len(frame); n++ {
		_, _, err := DecodeAt(frame[:n])
		if err == nil {
			t.Fatalf("truncated frame at %d bytes should not decode successfully", n)
		}
		if !IsTorn(err) {
			t.Fatalf("truncated frame at %d bytes should be classified torn, got %v", n, err)
		}
	}
}

func TestDeletePayloadRoundTrip(t *testing.T) {
	del := &DeletePayload{Collection: "orders", PK: "o-99"}
	data := del.Encode()
	got, err := DecodeDeletePayload(data)
	if err != nil {
		t.Fatalf("DecodeDeletePayload: %v", err)
	}
	if got.Collection != del.Collection || got.PK != del.PK {
		t.Fatalf("delete payload mismatch: got %+v", got)
	}
}

func TestCheckpointPayloadRoundTrip(t *testing.T) {
	cp := &CheckpointPayload{LSN: 12345}
	data := cp.Encode()
	got, err := DecodeCheckpointPayload(data)
	if err != nil {
		t.Fatalf("DecodeCheckpointPayload: %v", err)
	}
	if got.LSN != cp.LSN {
		t.Fatalf("checkpoint payload mismatch: got %+v", got)
	}
}
