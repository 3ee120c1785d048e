package storage

import (
	"testing"

	"github.com/aerodb/aerodb/internal/wal"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir+"/data.db", 16)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func putRecord(t *testing.T, s *Store, coll, pk string, doc []byte, lsn uint64) {
	t.Helper()
	payload := &wal.PutPayload{Collection: coll, PK: pk, Doc: doc}
	rec := &wal.Record{LSN: wal.LSN(lsn), Type: wal.RecordPut, Payload: payload.Encode()}
	if err := s.Apply(rec); err != nil {
		t.Fatalf("Apply put: %v", err)
	}
}

func TestPutThenGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	putRecord(t, s, "users", "u1", []byte(`{"v":1}`), 1)

	doc, found, err := s.Get("users", "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatalf("expected document to be found")
	}
	if string(doc) != `{"v":1}` {
		t.Fatalf("unexpected doc: %s", doc)
	}
}

func TestPutOverwritesPriorValue(t *testing.T) {
	s := openTestStore(t)
	putRecord(t, s, "users", "u1", []byte(`{"v":1}`), 1)
	putRecord(t, s, "users", "u1", []byte(`{"v":2}`), 2)

	doc, found, err := s.Get("users", "u1")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if string(doc) != `{"v":2}` {
		t.Fatalf("expected latest value, got %s", doc)
	}
}

func TestApplyIsIdempotentByLSN(t *testing.T) {
	s := openTestStore(t)
	putRecord(t, s, "users", "u1", []byte(`{"v":1}`), 5)
	// Replaying the same LSN with a different payload must be a no-op.
	putRecord(t, s, "users", "u1", []byte(`{"v":99}`), 5)

	doc, _, err := s.Get("users", "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(doc) != `{"v":1}` {
		t.Fatalf("expected apply(5) to be idempotent, got %s", doc)
	}
}

func TestDeleteRemovesDocument(t *testing.T) {
	s := openTestStore(t)
	putRecord(t, s, "users", "u1", []byte(`{"v":1}`), 1)

	del := &wal.DeletePayload{Collection: "users", PK: "u1"}
	rec := &wal.Record{LSN: 2, Type: wal.RecordDelete, Payload: del.Encode()}
	if err := s.Apply(rec); err != nil {
		t.Fatalf("Apply delete: %v", err)
	}

	_, found, err := s.Get("users", "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("expected document to be deleted")
	}
}

func TestScanReturnsOnlyLiveDocumentsInCollection(t *testing.T) {
	s := openTestStore(t)
	putRecord(t, s, "users", "u1", []byte(`{"v":1}`), 1)
	putRecord(t, s, "users", "u2", []byte(`{"v":2}`), 2)
	putRecord(t, s, "orders", "o1", []byte(`{"v":3}`), 3)

	del := &wal.DeletePayload{Collection: "users", PK: "u2"}
	rec := &wal.Record{LSN: 4, Type: wal.RecordDelete, Payload: del.Encode()}
	if err := s.Apply(rec); err != nil {
		t.Fatalf("Apply delete: %v", err)
	}

	results, err := s.Scan("users", nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(results) != 1 || results[0].PK != "u1" {
		t.Fatalf("expected only u1 to survive scan, got %+v", results)
	}
}

func TestCheckpointPersistsLastLSN(t *testing.T) {
	s := openTestStore(t)
	putRecord(t, s, "users", "u1", []byte(`{"v":1}`), 1)

	if err := s.Checkpoint(1); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	got, err := s.LastCheckpointLSN()
	if err != nil {
		t.Fatalf("LastCheckpointLSN: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected checkpoint LSN 1, got %d", got)
	}
}

func TestManyKeysAcrossBucketsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 200; i++ {
		pk := string(rune('a' + i%26))
		putRecord(t, s, "bulk", pk+string(rune(i)), []byte(`{"i":1}`), uint64(i+1))
	}
	results, err := s.Scan("bulk", nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(results) != 200 {
		t.Fatalf("expected 200 live documents, got %d", len(results))
	}
}
