package recovery

import (
	"testing"

	"github.com/aerodb/aerodb/internal/indexmgr"
	"github.com/aerodb/aerodb/internal/schema"
	"github.com/aerodb/aerodb/internal/storage"
	"github.com/aerodb/aerodb/internal/wal"
)

func TestRecoverReplaysPutsAfterCheckpoint(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(dir, 0, 0)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}

	put := &wal.PutPayload{Collection: "users", PK: "u1", Doc: []byte(`{"v":1}`)}
	if _, err := w.Append(&wal.Record{Type: wal.RecordPut, Payload: put.Encode()}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err := storage.Open(dir+"/data.db", 16)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()

	indexes := indexmgr.New()
	loader := schema.NewLoader(dir)

	state, err := Recover(dir, store, indexes, loader)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if state.RecordsReplayed != 1 {
		t.Fatalf("expected 1 record replayed, got %d", state.RecordsReplayed)
	}

	doc, found, err := store.Get("users", "u1")
	if err != nil || !found {
		t.Fatalf("Get after recovery: found=%v err=%v", found, err)
	}
	if string(doc) != `{"v":1}` {
		t.Fatalf("unexpected doc after recovery: %s", doc)
	}
}

func TestRecoverSkipsRecordsAtOrBeforeCheckpoint(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(dir, 0, 0)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}

	store, err := storage.Open(dir+"/data.db", 16)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()

	put := &wal.PutPayload{Collection: "users", PK: "u1", Doc: []byte(`{"v":1}`)}
	lsn, err := w.Append(&wal.Record{Type: wal.RecordPut, Payload: put.Encode()})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := store.Apply(&wal.Record{LSN: lsn, Type: wal.RecordPut, Payload: put.Encode()}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := store.Checkpoint(uint64(lsn)); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	indexes := indexmgr.New()
	loader := schema.NewLoader(dir)
	state, err := Recover(dir, store, indexes, loader)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if state.RecordsReplayed != 0 {
		t.Fatalf("expected no records replayed past checkpoint, got %d", state.RecordsReplayed)
	}
	if state.LastLSN != uint64(lsn) {
		t.Fatalf("expected LastLSN %d, got %d", lsn, state.LastLSN)
	}
}
