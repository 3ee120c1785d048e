package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aerodb/aerodb/internal/schema"
	"github.com/aerodb/aerodb/internal/storage"
	"github.com/aerodb/aerodb/internal/wal"
)

func newTestWAL(t *testing.T) *wal.WAL {
	t.Helper()
	w, err := wal.Open(t.TempDir(), 0, 0)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "store.db"), 4)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateProducesManifestWithCutLSNAndFiles(t *testing.T) {
	w := newTestWAL(t)
	s := newTestStore(t)
	loader := schema.NewLoader(t.TempDir())

	pk := wal.PutPayload{Collection: "users", PK: "1", Doc: []byte(`{"a":1}`)}
	rec := &wal.Record{Type: wal.RecordPut, Payload: pk.Encode()}
	lsn, err := w.Append(rec)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Apply(rec); err != nil {
		t.Fatalf("apply: %v", err)
	}

	snapDir := t.TempDir()
	mgr := New(snapDir)
	var lock sync.Mutex

	manifest, err := mgr.Create(w, s, loader, &lock)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if manifest.WALCutLSN != uint64(lsn) {
		t.Fatalf("expected wal cut lsn %d, got %d", lsn, manifest.WALCutLSN)
	}
	if len(manifest.Files) == 0 {
		t.Fatalf("expected file inventory to be non-empty")
	}

	onDisk := filepath.Join(mgr.Dir(manifest.ID), "snapshot.json")
	data, err := os.ReadFile(onDisk)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var reread Manifest
	if err := json.Unmarshal(data, &reread); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if reread.ID != manifest.ID {
		t.Fatalf("on-disk manifest id mismatch")
	}
}

func TestListReturnsNewestFirst(t *testing.T) {
	w := newTestWAL(t)
	s := newTestStore(t)
	loader := schema.NewLoader(t.TempDir())
	mgr := New(t.TempDir())
	var lock sync.Mutex

	first, err := mgr.Create(w, s, loader, &lock)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := mgr.Create(w, s, loader, &lock)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}

	list, err := mgr.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(list))
	}
	found := map[string]bool{first.ID: true, second.ID: true}
	for _, m := range list {
		if !found[m.ID] {
			t.Fatalf("unexpected snapshot id %s", m.ID)
		}
	}
}
