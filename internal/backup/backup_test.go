package backup

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aerodb/aerodb/internal/schema"
	"github.com/aerodb/aerodb/internal/snapshot"
	"github.com/aerodb/aerodb/internal/storage"
	"github.com/aerodb/aerodb/internal/wal"
)

func newSnapshotForBackupTest(t *testing.T) (*snapshot.Manager, *snapshot.Manifest) {
	t.Helper()
	w, err := wal.Open(t.TempDir(), 0, 0)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	s, err := storage.Open(filepath.Join(t.TempDir(), "store.db"), 4)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	loader := schema.NewLoader(t.TempDir())
	snapMgr := snapshot.New(t.TempDir())
	var lock sync.Mutex
	manifest, err := snapMgr.Create(w, s, loader, &lock)
	if err != nil {
		t.Fatalf("snapshot Create: %v", err)
	}
	return snapMgr, manifest
}

func TestCreateBackupProducesListableArchive(t *testing.T) {
	snapMgr, manifest := newSnapshotForBackupTest(t)
	backupsDir := t.TempDir()
	mgr := New(backupsDir, snapMgr, 0)

	meta, err := mgr.Create(manifest.ID, "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := os.Stat(meta.ArchivePath); err != nil {
		t.Fatalf("expected archive file to exist: %v", err)
	}

	list, err := mgr.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].BackupID != meta.BackupID {
		t.Fatalf("expected listed backup to match created one, got %+v", list)
	}
}

func TestEnforceRetentionDeletesOldestBeyondMax(t *testing.T) {
	snapMgr, manifest := newSnapshotForBackupTest(t)
	backupsDir := t.TempDir()
	mgr := New(backupsDir, snapMgr, 1)

	if _, err := mgr.Create(manifest.ID, "", ""); err != nil {
		t.Fatalf("first backup: %v", err)
	}
	if _, err := mgr.Create(manifest.ID, "", ""); err != nil {
		t.Fatalf("second backup: %v", err)
	}

	list, err := mgr.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected retention to cap at 1 backup, got %d", len(list))
	}
}

func TestDeleteRemovesArchive(t *testing.T) {
	snapMgr, manifest := newSnapshotForBackupTest(t)
	mgr := New(t.TempDir(), snapMgr, 0)

	meta, err := mgr.Create(manifest.ID, "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mgr.Delete(meta.BackupID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := mgr.Get(meta.BackupID); err == nil {
		t.Fatalf("expected deleted backup to be not found")
	}
}
