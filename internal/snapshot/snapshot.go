// Package snapshot implements AeroDB's SnapshotManager: a point-in-time
// consistent copy of storage pages and schema descriptors, coordinated
// through a global execution lock (spec §4.4).
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aerodb/aerodb/internal/aeroerr"
	"github.com/aerodb/aerodb/internal/schema"
	"github.com/aerodb/aerodb/internal/storage"
	"github.com/aerodb/aerodb/internal/wal"
)

// FileEntry records one copied file's relative path and checksum, part of
// the snapshot manifest's file inventory.
type FileEntry struct {
	Path     string `json:"path"`
	SHA256   string `json:"sha256"`
	SizeByte int64  `json:"size_bytes"`
}

// Manifest is the contents of snapshot.json.
type Manifest struct {
	ID        string      `json:"id"`
	WALCutLSN uint64      `json:"wal_cut_lsn"`
	CreatedAt time.Time   `json:"created_at"`
	Files     []FileEntry `json:"files"`
}

// Lock is the global execution lock snapshot creation acquires exclusively
// (spec §5: "a single reader-writer lock held exclusively only during
// snapshot creation and explicit dangerous operations").
type Lock interface {
	Lock()
	Unlock()
}

// Manager creates and enumerates snapshots rooted at a snapshots/
// directory alongside the data directory.
type Manager struct {
	snapshotsDir string
}

// New builds a Manager that stores snapshots under snapshotsDir.
func New(snapshotsDir string) *Manager {
	return &Manager{snapshotsDir: snapshotsDir}
}

// Create executes the spec's seven-step snapshot algorithm: fsync the WAL,
// record its highest appended LSN as the cut point, copy storage and
// schema files into a temp directory, write the manifest, fsync
// everything, then atomically rename temp to final. Failure at any step
// removes the temp directory; the running system is left unaffected.
func (m *Manager) Create(w *wal.WAL, store *storage.Store, loader *schema.Loader, lock Lock) (*Manifest, error) {
	lock.Lock()
	defer lock.Unlock()

	if err := w.Sync(); err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeSnapshotFailed, "failed to fsync WAL before snapshot", aeroerr.SeverityError, err)
	}
	cutLSN := uint64(w.CurrentLSN())

	if err := store.Flush(); err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeSnapshotFailed, "failed to flush storage before snapshot", aeroerr.SeverityError, err)
	}

	id := uuid.NewString()
	finalDir := filepath.Join(m.snapshotsDir, id)
	tmpDir := finalDir + ".tmp"

	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeSnapshotFailed, "failed to create snapshot temp directory", aeroerr.SeverityError, err)
	}

	manifest, err := m.populate(tmpDir, id, cutLSN, store, loader)
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, err
	}

	if err := fsyncTree(tmpDir); err != nil {
		os.RemoveAll(tmpDir)
		return nil, aeroerr.Wrap(aeroerr.CodeSnapshotFailed, "failed to fsync snapshot directory", aeroerr.SeverityError, err)
	}

	if err := os.Rename(tmpDir, finalDir); err != nil {
		os.RemoveAll(tmpDir)
		return nil, aeroerr.Wrap(aeroerr.CodeSnapshotFailed, "failed to finalize snapshot directory", aeroerr.SeverityError, err)
	}

	return manifest, nil
}

func (m *Manager) populate(tmpDir, id string, cutLSN uint64, store *storage.Store, loader *schema.Loader) (*Manifest, error) {
	var files []FileEntry

	pagesDir := filepath.Join(tmpDir, "pages")
	if err := os.MkdirAll(pagesDir, 0755); err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeSnapshotFailed, "failed to create pages directory", aeroerr.SeverityError, err)
	}
	pagesDest := filepath.Join(pagesDir, "store.db")
	sum, size, err := copyFile(store.Path(), pagesDest)
	if err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeSnapshotFailed, "failed to copy storage pages", aeroerr.SeverityError, err)
	}
	files = append(files, FileEntry{Path: "pages/store.db", SHA256: sum, SizeByte: size})

	schemasDir := filepath.Join(tmpDir, "schemas")
	if err := os.MkdirAll(schemasDir, 0755); err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeSnapshotFailed, "failed to create schemas directory", aeroerr.SeverityError, err)
	}
	schemaFiles, err := copyDir(loader.Dir(), schemasDir, "schemas")
	if err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeSnapshotFailed, "failed to copy schema files", aeroerr.SeverityError, err)
	}
	files = append(files, schemaFiles...)

	manifest := &Manifest{
		ID:        id,
		WALCutLSN: cutLSN,
		CreatedAt: time.Now().UTC(),
		Files:     files,
	}

	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeSnapshotFailed, "failed to marshal snapshot manifest", aeroerr.SeverityError, err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "snapshot.json"), manifestBytes, 0644); err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeSnapshotFailed, "failed to write snapshot manifest", aeroerr.SeverityError, err)
	}

	return manifest, nil
}

// Get loads a snapshot's manifest by ID.
func (m *Manager) Get(id string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(m.snapshotsDir, id, "snapshot.json"))
	if err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeStorageNotFound, "snapshot not found", aeroerr.SeverityError, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeSnapshotFailed, "failed to parse snapshot manifest", aeroerr.SeverityError, err)
	}
	return &manifest, nil
}

// List returns every snapshot manifest under the snapshots directory,
// newest first.
func (m *Manager) List() ([]*Manifest, error) {
	entries, err := os.ReadDir(m.snapshotsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, aeroerr.Wrap(aeroerr.CodeSnapshotFailed, "failed to list snapshots directory", aeroerr.SeverityError, err)
	}

	var manifests []*Manifest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		manifest, err := m.Get(e.Name())
		if err != nil {
			continue
		}
		manifests = append(manifests, manifest)
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].CreatedAt.After(manifests[j].CreatedAt) })
	return manifests, nil
}

// Dir returns the on-disk directory for a given snapshot ID.
func (m *Manager) Dir(id string) string {
	return filepath.Join(m.snapshotsDir, id)
}

func copyFile(src, dst string) (sha256hex string, size int64, err error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", 0, err
	}
	defer out.Close()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, h), in)
	if err != nil {
		return "", 0, err
	}
	if err := out.Sync(); err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func copyDir(srcDir, dstDir, relPrefix string) ([]FileEntry, error) {
	var files []FileEntry
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		sum, size, err := copyFile(filepath.Join(srcDir, e.Name()), filepath.Join(dstDir, e.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, FileEntry{
			Path:     fmt.Sprintf("%s/%s", relPrefix, e.Name()),
			SHA256:   sum,
			SizeByte: size,
		})
	}
	return files, nil
}

func fsyncTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			return f.Sync()
		}
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return err
		}
		defer f.Close()
		return f.Sync()
	})
}
