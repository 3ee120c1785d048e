// Package backup implements AeroDB's BackupManager: packages a snapshot
// plus an optional WAL tail into a portable gzipped tarball, and enforces
// a retention policy over the resulting archives (spec §4.5).
package backup

import (
	"archive/tar"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/aerodb/aerodb/internal/aeroerr"
	"github.com/aerodb/aerodb/internal/logging"
	"github.com/aerodb/aerodb/internal/snapshot"
)

// FormatVersion is the on-disk archive format version.
const FormatVersion = 1

// Manifest is backup_manifest.json at the archive root.
type Manifest struct {
	BackupID   string    `json:"backup_id"`
	SnapshotID string    `json:"snapshot_id"`
	CreatedAt  time.Time `json:"created_at"`
	WALPresent bool      `json:"wal_present"`
	Format     uint32    `json:"format_version"`
}

// Metadata describes a stored backup archive for listing/inspection.
type Metadata struct {
	Manifest
	ArchivePath string `json:"archive_path"`
	SizeBytes   int64  `json:"size_bytes"`
}

// Manager creates, lists, and retires backup archives rooted at
// backupsDir, bundling snapshots produced by snapshot.Manager.
type Manager struct {
	backupsDir string
	snapshots  *snapshot.Manager
	maxBackups int
}

// New builds a Manager. maxBackups <= 0 disables retention enforcement.
func New(backupsDir string, snapshots *snapshot.Manager, maxBackups int) *Manager {
	return &Manager{backupsDir: backupsDir, snapshots: snapshots, maxBackups: maxBackups}
}

// Create builds an archive from the named snapshot plus, if walDir is
// non-empty, the WAL segment files in that directory. Construction happens
// in a temp directory as a .tar.partial file, which is renamed to its final
// .tar path only once fully written and fsynced; the temp directory is
// removed on every exit path. A crash mid-backup never leaves a partial
// archive at the final path. Retention is enforced afterward,
// but its failure does not fail the backup (spec §4.5).
func (m *Manager) Create(snapshotID, walDir, description string) (*Metadata, error) {
	if err := os.MkdirAll(m.backupsDir, 0755); err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeBackupFailed, "failed to create backups directory", aeroerr.SeverityError, err)
	}

	snapMeta, err := m.snapshots.Get(snapshotID)
	if err != nil {
		return nil, err
	}

	backupID := uuid.NewString()
	tmpDir, err := os.MkdirTemp(m.backupsDir, "."+backupID+"-")
	if err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeBackupFailed, "failed to create backup temp directory", aeroerr.SeverityError, err)
	}
	cleanup := func() { os.RemoveAll(tmpDir) }
	defer cleanup()

	manifest := Manifest{
		BackupID:   backupID,
		SnapshotID: snapMeta.ID,
		CreatedAt:  time.Now().UTC(),
		WALPresent: walDir != "",
		Format:     FormatVersion,
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeBackupFailed, "failed to marshal backup manifest", aeroerr.SeverityError, err)
	}

	partialPath := filepath.Join(tmpDir, backupID+".tar.partial")
	if err := m.buildArchive(partialPath, manifestBytes, snapMeta.ID, walDir); err != nil {
		return nil, err
	}

	finalPath := filepath.Join(m.backupsDir, "backup_"+backupID+".tar")
	if err := os.Rename(partialPath, finalPath); err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeBackupFailed, "failed to finalize backup archive", aeroerr.SeverityError, err)
	}
	if dirFile, err := os.Open(m.backupsDir); err == nil {
		dirFile.Sync()
		dirFile.Close()
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeBackupFailed, "failed to stat finalized backup archive", aeroerr.SeverityError, err)
	}

	meta := &Metadata{Manifest: manifest, ArchivePath: finalPath, SizeBytes: info.Size()}

	if m.maxBackups > 0 {
		if err := m.enforceRetention(); err != nil {
			logging.Get().Warn("backup retention enforcement failed", "error", err)
		}
	}

	return meta, nil
}

// buildArchive writes backup_manifest.json first (so a streaming restore
// can validate before extracting the rest), then snapshot/ and wal/.
func (m *Manager) buildArchive(path string, manifestBytes []byte, snapshotID, walDir string) error {
	f, err := os.Create(path)
	if err != nil {
		return aeroerr.Wrap(aeroerr.CodeBackupFailed, "failed to create archive file", aeroerr.SeverityError, err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	if err := writeTarFile(tw, "backup_manifest.json", manifestBytes); err != nil {
		return aeroerr.Wrap(aeroerr.CodeBackupFailed, "failed to write manifest entry", aeroerr.SeverityError, err)
	}

	if err := addDirToTar(tw, m.snapshots.Dir(snapshotID), "snapshot"); err != nil {
		return aeroerr.Wrap(aeroerr.CodeBackupFailed, "failed to add snapshot to archive", aeroerr.SeverityError, err)
	}

	if walDir != "" {
		if err := addDirToTar(tw, walDir, "wal"); err != nil {
			return aeroerr.Wrap(aeroerr.CodeBackupFailed, "failed to add WAL tail to archive", aeroerr.SeverityError, err)
		}
	}

	if err := tw.Close(); err != nil {
		return aeroerr.Wrap(aeroerr.CodeBackupFailed, "failed to close tar writer", aeroerr.SeverityError, err)
	}
	if err := gz.Close(); err != nil {
		return aeroerr.Wrap(aeroerr.CodeBackupFailed, "failed to close gzip writer", aeroerr.SeverityError, err)
	}
	return f.Sync()
}

func writeTarFile(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(data))}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

func addDirToTar(tw *tar.Writer, srcDir, prefix string) error {
	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return writeTarFile(tw, filepath.Join(prefix, rel), data)
	})
}

// List enumerates backup archives in the backups directory, sorted by
// created_at descending, by reading each .tar's manifest entry.
func (m *Manager) List() ([]*Metadata, error) {
	entries, err := os.ReadDir(m.backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, aeroerr.Wrap(aeroerr.CodeBackupFailed, "failed to list backups directory", aeroerr.SeverityError, err)
	}

	var metas []*Metadata
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".tar" {
			continue
		}
		path := filepath.Join(m.backupsDir, e.Name())
		manifest, err := readManifest(path)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		metas = append(metas, &Metadata{Manifest: *manifest, ArchivePath: path, SizeBytes: info.Size()})
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.After(metas[j].CreatedAt) })
	return metas, nil
}

// Get returns the metadata for a single backup by ID.
func (m *Manager) Get(backupID string) (*Metadata, error) {
	metas, err := m.List()
	if err != nil {
		return nil, err
	}
	for _, meta := range metas {
		if meta.BackupID == backupID {
			return meta, nil
		}
	}
	return nil, aeroerr.New(aeroerr.CodeBackupNotFound, "backup not found: "+backupID, aeroerr.SeverityError)
}

// Delete removes a backup archive by ID.
func (m *Manager) Delete(backupID string) error {
	meta, err := m.Get(backupID)
	if err != nil {
		return err
	}
	if err := os.Remove(meta.ArchivePath); err != nil {
		return aeroerr.Wrap(aeroerr.CodeBackupFailed, "failed to delete backup archive", aeroerr.SeverityError, err)
	}
	return nil
}

// enforceRetention deletes archives beyond max_backups, oldest first.
func (m *Manager) enforceRetention() error {
	metas, err := m.List()
	if err != nil {
		return err
	}
	if len(metas) <= m.maxBackups {
		return nil
	}
	for _, meta := range metas[m.maxBackups:] {
		if err := os.Remove(meta.ArchivePath); err != nil {
			return err
		}
	}
	return nil
}

func readManifest(archivePath string) (*Manifest, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	hdr, err := tr.Next()
	if err != nil {
		return nil, err
	}
	if hdr.Name != "backup_manifest.json" {
		return nil, aeroerr.New(aeroerr.CodeBackupFailed, "archive did not lead with backup_manifest.json", aeroerr.SeverityError)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}
