// Package engine wires the durability core into a single Database:
// strict boot ordering, then an operation dispatcher that maps JSON
// operations onto WAL-append-before-ack semantics (spec §4.9, §5, §6).
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aerodb/aerodb/internal/admission"
	"github.com/aerodb/aerodb/internal/aeroerr"
	"github.com/aerodb/aerodb/internal/backpressure"
	"github.com/aerodb/aerodb/internal/backup"
	"github.com/aerodb/aerodb/internal/config"
	"github.com/aerodb/aerodb/internal/dangerous"
	"github.com/aerodb/aerodb/internal/indexmgr"
	"github.com/aerodb/aerodb/internal/logging"
	"github.com/aerodb/aerodb/internal/oplog"
	"github.com/aerodb/aerodb/internal/recovery"
	"github.com/aerodb/aerodb/internal/resource"
	"github.com/aerodb/aerodb/internal/schema"
	"github.com/aerodb/aerodb/internal/snapshot"
	"github.com/aerodb/aerodb/internal/storage"
	"github.com/aerodb/aerodb/internal/wal"
)

// Layout lists the on-disk paths a Database instance owns, rooted at a
// configured data_dir (spec §6 "On-disk layout").
type Layout struct {
	Root          string
	VersionMarker string
	InitMarker    string
	WALDir        string
	DataDir       string
	CheckpointTag string
	MetadataDir   string
	SnapshotsDir  string
	BackupsDir    string
	CleanShutdown string
	CrashLog      string
}

// NewLayout derives every on-disk path from the root data directory.
func NewLayout(root string) Layout {
	return Layout{
		Root:          root,
		VersionMarker: filepath.Join(root, ".aerodb_version"),
		InitMarker:    filepath.Join(root, ".aerodb_initialized"),
		WALDir:        filepath.Join(root, "wal"),
		DataDir:       filepath.Join(root, "data", "pages", "store.db"),
		MetadataDir:   filepath.Join(root, "metadata", "schemas"),
		SnapshotsDir:  filepath.Join(root, "snapshots"),
		BackupsDir:    filepath.Join(root, "backups"),
		CleanShutdown: filepath.Join(root, "clean_shutdown"),
		CrashLog:      filepath.Join(root, "crash.log"),
	}
}

// Database is the fully booted durability core: every component named in
// spec §4, wired together and ready to accept operations.
type Database struct {
	layout Layout
	cfg    *config.Config

	wal       *wal.WAL
	commit    *wal.GroupCommitter
	store     *storage.Store
	schemas   *schema.Loader
	rls       *schema.RLSEngine
	indexes   *indexmgr.Manager
	admission *admission.Controller
	backpres  *backpressure.Manager
	resources *resource.Manager
	dangerous *dangerous.Guard
	oplog     *oplog.Log
	slowQuery *oplog.SlowQueryTracker
	snapshots *snapshot.Manager
	backups   *backup.Manager

	execLock sync.RWMutex

	bootState recovery.State
}

// Init creates the directory skeleton, version marker, and init marker
// (spec §6 CLI "init"). Refuses if already initialized.
func Init(cfg *config.Config) error {
	layout := NewLayout(cfg.DataDir)

	if _, err := os.Stat(layout.InitMarker); err == nil {
		return aeroerr.New(aeroerr.CodeAlreadyInitialized, "database already initialized at "+cfg.DataDir, aeroerr.SeverityError)
	}

	for _, dir := range []string{layout.WALDir, filepath.Dir(layout.DataDir), layout.MetadataDir, layout.SnapshotsDir, layout.BackupsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return aeroerr.Wrap(aeroerr.CodeBootFailed, "failed to create directory skeleton", aeroerr.SeverityFatal, err)
		}
	}

	versionMarker := fmt.Sprintf(`{"binary_version":"1.0.0","wal_format_version":1,"schema_format_version":1,"created_at":%q}`, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(layout.VersionMarker, []byte(versionMarker), 0644); err != nil {
		return aeroerr.Wrap(aeroerr.CodeBootFailed, "failed to write version marker", aeroerr.SeverityFatal, err)
	}

	if err := os.WriteFile(layout.InitMarker, []byte{}, 0644); err != nil {
		return aeroerr.Wrap(aeroerr.CodeBootFailed, "failed to write init marker", aeroerr.SeverityFatal, err)
	}

	return nil
}

// Open performs the strict boot order spec §2/§4.3 requires: resource
// manager, then schema load, then WAL/storage open, then recovery, then
// clear the clean-shutdown marker only after every prior step succeeds.
func Open(cfg *config.Config) (*Database, error) {
	layout := NewLayout(cfg.DataDir)

	if _, err := os.Stat(layout.InitMarker); err != nil {
		return nil, aeroerr.New(aeroerr.CodePartialInit, "database not initialized at "+cfg.DataDir, aeroerr.SeverityFatal)
	}

	resources := resource.New(cfg.MaxMemoryBytes, cfg.ResourceLimits.MinFreeDiskBytes, nil)

	schemas := schema.NewLoader(layout.MetadataDir)
	if err := schemas.Load(); err != nil {
		return nil, err
	}

	rlsEngine, err := schema.NewRLSEngine()
	if err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeBootFailed, "failed to initialize row-level-security engine", aeroerr.SeverityFatal, err)
	}

	store, err := storage.Open(layout.DataDir, storage.DefaultNumBuckets)
	if err != nil {
		return nil, err
	}

	lastLSN, err := store.LastCheckpointLSN()
	if err != nil {
		store.Close()
		return nil, err
	}

	w, err := wal.Open(layout.WALDir, cfg.MaxWALSizeBytes, wal.LSN(lastLSN))
	if err != nil {
		store.Close()
		return nil, err
	}

	commit := wal.NewGroupCommitter(w, 0, 0, 0)
	commit.OnSlowFsync(func(d time.Duration) {
		logging.Get().Warn("WAL fsync exceeded warn threshold", "elapsed", d)
	})

	indexes := indexmgr.New()

	bootState, err := recovery.Recover(layout.WALDir, store, indexes, schemas)
	if err != nil {
		w.Close()
		store.Close()
		return nil, err
	}

	// Recovery may have replayed records past the storage checkpoint LSN
	// the WAL was opened with; the in-memory cursor must catch up to the
	// true last LSN before any new Append is assigned, or the first
	// post-recovery write would reuse an already-replayed LSN and be
	// silently dropped as a duplicate apply (spec I3, monotone LSN).
	w.AdvanceLSN(wal.LSN(bootState.LastLSN))

	os.Remove(layout.CleanShutdown)

	db := &Database{
		layout:    layout,
		cfg:       cfg,
		wal:       w,
		commit:    commit,
		store:     store,
		schemas:   schemas,
		rls:       rlsEngine,
		indexes:   indexes,
		admission: admission.New(cfg.MaxWritesPerSecond, cfg.MaxConcurrentQueries),
		backpres: backpressure.New(backpressure.Limits{
			MaxConnections: int64(cfg.Backpressure.MaxConnections),
			MaxQueueDepth:  int64(cfg.Backpressure.MaxQueueDepth),
			MaxOpsPerConn:  int64(cfg.Backpressure.MaxOpsPerConn),
			QueueTimeout:   time.Duration(cfg.Backpressure.QueueTimeoutMs) * time.Millisecond,
		}),
		resources: resources,
		dangerous: dangerous.New(),
		oplog:     oplog.NewLog(10000),
		slowQuery: oplog.NewSlowQueryTracker(200*time.Millisecond, 1000),
		snapshots: snapshot.New(layout.SnapshotsDir),
		bootState: *bootState,
	}
	db.backups = backup.New(layout.BackupsDir, db.snapshots, cfg.Backup.MaxBackups)

	logging.Get().Info("database booted",
		"last_lsn", bootState.LastLSN,
		"records_replayed", bootState.RecordsReplayed,
		"indexes_rebuilt", bootState.IndexesRebuilt)

	return db, nil
}

// BootState returns the RecoveryState produced by the boot-time replay.
func (db *Database) BootState() recovery.State { return db.bootState }

// Backpressure exposes the connection/queue/per-connection admission
// guard, used by the wire layer's serve loop (spec §2's data flow: "client
// -> admission -> backpressure -> dispatcher").
func (db *Database) Backpressure() *backpressure.Manager { return db.backpres }

// Close performs a graceful shutdown: sync the WAL, checkpoint storage,
// close both, and mark clean_shutdown so the next boot skips a "was this
// a crash?" assumption.
func (db *Database) Close() error {
	if err := db.wal.Sync(); err != nil {
		return err
	}
	lsn := db.wal.CurrentLSN()
	if err := db.store.Checkpoint(uint64(lsn)); err != nil {
		return err
	}
	if err := db.wal.CheckpointTruncate(lsn); err != nil {
		return err
	}
	if err := db.wal.Close(); err != nil {
		return err
	}
	if err := db.store.Close(); err != nil {
		return err
	}
	return os.WriteFile(db.layout.CleanShutdown, []byte{}, 0644)
}

// Snapshot creates a point-in-time snapshot, taking the global execution
// lock exclusively for the duration (spec §5 "global execution lock").
func (db *Database) Snapshot() (*snapshot.Manifest, error) {
	return db.snapshots.Create(db.wal, db.store, db.schemas, &db.execLock)
}

// Backup packages the named snapshot (plus the current WAL tail) into an
// archive.
func (db *Database) Backup(snapshotID, description string) (*backup.Metadata, error) {
	return db.backups.Create(snapshotID, db.layout.WALDir, description)
}
