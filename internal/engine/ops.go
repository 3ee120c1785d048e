package engine

import (
	"time"

	"github.com/aerodb/aerodb/internal/aeroerr"
	"github.com/aerodb/aerodb/internal/oplog"
	"github.com/aerodb/aerodb/internal/schema"
	"github.com/aerodb/aerodb/internal/wal"
)

// Put validates doc against the collection's schema, appends a WAL Put
// record, applies it to storage, then folds the change into indexes
// before returning — so any reader that observes the ack also observes
// the index entry (spec §5 "Shared-resource policy"). It returns the LSN
// assigned to the write, echoed back to the client in the ack.
func (db *Database) Put(collection, pk string, doc []byte) (uint64, error) {
	start := time.Now()
	lsn, err := db.put(collection, pk, doc)
	db.oplog.Append(collection, oplog.OpPut, time.Since(start), err)
	db.slowQuery.Observe(collection, oplog.OpPut, time.Since(start), err)
	return lsn, err
}

func (db *Database) put(collection, pk string, doc []byte) (uint64, error) {
	if err := db.resources.CheckWritable(); err != nil {
		return 0, err
	}
	if err := db.admission.TryAcquireWrite(); err != nil {
		return 0, err
	}
	if err := db.schemas.Validate(collection, doc); err != nil {
		return 0, err
	}

	// Shared mode: a running Snapshot takes execLock exclusively so it can
	// copy storage without a concurrent write landing mid-copy (spec §5
	// "normal writes take it in shared mode").
	db.execLock.RLock()
	defer db.execLock.RUnlock()

	payload := (&wal.PutPayload{Collection: collection, PK: pk, Doc: doc}).Encode()
	rec := &wal.Record{Type: wal.RecordPut, Payload: payload}
	lsn, err := db.wal.Append(rec)
	if err != nil {
		db.resources.SetReadOnly(true)
		return 0, err
	}
	if err := db.commit.CommitAndWait(rec.EncodedSize()); err != nil {
		db.resources.SetReadOnly(true)
		return 0, err
	}

	if err := db.store.Apply(rec); err != nil {
		db.resources.SetReadOnly(true)
		return 0, err
	}

	db.indexes.Update(collection, pk, doc)
	return uint64(lsn), nil
}

// Delete tombstones a document: WAL append, storage apply, index removal.
// It returns the LSN assigned to the delete.
func (db *Database) Delete(collection, pk string) (uint64, error) {
	start := time.Now()
	lsn, err := db.delete(collection, pk)
	db.oplog.Append(collection, oplog.OpDelete, time.Since(start), err)
	db.slowQuery.Observe(collection, oplog.OpDelete, time.Since(start), err)
	return lsn, err
}

func (db *Database) delete(collection, pk string) (uint64, error) {
	if err := db.resources.CheckWritable(); err != nil {
		return 0, err
	}
	if err := db.admission.TryAcquireWrite(); err != nil {
		return 0, err
	}

	existing, found, err := db.store.Get(collection, pk)
	if err != nil {
		return 0, err
	}

	db.execLock.RLock()
	defer db.execLock.RUnlock()

	payload := (&wal.DeletePayload{Collection: collection, PK: pk}).Encode()
	rec := &wal.Record{Type: wal.RecordDelete, Payload: payload}
	lsn, err := db.wal.Append(rec)
	if err != nil {
		db.resources.SetReadOnly(true)
		return 0, err
	}
	if err := db.commit.CommitAndWait(rec.EncodedSize()); err != nil {
		db.resources.SetReadOnly(true)
		return 0, err
	}

	if err := db.store.Apply(rec); err != nil {
		db.resources.SetReadOnly(true)
		return 0, err
	}

	if found {
		db.indexes.Remove(collection, pk, existing)
	}
	return uint64(lsn), nil
}

// Get fetches a document by primary key, bounded by the query concurrency
// admission guard.
func (db *Database) Get(collection, pk string) ([]byte, bool, error) {
	start := time.Now()
	guard, err := db.admission.AcquireQuery()
	if err != nil {
		return nil, false, err
	}
	defer guard.Release()

	doc, found, err := db.store.Get(collection, pk)
	db.oplog.Append(collection, oplog.OpGet, time.Since(start), err)
	db.slowQuery.Observe(collection, oplog.OpGet, time.Since(start), err)
	return doc, found, err
}

// Scan returns every live document in a collection matching filter.
func (db *Database) Scan(collection string, filter func(pk string, doc []byte) bool) ([]StorageResult, error) {
	start := time.Now()
	guard, err := db.admission.AcquireQuery()
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	results, err := db.store.Scan(collection, filter)
	db.oplog.Append(collection, oplog.OpScan, time.Since(start), err)
	db.slowQuery.Observe(collection, oplog.OpScan, time.Since(start), err)
	if err != nil {
		return nil, err
	}

	out := make([]StorageResult, len(results))
	for i, r := range results {
		out[i] = StorageResult{PK: r.PK, Doc: r.Doc}
	}
	return out, nil
}

// StorageResult mirrors storage.ScanResult at the engine boundary so
// callers don't need to import internal/storage directly.
type StorageResult struct {
	PK  string
	Doc []byte
}

// ApplySchemaOp appends a schema WAL record, then installs it into the
// live SchemaLoader (spec §4.3's "schema operations are authoritative in
// the log").
func (db *Database) ApplySchemaOp(op *schema.SchemaOp) error {
	start := time.Now()
	err := db.applySchemaOp(op)
	db.oplog.Append(op.Collection, oplog.OpSchema, time.Since(start), err)
	return err
}

func (db *Database) applySchemaOp(op *schema.SchemaOp) error {
	if err := db.resources.CheckWritable(); err != nil {
		return err
	}

	payload, err := op.Encode()
	if err != nil {
		return aeroerr.Wrap(aeroerr.CodeSchemaValidationFailed, "failed to encode schema operation", aeroerr.SeverityError, err)
	}

	db.execLock.RLock()
	defer db.execLock.RUnlock()

	rec := &wal.Record{Type: wal.RecordSchema, Payload: payload}
	if _, err := db.wal.Append(rec); err != nil {
		db.resources.SetReadOnly(true)
		return err
	}
	if err := db.commit.CommitAndWait(rec.EncodedSize()); err != nil {
		db.resources.SetReadOnly(true)
		return err
	}

	return db.schemas.Apply(op)
}

// EvaluateRLS checks a collection's row-level-security predicate (if any)
// against a document and request claims.
func (db *Database) EvaluateRLS(collection string, doc, claims map[string]interface{}) (bool, error) {
	return db.schemas.Allows(collection, doc, claims, db.rls)
}

// RequestDangerousConfirmation is phase one of a two-phase destructive
// operation (spec §4.8).
func (db *Database) RequestDangerousConfirmation(operation, resource, requester, phrase string) string {
	return db.dangerous.RequestConfirmation(operation, resource, requester, phrase)
}

// ConfirmDangerous is phase two: presenting the token (and phrase, if
// required) actually authorizes the operation.
func (db *Database) ConfirmDangerous(token, resource, phrase string) error {
	return db.dangerous.Confirm(token, resource, phrase)
}

// Status reports a point-in-time summary of the database's operational
// state, grounded in the original implementation's status observability
// surface: boot state, load, resource usage, and recent slow operations.
type Status struct {
	LastLSN         uint64                  `json:"last_lsn"`
	RecordsReplayed int                     `json:"records_replayed"`
	IndexesRebuilt  int                     `json:"indexes_rebuilt"`
	ReadOnly        bool                    `json:"read_only"`
	MemoryUsedBytes int64                   `json:"memory_used_bytes"`
	OpenFDs         int64                   `json:"open_fds"`
	LoadStatus      string                  `json:"load_status"`
	ActiveQueries   int64                   `json:"active_queries"`
	RecentSlow      []oplog.Entry           `json:"recent_slow_queries"`
}

// Status assembles the current Status snapshot.
func (db *Database) Status() Status {
	return Status{
		LastLSN:         uint64(db.wal.CurrentLSN()),
		RecordsReplayed: db.bootState.RecordsReplayed,
		IndexesRebuilt:  db.bootState.IndexesRebuilt,
		ReadOnly:        db.resources.ReadOnly(),
		MemoryUsedBytes: db.resources.MemoryUsed(),
		OpenFDs:         db.resources.OpenFDs(),
		LoadStatus:      string(db.backpres.Status()),
		ActiveQueries:   db.admission.ActiveQueries(),
		RecentSlow:      db.slowQuery.Recent(20),
	}
}

// Checkpoint records a new storage checkpoint LSN, then truncates WAL
// segments that are now entirely covered by it (spec §4.1/§4.2).
func (db *Database) Checkpoint() error {
	lsn := db.wal.CurrentLSN()
	if err := db.store.Checkpoint(uint64(lsn)); err != nil {
		return err
	}
	return db.wal.CheckpointTruncate(lsn)
}
