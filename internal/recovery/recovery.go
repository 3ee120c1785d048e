// Package recovery implements AeroDB's boot-time recovery pipeline: a
// deterministic WAL replay that reconstructs storage and index state from
// the last checkpoint forward (spec §4.3 "RecoveryManager"). Recovery
// must succeed before the database accepts writes; any failure here is
// fatal.
package recovery

import (
	"encoding/json"
	"fmt"

	"github.com/aerodb/aerodb/internal/aeroerr"
	"github.com/aerodb/aerodb/internal/indexmgr"
	"github.com/aerodb/aerodb/internal/logging"
	"github.com/aerodb/aerodb/internal/schema"
	"github.com/aerodb/aerodb/internal/storage"
	"github.com/aerodb/aerodb/internal/wal"
)

// State is returned by Recover on success (spec §4.3 step 6).
type State struct {
	LastLSN         uint64
	RecordsReplayed int
	IndexesRebuilt  int
}

// Recover replays walDir's records with LSN greater than storage's
// checkpoint watermark, folds schema ops into loader, applies Put/Delete
// to store, rebuilds every declared index, and runs a consistency check.
// Strict step order per spec §4.3; any step failing is fatal.
func Recover(walDir string, store *storage.Store, indexes *indexmgr.Manager, loader *schema.Loader) (*State, error) {
	checkpointLSN, err := store.LastCheckpointLSN()
	if err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeRecoveryFatal, "failed to read checkpoint LSN from storage header", aeroerr.SeverityFatal, err)
	}

	reader, err := wal.NewReaderFromLSN(walDir, wal.LSN(checkpointLSN))
	if err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeRecoveryFatal, "failed to open WAL reader for replay", aeroerr.SeverityFatal, err)
	}
	result, err := reader.ReadAll()
	if err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeRecoveryFatal, "WAL read failed during replay", aeroerr.SeverityFatal, err)
	}
	if result.Torn {
		logging.Get().Warn("WAL tail is torn; replaying the recoverable prefix", "offset", result.TornAt)
	}

	var lastLSN uint64
	replayed := 0
	for _, rec := range result.Records {
		if uint64(rec.LSN) <= checkpointLSN {
			continue
		}

		switch rec.Type {
		case wal.RecordSchema:
			op, err := schema.DecodeSchemaOp(rec.Payload)
			if err != nil {
				return nil, aeroerr.Wrap(aeroerr.CodeRecoveryFatal, "corrupt schema op in WAL", aeroerr.SeverityFatal, err)
			}
			if err := loader.Apply(op); err != nil {
				// Invalid schema ops against current state are warnings, not
				// fatal: schema ops are authoritative in the log (spec
				// §4.3b), so the log simply recorded a no-op transition.
				logging.Get().Warn("schema op invalid during replay, continuing", "error", err.Error())
			}

		case wal.RecordPut:
			put, err := wal.DecodePutPayload(rec.Payload)
			if err != nil {
				return nil, aeroerr.Wrap(aeroerr.CodeRecoveryFatal, "corrupt put record in WAL", aeroerr.SeverityFatal, err)
			}
			if err := validateAsOf(loader, put.Collection, put.Doc); err != nil {
				return nil, aeroerr.Wrap(aeroerr.CodeRecoverySchemaViolation, fmt.Sprintf("replayed put for %s/%s violates schema: out-of-band modification suspected", put.Collection, put.PK), aeroerr.SeverityFatal, err)
			}

		case wal.RecordDelete:
			// Deletes carry no document body to validate.

		case wal.RecordBegin, wal.RecordCommit, wal.RecordAbort, wal.RecordCheckpoint:
			// No storage-side effect of their own.
		}

		if err := store.Apply(rec); err != nil {
			return nil, aeroerr.Wrap(aeroerr.CodeRecoveryFatal, "failed to apply WAL record to storage", aeroerr.SeverityFatal, err)
		}

		replayed++
		lastLSN = uint64(rec.LSN)
	}

	if err := indexes.RebuildFromStorage(store, loader); err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeRecoveryFatal, "failed to rebuild indexes from storage", aeroerr.SeverityFatal, err)
	}

	rebuiltCount := 0
	for _, d := range loader.Snapshot() {
		rebuiltCount += len(d.Indexes)
	}

	if err := checkConsistency(store, indexes, loader); err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeRecoveryIndexMismatch, "post-recovery consistency check failed", aeroerr.SeverityFatal, err)
	}

	if checkpointLSN > lastLSN {
		lastLSN = checkpointLSN
	}

	return &State{
		LastLSN:         lastLSN,
		RecordsReplayed: replayed,
		IndexesRebuilt:  rebuiltCount,
	}, nil
}

// validateAsOf validates doc against the schema currently loaded for
// collection. During replay this is "the schema as of that LSN" because
// schema ops are applied strictly in LSN order before later puts are
// reached (spec §4.3c).
func validateAsOf(loader *schema.Loader, collection string, doc []byte) error {
	return loader.Validate(collection, doc)
}

// checkConsistency verifies both directions of the document/index
// relationship (spec §4.3 step 4): every document's indexed fields appear
// in the index, and every index entry resolves back to a live document
// whose field actually holds the indexed value. A mismatch in either
// direction is fatal.
func checkConsistency(store *storage.Store, indexes *indexmgr.Manager, loader *schema.Loader) error {
	for collection, descriptor := range loader.Snapshot() {
		if len(descriptor.Indexes) == 0 {
			continue
		}
		results, err := store.Scan(collection, nil)
		if err != nil {
			return err
		}
		for _, idx := range descriptor.Indexes {
			for _, r := range results {
				var parsed map[string]interface{}
				if err := json.Unmarshal(r.Doc, &parsed); err != nil {
					continue
				}
				v, ok := parsed[idx.Field]
				if !ok {
					continue
				}
				value := toComparable(v)
				pks := indexes.Lookup(collection, idx.Field, value)
				if !contains(pks, r.PK) {
					return fmt.Errorf("index %s.%s missing entry for pk %s", collection, idx.Field, r.PK)
				}
			}

			for value, pks := range indexes.AllPKs(collection, idx.Field) {
				for _, pk := range pks {
					doc, found, err := store.Get(collection, pk)
					if err != nil {
						return err
					}
					if !found {
						return fmt.Errorf("index %s.%s references missing document pk %s", collection, idx.Field, pk)
					}
					var parsed map[string]interface{}
					if err := json.Unmarshal(doc, &parsed); err != nil {
						return fmt.Errorf("index %s.%s entry for pk %s: document is not valid JSON", collection, idx.Field, pk)
					}
					v, ok := parsed[idx.Field]
					if !ok || toComparable(v) != value {
						return fmt.Errorf("index %s.%s entry for pk %s does not match document field value", collection, idx.Field, pk)
					}
				}
			}
		}
	}
	return nil
}

func toComparable(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
