// Package indexmgr maintains AeroDB's secondary indexes: in-memory
// field-value -> pk-list maps, rebuilt by scanning storage after WAL
// replay (spec §3 "Index entry"). Indexes are never the source of truth;
// losing them costs a rebuild, not data.
package indexmgr

import (
	"encoding/json"
	"sync"

	"github.com/aerodb/aerodb/internal/schema"
	"github.com/aerodb/aerodb/internal/storage"
)

// fieldIndex maps a field's values to the set of primary keys holding
// that value, guarded by its own RWMutex so unrelated fields don't
// contend (spec §5: "a concurrent map per index").
type fieldIndex struct {
	mu      sync.RWMutex
	entries map[string]map[string]struct{} // value -> set of pk
}

func newFieldIndex() *fieldIndex {
	return &fieldIndex{entries: make(map[string]map[string]struct{})}
}

func (fi *fieldIndex) add(value, pk string) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	set, ok := fi.entries[value]
	if !ok {
		set = make(map[string]struct{})
		fi.entries[value] = set
	}
	set[pk] = struct{}{}
}

func (fi *fieldIndex) remove(value, pk string) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	if set, ok := fi.entries[value]; ok {
		delete(set, pk)
		if len(set) == 0 {
			delete(fi.entries, value)
		}
	}
}

func (fi *fieldIndex) lookup(value string) []string {
	fi.mu.RLock()
	defer fi.mu.RUnlock()
	set, ok := fi.entries[value]
	if !ok {
		return nil
	}
	pks := make([]string, 0, len(set))
	for pk := range set {
		pks = append(pks, pk)
	}
	return pks
}

// collectionIndexes holds every indexed field's fieldIndex for one
// collection.
type collectionIndexes struct {
	mu     sync.RWMutex
	fields map[string]*fieldIndex
}

// Manager is the IndexManager (spec §4 "IndexManager").
type Manager struct {
	mu          sync.RWMutex
	collections map[string]*collectionIndexes
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{collections: make(map[string]*collectionIndexes)}
}

func (m *Manager) collectionFor(collection string) *collectionIndexes {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		c = &collectionIndexes{fields: make(map[string]*fieldIndex)}
		m.collections[collection] = c
	}
	return c
}

// EnsureField registers field as indexed for collection, creating an
// empty index if one does not already exist. Called when a schema's
// index declarations are applied.
func (m *Manager) EnsureField(collection, field string) {
	c := m.collectionFor(collection)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.fields[field]; !ok {
		c.fields[field] = newFieldIndex()
	}
}

// Update folds a document's current field values into every index
// declared for collection, replacing any prior entries for pk. Callers
// invoke this after the page latch for the write is released but before
// acking the client (spec §5's ordering guarantee: "a read that sees the
// ack always sees the index entry").
func (m *Manager) Update(collection, pk string, doc []byte) {
	c := m.collectionFor(collection)
	c.mu.RLock()
	fields := make([]string, 0, len(c.fields))
	for f := range c.fields {
		fields = append(fields, f)
	}
	c.mu.RUnlock()
	if len(fields) == 0 {
		return
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, f := range fields {
		fi := c.fields[f]
		// Remove stale entries for pk across all values before adding the
		// current one; a field index has no notion of "this pk's old
		// value", so every value's set is scanned.
		fi.mu.Lock()
		for value, set := range fi.entries {
			delete(set, pk)
			if len(set) == 0 {
				delete(fi.entries, value)
			}
		}
		fi.mu.Unlock()
		if v, ok := parsed[f]; ok {
			fi.add(toIndexValue(v), pk)
		}
	}
}

// Remove deletes pk from every declared index of collection. Invoked on
// document delete.
func (m *Manager) Remove(collection, pk string, doc []byte) {
	c := m.collectionFor(collection)
	c.mu.RLock()
	defer c.mu.RUnlock()

	var parsed map[string]interface{}
	_ = json.Unmarshal(doc, &parsed)

	for f, fi := range c.fields {
		if v, ok := parsed[f]; ok {
			fi.remove(toIndexValue(v), pk)
		}
	}
}

// AllPKs returns every (value -> pks) entry currently held by collection's
// index on field, used by the post-recovery consistency check to walk the
// index-to-document direction (spec §4.3 step 4).
func (m *Manager) AllPKs(collection, field string) map[string][]string {
	m.mu.RLock()
	c, ok := m.collections[collection]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	c.mu.RLock()
	fi, ok := c.fields[field]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	fi.mu.RLock()
	defer fi.mu.RUnlock()
	out := make(map[string][]string, len(fi.entries))
	for value, set := range fi.entries {
		pks := make([]string, 0, len(set))
		for pk := range set {
			pks = append(pks, pk)
		}
		out[value] = pks
	}
	return out
}

// Lookup returns every pk in collection whose field equals value.
func (m *Manager) Lookup(collection, field, value string) []string {
	m.mu.RLock()
	c, ok := m.collections[collection]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	c.mu.RLock()
	fi, ok := c.fields[field]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return fi.lookup(value)
}

// RebuildFromStorage discards all indexes and rebuilds them by scanning
// every live document in store for each collection with declared indexes
// (spec §4.3 step 3: "Rebuild all indexes by scanning storage").
func (m *Manager) RebuildFromStorage(store *storage.Store, loader *schema.Loader) error {
	m.mu.Lock()
	m.collections = make(map[string]*collectionIndexes)
	m.mu.Unlock()

	for collection, descriptor := range loader.Snapshot() {
		if len(descriptor.Indexes) == 0 {
			continue
		}
		for _, idx := range descriptor.Indexes {
			m.EnsureField(collection, idx.Field)
		}
		results, err := store.Scan(collection, nil)
		if err != nil {
			return err
		}
		for _, r := range results {
			m.Update(collection, r.PK, r.Doc)
		}
	}
	return nil
}

func toIndexValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
