// Package schema loads and validates AeroDB collection descriptors: field
// types, required flags, index declarations, and an optional row-level
// security predicate (spec §3 "Collection").
//
// Schema operations are authoritative in the WAL (spec §4.3): whatever a
// replayed SchemaOp says about a collection wins over whatever was loaded
// from disk at boot.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/aerodb/aerodb/internal/aeroerr"
)

// FieldType is one of the primitive types a collection's descriptor can
// constrain a field to.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "boolean"
	FieldObject FieldType = "object"
	FieldArray  FieldType = "array"
	FieldAny    FieldType = "any"
)

// FieldDescriptor describes one field of a collection.
type FieldDescriptor struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
}

// IndexDeclaration names a field that IndexManager should maintain a
// secondary index over.
type IndexDeclaration struct {
	Field  string `json:"field"`
	Unique bool   `json:"unique"`
}

// Descriptor is a collection's schema: its fields, its declared indexes,
// and an optional CEL row-level-security predicate (spec §3).
type Descriptor struct {
	Collection string              `json:"collection"`
	Fields     []FieldDescriptor   `json:"fields"`
	Indexes    []IndexDeclaration  `json:"indexes,omitempty"`
	RLS        string              `json:"rls,omitempty"`
	jsonSchema *gojsonschema.Schema
}

// SchemaOpKind is the kind of schema-mutating operation recorded in the
// WAL (spec §3: "Collections are created, renamed, and dropped by schema
// operations").
type SchemaOpKind string

const (
	SchemaOpCreate SchemaOpKind = "create"
	SchemaOpRename SchemaOpKind = "rename"
	SchemaOpDrop   SchemaOpKind = "drop"
	SchemaOpAlter  SchemaOpKind = "alter"
)

// SchemaOp is the payload of a WAL RecordSchema entry.
type SchemaOp struct {
	Kind       SchemaOpKind `json:"kind"`
	Collection string       `json:"collection"`
	NewName    string       `json:"new_name,omitempty"` // for rename
	Descriptor *Descriptor  `json:"descriptor,omitempty"`
}

func (op *SchemaOp) Encode() ([]byte, error) { return json.Marshal(op) }

func DecodeSchemaOp(data []byte) (*SchemaOp, error) {
	var op SchemaOp
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeSchemaValidationFailed, "corrupt schema op payload", aeroerr.SeverityFatal, err)
	}
	return &op, nil
}

// Loader holds every collection's descriptor in memory, keyed by name,
// guarded by a single RWMutex since schema changes are rare relative to
// document writes (spec §5's lock-order: schema sits above storage).
type Loader struct {
	mu          sync.RWMutex
	collections map[string]*Descriptor
	dir         string
}

// NewLoader creates an empty Loader rooted at dir (schema descriptors are
// persisted there as one JSON file per collection).
func NewLoader(dir string) *Loader {
	return &Loader{collections: make(map[string]*Descriptor), dir: dir}
}

// Dir returns the directory schema descriptors are persisted under, used
// by the snapshot manager to copy schema state into a point-in-time
// directory.
func (l *Loader) Dir() string { return l.dir }

// Get returns the descriptor for collection, if loaded.
func (l *Loader) Get(collection string) (*Descriptor, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.collections[collection]
	return d, ok
}

// Apply folds one schema operation into the in-memory map and persists the
// resulting descriptor state under dir, one JSON file per collection (spec
// §6 "metadata/schemas/<collection>.json"), so a clean restart loads the
// same schema that a replayed SchemaOp would otherwise have to
// reconstruct. Per spec §4.3(b), an invalid op against the current state
// (e.g. dropping a collection that doesn't exist) is reported as a
// warning-level error for the caller to log and continue, not a fatal one.
func (l *Loader) Apply(op *SchemaOp) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch op.Kind {
	case SchemaOpCreate, SchemaOpAlter:
		if op.Descriptor == nil {
			return aeroerr.New(aeroerr.CodeSchemaValidationFailed, "schema op missing descriptor", aeroerr.SeverityWarning)
		}
		compiled, err := compile(op.Descriptor)
		if err != nil {
			return aeroerr.Wrap(aeroerr.CodeSchemaValidationFailed, "failed to compile descriptor", aeroerr.SeverityWarning, err)
		}
		l.collections[op.Collection] = compiled
		if err := l.persistLocked(op.Collection, compiled); err != nil {
			return err
		}
	case SchemaOpRename:
		d, ok := l.collections[op.Collection]
		if !ok {
			return aeroerr.New(aeroerr.CodeSchemaNotFound, fmt.Sprintf("rename of nonexistent collection %q", op.Collection), aeroerr.SeverityWarning)
		}
		delete(l.collections, op.Collection)
		d.Collection = op.NewName
		l.collections[op.NewName] = d
		if err := l.removePersistedLocked(op.Collection); err != nil {
			return err
		}
		if err := l.persistLocked(op.NewName, d); err != nil {
			return err
		}
	case SchemaOpDrop:
		if _, ok := l.collections[op.Collection]; !ok {
			return aeroerr.New(aeroerr.CodeSchemaNotFound, fmt.Sprintf("drop of nonexistent collection %q", op.Collection), aeroerr.SeverityWarning)
		}
		delete(l.collections, op.Collection)
		if err := l.removePersistedLocked(op.Collection); err != nil {
			return err
		}
	default:
		return aeroerr.New(aeroerr.CodeSchemaValidationFailed, fmt.Sprintf("unknown schema op kind %q", op.Kind), aeroerr.SeverityWarning)
	}
	return nil
}

// persistLocked writes a collection's descriptor to dir/<collection>.json.
// Called with l.mu held.
func (l *Loader) persistLocked(collection string, d *Descriptor) error {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return aeroerr.Wrap(aeroerr.CodeSchemaValidationFailed, "failed to create schema directory", aeroerr.SeverityError, err)
	}
	data, err := json.Marshal(d)
	if err != nil {
		return aeroerr.Wrap(aeroerr.CodeSchemaValidationFailed, "failed to marshal descriptor", aeroerr.SeverityError, err)
	}
	if err := os.WriteFile(filepath.Join(l.dir, collection+".json"), data, 0644); err != nil {
		return aeroerr.Wrap(aeroerr.CodeSchemaValidationFailed, "failed to persist descriptor", aeroerr.SeverityError, err)
	}
	return nil
}

// removePersistedLocked deletes a collection's persisted descriptor file,
// if any. Called with l.mu held.
func (l *Loader) removePersistedLocked(collection string) error {
	err := os.Remove(filepath.Join(l.dir, collection+".json"))
	if err != nil && !os.IsNotExist(err) {
		return aeroerr.Wrap(aeroerr.CodeSchemaValidationFailed, "failed to remove persisted descriptor", aeroerr.SeverityError, err)
	}
	return nil
}

// Load reads every persisted descriptor from dir into the Loader. Called
// once at boot, before recovery replays the WAL, so schema ops recorded
// after the last checkpoint (which replay skips past) still build on the
// schema state a prior clean shutdown actually persisted (spec §2/§3
// "schemas loaded from disk").
func (l *Loader) Load() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return aeroerr.Wrap(aeroerr.CodeSchemaValidationFailed, "failed to read schema directory", aeroerr.SeverityFatal, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.dir, e.Name()))
		if err != nil {
			return aeroerr.Wrap(aeroerr.CodeSchemaValidationFailed, "failed to read persisted descriptor", aeroerr.SeverityFatal, err)
		}
		var d Descriptor
		if err := json.Unmarshal(data, &d); err != nil {
			return aeroerr.Wrap(aeroerr.CodeSchemaValidationFailed, "corrupt persisted descriptor", aeroerr.SeverityFatal, err)
		}
		compiled, err := compile(&d)
		if err != nil {
			return aeroerr.Wrap(aeroerr.CodeSchemaValidationFailed, "failed to compile persisted descriptor", aeroerr.SeverityFatal, err)
		}
		l.collections[compiled.Collection] = compiled
	}
	return nil
}

// compile builds the gojsonschema.Schema backing a descriptor's field
// validation, grounded in the teacher's use of gojsonschema for document
// shape checks.
func compile(d *Descriptor) (*Descriptor, error) {
	props := make(map[string]interface{}, len(d.Fields))
	var required []string
	for _, f := range d.Fields {
		props[f.Name] = map[string]interface{}{"type": jsonSchemaType(f.Type)}
		if f.Required {
			required = append(required, f.Name)
		}
	}
	raw := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		raw["required"] = required
	}

	loader := gojsonschema.NewGoLoader(raw)
	s, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, err
	}
	d.jsonSchema = s
	return d, nil
}

func jsonSchemaType(t FieldType) interface{} {
	switch t {
	case FieldString:
		return "string"
	case FieldNumber:
		return "number"
	case FieldBool:
		return "boolean"
	case FieldObject:
		return "object"
	case FieldArray:
		return "array"
	default:
		return []string{"string", "number", "boolean", "object", "array", "null"}
	}
}

// Validate checks doc (raw JSON bytes) against collection's descriptor.
// A collection with no loaded descriptor is schemaless and always valid,
// matching a database that has not yet declared that collection.
func (l *Loader) Validate(collection string, doc []byte) error {
	d, ok := l.Get(collection)
	if !ok || d.jsonSchema == nil {
		return nil
	}

	result, err := d.jsonSchema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return aeroerr.Wrap(aeroerr.CodeSchemaValidationFailed, "schema validation error", aeroerr.SeverityError, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return aeroerr.New(aeroerr.CodeSchemaValidationFailed, fmt.Sprintf("document violates schema for %q: %v", collection, msgs), aeroerr.SeverityError)
	}
	return nil
}

// Snapshot returns a copy of the collection map (the descriptors are
// shared, not copied), used by index rebuild and the post-recovery
// consistency check to enumerate every loaded collection.
func (l *Loader) Snapshot() map[string]*Descriptor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]*Descriptor, len(l.collections))
	for k, v := range l.collections {
		out[k] = v
	}
	return out
}
