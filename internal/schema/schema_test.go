package schema

import "testing"

func TestApplyCreateThenValidate(t *testing.T) {
	l := NewLoader(t.TempDir())
	op := &SchemaOp{
		Kind:       SchemaOpCreate,
		Collection: "users",
		Descriptor: &Descriptor{
			Collection: "users",
			Fields: []FieldDescriptor{
				{Name: "name", Type: FieldString, Required: true},
				{Name: "age", Type: FieldNumber},
			},
		},
	}
	if err := l.Apply(op); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if err := l.Validate("users", []byte(`{"name":"a","age":3}`)); err != nil {
		t.Fatalf("expected valid doc to pass, got %v", err)
	}
	if err := l.Validate("users", []byte(`{"age":3}`)); err == nil {
		t.Fatalf("expected missing required field to fail validation")
	}
}

func TestApplyDropNonexistentIsWarning(t *testing.T) {
	l := NewLoader(t.TempDir())
	op := &SchemaOp{Kind: SchemaOpDrop, Collection: "ghost"}
	err := l.Apply(op)
	if err == nil {
		t.Fatalf("expected an error for dropping a nonexistent collection")
	}
}

func TestRenameMovesDescriptor(t *testing.T) {
	l := NewLoader(t.TempDir())
	create := &SchemaOp{Kind: SchemaOpCreate, Collection: "a", Descriptor: &Descriptor{Collection: "a"}}
	if err := l.Apply(create); err != nil {
		t.Fatalf("Apply create: %v", err)
	}
	rename := &SchemaOp{Kind: SchemaOpRename, Collection: "a", NewName: "b"}
	if err := l.Apply(rename); err != nil {
		t.Fatalf("Apply rename: %v", err)
	}
	if _, ok := l.Get("a"); ok {
		t.Fatalf("old name should no longer resolve")
	}
	if _, ok := l.Get("b"); !ok {
		t.Fatalf("new name should resolve")
	}
}

func TestRLSPredicateDeniesWhenFalse(t *testing.T) {
	l := NewLoader(t.TempDir())
	create := &SchemaOp{
		Kind:       SchemaOpCreate,
		Collection: "secrets",
		Descriptor: &Descriptor{Collection: "secrets", RLS: `claims.role == "admin"`},
	}
	if err := l.Apply(create); err != nil {
		t.Fatalf("Apply create: %v", err)
	}
	engine, err := NewRLSEngine()
	if err != nil {
		t.Fatalf("NewRLSEngine: %v", err)
	}

	ok, err := l.Allows("secrets", map[string]interface{}{"v": 1}, map[string]interface{}{"role": "guest"}, engine)
	if err != nil {
		t.Fatalf("Allows: %v", err)
	}
	if ok {
		t.Fatalf("expected guest to be denied")
	}

	ok, err = l.Allows("secrets", map[string]interface{}{"v": 1}, map[string]interface{}{"role": "admin"}, engine)
	if err != nil {
		t.Fatalf("Allows: %v", err)
	}
	if !ok {
		t.Fatalf("expected admin to be allowed")
	}
}
