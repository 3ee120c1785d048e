package indexmgr

import "testing"

func TestUpdateThenLookup(t *testing.T) {
	m := New()
	m.EnsureField("users", "role")

	m.Update("users", "u1", []byte(`{"role":"admin"}`))
	m.Update("users", "u2", []byte(`{"role":"guest"}`))

	got := m.Lookup("users", "role", "admin")
	if len(got) != 1 || got[0] != "u1" {
		t.Fatalf("expected [u1], got %v", got)
	}
}

func TestRemoveDeletesEntry(t *testing.T) {
	m := New()
	m.EnsureField("users", "role")
	m.Update("users", "u1", []byte(`{"role":"admin"}`))
	m.Remove("users", "u1", []byte(`{"role":"admin"}`))

	if got := m.Lookup("users", "role", "admin"); len(got) != 0 {
		t.Fatalf("expected no entries after removal, got %v", got)
	}
}

func TestLookupOnUnknownFieldReturnsNil(t *testing.T) {
	m := New()
	if got := m.Lookup("users", "role", "admin"); got != nil {
		t.Fatalf("expected nil for unindexed field, got %v", got)
	}
}
