package dangerous

import "testing"

func TestConfirmSucceedsWithMatchingTokenAndPhrase(t *testing.T) {
	g := New()
	token := g.RequestConfirmation("drop_collection", "users", "alice", "drop users")
	if err := g.Confirm(token, "users", "drop users"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
}

func TestConfirmRejectsWrongPhrase(t *testing.T) {
	g := New()
	token := g.RequestConfirmation("drop_collection", "users", "alice", "drop users")
	if err := g.Confirm(token, "users", "nope"); err == nil {
		t.Fatalf("expected phrase mismatch error")
	}
}

func TestConfirmRejectsUnknownToken(t *testing.T) {
	g := New()
	if err := g.Confirm("not-a-real-token", "users", ""); err == nil {
		t.Fatalf("expected invalid token error")
	}
}

func TestConfirmIsSingleUse(t *testing.T) {
	g := New()
	token := g.RequestConfirmation("truncate", "orders", "bob", "")
	if err := g.Confirm(token, "orders", ""); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	if err := g.Confirm(token, "orders", ""); err == nil {
		t.Fatalf("expected second confirm of the same token to fail")
	}
}

func TestConfirmRejectsResourceMismatch(t *testing.T) {
	g := New()
	token := g.RequestConfirmation("drop_collection", "users", "alice", "")
	if err := g.Confirm(token, "orders", ""); err == nil {
		t.Fatalf("expected resource mismatch error")
	}
}
