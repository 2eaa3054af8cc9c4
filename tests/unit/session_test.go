package unit

import (
	"testing"

	"github.com/WhileEndless/rawhttpd/pkg/session"
)

func TestMemoryStoreCreateOpenDestroy(t *testing.T) {
	store := session.NewMemoryStore()

	s, err := store.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.ID() == "" {
		t.Fatal("empty session id")
	}

	got, ok := store.Open(s.ID())
	if !ok || got != s {
		t.Fatal("Open must resolve the created session")
	}

	if err := store.Destroy(s.ID()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, ok := store.Open(s.ID()); ok {
		t.Fatal("destroyed session still resolvable")
	}
	if err := store.Destroy(s.ID()); err == nil {
		t.Fatal("double destroy must error")
	}
}

func TestSessionValues(t *testing.T) {
	store := session.NewMemoryStore()
	s, _ := store.Create()

	s.Set("user", "alice")
	if s.Get("user") != "alice" {
		t.Fatalf("Get = %q", s.Get("user"))
	}
	s.Delete("user")
	if s.Get("user") != "" {
		t.Fatal("deleted key still present")
	}
}

func TestSessionIDsUnique(t *testing.T) {
	store := session.NewMemoryStore()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s, _ := store.Create()
		if seen[s.ID()] {
			t.Fatalf("duplicate id %q", s.ID())
		}
		seen[s.ID()] = true
	}
}

func TestSessionReservedKeysListed(t *testing.T) {
	store := session.NewMemoryStore()
	s, _ := store.Create()
	s.Set(session.KeyCookiePath, "/app")
	s.Set(session.KeyCookieSecure, "true")

	keys := s.Keys()
	if len(keys) != 2 {
		t.Fatalf("keys = %v", keys)
	}
}
