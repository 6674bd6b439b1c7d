package store

import "testing"

func TestNewDefaultsToSQLite(t *testing.T) {
	s, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Fatalf("expected *SQLiteStore for empty Type, got %T", s)
	}
}

func TestNewRejectsUnknownType(t *testing.T) {
	if _, err := New(Config{Type: "mongodb"}); err == nil {
		t.Fatal("expected an error for an unsupported store type")
	}
}
