package authstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type mockResolver struct {
	path string
	err  error
}

func (r mockResolver) Resolve() (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return r.path, nil
}

func TestLoad_resolverError(t *testing.T) {
	s := &Store{resolver: mockResolver{err: errors.New("resolver error")}}
	_, err := s.Load()
	if err == nil {
		t.Fatal("expected resolver error, got nil")
	}
}

func TestLoad_missingFileReturnsEmptyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	s := &Store{resolver: mockResolver{path: path}}

	doc, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.AuthToken != "" {
		t.Fatalf("expected empty token, got %q", doc.AuthToken)
	}
}

func TestLoad_invalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("setup: %v", err)
	}
	s := &Store{resolver: mockResolver{path: path}}

	if _, err := s.Load(); err == nil {
		t.Fatal("expected decode error, got nil")
	}
}

func TestSaveThenLoad_roundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s := &Store{resolver: mockResolver{path: path}}

	if err := s.Save(Document{AuthToken: "tok-123"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	doc, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.AuthToken != "tok-123" {
		t.Fatalf("got %q, want tok-123", doc.AuthToken)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected the temp file to be renamed away, stat err = %v", err)
	}
}

func TestSave_filePermissionsAreOwnerOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s := &Store{resolver: mockResolver{path: path}}

	if err := s.Save(Document{AuthToken: "secret"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("got perm %o, want 0600", perm)
	}
}

func TestLoadOrCreateDeviceID_generatesOnceAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s := &Store{resolver: mockResolver{path: path}}

	first, err := s.LoadOrCreateDeviceID()
	if err != nil {
		t.Fatalf("LoadOrCreateDeviceID: %v", err)
	}
	if first == "" {
		t.Fatal("expected a non-empty generated device id")
	}

	second, err := s.LoadOrCreateDeviceID()
	if err != nil {
		t.Fatalf("LoadOrCreateDeviceID (second call): %v", err)
	}
	if second != first {
		t.Fatalf("expected a stable device id across calls, got %q then %q", first, second)
	}
}

func TestClear_removesFileAndIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s := &Store{resolver: mockResolver{path: path}}

	if err := s.Save(Document{AuthToken: "tok"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file removed, stat err = %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("second Clear should be a no-op, got: %v", err)
	}
}
