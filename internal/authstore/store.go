// Package authstore persists the control-plane auth token (spec §6) as a
// single JSON document under an OS-appropriate per-user config directory,
// the way the teacher's PAL/client_configuration resolves, reads and writes
// its own JSON configuration document.
package authstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// fileName matches the original desktop client's store file name so an
// operator migrating a device keeps one mental model of where the token
// lives.
const fileName = ".ple7-config.json"

// Document is the on-disk shape of the auth store.
type Document struct {
	AuthToken string `json:"auth_token"`
	DeviceID  string `json:"device_id"`
}

// Resolver locates the auth store file.
type Resolver interface {
	Resolve() (string, error)
}

// DefaultResolver places the store under the user's home directory, mirroring
// the original's bare-filename placement (Tauri's store plugin resolves
// relative paths against the app's data directory; a CLI agent has no such
// directory, so $HOME is the nearest equivalent).
type DefaultResolver struct{}

func NewDefaultResolver() Resolver { return DefaultResolver{} }

func (DefaultResolver) Resolve() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("authstore: resolve home directory: %w", err)
	}
	return filepath.Join(home, fileName), nil
}

// Store reads and writes the auth token document. It is safe for concurrent
// use only insofar as the underlying filesystem serializes writes; callers
// needing stronger guarantees should hold their own lock.
type Store struct {
	resolver Resolver
}

// New builds a Store using DefaultResolver.
func New() *Store {
	return &Store{resolver: NewDefaultResolver()}
}

// Load reads the current token, returning an empty Document (no error) if
// the store file does not exist yet.
func (s *Store) Load() (Document, error) {
	path, err := s.resolver.Resolve()
	if err != nil {
		return Document{}, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Document{}, nil
		}
		return Document{}, fmt.Errorf("authstore: read %s: %w", path, err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("authstore: decode %s: %w", path, err)
	}
	return doc, nil
}

// Save writes doc to the store file, replacing it atomically via a
// write-then-rename so a crash mid-write never leaves a truncated document.
func (s *Store) Save(doc Document) error {
	path, err := s.resolver.Resolve()
	if err != nil {
		return err
	}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("authstore: encode: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("authstore: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("authstore: rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

// LoadOrCreateDeviceID returns the persisted device identifier, generating
// and persisting a new random one on first run so a device keeps a stable
// identity across restarts without requiring an operator to supply one.
func (s *Store) LoadOrCreateDeviceID() (string, error) {
	doc, err := s.Load()
	if err != nil {
		return "", err
	}
	if doc.DeviceID != "" {
		return doc.DeviceID, nil
	}
	doc.DeviceID = uuid.NewString()
	if err := s.Save(doc); err != nil {
		return "", err
	}
	return doc.DeviceID, nil
}

// Clear removes the store file. Removing an already-absent file is not an
// error.
func (s *Store) Clear() error {
	path, err := s.resolver.Resolve()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("authstore: remove %s: %w", path, err)
	}
	return nil
}
