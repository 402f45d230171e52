// Package secretstore loads, generates, and rotates the gateway's
// authentication token. Persistence defaults to a 0600 file in the user's
// data directory, shaped as a Backend so a real OS keychain can be dropped
// in later without touching callers.
package secretstore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

const tokenBytes = 32

// secretFile is the on-disk shape of the stored token.
type secretFile struct {
	Token string `yaml:"auth_token"`
}

// Backend persists and retrieves the raw secret bytes of the auth token.
// FileBackend is the only implementation shipped here; a native OS
// keychain backend (Keychain on macOS, Secret Service on Linux, DPAPI on
// Windows) would satisfy the same interface.
type Backend interface {
	Load() (token string, ok bool, err error)
	Save(token string) error
}

// FileBackend stores the token hex-encoded in a YAML file under Dir, with
// file permissions restricted to the owning user (0600).
type FileBackend struct {
	Dir string
}

func (b *FileBackend) path() string {
	return filepath.Join(b.Dir, "secret.yaml")
}

func (b *FileBackend) Load() (string, bool, error) {
	data, err := os.ReadFile(b.path())
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read secret: %w", err)
	}
	var f secretFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return "", false, fmt.Errorf("parse secret: %w", err)
	}
	if f.Token == "" {
		return "", false, nil
	}
	return f.Token, true, nil
}

func (b *FileBackend) Save(token string) error {
	if err := os.MkdirAll(b.Dir, 0700); err != nil {
		return fmt.Errorf("create secret dir: %w", err)
	}
	data, err := yaml.Marshal(secretFile{Token: token})
	if err != nil {
		return fmt.Errorf("marshal secret: %w", err)
	}
	// Write to a temp file and rename so a rotation can never leave a
	// torn or half-written token on disk.
	tmp := b.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write secret: %w", err)
	}
	if err := os.Rename(tmp, b.path()); err != nil {
		return fmt.Errorf("commit secret: %w", err)
	}
	return nil
}

// Store loads, generates, and rotates the auth token. Safe for concurrent
// use; GetAuthToken and RotateAuthToken are each atomic with respect to
// one another.
type Store struct {
	backend Backend

	mu    sync.Mutex
	token string
}

func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// NewFile is a convenience constructor for the default file-backed store.
func NewFile(dir string) *Store {
	return New(&FileBackend{Dir: dir})
}

// GetAuthToken returns the persisted token, generating and persisting a
// fresh one on first call.
func (s *Store) GetAuthToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" {
		return s.token, nil
	}

	token, ok, err := s.backend.Load()
	if err != nil {
		return "", err
	}
	if ok {
		s.token = token
		return s.token, nil
	}

	token, err = generateToken()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	if err := s.backend.Save(token); err != nil {
		return "", err
	}
	s.token = token
	return s.token, nil
}

// AdoptToken persists a token sourced from somewhere other than this
// store — the config migration path, where a token found inline in
// config.json must be moved here and scrubbed from the JSON file.
func (s *Store) AdoptToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Save(token); err != nil {
		return err
	}
	s.token = token
	return nil
}

// RotateAuthToken replaces the stored token atomically and returns the new
// value. Every live connection authenticated against the old token must be
// treated as invalidated by the caller.
func (s *Store) RotateAuthToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	if err := s.backend.Save(token); err != nil {
		return "", err
	}
	s.token = token
	return s.token, nil
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Redacted returns the first 8 hex characters of token followed by an
// ellipsis, suitable for diagnostic output — the full token must never be
// logged.
func Redacted(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "…"
}
