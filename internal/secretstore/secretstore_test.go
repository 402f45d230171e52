package secretstore

import (
	"encoding/hex"
	"testing"
)

func TestGetAuthTokenGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	s := NewFile(dir)

	token, err := s.GetAuthToken()
	if err != nil {
		t.Fatalf("GetAuthToken: %v", err)
	}
	raw, err := hex.DecodeString(token)
	if err != nil {
		t.Fatalf("token is not hex: %v", err)
	}
	if len(raw) != tokenBytes {
		t.Errorf("token length = %d bytes, want %d", len(raw), tokenBytes)
	}

	// A fresh Store over the same directory should load the same token.
	s2 := NewFile(dir)
	again, err := s2.GetAuthToken()
	if err != nil {
		t.Fatalf("GetAuthToken (reload): %v", err)
	}
	if again != token {
		t.Errorf("reloaded token %q != original %q", again, token)
	}
}

func TestRotateAuthTokenChangesValue(t *testing.T) {
	dir := t.TempDir()
	s := NewFile(dir)

	first, err := s.GetAuthToken()
	if err != nil {
		t.Fatalf("GetAuthToken: %v", err)
	}
	second, err := s.RotateAuthToken()
	if err != nil {
		t.Fatalf("RotateAuthToken: %v", err)
	}
	if second == first {
		t.Error("RotateAuthToken returned the same token")
	}

	s2 := NewFile(dir)
	reloaded, err := s2.GetAuthToken()
	if err != nil {
		t.Fatalf("GetAuthToken (reload): %v", err)
	}
	if reloaded != second {
		t.Errorf("reloaded token %q != rotated %q", reloaded, second)
	}
}

func TestAdoptTokenPersistsAndOverridesGenerated(t *testing.T) {
	dir := t.TempDir()
	s := NewFile(dir)

	if _, err := s.GetAuthToken(); err != nil {
		t.Fatalf("GetAuthToken (generate): %v", err)
	}
	if err := s.AdoptToken("migrated-token"); err != nil {
		t.Fatalf("AdoptToken: %v", err)
	}
	got, err := s.GetAuthToken()
	if err != nil {
		t.Fatalf("GetAuthToken: %v", err)
	}
	if got != "migrated-token" {
		t.Errorf("GetAuthToken = %q, want the adopted token", got)
	}

	s2 := NewFile(dir)
	reloaded, err := s2.GetAuthToken()
	if err != nil {
		t.Fatalf("GetAuthToken (reload): %v", err)
	}
	if reloaded != "migrated-token" {
		t.Errorf("reloaded token %q != adopted %q", reloaded, "migrated-token")
	}
}

func TestRedacted(t *testing.T) {
	token := "0123456789abcdef"
	got := Redacted(token)
	if got != "01234567…" {
		t.Errorf("Redacted(%q) = %q, want %q", token, got, "01234567…")
	}
	if Redacted("short") != "short" {
		t.Errorf("Redacted of a short string should be returned unchanged")
	}
}
