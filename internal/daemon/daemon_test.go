package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/embergate/gatewayd/internal/supervisor"
	"github.com/embergate/gatewayd/internal/tailscale"
)

func writeConfig(t *testing.T, dir string) {
	t.Helper()
	cfg := `{"connection":{"directPort":0,"restrictToTailscale":false}}`
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(cfg), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestNewWiresEveryComponent(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir)

	d, err := New(dir, tailscale.NoneService{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Shutdown()

	if _, err := os.Stat(filepath.Join(dir, "certs", "server.crt")); err != nil {
		t.Errorf("certificate not persisted: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "secret.yaml")); err != nil {
		t.Errorf("auth token not persisted: %v", err)
	}
}

func TestPairingInfoReflectsGeneratedSecrets(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir)

	d, err := New(dir, tailscale.NoneService{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Shutdown()

	info, err := d.PairingInfo()
	if err != nil {
		t.Fatalf("PairingInfo: %v", err)
	}
	if info.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want 127.0.0.1 (no tailscale service configured)", info.Host)
	}
	if info.Token == "" {
		t.Error("expected a non-empty auth token")
	}
	if info.CertFingerprint == "" {
		t.Error("expected a non-empty certificate fingerprint")
	}
}

func TestRotateTokenChangesPairingToken(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir)

	d, err := New(dir, tailscale.NoneService{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Shutdown()

	before, err := d.PairingInfo()
	if err != nil {
		t.Fatalf("PairingInfo: %v", err)
	}

	newToken, err := d.RotateToken()
	if err != nil {
		t.Fatalf("RotateToken: %v", err)
	}
	if newToken == before.Token {
		t.Error("RotateToken returned the same token")
	}

	after, err := d.PairingInfo()
	if err != nil {
		t.Fatalf("PairingInfo: %v", err)
	}
	if after.Token != newToken {
		t.Errorf("PairingInfo token = %q, want freshly rotated %q", after.Token, newToken)
	}
}

func TestRegenerateCertChangesFingerprint(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir)

	d, err := New(dir, tailscale.NoneService{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Shutdown()

	before, err := d.PairingInfo()
	if err != nil {
		t.Fatalf("PairingInfo: %v", err)
	}

	if _, err := d.RegenerateCert(); err != nil {
		t.Fatalf("RegenerateCert: %v", err)
	}

	after, err := d.PairingInfo()
	if err != nil {
		t.Fatalf("PairingInfo: %v", err)
	}
	if after.CertFingerprint == before.CertFingerprint {
		t.Error("RegenerateCert did not change the fingerprint")
	}
}

func TestMigrateAuthTokenAtStartup(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cfg := `{"connection":{"directPort":0,"restrictToTailscale":false},"authToken":"legacy-token"}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(cfg), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	d, err := New(dir, tailscale.NoneService{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Shutdown()

	info, err := d.PairingInfo()
	if err != nil {
		t.Fatalf("PairingInfo: %v", err)
	}
	if info.Token != "legacy-token" {
		t.Errorf("Token = %q, want the migrated legacy-token", info.Token)
	}

	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if strings.Contains(string(data), "legacy-token") {
		t.Error("legacy token should have been scrubbed from config.json")
	}
}

func TestAutoStartServiceReachesRunning(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cfg := `{
		"connection": {"directPort": 0, "restrictToTailscale": false},
		"services": [{"id": "sleeper", "name": "sleeper", "command": "/bin/sleep", "args": ["30"], "autoStart": true}]
	}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(cfg), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	d, err := New(dir, tailscale.NoneService{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Shutdown()

	deadline := time.After(2 * time.Second)
	for {
		status, ok := d.supervisor.Status("sleeper")
		if ok && status.Status == supervisor.StatusRunning {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("service never reached running, last status: %+v", status)
		case <-time.After(20 * time.Millisecond):
		}
	}
}
