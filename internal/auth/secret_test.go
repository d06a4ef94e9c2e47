package auth

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSecretLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "super-stt", "udp_secret")
	store := NewSecretStore(path)

	first, err := store.GetOrCreate()
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if !strings.HasPrefix(first, "stt_") {
		t.Errorf("unexpected secret format %q", first)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("secret file missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("expected mode 0600, got %o", perm)
	}
	dirInfo, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatalf("secret directory missing: %v", err)
	}
	if perm := dirInfo.Mode().Perm(); perm&0o077 != 0 {
		t.Errorf("secret directory should be private, got %o", perm)
	}

	// A second store reads the persisted secret.
	second, err := NewSecretStore(path).GetOrCreate()
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if first != second {
		t.Errorf("secret changed between stores: %q != %q", first, second)
	}

	if err := store.Cleanup(); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("secret file should be removed, stat err = %v", err)
	}
	if err := store.Cleanup(); err != nil {
		t.Errorf("second Cleanup should be a no-op, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	store := NewSecretStore(filepath.Join(t.TempDir(), "udp_secret"))

	message, err := store.AuthMessage("applet")
	if err != nil {
		t.Fatalf("AuthMessage failed: %v", err)
	}
	if !strings.HasPrefix(string(message), "REGISTER:applet:") {
		t.Fatalf("unexpected handshake %q", message)
	}

	tests := []struct {
		name       string
		message    string
		clientType string
		ok         bool
	}{
		{"valid", string(message), "applet", true},
		{"wrong secret", "REGISTER:applet:wrong_secret", "", false},
		{"empty secret", "REGISTER:applet:", "", false},
		{"missing secret", "REGISTER:applet", "", false},
		{"not a register", "PING", "", false},
		{"binary", "\x05\x00\x01", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientType, ok, err := store.Verify([]byte(tt.message))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tt.ok || clientType != tt.clientType {
				t.Errorf("Verify = (%q, %v), want (%q, %v)", clientType, ok, tt.clientType, tt.ok)
			}
		})
	}
}

func TestDefaultSecretPath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	if got := DefaultSecretPath(); got != "/run/user/1000/super-stt/udp_secret" {
		t.Errorf("unexpected path %q", got)
	}

	t.Setenv("XDG_RUNTIME_DIR", "")
	t.Setenv("TMPDIR", "/var/tmp")
	if got := DefaultSecretPath(); got != "/var/tmp/super-stt/udp_secret" {
		t.Errorf("unexpected fallback path %q", got)
	}

	t.Setenv("TMPDIR", "")
	if got := DefaultSecretPath(); got != "/tmp/super-stt/udp_secret" {
		t.Errorf("unexpected final fallback %q", got)
	}
}

func TestClientFollowsRotatedSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "super-stt", "udp_secret")
	daemon := NewSecretStore(path)
	client := NewSecretStore(path)

	if _, err := daemon.GetOrCreate(); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	message, err := client.AuthMessage("applet")
	if err != nil {
		t.Fatalf("AuthMessage failed: %v", err)
	}
	if _, ok, _ := daemon.Verify(message); !ok {
		t.Fatal("first registration rejected")
	}

	// daemon shuts down and a new one writes a fresh secret
	if err := daemon.Cleanup(); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	restarted := NewSecretStore(path)
	if _, err := restarted.GetOrCreate(); err != nil {
		t.Fatalf("GetOrCreate after restart failed: %v", err)
	}

	message, err = client.AuthMessage("applet")
	if err != nil {
		t.Fatalf("AuthMessage after restart failed: %v", err)
	}
	if _, ok, err := restarted.Verify(message); err != nil || !ok {
		t.Errorf("registration after restart = (%v, %v), want accepted", ok, err)
	}
	if _, ok, _ := restarted.Verify(message); !ok {
		t.Error("repeated registration with the same store rejected")
	}
}
