package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/skypro1111/stt-telemetry-service/internal/protocol"
)

const (
	secretDirName  = "super-stt"
	secretFileName = "udp_secret"
)

// DefaultSecretPath returns $XDG_RUNTIME_DIR/super-stt/udp_secret, falling
// back to $TMPDIR and then /tmp.
func DefaultSecretPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.Getenv("TMPDIR")
	}
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, secretDirName, secretFileName)
}

// SecretStore reads and lazily creates the shared secret file. Nothing is
// cached: a daemon restart rotates the secret under running clients.
type SecretStore struct {
	path string

	mu sync.Mutex
}

// NewSecretStore creates a store for path; an empty path selects
// DefaultSecretPath.
func NewSecretStore(path string) *SecretStore {
	if path == "" {
		path = DefaultSecretPath()
	}
	return &SecretStore{path: path}
}

// Path returns the secret file location
func (s *SecretStore) Path() string {
	return s.path
}

// GetOrCreate returns the current secret, generating and persisting one
// with mode 0600 if none exists.
func (s *SecretStore) GetOrCreate() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return "", fmt.Errorf("secret file %s is empty", s.path)
		}
		return secret, nil
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("failed to read secret file %s: %w", s.path, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return "", fmt.Errorf("failed to create secret directory: %w", err)
	}

	secret := "stt_" + uuid.NewString()
	if err := os.WriteFile(s.path, []byte(secret), 0o600); err != nil {
		return "", fmt.Errorf("failed to write secret file %s: %w", s.path, err)
	}
	// WriteFile honours the umask; make the mode explicit.
	if err := os.Chmod(s.path, 0o600); err != nil {
		return "", fmt.Errorf("failed to set secret file permissions: %w", err)
	}

	return secret, nil
}

// AuthMessage builds the REGISTER handshake for clientType
func (s *SecretStore) AuthMessage(clientType string) ([]byte, error) {
	secret, err := s.GetOrCreate()
	if err != nil {
		return nil, err
	}
	return protocol.RegisterMessage(clientType, secret), nil
}

// Verify checks a REGISTER handshake and returns the client type it names.
// ok is false for a well-formed message with the wrong secret or for any
// other text; err is only set when the secret itself is unavailable.
func (s *SecretStore) Verify(message []byte) (clientType string, ok bool, err error) {
	secret, err := s.GetOrCreate()
	if err != nil {
		return "", false, err
	}

	msg, parsed := protocol.ParseControl(message)
	if !parsed || msg.Command != protocol.ControlRegister || msg.Secret == "" {
		return "", false, nil
	}
	if subtle.ConstantTimeCompare([]byte(msg.Secret), []byte(secret)) != 1 {
		return "", false, nil
	}
	return msg.ClientType, true, nil
}

// Cleanup removes the secret file. A missing file is not an error.
func (s *SecretStore) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove secret file: %w", err)
	}
	return nil
}
