package keys

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	cerrors "connecto/errors"
)

const (
	sshDirPerm     = 0o700
	privateKeyPerm = 0o600
	publicKeyPerm  = 0o644

	authorizedKeysFile = "authorized_keys"
)

// Manager owns an SSH directory: its key files and authorized_keys.
// Mutations of authorized_keys are serialized.
type Manager struct {
	dir string
	mu  sync.Mutex
}

// NewManager returns a Manager for ~/.ssh.
func NewManager() (*Manager, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, cerrors.WrapWithCode(err, cerrors.ErrIO,
			"Could not determine home directory",
			"Set the HOME environment variable")
	}
	return &Manager{dir: filepath.Join(home, ".ssh")}, nil
}

// WithDir returns a Manager rooted at dir instead of ~/.ssh.
func WithDir(dir string) *Manager {
	return &Manager{dir: dir}
}

// SSHDir returns the managed directory.
func (m *Manager) SSHDir() string {
	return m.dir
}

// AuthorizedKeysPath returns the authorized_keys file path.
func (m *Manager) AuthorizedKeysPath() string {
	return filepath.Join(m.dir, authorizedKeysFile)
}

// KeyPath returns the private key path for a key file name.
func (m *Manager) KeyPath(name string) string {
	return filepath.Join(m.dir, name)
}

// EnsureSSHDir creates the SSH directory with mode 0700 if needed.
func (m *Manager) EnsureSSHDir() error {
	if err := os.MkdirAll(m.dir, sshDirPerm); err != nil {
		return cerrors.WrapWithCode(err, cerrors.ErrIO,
			fmt.Sprintf("Failed to create %s", m.dir),
			"Check the permissions of your home directory")
	}
	if err := os.Chmod(m.dir, sshDirPerm); err != nil {
		return cerrors.Wrap(err, cerrors.ErrIO, fmt.Sprintf("Failed to set permissions on %s", m.dir))
	}
	return nil
}

// SaveKeyPair writes the private key (0600) and public key (0644) under name
// and returns both paths.
func (m *Manager) SaveKeyPair(pair KeyPair, name string) (string, string, error) {
	if err := m.EnsureSSHDir(); err != nil {
		return "", "", err
	}

	privatePath := m.KeyPath(name)
	publicPath := privatePath + ".pub"

	if err := os.WriteFile(privatePath, []byte(pair.PrivateKey), privateKeyPerm); err != nil {
		return "", "", cerrors.Wrap(err, cerrors.ErrIO, fmt.Sprintf("Failed to write %s", privatePath))
	}
	// WriteFile does not change the mode of an existing file.
	if err := os.Chmod(privatePath, privateKeyPerm); err != nil {
		return "", "", cerrors.Wrap(err, cerrors.ErrIO, fmt.Sprintf("Failed to set permissions on %s", privatePath))
	}
	if err := os.WriteFile(publicPath, []byte(pair.PublicKey+"\n"), publicKeyPerm); err != nil {
		return "", "", cerrors.Wrap(err, cerrors.ErrIO, fmt.Sprintf("Failed to write %s", publicPath))
	}

	return privatePath, publicPath, nil
}

// Add appends key to authorized_keys. key must be one option-free public key
// line; anything else is a KEY_PARSING error and nothing is written. Adding a
// key whose base64 data is already present is a no-op.
func (m *Manager) Add(key string) error {
	key = strings.TrimSpace(key)
	if _, _, err := ParsePublicKey(key); err != nil {
		return err
	}
	data, _ := KeyData(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.EnsureSSHDir(); err != nil {
		return err
	}

	path := m.AuthorizedKeysPath()
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cerrors.Wrap(err, cerrors.ErrAuthorizedKeys, "Failed to read authorized_keys")
	}
	if containsKeyData(existing, data) {
		return nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, privateKeyPerm)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrAuthorizedKeys, "Failed to open authorized_keys")
	}

	var line strings.Builder
	if len(existing) > 0 && !bytes.HasSuffix(existing, []byte("\n")) {
		line.WriteString("\n")
	}
	line.WriteString(key)
	line.WriteString("\n")

	if _, err := f.WriteString(line.String()); err != nil {
		_ = f.Close()
		return cerrors.Wrap(err, cerrors.ErrAuthorizedKeys, "Failed to write authorized_keys")
	}
	if err := f.Close(); err != nil {
		return cerrors.Wrap(err, cerrors.ErrAuthorizedKeys, "Failed to write authorized_keys")
	}
	if err := os.Chmod(path, privateKeyPerm); err != nil {
		return cerrors.Wrap(err, cerrors.ErrAuthorizedKeys, "Failed to set permissions on authorized_keys")
	}
	return nil
}

// Remove deletes every line carrying the same base64 data as key and
// reports whether anything was removed.
func (m *Manager) Remove(key string) (bool, error) {
	data, ok := KeyData(key)
	if !ok {
		return false, cerrors.New(cerrors.ErrKeyParsing, "Invalid public key format", "Expected \"<type> <base64> [comment]\"")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.AuthorizedKeysPath()
	existing, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, cerrors.Wrap(err, cerrors.ErrAuthorizedKeys, "Failed to read authorized_keys")
	}

	var (
		kept    []string
		removed bool
	)
	for _, line := range splitLines(existing) {
		if lineHasKeyData(line, data) {
			removed = true
			continue
		}
		kept = append(kept, line)
	}
	if !removed {
		return false, nil
	}

	out := strings.Join(kept, "\n")
	if len(kept) > 0 {
		out += "\n"
	}
	if err := os.WriteFile(path, []byte(out), privateKeyPerm); err != nil {
		return false, cerrors.Wrap(err, cerrors.ErrAuthorizedKeys, "Failed to write authorized_keys")
	}
	return true, nil
}

// List returns the non-empty, non-comment lines of authorized_keys. A missing
// file yields an empty list.
func (m *Manager) List() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := os.ReadFile(m.AuthorizedKeysPath())
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrAuthorizedKeys, "Failed to read authorized_keys")
	}

	keys := make([]string, 0)
	for _, line := range splitLines(existing) {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		keys = append(keys, trimmed)
	}
	return keys, nil
}

func containsKeyData(content []byte, data string) bool {
	for _, line := range splitLines(content) {
		if lineHasKeyData(line, data) {
			return true
		}
	}
	return false
}

// lineHasKeyData compares the base64 field exactly, so a short argument
// never matches an unrelated key.
func lineHasKeyData(line, data string) bool {
	fields := strings.Fields(line)
	return len(fields) >= 2 && fields[1] == data
}

func splitLines(content []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}
