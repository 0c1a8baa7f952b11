// Package sshconfig maintains the ~/.ssh/config host entries Connecto writes
// after a successful pair or sync, so the peer is reachable as `ssh <alias>`.
package sshconfig

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/kevinburke/ssh_config"
)

// Marker precedes every block written by AddHost.
const Marker = "# Added by connecto"

// Entry is one Host block.
type Entry struct {
	Alias        string
	HostName     string
	User         string
	IdentityFile string
}

// Manager edits one ssh config file.
type Manager struct {
	Path string

	mu sync.Mutex
}

// NewManager returns a manager for ~/.ssh/config.
func NewManager() (*Manager, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	return &Manager{Path: filepath.Join(home, ".ssh", "config")}, nil
}

// HasHost reports whether the file declares a Host block whose pattern is
// exactly alias. A missing file has no hosts.
func (m *Manager) HasHost(alias string) (bool, error) {
	content, err := m.read()
	if err != nil {
		return false, err
	}
	return hasHost(content, alias), nil
}

// Hosts lists the concrete (non-wildcard) host aliases in the file, sorted.
func (m *Manager) Hosts() ([]Entry, error) {
	content, err := m.read()
	if err != nil {
		return nil, err
	}
	if len(content) == 0 {
		return nil, nil
	}

	cfg, err := ssh_config.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", m.Path, err)
	}

	var hosts []Entry
	seen := make(map[string]bool)
	for _, host := range cfg.Hosts {
		for _, pattern := range host.Patterns {
			alias := pattern.String()
			if strings.ContainsAny(alias, "*?") || seen[alias] {
				continue
			}
			seen[alias] = true

			entry := Entry{Alias: alias}
			entry.HostName, _ = cfg.Get(alias, "HostName")
			entry.User, _ = cfg.Get(alias, "User")
			entry.IdentityFile, _ = cfg.Get(alias, "IdentityFile")
			hosts = append(hosts, entry)
		}
	}

	sort.Slice(hosts, func(i, j int) bool {
		return hosts[i].Alias < hosts[j].Alias
	})
	return hosts, nil
}

// AddHost appends entry unless its alias already exists. It reports whether
// a block was written.
func (m *Manager) AddHost(entry Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	content, err := m.read()
	if err != nil {
		return false, err
	}
	if hasHost(content, entry.Alias) {
		return false, nil
	}
	return true, m.write(append(content, []byte(entry.block())...))
}

// ReplaceHost removes any block for entry.Alias and appends entry.
func (m *Manager) ReplaceHost(entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	content, err := m.read()
	if err != nil {
		return err
	}
	if hasHost(content, entry.Alias) {
		content = []byte(RemoveHostBlock(string(content), entry.Alias))
	}
	return m.write(append(content, []byte(entry.block())...))
}

func (e Entry) block() string {
	return fmt.Sprintf("\n%s\nHost %s\n    HostName %s\n    User %s\n    IdentityFile %s\n",
		Marker, e.Alias, e.HostName, e.User, e.IdentityFile)
}

func (m *Manager) read() ([]byte, error) {
	content, err := os.ReadFile(m.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", m.Path, err)
	}
	return content, nil
}

func (m *Manager) write(content []byte) error {
	if err := os.MkdirAll(filepath.Dir(m.Path), 0o700); err != nil {
		return fmt.Errorf("create ssh directory: %w", err)
	}
	if err := os.WriteFile(m.Path, content, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", m.Path, err)
	}
	return os.Chmod(m.Path, 0o600)
}

// hasHost parses content with ssh_config and falls back to a line scan when
// the file uses syntax the parser rejects.
func hasHost(content []byte, alias string) bool {
	if len(content) == 0 {
		return false
	}
	cfg, err := ssh_config.Decode(bytes.NewReader(content))
	if err == nil {
		for _, host := range cfg.Hosts {
			for _, pattern := range host.Patterns {
				if pattern.String() == alias {
					return true
				}
			}
		}
		return false
	}
	for _, line := range strings.Split(string(content), "\n") {
		if hostLine(line) == alias {
			return true
		}
	}
	return false
}

// hostLine returns the alias of a non-wildcard "Host <alias>" line, or "".
func hostLine(line string) string {
	alias, ok := strings.CutPrefix(strings.TrimSpace(line), "Host ")
	if !ok || strings.Contains(alias, "*") {
		return ""
	}
	return strings.TrimSpace(alias)
}

// RemoveHostBlock removes the "Host alias" block from content, through its
// IdentityFile line, together with a Marker line directly above it.
func RemoveHostBlock(content, alias string) string {
	var out []string
	skipping := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		if trimmed == Marker {
			skipping = false
			out = append(out, line)
			continue
		}
		if hostLine(line) == alias {
			skipping = true
			if len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == Marker {
				out = out[:len(out)-1]
			}
			continue
		}
		if skipping {
			if strings.HasPrefix(trimmed, "IdentityFile ") {
				skipping = false
			}
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// SanitizeName lowercases name and replaces every character other than a
// letter, digit, '-' or '_' with '_'. Pair aliases and key names use it.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return strings.ToLower(b.String())
}

// SanitizeHostname lowercases name, replaces every character other than a
// letter, digit or '-' with '-', and trims leading and trailing dashes. Sync
// aliases use it.
func SanitizeHostname(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
