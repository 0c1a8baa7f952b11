package sshconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return &Manager{Path: filepath.Join(t.TempDir(), ".ssh", "config")}
}

func TestAddHostCreatesFile(t *testing.T) {
	m := newTestManager(t)

	added, err := m.AddHost(Entry{
		Alias:        "office-desktop",
		HostName:     "192.168.1.20",
		User:         "alice",
		IdentityFile: "/home/alice/.ssh/connecto_office_desktop",
	})
	require.NoError(t, err)
	assert.True(t, added)

	content, err := os.ReadFile(m.Path)
	require.NoError(t, err)
	assert.Equal(t,
		"\n# Added by connecto\nHost office-desktop\n    HostName 192.168.1.20\n    User alice\n    IdentityFile /home/alice/.ssh/connecto_office_desktop\n",
		string(content))

	info, err := os.Stat(m.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Dir(m.Path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())
}

func TestAddHostSkipsExistingAlias(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(m.Path), 0o700))
	require.NoError(t, os.WriteFile(m.Path, []byte("Host laptop\n    HostName 10.0.0.5\n"), 0o600))

	added, err := m.AddHost(Entry{Alias: "laptop", HostName: "10.0.0.9", User: "bob", IdentityFile: "k"})
	require.NoError(t, err)
	assert.False(t, added)

	added, err = m.AddHost(Entry{Alias: "lap", HostName: "10.0.0.9", User: "bob", IdentityFile: "k"})
	require.NoError(t, err)
	assert.True(t, added, "a prefix of an existing alias is a different host")

	has, err := m.HasHost("lap")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestHasHostOnMissingFile(t *testing.T) {
	m := newTestManager(t)
	has, err := m.HasHost("anything")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestReplaceHost(t *testing.T) {
	m := newTestManager(t)
	initial := `# Some comment
Host existing
    HostName 1.2.3.4
    User alice

# Added by connecto
Host target-host
    HostName 5.6.7.8
    User bob
    IdentityFile ~/.ssh/connecto_target

Host another
    HostName 9.10.11.12
    User charlie
`
	require.NoError(t, os.MkdirAll(filepath.Dir(m.Path), 0o700))
	require.NoError(t, os.WriteFile(m.Path, []byte(initial), 0o600))

	require.NoError(t, m.ReplaceHost(Entry{
		Alias:        "target-host",
		HostName:     "10.1.1.1",
		User:         "bob",
		IdentityFile: "/keys/connecto_sync_me",
	}))

	hosts, err := m.Hosts()
	require.NoError(t, err)
	require.Len(t, hosts, 3)
	assert.Equal(t, "another", hosts[0].Alias)
	assert.Equal(t, "existing", hosts[1].Alias)
	assert.Equal(t, "target-host", hosts[2].Alias)
	assert.Equal(t, "10.1.1.1", hosts[2].HostName)
	assert.Equal(t, "/keys/connecto_sync_me", hosts[2].IdentityFile)

	content, err := os.ReadFile(m.Path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(content), "Host target-host"))
	assert.Equal(t, 1, strings.Count(string(content), Marker))
	assert.NotContains(t, string(content), "5.6.7.8")
}

func TestRemoveHostBlock(t *testing.T) {
	config := `# Some comment
Host existing
    HostName 1.2.3.4
    User alice

# Added by connecto
Host target-host
    HostName 5.6.7.8
    User bob
    IdentityFile ~/.ssh/connecto_target

Host another
    HostName 9.10.11.12
    User charlie
`
	result := RemoveHostBlock(config, "target-host")
	assert.NotContains(t, result, "target-host")
	assert.NotContains(t, result, "5.6.7.8")
	assert.NotContains(t, result, Marker)
	assert.Contains(t, result, "Host existing")
	assert.Contains(t, result, "Host another")
	assert.Contains(t, result, "User charlie")

	assert.Equal(t, config, RemoveHostBlock(config, "missing"))
}

func TestHostsSkipsWildcards(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(m.Path), 0o700))
	require.NoError(t, os.WriteFile(m.Path, []byte(`
Host myserver
    HostName 192.168.1.100
    User admin

Host *
    ServerAliveInterval 60

Host work-*
    User workuser
`), 0o600))

	hosts, err := m.Hosts()
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, Entry{Alias: "myserver", HostName: "192.168.1.100", User: "admin"}, hosts[0])
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "my_device", SanitizeName("My Device"))
	assert.Equal(t, "test-host", SanitizeName("test-host"))
	assert.Equal(t, "host__123_", SanitizeName("Host (123)"))
}

func TestSanitizeHostname(t *testing.T) {
	assert.Equal(t, "my-laptop", SanitizeHostname("My-Laptop"))
	assert.Equal(t, "device--work", SanitizeHostname("Device (Work)"))
	assert.Equal(t, "test-local", SanitizeHostname("Test.local."))
	assert.Equal(t, "test", SanitizeHostname("---test---"))
}
