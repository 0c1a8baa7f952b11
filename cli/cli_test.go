package cli

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connecto/config"
	"connecto/discovery"
	cerrors "connecto/errors"
	"connecto/models"
)

const (
	aliceKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIAliceAliceAliceAliceAliceAliceAliceAliceAl alice@laptop"
	bobKey   = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIBobBobBobBobBobBobBobBobBobBobBobBobBobBo bob@desktop"
	carolKey = "ssh-rsa AAAAB3NzaC1yc2EAAAADAQABAAABAQCarolCarolCarolCarolCarolCarolCarolCa carol@laptop"
)

func writeCache(t *testing.T, devices ...models.DiscoveredDevice) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), discovery.CacheFileName)
	require.NoError(t, discovery.SaveCache(path, devices))
	return path
}

func TestResolveTarget(t *testing.T) {
	cache := writeCache(t,
		models.DiscoveredDevice{Name: "desk", Addresses: []net.IP{net.ParseIP("192.168.1.20")}, Port: 8099},
		models.DiscoveredDevice{Name: "v6only", Addresses: []net.IP{net.ParseIP("fe80::1")}, Port: 9000},
		models.DiscoveredDevice{Name: "empty", Port: 8099},
	)

	tests := []struct {
		name        string
		target      string
		defaultPort int
		want        string
	}{
		{name: "cache index", target: "0", want: "192.168.1.20:8099"},
		{name: "cache index ipv6", target: "1", want: "[fe80::1]:9000"},
		{name: "host and port", target: "10.0.0.5:9100", want: "10.0.0.5:9100"},
		{name: "bare ip uses configured port", target: "10.0.0.5", defaultPort: 9200, want: "10.0.0.5:9200"},
		{name: "bare ip falls back to default port", target: "10.0.0.5", want: "10.0.0.5:8099"},
		{name: "bare ipv6", target: "::1", defaultPort: 8099, want: "[::1]:8099"},
		{name: "hostname", target: "desk.local", defaultPort: 8099, want: "desk.local:8099"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveTarget(tt.target, cache, tt.defaultPort)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveTargetErrors(t *testing.T) {
	cache := writeCache(t,
		models.DiscoveredDevice{Name: "desk", Addresses: []net.IP{net.ParseIP("192.168.1.20")}, Port: 8099},
		models.DiscoveredDevice{Name: "empty", Port: 8099},
	)

	_, err := resolveTarget("5", cache, 8099)
	require.Error(t, err)
	assert.True(t, cerrors.IsCode(err, cerrors.ErrDeviceNotFound))
	assert.Contains(t, err.Error(), "Invalid device number 5")

	_, err = resolveTarget("-1", cache, 8099)
	require.Error(t, err)
	assert.True(t, cerrors.IsCode(err, cerrors.ErrDeviceNotFound))

	_, err = resolveTarget("1", cache, 8099)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no IP address")

	_, err = resolveTarget("0", filepath.Join(t.TempDir(), "missing.json"), 8099)
	require.Error(t, err)
	assert.True(t, cerrors.IsCode(err, cerrors.ErrDeviceNotFound))
	assert.Contains(t, err.Error(), "No cached devices found")
}

func TestCrossSubnetHint(t *testing.T) {
	locals := []net.IP{net.ParseIP("192.168.1.10"), net.ParseIP("10.8.0.2")}

	subnet, ok := crossSubnetHint("10.105.225.7:51234", locals)
	assert.True(t, ok)
	assert.Equal(t, "192.168.1.0/24", subnet)

	_, ok = crossSubnetHint("192.168.1.44:51234", locals)
	assert.False(t, ok, "same subnet as the first interface")

	_, ok = crossSubnetHint("10.8.0.9:51234", locals)
	assert.False(t, ok, "same subnet as a secondary interface")

	_, ok = crossSubnetHint("127.0.0.1:51234", locals)
	assert.False(t, ok)

	_, ok = crossSubnetHint("[fe80::1]:51234", locals)
	assert.False(t, ok)

	_, ok = crossSubnetHint("10.105.225.7:51234", nil)
	assert.False(t, ok)

	subnet, ok = crossSubnetHint("172.16.4.4", locals)
	assert.True(t, ok, "address without a port")
	assert.Equal(t, "192.168.1.0/24", subnet)
}

func TestMergeSubnets(t *testing.T) {
	got := mergeSubnets(
		[]string{"10.0.0.0/24", "192.168.5.0/24", "10.0.0.0/24"},
		[]string{"192.168.5.0/24", "172.16.0.0/24"},
	)
	assert.Equal(t, []string{"10.0.0.0/24", "192.168.5.0/24", "172.16.0.0/24"}, got)
	assert.Empty(t, mergeSubnets(nil, nil))
}

func TestSelectKey(t *testing.T) {
	lines := []string{aliceKey, bobKey, carolKey}

	key, matches, err := selectKey(lines, "2")
	require.NoError(t, err)
	assert.Nil(t, matches)
	assert.Equal(t, bobKey, key)

	key, _, err = selectKey(lines, "DESKTOP")
	require.NoError(t, err)
	assert.Equal(t, bobKey, key)

	_, _, err = selectKey(lines, "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid key number 0")

	_, _, err = selectKey(lines, "4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Valid range: 1-3")

	_, _, err = selectKey(lines, "nobody")
	require.Error(t, err)
	assert.True(t, cerrors.IsCode(err, cerrors.ErrAuthorizedKeys))

	_, matches, err = selectKey(lines, "laptop")
	require.Error(t, err)
	assert.Equal(t, []string{aliceKey, carolKey}, matches)
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	assert.Equal(t, filepath.Join(home, ".ssh", "id_ed25519"), expandPath("~/.ssh/id_ed25519"))
	assert.Equal(t, "/etc/key", expandPath("/etc/key"))
}

// setupHome points the config data dir and HOME at fresh temp directories.
func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("CONNECTO_DATA_DIR", filepath.Join(home, "data"))
	return home
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestConfigSubnetCommands(t *testing.T) {
	setupHome(t)

	out, err := runCLI(t, "config", "add-subnet", "10.105.225.0/24")
	require.NoError(t, err)
	assert.Contains(t, out, "Added subnet")

	out, err = runCLI(t, "config", "add-subnet", "10.105.225.0/24")
	require.NoError(t, err)
	assert.Contains(t, out, "already configured")

	_, err = runCLI(t, "config", "add-subnet", "not-a-cidr")
	require.Error(t, err)

	out, err = runCLI(t, "config", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "10.105.225.0/24")
	assert.Contains(t, out, "8099")

	out, err = runCLI(t, "config", "remove-subnet", "10.105.225.0/24")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed subnet")

	out, err = runCLI(t, "config", "remove-subnet", "10.105.225.0/24")
	require.NoError(t, err)
	assert.Contains(t, out, "was not configured")
}

func TestConfigAddSubnetKeepsEnvOverridesOutOfFile(t *testing.T) {
	home := setupHome(t)
	t.Setenv("CONNECTO_PORT", "9999")
	t.Setenv("CONNECTO_DEVICE_NAME", "from-env")

	_, err := runCLI(t, "config", "add-subnet", "10.105.225.0/24")
	require.NoError(t, err)

	saved, err := config.LoadFile(config.ConfigPath(filepath.Join(home, "data")))
	require.NoError(t, err)
	assert.Equal(t, 8099, saved.Port)
	assert.Empty(t, saved.DeviceName)
	assert.Equal(t, []string{"10.105.225.0/24"}, saved.Subnets)

	out, err := runCLI(t, "config", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "9999")
	assert.Contains(t, out, "from-env")
}

func TestKeysRemoveRecordsHistory(t *testing.T) {
	home := setupHome(t)
	sshDir := filepath.Join(home, ".ssh")
	require.NoError(t, os.MkdirAll(sshDir, 0o700))
	content := strings.Join([]string{aliceKey, bobKey, carolKey}, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(sshDir, "authorized_keys"), []byte(content), 0o600))

	out, err := runCLI(t, "keys", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "3 authorized key(s) found")
	assert.Contains(t, out, "bob@desktop")

	out, err = runCLI(t, "keys", "remove", "laptop", "--yes")
	require.Error(t, err)
	assert.Contains(t, out, "alice@laptop")
	assert.Contains(t, out, "carol@laptop")

	out, err = runCLI(t, "keys", "remove", "bob@desktop", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Key removed successfully")

	remaining, err := os.ReadFile(filepath.Join(sshDir, "authorized_keys"))
	require.NoError(t, err)
	assert.NotContains(t, string(remaining), "bob@desktop")
	assert.Contains(t, string(remaining), "alice@laptop")

	out, err = runCLI(t, "history", "--kind", "key_removed")
	require.NoError(t, err)
	assert.Contains(t, out, "key_removed")
	assert.Contains(t, out, "bob@desktop")
}

func TestHistoryEmpty(t *testing.T) {
	setupHome(t)

	out, err := runCLI(t, "history", "--kind", "")
	require.NoError(t, err)
	assert.Contains(t, out, "No pairing history yet")
}

func TestKeygenRefusesOverwrite(t *testing.T) {
	home := setupHome(t)

	out, err := runCLI(t, "keygen", "--name", "test_key", "--comment", "me@test")
	require.NoError(t, err)
	assert.Contains(t, out, "Key pair generated")
	assert.Contains(t, out, "SHA256:")
	assert.FileExists(t, filepath.Join(home, ".ssh", "test_key"))
	assert.FileExists(t, filepath.Join(home, ".ssh", "test_key.pub"))

	_, err = runCLI(t, "keygen", "--name", "test_key", "--comment", "me@test")
	require.Error(t, err)
	assert.True(t, cerrors.IsCode(err, cerrors.ErrKeyGeneration))
}
