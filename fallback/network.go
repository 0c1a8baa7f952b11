// Package fallback creates or joins an ad-hoc WiFi network when neither mDNS
// nor subnet probing can reach a peer.
package fallback

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

const (
	// NetworkPrefix starts every Connecto ad-hoc SSID.
	NetworkPrefix = "Connecto-"
	// Channel is the 2.4 GHz channel used for ad-hoc networks.
	Channel = 11
	// FrequencyMHz is Channel's centre frequency.
	FrequencyMHz = 2462
	// HostIP is the address of the device hosting the network.
	HostIP = "192.168.73.1"
	// ClientIP is the address taken by a device that joins.
	ClientIP = "192.168.73.2"
	// PrefixLen is the ad-hoc subnet's prefix length.
	PrefixLen = 24

	maxNameLen     = 20
	commandTimeout = 30 * time.Second
)

// Network is the platform capability used for the ad-hoc fallback.
type Network interface {
	// CreateNetwork hosts an ad-hoc network and returns its SSID.
	CreateNetwork() (string, error)
	// JoinNetwork joins an existing ad-hoc network.
	JoinNetwork(ssid string) error
	// ScanForNetworks lists visible SSIDs that start with NetworkPrefix.
	ScanForNetworks() ([]string, error)
	// RestorePreviousNetwork tears down the ad-hoc network and reconnects to
	// whatever network was active before.
	RestorePreviousNetwork() error
	IsHosting() bool
	Name() string
}

// SSIDFor returns the ad-hoc SSID for a device: NetworkPrefix followed by at
// most 20 letters, digits, '-' or '_' from the name.
func SSIDFor(deviceName string) string {
	var b strings.Builder
	n := 0
	for _, r := range deviceName {
		if n == maxNameLen {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			b.WriteRune(r)
			n++
		}
	}
	return NetworkPrefix + b.String()
}

// commandResult is the captured output of one external command.
type commandResult struct {
	Stdout string
	Stderr string
}

// runner executes an external command. It returns a non-nil error when the
// command cannot start or exits non-zero.
type runner func(ctx context.Context, name string, args ...string) (commandResult, error)

func execRunner(ctx context.Context, name string, args ...string) (commandResult, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return commandResult{Stdout: stdout.String(), Stderr: stderr.String()}, err
}

// parseConnectionUUID extracts the connection UUID from nmcli's
// "Connection 'name' (uuid) successfully added." line.
func parseConnectionUUID(output string) (string, bool) {
	start := strings.IndexByte(output, '(')
	end := strings.IndexByte(output, ')')
	if start < 0 || end <= start {
		return "", false
	}
	id, err := uuid.Parse(output[start+1 : end])
	if err != nil {
		return "", false
	}
	return id.String(), true
}

// appendSSID adds ssid to list when it is a Connecto network not already
// present.
func appendSSID(list []string, ssid string) []string {
	ssid = strings.TrimSpace(ssid)
	if !strings.HasPrefix(ssid, NetworkPrefix) {
		return list
	}
	for _, existing := range list {
		if existing == ssid {
			return list
		}
	}
	return append(list, ssid)
}

func trimOutput(s string) string {
	return strings.TrimSpace(s)
}
