//go:build darwin

package fallback

import (
	"context"
	"fmt"
	"sync"

	cerrors "connecto/errors"
	"connecto/logger"
)

const (
	airportPath  = "/System/Library/PrivateFrameworks/Apple80211.framework/Versions/Current/Resources/airport"
	wifiDevice   = "en0"
	wifiService  = "Wi-Fi"
	adhocNetmask = "255.255.255.0"
)

// darwinNetwork joins networks with networksetup. macOS no longer exposes a
// supported way to host an IBSS network, so CreateNetwork only explains the
// manual steps.
type darwinNetwork struct {
	log logger.Logger
	run runner

	mu       sync.Mutex
	ssid     string
	previous string
}

// NewNetwork returns the networksetup/airport implementation.
func NewNetwork(deviceName string, log logger.Logger) Network {
	if log == nil {
		log = logger.Noop()
	}
	return &darwinNetwork{log: log, run: execRunner, ssid: SSIDFor(deviceName)}
}

func (n *darwinNetwork) Name() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ssid
}

func (n *darwinNetwork) IsHosting() bool { return false }

func (n *darwinNetwork) CreateNetwork() (string, error) {
	return "", cerrors.New(cerrors.ErrNetwork,
		fmt.Sprintf("Cannot create ad-hoc network %s automatically on macOS", n.Name()),
		fmt.Sprintf("Create it manually: Option-click the Wi-Fi menu, choose \"Create Network...\", name it %s on channel %d, then run connecto listen again", n.Name(), Channel))
}

func (n *darwinNetwork) ScanForNetworks() ([]string, error) {
	res, err := n.run(context.Background(), airportPath, "-s")
	if err != nil {
		return nil, cerrors.WrapWithCode(err, cerrors.ErrNetwork, "Failed to scan for WiFi networks", trimOutput(res.Stderr))
	}
	networks := ssidsFromAirport(res.Stdout)
	n.log.Debug("found %d Connecto ad-hoc networks", len(networks))
	return networks, nil
}

func (n *darwinNetwork) JoinNetwork(ssid string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	ctx := context.Background()
	if res, err := n.run(ctx, "networksetup", "-getairportnetwork", wifiDevice); err == nil {
		if current, ok := currentAirportNetwork(res.Stdout); ok {
			n.previous = current
		}
	}

	n.log.Info("joining ad-hoc network %s", ssid)
	res, err := n.run(ctx, "networksetup", "-setairportnetwork", wifiDevice, ssid)
	if err != nil {
		return cerrors.WrapWithCode(err, cerrors.ErrNetwork,
			fmt.Sprintf("Failed to join network %s", ssid), trimOutput(res.Stderr))
	}
	n.ssid = ssid

	if res, err := n.run(ctx, "networksetup", "-setmanual", wifiService, ClientIP, adhocNetmask, HostIP); err != nil {
		n.log.Warn("failed to set manual address: %s", trimOutput(res.Stderr))
	}
	return nil
}

func (n *darwinNetwork) RestorePreviousNetwork() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	ctx := context.Background()
	if n.previous != "" {
		n.log.Info("restoring previous network %s", n.previous)
		if res, err := n.run(ctx, "networksetup", "-setairportnetwork", wifiDevice, n.previous); err != nil {
			n.log.Warn("failed to restore network %s: %s", n.previous, trimOutput(res.Stderr))
		}
	}
	_, _ = n.run(ctx, "networksetup", "-setdhcp", wifiService)
	return nil
}
