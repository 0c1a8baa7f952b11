//go:build !linux && !darwin

package fallback

import (
	"runtime"

	cerrors "connecto/errors"
	"connecto/logger"
)

type unsupportedNetwork struct {
	ssid string
}

// NewNetwork returns an implementation whose operations all fail.
func NewNetwork(deviceName string, _ logger.Logger) Network {
	return unsupportedNetwork{ssid: SSIDFor(deviceName)}
}

func unsupported() error {
	return cerrors.Newf(cerrors.ErrNetwork, "Ad-hoc networking is not supported on %s", runtime.GOOS)
}

func (n unsupportedNetwork) Name() string { return n.ssid }
func (unsupportedNetwork) IsHosting() bool { return false }
func (unsupportedNetwork) CreateNetwork() (string, error) { return "", unsupported() }
func (unsupportedNetwork) JoinNetwork(string) error { return unsupported() }
func (unsupportedNetwork) ScanForNetworks() ([]string, error) { return nil, unsupported() }
func (unsupportedNetwork) RestorePreviousNetwork() error { return nil }
